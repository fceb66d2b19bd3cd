package xevent

import (
	"context"
	"fmt"
	"time"

	"github.com/daveTechLed/sqlstress/sqlconn"
	log "github.com/sirupsen/logrus"
)

const (
	targetDataQuery = `SELECT CAST(t.target_data AS nvarchar(max))
FROM sys.dm_xe_session_targets AS t
JOIN sys.dm_xe_sessions AS s ON s.address = t.event_session_address
WHERE s.name = @p1 AND t.target_name = N'ring_buffer'`

	defaultPollInterval = 500 * time.Millisecond
	finalPollTimeout    = 5 * time.Second
	streamBuffer        = 1024
)

// RingBufferSource polls the ring_buffer target of a session through its own
// connection and emits each event once.
type RingBufferSource struct {
	Factory      sqlconn.Factory
	ConnString   string
	PollInterval time.Duration
}

func (s *RingBufferSource) Subscribe(ctx context.Context, sessionName string) (Stream, error) {
	h, err := s.Factory.Open(ctx, s.ConnString)
	if err != nil {
		return nil, err
	}
	interval := s.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	st := newStream(cancel, streamBuffer)
	p := &ringBufferPoller{
		handle:  h,
		session: sessionName,
		st:      st,
	}
	go p.run(ctx, interval)
	return st, nil
}

type ringBufferPoller struct {
	handle  sqlconn.Handle
	session string
	st      *stream
	seen    seenEvents
}

func (p *ringBufferPoller) run(ctx context.Context, interval time.Duration) {
	defer p.st.finish()
	defer p.handle.Close()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// events raised between the last tick and the stop are still in
			// the buffer
			fctx, cancel := context.WithTimeout(context.Background(), finalPollTimeout)
			if err := p.poll(fctx); err != nil {
				log.Warnf("final ring buffer poll of %s failed: %v", p.session, err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := p.poll(ctx); err != nil {
				if ctx.Err() != nil {
					continue
				}
				p.st.reportErr(err)
				return
			}
		}
	}
}

func (p *ringBufferPoller) poll(ctx context.Context) error {
	data, err := p.fetch(ctx)
	if err != nil {
		return err
	}
	if data == "" {
		return nil
	}
	events, bad, err := ParseRingBuffer(data)
	if err != nil {
		return err
	}
	for _, d := range bad {
		p.st.reportErr(d)
	}
	keys := p.seen.keys(events)
	for i, e := range events {
		if p.seen.has(e, keys[i]) {
			continue
		}
		select {
		case p.st.events <- e:
			p.seen.mark(e, keys[i])
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.seen.compact(events, keys)
	return nil
}

// seenEvents remembers what was emitted across polls; the ring buffer returns
// every event it still holds on each read, and not in sequence order since
// events are flushed from per-CPU buffers.
//
// Sequenced events are tracked as a low-water mark plus the set of emitted
// sequences above it. Events without a sequence are keyed by their identity
// and their occurrence number within the document.
type seenEvents struct {
	low    int64
	seqs   map[int64]struct{}
	keyset map[string]struct{}
}

func identity(e *RawEvent) string {
	return fmt.Sprintf("%s|%s|%s|%s", e.Timestamp.UTC().Format(time.RFC3339Nano), e.Name,
		e.Actions[SessionIDAction].String(), e.Actions[ContextInfoAction].String())
}

// keys returns the dedupe key of every unsequenced event of one document.
func (s *seenEvents) keys(events []*RawEvent) []string {
	out := make([]string, len(events))
	count := make(map[string]int)
	for i, e := range events {
		if e.Sequence > 0 {
			continue
		}
		id := identity(e)
		out[i] = fmt.Sprintf("%s#%d", id, count[id])
		count[id]++
	}
	return out
}

func (s *seenEvents) has(e *RawEvent, key string) bool {
	if e.Sequence > 0 {
		if e.Sequence <= s.low {
			return true
		}
		_, ok := s.seqs[e.Sequence]
		return ok
	}
	_, ok := s.keyset[key]
	return ok
}

func (s *seenEvents) mark(e *RawEvent, key string) {
	if e.Sequence > 0 {
		if s.seqs == nil {
			s.seqs = make(map[int64]struct{})
		}
		s.seqs[e.Sequence] = struct{}{}
		for {
			if _, ok := s.seqs[s.low+1]; !ok {
				break
			}
			delete(s.seqs, s.low+1)
			s.low++
		}
		return
	}
	if s.keyset == nil {
		s.keyset = make(map[string]struct{})
	}
	s.keyset[key] = struct{}{}
}

// compact forgets emitted events that are no longer in the buffer after a
// complete poll. The ring buffer evicts for good, so an absent event cannot
// come back, while a late event from another CPU may still carry a sequence
// below everything currently held. The tracked set never outgrows the buffer.
func (s *seenEvents) compact(events []*RawEvent, keys []string) {
	seqs := make(map[int64]struct{}, len(events))
	present := make(map[string]struct{}, len(keys))
	for i, e := range events {
		if e.Sequence > 0 {
			seqs[e.Sequence] = struct{}{}
			continue
		}
		present[keys[i]] = struct{}{}
	}
	for seq := range s.seqs {
		if _, ok := seqs[seq]; !ok {
			delete(s.seqs, seq)
		}
	}
	for k := range s.keyset {
		if _, ok := present[k]; !ok {
			delete(s.keyset, k)
		}
	}
}

func (p *ringBufferPoller) fetch(ctx context.Context) (string, error) {
	rows, err := p.handle.Query(ctx, targetDataQuery, p.session)
	if err != nil {
		return "", err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return "", err
		}
		return "", fmt.Errorf("session %s has no ring_buffer target", p.session)
	}
	var raw any
	if err := rows.Scan(&raw); err != nil {
		return "", err
	}
	switch v := raw.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case nil:
		return "", nil
	}
	return "", fmt.Errorf("unexpected target_data type %T", raw)
}
