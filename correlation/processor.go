package correlation

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/daveTechLed/sqlstress/broadcast"
	"github.com/daveTechLed/sqlstress/config"
	"github.com/daveTechLed/sqlstress/xevent"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const shardCount = 32

type Publisher interface {
	Publish(m broadcast.Message)
}

// RetireInfo is what the worker reports once its execution returned.
type RetireInfo struct {
	Status        Status
	EndTime       time.Time
	DataSizeBytes int64
	Err           string
}

type entry struct {
	exec      *Execution
	metrics   *Metrics
	retired   bool
	retiredAt time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*entry
}

// Processor tracks in-flight and draining executions. Entries are spread
// over lock-striped shards keyed by the identifier so workers retiring
// executions and the event reader rarely contend.
type Processor struct {
	shards    [shardCount]*shard
	pub       Publisher
	drain     time.Duration
	maxEvents int

	matched      atomic.Int64
	unattributed atomic.Int64
}

// NewProcessor returns a processor whose retired executions keep matching
// events for drain before they are finalized by Sweep.
func NewProcessor(pub Publisher, drain time.Duration, maxEvents int) *Processor {
	p := &Processor{pub: pub, drain: drain, maxEvents: maxEvents}
	for i := range p.shards {
		p.shards[i] = &shard{entries: make(map[uuid.UUID]*entry)}
	}
	return p
}

func (p *Processor) shardFor(id uuid.UUID) *shard {
	return p.shards[int(id[0])%shardCount]
}

// Register starts tracking e. It must be called before the execution runs so
// its earliest events can match.
func (p *Processor) Register(e *Execution) {
	s := p.shardFor(e.ID)
	s.mu.Lock()
	s.entries[e.ID] = &entry{exec: e, metrics: newMetrics(e)}
	s.mu.Unlock()
}

// Process attributes one event. Events without a known marker only bump the
// unattributed counter.
func (p *Processor) Process(ev *xevent.RawEvent) bool {
	id, ok := IDFromMarker(ev.Marker())
	if !ok {
		p.miss(ev)
		return false
	}
	s := p.shardFor(id)
	s.mu.Lock()
	en, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		p.miss(ev)
		return false
	}
	en.metrics.add(ev, p.maxEvents)
	msg := &broadcast.EventData{
		EventName:       ev.Name,
		Timestamp:       ev.Timestamp,
		ExecutionID:     id.String(),
		ExecutionNumber: en.exec.Number,
		EventFields:     ev.FieldMap(),
		Actions:         ev.ActionMap(),
	}
	s.mu.Unlock()

	p.matched.Add(1)
	config.EventCounter.WithLabelValues("matched").Inc()
	p.publish(msg)
	return true
}

func (p *Processor) miss(ev *xevent.RawEvent) {
	p.unattributed.Add(1)
	config.EventCounter.WithLabelValues("unattributed").Inc()
	log.WithField("event", ev.Name).Debug("event does not belong to any tracked execution")
}

// Retire moves an execution from in-flight to draining and publishes its
// metrics as they stand. It reports false for unknown identifiers.
func (p *Processor) Retire(id uuid.UUID, info RetireInfo) bool {
	s := p.shardFor(id)
	s.mu.Lock()
	en, ok := s.entries[id]
	if !ok || en.retired {
		s.mu.Unlock()
		return false
	}
	en.retired = true
	en.retiredAt = time.Now()
	en.exec.EndTime.SetValid(info.EndTime)
	en.exec.Status = info.Status
	en.exec.Err = info.Err
	en.metrics.DataSizeBytes = info.DataSizeBytes
	snap := en.metrics.snapshot(info.Status, false)
	s.mu.Unlock()

	p.publish(snap)
	return true
}

// Sweep finalizes executions retired at least one drain interval before now
// and returns how many were finalized.
func (p *Processor) Sweep(now time.Time) int {
	return p.finalize(func(en *entry) bool {
		return en.retired && now.Sub(en.retiredAt) >= p.drain
	})
}

// Finalize closes every remaining entry regardless of its drain window.
func (p *Processor) Finalize() int {
	return p.finalize(func(*entry) bool { return true })
}

func (p *Processor) finalize(due func(*entry) bool) int {
	var snaps []*broadcast.MetricsSnapshot
	for _, s := range p.shards {
		s.mu.Lock()
		for id, en := range s.entries {
			if !due(en) {
				continue
			}
			status := en.exec.Status
			if !en.retired {
				status = StatusCancelled
			}
			snaps = append(snaps, en.metrics.snapshot(status, true))
			delete(s.entries, id)
		}
		s.mu.Unlock()
	}
	for _, snap := range snaps {
		p.publish(snap)
	}
	return len(snaps)
}

func (p *Processor) publish(m broadcast.Message) {
	if p.pub != nil {
		p.pub.Publish(m)
	}
}

// Snapshot returns the current metrics of a tracked execution.
func (p *Processor) Snapshot(id uuid.UUID) (*broadcast.MetricsSnapshot, bool) {
	s := p.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	en, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	return en.metrics.snapshot(en.exec.Status, false), true
}

func (p *Processor) Matched() int64 {
	return p.matched.Load()
}

func (p *Processor) Unattributed() int64 {
	return p.unattributed.Load()
}

// InFlight counts registered executions that have not been retired.
func (p *Processor) InFlight() int {
	n := 0
	for _, s := range p.shards {
		s.mu.Lock()
		for _, en := range s.entries {
			if !en.retired {
				n++
			}
		}
		s.mu.Unlock()
	}
	return n
}

// Tracked counts in-flight and draining executions.
func (p *Processor) Tracked() int {
	n := 0
	for _, s := range p.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
