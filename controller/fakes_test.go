package controller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/daveTechLed/sqlstress/broadcast"
	"github.com/daveTechLed/sqlstress/config"
	"github.com/daveTechLed/sqlstress/model"
	"github.com/daveTechLed/sqlstress/session"
	"github.com/daveTechLed/sqlstress/sqlconn"
	"github.com/daveTechLed/sqlstress/sqlconn/sqlconntest"
	"github.com/daveTechLed/sqlstress/xevent"
)

type fakeSession struct {
	mu      sync.Mutex
	state   session.State
	starts  int
	stops   int
	startFn func() error
	stopErr error
}

func (s *fakeSession) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	if s.startFn != nil {
		if err := s.startFn(); err != nil {
			s.state = session.Failed
			return err
		}
	}
	s.state = session.Active
	return nil
}

func (s *fakeSession) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != session.Active {
		return nil
	}
	s.stops++
	if s.stopErr != nil {
		s.state = session.Failed
		return s.stopErr
	}
	s.state = session.Stopped
	return nil
}

func (s *fakeSession) State() session.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSession) SessionName() string { return "sqlstress_test" }

type fakeStream struct {
	mu     sync.Mutex
	events chan *xevent.RawEvent
	errs   chan error
	closed bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan *xevent.RawEvent, 4096), errs: make(chan error, 16)}
}

func (s *fakeStream) Events() <-chan *xevent.RawEvent { return s.events }
func (s *fakeStream) Errors() <-chan error            { return s.errs }

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

func (s *fakeStream) emit(e *xevent.RawEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.events <- e
	return true
}

func (s *fakeStream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.errs <- err
	s.closed = true
	close(s.events)
}

// fakeSource hands out one stream per Subscribe and routes emitted events to
// the newest one.
type fakeSource struct {
	mu         sync.Mutex
	streams    []*fakeStream
	subscribed chan struct{}
	failFirst  int
}

func newFakeSource() *fakeSource {
	return &fakeSource{subscribed: make(chan struct{}, 16)}
}

func (f *fakeSource) Subscribe(context.Context, string) (xevent.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFirst > 0 {
		f.failFirst--
		return nil, errors.New("feed unavailable")
	}
	s := newFakeStream()
	f.streams = append(f.streams, s)
	select {
	case f.subscribed <- struct{}{}:
	default:
	}
	return s, nil
}

func (f *fakeSource) current() *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.streams) == 0 {
		return nil
	}
	return f.streams[len(f.streams)-1]
}

func (f *fakeSource) subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}

// emit waits briefly for the reader to subscribe, as the server buffers
// events until the first read.
func (f *fakeSource) emit(e *xevent.RawEvent) bool {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s := f.current(); s != nil {
			return s.emit(e)
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

func markerEvent(marker []byte, duration int64) *xevent.RawEvent {
	return &xevent.RawEvent{
		Name:      "sql_batch_completed",
		Kind:      xevent.SQLBatchCompleted,
		Timestamp: time.Now(),
		Fields:    map[string]xevent.Value{"duration": xevent.IntValue(duration)},
		Actions:   map[string]xevent.Value{xevent.ContextInfoAction: xevent.BinaryValue(marker)},
	}
}

// fakeExecutor records concurrency and markers and, unless told otherwise,
// emits one event per execution into the source like the server would.
type fakeExecutor struct {
	source  *fakeSource
	delay   time.Duration
	fn      func(call int, marker []byte) error
	calls   atomic.Int64
	current atomic.Int64
	peak    atomic.Int64

	mu      sync.Mutex
	markers [][]byte
}

func (e *fakeExecutor) Execute(_ context.Context, _, _ string, marker []byte) (*ExecutionOutcome, error) {
	call := int(e.calls.Add(1))
	cur := e.current.Add(1)
	defer e.current.Add(-1)
	for {
		p := e.peak.Load()
		if cur <= p || e.peak.CompareAndSwap(p, cur) {
			break
		}
	}
	e.mu.Lock()
	e.markers = append(e.markers, marker)
	e.mu.Unlock()
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	if e.fn != nil {
		if err := e.fn(call, marker); err != nil {
			return nil, err
		}
	}
	if e.source != nil {
		e.source.emit(markerEvent(marker, int64(call)))
	}
	return &ExecutionOutcome{DataSizeBytes: 4, ResultSets: 1, Rows: 1}, nil
}

type recorder struct {
	mu   sync.Mutex
	msgs []broadcast.Message
}

func (r *recorder) Publish(m broadcast.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
}

func (r *recorder) boundaries() (starts, ends []*broadcast.Boundary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.msgs {
		if b, ok := m.(*broadcast.Boundary); ok {
			if b.IsStart {
				starts = append(starts, b)
			} else {
				ends = append(ends, b)
			}
		}
	}
	return
}

func (r *recorder) ofType(t broadcast.MessageType) []broadcast.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []broadcast.Message
	for _, m := range r.msgs {
		if m.Type() == t {
			out = append(out, m)
		}
	}
	return out
}

type harness struct {
	orch     *Orchestrator
	factory  *sqlconntest.Factory
	source   *fakeSource
	session  *fakeSession
	exec     *fakeExecutor
	rec      *recorder
	history  *model.MemoryRunHistoryStore
	sessions atomic.Int64
}

func testRunner() *config.RunnerConfig {
	rc := *config.Default().RunnerConfig
	rc.DrainInterval = 20 * time.Millisecond
	rc.SweepInterval = 5 * time.Millisecond
	rc.ReconnectBackoff = 5 * time.Millisecond
	rc.MaxReconnectBackoff = 20 * time.Millisecond
	rc.StopTimeout = time.Second
	return &rc
}

func newHarness() *harness {
	h := &harness{
		factory: &sqlconntest.Factory{},
		source:  newFakeSource(),
		session: &fakeSession{},
		rec:     &recorder{},
		history: model.NewMemoryRunHistoryStore(10),
	}
	h.exec = &fakeExecutor{source: h.source}
	h.orch = NewOrchestrator(Deps{
		Profiles: model.NewStaticProfileStore([]*config.ConnectionConfig{{ID: "local", Name: "local", Server: "localhost"}}),
		Builder:  sqlconn.MSSQLBuilder{},
		Factory:  h.factory,
		Executor: h.exec,
		NewSession: func(string) DiagnosticSession {
			h.sessions.Add(1)
			return h.session
		},
		NewSource: func(string) xevent.Source { return h.source },
		Publisher: h.rec,
		History:   h.history,
		Runner:    testRunner(),
	})
	return h
}

func request(total, parallel int) *StressTestRequest {
	return &StressTestRequest{
		ConnectionID:       "local",
		Query:              "SELECT 1",
		ParallelExecutions: parallel,
		TotalExecutions:    total,
	}
}
