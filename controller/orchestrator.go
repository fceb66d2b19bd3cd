package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/daveTechLed/sqlstress/broadcast"
	"github.com/daveTechLed/sqlstress/config"
	"github.com/daveTechLed/sqlstress/correlation"
	"github.com/daveTechLed/sqlstress/model"
	"github.com/daveTechLed/sqlstress/session"
	"github.com/daveTechLed/sqlstress/sqlconn"
	"github.com/daveTechLed/sqlstress/utils"
	"github.com/daveTechLed/sqlstress/xevent"
	"github.com/google/uuid"
	"github.com/guregu/null"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// DiagnosticSession is the capture session of one run.
type DiagnosticSession interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	State() session.State
	SessionName() string
}

type Deps struct {
	Profiles model.ProfileStore
	Builder  sqlconn.Builder
	Factory  sqlconn.Factory
	// Executor defaults to a ConnectionExecutor over Factory, one per run.
	Executor Executor
	// NewSession and NewSource receive the management connection string.
	NewSession func(adminConnString string) DiagnosticSession
	NewSource  func(adminConnString string) xevent.Source
	Publisher  correlation.Publisher
	// History is optional.
	History model.RunHistoryStore
	Runner  *config.RunnerConfig
}

// Orchestrator runs one stress test at a time.
type Orchestrator struct {
	deps    Deps
	running atomic.Bool

	mu     sync.Mutex
	active *run
	last   *RunStatus
	// idle is closed once the latest run has stopped its session.
	idle chan struct{}
}

func NewOrchestrator(d Deps) *Orchestrator {
	if d.Runner == nil {
		d.Runner = config.Default().RunnerConfig
	}
	return &Orchestrator{deps: d}
}

func (o *Orchestrator) executorFor(connectionID string) Executor {
	if o.deps.Executor != nil {
		return o.deps.Executor
	}
	return &ConnectionExecutor{Factory: o.deps.Factory, ConnectionID: connectionID}
}

type run struct {
	testID  string
	req     *StressTestRequest
	started time.Time
	cancel  context.CancelFunc
	exec    Executor
	ds      DiagnosticSession
	proc    *correlation.Processor

	dispatched      atomic.Int64
	succeeded       atomic.Int64
	failed          atomic.Int64
	inflight        atomic.Int64
	cancelRequested atomic.Bool
	cancelled       atomic.Bool
}

func (r *run) status(running bool) *RunStatus {
	rs := &RunStatus{
		Running:       running,
		TestID:        r.testID,
		Total:         r.req.TotalExecutions,
		Parallelism:   r.req.Parallelism(),
		Dispatched:    r.dispatched.Load(),
		Succeeded:     r.succeeded.Load(),
		Failed:        r.failed.Load(),
		InFlight:      r.inflight.Load(),
		StartedTime:   null.TimeFrom(r.started),
		CancelPending: r.cancelRequested.Load(),
	}
	if r.ds != nil {
		rs.SessionName = r.ds.SessionName()
		rs.SessionState = r.ds.State().String()
	}
	if r.proc != nil {
		rs.Matched = r.proc.Matched()
		rs.Unattributed = r.proc.Unattributed()
	}
	if !running {
		rs.EndTime = null.TimeFrom(time.Now())
	}
	return rs
}

func (o *Orchestrator) publish(m broadcast.Message) {
	if o.deps.Publisher != nil {
		o.deps.Publisher.Publish(m)
	}
}

// RunStressTest validates req, runs all executions and returns once the
// capture session is stopped. Cancelling ctx, or calling Cancel, stops the
// dispatch of new executions; dispatched ones run to completion.
func (o *Orchestrator) RunStressTest(ctx context.Context, req *StressTestRequest) *StressTestResult {
	if err := req.Validate(); err != nil {
		return failed("", err)
	}
	if !o.running.CompareAndSwap(false, true) {
		return failed("", ErrRunInProgress)
	}
	defer o.running.Store(false)
	idle := make(chan struct{})
	o.mu.Lock()
	o.idle = idle
	o.mu.Unlock()
	defer close(idle)

	profile, err := o.deps.Profiles.GetProfile(ctx, req.ConnectionID)
	if err != nil {
		var dbe *model.DBError
		if errors.As(err, &dbe) {
			return failed("", makeValidationError("connectionId", fmt.Sprintf("unknown connection %q", req.ConnectionID)))
		}
		return failed("", err)
	}
	rc := o.deps.Runner
	workerCS, err := o.deps.Builder.Build(profile, sqlconn.BuildOptions{
		Database:        req.Database.String,
		ApplicationName: rc.ApplicationName,
	})
	if err != nil {
		return failed("", makeValidationError("connectionId", err.Error()))
	}
	adminCS, err := o.deps.Builder.Build(profile, sqlconn.BuildOptions{ApplicationName: rc.AdminAppName})
	if err != nil {
		return failed("", makeValidationError("connectionId", err.Error()))
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r := &run{
		testID:  uuid.NewString(),
		req:     req,
		started: time.Now(),
		cancel:  cancel,
		exec:    o.executorFor(req.ConnectionID),
	}
	o.setActive(r)
	logger := log.WithFields(log.Fields{"test_id": r.testID, "connection_id": req.ConnectionID})
	logger.Infof("stress test starting: %d executions, parallelism %d", req.TotalExecutions, req.Parallelism())

	result := o.execute(runCtx, r, workerCS, adminCS)
	o.finish(ctx, r, result)
	// observers see the run end even when nothing else was published
	o.publish(broadcast.NewHeartbeat(broadcast.StatusConnected))
	logger.Infof("stress test finished: success=%t %s%s", result.Success, result.Message, result.Error)
	return result
}

func (o *Orchestrator) execute(ctx context.Context, r *run, workerCS, adminCS string) *StressTestResult {
	rc := o.deps.Runner
	// a half done run must still shut the session down
	cleanupCtx := context.WithoutCancel(ctx)

	h, err := o.deps.Factory.Open(ctx, workerCS)
	if err != nil {
		return failed(r.testID, &ConnectionError{ConnectionID: r.req.ConnectionID, Err: err})
	}
	h.Close()

	ds := o.deps.NewSession(adminCS)
	o.mu.Lock()
	r.ds = ds
	o.mu.Unlock()
	if err := ds.Start(ctx); err != nil {
		return failed(r.testID, err)
	}

	proc := correlation.NewProcessor(o.deps.Publisher, rc.DrainInterval, rc.MaxEventsPerExec)
	o.mu.Lock()
	r.proc = proc
	o.mu.Unlock()
	reader := NewEventReader(o.deps.NewSource(adminCS), ds, proc, rc)
	go reader.Run(cleanupCtx)
	stopSweep := o.sweep(proc, rc.SweepInterval)

	cancelled := o.schedule(ctx, r, proc, workerCS)
	r.cancelled.Store(cancelled)

	// trailing events of the last executions are still on their way
	drain := time.NewTimer(rc.DrainInterval)
	<-drain.C

	reader.Stop()
	stopSweep()
	proc.Finalize()
	if n := reader.DecodeErrors(); n > 0 {
		log.WithField("test_id", r.testID).Warnf("%d malformed events skipped", n)
	}

	stopTimeout := rc.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = 30 * time.Second
	}
	stopCtx, cancelStop := context.WithTimeout(cleanupCtx, stopTimeout)
	defer cancelStop()
	if err := ds.Stop(stopCtx); err != nil {
		return failed(r.testID, err)
	}

	res := &StressTestResult{Success: true, TestID: r.testID}
	if cancelled {
		res.Message = fmt.Sprintf("cancelled after %d of %d executions (%d failed)",
			r.dispatched.Load(), r.req.TotalExecutions, r.failed.Load())
	} else {
		res.Message = fmt.Sprintf("completed %d executions (%d succeeded, %d failed)",
			r.dispatched.Load(), r.succeeded.Load(), r.failed.Load())
	}
	return res
}

// schedule dispatches executions 1..N over at most Parallelism workers and
// waits for all of them. It reports whether dispatch stopped early.
func (o *Orchestrator) schedule(ctx context.Context, r *run, proc *correlation.Processor, workerCS string) bool {
	sem := semaphore.NewWeighted(int64(r.req.Parallelism()))
	// statements already sent to the server are not abandoned on cancel
	workCtx := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	cancelled := false
	for n := 1; n <= r.req.TotalExecutions; n++ {
		if err := sem.Acquire(ctx, 1); err != nil {
			cancelled = true
			break
		}
		if ctx.Err() != nil {
			sem.Release(1)
			cancelled = true
			break
		}
		exec := &correlation.Execution{
			Number:    n,
			ID:        uuid.New(),
			StartTime: null.TimeFrom(time.Now()),
			Status:    correlation.StatusRunning,
		}
		r.dispatched.Add(1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			o.runOne(workCtx, r, proc, exec, workerCS)
		}()
	}
	wg.Wait()
	return cancelled
}

func (o *Orchestrator) runOne(ctx context.Context, r *run, proc *correlation.Processor, exec *correlation.Execution, workerCS string) {
	id := exec.ID.String()
	proc.Register(exec)
	r.inflight.Add(1)
	config.InflightGauge.Inc()
	o.publish(&broadcast.Boundary{
		ExecutionNumber: exec.Number,
		ExecutionID:     id,
		StartTime:       exec.StartTime,
		IsStart:         true,
		TimestampMs:     broadcast.NowMs(),
	})

	outcome, err := r.exec.Execute(ctx, workerCS, r.req.Query, exec.Marker())
	end := time.Now()
	r.inflight.Add(-1)
	config.InflightGauge.Dec()
	config.ExecutionLatencyHistogram.Observe(end.Sub(exec.StartTime.Time).Seconds())

	status := correlation.StatusSucceeded
	info := correlation.RetireInfo{EndTime: end}
	if err != nil {
		status = correlation.StatusFailed
		info.Err = err.Error()
		r.failed.Add(1)
		log.WithFields(log.Fields{"test_id": r.testID, "execution": exec.Number}).Warnf("execution failed: %v", err)
	} else {
		r.succeeded.Add(1)
		info.DataSizeBytes = outcome.DataSizeBytes
	}
	info.Status = status
	config.ExecutionCounter.WithLabelValues(string(status)).Inc()

	o.publish(&broadcast.Boundary{
		ExecutionNumber: exec.Number,
		ExecutionID:     id,
		StartTime:       exec.StartTime,
		EndTime:         null.TimeFrom(end),
		IsStart:         false,
		TimestampMs:     broadcast.NowMs(),
		Status:          string(status),
		Error:           info.Err,
	})
	proc.Retire(exec.ID, info)
}

func (o *Orchestrator) sweep(proc *correlation.Processor, interval time.Duration) func() {
	if interval <= 0 {
		interval = time.Second
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case now := <-ticker.C:
				proc.Sweep(now)
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

func (o *Orchestrator) setActive(r *run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active = r
}

func (o *Orchestrator) finish(ctx context.Context, r *run, result *StressTestResult) {
	o.mu.Lock()
	rs := r.status(false)
	o.active = nil
	o.last = rs
	o.mu.Unlock()

	outcome := "succeeded"
	switch {
	case !result.Success:
		outcome = "failed"
	case r.cancelled.Load():
		outcome = "cancelled"
	}
	config.RunDurationSummary.WithLabelValues(outcome).Observe(time.Since(r.started).Seconds())

	if o.deps.History == nil {
		return
	}
	rh := &model.RunHistory{
		TestID:          r.testID,
		ConnectionID:    r.req.ConnectionID,
		Query:           r.req.Query,
		TotalExecutions: r.req.TotalExecutions,
		Parallelism:     r.req.Parallelism(),
		Dispatched:      int(rs.Dispatched),
		Succeeded:       int(rs.Succeeded),
		Failed:          int(rs.Failed),
		Unattributed:    rs.Unattributed,
		Status:          outcome,
		StartedTime:     r.started,
		EndTime:         rs.EndTime,
	}
	hctx := context.WithoutCancel(ctx)
	if err := utils.Retry(hctx, func() error {
		return o.deps.History.RecordRun(hctx, rh)
	}, nil); err != nil {
		log.Errorf("recording run %s failed: %v", r.testID, err)
	}
}

// Cancel asks the active run to stop dispatching. It reports whether a run
// was active.
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil {
		return false
	}
	o.active.cancelRequested.Store(true)
	o.active.cancel()
	return true
}

// Wait blocks until no run is active or ctx is done. A run being waited for
// has stopped its capture session when Wait returns nil.
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	idle := o.idle
	o.mu.Unlock()
	if idle == nil {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status reports the active run, or the last one when idle.
func (o *Orchestrator) Status() *RunStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active != nil {
		return o.active.status(true)
	}
	if o.last != nil {
		return o.last
	}
	return &RunStatus{}
}
