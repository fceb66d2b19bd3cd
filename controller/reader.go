package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/daveTechLed/sqlstress/config"
	"github.com/daveTechLed/sqlstress/session"
	"github.com/daveTechLed/sqlstress/utils"
	"github.com/daveTechLed/sqlstress/xevent"
	log "github.com/sirupsen/logrus"
)

// EventSink receives every decoded event.
type EventSink interface {
	Process(e *xevent.RawEvent) bool
}

// EventReader is the single consumer loop of the diagnostic feed. It keeps
// reconnecting while the session is active and drains the current stream
// once stopped.
type EventReader struct {
	source  xevent.Source
	session DiagnosticSession
	sink    EventSink
	backoff utils.Backoff

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu           sync.Mutex
	decodeErrors int64
}

func NewEventReader(source xevent.Source, ds DiagnosticSession, sink EventSink, rc *config.RunnerConfig) *EventReader {
	initial := rc.ReconnectBackoff
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	return &EventReader{
		source:  source,
		session: ds,
		sink:    sink,
		backoff: utils.Backoff{Initial: initial, Max: rc.MaxReconnectBackoff},
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run blocks until Stop is called or ctx is done.
func (r *EventReader) Run(ctx context.Context) {
	defer close(r.done)
	name := r.session.SessionName()
	for {
		if r.stopped(ctx) {
			return
		}
		stream, err := r.source.Subscribe(ctx, name)
		if err != nil {
			log.Warnf("subscribing to diagnostic session %s failed: %v", name, err)
			if !r.wait(ctx) {
				return
			}
			continue
		}
		r.backoff.Reset()
		if finished := r.consume(ctx, stream); finished {
			return
		}
		if r.session.State() != session.Active {
			return
		}
		config.ReaderReconnectCounter.Inc()
		log.Warnf("diagnostic feed of %s disconnected, reconnecting", name)
		if !r.wait(ctx) {
			return
		}
	}
}

// consume reads one stream. It returns true when the reader was stopped and
// the stream drained, false when the stream ended by itself.
func (r *EventReader) consume(ctx context.Context, stream xevent.Stream) bool {
	events := stream.Events()
	errs := stream.Errors()
	for {
		select {
		case <-r.stop:
			r.drain(stream)
			return true
		case <-ctx.Done():
			r.drain(stream)
			return true
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			r.handleErr(err)
		case e, ok := <-events:
			if !ok {
				r.flushErrs(errs)
				return false
			}
			r.sink.Process(e)
		}
	}
}

// drain closes the stream while still receiving, so events the source
// flushes on close reach the sink.
func (r *EventReader) drain(stream xevent.Stream) {
	closed := make(chan struct{})
	go func() {
		if err := stream.Close(); err != nil {
			log.Warnf("closing diagnostic feed: %v", err)
		}
		close(closed)
	}()
	n := 0
	for e := range stream.Events() {
		r.sink.Process(e)
		n++
	}
	<-closed
	r.flushErrs(stream.Errors())
	log.Debugf("drained %d trailing events", n)
}

func (r *EventReader) flushErrs(errs <-chan error) {
	for {
		select {
		case err, ok := <-errs:
			if !ok {
				return
			}
			r.handleErr(err)
		default:
			return
		}
	}
}

func (r *EventReader) handleErr(err error) {
	var de *xevent.DecodeError
	if errors.As(err, &de) {
		r.mu.Lock()
		r.decodeErrors++
		r.mu.Unlock()
		config.EventCounter.WithLabelValues("decode_error").Inc()
		log.Warnf("skipping malformed event: %v", de)
		return
	}
	log.Warnf("diagnostic feed error: %v", err)
}

func (r *EventReader) stopped(ctx context.Context) bool {
	select {
	case <-r.stop:
		return true
	case <-ctx.Done():
		return true
	default:
	}
	return r.session.State() != session.Active
}

func (r *EventReader) wait(ctx context.Context) bool {
	t := time.NewTimer(r.backoff.Next())
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-r.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

// Stop ends Run after draining the current stream and waits for it. Run
// must have been started.
func (r *EventReader) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

func (r *EventReader) DecodeErrors() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.decodeErrors
}
