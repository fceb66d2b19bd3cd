package xevent

import (
	"context"
	"fmt"
)

// Source yields decoded events of a running capture session.
type Source interface {
	Subscribe(ctx context.Context, sessionName string) (Stream, error)
}

// Stream is one live subscription. Events is closed once the stream stops,
// either after Close or because the feed failed; the failure, if any, is
// sent on Errors before Events is closed. Errors also carries *DecodeError
// values for single malformed events, which do not end the stream.
type Stream interface {
	Events() <-chan *RawEvent
	Errors() <-chan error
	Close() error
}

// DecodeError reports one event that could not be decoded.
type DecodeError struct {
	Event  string
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Event == "" {
		return fmt.Sprintf("cannot decode event: %s", e.Reason)
	}
	return fmt.Sprintf("cannot decode event %s: %s", e.Event, e.Reason)
}

// stream is the channel plumbing shared by the concrete sources.
type stream struct {
	events chan *RawEvent
	errs   chan error
	cancel context.CancelFunc
	done   chan struct{}
}

func newStream(cancel context.CancelFunc, buffer int) *stream {
	return &stream{
		events: make(chan *RawEvent, buffer),
		errs:   make(chan error, 16),
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (s *stream) Events() <-chan *RawEvent { return s.events }
func (s *stream) Errors() <-chan error     { return s.errs }

// Close stops the producer and waits until Events is closed.
func (s *stream) Close() error {
	s.cancel()
	<-s.done
	return nil
}

// reportErr never blocks the producer; errors beyond the buffer are dropped.
func (s *stream) reportErr(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

// finish is called by the producer goroutine exactly once.
func (s *stream) finish() {
	close(s.events)
	close(s.done)
}
