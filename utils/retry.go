package utils

import (
	"context"
	"errors"
	"runtime"
	"time"

	log "github.com/sirupsen/logrus"
)

const RETRY_LIMIT int = 3
const RETRY_INTERVAL = 500 * time.Millisecond

// Retry calls attempt up to RETRY_LIMIT times. An error matching exempt is
// returned immediately. Cancelling ctx aborts the wait between attempts.
func Retry(ctx context.Context, attempt func() error, exempt error) error {
	var err error
	for i := 0; i < RETRY_LIMIT; i++ {
		err = attempt()
		if err == nil {
			return nil
		}
		if exempt != nil && errors.Is(err, exempt) {
			return err
		}
		pc, file, line, ok := runtime.Caller(1)
		if ok {
			log.Errorf("%s Called from %s, line #%d, func: %v", err,
				file, line, runtime.FuncForPC(pc).Name())
		}
		if i == RETRY_LIMIT-1 {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(RETRY_INTERVAL):
		}
	}
	return err
}

// Backoff doubles the wait after every failure up to Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	current time.Duration
}

func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.Initial
	} else {
		b.current *= 2
	}
	if b.Max > 0 && b.current > b.Max {
		b.current = b.Max
	}
	return b.current
}

func (b *Backoff) Reset() {
	b.current = 0
}
