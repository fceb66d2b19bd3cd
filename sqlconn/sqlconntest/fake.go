// Package sqlconntest provides a scriptable in-memory sqlconn.Factory for
// tests of packages built on sqlconn.
package sqlconntest

import (
	"context"
	"io"
	"sync"

	"github.com/daveTechLed/sqlstress/sqlconn"
)

// Factory records what it is asked to do. Behaviour is scripted through the
// hooks.
type Factory struct {
	mu sync.Mutex
	// OpenFunc decides whether Open succeeds. Nil means always succeed.
	OpenFunc func(ctx context.Context, connString string) error
	// ExecFunc handles Exec calls. Nil means succeed.
	ExecFunc func(ctx context.Context, connString, query string, args ...any) error
	// QueryFunc produces rows for Query calls. Nil returns an empty result.
	QueryFunc func(ctx context.Context, connString, query string, args ...any) (sqlconn.Rows, error)

	Opened int
	Closed int
	Execs  []string
}

func (f *Factory) Open(ctx context.Context, connString string) (sqlconn.Handle, error) {
	if f.OpenFunc != nil {
		if err := f.OpenFunc(ctx, connString); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	f.Opened++
	f.mu.Unlock()
	return &fakeHandle{f: f, connString: connString}, nil
}

func (f *Factory) ExecLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := make([]string, len(f.Execs))
	copy(r, f.Execs)
	return r
}

func (f *Factory) OpenCount() (opened, closed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Opened, f.Closed
}

type fakeHandle struct {
	f          *Factory
	connString string
	closeOnce  sync.Once
}

func (h *fakeHandle) Exec(ctx context.Context, query string, args ...any) error {
	h.f.mu.Lock()
	h.f.Execs = append(h.f.Execs, query)
	h.f.mu.Unlock()
	if h.f.ExecFunc != nil {
		return h.f.ExecFunc(ctx, h.connString, query, args...)
	}
	return nil
}

func (h *fakeHandle) Query(ctx context.Context, query string, args ...any) (sqlconn.Rows, error) {
	if h.f.QueryFunc != nil {
		return h.f.QueryFunc(ctx, h.connString, query, args...)
	}
	return NewRows(nil), nil
}

func (h *fakeHandle) Close() error {
	h.closeOnce.Do(func() {
		h.f.mu.Lock()
		h.f.Closed++
		h.f.mu.Unlock()
	})
	return nil
}

// ResultSet is one result set: column names and row values.
type ResultSet struct {
	Columns []string
	Rows    [][]any
}

type Rows struct {
	sets []ResultSet
	set  int
	row  int
	err  error
}

func NewRows(sets []ResultSet) *Rows {
	return &Rows{sets: sets, row: -1}
}

// WithErr makes iteration fail with err after the rows are consumed.
func (r *Rows) WithErr(err error) *Rows {
	r.err = err
	return r
}

func (r *Rows) Columns() ([]string, error) {
	if r.set >= len(r.sets) {
		return nil, nil
	}
	return r.sets[r.set].Columns, nil
}

func (r *Rows) Next() bool {
	if r.set >= len(r.sets) {
		return false
	}
	r.row++
	return r.row < len(r.sets[r.set].Rows)
}

func (r *Rows) Scan(dest ...any) error {
	if r.set >= len(r.sets) || r.row < 0 || r.row >= len(r.sets[r.set].Rows) {
		return io.EOF
	}
	row := r.sets[r.set].Rows[r.row]
	for i := range dest {
		if i >= len(row) {
			break
		}
		if p, ok := dest[i].(*any); ok {
			*p = row[i]
		}
	}
	return nil
}

func (r *Rows) NextResultSet() bool {
	r.set++
	r.row = -1
	return r.set < len(r.sets)
}

func (r *Rows) Err() error {
	return r.err
}

func (r *Rows) Close() error {
	return nil
}
