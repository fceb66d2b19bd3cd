package model

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/guregu/null"
)

// RunHistory is the coarse outcome of one stress test run. Per-execution
// detail is only ever pushed to observers and never stored here.
type RunHistory struct {
	TestID          string    `json:"test_id"`
	ConnectionID    string    `json:"connection_id"`
	Query           string    `json:"query"`
	TotalExecutions int       `json:"total_executions"`
	Parallelism     int       `json:"parallelism"`
	Dispatched      int       `json:"dispatched"`
	Succeeded       int       `json:"succeeded"`
	Failed          int       `json:"failed"`
	Unattributed    int64     `json:"unattributed_events"`
	Status          string    `json:"status"`
	StartedTime     time.Time `json:"started_time"`
	EndTime         null.Time `json:"end_time"`
}

type RunHistoryStore interface {
	RecordRun(ctx context.Context, rh *RunHistory) error
	GetRuns(ctx context.Context, limit int) ([]*RunHistory, error)
}

type MySQLRunHistoryStore struct {
	DBC *sql.DB
}

func NewMySQLRunHistoryStore(db *sql.DB) *MySQLRunHistoryStore {
	return &MySQLRunHistoryStore{DBC: db}
}

func (s *MySQLRunHistoryStore) RecordRun(ctx context.Context, rh *RunHistory) error {
	q, err := s.DBC.PrepareContext(ctx,
		"insert into run_history (test_id, connection_id, query, total_executions, parallelism, dispatched, succeeded, failed, unattributed, status, started_time, end_time) values (?,?,?,?,?,?,?,?,?,?,?,?)")
	if err != nil {
		return err
	}
	defer q.Close()
	_, err = q.ExecContext(ctx, rh.TestID, rh.ConnectionID, rh.Query, rh.TotalExecutions, rh.Parallelism,
		rh.Dispatched, rh.Succeeded, rh.Failed, rh.Unattributed, rh.Status, rh.StartedTime.Format(MySQLFormat),
		rh.EndTime)
	return err
}

func (s *MySQLRunHistoryStore) GetRuns(ctx context.Context, limit int) ([]*RunHistory, error) {
	q, err := s.DBC.PrepareContext(ctx,
		"select test_id, connection_id, query, total_executions, parallelism, dispatched, succeeded, failed, unattributed, status, started_time, end_time from run_history order by started_time desc limit ?")
	if err != nil {
		return nil, err
	}
	defer q.Close()
	rows, err := q.QueryContext(ctx, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	r := []*RunHistory{}
	for rows.Next() {
		rh := new(RunHistory)
		if err := rows.Scan(&rh.TestID, &rh.ConnectionID, &rh.Query, &rh.TotalExecutions, &rh.Parallelism,
			&rh.Dispatched, &rh.Succeeded, &rh.Failed, &rh.Unattributed, &rh.Status, &rh.StartedTime,
			&rh.EndTime); err != nil {
			return nil, err
		}
		r = append(r, rh)
	}
	if err := rows.Err(); err != nil {
		return nil, &DBError{Err: err, Message: "cannot read run history"}
	}
	return r, nil
}

// MemoryRunHistoryStore keeps the latest runs when no database is configured.
type MemoryRunHistoryStore struct {
	mu   sync.Mutex
	runs []*RunHistory
	max  int
}

func NewMemoryRunHistoryStore(max int) *MemoryRunHistoryStore {
	return &MemoryRunHistoryStore{max: max}
}

func (s *MemoryRunHistoryStore) RecordRun(_ context.Context, rh *RunHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *rh
	s.runs = append(s.runs, &c)
	if s.max > 0 && len(s.runs) > s.max {
		s.runs = s.runs[len(s.runs)-s.max:]
	}
	return nil
}

func (s *MemoryRunHistoryStore) GetRuns(_ context.Context, limit int) ([]*RunHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := []*RunHistory{}
	for i := len(s.runs) - 1; i >= 0; i-- {
		if limit > 0 && len(r) >= limit {
			break
		}
		c := *s.runs[i]
		r = append(r, &c)
	}
	return r, nil
}
