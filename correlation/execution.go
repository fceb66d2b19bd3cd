// Package correlation matches diagnostic events to the executions that
// produced them and keeps per-execution metrics.
package correlation

import (
	"math"
	"time"

	"github.com/daveTechLed/sqlstress/broadcast"
	"github.com/daveTechLed/sqlstress/xevent"
	"github.com/google/uuid"
	"github.com/guregu/null"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// MarkerSize is the number of CONTEXT_INFO bytes the marker occupies.
const MarkerSize = 16

type Execution struct {
	Number    int
	ID        uuid.UUID
	StartTime null.Time
	EndTime   null.Time
	Status    Status
	Err       string
}

// Marker is the CONTEXT_INFO payload of the execution: the raw identifier.
func (e *Execution) Marker() []byte {
	b := make([]byte, MarkerSize)
	copy(b, e.ID[:])
	return b
}

// IDFromMarker reads an identifier from context_info bytes. The server pads
// CONTEXT_INFO, so only the leading bytes are used.
func IDFromMarker(b []byte) (uuid.UUID, bool) {
	if len(b) < MarkerSize {
		return uuid.Nil, false
	}
	id, err := uuid.FromBytes(b[:MarkerSize])
	if err != nil || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}

type Aggregate struct {
	Min   float64
	Max   float64
	Sum   float64
	Count int64
}

func (a *Aggregate) Add(v float64) {
	if a.Count == 0 {
		a.Min, a.Max = v, v
	} else {
		a.Min = math.Min(a.Min, v)
		a.Max = math.Max(a.Max, v)
	}
	a.Sum += v
	a.Count++
}

func (a *Aggregate) Avg() float64 {
	if a.Count == 0 {
		return 0
	}
	return a.Sum / float64(a.Count)
}

// Metrics is the running summary of one execution.
type Metrics struct {
	ExecutionNumber int
	ExecutionID     uuid.UUID
	// Events holds at most the configured number of events; EventCount keeps
	// counting past it.
	Events        []*xevent.RawEvent
	EventCount    int64
	Aggregates    map[string]*Aggregate
	DataSizeBytes int64
}

func newMetrics(e *Execution) *Metrics {
	return &Metrics{
		ExecutionNumber: e.Number,
		ExecutionID:     e.ID,
		Aggregates:      make(map[string]*Aggregate),
	}
}

func (m *Metrics) add(e *xevent.RawEvent, maxEvents int) {
	m.EventCount++
	if maxEvents <= 0 || len(m.Events) < maxEvents {
		m.Events = append(m.Events, e)
	}
	for name, v := range e.Fields {
		f, ok := v.Float64()
		if !ok {
			continue
		}
		a, ok := m.Aggregates[name]
		if !ok {
			a = &Aggregate{}
			m.Aggregates[name] = a
		}
		a.Add(f)
	}
}

func (m *Metrics) snapshot(status Status, final bool) *broadcast.MetricsSnapshot {
	now := time.Now()
	s := &broadcast.MetricsSnapshot{
		ExecutionNumber: m.ExecutionNumber,
		ExecutionID:     m.ExecutionID.String(),
		DataSizeBytes:   m.DataSizeBytes,
		Timestamp:       now,
		TimestampMs:     now.UnixMilli(),
		EventCount:      m.EventCount,
		Status:          string(status),
		Final:           final,
	}
	if len(m.Aggregates) > 0 {
		s.Aggregates = make(map[string]broadcast.AggregateSnapshot, len(m.Aggregates))
		for k, a := range m.Aggregates {
			s.Aggregates[k] = broadcast.AggregateSnapshot{Min: a.Min, Max: a.Max, Avg: a.Avg(), Count: a.Count}
		}
	}
	return s
}
