// Package broadcast fans push messages out to live observers.
package broadcast

import (
	"encoding/json"
	"time"

	"github.com/guregu/null"
)

type MessageType string

const (
	TypeHeartbeat         MessageType = "heartbeat"
	TypeExecutionBoundary MessageType = "executionBoundary"
	TypeExtendedEvent     MessageType = "extendedEventData"
	TypeExecutionMetrics  MessageType = "executionMetrics"
)

const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// Message is anything that can be pushed to observers.
type Message interface {
	Type() MessageType
}

type Heartbeat struct {
	TimestampMs int64  `json:"timestampMs"`
	Status      string `json:"status"`
}

func (*Heartbeat) Type() MessageType { return TypeHeartbeat }

func NewHeartbeat(status string) *Heartbeat {
	return &Heartbeat{TimestampMs: NowMs(), Status: status}
}

// Boundary marks the start or the end of one execution.
type Boundary struct {
	ExecutionNumber int       `json:"executionNumber"`
	ExecutionID     string    `json:"executionId"`
	StartTime       null.Time `json:"startTime"`
	EndTime         null.Time `json:"endTime"`
	IsStart         bool      `json:"isStart"`
	TimestampMs     int64     `json:"timestampMs"`
	Status          string    `json:"status,omitempty"`
	Error           string    `json:"error,omitempty"`
}

func (*Boundary) Type() MessageType { return TypeExecutionBoundary }

// EventData is one diagnostic event attributed to an execution.
type EventData struct {
	EventName       string         `json:"eventName"`
	Timestamp       time.Time      `json:"timestamp"`
	ExecutionID     string         `json:"executionId"`
	ExecutionNumber int            `json:"executionNumber"`
	EventFields     map[string]any `json:"eventFields"`
	Actions         map[string]any `json:"actions"`
}

func (*EventData) Type() MessageType { return TypeExtendedEvent }

type AggregateSnapshot struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	Count int64   `json:"count"`
}

type MetricsSnapshot struct {
	ExecutionNumber int                          `json:"executionNumber"`
	ExecutionID     string                       `json:"executionId"`
	DataSizeBytes   int64                        `json:"dataSizeBytes"`
	Timestamp       time.Time                    `json:"timestamp"`
	TimestampMs     int64                        `json:"timestampMs"`
	EventCount      int64                        `json:"eventCount"`
	Aggregates      map[string]AggregateSnapshot `json:"aggregates,omitempty"`
	Status          string                       `json:"status,omitempty"`
	// Final is set on the last snapshot of an execution, after its drain
	// window closed.
	Final bool `json:"final"`
}

func (*MetricsSnapshot) Type() MessageType { return TypeExecutionMetrics }

type envelope struct {
	Type MessageType `json:"type"`
	Data Message     `json:"data"`
}

// Encode renders m as {"type": ..., "data": ...}.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(envelope{Type: m.Type(), Data: m})
}

func NowMs() int64 {
	return time.Now().UnixMilli()
}
