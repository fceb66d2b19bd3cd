// Package xevent decodes SQL Server Extended Events into RawEvent records and
// defines the source contract the event reader consumes.
package xevent

import (
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"
)

type ValueKind int

const (
	KindNull ValueKind = iota
	KindInt
	KindFloat
	KindString
	KindBool
	KindBinary
)

// Value is one field or action value. Exactly one of the payload fields is
// meaningful, selected by Kind.
type Value struct {
	Kind ValueKind
	Int  int64
	Flt  float64
	Str  string
	Bool bool
	Bin  []byte
}

func IntValue(v int64) Value     { return Value{Kind: KindInt, Int: v} }
func FloatValue(v float64) Value { return Value{Kind: KindFloat, Flt: v} }
func StringValue(v string) Value { return Value{Kind: KindString, Str: v} }
func BoolValue(v bool) Value     { return Value{Kind: KindBool, Bool: v} }
func BinaryValue(v []byte) Value { return Value{Kind: KindBinary, Bin: v} }

// Float64 reports the numeric value and whether the value is numeric.
func (v Value) Float64() (float64, bool) {
	switch v.Kind {
	case KindInt:
		return float64(v.Int), true
	case KindFloat:
		return v.Flt, true
	}
	return 0, false
}

func (v Value) Interface() any {
	switch v.Kind {
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Flt
	case KindString:
		return v.Str
	case KindBool:
		return v.Bool
	case KindBinary:
		return "0x" + hex.EncodeToString(v.Bin)
	}
	return nil
}

func (v Value) String() string {
	switch v.Kind {
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Flt, 'g', -1, 64)
	case KindString:
		return v.Str
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindBinary:
		return "0x" + hex.EncodeToString(v.Bin)
	}
	return ""
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// Kind identifies the event types the capture session subscribes to. Events
// of any other type decode to KindUnknown and keep their generic field maps.
type Kind int

const (
	KindUnknown Kind = iota
	SQLBatchCompleted
	RPCCompleted
	SQLStatementCompleted
	SPStatementCompleted
	Attention
	ErrorReported
)

var kindNames = map[string]Kind{
	"sql_batch_completed":     SQLBatchCompleted,
	"rpc_completed":           RPCCompleted,
	"sql_statement_completed": SQLStatementCompleted,
	"sp_statement_completed":  SPStatementCompleted,
	"attention":               Attention,
	"error_reported":          ErrorReported,
}

func KindOf(name string) Kind {
	return kindNames[name]
}

// Action names used for correlation and de-duplication.
const (
	ContextInfoAction   = "context_info"
	EventSequenceAction = "event_sequence"
	SessionIDAction     = "session_id"
)

type RawEvent struct {
	Name      string
	Kind      Kind
	Timestamp time.Time
	Fields    map[string]Value
	Actions   map[string]Value
	// Sequence is package0.event_sequence, zero when the action is missing.
	Sequence int64
}

// Marker returns the context_info bytes attached to the event, or nil.
func (e *RawEvent) Marker() []byte {
	v, ok := e.Actions[ContextInfoAction]
	if !ok || v.Kind != KindBinary {
		return nil
	}
	return v.Bin
}

// FieldMap flattens Fields into plain values for JSON messages.
func (e *RawEvent) FieldMap() map[string]any {
	return flatten(e.Fields)
}

func (e *RawEvent) ActionMap() map[string]any {
	return flatten(e.Actions)
}

func flatten(m map[string]Value) map[string]any {
	r := make(map[string]any, len(m))
	for k, v := range m {
		r[k] = v.Interface()
	}
	return r
}
