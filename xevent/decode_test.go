package xevent

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRingBuffer = `<RingBufferTarget truncated="0" eventCount="3" droppedCount="0">
  <event name="sql_batch_completed" package="sqlserver" timestamp="2024-03-01T10:00:00.125Z">
    <data name="duration"><type name="uint64" package="package0"></type><value>1500</value></data>
    <data name="logical_reads"><type name="uint64" package="package0"></type><value>12</value></data>
    <data name="result"><type name="rpc_return_code" package="sqlserver"></type><value>0</value><text>OK</text></data>
    <data name="batch_text"><type name="unicode_string" package="package0"></type><value>SELECT 1</value></data>
    <action name="context_info" package="sqlserver"><type name="binary_data" package="package0"></type><value>00112233445566778899AABBCCDDEEFF</value></action>
    <action name="event_sequence" package="package0"><type name="uint64" package="package0"></type><value>7</value></action>
  </event>
  <event name="error_reported" package="sqlserver" timestamp="not a time">
    <data name="error_number"><type name="int32" package="package0"></type><value>208</value></data>
  </event>
  <event name="login" package="sqlserver" timestamp="2024-03-01T10:00:01Z">
    <data name="is_cached"><type name="boolean" package="package0"></type><value>true</value></data>
    <data name="ratio"><type name="float64" package="package0"></type><value>0.5</value></data>
  </event>
</RingBufferTarget>`

func TestParseRingBuffer(t *testing.T) {
	events, bad, err := ParseRingBuffer(sampleRingBuffer)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Len(t, bad, 1)
	assert.Equal(t, "error_reported", bad[0].Event)

	e := events[0]
	assert.Equal(t, "sql_batch_completed", e.Name)
	assert.Equal(t, SQLBatchCompleted, e.Kind)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 125000000, time.UTC), e.Timestamp.UTC())
	assert.Equal(t, IntValue(1500), e.Fields["duration"])
	assert.Equal(t, StringValue("OK"), e.Fields["result"])
	assert.Equal(t, StringValue("SELECT 1"), e.Fields["batch_text"])
	assert.Equal(t, int64(7), e.Sequence)
	marker := e.Marker()
	require.Len(t, marker, 16)
	assert.Equal(t, byte(0x00), marker[0])
	assert.Equal(t, byte(0xff), marker[15])

	login := events[1]
	assert.Equal(t, KindUnknown, login.Kind)
	assert.Equal(t, BoolValue(true), login.Fields["is_cached"])
	assert.Equal(t, FloatValue(0.5), login.Fields["ratio"])
	assert.Nil(t, login.Marker())
}

func TestParseRingBufferRejectsOtherDocuments(t *testing.T) {
	_, _, err := ParseRingBuffer(`<EventFileTarget/>`)
	assert.ErrorIs(t, err, ErrNotRingBuffer)

	_, _, err = ParseRingBuffer(`<RingBufferTarget`)
	assert.Error(t, err)
}

func TestParseRingBufferBadValue(t *testing.T) {
	doc := `<RingBufferTarget><event name="rpc_completed" timestamp="2024-03-01T10:00:00Z">
<data name="cpu_time"><type name="uint64"></type><value>abc</value></data></event></RingBufferTarget>`
	events, bad, err := ParseRingBuffer(doc)
	require.NoError(t, err)
	assert.Empty(t, events)
	require.Len(t, bad, 1)
	assert.Contains(t, bad[0].Error(), "cpu_time")
}

func TestValueNumbers(t *testing.T) {
	f, ok := IntValue(3).Float64()
	assert.True(t, ok)
	assert.Equal(t, 3.0, f)
	_, ok = StringValue("3").Float64()
	assert.False(t, ok)
	_, ok = Value{}.Float64()
	assert.False(t, ok)
}

func TestValueJSON(t *testing.T) {
	b, err := json.Marshal(map[string]Value{
		"a": IntValue(1),
		"b": BinaryValue([]byte{0xab, 0x01}),
		"c": {},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1,"b":"0xab01","c":null}`, string(b))
}

func TestDecodeLine(t *testing.T) {
	e, err := DecodeLine(`{"session":"s1","name":"rpc_completed","timestamp":"2024-03-01T10:00:00Z",
"fields":{"duration":10,"cpu_time":2.5,"statement":"exec p"},"actions":{"context_info":"0x0a0b","event_sequence":3}}`, "s1")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, RPCCompleted, e.Kind)
	assert.Equal(t, IntValue(10), e.Fields["duration"])
	assert.Equal(t, FloatValue(2.5), e.Fields["cpu_time"])
	assert.Equal(t, StringValue("exec p"), e.Fields["statement"])
	assert.Equal(t, []byte{0x0a, 0x0b}, e.Marker())
	assert.Equal(t, int64(3), e.Sequence)

	e, err = DecodeLine(`{"session":"other","name":"rpc_completed"}`, "s1")
	assert.NoError(t, err)
	assert.Nil(t, e)

	e, err = DecodeLine("   ", "s1")
	assert.NoError(t, err)
	assert.Nil(t, e)

	_, err = DecodeLine(`{"name":`, "s1")
	var de *DecodeError
	assert.ErrorAs(t, err, &de)

	_, err = DecodeLine(`{"fields":{}}`, "s1")
	assert.ErrorAs(t, err, &de)
}
