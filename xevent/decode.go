package xevent

import (
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	etree "github.com/beevik/etree"
)

var ErrNotRingBuffer = errors.New("target data is not a ring buffer document")

// ParseRingBuffer decodes the target_data XML of a ring_buffer target.
// Events that cannot be decoded are skipped and reported in the second return
// value; an error is returned only when the document itself is unusable.
func ParseRingBuffer(data string) ([]*RawEvent, []*DecodeError, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(data); err != nil {
		return nil, nil, err
	}
	root := doc.SelectElement("RingBufferTarget")
	if root == nil {
		return nil, nil, ErrNotRingBuffer
	}
	var (
		events []*RawEvent
		bad    []*DecodeError
	)
	for _, el := range root.SelectElements("event") {
		e, derr := decodeEvent(el)
		if derr != nil {
			bad = append(bad, derr)
			continue
		}
		events = append(events, e)
	}
	return events, bad, nil
}

func decodeEvent(el *etree.Element) (*RawEvent, *DecodeError) {
	name := el.SelectAttrValue("name", "")
	if name == "" {
		return nil, &DecodeError{Reason: "missing event name"}
	}
	ts, err := time.Parse(time.RFC3339Nano, el.SelectAttrValue("timestamp", ""))
	if err != nil {
		return nil, &DecodeError{Event: name, Reason: "bad timestamp: " + err.Error()}
	}
	e := &RawEvent{
		Name:      name,
		Kind:      KindOf(name),
		Timestamp: ts,
		Fields:    make(map[string]Value),
		Actions:   make(map[string]Value),
	}
	for _, d := range el.SelectElements("data") {
		k, v, derr := decodeValue(name, d)
		if derr != nil {
			return nil, derr
		}
		e.Fields[k] = v
	}
	for _, a := range el.SelectElements("action") {
		k, v, derr := decodeValue(name, a)
		if derr != nil {
			return nil, derr
		}
		e.Actions[k] = v
	}
	if seq, ok := e.Actions[EventSequenceAction]; ok && seq.Kind == KindInt {
		e.Sequence = seq.Int
	}
	return e, nil
}

func decodeValue(event string, el *etree.Element) (string, Value, *DecodeError) {
	name := el.SelectAttrValue("name", "")
	if name == "" {
		return "", Value{}, &DecodeError{Event: event, Reason: "value without name"}
	}
	// mapped values such as result codes come with a readable text
	if txt := el.SelectElement("text"); txt != nil && txt.Text() != "" {
		return name, StringValue(txt.Text()), nil
	}
	raw := ""
	if ve := el.SelectElement("value"); ve != nil {
		raw = strings.TrimSpace(ve.Text())
	}
	typeName := ""
	if te := el.SelectElement("type"); te != nil {
		typeName = te.SelectAttrValue("name", "")
	}
	v, err := convert(typeName, raw)
	if err != nil {
		return "", Value{}, &DecodeError{Event: event, Reason: name + ": " + err.Error()}
	}
	return name, v, nil
}

func convert(typeName, raw string) (Value, error) {
	switch {
	case strings.HasPrefix(typeName, "uint"):
		if raw == "" {
			return Value{}, nil
		}
		u, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return Value{}, err
		}
		return IntValue(int64(u)), nil
	case strings.HasPrefix(typeName, "int"):
		if raw == "" {
			return Value{}, nil
		}
		i, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Value{}, err
		}
		return IntValue(i), nil
	case strings.HasPrefix(typeName, "float"):
		if raw == "" {
			return Value{}, nil
		}
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Value{}, err
		}
		return FloatValue(f), nil
	case typeName == "boolean":
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return Value{}, err
		}
		return BoolValue(b), nil
	case typeName == "binary_data":
		if raw == "" {
			return Value{}, nil
		}
		b, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(raw), "0x"))
		if err != nil {
			return Value{}, err
		}
		return BinaryValue(b), nil
	}
	return StringValue(raw), nil
}
