package xevent

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/hpcloud/tail"
	log "github.com/sirupsen/logrus"
)

// FileSource follows a JSON lines file written by an external event
// collector, one event per line:
//
//	{"session":"...","name":"rpc_completed","timestamp":"...","fields":{...},"actions":{...}}
//
// Strings starting with 0x decode as binary. Lines of another session are
// ignored when the line carries a session name.
type FileSource struct {
	Path string
	// FromStart replays the whole file instead of only new lines.
	FromStart bool
}

type fileLine struct {
	Session   string         `json:"session"`
	Name      string         `json:"name"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields"`
	Actions   map[string]any `json:"actions"`
}

func (s *FileSource) Subscribe(ctx context.Context, sessionName string) (Stream, error) {
	cfg := tail.Config{Follow: true, ReOpen: true, Poll: true, Logger: tail.DiscardingLogger}
	if !s.FromStart {
		cfg.Location = &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd}
	}
	t, err := tail.TailFile(s.Path, cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	st := newStream(cancel, streamBuffer)
	go func() {
		defer st.finish()
		defer t.Cleanup()
		for {
			select {
			case <-ctx.Done():
				if err := t.Stop(); err != nil {
					log.Debugf("stop tailing %s: %v", s.Path, err)
				}
				return
			case line, ok := <-t.Lines:
				if !ok {
					if err := t.Err(); err != nil {
						st.reportErr(err)
					}
					return
				}
				if line.Err != nil {
					st.reportErr(line.Err)
					continue
				}
				e, err := DecodeLine(line.Text, sessionName)
				if err != nil {
					st.reportErr(err)
					continue
				}
				if e == nil {
					continue
				}
				select {
				case st.events <- e:
				case <-ctx.Done():
				}
			}
		}
	}()
	return st, nil
}

// DecodeLine decodes one JSON line. It returns nil without error for blank
// lines and for lines that belong to another session.
func DecodeLine(text, sessionName string) (*RawEvent, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	var fl fileLine
	if err := json.Unmarshal([]byte(text), &fl); err != nil {
		return nil, &DecodeError{Reason: err.Error()}
	}
	if fl.Session != "" && sessionName != "" && fl.Session != sessionName {
		return nil, nil
	}
	if fl.Name == "" {
		return nil, &DecodeError{Reason: "missing event name"}
	}
	e := &RawEvent{
		Name:      fl.Name,
		Kind:      KindOf(fl.Name),
		Timestamp: fl.Timestamp,
		Fields:    make(map[string]Value, len(fl.Fields)),
		Actions:   make(map[string]Value, len(fl.Actions)),
	}
	for k, v := range fl.Fields {
		e.Fields[k] = fromJSON(v)
	}
	for k, v := range fl.Actions {
		e.Actions[k] = fromJSON(v)
	}
	if seq, ok := e.Actions[EventSequenceAction]; ok && seq.Kind == KindInt {
		e.Sequence = seq.Int
	}
	return e, nil
}

func fromJSON(v any) Value {
	switch x := v.(type) {
	case float64:
		if x == float64(int64(x)) {
			return IntValue(int64(x))
		}
		return FloatValue(x)
	case bool:
		return BoolValue(x)
	case string:
		if strings.HasPrefix(x, "0x") {
			if b, err := hex.DecodeString(x[2:]); err == nil {
				return BinaryValue(b)
			}
		}
		return StringValue(x)
	case nil:
		return Value{}
	}
	b, _ := json.Marshal(v)
	return StringValue(string(b))
}
