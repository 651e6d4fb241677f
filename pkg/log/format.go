package log

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Formatter renders an Entry into bytes.
type Formatter interface {
	Format(entry *Entry) ([]byte, error)
}

// TextFormatter renders entries as human-readable single lines:
//
//	2026-01-02T15:04:05.000Z INFO  unit run complete unit=weather duration=1.2s
type TextFormatter struct {
	// DisableTimestamp omits the leading timestamp, useful in tests.
	DisableTimestamp bool
}

func (f *TextFormatter) Format(entry *Entry) ([]byte, error) {
	var buf bytes.Buffer
	if !f.DisableTimestamp {
		buf.WriteString(entry.Timestamp.UTC().Format(time.RFC3339Nano))
		buf.WriteByte(' ')
	}
	buf.WriteString(fmt.Sprintf("%-5s ", entry.Level.String()))
	buf.WriteString(entry.Message)
	for _, fld := range entry.Fields {
		buf.WriteByte(' ')
		buf.WriteString(fld.Key)
		buf.WriteByte('=')
		fmt.Fprintf(&buf, "%v", fld.Value)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// JSONFormatter renders entries as single-line JSON objects.
type JSONFormatter struct{}

func (f *JSONFormatter) Format(entry *Entry) ([]byte, error) {
	obj := make(map[string]interface{}, len(entry.Fields)+3)
	obj["ts"] = entry.Timestamp.UTC().Format(time.RFC3339Nano)
	obj["level"] = entry.Level.String()
	obj["msg"] = entry.Message
	for _, fld := range entry.Fields {
		obj[fld.Key] = fld.Value
	}
	b, err := json.Marshal(obj)
	if err != nil {
		// Fields may carry unmarshalable values; fall back to stringified forms.
		safe := map[string]interface{}{
			"ts":    obj["ts"],
			"level": obj["level"],
			"msg":   obj["msg"],
		}
		for _, fld := range entry.Fields {
			safe[fld.Key] = fmt.Sprintf("%v", fld.Value)
		}
		b, err = json.Marshal(safe)
		if err != nil {
			return nil, err
		}
	}
	return append(b, '\n'), nil
}
