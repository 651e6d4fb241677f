package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(
		WithLevel(WarnLevel),
		WithFormatter(&TextFormatter{DisableTimestamp: true}),
		WithOutput(WriterOutput{W: &buf}),
	)
	l.Debug("dropped")
	l.Info("dropped too")
	l.Warn("kept", Str("unit", "weather"))
	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("low-severity entries leaked: %q", out)
	}
	if !strings.Contains(out, "kept") || !strings.Contains(out, "unit=weather") {
		t.Fatalf("missing warn entry: %q", out)
	}
}

func TestWithCarriesBaseFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(
		WithFormatter(&TextFormatter{DisableTimestamp: true}),
		WithOutput(WriterOutput{W: &buf}),
	)
	child := l.With(Component("scheduler"))
	child.Info("tick", Str("unit", "air-quality"))
	out := buf.String()
	if !strings.Contains(out, "component=scheduler") || !strings.Contains(out, "unit=air-quality") {
		t.Fatalf("fields not merged: %q", out)
	}
}

func TestJSONFormatter(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(
		WithFormatter(&JSONFormatter{}),
		WithOutput(WriterOutput{W: &buf}),
	)
	l.Info("enqueued", Str("queue", "uploads"), Int("attempt", 1))
	var obj map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &obj); err != nil {
		t.Fatalf("invalid json: %v (%q)", err, buf.String())
	}
	if obj["msg"] != "enqueued" || obj["queue"] != "uploads" {
		t.Fatalf("unexpected object: %v", obj)
	}
}

func TestParseLevel(t *testing.T) {
	if lvl, err := ParseLevel("warn"); err != nil || lvl != WarnLevel {
		t.Fatalf("warn: %v %v", lvl, err)
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
	if lvl, err := ParseLevel(""); err != nil || lvl != InfoLevel {
		t.Fatalf("empty should default to info")
	}
}

func TestApplyConfigRejectsUnknownFormat(t *testing.T) {
	if _, err := ApplyConfig(&Config{Level: "info", Format: "xml"}); err == nil {
		t.Fatalf("expected format error")
	}
}
