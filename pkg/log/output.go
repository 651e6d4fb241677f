package log

import (
	"io"
	stdlog "log"
	"os"
	"strings"
)

// Output receives formatted entries.
type Output interface {
	Write(entry *Entry, formatted []byte) error
	Close() error
}

// ConsoleOutput writes entries to stderr (warnings and above) or stdout.
type ConsoleOutput struct {
	stdout io.Writer
	stderr io.Writer
}

// NewConsoleOutput creates an output bound to the process stdout/stderr.
func NewConsoleOutput() *ConsoleOutput {
	return &ConsoleOutput{stdout: os.Stdout, stderr: os.Stderr}
}

func (c *ConsoleOutput) Write(entry *Entry, formatted []byte) error {
	w := c.stdout
	if entry.Level >= WarnLevel {
		w = c.stderr
	}
	_, err := w.Write(formatted)
	return err
}

func (c *ConsoleOutput) Close() error { return nil }

// WriterOutput adapts any io.Writer into an Output.
type WriterOutput struct{ W io.Writer }

func (w WriterOutput) Write(_ *Entry, formatted []byte) error {
	_, err := w.W.Write(formatted)
	return err
}

func (w WriterOutput) Close() error { return nil }

// RedirectStdLog routes the standard library logger (used by Pebble and
// net/http internals) through the provided Logger at info level.
func RedirectStdLog(logger Logger) {
	stdlog.SetFlags(0)
	stdlog.SetOutput(stdLogBridge{logger})
}

type stdLogBridge struct{ logger Logger }

func (b stdLogBridge) Write(p []byte) (int, error) {
	b.logger.Info(strings.TrimSuffix(string(p), "\n"), Str("source", "stdlog"))
	return len(p), nil
}
