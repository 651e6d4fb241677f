// Package errdefs defines the error taxonomy shared across the runtime.
//
// Callers branch on error kind with errors.As, never on message text:
//
//	var cfgErr *errdefs.ConfigurationError
//	if errors.As(err, &cfgErr) { ... } // fatal, do not retry
//
// ConfigurationError is fatal and never retried. StorageError and
// DatabaseError are transient and eligible for queue-level retry.
// QueueError means the job store itself is unavailable and is surfaced
// immediately to the enqueuing caller.
package errdefs

import "fmt"

// ConfigurationError reports static misconfiguration: a malformed cron
// expression, a fusion unit without a source, an unreachable job store at
// startup. It is terminal; retrying cannot fix it.
type ConfigurationError struct {
	Msg   string
	Cause error
}

func (e *ConfigurationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("configuration: %s: %v", e.Msg, e.Cause)
	}
	return "configuration: " + e.Msg
}

func (e *ConfigurationError) Unwrap() error { return e.Cause }

// Configuration builds a ConfigurationError without a cause.
func Configuration(format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

// StorageError wraps a failure inside a unit run with the unit and source
// context, so operators can tell which stream was involved without parsing
// messages. Retried by the queue manager up to the attempt limit.
type StorageError struct {
	Unit   string
	Source string
	Cause  error
}

func (e *StorageError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("storage: unit %q (source %q): %v", e.Unit, e.Source, e.Cause)
	}
	return fmt.Sprintf("storage: unit %q: %v", e.Unit, e.Cause)
}

func (e *StorageError) Unwrap() error { return e.Cause }

// DatabaseError wraps a record-store I/O failure. Retried like StorageError.
type DatabaseError struct {
	Stream string
	Op     string
	Cause  error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database: %s on stream %q: %v", e.Op, e.Stream, e.Cause)
}

func (e *DatabaseError) Unwrap() error { return e.Cause }

// QueueError reports that the underlying job store rejected an operation,
// typically because it is closed or unreachable. Never silently dropped.
type QueueError struct {
	Queue string
	Cause error
}

func (e *QueueError) Error() string {
	return fmt.Sprintf("queue %q: %v", e.Queue, e.Cause)
}

func (e *QueueError) Unwrap() error { return e.Cause }
