package queue

// Status is the job lifecycle state. Transitions:
//
//	waiting -> active -> completed
//	                  -> failed -> waiting   (attempt < maxAttempts)
//	                  -> failed              (terminal)
//
// A failed job that still has attempts left is immediately re-parked as
// waiting with a backoff gate; the terminal failed state is only reached
// once attempts are exhausted or the manager force-fails it on shutdown.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Job is one queued unit of work. Unit carries the owning unit name so the
// manager can enforce per-unit mutual exclusion across worker slots.
type Job struct {
	ID          string `json:"id"`
	Queue       string `json:"queue"`
	Unit        string `json:"unit"`
	Payload     []byte `json:"payload,omitempty"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"maxAttempts"`
	Status      Status `json:"status"`
	LastError   string `json:"lastError,omitempty"`

	EnqueuedAtMs int64 `json:"enqueuedAtMs"`
	UpdatedAtMs  int64 `json:"updatedAtMs"`
	// NotBeforeMs gates availability: a waiting job is dequeued only once
	// now >= NotBeforeMs. Used for retry backoff.
	NotBeforeMs int64 `json:"notBeforeMs"`
}

// Stats counts jobs per state for one queue.
type Stats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}
