package record

import (
	"context"
	"errors"

	"github.com/twinstack/loom/pkg/id"
)

// ErrNoResolver is returned by Record.Data when no blob resolver is bound.
var ErrNoResolver = errors.New("record: no blob resolver bound")

// ErrUnknownStream is returned for operations against a stream that was
// never created.
var ErrUnknownStream = errors.New("record: unknown stream")

// ErrNotFound is returned when a record id does not exist in its stream.
var ErrNotFound = errors.New("record: not found")

// ErrIllegalTransition is returned when an upload status update would move
// backwards or mutate a terminal record.
var ErrIllegalTransition = errors.New("record: illegal upload status transition")

// Adapter is the database contract the engine consumes. Implementations own
// physical persistence; the engine holds no locks over them beyond the
// statement scope, and "latest record" consistency relies on the adapter's
// transactional guarantees.
type Adapter interface {
	// HasStream reports whether the stream's backing table exists.
	HasStream(ctx context.Context, stream string) (bool, error)
	// CreateStream creates the backing table. Idempotent.
	CreateStream(ctx context.Context, stream string) error
	// MigrateStream applies pending schema migrations and returns the names
	// of the ones it applied.
	MigrateStream(ctx context.Context, stream string) ([]string, error)

	// Save appends a record to its stream and returns the assigned id.
	Save(ctx context.Context, rec *Record) (id.ID, error)
	// GetByID loads one record.
	GetByID(ctx context.Context, stream string, recID id.ID) (*Record, error)
	// LatestBefore returns the most recent record with Date <= beforeMs,
	// ties broken by greatest id. Returns (nil, nil) when the stream has no
	// qualifying record.
	LatestBefore(ctx context.Context, stream string, beforeMs int64) (*Record, error)
	// ByDateRange returns records with startMs <= Date <= endMs, ascending
	// by (Date, ID).
	ByDateRange(ctx context.Context, stream string, startMs, endMs int64) ([]*Record, error)

	// UpdateUploadStatus moves a record's upload status forward. blobRef and
	// uploadErr overwrite the stored values when non-empty. The transition
	// must be monotonic; terminal records reject further updates.
	UpdateUploadStatus(ctx context.Context, stream string, recID id.ID, status UploadStatus, uploadErr, blobRef string) error
	// SetUploadJob links the queued job processing this record's upload.
	SetUploadJob(ctx context.Context, stream string, recID id.ID, jobID string) error

	Close() error
}
