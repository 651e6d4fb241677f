package record

import (
	"context"
	"sync"

	"github.com/twinstack/loom/pkg/id"
)

// UploadStatus tracks asset ingestion progress on a record. Transitions are
// monotonic: pending -> processing -> completed|failed. Records that are not
// asset uploads carry an empty status and never change.
type UploadStatus string

const (
	UploadNone       UploadStatus = ""
	UploadPending    UploadStatus = "pending"
	UploadProcessing UploadStatus = "processing"
	UploadCompleted  UploadStatus = "completed"
	UploadFailed     UploadStatus = "failed"
)

// rank orders statuses for the monotonic-transition check. Failed and
// completed are both terminal; failed records may be re-submitted, which
// creates a fresh record rather than rewinding this one.
func (s UploadStatus) rank() int {
	switch s {
	case UploadPending:
		return 1
	case UploadProcessing:
		return 2
	case UploadCompleted, UploadFailed:
		return 3
	default:
		return 0
	}
}

// CanTransition reports whether s -> next is a legal status change.
func (s UploadStatus) CanTransition(next UploadStatus) bool {
	if s == next {
		return false
	}
	if s == UploadCompleted || s == UploadFailed {
		return false
	}
	return next.rank() > s.rank()
}

// Record is the unit of exchange between units: one row of stream metadata
// plus an opaque reference to its payload in blob storage.
//
// Date is the ordering and correlation key for all temporal joins,
// milliseconds since the Unix epoch. Within one stream, records are
// append-only and totally ordered by (Date, ID); nothing is mutated after
// creation except the upload-status fields.
type Record struct {
	ID          id.ID  `json:"id"`
	StreamName  string `json:"streamName"`
	Date        int64  `json:"date"`
	ContentType string `json:"contentType"`
	BlobRef     string `json:"blobRef"`

	// Asset-type streams carry these; empty otherwise.
	Description  string       `json:"description,omitempty"`
	Source       string       `json:"source,omitempty"`
	OwnerID      string       `json:"ownerId,omitempty"`
	Filename     string       `json:"filename,omitempty"`
	IsPublic     *bool        `json:"isPublic,omitempty"`
	UploadStatus UploadStatus `json:"uploadStatus,omitempty"`
	UploadError  string       `json:"uploadError,omitempty"`
	UploadJobID  string       `json:"uploadJobId,omitempty"`

	dataMu   sync.Mutex
	resolver BlobResolver
	cached   []byte
	fetched  bool
}

// Public reports visibility; absent defaults to true.
func (r *Record) Public() bool {
	if r.IsPublic == nil {
		return true
	}
	return *r.IsPublic
}

// BlobResolver resolves a blob reference into its payload bytes. The blob
// store satisfies this.
type BlobResolver interface {
	Retrieve(ctx context.Context, ref string) ([]byte, error)
}

// Bind attaches the resolver used by Data. Stores call this on every record
// they return.
func (r *Record) Bind(resolver BlobResolver) { r.resolver = resolver }

// Data fetches the payload behind BlobRef. The fetch is deferred until the
// first call and cached on the record handle afterwards.
func (r *Record) Data(ctx context.Context) ([]byte, error) {
	r.dataMu.Lock()
	defer r.dataMu.Unlock()
	if r.fetched {
		return r.cached, nil
	}
	if r.resolver == nil {
		return nil, ErrNoResolver
	}
	buf, err := r.resolver.Retrieve(ctx, r.BlobRef)
	if err != nil {
		return nil, err
	}
	r.cached = buf
	r.fetched = true
	return buf, nil
}
