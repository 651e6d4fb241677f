// Package blob provides the content store behind record payloads. Records
// carry opaque refs; only implementations of Store know how refs map onto
// files or objects.
package blob

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a ref does not resolve to stored content.
var ErrNotFound = errors.New("blob: not found")

// Store is the storage contract consumed by the engine and the upload
// processor. Refs returned by Save are opaque; pass them back verbatim.
type Store interface {
	// Save stores buf under the stream's prefix with a generated,
	// timestamp-ordered name. ext may be empty.
	Save(ctx context.Context, buf []byte, stream, ext string) (string, error)
	// SaveWithPath stores buf under an explicit path and returns it.
	SaveWithPath(ctx context.Context, buf []byte, path string) (string, error)
	// SaveFrom streams content from r; used for payloads too large to hold
	// in memory.
	SaveFrom(ctx context.Context, r io.Reader, stream, ext string) (string, error)
	// Retrieve loads the full content behind ref.
	Retrieve(ctx context.Context, ref string) ([]byte, error)
	// Delete removes one ref. Removing a missing ref is not an error.
	Delete(ctx context.Context, ref string) error
	// DeleteByPrefix removes every ref under prefix and returns the count.
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)
	// PublicURL renders the externally-servable URL for a ref.
	PublicURL(ref string) string
}
