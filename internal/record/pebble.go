package record

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/twinstack/loom/internal/errdefs"
	pebblestore "github.com/twinstack/loom/internal/storage/pebble"
	"github.com/twinstack/loom/pkg/id"
)

// streamMeta is the per-stream bookkeeping row.
type streamMeta struct {
	Name          string   `json:"name"`
	CreatedAtMs   int64    `json:"createdAtMs"`
	SchemaVersion int      `json:"schemaVersion"`
	Applied       []string `json:"applied,omitempty"`
}

// streamMigrations name the schema steps a stream's layout has gone through.
// The Pebble store keeps rows as JSON so steps are recorded, not executed;
// the SQLite adapter runs real DDL for the same names.
var streamMigrations = []string{
	"init",
	"asset-upload-fields",
	"date-id-ordering",
}

// PebbleStore is the default embedded Adapter over the shared Pebble DB.
type PebbleStore struct {
	db       *pebblestore.DB
	gen      *id.Generator
	resolver BlobResolver
}

// NewPebbleStore creates a store. resolver may be nil when callers never use
// Record.Data.
func NewPebbleStore(db *pebblestore.DB, resolver BlobResolver) *PebbleStore {
	return &PebbleStore{db: db, gen: id.NewGenerator(), resolver: resolver}
}

func (s *PebbleStore) dbErr(op, stream string, err error) error {
	return &errdefs.DatabaseError{Stream: stream, Op: op, Cause: err}
}

// HasStream reports whether the stream metadata row exists.
func (s *PebbleStore) HasStream(_ context.Context, stream string) (bool, error) {
	ok, err := s.db.Has(streamMetaKey(stream))
	if err != nil {
		return false, s.dbErr("hasStream", stream, err)
	}
	return ok, nil
}

// CreateStream writes the stream metadata row if absent. Idempotent.
func (s *PebbleStore) CreateStream(ctx context.Context, stream string) error {
	ok, err := s.HasStream(ctx, stream)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	meta := streamMeta{Name: stream, CreatedAtMs: time.Now().UnixMilli()}
	b, err := json.Marshal(meta)
	if err != nil {
		return s.dbErr("createStream", stream, err)
	}
	if err := s.db.Set(streamMetaKey(stream), b); err != nil {
		return s.dbErr("createStream", stream, err)
	}
	return nil
}

// MigrateStream records pending schema steps into the stream meta and
// returns the names it applied.
func (s *PebbleStore) MigrateStream(ctx context.Context, stream string) ([]string, error) {
	meta, err := s.loadMeta(stream)
	if err != nil {
		return nil, err
	}
	if meta.SchemaVersion >= len(streamMigrations) {
		return nil, nil
	}
	applied := streamMigrations[meta.SchemaVersion:]
	meta.SchemaVersion = len(streamMigrations)
	meta.Applied = append(meta.Applied, applied...)
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, s.dbErr("migrateStream", stream, err)
	}
	if err := s.db.Set(streamMetaKey(stream), b); err != nil {
		return nil, s.dbErr("migrateStream", stream, err)
	}
	return append([]string(nil), applied...), nil
}

func (s *PebbleStore) loadMeta(stream string) (*streamMeta, error) {
	raw, err := s.db.Get(streamMetaKey(stream))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return nil, ErrUnknownStream
		}
		return nil, s.dbErr("loadMeta", stream, err)
	}
	var meta streamMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, s.dbErr("loadMeta", stream, err)
	}
	return &meta, nil
}

// Save appends a record. A zero ID is assigned from the generator; a zero
// Date defaults to now. The row and its id index entry commit atomically.
func (s *PebbleStore) Save(ctx context.Context, rec *Record) (id.ID, error) {
	if rec.StreamName == "" {
		return id.ID{}, s.dbErr("save", "", errors.New("record has no stream name"))
	}
	if _, err := s.loadMeta(rec.StreamName); err != nil {
		return id.ID{}, err
	}
	if rec.ID.IsZero() {
		rec.ID = s.gen.Next()
	}
	if rec.Date == 0 {
		rec.Date = time.Now().UnixMilli()
	}

	val, err := json.Marshal(rec)
	if err != nil {
		return id.ID{}, s.dbErr("save", rec.StreamName, err)
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(recKey(rec.StreamName, rec.Date, rec.ID), val, nil); err != nil {
		return id.ID{}, s.dbErr("save", rec.StreamName, err)
	}
	var dateBuf [8]byte
	binary.BigEndian.PutUint64(dateBuf[:], uint64(rec.Date))
	if err := b.Set(idIndexKey(rec.StreamName, rec.ID), dateBuf[:], nil); err != nil {
		return id.ID{}, s.dbErr("save", rec.StreamName, err)
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return id.ID{}, s.dbErr("save", rec.StreamName, err)
	}
	return rec.ID, nil
}

// GetByID loads one record through the id index.
func (s *PebbleStore) GetByID(_ context.Context, stream string, recID id.ID) (*Record, error) {
	dateRaw, err := s.db.Get(idIndexKey(stream, recID))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, s.dbErr("getById", stream, err)
	}
	dateMs := int64(binary.BigEndian.Uint64(dateRaw))
	raw, err := s.db.Get(recKey(stream, dateMs, recID))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, s.dbErr("getById", stream, err)
	}
	return s.decode(stream, raw)
}

func (s *PebbleStore) decode(stream string, raw []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, s.dbErr("decode", stream, err)
	}
	rec.Bind(s.resolver)
	return &rec, nil
}

// LatestBefore returns the newest record with Date <= beforeMs. The key
// layout guarantees the last key in the bounded range is the latest record
// with the greatest id for its date.
func (s *PebbleStore) LatestBefore(_ context.Context, stream string, beforeMs int64) (*Record, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: recPrefix(stream),
		UpperBound: recUpperBound(stream, beforeMs),
	})
	if err != nil {
		return nil, s.dbErr("latestBefore", stream, err)
	}
	defer iter.Close()
	if !iter.Last() {
		return nil, nil
	}
	return s.decode(stream, iter.Value())
}

// ByDateRange returns records with startMs <= Date <= endMs, ascending.
func (s *PebbleStore) ByDateRange(_ context.Context, stream string, startMs, endMs int64) ([]*Record, error) {
	if endMs < startMs {
		return nil, nil
	}
	low := recKey(stream, startMs, id.ID{})
	low = low[:len(recPrefix(stream))+8] // date bound only, include all ids
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: low,
		UpperBound: recUpperBound(stream, endMs),
	})
	if err != nil {
		return nil, s.dbErr("byDateRange", stream, err)
	}
	defer iter.Close()

	var out []*Record
	for ok := iter.First(); ok; ok = iter.Next() {
		rec, err := s.decode(stream, iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// UpdateUploadStatus is the single permitted mutation on a stored record.
func (s *PebbleStore) UpdateUploadStatus(ctx context.Context, stream string, recID id.ID, status UploadStatus, uploadErr, blobRef string) error {
	rec, err := s.GetByID(ctx, stream, recID)
	if err != nil {
		return err
	}
	if !rec.UploadStatus.CanTransition(status) {
		return ErrIllegalTransition
	}
	rec.UploadStatus = status
	if uploadErr != "" {
		rec.UploadError = uploadErr
	}
	if blobRef != "" {
		rec.BlobRef = blobRef
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return s.dbErr("updateUpload", stream, err)
	}
	if err := s.db.Set(recKey(stream, rec.Date, rec.ID), val); err != nil {
		return s.dbErr("updateUpload", stream, err)
	}
	return nil
}

// SetUploadJob links the queued job processing this record's upload.
func (s *PebbleStore) SetUploadJob(ctx context.Context, stream string, recID id.ID, jobID string) error {
	rec, err := s.GetByID(ctx, stream, recID)
	if err != nil {
		return err
	}
	rec.UploadJobID = jobID
	val, err := json.Marshal(rec)
	if err != nil {
		return s.dbErr("setUploadJob", stream, err)
	}
	if err := s.db.Set(recKey(stream, rec.Date, rec.ID), val); err != nil {
		return s.dbErr("setUploadJob", stream, err)
	}
	return nil
}

// Close is a no-op: the shared Pebble DB is owned by the runtime.
func (s *PebbleStore) Close() error { return nil }
