package upload

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/twinstack/loom/internal/blob"
	"github.com/twinstack/loom/internal/queue"
	"github.com/twinstack/loom/internal/record"
	pebblestore "github.com/twinstack/loom/internal/storage/pebble"
	"github.com/twinstack/loom/pkg/id"
	"github.com/twinstack/loom/pkg/log"
)

// flakyStore fails writes while broken is set; everything else passes
// through to the real filesystem store.
type flakyStore struct {
	*blob.FSStore
	broken atomic.Bool
}

func (f *flakyStore) Save(ctx context.Context, buf []byte, stream, ext string) (string, error) {
	if f.broken.Load() {
		return "", errors.New("object store unreachable")
	}
	return f.FSStore.Save(ctx, buf, stream, ext)
}

func (f *flakyStore) SaveFrom(ctx context.Context, r io.Reader, stream, ext string) (string, error) {
	if f.broken.Load() {
		return "", errors.New("object store unreachable")
	}
	return f.FSStore.SaveFrom(ctx, r, stream, ext)
}

type fixture struct {
	proc    *Processor
	db      record.Adapter
	blobs   *flakyStore
	jobs    *queue.Manager
	scratch string
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	pdb, err := pebblestore.Open(pebblestore.Options{
		DataDir: t.TempDir(),
		Fsync:   pebblestore.FsyncModeNever,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pdb.Close() })

	fs, err := blob.NewFSStore(t.TempDir(), "")
	require.NoError(t, err)
	blobs := &flakyStore{FSStore: fs}

	db := record.NewPebbleStore(pdb, blobs)
	jobs := queue.NewManager(queue.NewStore(pdb), queue.ManagerOptions{
		PollInterval:  5 * time.Millisecond,
		SweepInterval: 50 * time.Millisecond,
		Backoff:       queue.BackoffPolicy{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2},
	})

	if opts.ScratchDir == "" {
		opts.ScratchDir = t.TempDir()
	}
	proc := NewProcessor(db, blobs, jobs, log.NewNopLogger(), opts)
	require.NoError(t, proc.RegisterQueue())
	require.NoError(t, jobs.Start(context.Background()))
	t.Cleanup(func() { _ = jobs.Close(time.Second) })

	return &fixture{proc: proc, db: db, blobs: blobs, jobs: jobs, scratch: opts.ScratchDir}
}

func (fx *fixture) waitStatus(t *testing.T, stream string, recID id.ID, want record.UploadStatus) *record.Record {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := fx.db.GetByID(context.Background(), stream, recID)
		require.NoError(t, err)
		if rec.UploadStatus == want {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	rec, _ := fx.db.GetByID(context.Background(), stream, recID)
	t.Fatalf("record never reached %q, stuck at %q (%s)", want, rec.UploadStatus, rec.UploadError)
	return nil
}

func TestSubmitCompletesSmallUpload(t *testing.T) {
	fx := newFixture(t, Options{})
	ctx := context.Background()

	receipt, err := fx.proc.Submit(ctx, Request{
		Stream:      "assets",
		Filename:    "model.glb",
		ContentType: "model/gltf-binary",
		Data:        []byte("geometry"),
	})
	require.NoError(t, err)
	require.NotEmpty(t, receipt.JobID)

	rec := fx.waitStatus(t, "assets", receipt.RecordID, record.UploadCompleted)
	require.NotEmpty(t, rec.BlobRef)
	require.Equal(t, receipt.JobID, rec.UploadJobID)

	data, err := fx.blobs.Retrieve(ctx, rec.BlobRef)
	require.NoError(t, err)
	require.Equal(t, []byte("geometry"), data)

	job, err := fx.jobs.Job(ctx, QueueName, receipt.JobID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusCompleted, job.Status)
}

func TestLargePayloadSpillsToScratch(t *testing.T) {
	fx := newFixture(t, Options{SpillThreshold: 64})
	ctx := context.Background()

	payload := bytes.Repeat([]byte("tile"), 1000)
	receipt, err := fx.proc.Submit(ctx, Request{
		Stream:   "tilesets",
		Filename: "region.zip",
		Reader:   bytes.NewReader(payload),
		Size:     -1,
	})
	require.NoError(t, err)

	rec := fx.waitStatus(t, "tilesets", receipt.RecordID, record.UploadCompleted)
	data, err := fx.blobs.Retrieve(ctx, rec.BlobRef)
	require.NoError(t, err)
	require.Equal(t, payload, data)

	// scratch file is removed once the transfer lands
	entries, err := os.ReadDir(fx.scratch)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestExhaustedRetriesMarkRecordFailed(t *testing.T) {
	fx := newFixture(t, Options{MaxAttempts: 2})
	fx.blobs.broken.Store(true)
	ctx := context.Background()

	receipt, err := fx.proc.Submit(ctx, Request{
		Stream:   "assets",
		Filename: "broken.zip",
		Data:     []byte("payload"),
	})
	require.NoError(t, err, "submit itself must not block on the transfer")

	rec := fx.waitStatus(t, "assets", receipt.RecordID, record.UploadFailed)
	require.Contains(t, rec.UploadError, "object store unreachable")

	job, err := fx.jobs.Job(ctx, QueueName, receipt.JobID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusFailed, job.Status)
	require.Equal(t, 2, job.Attempt)
}

func TestResubmitAfterFailure(t *testing.T) {
	fx := newFixture(t, Options{MaxAttempts: 1})
	fx.blobs.broken.Store(true)
	ctx := context.Background()

	first, err := fx.proc.Submit(ctx, Request{
		Stream:      "assets",
		Filename:    "model.zip",
		Description: "city block",
		Data:        []byte("payload"),
	})
	require.NoError(t, err)
	fx.waitStatus(t, "assets", first.RecordID, record.UploadFailed)

	// the store comes back; a fresh attempt reuses the old record's metadata
	fx.blobs.broken.Store(false)
	second, err := fx.proc.Resubmit(ctx, "assets", first.RecordID, Request{Data: []byte("payload")})
	require.NoError(t, err)
	require.NotEqual(t, first.RecordID, second.RecordID, "re-submission creates a fresh record")

	rec := fx.waitStatus(t, "assets", second.RecordID, record.UploadCompleted)
	require.Equal(t, "city block", rec.Description)
	require.Equal(t, "model.zip", rec.Filename)

	// the failed record is preserved for inspection
	old, err := fx.db.GetByID(ctx, "assets", first.RecordID)
	require.NoError(t, err)
	require.Equal(t, record.UploadFailed, old.UploadStatus)
}

func TestResubmitGuards(t *testing.T) {
	fx := newFixture(t, Options{})
	ctx := context.Background()

	receipt, err := fx.proc.Submit(ctx, Request{
		Stream: "assets", Filename: "a.bin", Data: []byte("x"),
	})
	require.NoError(t, err)
	fx.waitStatus(t, "assets", receipt.RecordID, record.UploadCompleted)

	_, err = fx.proc.Resubmit(ctx, "assets", receipt.RecordID, Request{Data: []byte("x")})
	require.ErrorIs(t, err, ErrAlreadyCompleted)
}
