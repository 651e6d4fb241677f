package record

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	pebblestore "github.com/twinstack/loom/internal/storage/pebble"
	"github.com/twinstack/loom/pkg/id"
)

func openPebbleStore(t *testing.T) Adapter {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPebbleStore(db, nil)
}

func openSQLiteStore(t *testing.T) Adapter {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "records.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// adapters runs a scenario against every Adapter implementation.
func adapters(t *testing.T, fn func(t *testing.T, store Adapter)) {
	t.Run("pebble", func(t *testing.T) { fn(t, openPebbleStore(t)) })
	t.Run("sqlite", func(t *testing.T) { fn(t, openSQLiteStore(t)) })
}

func mustStream(t *testing.T, store Adapter, name string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateStream(ctx, name))
	_, err := store.MigrateStream(ctx, name)
	require.NoError(t, err)
}

func saveAt(t *testing.T, store Adapter, stream string, dateMs int64) id.ID {
	t.Helper()
	recID, err := store.Save(context.Background(), &Record{
		StreamName:  stream,
		Date:        dateMs,
		ContentType: "application/json",
		BlobRef:     "blobs/x",
	})
	require.NoError(t, err)
	return recID
}

func TestStreamLifecycle(t *testing.T) {
	adapters(t, func(t *testing.T, store Adapter) {
		ctx := context.Background()

		ok, err := store.HasStream(ctx, "weather")
		require.NoError(t, err)
		require.False(t, ok)

		require.NoError(t, store.CreateStream(ctx, "weather"))
		require.NoError(t, store.CreateStream(ctx, "weather")) // idempotent

		ok, err = store.HasStream(ctx, "weather")
		require.NoError(t, err)
		require.True(t, ok)

		applied, err := store.MigrateStream(ctx, "weather")
		require.NoError(t, err)
		require.NotEmpty(t, applied)

		again, err := store.MigrateStream(ctx, "weather")
		require.NoError(t, err)
		require.Empty(t, again)
	})
}

func TestSaveUnknownStreamFails(t *testing.T) {
	adapters(t, func(t *testing.T, store Adapter) {
		_, err := store.Save(context.Background(), &Record{StreamName: "ghost", Date: 1})
		require.Error(t, err)
	})
}

func TestSQLiteUnknownStreamReads(t *testing.T) {
	store := openSQLiteStore(t)
	ctx := context.Background()

	_, err := store.LatestBefore(ctx, "ghost", 1)
	require.ErrorIs(t, err, ErrUnknownStream)

	_, err = store.ByDateRange(ctx, "ghost", 0, 10)
	require.ErrorIs(t, err, ErrUnknownStream)
}

func TestLatestBeforeSemantics(t *testing.T) {
	adapters(t, func(t *testing.T, store Adapter) {
		ctx := context.Background()
		mustStream(t, store, "humidity")

		// dependency records at 11:00 and 13:00 (ms timestamps)
		eleven := int64(11 * 3600 * 1000)
		thirteen := int64(13 * 3600 * 1000)
		fourteen := int64(14 * 3600 * 1000)
		saveAt(t, store, "humidity", eleven)
		want := saveAt(t, store, "humidity", thirteen)

		got, err := store.LatestBefore(ctx, "humidity", fourteen)
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Equal(t, want, got.ID)
		require.Equal(t, thirteen, got.Date)

		// bound is inclusive
		got, err = store.LatestBefore(ctx, "humidity", thirteen)
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Equal(t, want, got.ID)

		// nothing before the first record
		got, err = store.LatestBefore(ctx, "humidity", eleven-1)
		require.NoError(t, err)
		require.Nil(t, got)
	})
}

func TestDateTieBrokenByGreatestID(t *testing.T) {
	adapters(t, func(t *testing.T, store Adapter) {
		ctx := context.Background()
		mustStream(t, store, "ticks")

		first := saveAt(t, store, "ticks", 5000)
		second := saveAt(t, store, "ticks", 5000)
		require.Equal(t, -1, first.Compare(second), "generator must assign increasing ids")

		got, err := store.LatestBefore(ctx, "ticks", 5000)
		require.NoError(t, err)
		require.Equal(t, second, got.ID)
	})
}

func TestByDateRangeInclusiveAscending(t *testing.T) {
	adapters(t, func(t *testing.T, store Adapter) {
		ctx := context.Background()
		mustStream(t, store, "samples")

		ids := []id.ID{
			saveAt(t, store, "samples", 100),
			saveAt(t, store, "samples", 200),
			saveAt(t, store, "samples", 300),
			saveAt(t, store, "samples", 400),
		}

		recs, err := store.ByDateRange(ctx, "samples", 200, 300)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		require.Equal(t, ids[1], recs[0].ID)
		require.Equal(t, ids[2], recs[1].ID)

		recs, err = store.ByDateRange(ctx, "samples", 401, 999)
		require.NoError(t, err)
		require.Empty(t, recs)
	})
}

func TestUploadStatusTransitions(t *testing.T) {
	adapters(t, func(t *testing.T, store Adapter) {
		ctx := context.Background()
		mustStream(t, store, "assets")

		recID, err := store.Save(ctx, &Record{
			StreamName:   "assets",
			Date:         1000,
			Filename:     "model.zip",
			UploadStatus: UploadPending,
		})
		require.NoError(t, err)

		require.NoError(t, store.UpdateUploadStatus(ctx, "assets", recID, UploadProcessing, "", ""))
		require.NoError(t, store.UpdateUploadStatus(ctx, "assets", recID, UploadCompleted, "", "blobs/assets/model"))

		rec, err := store.GetByID(ctx, "assets", recID)
		require.NoError(t, err)
		require.Equal(t, UploadCompleted, rec.UploadStatus)
		require.Equal(t, "blobs/assets/model", rec.BlobRef)

		// completed records are immutable
		err = store.UpdateUploadStatus(ctx, "assets", recID, UploadFailed, "late failure", "")
		require.ErrorIs(t, err, ErrIllegalTransition)

		// regressions rejected on a fresh record
		recID2, err := store.Save(ctx, &Record{StreamName: "assets", Date: 2000, UploadStatus: UploadProcessing})
		require.NoError(t, err)
		err = store.UpdateUploadStatus(ctx, "assets", recID2, UploadPending, "", "")
		require.ErrorIs(t, err, ErrIllegalTransition)
	})
}

func TestSetUploadJob(t *testing.T) {
	adapters(t, func(t *testing.T, store Adapter) {
		ctx := context.Background()
		mustStream(t, store, "assets")

		recID, err := store.Save(ctx, &Record{
			StreamName:   "assets",
			Date:         1000,
			UploadStatus: UploadPending,
		})
		require.NoError(t, err)

		require.NoError(t, store.SetUploadJob(ctx, "assets", recID, "job-123"))
		rec, err := store.GetByID(ctx, "assets", recID)
		require.NoError(t, err)
		require.Equal(t, "job-123", rec.UploadJobID)
		require.Equal(t, UploadPending, rec.UploadStatus, "linking a job must not touch the status")

		err = store.SetUploadJob(ctx, "assets", id.ID{0xde, 0xad}, "job-456")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestIsPublicDefaultsTrue(t *testing.T) {
	adapters(t, func(t *testing.T, store Adapter) {
		ctx := context.Background()
		mustStream(t, store, "assets")

		recID := saveAt(t, store, "assets", 1000)
		rec, err := store.GetByID(ctx, "assets", recID)
		require.NoError(t, err)
		require.True(t, rec.Public())

		hidden := false
		recID2, err := store.Save(ctx, &Record{StreamName: "assets", Date: 2000, IsPublic: &hidden})
		require.NoError(t, err)
		rec2, err := store.GetByID(ctx, "assets", recID2)
		require.NoError(t, err)
		require.False(t, rec2.Public())
	})
}
