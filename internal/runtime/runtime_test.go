package runtime

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/twinstack/loom/internal/config"
	"github.com/twinstack/loom/internal/errdefs"
	"github.com/twinstack/loom/internal/fusion"
	"github.com/twinstack/loom/internal/queue"
	"github.com/twinstack/loom/internal/record"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Storage.Fsync = "never"
	cfg.Blob.Dir = ""
	cfg.Upload.ScratchDir = ""
	cfg.Storage.SQLitePath = ""
	cfg.Queue.PollInterval = config.Millis(5)
	cfg.Queue.SweepInterval = config.Millis(50)
	cfg.Queue.BackoffInitial = config.Millis(1)
	cfg.Queue.BackoffMax = config.Millis(5)
	cfg.Server.ShutdownGrace = config.Seconds(1)
	return cfg
}

func TestOpenStartTriggerClose(t *testing.T) {
	rt, err := Open(testConfig(t), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()

	if err := rt.RegisterUnit(&fusion.Producer{
		Config:  fusion.UnitConfig{Name: "weather", Schedule: "@hourly", Ext: "json"},
		Collect: func(context.Context) ([]byte, error) { return []byte(`{"temp":21}`), nil },
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx := context.Background()
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	jobID, err := rt.TriggerRun(ctx, "weather")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		job, err := rt.jobs.Job(ctx, RunsQueue, jobID)
		if err != nil {
			t.Fatalf("job lookup: %v", err)
		}
		if job.Status == queue.StatusCompleted {
			break
		}
		if job.Status == queue.StatusFailed {
			t.Fatalf("run job failed: %s", job.LastError)
		}
		if time.Now().After(deadline) {
			t.Fatalf("run job stuck in %q", job.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}

	rec, err := rt.Records().LatestBefore(ctx, "weather", time.Now().UnixMilli())
	if err != nil || rec == nil {
		t.Fatalf("derived record missing: %v %v", rec, err)
	}
	data, err := rec.Data(ctx)
	if err != nil || string(data) != `{"temp":21}` {
		t.Fatalf("record data: %q %v", data, err)
	}

	stats, err := rt.QueueStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats[RunsQueue].Completed != 1 {
		t.Fatalf("stats: %+v", stats)
	}

	if h := rt.CheckHealth(ctx); h.Status != "ok" {
		t.Fatalf("health: %+v", h)
	}
}

func TestOpenFailsWithConfigurationError(t *testing.T) {
	cfg := testConfig(t)
	// a file where the data dir should be makes the store unopenable
	path := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg.Storage.DataDir = path

	_, err := Open(cfg, nil)
	var cerr *errdefs.ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("want ConfigurationError, got %v", err)
	}
}

func TestOpenMinioBackendConnectFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Blob.Backend = "minio"
	// malformed endpoint: the client constructor rejects it without dialing
	cfg.Blob.Minio.Endpoint = "not a host"
	cfg.Blob.Minio.Bucket = "loom-test"

	if _, err := Open(cfg, nil); err == nil {
		t.Fatal("unreachable object store accepted")
	}
}

func TestTriggerUnknownUnit(t *testing.T) {
	rt, err := Open(testConfig(t), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()

	_, err = rt.TriggerRun(context.Background(), "nope")
	var cerr *errdefs.ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("want ConfigurationError, got %v", err)
	}
}

func TestScheduledUnitRegistersTimer(t *testing.T) {
	rt, err := Open(testConfig(t), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()

	if err := rt.RegisterUnit(&fusion.Producer{
		Config:  fusion.UnitConfig{Name: "tides", Schedule: "bogus"},
		Collect: func(context.Context) ([]byte, error) { return nil, nil },
	}); err == nil {
		t.Fatal("malformed schedule accepted")
	}

	if err := rt.RegisterUnit(&fusion.FusionUnit{
		Config: fusion.UnitConfig{Name: "surface", Source: "tides"},
		Harvest: func(context.Context, []*record.Record, map[string]*record.Record) ([]byte, error) {
			return nil, nil
		},
	}); err != nil {
		t.Fatalf("unscheduled unit rejected: %v", err)
	}
	if got := rt.Scheduler().Units(); len(got) != 0 {
		t.Fatalf("unscheduled unit reached the scheduler: %v", got)
	}
}
