package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twinstack/loom/internal/blob"
	"github.com/twinstack/loom/internal/config"
	"github.com/twinstack/loom/internal/errdefs"
	"github.com/twinstack/loom/internal/fusion"
	"github.com/twinstack/loom/internal/metrics"
	"github.com/twinstack/loom/internal/queue"
	"github.com/twinstack/loom/internal/record"
	"github.com/twinstack/loom/internal/schedule"
	pebblestore "github.com/twinstack/loom/internal/storage/pebble"
	"github.com/twinstack/loom/internal/upload"
	"github.com/twinstack/loom/pkg/log"
)

// RunsQueue carries scheduled and manually triggered unit runs.
const RunsQueue = "runs"

// runPayload is the job body for a unit run.
type runPayload struct {
	Unit      string `json:"unit"`
	Trigger   string `json:"trigger"` // "schedule" or "manual"
	FiredAtMs int64  `json:"firedAtMs"`
}

// Runtime wires storage, blob store, queue, scheduler and engine into a
// single-node instance.
type Runtime struct {
	cfg     config.Config
	logger  log.Logger
	metrics *metrics.Metrics

	db        *pebblestore.DB
	records   record.Adapter
	blobs     blob.Store
	jobs      *queue.Manager
	scheduler *schedule.Scheduler
	engine    *fusion.Engine
	uploads   *upload.Processor

	started bool
}

// Open builds the runtime from configuration. Storage that cannot be opened
// is a startup-time configuration error, never a silent no-op scheduler.
func Open(cfg config.Config, logger log.Logger) (*Runtime, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	m := metrics.New()

	db, err := pebblestore.Open(pebblestore.Options{
		DataDir: cfg.Storage.DataDir,
		Fsync:   fsyncMode(cfg.Storage.Fsync),
		Metrics: m,
	})
	if err != nil {
		return nil, &errdefs.ConfigurationError{
			Msg:   "opening data store at " + cfg.Storage.DataDir,
			Cause: err,
		}
	}

	blobs, err := openBlobStore(cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	records, err := openAdapter(cfg, db, blobs)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	jobs := queue.NewManager(queue.NewStore(db), queue.ManagerOptions{
		LeaseDuration: cfg.Queue.LeaseDuration.Std(),
		PollInterval:  cfg.Queue.PollInterval.Std(),
		SweepInterval: cfg.Queue.SweepInterval.Std(),
		Backoff: queue.BackoffPolicy{
			Initial:    cfg.Queue.BackoffInitial.Std(),
			Max:        cfg.Queue.BackoffMax.Std(),
			Multiplier: 2.0,
			JitterFrac: 0.25,
		},
		Logger:  logger,
		Metrics: m,
	})

	reg := fusion.NewRegistry()
	engine := fusion.NewEngine(records, blobs, reg, logger, m)

	sched := schedule.NewScheduler(logger)
	sched.OnSkip = m.TickSkipped

	uploads := upload.NewProcessor(records, blobs, jobs, logger, upload.Options{
		ScratchDir:     cfg.Upload.ScratchDir,
		SpillThreshold: cfg.Upload.SpillThresholdBytes,
		MaxAttempts:    cfg.Upload.MaxAttempts,
		Concurrency:    cfg.Upload.Concurrency,
	})

	rt := &Runtime{
		cfg:       cfg,
		logger:    logger.With(log.Component("runtime")),
		metrics:   m,
		db:        db,
		records:   records,
		blobs:     blobs,
		jobs:      jobs,
		scheduler: sched,
		engine:    engine,
		uploads:   uploads,
	}

	if err := jobs.Register(RunsQueue, cfg.Queue.RunConcurrency, rt.handleRun); err != nil {
		_ = rt.closeStores()
		return nil, err
	}
	if err := uploads.RegisterQueue(); err != nil {
		_ = rt.closeStores()
		return nil, err
	}
	return rt, nil
}

func fsyncMode(mode string) pebblestore.FsyncMode {
	switch mode {
	case "always":
		return pebblestore.FsyncModeAlways
	case "never":
		return pebblestore.FsyncModeNever
	default:
		return pebblestore.FsyncModeInterval
	}
}

func openBlobStore(cfg config.Config) (blob.Store, error) {
	switch cfg.Blob.Backend {
	case "minio":
		// bound the connect and bucket check so a dead object store fails
		// startup instead of hanging it
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return blob.NewMinioStore(ctx, blob.MinioConfig{
			Endpoint:      cfg.Blob.Minio.Endpoint,
			AccessKey:     cfg.Blob.Minio.AccessKey,
			SecretKey:     cfg.Blob.Minio.SecretKey,
			Bucket:        cfg.Blob.Minio.Bucket,
			UseSSL:        cfg.Blob.Minio.UseSSL,
			PublicBaseURL: cfg.Blob.PublicBaseURL,
		})
	default:
		return blob.NewFSStore(cfg.Blob.Dir, cfg.Blob.PublicBaseURL)
	}
}

func openAdapter(cfg config.Config, db *pebblestore.DB, blobs blob.Store) (record.Adapter, error) {
	if cfg.Storage.Adapter == "sqlite" {
		return record.OpenSQLite(cfg.Storage.SQLitePath, blobs)
	}
	return record.NewPebbleStore(db, blobs), nil
}

// RegisterUnit adds a unit to the engine and, when it carries a schedule,
// onto the cron scheduler. Must run before Start.
func (r *Runtime) RegisterUnit(u fusion.Unit) error {
	if err := r.engine.Registry().Register(u); err != nil {
		return err
	}
	cfg := u.Configuration()
	if cfg.Schedule == "" {
		return nil
	}
	return r.scheduler.Register(cfg.Name, cfg.Schedule, func(ctx context.Context) error {
		_, err := r.enqueueRun(ctx, cfg.Name, "schedule")
		return err
	})
}

// Start migrates streams, launches workers and starts the scheduler.
func (r *Runtime) Start(ctx context.Context) error {
	if r.started {
		return nil
	}
	if err := r.engine.EnsureStreams(ctx); err != nil {
		return err
	}
	if err := r.jobs.Start(ctx); err != nil {
		return err
	}
	r.scheduler.Start()
	r.started = true
	r.logger.Info("runtime started",
		log.Int("units", len(r.engine.Registry().Names())),
		log.Str("adapter", r.cfg.Storage.Adapter))
	return nil
}

// handleRun is the worker for the runs queue: one job, one unit invocation.
func (r *Runtime) handleRun(ctx context.Context, job *queue.Job) error {
	var payload runPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode run payload: %w", err)
	}
	_, err := r.engine.Run(ctx, payload.Unit)
	return err
}

func (r *Runtime) enqueueRun(ctx context.Context, unit, trigger string) (string, error) {
	payload, err := json.Marshal(runPayload{
		Unit:      unit,
		Trigger:   trigger,
		FiredAtMs: time.Now().UnixMilli(),
	})
	if err != nil {
		return "", err
	}
	return r.jobs.Enqueue(ctx, RunsQueue, unit, payload, r.cfg.Queue.MaxAttempts)
}

// TriggerRun enqueues a manual run for one unit and returns the job id.
func (r *Runtime) TriggerRun(ctx context.Context, unit string) (string, error) {
	if _, ok := r.engine.Registry().Get(unit); !ok {
		return "", errdefs.Configuration("unknown unit %q", unit)
	}
	return r.enqueueRun(ctx, unit, "manual")
}

// RunAll executes every registered unit inline and returns per-unit reports.
func (r *Runtime) RunAll(ctx context.Context) []fusion.UnitReport {
	return r.engine.RunAll(ctx)
}

// QueueStats reports per-queue job counts and refreshes the depth gauges.
func (r *Runtime) QueueStats(ctx context.Context) (map[string]queue.Stats, error) {
	stats, err := r.jobs.Stats(ctx)
	if err != nil {
		return nil, err
	}
	for name, st := range stats {
		r.metrics.SetQueueDepth(name, st.Waiting, st.Active, st.Completed, st.Failed)
	}
	return stats, nil
}

// Health is the aggregate liveness report.
type Health struct {
	Status     string            `json:"status"` // "ok" or "degraded"
	Components map[string]string `json:"components"`
}

// CheckHealth probes storage and the queue. Component failures degrade the
// aggregate instead of aborting it.
func (r *Runtime) CheckHealth(ctx context.Context) Health {
	h := Health{Status: "ok", Components: map[string]string{}}
	probe := func(name string, err error) {
		if err != nil {
			h.Status = "degraded"
			h.Components[name] = err.Error()
			return
		}
		h.Components[name] = "ok"
	}

	iter, err := r.db.NewIter(nil)
	if err == nil {
		err = iter.Close()
	}
	probe("storage", err)

	_, err = r.jobs.Stats(ctx)
	probe("queue", err)

	_, err = r.records.HasStream(ctx, "health-probe")
	probe("records", err)

	return h
}

// Accessors for the HTTP layer and CLI.

func (r *Runtime) Engine() *fusion.Engine         { return r.engine }
func (r *Runtime) Jobs() *queue.Manager           { return r.jobs }
func (r *Runtime) Uploads() *upload.Processor     { return r.uploads }
func (r *Runtime) Records() record.Adapter        { return r.records }
func (r *Runtime) Blobs() blob.Store              { return r.blobs }
func (r *Runtime) Scheduler() *schedule.Scheduler { return r.scheduler }
func (r *Runtime) Metrics() *metrics.Metrics      { return r.metrics }
func (r *Runtime) Config() config.Config          { return r.cfg }

// Close stops the scheduler, drains the queue within the configured grace
// period, then releases storage.
func (r *Runtime) Close() error {
	r.scheduler.Stop()
	if err := r.jobs.Close(r.cfg.Server.ShutdownGrace.Std()); err != nil {
		r.logger.Error("queue shutdown", log.Err(err))
	}
	return r.closeStores()
}

func (r *Runtime) closeStores() error {
	var firstErr error
	if err := r.records.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
