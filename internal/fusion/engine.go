package fusion

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/twinstack/loom/internal/blob"
	"github.com/twinstack/loom/internal/errdefs"
	"github.com/twinstack/loom/internal/record"
	"github.com/twinstack/loom/pkg/id"
	"github.com/twinstack/loom/pkg/log"
)

// Metrics receives run lifecycle observations.
type Metrics interface {
	RunCompleted(unit string, elapsed time.Duration)
	RunSkipped(unit string)
	RunFailed(unit string)
}

// NoopMetrics is used when no metrics sink is configured.
type NoopMetrics struct{}

func (NoopMetrics) RunCompleted(string, time.Duration) {}
func (NoopMetrics) RunSkipped(string)                  {}
func (NoopMetrics) RunFailed(string)                   {}

// RunResult describes one unit invocation.
type RunResult struct {
	Unit     string `json:"unit"`
	Kind     Kind   `json:"kind"`
	RecordID id.ID  `json:"recordId"`
	// Skipped is set when the run short-circuited successfully: no primary
	// record newer than the unit's own last output, or a producer with
	// nothing to emit.
	Skipped      bool          `json:"skipped,omitempty"`
	PrimaryCount int           `json:"primaryCount,omitempty"`
	Elapsed      time.Duration `json:"elapsed"`
}

// UnitReport is one entry of a fan-out run: a failure of one unit never
// aborts the others, it is carried in the report instead.
type UnitReport struct {
	Unit   string
	Result *RunResult
	Err    error
}

// Engine executes registered units: it owns the temporal join for fusion
// units and the collect-and-persist path for producers.
type Engine struct {
	db      record.Adapter
	blobs   blob.Store
	reg     *Registry
	logger  log.Logger
	metrics Metrics
}

func NewEngine(db record.Adapter, blobs blob.Store, reg *Registry, logger log.Logger, metrics Metrics) *Engine {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &Engine{
		db:      db,
		blobs:   blobs,
		reg:     reg,
		logger:  logger.With(log.Component("fusion")),
		metrics: metrics,
	}
}

// Registry exposes the unit registry the engine runs from.
func (e *Engine) Registry() *Registry { return e.reg }

// EnsureStreams creates and migrates the output stream of every registered
// unit. Called once at startup.
func (e *Engine) EnsureStreams(ctx context.Context) error {
	for _, name := range e.reg.Names() {
		if err := e.db.CreateStream(ctx, name); err != nil {
			return err
		}
		applied, err := e.db.MigrateStream(ctx, name)
		if err != nil {
			return err
		}
		if len(applied) > 0 {
			e.logger.Info("stream migrated",
				log.Str("stream", name), log.Int("steps", len(applied)))
		}
	}
	return nil
}

// Run executes one unit by name.
func (e *Engine) Run(ctx context.Context, name string) (*RunResult, error) {
	unit, ok := e.reg.Get(name)
	if !ok {
		return nil, errdefs.Configuration("unknown unit %q", name)
	}

	start := time.Now()
	var (
		res *RunResult
		err error
	)
	switch u := unit.(type) {
	case *Producer:
		res, err = e.runProducer(ctx, u)
	case *FusionUnit:
		res, err = e.runFusion(ctx, u)
	default:
		return nil, errdefs.Configuration("unit %q has unsupported kind %q", name, unit.Kind())
	}
	if err != nil {
		e.metrics.RunFailed(name)
		return nil, err
	}
	res.Elapsed = time.Since(start)
	if res.Skipped {
		e.metrics.RunSkipped(name)
		e.logger.Debug("run skipped, nothing to do", log.Str("unit", name))
	} else {
		e.metrics.RunCompleted(name, res.Elapsed)
		e.logger.Info("run completed",
			log.Str("unit", name), log.Str("record", res.RecordID.String()),
			log.Dur("elapsed", res.Elapsed))
	}
	return res, nil
}

// RunAll fans out across every registered unit and collects per-unit
// outcomes. Individual failures are logged and reported, never propagated.
func (e *Engine) RunAll(ctx context.Context) []UnitReport {
	names := e.reg.Names()
	reports := make([]UnitReport, 0, len(names))
	for _, name := range names {
		res, err := e.Run(ctx, name)
		if err != nil {
			e.logger.Error("unit run failed", log.Str("unit", name), log.Err(err))
		}
		reports = append(reports, UnitReport{Unit: name, Result: res, Err: err})
	}
	return reports
}

func (e *Engine) runProducer(ctx context.Context, u *Producer) (*RunResult, error) {
	cfg := u.Config
	data, err := u.Collect(ctx)
	if err != nil {
		return nil, e.wrap(cfg.Name, "", err)
	}
	if len(data) == 0 {
		return &RunResult{Unit: cfg.Name, Kind: KindProducer, Skipped: true}, nil
	}
	recID, err := e.persist(ctx, cfg, data)
	if err != nil {
		return nil, err
	}
	return &RunResult{Unit: cfg.Name, Kind: KindProducer, RecordID: recID}, nil
}

// runFusion is the temporal join: select primary records newer than this
// unit's own latest output, resolve each dependency to its latest record at
// or before the primary's date (bounded by the per-dependency lookback
// window), transform, persist.
func (e *Engine) runFusion(ctx context.Context, u *FusionUnit) (*RunResult, error) {
	cfg := u.Config
	if cfg.Source == "" {
		// static misconfiguration, surfaced before any adapter call
		return nil, errdefs.Configuration("fusion unit %q must specify a source", cfg.Name)
	}

	nowMs := time.Now().UnixMilli()
	lastRun, err := e.lastRun(ctx, cfg.Name)
	if err != nil {
		return nil, e.wrap(cfg.Name, cfg.Source, err)
	}

	primaries, err := e.selectPrimaries(ctx, cfg, lastRun, nowMs)
	if err != nil {
		// a source stream that was never created has no records yet; both
		// adapters must yield a skip, not a failed run
		if !errors.Is(err, record.ErrUnknownStream) {
			return nil, e.wrap(cfg.Name, cfg.Source, err)
		}
		primaries = nil
	}
	if len(primaries) == 0 {
		return &RunResult{Unit: cfg.Name, Kind: KindFusion, Skipped: true}, nil
	}

	// dependencies anchor on the newest selected primary
	anchor := primaries[len(primaries)-1].Date
	deps := make(map[string]*record.Record, len(cfg.Dependencies))
	for i, depName := range cfg.Dependencies {
		cand, err := e.db.LatestBefore(ctx, depName, anchor)
		if err != nil {
			if errors.Is(err, record.ErrUnknownStream) {
				continue // never-created dependency stream, same as no record
			}
			return nil, e.wrap(cfg.Name, depName, err)
		}
		if cand == nil {
			continue
		}
		if lb := cfg.lookbackFor(i); lb > 0 && anchor-cand.Date > lb.Milliseconds() {
			continue // too stale for this dependency's window
		}
		deps[depName] = cand
	}

	data, err := u.Harvest(ctx, primaries, deps)
	if err != nil {
		return nil, e.wrap(cfg.Name, cfg.Source, err)
	}

	recID, err := e.persist(ctx, cfg, data)
	if err != nil {
		return nil, err
	}
	return &RunResult{
		Unit:         cfg.Name,
		Kind:         KindFusion,
		RecordID:     recID,
		PrimaryCount: len(primaries),
	}, nil
}

// lastRun returns the date of the unit's own newest record, or zero when the
// unit has never produced one.
func (e *Engine) lastRun(ctx context.Context, stream string) (int64, error) {
	last, err := e.db.LatestBefore(ctx, stream, math.MaxInt64)
	if err != nil {
		if errors.Is(err, record.ErrUnknownStream) {
			return 0, nil
		}
		return 0, err
	}
	if last == nil {
		return 0, nil
	}
	return last.Date, nil
}

// selectPrimaries applies the primary-selection policy: single latest after
// lastRun, all records after lastRun, or a trailing window reduced to one.
func (e *Engine) selectPrimaries(ctx context.Context, cfg UnitConfig, lastRun, nowMs int64) ([]*record.Record, error) {
	switch {
	case cfg.MultipleResults:
		return e.db.ByDateRange(ctx, cfg.Source, lastRun+1, nowMs)

	case cfg.SourceRange != nil:
		start := nowMs - cfg.SourceRange.Window.Milliseconds()
		if lastRun+1 > start {
			start = lastRun + 1
		}
		rows, err := e.db.ByDateRange(ctx, cfg.Source, start, nowMs)
		if err != nil || len(rows) == 0 {
			return nil, err
		}
		if cfg.SourceRange.Reduce == RangeMin {
			return rows[:1], nil
		}
		return rows[len(rows)-1:], nil

	default:
		rec, err := e.db.LatestBefore(ctx, cfg.Source, nowMs)
		if err != nil || rec == nil {
			return nil, err
		}
		if rec.Date <= lastRun {
			// stale primary: already consumed by a previous run
			return nil, nil
		}
		return []*record.Record{rec}, nil
	}
}

func (e *Engine) persist(ctx context.Context, cfg UnitConfig, data []byte) (id.ID, error) {
	ext := cfg.Ext
	if ext == "" {
		ext = "bin"
	}
	contentType := cfg.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	ref, err := e.blobs.Save(ctx, data, cfg.Name, ext)
	if err != nil {
		return id.ID{}, e.wrap(cfg.Name, cfg.Source, err)
	}
	rec := &record.Record{
		StreamName:  cfg.Name,
		Date:        time.Now().UnixMilli(),
		ContentType: contentType,
		BlobRef:     ref,
	}
	recID, err := e.db.Save(ctx, rec)
	if err != nil {
		return id.ID{}, e.wrap(cfg.Name, cfg.Source, err)
	}
	return recID, nil
}

func (e *Engine) wrap(unit, source string, err error) error {
	return &errdefs.StorageError{Unit: unit, Source: source, Cause: err}
}
