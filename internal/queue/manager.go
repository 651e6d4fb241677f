package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twinstack/loom/internal/errdefs"
	"github.com/twinstack/loom/pkg/log"
)

// Handler processes one job. A nil return completes the job; a non-nil
// return schedules a retry (or fails it terminally once attempts run out).
type Handler func(ctx context.Context, job *Job) error

// ErrShutdown is recorded on jobs force-failed during Close.
var ErrShutdown = errors.New("queue: shut down while job was active")

// Metrics receives job lifecycle observations.
type Metrics interface {
	JobEnqueued(queue string)
	JobCompleted(queue string, elapsed time.Duration)
	JobRetried(queue string)
	JobFailed(queue string)
}

// NoopMetrics is used when no metrics sink is configured.
type NoopMetrics struct{}

func (NoopMetrics) JobEnqueued(string)                 {}
func (NoopMetrics) JobCompleted(string, time.Duration) {}
func (NoopMetrics) JobRetried(string)                  {}
func (NoopMetrics) JobFailed(string)                   {}

// ManagerOptions tunes worker behavior. Zero values pick defaults.
type ManagerOptions struct {
	// LeaseDuration bounds how long a claimed job may run before the
	// sweeper considers its worker dead.
	LeaseDuration time.Duration
	// PollInterval is the idle sleep between dequeue attempts.
	PollInterval time.Duration
	// SweepInterval is how often lapsed leases are reclaimed.
	SweepInterval time.Duration
	// ReleaseDelay re-parks a job whose unit is busy for this long.
	ReleaseDelay time.Duration
	Backoff      BackoffPolicy
	Logger       log.Logger
	Metrics      Metrics
}

func (o *ManagerOptions) withDefaults() {
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 5 * time.Second
	}
	if o.ReleaseDelay <= 0 {
		o.ReleaseDelay = 250 * time.Millisecond
	}
	if o.Backoff == (BackoffPolicy{}) {
		o.Backoff = DefaultBackoff()
	}
	if o.Logger == nil {
		o.Logger = log.NewNopLogger()
	}
	if o.Metrics == nil {
		o.Metrics = NoopMetrics{}
	}
}

type registration struct {
	name        string
	concurrency int
	handler     Handler
}

// Manager runs registered queues: it owns the worker pools, the per-unit
// exclusion, retry backoff, the lease sweeper, and shutdown draining.
type Manager struct {
	store  *Store
	opts   ManagerOptions
	logger log.Logger
	units  *unitLocks

	mu      sync.Mutex
	queues  map[string]registration
	started bool
	closed  bool

	runCtx  context.Context
	stopRun context.CancelFunc
	jobCtx  context.Context
	stopJob context.CancelFunc
	wg      sync.WaitGroup

	inflightMu sync.Mutex
	inflight   map[string]*Job
}

// NewManager wires a manager over the durable store.
func NewManager(store *Store, opts ManagerOptions) *Manager {
	opts.withDefaults()
	return &Manager{
		store:    store,
		opts:     opts,
		logger:   opts.Logger.With(log.Component("queue")),
		units:    newUnitLocks(),
		queues:   make(map[string]registration),
		inflight: make(map[string]*Job),
	}
}

// Register declares a queue with a bounded worker pool. Must be called
// before Start.
func (m *Manager) Register(name string, concurrency int, h Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return &errdefs.QueueError{Queue: name, Cause: errors.New("register after start")}
	}
	if _, ok := m.queues[name]; ok {
		return &errdefs.QueueError{Queue: name, Cause: errors.New("queue already registered")}
	}
	m.queues[name] = registration{name: name, concurrency: concurrency, handler: h}
	return nil
}

// Enqueue persists a job and returns its id without waiting for execution.
// It fails only when the manager is closed, the queue is unknown, or the
// store write fails.
func (m *Manager) Enqueue(ctx context.Context, queueName, unit string, payload []byte, maxAttempts int) (string, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", &errdefs.QueueError{Queue: queueName, Cause: errors.New("manager is closed")}
	}
	if _, ok := m.queues[queueName]; !ok {
		m.mu.Unlock()
		return "", &errdefs.QueueError{Queue: queueName, Cause: fmt.Errorf("queue %q is not registered", queueName)}
	}
	m.mu.Unlock()

	jobID, err := m.store.Enqueue(ctx, queueName, unit, payload, maxAttempts, 0)
	if err != nil {
		return "", err
	}
	m.opts.Metrics.JobEnqueued(queueName)
	m.logger.Debug("job enqueued",
		log.Str("queue", queueName), log.Str("unit", unit), log.Str("job", jobID))
	return jobID, nil
}

// Job returns the stored state of one job.
func (m *Manager) Job(ctx context.Context, queueName, jobID string) (*Job, error) {
	return m.store.Get(ctx, queueName, jobID)
}

// Start reclaims stale leases and launches workers and the sweeper.
// Idempotent.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.closed {
		return nil
	}

	for name := range m.queues {
		reclaimed, err := m.store.ReclaimAll(ctx, name)
		if err != nil {
			return err
		}
		if len(reclaimed) > 0 {
			m.logger.Warn("reclaimed jobs left active by previous run",
				log.Str("queue", name), log.Int("count", len(reclaimed)))
		}
	}

	m.runCtx, m.stopRun = context.WithCancel(context.Background())
	m.jobCtx, m.stopJob = context.WithCancel(context.Background())

	for _, reg := range m.queues {
		for i := 0; i < reg.concurrency; i++ {
			m.wg.Add(1)
			go m.worker(reg)
		}
	}
	m.wg.Add(1)
	go m.sweeper()

	m.started = true
	m.logger.Info("queue manager started", log.Int("queues", len(m.queues)))
	return nil
}

func (m *Manager) worker(reg registration) {
	defer m.wg.Done()
	for {
		select {
		case <-m.runCtx.Done():
			return
		default:
		}

		job, err := m.store.Dequeue(m.runCtx, reg.name, m.opts.LeaseDuration.Milliseconds())
		if err != nil {
			m.logger.Error("dequeue failed", log.Str("queue", reg.name), log.Err(err))
			m.sleep(m.opts.PollInterval)
			continue
		}
		if job == nil {
			m.sleep(m.opts.PollInterval)
			continue
		}
		m.run(reg, job)
	}
}

func (m *Manager) run(reg registration, job *Job) {
	if !m.units.tryAcquire(job.Unit) {
		// another job for this unit is in flight; put it back untouched
		if err := m.store.Release(context.Background(), job, m.opts.ReleaseDelay); err != nil {
			m.logger.Error("release failed", log.Str("job", job.ID), log.Err(err))
		}
		return
	}
	defer m.units.release(job.Unit)

	m.trackInflight(job, true)
	defer m.trackInflight(job, false)

	start := time.Now()
	err := m.invoke(reg.handler, job)
	if err == nil {
		if cerr := m.store.Complete(context.Background(), job); cerr != nil {
			m.logger.Error("complete failed", log.Str("job", job.ID), log.Err(cerr))
			return
		}
		m.opts.Metrics.JobCompleted(reg.name, time.Since(start))
		m.logger.Debug("job completed",
			log.Str("queue", reg.name), log.Str("job", job.ID), log.Dur("elapsed", time.Since(start)))
		return
	}

	if m.jobCtx.Err() != nil {
		// shutdown cancelled the handler; don't burn this as a retry
		if ferr := m.store.ForceFail(context.Background(), job, ErrShutdown); ferr != nil {
			m.logger.Error("force-fail failed", log.Str("job", job.ID), log.Err(ferr))
		}
		m.opts.Metrics.JobFailed(reg.name)
		return
	}

	delay := m.opts.Backoff.Delay(job.Attempt)
	if ferr := m.store.Fail(context.Background(), job, err, delay); ferr != nil {
		m.logger.Error("fail transition failed", log.Str("job", job.ID), log.Err(ferr))
		return
	}
	if job.Status == StatusWaiting {
		m.opts.Metrics.JobRetried(reg.name)
		m.logger.Warn("job failed, retrying",
			log.Str("queue", reg.name), log.Str("job", job.ID),
			log.Int("attempt", job.Attempt), log.Dur("backoff", delay), log.Err(err))
	} else {
		m.opts.Metrics.JobFailed(reg.name)
		m.logger.Error("job failed permanently",
			log.Str("queue", reg.name), log.Str("job", job.ID),
			log.Int("attempts", job.Attempt), log.Err(err))
	}
}

// invoke shields the worker from handler panics: a panic counts as a
// failed attempt, not a dead worker slot.
func (m *Manager) invoke(h Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(m.jobCtx, job)
}

func (m *Manager) trackInflight(job *Job, add bool) {
	m.inflightMu.Lock()
	if add {
		m.inflight[job.ID] = job
	} else {
		delete(m.inflight, job.ID)
	}
	m.inflightMu.Unlock()
}

func (m *Manager) sweeper() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.runCtx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			names := make([]string, 0, len(m.queues))
			for name := range m.queues {
				names = append(names, name)
			}
			m.mu.Unlock()
			for _, name := range names {
				reclaimed, err := m.store.ReclaimExpired(m.runCtx, name)
				if err != nil {
					m.logger.Error("lease sweep failed", log.Str("queue", name), log.Err(err))
					continue
				}
				if len(reclaimed) > 0 {
					m.logger.Warn("reclaimed expired leases",
						log.Str("queue", name), log.Int("count", len(reclaimed)))
				}
			}
		}
	}
}

func (m *Manager) sleep(d time.Duration) {
	select {
	case <-m.runCtx.Done():
	case <-time.After(d):
	}
}

// Stats reports per-queue job counts.
func (m *Manager) Stats(ctx context.Context) (map[string]Stats, error) {
	m.mu.Lock()
	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	m.mu.Unlock()

	out := make(map[string]Stats, len(names))
	for _, name := range names {
		st, err := m.store.QueueStats(ctx, name)
		if err != nil {
			return nil, err
		}
		out[name] = st
	}
	return out, nil
}

// Close stops intake, waits up to grace for in-flight jobs, then cancels
// their contexts and force-fails whatever is still running.
func (m *Manager) Close(grace time.Duration) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	started := m.started
	m.mu.Unlock()

	if !started {
		return nil
	}

	m.stopRun()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		m.logger.Warn("grace period elapsed, cancelling in-flight jobs", log.Dur("grace", grace))
		m.stopJob()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			m.logger.Error("workers did not exit after cancellation")
		}
	}
	m.stopJob()

	m.inflightMu.Lock()
	stuck := make([]*Job, 0, len(m.inflight))
	for _, job := range m.inflight {
		stuck = append(stuck, job)
	}
	m.inflightMu.Unlock()
	for _, job := range stuck {
		if err := m.store.ForceFail(context.Background(), job, ErrShutdown); err != nil {
			m.logger.Error("force-fail on shutdown failed", log.Str("job", job.ID), log.Err(err))
		}
	}

	m.logger.Info("queue manager stopped", log.Int("forceFailed", len(stuck)))
	return nil
}
