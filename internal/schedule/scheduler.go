package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/twinstack/loom/internal/errdefs"
	"github.com/twinstack/loom/pkg/log"
)

// RunFunc triggers one run of a unit. The scheduler does not retry: retry
// policy belongs to the queue the run lands on.
type RunFunc func(ctx context.Context) error

// parser accepts standard 5-field cron expressions plus an optional leading
// seconds field and @-descriptors (@hourly, @every 5m, ...).
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSpec validates a cron expression. A malformed expression is a
// configuration error, surfaced at registration time rather than first tick.
func ParseSpec(spec string) (cron.Schedule, error) {
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, &errdefs.ConfigurationError{
			Msg:   "invalid cron expression " + spec,
			Cause: err,
		}
	}
	return sched, nil
}

type entry struct {
	unit  string
	sched cron.Schedule
	run   RunFunc

	// busy is set while a triggered run is still in flight. A tick that
	// lands while busy is dropped, not queued: the next run happens at the
	// next scheduled time.
	busy sync.Mutex
	held bool
}

// Scheduler fires registered units on their cron schedules. Each unit runs
// at most once concurrently from the scheduler's point of view; overlapping
// ticks are skipped and logged.
type Scheduler struct {
	logger log.Logger

	mu      sync.Mutex
	entries map[string]*entry
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// skipped counts dropped overlapping ticks, exposed for tests and stats.
	skipped map[string]int

	// OnSkip, when set, observes each dropped tick. Used by the metrics layer.
	OnSkip func(unit string)
}

func NewScheduler(logger log.Logger) *Scheduler {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Scheduler{
		logger:  logger.With(log.Component("scheduler")),
		entries: make(map[string]*entry),
		skipped: make(map[string]int),
	}
}

// Register adds a unit with its cron spec. Returns a ConfigurationError for
// malformed expressions or duplicate unit names. Must be called before Start.
func (s *Scheduler) Register(unit, spec string, run RunFunc) error {
	sched, err := ParseSpec(spec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errdefs.Configuration("scheduler already started, cannot register %q", unit)
	}
	if _, ok := s.entries[unit]; ok {
		return errdefs.Configuration("unit %q already scheduled", unit)
	}
	s.entries[unit] = &entry{unit: unit, sched: sched, run: run}
	return nil
}

// Start launches one timer loop per registered unit. Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	for _, e := range s.entries {
		s.wg.Add(1)
		go s.loop(e)
	}
	s.logger.Info("scheduler started", log.Int("units", len(s.entries)))
}

// loop fires e at each scheduled instant. Next is always computed from the
// current clock, so ticks missed while the process slept are not replayed.
func (s *Scheduler) loop(e *entry) {
	defer s.wg.Done()
	for {
		next := e.sched.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.fire(e)
		}
	}
}

func (s *Scheduler) fire(e *entry) {
	e.busy.Lock()
	if e.held {
		e.busy.Unlock()
		s.mu.Lock()
		s.skipped[e.unit]++
		s.mu.Unlock()
		if s.OnSkip != nil {
			s.OnSkip(e.unit)
		}
		s.logger.Warn("run still in flight, skipping tick", log.Str("unit", e.unit))
		return
	}
	e.held = true
	e.busy.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			e.busy.Lock()
			e.held = false
			e.busy.Unlock()
		}()
		if err := e.run(s.ctx); err != nil {
			s.logger.Error("scheduled run failed", log.Str("unit", e.unit), log.Err(err))
		}
	}()
}

// SkipCount reports how many ticks were dropped for a unit.
func (s *Scheduler) SkipCount(unit string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skipped[unit]
}

// Units lists registered unit names.
func (s *Scheduler) Units() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for name := range s.entries {
		out = append(out, name)
	}
	return out
}

// Stop halts all timer loops and waits for in-flight runs. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}
