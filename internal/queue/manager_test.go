package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/twinstack/loom/internal/errdefs"
)

func testOptions() ManagerOptions {
	return ManagerOptions{
		PollInterval:  5 * time.Millisecond,
		SweepInterval: 50 * time.Millisecond,
		ReleaseDelay:  5 * time.Millisecond,
		Backoff:       BackoffPolicy{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2},
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestManagerRunsJobs(t *testing.T) {
	s := newTestStore(t)
	m := NewManager(s, testOptions())

	var done atomic.Int32
	require.NoError(t, m.Register("runs", 2, func(ctx context.Context, job *Job) error {
		done.Add(1)
		return nil
	}))
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Close(time.Second) })

	for i := 0; i < 5; i++ {
		_, err := m.Enqueue(context.Background(), "runs", "", nil, 1)
		require.NoError(t, err)
	}
	waitFor(t, func() bool { return done.Load() == 5 }, "jobs did not complete")

	stats, err := m.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, stats["runs"].Completed)
}

func TestManagerRetriesUntilTerminal(t *testing.T) {
	s := newTestStore(t)
	m := NewManager(s, testOptions())

	var calls atomic.Int32
	require.NoError(t, m.Register("runs", 1, func(ctx context.Context, job *Job) error {
		calls.Add(1)
		return errors.New("adapter unavailable")
	}))
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Close(time.Second) })

	id, err := m.Enqueue(context.Background(), "runs", "weather", nil, 3)
	require.NoError(t, err)

	waitFor(t, func() bool {
		job, err := m.Job(context.Background(), "runs", id)
		return err == nil && job.Status == StatusFailed
	}, "job never reached terminal failed state")

	require.Equal(t, int32(3), calls.Load())
	job, err := m.Job(context.Background(), "runs", id)
	require.NoError(t, err)
	require.Equal(t, "adapter unavailable", job.LastError)
}

func TestPerUnitExclusivity(t *testing.T) {
	s := newTestStore(t)
	m := NewManager(s, testOptions())

	var mu sync.Mutex
	running := map[string]int{}
	var overlapped atomic.Bool
	var done atomic.Int32

	require.NoError(t, m.Register("runs", 4, func(ctx context.Context, job *Job) error {
		mu.Lock()
		running[job.Unit]++
		if running[job.Unit] > 1 {
			overlapped.Store(true)
		}
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		running[job.Unit]--
		mu.Unlock()
		done.Add(1)
		return nil
	}))
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Close(time.Second) })

	for i := 0; i < 6; i++ {
		_, err := m.Enqueue(context.Background(), "runs", "weather", nil, 1)
		require.NoError(t, err)
	}
	waitFor(t, func() bool { return done.Load() == 6 }, "jobs did not finish")
	require.False(t, overlapped.Load(), "two jobs for the same unit ran concurrently")
}

func TestEnqueueAfterCloseFails(t *testing.T) {
	s := newTestStore(t)
	m := NewManager(s, testOptions())
	require.NoError(t, m.Register("runs", 1, func(context.Context, *Job) error { return nil }))
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Close(time.Second))

	_, err := m.Enqueue(context.Background(), "runs", "", nil, 1)
	var qerr *errdefs.QueueError
	require.ErrorAs(t, err, &qerr)
	require.Equal(t, "runs", qerr.Queue)
}

func TestEnqueueUnknownQueueFails(t *testing.T) {
	s := newTestStore(t)
	m := NewManager(s, testOptions())

	_, err := m.Enqueue(context.Background(), "nope", "", nil, 1)
	var qerr *errdefs.QueueError
	require.ErrorAs(t, err, &qerr)
}

func TestCloseForceFailsStuckJob(t *testing.T) {
	s := newTestStore(t)
	m := NewManager(s, testOptions())

	started := make(chan struct{})
	require.NoError(t, m.Register("runs", 1, func(ctx context.Context, job *Job) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	require.NoError(t, m.Start(context.Background()))

	id, err := m.Enqueue(context.Background(), "runs", "weather", nil, 5)
	require.NoError(t, err)
	<-started

	require.NoError(t, m.Close(20*time.Millisecond))

	job, err := s.Get(context.Background(), "runs", id)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, job.Status, "cancelled job must be force-failed, not retried")
	require.Equal(t, ErrShutdown.Error(), job.LastError)
}

func TestRegisterAfterStartRejected(t *testing.T) {
	s := newTestStore(t)
	m := NewManager(s, testOptions())
	require.NoError(t, m.Register("runs", 1, func(context.Context, *Job) error { return nil }))
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Close(time.Second) })

	err := m.Register("late", 1, func(context.Context, *Job) error { return nil })
	require.Error(t, err)
}

func TestHandlerPanicCountsAsFailure(t *testing.T) {
	s := newTestStore(t)
	m := NewManager(s, testOptions())

	require.NoError(t, m.Register("runs", 1, func(context.Context, *Job) error {
		panic("bad handler")
	}))
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Close(time.Second) })

	id, err := m.Enqueue(context.Background(), "runs", "", nil, 1)
	require.NoError(t, err)

	waitFor(t, func() bool {
		job, err := m.Job(context.Background(), "runs", id)
		return err == nil && job.Status == StatusFailed
	}, "panicking job never failed")
}
