package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/twinstack/loom/internal/errdefs"
	pebblestore "github.com/twinstack/loom/internal/storage/pebble"
)

// ErrJobNotFound is returned when a job id does not exist in its queue.
var ErrJobNotFound = errors.New("queue: job not found")

// Store persists jobs and their availability/lease indexes in Pebble.
// Every state change commits the job row and its index entries in one batch
// so a crash never leaves a job indexed under a state it is not in.
type Store struct {
	db *pebblestore.DB

	// mu serializes dequeue so concurrent workers never claim the same
	// waiting entry between the scan and the batch commit.
	mu sync.Mutex
}

func NewStore(db *pebblestore.DB) *Store {
	return &Store{db: db}
}

func (s *Store) qErr(queue string, err error) error {
	return &errdefs.QueueError{Queue: queue, Cause: err}
}

// Enqueue persists a new waiting job and returns its id. delayMs postpones
// first availability; zero makes the job immediately due.
func (s *Store) Enqueue(ctx context.Context, queueName, unit string, payload []byte, maxAttempts int, delayMs int64) (string, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	now := time.Now().UnixMilli()
	job := &Job{
		ID:           uuid.NewString(),
		Queue:        queueName,
		Unit:         unit,
		Payload:      payload,
		MaxAttempts:  maxAttempts,
		Status:       StatusWaiting,
		EnqueuedAtMs: now,
		UpdatedAtMs:  now,
		NotBeforeMs:  now + delayMs,
	}

	val, err := json.Marshal(job)
	if err != nil {
		return "", s.qErr(queueName, err)
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(jobKey(queueName, job.ID), val, nil); err != nil {
		return "", s.qErr(queueName, err)
	}
	if err := b.Set(waitingKey(queueName, job.NotBeforeMs, job.ID), nil, nil); err != nil {
		return "", s.qErr(queueName, err)
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return "", s.qErr(queueName, err)
	}
	return job.ID, nil
}

// Get loads one job row.
func (s *Store) Get(_ context.Context, queueName, jobID string) (*Job, error) {
	raw, err := s.db.Get(jobKey(queueName, jobID))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, s.qErr(queueName, err)
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, s.qErr(queueName, err)
	}
	return &job, nil
}

// Dequeue claims the earliest due waiting job, marks it active and leases it
// until now+leaseMs. Returns (nil, nil) when nothing is due.
func (s *Store) Dequeue(ctx context.Context, queueName string, leaseMs int64) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	iter, err := s.db.PrefixIter(waitingPrefix(queueName))
	if err != nil {
		return nil, s.qErr(queueName, err)
	}

	prefixLen := len(waitingPrefix(queueName))
	var claimKey []byte
	var jobID string
	for ok := iter.First(); ok; ok = iter.Next() {
		key := iter.Key()
		gate := int64(binary.BigEndian.Uint64(key[prefixLen : prefixLen+8]))
		if gate > now {
			break // index is gate-ordered; nothing after this is due
		}
		claimKey = append([]byte(nil), key...)
		jobID = string(key[prefixLen+8:])
		break
	}
	if cerr := iter.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return nil, s.qErr(queueName, err)
	}
	if claimKey == nil {
		return nil, nil
	}

	job, err := s.Get(ctx, queueName, jobID)
	if err != nil {
		return nil, err
	}
	job.Status = StatusActive
	job.Attempt++
	job.UpdatedAtMs = now

	val, err := json.Marshal(job)
	if err != nil {
		return nil, s.qErr(queueName, err)
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(claimKey, nil); err != nil {
		return nil, s.qErr(queueName, err)
	}
	if err := b.Set(jobKey(queueName, job.ID), val, nil); err != nil {
		return nil, s.qErr(queueName, err)
	}
	if err := b.Set(activeKey(queueName, now+leaseMs, job.ID), nil, nil); err != nil {
		return nil, s.qErr(queueName, err)
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return nil, s.qErr(queueName, err)
	}
	return job, nil
}

// Complete marks an active job completed and drops its lease.
func (s *Store) Complete(ctx context.Context, job *Job) error {
	job.Status = StatusCompleted
	job.LastError = ""
	job.UpdatedAtMs = time.Now().UnixMilli()
	return s.settle(ctx, job, nil)
}

// Fail records a failure. While attempts remain the job goes back to waiting
// behind retryDelay; otherwise it lands in the terminal failed state.
func (s *Store) Fail(ctx context.Context, job *Job, cause error, retryDelay time.Duration) error {
	now := time.Now().UnixMilli()
	job.LastError = cause.Error()
	job.UpdatedAtMs = now
	if job.Attempt < job.MaxAttempts {
		job.Status = StatusWaiting
		job.NotBeforeMs = now + retryDelay.Milliseconds()
		return s.settle(ctx, job, waitingKey(job.Queue, job.NotBeforeMs, job.ID))
	}
	job.Status = StatusFailed
	return s.settle(ctx, job, nil)
}

// ForceFail moves a job to the terminal failed state regardless of remaining
// attempts. Used when shutdown cancels in-flight work.
func (s *Store) ForceFail(ctx context.Context, job *Job, cause error) error {
	job.Status = StatusFailed
	job.LastError = cause.Error()
	job.UpdatedAtMs = time.Now().UnixMilli()
	return s.settle(ctx, job, nil)
}

// Release returns a claimed job to waiting without consuming its attempt.
// Used when the job's unit lock is held by another in-flight job.
func (s *Store) Release(ctx context.Context, job *Job, delay time.Duration) error {
	now := time.Now().UnixMilli()
	if job.Attempt > 0 {
		job.Attempt--
	}
	job.Status = StatusWaiting
	job.NotBeforeMs = now + delay.Milliseconds()
	job.UpdatedAtMs = now
	return s.settle(ctx, job, waitingKey(job.Queue, job.NotBeforeMs, job.ID))
}

// settle rewrites the job row, removes its lease entry, and optionally adds
// a new waiting index entry, all in one batch.
func (s *Store) settle(ctx context.Context, job *Job, requeueKey []byte) error {
	leaseKey, err := s.findLease(job.Queue, job.ID)
	if err != nil {
		return err
	}
	val, err := json.Marshal(job)
	if err != nil {
		return s.qErr(job.Queue, err)
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(jobKey(job.Queue, job.ID), val, nil); err != nil {
		return s.qErr(job.Queue, err)
	}
	if leaseKey != nil {
		if err := b.Delete(leaseKey, nil); err != nil {
			return s.qErr(job.Queue, err)
		}
	}
	if requeueKey != nil {
		if err := b.Set(requeueKey, nil, nil); err != nil {
			return s.qErr(job.Queue, err)
		}
	}
	return s.qWrap(job.Queue, s.db.CommitBatch(ctx, b))
}

func (s *Store) qWrap(queue string, err error) error {
	if err == nil {
		return nil
	}
	return s.qErr(queue, err)
}

func (s *Store) findLease(queueName, jobID string) ([]byte, error) {
	iter, err := s.db.PrefixIter(activePrefix(queueName))
	if err != nil {
		return nil, s.qErr(queueName, err)
	}
	defer iter.Close()
	prefixLen := len(activePrefix(queueName))
	for ok := iter.First(); ok; ok = iter.Next() {
		key := iter.Key()
		if string(key[prefixLen+8:]) == jobID {
			return append([]byte(nil), key...), nil
		}
	}
	return nil, nil
}

// ReclaimExpired moves jobs whose lease lapsed back to waiting so work
// survives a worker crash. Returns the job ids it reclaimed.
func (s *Store) ReclaimExpired(ctx context.Context, queueName string) ([]string, error) {
	return s.reclaim(ctx, queueName, time.Now().UnixMilli())
}

// ReclaimAll re-parks every active job, whatever its lease says. Called once
// at startup: the process owns the database, so any lease found on boot
// belongs to a run that did not shut down cleanly.
func (s *Store) ReclaimAll(ctx context.Context, queueName string) ([]string, error) {
	return s.reclaim(ctx, queueName, int64(^uint64(0)>>1))
}

func (s *Store) reclaim(ctx context.Context, queueName string, cutoffMs int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	iter, err := s.db.PrefixIter(activePrefix(queueName))
	if err != nil {
		return nil, s.qErr(queueName, err)
	}
	prefixLen := len(activePrefix(queueName))
	type expired struct {
		key   []byte
		jobID string
	}
	var lapsed []expired
	for ok := iter.First(); ok; ok = iter.Next() {
		key := iter.Key()
		expires := int64(binary.BigEndian.Uint64(key[prefixLen : prefixLen+8]))
		if expires > cutoffMs {
			break // lease index is expiry-ordered
		}
		lapsed = append(lapsed, expired{
			key:   append([]byte(nil), key...),
			jobID: string(key[prefixLen+8:]),
		})
	}
	if cerr := iter.Close(); cerr != nil {
		return nil, s.qErr(queueName, cerr)
	}

	var reclaimed []string
	for _, e := range lapsed {
		job, err := s.Get(ctx, queueName, e.jobID)
		if err != nil {
			if errors.Is(err, ErrJobNotFound) {
				_ = s.db.Delete(e.key) // orphaned lease entry
				continue
			}
			return reclaimed, err
		}
		job.Status = StatusWaiting
		job.NotBeforeMs = now
		job.UpdatedAtMs = now

		val, err := json.Marshal(job)
		if err != nil {
			return reclaimed, s.qErr(queueName, err)
		}
		b := s.db.NewBatch()
		if err := b.Delete(e.key, nil); err != nil {
			b.Close()
			return reclaimed, s.qErr(queueName, err)
		}
		if err := b.Set(jobKey(queueName, job.ID), val, nil); err != nil {
			b.Close()
			return reclaimed, s.qErr(queueName, err)
		}
		if err := b.Set(waitingKey(queueName, job.NotBeforeMs, job.ID), nil, nil); err != nil {
			b.Close()
			return reclaimed, s.qErr(queueName, err)
		}
		if err := s.db.CommitBatch(ctx, b); err != nil {
			b.Close()
			return reclaimed, s.qErr(queueName, err)
		}
		b.Close()
		reclaimed = append(reclaimed, job.ID)
	}
	return reclaimed, nil
}

// QueueStats scans the queue's job rows and counts states.
func (s *Store) QueueStats(_ context.Context, queueName string) (Stats, error) {
	var st Stats
	iter, err := s.db.PrefixIter(jobPrefix(queueName))
	if err != nil {
		return st, s.qErr(queueName, err)
	}
	defer iter.Close()
	for ok := iter.First(); ok; ok = iter.Next() {
		var job Job
		if err := json.Unmarshal(iter.Value(), &job); err != nil {
			return st, s.qErr(queueName, err)
		}
		switch job.Status {
		case StatusWaiting:
			st.Waiting++
		case StatusActive:
			st.Active++
		case StatusCompleted:
			st.Completed++
		case StatusFailed:
			st.Failed++
		}
	}
	return st, nil
}
