package queue

import "sync"

// unitLocks serializes job execution per unit name across worker slots and
// across queues. This is independent of the scheduler's skip-on-overlap
// rule: jobs can also arrive from non-scheduler triggers such as manual
// uploads, and those must serialize too.
type unitLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newUnitLocks() *unitLocks {
	return &unitLocks{held: make(map[string]struct{})}
}

// tryAcquire takes the unit's lock if free. Jobs with an empty unit name
// are unconstrained.
func (u *unitLocks) tryAcquire(unit string) bool {
	if unit == "" {
		return true
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.held[unit]; ok {
		return false
	}
	u.held[unit] = struct{}{}
	return true
}

func (u *unitLocks) release(unit string) {
	if unit == "" {
		return
	}
	u.mu.Lock()
	delete(u.held, unit)
	u.mu.Unlock()
}
