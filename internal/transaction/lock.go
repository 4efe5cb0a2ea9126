package transaction

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// LockMode selects how Begin serializes transactions on one context.
type LockMode int

const (
	// Exclusive blocks until every other exclusive transaction on the context
	// has finished. Waiters are served in FIFO order.
	Exclusive LockMode = iota
	// Optimistic takes no lock; commit-time conflict detection closes the window.
	Optimistic
)

// String returns the mode name.
func (m LockMode) String() string {
	if m == Optimistic {
		return "optimistic"
	}
	return "exclusive"
}

// Lock is the per-context binary semaphore behind exclusive transactions.
//
// Acquire is cancellable: a cancelled wait never leaves the lock held.
type Lock struct {
	sem *semaphore.Weighted
}

// NewLock creates an unheld lock.
func NewLock() *Lock {
	return &Lock{sem: semaphore.NewWeighted(1)}
}

// Acquire blocks until the lock is held or ctx is done.
func (l *Lock) Acquire(ctx context.Context) error {
	return l.sem.Acquire(ctx, 1)
}

// TryAcquire takes the lock if it is free.
func (l *Lock) TryAcquire() bool {
	return l.sem.TryAcquire(1)
}

// Release frees the lock. Must be called exactly once per successful acquire.
func (l *Lock) Release() {
	l.sem.Release(1)
}
