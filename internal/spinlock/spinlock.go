// Package spinlock implements the non-reentrant, 1-second-poll mutex spec
// section 4.13 requires for the lease-update critical section and the
// transaction queue's single-slot processing lock. A plain sync.Mutex
// would serve the same purpose, but the spec calls out spin-with-poll
// explicitly (so a blocked context.Context can still observe cancellation
// between polls, unlike a blocking mutex acquire) - this package is the
// literal reading of that requirement.
package spinlock

import (
	"context"
	"sync/atomic"
	"time"
)

// PollInterval is the fixed spin cadence (spec section 4.13: "Acquirers
// spin with a 1-second poll").
const PollInterval = time.Second

// Mutex is a non-reentrant spin-lock. The zero value is unlocked.
type Mutex struct {
	locked atomic.Bool
}

// Lock blocks, polling every PollInterval, until the lock is acquired or
// ctx is cancelled.
func (m *Mutex) Lock(ctx context.Context) error {
	if m.locked.CompareAndSwap(false, true) {
		return nil
	}
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if m.locked.CompareAndSwap(false, true) {
				return nil
			}
		}
	}
}

// TryLock attempts to acquire the lock without blocking.
func (m *Mutex) TryLock() bool {
	return m.locked.CompareAndSwap(false, true)
}

// Unlock releases the lock. Unlocking an already-unlocked Mutex is a
// no-op, not a panic - callers that defer Unlock after a failed Lock
// (ctx cancelled) must not call it, since Lock guarantees the lock is
// only held on a nil error return.
func (m *Mutex) Unlock() {
	m.locked.Store(false)
}
