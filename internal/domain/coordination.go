// internal/domain/coordination.go
package domain

import (
	"context"
	"errors"
)

// ErrLockNotAcquired is returned when another process already holds the named lock.
var ErrLockNotAcquired = errors.New("lock not acquired")

// Lock is a held cluster-wide lock.
type Lock interface {
	Unlock(ctx context.Context) error
}

// Locker hands out named cluster-wide locks without blocking on contention.
type Locker interface {
	TryLock(ctx context.Context, name string) (Lock, error)
}

// LeaderElectionManager elects the single node that runs periodic sweeps.
type LeaderElectionManager interface {
	// Campaign blocks until leadership is won. The returned channel is closed
	// when leadership is lost.
	Campaign(ctx context.Context) (<-chan struct{}, error)
	Resign(ctx context.Context) error
	IsLeader() bool
}
