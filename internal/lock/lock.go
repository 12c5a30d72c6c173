// Package lock guards a batch run against overlapping invocations.
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrLocked is returned when another holder owns the lock.
var ErrLocked = errors.New("lock is held")

// Release frees a lock acquired with TryLock.
type Release func(ctx context.Context) error

// Locker acquires a named run lock without blocking.
type Locker interface {
	TryLock(ctx context.Context) (Release, error)
}

// Local is an in-process Locker for single-instance deployments.
type Local struct {
	mu sync.Mutex
}

// NewLocal creates an unlocked Local.
func NewLocal() *Local {
	return &Local{}
}

// TryLock acquires the lock or returns ErrLocked.
func (l *Local) TryLock(_ context.Context) (Release, error) {
	if !l.mu.TryLock() {
		return nil, ErrLocked
	}
	var once sync.Once
	return func(context.Context) error {
		once.Do(l.mu.Unlock)
		return nil
	}, nil
}
