// Package lock serializes work on a single survey session.
//
// Every step of a session runs under its lock so concurrent submissions for
// the same session are applied one after another. LocalLocker covers a single
// process; RedisLocker covers several replicas sharing one database.
package lock

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotAcquired is returned when the lock could not be taken before the
	// context expired.
	ErrNotAcquired = errors.New("lock not acquired")
	// ErrEmptyKey is returned for a blank lock key.
	ErrEmptyKey = errors.New("lock key cannot be empty")
)

// DefaultWait bounds how long Acquire waits when the caller's context has no deadline.
const DefaultWait = 10 * time.Second

// Release gives the lock back. Calling it more than once is a no-op.
type Release func()

// Locker grants exclusive access to a key.
type Locker interface {
	// Acquire blocks until the key is held or ctx is done.
	Acquire(ctx context.Context, key string) (Release, error)
}

func withDefaultWait(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, DefaultWait)
}
