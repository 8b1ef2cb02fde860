package adapter

import (
	"context"
	"errors"
	"time"
)

var ErrLockHeld = errors.New("lock held by another owner")

// Locker is a distributed mutual-exclusion primitive for background jobs.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, err error)
	Unlock(ctx context.Context, key, token string) error
}
