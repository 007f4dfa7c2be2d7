// Package runlock provides a time-bounded mutual-exclusion marker per operation kind.
//
// A lock moves Idle -> Running on an atomic set-if-absent with TTL and back to Idle
// when the holder releases it or the TTL expires. Release only deletes the key when
// the caller still owns it, so a holder whose TTL lapsed cannot free a successor's lock.
package runlock

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrLocked is returned by Do when another holder owns the key.
	ErrLocked = errors.New("runlock: already running")
	// ErrNotHeld is returned by Unlock when the key expired or belongs to another holder.
	ErrNotHeld = errors.New("runlock: lock not held")
)

// DefaultTTL bounds how long a crashed holder can keep an operation blocked.
const DefaultTTL = 300 * time.Second

// Locker is the key-value capability the lock needs.
type Locker interface {
	TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key, token string) error
	Locked(ctx context.Context, key string) (bool, error)
}

// Do runs fn while holding key. The lock is released after fn returns, including
// when fn fails or panics. Contention yields ErrLocked without calling fn.
// Release failures are logged to logger (log.Default when nil).
func Do(ctx context.Context, l Locker, key string, ttl time.Duration, logger *log.Logger, fn func(ctx context.Context) error) error {
	if l == nil {
		return fn(ctx)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	token := uuid.NewString()
	ok, err := l.TryLock(ctx, key, token, ttl)
	if err != nil {
		return fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return ErrLocked
	}
	defer func() {
		// release with a fresh context so a cancelled run still frees the key
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := l.Unlock(relCtx, key, token); err != nil {
			if logger == nil {
				logger = log.Default()
			}
			logger.Printf("warn: release %s: %v", key, err)
		}
	}()
	return fn(ctx)
}
