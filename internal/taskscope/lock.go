// Package taskscope implements the per-record task-scope key described in
// §5: "per-record concurrency is bounded to one by a task-scope key
// <kind>-<recordId>". It generalizes the teacher's single treasury-wide
// SetNX lock (internal/card.Service.AcquireTreasuryLock) into one lock per
// (kind, recordId) pair so unrelated records drive concurrently while two
// drivers racing the same record are serialised.
package taskscope

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agicash/walletcore/pkg/cache"
)

// ErrBusy is returned by Lock when another driver already holds the
// task-scope lock for this record.
var ErrBusy = errors.New("taskscope: lock held by another driver")

// DefaultTTL bounds how long a lock survives a crashed holder before it is
// safe for another driver to pick the record back up.
const DefaultTTL = 15 * time.Second

func lockKey(kind, recordID string) string {
	return fmt.Sprintf("taskscope:%s-%s", kind, recordID)
}

// Lock attempts to acquire the task-scope lock for (kind, recordID) and
// returns a release function. Callers should immediately defer the release
// function on success.
func Lock(ctx context.Context, kind, recordID string) (release func(), err error) {
	return LockTTL(ctx, kind, recordID, DefaultTTL)
}

// LockTTL is Lock with an explicit TTL, used by long-running drivers that
// need a longer lease than DefaultTTL.
func LockTTL(ctx context.Context, kind, recordID string, ttl time.Duration) (release func(), err error) {
	key := lockKey(kind, recordID)
	acquired, err := cache.SetNX(ctx, key, "1", ttl)
	if err != nil {
		return nil, fmt.Errorf("taskscope: acquire lock for %s: %w", key, err)
	}
	if !acquired {
		return nil, ErrBusy
	}
	return func() {
		_, _ = cache.Delete(context.Background(), key)
	}, nil
}

// WithLock runs fn while holding the task-scope lock for (kind, recordID),
// releasing it unconditionally afterward. Returns ErrBusy without calling fn
// if the lock could not be acquired.
func WithLock(ctx context.Context, kind, recordID string, fn func(ctx context.Context) error) error {
	release, err := Lock(ctx, kind, recordID)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}
