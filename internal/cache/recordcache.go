// Package cache implements the small abstract record-cache interface called
// for in §9: "the core treats the cache as a small abstract interface
// {fetch-with-stale-time, cancel, set}" — decoupled from any UI framework,
// backed here by the Redis client already used for task-scope locking.
package cache

import (
	"context"
	"fmt"
	"time"

	rediscache "github.com/agicash/walletcore/pkg/cache"
)

// Versioned is implemented by every quote/swap record so the cache can
// enforce §4.7/§5's replacement rule: "A fresh load from storage replaces
// optimistic cache entries only when incoming.version > cached.version."
type Versioned interface {
	RecordVersion() int64
}

type entry[T Versioned] struct {
	Value     T         `json:"value"`
	Version   int64     `json:"version"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// RecordCache is a version-gated, TTL-aware cache for a single record kind,
// keyed by record id.
type RecordCache[T Versioned] struct {
	kind string
}

func NewRecordCache[T Versioned](kind string) *RecordCache[T] {
	return &RecordCache[T]{kind: kind}
}

func (c *RecordCache[T]) key(id string) string {
	return fmt.Sprintf("recordcache:%s:%s", c.kind, id)
}

// Set stores value under id, but only if its version is strictly greater
// than whatever is currently cached (or nothing is cached yet). Returns
// whether the write happened.
func (c *RecordCache[T]) Set(ctx context.Context, id string, value T) (bool, error) {
	var current entry[T]
	found, err := rediscache.GetObject(ctx, c.key(id), &current)
	if err != nil {
		return false, err
	}
	if found && value.RecordVersion() <= current.Version {
		return false, nil
	}

	next := entry[T]{Value: value, Version: value.RecordVersion(), FetchedAt: now()}
	if err := rediscache.SetObject(ctx, c.key(id), next, 0); err != nil {
		return false, err
	}
	return true, nil
}

// FetchWithStaleTime returns the cached value for id if it was written
// within staleTTL; otherwise it invokes loader, caches the version-gated
// result, and returns that.
func (c *RecordCache[T]) FetchWithStaleTime(ctx context.Context, id string, staleTTL time.Duration, loader func(ctx context.Context) (T, error)) (T, error) {
	var current entry[T]
	found, err := rediscache.GetObject(ctx, c.key(id), &current)
	if err != nil {
		var zero T
		return zero, err
	}
	if found && now().Sub(current.FetchedAt) < staleTTL {
		return current.Value, nil
	}

	fresh, err := loader(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	if _, err := c.Set(ctx, id, fresh); err != nil {
		var zero T
		return zero, err
	}
	return fresh, nil
}

// Cancel removes the cached entry for id, e.g. on a change notification
// from the storage layer.
func (c *RecordCache[T]) Cancel(ctx context.Context, id string) error {
	_, err := rediscache.Delete(ctx, c.key(id))
	return err
}

func now() time.Time { return time.Now().UTC() }
