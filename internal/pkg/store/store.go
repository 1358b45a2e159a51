// Package store provides the two-tier key-value store the auth subsystem is
// built on: a fast expiring cache in front of a durable fallback.
//
// Read order is cache, then durable; a durable hit repopulates the cache with
// the remaining TTL. Writes go to the cache synchronously and are mirrored to
// the durable tier through an ordered per-key queue. When the cache is down
// every operation runs against the durable tier directly; when the durable
// tier is down the cache keeps serving. Both degradations are logged.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by a Backend when the key does not exist or has expired.
// It never indicates an outage.
var ErrMiss = errors.New("store: key not found")

// Backend is one tier. Any error other than ErrMiss means the tier is
// unreachable or failed.
type Backend interface {
	// Name identifies the tier in logs and metrics.
	Name() string

	// Get returns the value and its remaining time to live. A zero TTL means
	// the key does not expire.
	Get(ctx context.Context, key string) ([]byte, time.Duration, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX writes only when key is absent and reports whether it wrote.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// CompareAndSwap writes value only while key holds old and reports
	// whether it wrote. A missing key returns ErrMiss.
	CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error)
	// Del removes plain keys and member sets alike. Missing keys are not an error.
	Del(ctx context.Context, keys ...string) error
	// IncrBy atomically adds delta to a counter. The increment that creates
	// the key sets ttl; later increments keep the original expiry. It returns
	// the new count and the remaining time to live.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, time.Duration, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)

	// AddMember adds member to the set at key. The set lives at least ttl.
	AddMember(ctx context.Context, key, member string, ttl time.Duration) error
	// Members returns ErrMiss when the set is empty or gone.
	Members(ctx context.Context, key string) ([]string, error)
	RemoveMember(ctx context.Context, key, member string) error
}
