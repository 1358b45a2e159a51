// Package storetest builds a DualStore over two in-memory Redis servers, one
// standing in for each tier, with a clock that moves both servers' TTLs.
package storetest

import (
	"sync"
	"testing"
	"time"

	"storefront-service/internal/pkg/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"
)

type Env struct {
	Store   *store.DualStore
	Cache   *miniredis.Miniredis
	Durable *miniredis.Miniredis

	mu  sync.Mutex
	now time.Time
}

func New(t *testing.T) *Env {
	t.Helper()

	env := &Env{
		Cache:   miniredis.RunT(t),
		Durable: miniredis.RunT(t),
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	env.Store = store.NewDualStore(
		store.NewRedisBackend(redis.NewClient(&redis.Options{Addr: env.Cache.Addr(), MaxRetries: -1})),
		store.NewRedisBackend(redis.NewClient(&redis.Options{Addr: env.Durable.Addr(), MaxRetries: -1})),
		store.Options{OpTimeout: time.Second, MirrorWorkers: 2, MirrorQueue: 256, Logger: zaptest.NewLogger(t)},
	)
	t.Cleanup(env.Store.Close)

	return env
}

// Now is the test clock; pass it as a component's Now.
func (e *Env) Now() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

// Advance moves the clock and both servers' TTLs forward by d. Pending
// mirror writes are applied first so the tiers age together.
func (e *Env) Advance(t *testing.T, d time.Duration) {
	t.Helper()
	e.Flush(t)

	e.mu.Lock()
	e.now = e.now.Add(d)
	e.mu.Unlock()

	e.Cache.FastForward(d)
	e.Durable.FastForward(d)
}

func (e *Env) Flush(t *testing.T) {
	t.Helper()
	if err := e.Store.Flush(t.Context()); err != nil {
		t.Fatalf("flush store: %v", err)
	}
}

// LoseCache empties the cache tier, as after a restart.
func (e *Env) LoseCache(t *testing.T) {
	t.Helper()
	e.Flush(t)
	e.Cache.FlushAll()
}
