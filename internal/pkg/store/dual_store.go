package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"storefront-service/internal/metrics"
	xerrors "storefront-service/internal/pkg/errors"

	"go.uber.org/zap"
)

type Options struct {
	// OpTimeout bounds every call to either tier.
	OpTimeout time.Duration
	// MirrorWorkers and MirrorQueue size the durable write queue.
	MirrorWorkers int
	MirrorQueue   int
	Logger        *zap.Logger
	Metrics       metrics.Recorder
}

func (o *Options) defaults() {
	if o.OpTimeout <= 0 {
		o.OpTimeout = 5 * time.Second
	}
	if o.MirrorWorkers <= 0 {
		o.MirrorWorkers = 8
	}
	if o.MirrorQueue <= 0 {
		o.MirrorQueue = 1024
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	o.Metrics = metrics.OrNop(o.Metrics)
}

// DualStore is the cache-first, durable-fallback store every auth component
// reads and writes through. A miss returns ErrMiss; a failure of every
// reachable tier returns an error wrapping xerrors.ErrTransientBackend.
//
// A write the cache could not take is listed for repair, and the listed
// cache entries are dropped before the cache is read again, so a recovered
// cache never serves a value the durable tier has replaced or deleted.
type DualStore struct {
	cache   Backend
	durable Backend
	opts    Options
	logger  *zap.Logger
	metrics metrics.Recorder
	mirror  *mirror
	repair  cacheRepair
}

func NewDualStore(cache, durable Backend, opts Options) *DualStore {
	opts.defaults()
	logger := opts.Logger.Named("store")
	return &DualStore{
		cache:   cache,
		durable: durable,
		opts:    opts,
		logger:  logger,
		metrics: opts.Metrics,
		mirror:  newMirror(opts.MirrorWorkers, opts.MirrorQueue, opts.OpTimeout, logger, opts.Metrics),
	}
}

// Flush waits until all queued durable writes have been applied.
func (s *DualStore) Flush(ctx context.Context) error {
	return s.mirror.flush(ctx)
}

// Close drains the mirror queue and stops its workers. Backends are owned by
// the caller and stay open.
func (s *DualStore) Close() {
	s.mirror.close()
}

func (s *DualStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, _, err := s.get(ctx, key)
	return value, err
}

// GetJSON decodes the value at key into dst.
func (s *DualStore) GetJSON(ctx context.Context, key string, dst any) error {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (s *DualStore) get(ctx context.Context, key string) ([]byte, time.Duration, error) {
	s.repairCache(ctx)
	cctx, cancel := s.bound(ctx)
	value, ttl, err := s.cache.Get(cctx, key)
	cancel()
	switch {
	case err == nil:
		return value, ttl, nil
	case errors.Is(err, ErrMiss):
		return s.readThrough(ctx, key)
	}

	s.degraded(s.cache, "get", key, err)
	err = s.mirror.do(ctx, "get", key, func(ctx context.Context) error {
		var derr error
		value, ttl, derr = s.durable.Get(ctx, key)
		return derr
	})
	if err == nil || errors.Is(err, ErrMiss) {
		return value, ttl, err
	}
	return nil, 0, s.fatal("get", key, err)
}

// readThrough serves a cache miss from the durable tier and repopulates the
// cache. SetNX keeps a newer cache write from being overwritten.
func (s *DualStore) readThrough(ctx context.Context, key string) ([]byte, time.Duration, error) {
	dctx, cancel := s.bound(ctx)
	value, ttl, err := s.durable.Get(dctx, key)
	cancel()
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			s.degraded(s.durable, "get", key, err)
		}
		return nil, 0, ErrMiss
	}

	cctx, cancel := s.bound(ctx)
	defer cancel()
	if _, err := s.cache.SetNX(cctx, key, value, ttl); err != nil {
		s.logger.Warn("cache repopulation failed", zap.String("key", key), zap.Error(err))
	} else {
		s.logger.Debug("cache repopulated from durable tier", zap.String("key", key), zap.Duration("ttl", ttl))
	}
	return value, ttl, nil
}

func (s *DualStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.repairCache(ctx)
	cctx, cancel := s.bound(ctx)
	err := s.cache.Set(cctx, key, value, ttl)
	cancel()
	if err == nil {
		s.mirrorSet(key, value, ttl)
		return nil
	}

	s.degraded(s.cache, "set", key, err)
	if err := s.mirror.do(ctx, "set", key, func(ctx context.Context) error {
		return s.durable.Set(ctx, key, value, ttl)
	}); err != nil {
		return s.fatal("set", key, err)
	}
	if err := s.markStale(ctx, key); err != nil {
		return s.fatal("set", key, err)
	}
	return nil
}

// SetJSON encodes value and stores it at key.
func (s *DualStore) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, key, raw, ttl)
}

// SetNX writes value only when key is absent from both tiers. A cache that
// lost a live key is healed from the durable copy and the write is refused.
func (s *DualStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.repairCache(ctx)
	cctx, cancel := s.bound(ctx)
	ok, err := s.cache.SetNX(cctx, key, value, ttl)
	cancel()
	if err != nil {
		s.degraded(s.cache, "setnx", key, err)
		err = s.mirror.do(ctx, "setnx", key, func(ctx context.Context) error {
			var derr error
			ok, derr = s.durable.SetNX(ctx, key, value, ttl)
			return derr
		})
		if err != nil {
			return false, s.fatal("setnx", key, err)
		}
		if ok {
			if err := s.markStale(ctx, key); err != nil {
				return false, s.fatal("setnx", key, err)
			}
		}
		return ok, nil
	}
	if !ok {
		return false, nil
	}

	var (
		durableOK bool
		existing  []byte
		remaining time.Duration
	)
	err = s.mirror.do(ctx, "setnx", key, func(ctx context.Context) error {
		var err error
		durableOK, err = s.durable.SetNX(ctx, key, value, ttl)
		if err != nil || durableOK {
			return err
		}
		existing, remaining, err = s.durable.Get(ctx, key)
		return err
	})
	switch {
	case err != nil && errors.Is(err, ErrMiss):
		// Expired between the two durable calls.
		return true, nil
	case err != nil:
		s.degraded(s.durable, "setnx", key, err)
		return true, nil
	case durableOK:
		return true, nil
	}

	cctx, cancel = s.bound(ctx)
	defer cancel()
	if err := s.cache.Set(cctx, key, existing, remaining); err != nil {
		s.logger.Warn("cache heal failed", zap.String("key", key), zap.Error(err))
	}
	return false, nil
}

// Del removes keys from both tiers. The durable delete completes before the
// cache entry goes, so a concurrent cache miss cannot resurrect the key.
// A durable copy left behind would come back through a later cache miss, so
// a failed durable delete fails the call. A cache copy left behind is listed
// for repair.
func (s *DualStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	s.repairCache(ctx)

	var durableErr error
	for _, key := range keys {
		err := s.mirror.do(ctx, "del", key, func(ctx context.Context) error {
			return s.durable.Del(ctx, key)
		})
		if err != nil {
			s.degraded(s.durable, "del", key, err)
			durableErr = errors.Join(durableErr, err)
		}
	}

	cctx, cancel := s.bound(ctx)
	cacheErr := s.cache.Del(cctx, keys...)
	cancel()
	if cacheErr != nil {
		s.degraded(s.cache, "del", keys[0], cacheErr)
		if durableErr == nil {
			if err := s.markStale(ctx, keys...); err != nil {
				return s.fatal("del", keys[0], errors.Join(cacheErr, err))
			}
		}
	}
	if durableErr != nil {
		return s.fatal("del", keys[0], errors.Join(cacheErr, durableErr))
	}
	return nil
}

// Incr atomically counts one event in the window that starts with the first
// increment and lasts ttl.
func (s *DualStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	s.repairCache(ctx)
	cctx, cancel := s.bound(ctx)
	n, remaining, err := s.cache.IncrBy(cctx, key, 1, ttl)
	cancel()
	if err != nil {
		s.degraded(s.cache, "incr", key, err)
		err = s.mirror.do(ctx, "incr", key, func(ctx context.Context) error {
			var derr error
			n, remaining, derr = s.durable.IncrBy(ctx, key, 1, ttl)
			return derr
		})
		if err != nil {
			return 0, 0, s.fatal("incr", key, err)
		}
		if err := s.markStale(ctx, key); err != nil {
			return 0, 0, s.fatal("incr", key, err)
		}
		return n, remaining, nil
	}

	if n == 1 {
		n, remaining = s.seedCounter(ctx, key, n, remaining)
	}

	s.mirror.submit("incr", key, func(ctx context.Context) error {
		_, _, err := s.durable.IncrBy(ctx, key, 1, ttl)
		return err
	})
	return n, remaining, nil
}

// seedCounter carries a live durable count into a fresh cache counter, so a
// cache restart does not reset an open window.
func (s *DualStore) seedCounter(ctx context.Context, key string, n int64, remaining time.Duration) (int64, time.Duration) {
	dctx, cancel := s.bound(ctx)
	raw, durableTTL, err := s.durable.Get(dctx, key)
	cancel()
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			s.degraded(s.durable, "incr", key, err)
		}
		return n, remaining
	}
	prior, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || prior <= 0 {
		return n, remaining
	}

	cctx, cancel := s.bound(ctx)
	defer cancel()
	total, _, err := s.cache.IncrBy(cctx, key, prior, 0)
	if err != nil {
		s.logger.Warn("counter seed failed", zap.String("key", key), zap.Error(err))
		return n, remaining
	}
	if durableTTL > 0 {
		if err := s.cache.Expire(cctx, key, durableTTL); err == nil {
			remaining = durableTTL
		}
	}
	return total, remaining
}

// Count returns the current value of a counter, zero when absent.
func (s *DualStore) Count(ctx context.Context, key string) (int64, time.Duration, error) {
	raw, ttl, err := s.get(ctx, key)
	if errors.Is(err, ErrMiss) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("counter %s: %w", key, err)
	}
	return n, ttl, nil
}

// TTL returns the remaining lifetime of key, or ErrMiss.
func (s *DualStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	s.repairCache(ctx)
	cctx, cancel := s.bound(ctx)
	ttl, err := s.cache.TTL(cctx, key)
	cancel()
	if err == nil {
		return ttl, nil
	}
	if errors.Is(err, ErrMiss) {
		dctx, cancel := s.bound(ctx)
		defer cancel()
		ttl, err = s.durable.TTL(dctx, key)
		if err != nil && !errors.Is(err, ErrMiss) {
			s.degraded(s.durable, "ttl", key, err)
			return 0, ErrMiss
		}
		return ttl, err
	}

	s.degraded(s.cache, "ttl", key, err)
	err = s.mirror.do(ctx, "ttl", key, func(ctx context.Context) error {
		var derr error
		ttl, derr = s.durable.TTL(ctx, key)
		return derr
	})
	if err == nil || errors.Is(err, ErrMiss) {
		return ttl, err
	}
	return 0, s.fatal("ttl", key, err)
}

func (s *DualStore) AddMember(ctx context.Context, key, member string, ttl time.Duration) error {
	s.repairCache(ctx)
	cctx, cancel := s.bound(ctx)
	err := s.cache.AddMember(cctx, key, member, ttl)
	cancel()
	if err == nil {
		s.mirror.submit("sadd", key, func(ctx context.Context) error {
			return s.durable.AddMember(ctx, key, member, ttl)
		})
		return nil
	}

	s.degraded(s.cache, "sadd", key, err)
	if err := s.mirror.do(ctx, "sadd", key, func(ctx context.Context) error {
		return s.durable.AddMember(ctx, key, member, ttl)
	}); err != nil {
		return s.fatal("sadd", key, err)
	}
	if err := s.markStale(ctx, key); err != nil {
		return s.fatal("sadd", key, err)
	}
	return nil
}

// Members lists the set at key. An empty or missing set is not an error.
func (s *DualStore) Members(ctx context.Context, key string) ([]string, error) {
	s.repairCache(ctx)
	cctx, cancel := s.bound(ctx)
	members, err := s.cache.Members(cctx, key)
	cancel()
	switch {
	case err == nil:
		return members, nil
	case errors.Is(err, ErrMiss):
		return s.membersThrough(ctx, key), nil
	}

	s.degraded(s.cache, "smembers", key, err)
	err = s.mirror.do(ctx, "smembers", key, func(ctx context.Context) error {
		var derr error
		members, derr = s.durable.Members(ctx, key)
		return derr
	})
	if errors.Is(err, ErrMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, s.fatal("smembers", key, err)
	}
	return members, nil
}

func (s *DualStore) membersThrough(ctx context.Context, key string) []string {
	dctx, cancel := s.bound(ctx)
	members, err := s.durable.Members(dctx, key)
	var ttl time.Duration
	if err == nil {
		ttl, err = s.durable.TTL(dctx, key)
	}
	cancel()
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			s.degraded(s.durable, "smembers", key, err)
		}
		return nil
	}

	cctx, cancel := s.bound(ctx)
	defer cancel()
	for _, member := range members {
		if err := s.cache.AddMember(cctx, key, member, ttl); err != nil {
			s.logger.Warn("cache repopulation failed", zap.String("key", key), zap.Error(err))
			break
		}
	}
	return members
}

func (s *DualStore) RemoveMember(ctx context.Context, key, member string) error {
	s.repairCache(ctx)
	cctx, cancel := s.bound(ctx)
	err := s.cache.RemoveMember(cctx, key, member)
	cancel()
	if err == nil {
		s.mirror.submit("srem", key, func(ctx context.Context) error {
			return s.durable.RemoveMember(ctx, key, member)
		})
		return nil
	}

	s.degraded(s.cache, "srem", key, err)
	if err := s.mirror.do(ctx, "srem", key, func(ctx context.Context) error {
		return s.durable.RemoveMember(ctx, key, member)
	}); err != nil {
		return s.fatal("srem", key, err)
	}
	if err := s.markStale(ctx, key); err != nil {
		return s.fatal("srem", key, err)
	}
	return nil
}

// CompareAndSwap replaces the value at key with value only while it still
// holds old, and reports whether it did. A key gone from both tiers returns
// ErrMiss, so a record deleted mid-update is not written back.
func (s *DualStore) CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error) {
	s.repairCache(ctx)
	cctx, cancel := s.bound(ctx)
	swapped, err := s.cache.CompareAndSwap(cctx, key, old, value, ttl)
	cancel()
	switch {
	case err == nil:
		if swapped {
			s.mirrorSwap(key, old, value, ttl)
		}
		return swapped, nil
	case errors.Is(err, ErrMiss):
		// The cache lost the key; the durable copy decides.
		err = s.mirror.do(ctx, "cas", key, func(ctx context.Context) error {
			var derr error
			swapped, derr = s.durable.CompareAndSwap(ctx, key, old, value, ttl)
			return derr
		})
		if err != nil && !errors.Is(err, ErrMiss) {
			s.degraded(s.durable, "cas", key, err)
			return false, ErrMiss
		}
		return swapped, err
	}

	s.degraded(s.cache, "cas", key, err)
	err = s.mirror.do(ctx, "cas", key, func(ctx context.Context) error {
		var derr error
		swapped, derr = s.durable.CompareAndSwap(ctx, key, old, value, ttl)
		return derr
	})
	if errors.Is(err, ErrMiss) {
		return false, ErrMiss
	}
	if err != nil {
		return false, s.fatal("cas", key, err)
	}
	if swapped {
		if err := s.markStale(ctx, key); err != nil {
			return false, s.fatal("cas", key, err)
		}
	}
	return swapped, nil
}

// mirrorSwap carries a cache swap to the durable tier. A durable copy that
// is gone stays gone; one that missed an earlier write is overwritten.
func (s *DualStore) mirrorSwap(key string, old, value []byte, ttl time.Duration) {
	var deadline time.Time
	if ttl > 0 {
		deadline = time.Now().Add(ttl)
	}
	s.mirror.submit("cas", key, func(ctx context.Context) error {
		remaining := ttl
		if !deadline.IsZero() {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return s.durable.Del(ctx, key)
			}
		}
		swapped, err := s.durable.CompareAndSwap(ctx, key, old, value, remaining)
		switch {
		case errors.Is(err, ErrMiss):
			return nil
		case err != nil || swapped:
			return err
		}
		return s.durable.Set(ctx, key, value, remaining)
	})
}

// mirrorSet replays a cache write on the durable tier with the same absolute
// deadline, however long it waited in the queue.
func (s *DualStore) mirrorSet(key string, value []byte, ttl time.Duration) {
	var deadline time.Time
	if ttl > 0 {
		deadline = time.Now().Add(ttl)
	}
	s.mirror.submit("set", key, func(ctx context.Context) error {
		remaining := ttl
		if !deadline.IsZero() {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return s.durable.Del(ctx, key)
			}
		}
		return s.durable.Set(ctx, key, value, remaining)
	})
}

func (s *DualStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.OpTimeout)
}

func (s *DualStore) degraded(failed Backend, op, key string, err error) {
	s.logger.Warn("store tier unavailable, degrading",
		zap.String("tier", failed.Name()),
		zap.String("op", op),
		zap.String("key", key),
		zap.Error(err),
	)
	s.metrics.StoreDegraded(failed.Name(), op)
}

func (s *DualStore) fatal(op, key string, err error) error {
	s.logger.Error("no store tier reachable",
		zap.String("op", op),
		zap.String("key", key),
		zap.Error(err),
	)
	return xerrors.Transient("store "+op, err)
}
