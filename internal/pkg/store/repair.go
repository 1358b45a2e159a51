package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// Keys whose cache copy a write could not reach are listed in a durable set.
// Until the list is cleared against the cache, the cache may serve a value
// the durable tier has already replaced or deleted.
const (
	repairKey = "store:cache-repair"
	// repairTTL outlives every record written through the store.
	repairTTL = 45 * 24 * time.Hour
	// repairInterval bounds how long marks left by other instances go unseen.
	repairInterval = 5 * time.Second
)

type cacheRepair struct {
	mu sync.Mutex
	// marked counts marks made here; repaired is the count the last
	// complete pass covered.
	marked   atomic.Uint64
	repaired atomic.Uint64
	// peers is when to look for marks left by other instances.
	peers atomic.Int64
	// backoff holds passes off after the list could not be read.
	backoff atomic.Int64
}

func (r *cacheRepair) due(now time.Time) bool {
	at := now.UnixNano()
	if at < r.backoff.Load() {
		return false
	}
	return r.marked.Load() != r.repaired.Load() || at >= r.peers.Load()
}

// markStale records that the cache copy of keys may be outdated. A write that
// missed the cache is only reported as done once this succeeds.
func (s *DualStore) markStale(ctx context.Context, keys ...string) error {
	dctx, cancel := s.bound(ctx)
	defer cancel()
	for _, key := range keys {
		mark := key + "#" + ulid.Make().String()
		if err := s.durable.AddMember(dctx, repairKey, mark, repairTTL); err != nil {
			return fmt.Errorf("mark %s stale: %w", key, err)
		}
	}
	s.repair.marked.Add(1)
	return nil
}

// repairCache drops every cache copy on the repair list before the caller
// touches the cache. Failures are logged; the caller goes ahead and the pass
// runs again on the next operation.
func (s *DualStore) repairCache(ctx context.Context) {
	if !s.repair.due(time.Now()) {
		return
	}

	s.repair.mu.Lock()
	defer s.repair.mu.Unlock()
	if !s.repair.due(time.Now()) {
		return
	}

	gen := s.repair.marked.Load()
	dctx, cancel := s.bound(ctx)
	marks, err := s.durable.Members(dctx, repairKey)
	cancel()
	if err != nil && !errors.Is(err, ErrMiss) {
		// The list is unreadable; reads go on serving the cache.
		s.logger.Warn("cache repair list unavailable", zap.Error(err))
		s.repair.backoff.Store(time.Now().Add(repairInterval).UnixNano())
		return
	}

	for _, mark := range marks {
		key := markedKey(mark)
		err := s.mirror.do(ctx, "repair", key, func(ctx context.Context) error {
			if err := s.cache.Del(ctx, key); err != nil {
				return err
			}
			return s.durable.RemoveMember(ctx, repairKey, mark)
		})
		if err != nil {
			s.logger.Warn("cache repair incomplete", zap.String("key", key), zap.Error(err))
			return
		}
		s.logger.Info("stale cache entry dropped", zap.String("key", key))
	}

	s.repair.repaired.Store(gen)
	s.repair.peers.Store(time.Now().Add(repairInterval).UnixNano())
}

func markedKey(mark string) string {
	if i := strings.LastIndexByte(mark, '#'); i >= 0 {
		return mark[:i]
	}
	return mark
}
