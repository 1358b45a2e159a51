package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"storefront-service/internal/db"
	"storefront-service/internal/pkg/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// newLiveRepo runs against the database in TEST_DATABASE_URL and skips when
// none is reachable.
func newLiveRepo(t *testing.T) (*KVRepository, *testClock) {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	pool, err := db.ConnectDB(db.PostgresConfig{URL: url})
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	t.Cleanup(pool.Close)

	require.NoError(t, db.RunMigrations(url))
	_, err = pool.Exec(context.Background(), `TRUNCATE auth_kv, auth_kv_members`)
	require.NoError(t, err)

	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return newKVRepository(pool, clock.Now), clock
}

func TestLiveSetNXTakesOverExpiredRow(t *testing.T) {
	repo, clock := newLiveRepo(t)
	ctx := context.Background()

	ok, err := repo.SetNX(ctx, "k", []byte("first"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.SetNX(ctx, "k", []byte("second"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(2 * time.Minute)
	ok, err = repo.SetNX(ctx, "k", []byte("third"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	value, ttl, err := repo.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("third"), value)
	assert.Equal(t, time.Minute, ttl)
}

func TestLiveIncrByResetsExpiredWindow(t *testing.T) {
	repo, clock := newLiveRepo(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		n, ttl, err := repo.IncrBy(ctx, "counter", 1, 15*time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, n)
		assert.Equal(t, 15*time.Minute, ttl)
	}

	clock.Advance(5 * time.Minute)
	_, ttl, err := repo.IncrBy(ctx, "counter", 1, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, ttl)

	clock.Advance(11 * time.Minute)
	n, ttl, err := repo.IncrBy(ctx, "counter", 1, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 15*time.Minute, ttl)
}

func TestLiveMemberSets(t *testing.T) {
	repo, clock := newLiveRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.AddMember(ctx, "s", "a", time.Hour))
	require.NoError(t, repo.AddMember(ctx, "s", "a", time.Minute))
	require.NoError(t, repo.AddMember(ctx, "s", "b", time.Minute))

	ttl, err := repo.TTL(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, ttl)

	clock.Advance(2 * time.Minute)
	members, err := repo.Members(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, members)

	require.NoError(t, repo.AddMember(ctx, "s", "c", 0))
	ttl, err = repo.TTL(ctx, "s")
	require.NoError(t, err)
	assert.Zero(t, ttl)

	require.NoError(t, repo.Del(ctx, "s"))
	_, err = repo.Members(ctx, "s")
	assert.ErrorIs(t, err, store.ErrMiss)
	_, err = repo.TTL(ctx, "s")
	assert.ErrorIs(t, err, store.ErrMiss)
}

func TestLiveCompareAndSwap(t *testing.T) {
	repo, clock := newLiveRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Set(ctx, "k", []byte("v1"), time.Minute))

	ok, err := repo.CompareAndSwap(ctx, "k", []byte("v1"), []byte("v2"), time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.CompareAndSwap(ctx, "k", []byte("v1"), []byte("v3"), time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	value, ttl, err := repo.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), value)
	assert.Equal(t, time.Hour, ttl)

	clock.Advance(2 * time.Hour)
	_, err = repo.CompareAndSwap(ctx, "k", []byte("v2"), []byte("v4"), time.Hour)
	assert.ErrorIs(t, err, store.ErrMiss)

	require.NoError(t, repo.Set(ctx, "k", []byte("v1"), 0))
	require.NoError(t, repo.Del(ctx, "k"))
	_, err = repo.CompareAndSwap(ctx, "k", []byte("v1"), []byte("v2"), time.Hour)
	assert.ErrorIs(t, err, store.ErrMiss)
}
