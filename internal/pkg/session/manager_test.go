package session

import (
	"context"
	"testing"
	"time"

	"storefront-service/internal/domain/auth"
	xerrors "storefront-service/internal/pkg/errors"
	"storefront-service/internal/pkg/fingerprint"
	"storefront-service/internal/pkg/store/storetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	laptop = auth.RequestContext{IPAddress: "10.0.0.1", UserAgent: "Mozilla/5.0 (X11; Linux x86_64) Firefox/128.0"}
	phone  = auth.RequestContext{IPAddress: "10.0.0.2", UserAgent: "Mozilla/5.0 (iPhone) Safari/17.0"}
)

func newTestManager(t *testing.T) (*Manager, *storetest.Env) {
	t.Helper()
	env := storetest.New(t)
	m := NewManager(env.Store, fingerprint.New("test-salt"), Config{
		TTL:             24 * time.Hour,
		RememberTTL:     7 * 24 * time.Hour,
		AbsoluteTTL:     30 * 24 * time.Hour,
		RefreshInterval: time.Minute,
		Now:             env.Now,
	}, zaptest.NewLogger(t), nil)
	return m, env
}

func TestCreateThenValidate(t *testing.T) {
	m, env := newTestManager(t)
	ctx := context.Background()

	s, err := m.Create(ctx, "user-1", laptop, CreateOptions{})
	require.NoError(t, err)

	assert.Len(t, s.ID, 43)
	assert.Equal(t, env.Now().Add(24*time.Hour), s.ExpiresAt)
	assert.False(t, s.RememberMe)

	got, err := m.Validate(ctx, s.ID, laptop)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
}

func TestCreateRememberMeUsesLongTTL(t *testing.T) {
	m, env := newTestManager(t)

	s, err := m.Create(context.Background(), "user-1", laptop, CreateOptions{RememberMe: true})
	require.NoError(t, err)
	assert.True(t, s.RememberMe)
	assert.Equal(t, env.Now().Add(7*24*time.Hour), s.ExpiresAt)
}

func TestCreateRejectsEmptyUser(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Create(context.Background(), "", laptop, CreateOptions{})
	assert.ErrorIs(t, err, xerrors.ErrInvalidInput)
}

func TestSessionIDsAreUnique(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		s, err := m.Create(ctx, "user-1", laptop, CreateOptions{})
		require.NoError(t, err)
		require.False(t, seen[s.ID])
		seen[s.ID] = true
	}
}

func TestValidateRejectsOtherDevice(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	s, err := m.Create(ctx, "user-1", laptop, CreateOptions{})
	require.NoError(t, err)

	_, err = m.Validate(ctx, s.ID, phone)
	assert.ErrorIs(t, err, xerrors.ErrFingerprintMismatch)

	sameIPOtherBrowser := auth.RequestContext{IPAddress: laptop.IPAddress, UserAgent: "curl/8.0"}
	_, err = m.Validate(ctx, s.ID, sameIPOtherBrowser)
	assert.ErrorIs(t, err, xerrors.ErrFingerprintMismatch)
}

func TestValidateUnknownSession(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Validate(context.Background(), "does-not-exist", laptop)
	assert.ErrorIs(t, err, xerrors.ErrNotFound)

	_, err = m.Validate(context.Background(), "", laptop)
	assert.ErrorIs(t, err, xerrors.ErrNotFound)
}

func TestValidateAfterExpiry(t *testing.T) {
	m, env := newTestManager(t)
	ctx := context.Background()

	s, err := m.Create(ctx, "user-1", laptop, CreateOptions{MaxAge: time.Hour})
	require.NoError(t, err)

	env.Advance(t, time.Hour+time.Second)

	_, err = m.Validate(ctx, s.ID, laptop)
	assert.ErrorIs(t, err, xerrors.ErrExpired)

	// Expired records are removed on first sight.
	_, err = m.Validate(ctx, s.ID, laptop)
	assert.ErrorIs(t, err, xerrors.ErrNotFound)

	env.Advance(t, time.Hour)
	_, err = m.Validate(ctx, s.ID, laptop)
	assert.Error(t, err)
}

func TestValidateSurvivesCacheLoss(t *testing.T) {
	m, env := newTestManager(t)
	ctx := context.Background()

	s, err := m.Create(ctx, "user-1", laptop, CreateOptions{})
	require.NoError(t, err)

	env.LoseCache(t)

	got, err := m.Validate(ctx, s.ID, laptop)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
	assert.True(t, env.Cache.Exists("session:"+s.ID))
}

func TestValidateDuringCacheOutage(t *testing.T) {
	m, env := newTestManager(t)
	ctx := context.Background()

	env.Cache.SetError("cache down")

	s, err := m.Create(ctx, "user-1", laptop, CreateOptions{})
	require.NoError(t, err)

	_, err = m.Validate(ctx, s.ID, laptop)
	require.NoError(t, err)
}

func TestValidateWithNoBackend(t *testing.T) {
	m, env := newTestManager(t)
	ctx := context.Background()

	s, err := m.Create(ctx, "user-1", laptop, CreateOptions{})
	require.NoError(t, err)
	env.Flush(t)

	env.Cache.SetError("cache down")
	env.Durable.SetError("durable down")

	_, err = m.Validate(ctx, s.ID, laptop)
	assert.ErrorIs(t, err, xerrors.ErrTransientBackend)
	assert.NotErrorIs(t, err, xerrors.ErrNotFound)
}

func TestRefreshSlidesForward(t *testing.T) {
	m, env := newTestManager(t)
	ctx := context.Background()

	s, err := m.Create(ctx, "user-1", laptop, CreateOptions{MaxAge: time.Hour})
	require.NoError(t, err)

	env.Advance(t, 30*time.Minute)

	next, err := m.Refresh(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, env.Now().Add(time.Hour), next)
	assert.True(t, next.After(s.ExpiresAt))

	// The old deadline passes, the refreshed one has not.
	env.Advance(t, 45*time.Minute)
	_, err = m.Validate(ctx, s.ID, laptop)
	require.NoError(t, err)
}

func TestRefreshNeverRegresses(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	s, err := m.Create(ctx, "user-1", laptop, CreateOptions{MaxAge: time.Hour})
	require.NoError(t, err)

	first, err := m.Refresh(ctx, s.ID)
	require.NoError(t, err)
	second, err := m.Refresh(ctx, s.ID)
	require.NoError(t, err)

	assert.Equal(t, s.ExpiresAt, first)
	assert.Equal(t, first, second)
}

func TestRefreshCappedAtAbsoluteLifetime(t *testing.T) {
	m, env := newTestManager(t)
	ctx := context.Background()

	s, err := m.Create(ctx, "user-1", laptop, CreateOptions{RememberMe: true})
	require.NoError(t, err)
	ceiling := s.CreatedAt.Add(30 * 24 * time.Hour)

	for i := 0; i < 4; i++ {
		env.Advance(t, 6*24*time.Hour)
		next, err := m.Refresh(ctx, s.ID)
		require.NoError(t, err)
		assert.False(t, next.After(ceiling))
	}

	got, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, ceiling.Equal(got.ExpiresAt))
}

func TestTouchThrottlesWrites(t *testing.T) {
	m, env := newTestManager(t)
	ctx := context.Background()

	s, err := m.Create(ctx, "user-1", laptop, CreateOptions{MaxAge: time.Hour})
	require.NoError(t, err)

	env.Advance(t, 30*time.Second)
	exp, err := m.Touch(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, s.ExpiresAt, exp)

	env.Advance(t, time.Minute)
	exp, err = m.Touch(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, env.Now().Add(time.Hour), exp)
}

func TestDestroySingle(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	a, err := m.Create(ctx, "user-1", laptop, CreateOptions{})
	require.NoError(t, err)
	b, err := m.Create(ctx, "user-1", phone, CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, m.Destroy(ctx, a.ID, false))

	_, err = m.Validate(ctx, a.ID, laptop)
	assert.ErrorIs(t, err, xerrors.ErrNotFound)
	_, err = m.Validate(ctx, b.ID, phone)
	assert.NoError(t, err)

	assert.NoError(t, m.Destroy(ctx, a.ID, false))
}

func TestDestroyAllDevices(t *testing.T) {
	m, env := newTestManager(t)
	ctx := context.Background()

	var ids []string
	for _, client := range []auth.RequestContext{laptop, phone, laptop} {
		s, err := m.Create(ctx, "user-1", client, CreateOptions{})
		require.NoError(t, err)
		ids = append(ids, s.ID)
	}
	other, err := m.Create(ctx, "user-2", laptop, CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, m.Destroy(ctx, ids[0], true))

	for _, id := range ids {
		_, err := m.Get(ctx, id)
		assert.ErrorIs(t, err, xerrors.ErrNotFound)
	}
	_, err = m.Validate(ctx, other.ID, laptop)
	assert.NoError(t, err)

	// Nothing resurrects from the durable tier.
	env.LoseCache(t)
	for _, id := range ids {
		_, err := m.Get(ctx, id)
		assert.ErrorIs(t, err, xerrors.ErrNotFound)
	}
}

func TestDestroyAllForUser(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := m.Create(ctx, "user-1", laptop, CreateOptions{})
		require.NoError(t, err)
	}

	n, err := m.DestroyAllForUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	sessions, err := m.ListForUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, sessions)

	n, err = m.DestroyAllForUser(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestListForUserPrunesStaleEntries(t *testing.T) {
	m, env := newTestManager(t)
	ctx := context.Background()

	short, err := m.Create(ctx, "user-1", laptop, CreateOptions{MaxAge: time.Hour})
	require.NoError(t, err)
	env.Advance(t, time.Minute)
	long, err := m.Create(ctx, "user-1", phone, CreateOptions{})
	require.NoError(t, err)

	sessions, err := m.ListForUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, short.ID, sessions[0].ID)

	env.Advance(t, 2*time.Hour)

	sessions, err = m.ListForUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, long.ID, sessions[0].ID)

	env.Flush(t)
	members, err := env.Cache.Members("session:user:user-1")
	require.NoError(t, err)
	assert.Equal(t, []string{long.ID}, members)
}

func TestTouchAfterDestroyDoesNotRecreate(t *testing.T) {
	m, env := newTestManager(t)
	ctx := context.Background()

	s, err := m.Create(ctx, "user-1", laptop, CreateOptions{MaxAge: time.Hour})
	require.NoError(t, err)
	env.Advance(t, 2*time.Minute)

	// Validate read the record; a logout lands before the request refreshes it.
	seen, err := m.Validate(ctx, s.ID, laptop)
	require.NoError(t, err)
	require.NoError(t, m.Destroy(ctx, s.ID, false))

	_, err = m.Touch(ctx, seen)
	assert.ErrorIs(t, err, xerrors.ErrNotFound)

	_, err = m.Validate(ctx, s.ID, laptop)
	assert.ErrorIs(t, err, xerrors.ErrNotFound)
	env.LoseCache(t)
	_, err = m.Validate(ctx, s.ID, laptop)
	assert.ErrorIs(t, err, xerrors.ErrNotFound)
}

func TestSlowRefreshKeepsLaterExpiry(t *testing.T) {
	m, env := newTestManager(t)
	ctx := context.Background()

	s, err := m.Create(ctx, "user-1", laptop, CreateOptions{MaxAge: time.Hour})
	require.NoError(t, err)
	seen, err := m.Get(ctx, s.ID)
	require.NoError(t, err)

	env.Advance(t, 10*time.Minute)
	later, err := m.Refresh(ctx, s.ID)
	require.NoError(t, err)

	// An instance whose clock runs behind refreshes the copy it read earlier.
	lagging := NewManager(env.Store, fingerprint.New("test-salt"), Config{
		TTL:             24 * time.Hour,
		AbsoluteTTL:     30 * 24 * time.Hour,
		RefreshInterval: time.Minute,
		Now:             func() time.Time { return env.Now().Add(-5 * time.Minute) },
	}, zaptest.NewLogger(t), nil)

	exp, err := lagging.Touch(ctx, seen)
	require.NoError(t, err)
	assert.True(t, later.Equal(exp))

	got, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, later.Equal(got.ExpiresAt))
}

func TestDestroyDuringCacheOutageStaysDestroyed(t *testing.T) {
	m, env := newTestManager(t)
	ctx := context.Background()

	s, err := m.Create(ctx, "user-1", laptop, CreateOptions{})
	require.NoError(t, err)
	env.Flush(t)

	env.Cache.SetError("cache down")
	require.NoError(t, m.Destroy(ctx, s.ID, false))
	env.Cache.SetError("")

	_, err = m.Validate(ctx, s.ID, laptop)
	assert.ErrorIs(t, err, xerrors.ErrNotFound)

	sessions, err := m.ListForUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}
