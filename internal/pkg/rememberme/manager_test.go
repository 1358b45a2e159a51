package rememberme

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"storefront-service/internal/domain/auth"
	xerrors "storefront-service/internal/pkg/errors"
	"storefront-service/internal/pkg/fingerprint"
	"storefront-service/internal/pkg/session"
	"storefront-service/internal/pkg/store/storetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var client = auth.RequestContext{IPAddress: "10.0.0.1", UserAgent: "Mozilla/5.0 (X11; Linux x86_64) Firefox/128.0"}

func newTestManager(t *testing.T) (*Manager, *session.Manager, *storetest.Env) {
	t.Helper()
	env := storetest.New(t)
	logger := zaptest.NewLogger(t)
	sessions := session.NewManager(env.Store, fingerprint.New("test-salt"), session.Config{Now: env.Now}, logger, nil)
	m := NewManager(env.Store, sessions, Config{TTL: 7 * 24 * time.Hour, Now: env.Now}, logger, nil)
	return m, sessions, env
}

func TestIssueCreatesRememberMeSession(t *testing.T) {
	m, sessions, env := newTestManager(t)
	ctx := context.Background()

	issued, err := m.Issue(ctx, "user-1", client)
	require.NoError(t, err)

	assert.Len(t, issued.Token, 43)
	assert.Equal(t, env.Now().Add(7*24*time.Hour), issued.ExpiresAt)

	s, err := sessions.Validate(ctx, issued.Session.ID, client)
	require.NoError(t, err)
	assert.True(t, s.RememberMe)
	assert.Equal(t, "user-1", s.UserID)

	// Only the hash is stored.
	env.Flush(t)
	assert.False(t, env.Cache.Exists(tokenKey(issued.Token)))
	assert.True(t, env.Cache.Exists(tokenKey(hashToken(issued.Token))))
	assert.True(t, env.Durable.Exists(tokenKey(hashToken(issued.Token))))
}

func TestRotateReplacesTokenAndSession(t *testing.T) {
	m, sessions, env := newTestManager(t)
	ctx := context.Background()

	first, err := m.Issue(ctx, "user-1", client)
	require.NoError(t, err)

	env.Advance(t, 24*time.Hour)

	second, err := m.ValidateAndRotate(ctx, first.Token, client)
	require.NoError(t, err)
	assert.NotEqual(t, first.Token, second.Token)
	assert.NotEqual(t, first.Session.ID, second.Session.ID)
	assert.Equal(t, env.Now().Add(7*24*time.Hour), second.ExpiresAt)

	_, err = sessions.Get(ctx, first.Session.ID)
	assert.ErrorIs(t, err, xerrors.ErrNotFound)
	_, err = sessions.Validate(ctx, second.Session.ID, client)
	assert.NoError(t, err)

	third, err := m.ValidateAndRotate(ctx, second.Token, client)
	require.NoError(t, err)
	assert.NotEqual(t, second.Token, third.Token)
}

func TestReuseRevokesEverything(t *testing.T) {
	m, sessions, _ := newTestManager(t)
	ctx := context.Background()

	password, err := sessions.Create(ctx, "user-1", client, session.CreateOptions{})
	require.NoError(t, err)
	other, err := m.Issue(ctx, "user-1", client)
	require.NoError(t, err)

	original, err := m.Issue(ctx, "user-1", client)
	require.NoError(t, err)
	rotated, err := m.ValidateAndRotate(ctx, original.Token, client)
	require.NoError(t, err)

	_, err = m.ValidateAndRotate(ctx, original.Token, client)
	assert.ErrorIs(t, err, xerrors.ErrTokenReused)

	for _, id := range []string{password.ID, other.Session.ID, rotated.Session.ID} {
		_, err := sessions.Get(ctx, id)
		assert.ErrorIs(t, err, xerrors.ErrNotFound)
	}

	_, err = m.ValidateAndRotate(ctx, rotated.Token, client)
	assert.ErrorIs(t, err, xerrors.ErrNotFound)
	_, err = m.ValidateAndRotate(ctx, other.Token, client)
	assert.ErrorIs(t, err, xerrors.ErrNotFound)
}

func TestReuseDetectedAfterCacheLoss(t *testing.T) {
	m, sessions, env := newTestManager(t)
	ctx := context.Background()

	original, err := m.Issue(ctx, "user-1", client)
	require.NoError(t, err)
	rotated, err := m.ValidateAndRotate(ctx, original.Token, client)
	require.NoError(t, err)

	env.LoseCache(t)

	_, err = m.ValidateAndRotate(ctx, original.Token, client)
	assert.ErrorIs(t, err, xerrors.ErrTokenReused)
	_, err = sessions.Get(ctx, rotated.Session.ID)
	assert.ErrorIs(t, err, xerrors.ErrNotFound)
}

func TestConcurrentRotationHasOneWinner(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	issued, err := m.Issue(ctx, "user-1", client)
	require.NoError(t, err)

	const racers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
		reused  int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.ValidateAndRotate(ctx, issued.Token, client)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, xerrors.ErrTokenReused):
				reused++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.Equal(t, racers-1, reused)
}

func TestExpiredToken(t *testing.T) {
	m, _, env := newTestManager(t)
	ctx := context.Background()

	issued, err := m.Issue(ctx, "user-1", client)
	require.NoError(t, err)

	env.Advance(t, 7*24*time.Hour+time.Minute)

	_, err = m.ValidateAndRotate(ctx, issued.Token, client)
	assert.ErrorIs(t, err, xerrors.ErrExpired)
	_, err = m.ValidateAndRotate(ctx, issued.Token, client)
	assert.ErrorIs(t, err, xerrors.ErrNotFound)
}

func TestUnknownToken(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.ValidateAndRotate(context.Background(), "never-issued", client)
	assert.ErrorIs(t, err, xerrors.ErrNotFound)
	_, err = m.ValidateAndRotate(context.Background(), "", client)
	assert.ErrorIs(t, err, xerrors.ErrNotFound)
}

func TestDisable(t *testing.T) {
	m, sessions, _ := newTestManager(t)
	ctx := context.Background()

	password, err := sessions.Create(ctx, "user-1", client, session.CreateOptions{})
	require.NoError(t, err)
	a, err := m.Issue(ctx, "user-1", client)
	require.NoError(t, err)
	b, err := m.Issue(ctx, "user-1", client)
	require.NoError(t, err)
	keep, err := m.Issue(ctx, "user-2", client)
	require.NoError(t, err)

	n, err := m.Disable(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, issued := range []*Issued{a, b} {
		_, err := m.ValidateAndRotate(ctx, issued.Token, client)
		assert.ErrorIs(t, err, xerrors.ErrNotFound)
		_, err = sessions.Get(ctx, issued.Session.ID)
		assert.ErrorIs(t, err, xerrors.ErrNotFound)
	}

	_, err = sessions.Get(ctx, password.ID)
	assert.NoError(t, err)
	_, err = m.ValidateAndRotate(ctx, keep.Token, client)
	assert.NoError(t, err)

	n, err = m.Disable(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIssueRejectsEmptyUser(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.Issue(context.Background(), "", client)
	assert.ErrorIs(t, err, xerrors.ErrInvalidInput)
}
