// internal/pkg/session/manager.go
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"storefront-service/internal/domain/auth"
	"storefront-service/internal/metrics"
	xerrors "storefront-service/internal/pkg/errors"
	"storefront-service/internal/pkg/fingerprint"
	"storefront-service/internal/pkg/store"

	"go.uber.org/zap"
)

const (
	idBytes        = 32
	createRetries  = 3
	refreshRetries = 3
	// Records outlive their expiry briefly so a late check reports ErrExpired
	// instead of ErrNotFound.
	expiredGrace = 5 * time.Minute
)

type Manager struct {
	store   *store.DualStore
	hasher  *fingerprint.Hasher
	cfg     Config
	logger  *zap.Logger
	metrics metrics.Recorder
}

func NewManager(st *store.DualStore, hasher *fingerprint.Hasher, cfg Config, logger *zap.Logger, rec metrics.Recorder) *Manager {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:   st,
		hasher:  hasher,
		cfg:     cfg,
		logger:  logger.Named("session"),
		metrics: metrics.OrNop(rec),
	}
}

// Create stores a new session bound to the client's fingerprint and indexes
// it under the user.
func (m *Manager) Create(ctx context.Context, userID string, client auth.RequestContext, opts CreateOptions) (*Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("create session: %w", xerrors.ErrInvalidInput)
	}

	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = m.cfg.TTL
		if opts.RememberMe {
			maxAge = m.cfg.RememberTTL
		}
	}
	if maxAge > m.cfg.AbsoluteTTL {
		maxAge = m.cfg.AbsoluteTTL
	}

	now := m.cfg.Now()
	s := &Session{
		UserID:         userID,
		Fingerprint:    m.hasher.Fingerprint(client.IPAddress, client.UserAgent),
		IPAddress:      fingerprint.NormalizeIP(client.IPAddress),
		UserAgent:      client.UserAgent,
		RememberMe:     opts.RememberMe,
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      now.Add(maxAge),
		MaxAge:         maxAge,
	}

	if err := m.insert(ctx, s, maxAge+expiredGrace); err != nil {
		return nil, err
	}

	if err := m.store.AddMember(ctx, userIndexKey(userID), s.ID, maxAge+expiredGrace); err != nil {
		// An unindexed session would escape a revoke-all.
		if delErr := m.store.Del(ctx, sessionKey(s.ID)); delErr != nil {
			m.logger.Error("failed to remove unindexed session",
				zap.String("session", fingerprint.Redact(s.ID)), zap.Error(delErr))
		}
		return nil, fmt.Errorf("index session: %w", err)
	}

	m.logger.Info("session created",
		zap.String("user_id", userID),
		zap.String("session", fingerprint.Redact(s.ID)),
		zap.Bool("remember_me", opts.RememberMe),
		zap.Time("expires_at", s.ExpiresAt),
	)
	return s, nil
}

func (m *Manager) insert(ctx context.Context, s *Session, ttl time.Duration) error {
	for attempt := 0; attempt < createRetries; attempt++ {
		id, err := newID()
		if err != nil {
			return err
		}
		s.ID = id

		raw, err := encode(s)
		if err != nil {
			return err
		}
		ok, err := m.store.SetNX(ctx, sessionKey(id), raw, ttl)
		if err != nil {
			return fmt.Errorf("store session: %w", err)
		}
		if ok {
			s.raw = raw
			return nil
		}
		m.logger.Warn("session id collision, retrying")
	}
	return fmt.Errorf("store session: no unique id after %d attempts", createRetries)
}

// Validate returns the session when it exists, has not expired and was
// created on the same device. A fingerprint mismatch is always rejected.
func (m *Manager) Validate(ctx context.Context, sessionID string, client auth.RequestContext) (*Session, error) {
	s, err := m.load(ctx, sessionID)
	if err != nil {
		m.metrics.SessionValidated(result(err))
		return nil, err
	}

	if !fingerprint.Equal(s.Fingerprint, m.hasher.Fingerprint(client.IPAddress, client.UserAgent)) {
		m.logger.Warn("session fingerprint mismatch",
			zap.String("user_id", s.UserID),
			zap.String("session", fingerprint.Redact(sessionID)),
			zap.String("ip", fingerprint.NormalizeIP(client.IPAddress)),
		)
		m.metrics.SessionValidated("fingerprint_mismatch")
		return nil, xerrors.ErrFingerprintMismatch
	}

	m.metrics.SessionValidated("valid")
	return s, nil
}

// Get loads a live session without checking the device.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Session, error) {
	return m.load(ctx, sessionID)
}

// Refresh slides expiry forward by the session's MaxAge. Expiry never moves
// backward and never passes CreatedAt plus the absolute lifetime.
func (m *Manager) Refresh(ctx context.Context, sessionID string) (time.Time, error) {
	s, err := m.load(ctx, sessionID)
	if err != nil {
		return time.Time{}, err
	}
	return m.refresh(ctx, s)
}

// Touch refreshes s when it has not been refreshed within the configured
// interval, keeping hot sessions from writing on every request.
func (m *Manager) Touch(ctx context.Context, s *Session) (time.Time, error) {
	if m.cfg.Now().Sub(s.LastAccessedAt) < m.cfg.RefreshInterval {
		return s.ExpiresAt, nil
	}
	return m.refresh(ctx, s)
}

// refresh writes the new expiry only over the record s was read from. A
// record destroyed meanwhile stays destroyed and yields ErrNotFound; one
// changed meanwhile is reread, so a slower refresh cannot undo a faster one.
func (m *Manager) refresh(ctx context.Context, s *Session) (time.Time, error) {
	if s.raw == nil {
		cur, err := m.load(ctx, s.ID)
		if err != nil {
			return time.Time{}, err
		}
		*s = *cur
	}

	for attempt := 0; attempt < refreshRetries; attempt++ {
		now := m.cfg.Now()
		next := now.Add(s.MaxAge)
		if ceiling := s.CreatedAt.Add(m.cfg.AbsoluteTTL); next.After(ceiling) {
			next = ceiling
		}
		if !next.After(s.ExpiresAt) {
			return s.ExpiresAt, nil
		}

		updated := *s
		updated.ExpiresAt = next
		updated.LastAccessedAt = now
		raw, err := encode(&updated)
		if err != nil {
			return time.Time{}, err
		}
		ttl := next.Sub(now) + expiredGrace

		swapped, err := m.store.CompareAndSwap(ctx, sessionKey(s.ID), s.raw, raw, ttl)
		switch {
		case errors.Is(err, store.ErrMiss):
			return time.Time{}, xerrors.ErrNotFound
		case err != nil:
			return time.Time{}, fmt.Errorf("refresh session: %w", err)
		case swapped:
			updated.raw = raw
			*s = updated
			if err := m.store.AddMember(ctx, userIndexKey(s.UserID), s.ID, ttl); err != nil {
				m.logger.Warn("failed to extend session index", zap.String("user_id", s.UserID), zap.Error(err))
			}
			return next, nil
		}

		cur, err := m.load(ctx, s.ID)
		if err != nil {
			return time.Time{}, err
		}
		*s = *cur
	}

	m.logger.Debug("session refresh lost to concurrent writers", zap.String("session", fingerprint.Redact(s.ID)))
	return s.ExpiresAt, nil
}

// Destroy deletes one session, or with allDevices every session of its user.
// Destroying an unknown session is not an error.
func (m *Manager) Destroy(ctx context.Context, sessionID string, allDevices bool) error {
	s, err := m.load(ctx, sessionID)
	switch {
	case err == nil:
	case errors.Is(err, xerrors.ErrNotFound):
		return nil
	case errors.Is(err, xerrors.ErrExpired):
		// load already cleaned up the record, but the user is still known.
		if !allDevices {
			return nil
		}
	default:
		return err
	}

	if allDevices {
		_, err := m.DestroyAllForUser(ctx, s.UserID)
		return err
	}

	if err := m.store.Del(ctx, sessionKey(sessionID)); err != nil {
		return fmt.Errorf("destroy session: %w", err)
	}
	if err := m.store.RemoveMember(ctx, userIndexKey(s.UserID), sessionID); err != nil {
		m.logger.Warn("failed to unindex session", zap.String("user_id", s.UserID), zap.Error(err))
	}

	m.logger.Info("session destroyed", zap.String("user_id", s.UserID), zap.String("session", fingerprint.Redact(sessionID)))
	return nil
}

// DestroyAllForUser deletes every session indexed under userID and returns
// how many ids were revoked.
func (m *Manager) DestroyAllForUser(ctx context.Context, userID string) (int, error) {
	ids, err := m.store.Members(ctx, userIndexKey(userID))
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}

	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, sessionKey(id))
	}
	keys = append(keys, userIndexKey(userID))

	if err := m.store.Del(ctx, keys...); err != nil {
		return 0, fmt.Errorf("destroy sessions: %w", err)
	}

	m.logger.Info("all sessions destroyed", zap.String("user_id", userID), zap.Int("count", len(ids)))
	return len(ids), nil
}

// ListForUser returns the user's live sessions, oldest first. Index entries
// whose session is gone are pruned on the way.
func (m *Manager) ListForUser(ctx context.Context, userID string) ([]*Session, error) {
	ids, err := m.store.Members(ctx, userIndexKey(userID))
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		s, err := m.load(ctx, id)
		switch {
		case err == nil:
			sessions = append(sessions, s)
		case errors.Is(err, xerrors.ErrNotFound), errors.Is(err, xerrors.ErrExpired):
			if err := m.store.RemoveMember(ctx, userIndexKey(userID), id); err != nil {
				m.logger.Warn("failed to prune session index", zap.String("user_id", userID), zap.Error(err))
			}
		default:
			return nil, err
		}
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions, nil
}

// load returns ErrNotFound for unknown ids and ErrExpired, after deleting the
// record, once ExpiresAt has passed.
func (m *Manager) load(ctx context.Context, sessionID string) (*Session, error) {
	if sessionID == "" {
		return nil, xerrors.ErrNotFound
	}

	raw, err := m.store.Get(ctx, sessionKey(sessionID))
	if errors.Is(err, store.ErrMiss) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	s.raw = raw

	if !m.cfg.Now().Before(s.ExpiresAt) {
		if err := m.store.Del(ctx, sessionKey(sessionID)); err != nil {
			m.logger.Warn("failed to delete expired session", zap.Error(err))
		}
		return &s, xerrors.ErrExpired
	}
	return &s, nil
}

func result(err error) string {
	switch {
	case errors.Is(err, xerrors.ErrNotFound):
		return "not_found"
	case errors.Is(err, xerrors.ErrExpired):
		return "expired"
	case errors.Is(err, xerrors.ErrTransientBackend):
		return "unavailable"
	default:
		return "error"
	}
}

func encode(s *Session) ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	return raw, nil
}

func newID() (string, error) {
	b := make([]byte, idBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func sessionKey(id string) string {
	return "session:" + id
}

func userIndexKey(userID string) string {
	return "session:user:" + userID
}
