// Package rememberme issues long-lived login tokens that rotate on every use.
//
// Each token is paired with a remember-me session. Using a token replaces
// both, and leaves a tombstone under the old token's hash for the rest of
// its lifetime. Presenting a tombstoned token means a copy was taken; every
// session and token of the user is revoked.
package rememberme

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"storefront-service/internal/domain/auth"
	"storefront-service/internal/metrics"
	xerrors "storefront-service/internal/pkg/errors"
	"storefront-service/internal/pkg/fingerprint"
	"storefront-service/internal/pkg/session"
	"storefront-service/internal/pkg/store"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const (
	tokenBytes   = 32
	expiredGrace = 5 * time.Minute
)

type Config struct {
	TTL time.Duration
	Now func() time.Time
}

func (c *Config) defaults() {
	if c.TTL <= 0 {
		c.TTL = 7 * 24 * time.Hour
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// record is what the store keeps per token. The token itself is not stored.
type record struct {
	TokenHash       string    `json:"token_hash"`
	UserID          string    `json:"user_id"`
	LinkedSessionID string    `json:"linked_session_id"`
	ChainID         string    `json:"chain_id"`
	IssuedAt        time.Time `json:"issued_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// Issued is a fresh token and the session it logs in.
type Issued struct {
	Token     string
	ExpiresAt time.Time
	Session   *session.Session
}

type Manager struct {
	store    *store.DualStore
	sessions *session.Manager
	cfg      Config
	logger   *zap.Logger
	metrics  metrics.Recorder
}

func NewManager(st *store.DualStore, sessions *session.Manager, cfg Config, logger *zap.Logger, rec metrics.Recorder) *Manager {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:    st,
		sessions: sessions,
		cfg:      cfg,
		logger:   logger.Named("rememberme"),
		metrics:  metrics.OrNop(rec),
	}
}

// Issue starts a new token chain with its own remember-me session.
func (m *Manager) Issue(ctx context.Context, userID string, client auth.RequestContext) (*Issued, error) {
	if userID == "" {
		return nil, fmt.Errorf("issue token: %w", xerrors.ErrInvalidInput)
	}
	return m.issue(ctx, userID, ulid.Make().String(), client)
}

func (m *Manager) issue(ctx context.Context, userID, chainID string, client auth.RequestContext) (*Issued, error) {
	s, err := m.sessions.Create(ctx, userID, client, session.CreateOptions{RememberMe: true, MaxAge: m.cfg.TTL})
	if err != nil {
		return nil, err
	}

	token, err := newToken()
	if err != nil {
		return nil, err
	}

	now := m.cfg.Now()
	rec := record{
		TokenHash:       hashToken(token),
		UserID:          userID,
		LinkedSessionID: s.ID,
		ChainID:         chainID,
		IssuedAt:        now,
		ExpiresAt:       now.Add(m.cfg.TTL),
	}

	if err := m.store.SetJSON(ctx, tokenKey(rec.TokenHash), rec, m.cfg.TTL+expiredGrace); err != nil {
		m.dropSession(ctx, s.ID)
		return nil, fmt.Errorf("store token: %w", err)
	}
	if err := m.store.AddMember(ctx, userIndexKey(userID), rec.TokenHash, m.cfg.TTL+expiredGrace); err != nil {
		// An unindexed token would survive Disable.
		if delErr := m.store.Del(ctx, tokenKey(rec.TokenHash)); delErr != nil {
			m.logger.Error("failed to remove unindexed token", zap.String("chain_id", chainID), zap.Error(delErr))
		}
		m.dropSession(ctx, s.ID)
		return nil, fmt.Errorf("index token: %w", err)
	}

	m.logger.Info("remember-me token issued",
		zap.String("user_id", userID),
		zap.String("chain_id", chainID),
		zap.String("token", fingerprint.Redact(token)),
		zap.Time("expires_at", rec.ExpiresAt),
	)
	return &Issued{Token: token, ExpiresAt: rec.ExpiresAt, Session: s}, nil
}

// ValidateAndRotate trades a live token for a new token and session in the
// same chain. The old token and its session stop working. A token that was
// already rotated returns ErrTokenReused after revoking everything the user
// holds.
func (m *Manager) ValidateAndRotate(ctx context.Context, token string, client auth.RequestContext) (*Issued, error) {
	if token == "" {
		return nil, xerrors.ErrNotFound
	}
	hash := hashToken(token)

	var rec record
	err := m.store.GetJSON(ctx, tokenKey(hash), &rec)
	if errors.Is(err, store.ErrMiss) {
		return nil, m.checkReuse(ctx, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}

	now := m.cfg.Now()
	if !now.Before(rec.ExpiresAt) {
		m.revokeOne(ctx, rec)
		m.metrics.RememberMeRotated("expired")
		return nil, xerrors.ErrExpired
	}

	// The tombstone doubles as the claim: of two concurrent rotations only
	// one writes it, the other is reuse.
	claimed, err := m.store.SetNX(ctx, rotatedKey(hash), []byte(rec.UserID), rec.ExpiresAt.Sub(now)+expiredGrace)
	if err != nil {
		return nil, fmt.Errorf("claim token: %w", err)
	}
	if !claimed {
		return nil, m.reused(ctx, rec.UserID, rec.ChainID)
	}

	m.revokeOne(ctx, rec)

	next, err := m.issue(ctx, rec.UserID, rec.ChainID, client)
	if err != nil {
		m.metrics.RememberMeRotated("error")
		return nil, err
	}

	m.metrics.RememberMeRotated("rotated")
	m.logger.Info("remember-me token rotated",
		zap.String("user_id", rec.UserID),
		zap.String("chain_id", rec.ChainID),
		zap.String("ip", fingerprint.NormalizeIP(client.IPAddress)),
	)
	return next, nil
}

func (m *Manager) checkReuse(ctx context.Context, hash string) error {
	userID, err := m.store.Get(ctx, rotatedKey(hash))
	if errors.Is(err, store.ErrMiss) {
		m.metrics.RememberMeRotated("not_found")
		return xerrors.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check token reuse: %w", err)
	}
	return m.reused(ctx, string(userID), "")
}

func (m *Manager) reused(ctx context.Context, userID, chainID string) error {
	m.metrics.RememberMeRotated("reused")
	m.logger.Warn("rotated remember-me token presented again, revoking all sessions",
		zap.String("user_id", userID),
		zap.String("chain_id", chainID),
	)

	if _, err := m.Disable(ctx, userID); err != nil {
		m.logger.Error("failed to revoke remember-me tokens after reuse", zap.String("user_id", userID), zap.Error(err))
	}
	if _, err := m.sessions.DestroyAllForUser(ctx, userID); err != nil {
		m.logger.Error("failed to revoke sessions after reuse", zap.String("user_id", userID), zap.Error(err))
	}
	return xerrors.ErrTokenReused
}

// Disable revokes every remember-me token of the user and the sessions they
// are linked to. Sessions from password logins are left alone.
func (m *Manager) Disable(ctx context.Context, userID string) (int, error) {
	hashes, err := m.store.Members(ctx, userIndexKey(userID))
	if err != nil {
		return 0, fmt.Errorf("list tokens: %w", err)
	}

	for _, hash := range hashes {
		var rec record
		err := m.store.GetJSON(ctx, tokenKey(hash), &rec)
		switch {
		case err == nil:
			m.dropSession(ctx, rec.LinkedSessionID)
		case errors.Is(err, store.ErrMiss):
		default:
			return 0, fmt.Errorf("load token: %w", err)
		}
	}

	keys := make([]string, 0, len(hashes)+1)
	for _, hash := range hashes {
		keys = append(keys, tokenKey(hash))
	}
	keys = append(keys, userIndexKey(userID))
	if err := m.store.Del(ctx, keys...); err != nil {
		return 0, fmt.Errorf("revoke tokens: %w", err)
	}

	m.logger.Info("remember-me disabled", zap.String("user_id", userID), zap.Int("tokens", len(hashes)))
	return len(hashes), nil
}

// revokeOne removes a token and its session.
func (m *Manager) revokeOne(ctx context.Context, rec record) {
	if err := m.store.Del(ctx, tokenKey(rec.TokenHash)); err != nil {
		m.logger.Warn("failed to delete token", zap.String("chain_id", rec.ChainID), zap.Error(err))
	}
	if err := m.store.RemoveMember(ctx, userIndexKey(rec.UserID), rec.TokenHash); err != nil {
		m.logger.Warn("failed to unindex token", zap.String("user_id", rec.UserID), zap.Error(err))
	}
	m.dropSession(ctx, rec.LinkedSessionID)
}

func (m *Manager) dropSession(ctx context.Context, sessionID string) {
	if err := m.sessions.Destroy(ctx, sessionID, false); err != nil {
		m.logger.Warn("failed to destroy linked session", zap.String("session", fingerprint.Redact(sessionID)), zap.Error(err))
	}
}

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func tokenKey(hash string) string {
	return "remember:" + hash
}

func rotatedKey(hash string) string {
	return "remember:rotated:" + hash
}

func userIndexKey(userID string) string {
	return "remember:user:" + userID
}
