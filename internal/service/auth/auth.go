// internal/service/auth/auth.go
package auth

import (
	"context"
	"errors"
	"fmt"

	"storefront-service/internal/domain/auth"
	xerrors "storefront-service/internal/pkg/errors"
	"storefront-service/internal/pkg/fingerprint"
	"storefront-service/internal/pkg/loginguard"
	"storefront-service/internal/pkg/otp"
	"storefront-service/internal/pkg/rememberme"
	"storefront-service/internal/pkg/session"

	"go.uber.org/zap"
)

type AuthService struct {
	verifier CredentialVerifier
	sessions *session.Manager
	guard    *loginguard.Tracker
	remember *rememberme.Manager
	codes    *otp.Engine
	logger   *zap.Logger
}

func NewAuthService(
	verifier CredentialVerifier,
	sessions *session.Manager,
	guard *loginguard.Tracker,
	remember *rememberme.Manager,
	codes *otp.Engine,
	logger *zap.Logger,
) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthService{
		verifier: verifier,
		sessions: sessions,
		guard:    guard,
		remember: remember,
		codes:    codes,
		logger:   logger.Named("auth"),
	}
}

// ========== Login ==========

// Login authenticates email and password. Blocked IPs and locked accounts
// are refused before the password is checked; a wrong password is answered
// only after the progressive delay.
func (s *AuthService) Login(ctx context.Context, req *auth.LoginRequest) (*auth.LoginResponse, error) {
	client := auth.RequestContext{IPAddress: req.IPAddress, UserAgent: req.UserAgent}

	if st := s.guard.IsIPBlocked(ctx, req.IPAddress); st.Locked {
		return nil, xerrors.NewRetryAfter(xerrors.ErrIPBlocked, st.Remaining)
	}
	if st := s.guard.IsLockedOut(ctx, req.Email); st.Locked {
		return nil, xerrors.NewRetryAfter(xerrors.ErrLockedOut, st.Remaining)
	}

	assessment := s.guard.CheckSuspiciousPatterns(ctx, req.Email, req.IPAddress, req.UserAgent)

	userID, err := s.verifier.Verify(ctx, req.Email, req.Password)
	if errors.Is(err, xerrors.ErrInvalidCredentials) {
		res := s.guard.RecordFailure(ctx, req.Email, req.IPAddress, req.UserAgent)
		if err := loginguard.Wait(ctx, res.Delay); err != nil {
			return nil, err
		}
		return nil, xerrors.ErrInvalidCredentials
	}
	if err != nil {
		// An outage is not a wrong password and is not counted as one.
		return nil, err
	}

	s.guard.RecordSuccess(ctx, req.Email)
	s.guard.RememberDevice(ctx, req.Email, req.IPAddress, req.UserAgent)

	resp := &auth.LoginResponse{UserID: userID, Suspicious: assessment.Reasons}
	if req.RememberMe {
		issued, err := s.remember.Issue(ctx, userID, client)
		if err != nil {
			return nil, fmt.Errorf("failed to issue remember-me token: %w", err)
		}
		resp.SessionID = issued.Session.ID
		resp.ExpiresAt = issued.Session.ExpiresAt
		resp.RememberToken = issued.Token
	} else {
		sess, err := s.sessions.Create(ctx, userID, client, session.CreateOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to create session: %w", err)
		}
		resp.SessionID = sess.ID
		resp.ExpiresAt = sess.ExpiresAt
	}

	s.logger.Info("login succeeded",
		zap.String("user_id", userID),
		zap.String("ip", fingerprint.NormalizeIP(req.IPAddress)),
		zap.Bool("remember_me", req.RememberMe),
		zap.Strings("suspicious", assessment.Reasons),
	)
	return resp, nil
}

// LoginWithRememberMe trades a remember-me token for a new session and a
// new token.
func (s *AuthService) LoginWithRememberMe(ctx context.Context, req *auth.RememberMeRequest) (*auth.LoginResponse, error) {
	if st := s.guard.IsIPBlocked(ctx, req.IPAddress); st.Locked {
		return nil, xerrors.NewRetryAfter(xerrors.ErrIPBlocked, st.Remaining)
	}

	issued, err := s.remember.ValidateAndRotate(ctx, req.Token, auth.RequestContext{
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
	})
	if err != nil {
		return nil, err
	}

	return &auth.LoginResponse{
		UserID:        issued.Session.UserID,
		SessionID:     issued.Session.ID,
		ExpiresAt:     issued.Session.ExpiresAt,
		RememberToken: issued.Token,
	}, nil
}

// ========== Logout ==========

// Logout ends one session.
func (s *AuthService) Logout(ctx context.Context, sessionID string) error {
	if err := s.sessions.Destroy(ctx, sessionID, false); err != nil {
		return fmt.Errorf("failed to destroy session: %w", err)
	}
	return nil
}

// LogoutAll ends every session of the user and disables remember-me, so no
// device can log back in silently.
func (s *AuthService) LogoutAll(ctx context.Context, userID string) (int, error) {
	if _, err := s.remember.Disable(ctx, userID); err != nil {
		return 0, fmt.Errorf("failed to disable remember-me: %w", err)
	}
	n, err := s.sessions.DestroyAllForUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to destroy sessions: %w", err)
	}
	return n, nil
}

// DisableRememberMe revokes the user's remember-me tokens and their sessions.
func (s *AuthService) DisableRememberMe(ctx context.Context, userID string) (int, error) {
	return s.remember.Disable(ctx, userID)
}

// ActiveSessions lists the user's sessions, marking the caller's own.
func (s *AuthService) ActiveSessions(ctx context.Context, userID, currentSessionID string) ([]auth.SessionInfo, error) {
	sessions, err := s.sessions.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	infos := make([]auth.SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, auth.SessionInfo{
			Current:        sess.ID == currentSessionID,
			IPAddress:      sess.IPAddress,
			UserAgent:      sess.UserAgent,
			RememberMe:     sess.RememberMe,
			CreatedAt:      sess.CreatedAt,
			LastAccessedAt: sess.LastAccessedAt,
			ExpiresAt:      sess.ExpiresAt,
		})
	}
	return infos, nil
}

// ========== Phone verification ==========

func (s *AuthService) SendPhoneCode(ctx context.Context, req *auth.SendCodeRequest) (*auth.SendCodeResponse, error) {
	purpose, ok := otp.ParsePurpose(req.Purpose)
	if !ok {
		return nil, fmt.Errorf("unknown purpose %q: %w", req.Purpose, xerrors.ErrInvalidInput)
	}

	expiresAt, err := s.codes.SendCode(ctx, req.Phone, purpose)
	if err != nil {
		return nil, err
	}
	return &auth.SendCodeResponse{ExpiresAt: expiresAt}, nil
}

func (s *AuthService) VerifyPhoneCode(ctx context.Context, req *auth.VerifyCodeRequest) error {
	purpose, ok := otp.ParsePurpose(req.Purpose)
	if !ok {
		return fmt.Errorf("unknown purpose %q: %w", req.Purpose, xerrors.ErrInvalidInput)
	}
	return s.codes.VerifyCode(ctx, req.Phone, purpose, req.Code)
}
