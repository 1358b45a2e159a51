// internal/middleware/auth_middleware.go
package middleware

import (
	"errors"
	"net/http"
	"strings"

	"storefront-service/internal/domain/auth"
	xerrors "storefront-service/internal/pkg/errors"
	"storefront-service/internal/pkg/response"
	"storefront-service/internal/pkg/session"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SessionCookie is the cookie a browser client carries its session id in.
const SessionCookie = "session_id"

type AuthMiddleware struct {
	sessions *session.Manager
	logger   *zap.Logger
}

func NewAuthMiddleware(sessions *session.Manager, logger *zap.Logger) *AuthMiddleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthMiddleware{
		sessions: sessions,
		logger:   logger,
	}
}

// Auth validates the session id against the caller's device and slides the
// session's expiry forward.
func (m *AuthMiddleware) Auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := extractSessionID(c)
		if sessionID == "" {
			response.Unauthorized(c, "missing session")
			return
		}

		ctx := c.Request.Context()
		s, err := m.sessions.Validate(ctx, sessionID, auth.RequestContext{
			IPAddress: c.ClientIP(),
			UserAgent: c.GetHeader("User-Agent"),
		})
		if err != nil {
			status := xerrors.HTTPStatus(err)
			if status == http.StatusServiceUnavailable {
				response.Error(c, status, "session store unavailable", nil)
				return
			}
			response.Error(c, http.StatusUnauthorized, "invalid or expired session", publicError(err))
			return
		}

		expiresAt, err := m.sessions.Touch(ctx, s)
		switch {
		case errors.Is(err, xerrors.ErrNotFound), errors.Is(err, xerrors.ErrExpired):
			// Destroyed or expired since Validate read it.
			response.Error(c, http.StatusUnauthorized, "invalid or expired session", publicError(err))
			return
		case err != nil:
			// The session is still valid until its old expiry.
			m.logger.Warn("session refresh failed", zap.String("user_id", s.UserID), zap.Error(err))
			expiresAt = s.ExpiresAt
		}

		c.Set("user_id", s.UserID)
		c.Set("session_id", s.ID)
		c.Set("session_expires_at", expiresAt)
		c.Set("remember_me", s.RememberMe)

		c.Next()
	}
}

// extractSessionID reads a Bearer header first, then the session cookie.
func extractSessionID(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
	}

	if cookie, err := c.Cookie(SessionCookie); err == nil {
		return cookie
	}

	return ""
}

// publicError hides which check failed from the client.
func publicError(err error) error {
	switch {
	case errors.Is(err, xerrors.ErrExpired):
		return xerrors.ErrExpired
	default:
		return xerrors.ErrUnauthorized
	}
}

// Helper function to get user ID from context
func GetUserID(c *gin.Context) (string, bool) {
	userID, exists := c.Get("user_id")
	if !exists {
		return "", false
	}

	id, ok := userID.(string)
	return id, ok
}

// Helper function to get session ID from context
func GetSessionID(c *gin.Context) (string, bool) {
	sessionID, exists := c.Get("session_id")
	if !exists {
		return "", false
	}

	id, ok := sessionID.(string)
	return id, ok
}
