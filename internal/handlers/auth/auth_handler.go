// internal/handlers/auth/auth_handler.go
package auth

import (
	"net/http"
	"time"

	"storefront-service/internal/domain/auth"
	"storefront-service/internal/middleware"
	"storefront-service/internal/pkg/response"
	authUsecase "storefront-service/internal/service/auth"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type AuthHandler struct {
	authService  *authUsecase.AuthService
	logger       *zap.Logger
	secureCookie bool
}

func NewAuthHandler(authService *authUsecase.AuthService, logger *zap.Logger, secureCookie bool) *AuthHandler {
	return &AuthHandler{
		authService:  authService,
		logger:       logger,
		secureCookie: secureCookie,
	}
}

// ========== Login ==========

// Login handles email/password login
func (h *AuthHandler) Login(c *gin.Context) {
	var req auth.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "invalid request", err)
		return
	}

	// Set IP and User-Agent
	req.IPAddress = c.ClientIP()
	req.UserAgent = c.GetHeader("User-Agent")

	loginResp, err := h.authService.Login(c.Request.Context(), &req)
	if err != nil {
		h.logger.Warn("login failed",
			zap.String("email", req.Email),
			zap.String("ip", req.IPAddress),
			zap.Error(err),
		)
		response.FromError(c, "login failed", err)
		return
	}

	h.setSessionCookie(c, loginResp.SessionID, loginResp.ExpiresAt)
	response.Success(c, http.StatusOK, "login successful", loginResp)
}

// RememberMe exchanges a remember-me token for a new session
func (h *AuthHandler) RememberMe(c *gin.Context) {
	var req auth.RememberMeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "invalid request", err)
		return
	}

	req.IPAddress = c.ClientIP()
	req.UserAgent = c.GetHeader("User-Agent")

	loginResp, err := h.authService.LoginWithRememberMe(c.Request.Context(), &req)
	if err != nil {
		h.logger.Warn("remember-me login failed", zap.String("ip", req.IPAddress), zap.Error(err))
		response.FromError(c, "remember-me login failed", err)
		return
	}

	h.setSessionCookie(c, loginResp.SessionID, loginResp.ExpiresAt)
	response.Success(c, http.StatusOK, "login successful", loginResp)
}

// ========== Logout ==========

// Logout handles user logout (requires auth)
func (h *AuthHandler) Logout(c *gin.Context) {
	userID := middleware.MustGetUserID(c)
	sessionID := middleware.MustGetSessionID(c)

	if err := h.authService.Logout(c.Request.Context(), sessionID); err != nil {
		h.logger.Error("logout failed",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		response.FromError(c, "logout failed", err)
		return
	}

	h.clearSessionCookie(c)
	response.Success(c, http.StatusOK, "logout successful", nil)
}

// LogoutAll handles logging out all sessions (requires auth)
func (h *AuthHandler) LogoutAll(c *gin.Context) {
	userID := middleware.MustGetUserID(c)

	count, err := h.authService.LogoutAll(c.Request.Context(), userID)
	if err != nil {
		response.FromError(c, "logout all failed", err)
		return
	}

	h.clearSessionCookie(c)
	response.Success(c, http.StatusOK, "all sessions logged out", gin.H{"sessions": count})
}

// DisableRememberMe revokes every remember-me token of the caller (requires auth)
func (h *AuthHandler) DisableRememberMe(c *gin.Context) {
	userID := middleware.MustGetUserID(c)

	count, err := h.authService.DisableRememberMe(c.Request.Context(), userID)
	if err != nil {
		response.FromError(c, "failed to disable remember-me", err)
		return
	}

	response.Success(c, http.StatusOK, "remember-me disabled", gin.H{"tokens": count})
}

// Sessions lists the caller's active sessions (requires auth)
func (h *AuthHandler) Sessions(c *gin.Context) {
	userID := middleware.MustGetUserID(c)
	sessionID := middleware.MustGetSessionID(c)

	sessions, err := h.authService.ActiveSessions(c.Request.Context(), userID, sessionID)
	if err != nil {
		response.FromError(c, "failed to list sessions", err)
		return
	}

	response.Success(c, http.StatusOK, "active sessions", sessions)
}

// ========== Phone verification ==========

// SendCode sends a one-time code by SMS
func (h *AuthHandler) SendCode(c *gin.Context) {
	var req auth.SendCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "invalid request", err)
		return
	}

	resp, err := h.authService.SendPhoneCode(c.Request.Context(), &req)
	if err != nil {
		response.FromError(c, "failed to send code", err)
		return
	}

	response.Success(c, http.StatusOK, "code sent", resp)
}

// VerifyCode checks a one-time code
func (h *AuthHandler) VerifyCode(c *gin.Context) {
	var req auth.VerifyCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "invalid request", err)
		return
	}

	if err := h.authService.VerifyPhoneCode(c.Request.Context(), &req); err != nil {
		response.FromError(c, "verification failed", err)
		return
	}

	response.Success(c, http.StatusOK, "phone verified", nil)
}

func (h *AuthHandler) setSessionCookie(c *gin.Context, sessionID string, expiresAt time.Time) {
	maxAge := int(time.Until(expiresAt).Seconds())
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(middleware.SessionCookie, sessionID, maxAge, "/", "", h.secureCookie, true)
}

func (h *AuthHandler) clearSessionCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(middleware.SessionCookie, "", -1, "/", "", h.secureCookie, true)
}
