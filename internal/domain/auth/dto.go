// internal/domain/auth/dto.go
package auth

import "time"

// LoginRequest for password login
type LoginRequest struct {
	Email      string `json:"email" binding:"required,email"`
	Password   string `json:"password" binding:"required"`
	RememberMe bool   `json:"remember_me"`
	IPAddress  string `json:"-"`
	UserAgent  string `json:"-"`
}

// LoginResponse is returned by password and remember-me login alike.
type LoginResponse struct {
	UserID        string    `json:"user_id"`
	SessionID     string    `json:"session_id"`
	ExpiresAt     time.Time `json:"expires_at"`
	RememberToken string    `json:"remember_token,omitempty"`
	// Suspicious carries advisory heuristics for upstream policy such as a
	// CAPTCHA. It never blocks on its own.
	Suspicious []string `json:"suspicious,omitempty"`
}

// RememberMeRequest exchanges a remember-me token for a fresh session.
type RememberMeRequest struct {
	Token     string `json:"token" binding:"required"`
	IPAddress string `json:"-"`
	UserAgent string `json:"-"`
}

// SendCodeRequest asks for a one-time code by SMS.
type SendCodeRequest struct {
	Phone   string `json:"phone" binding:"required"`
	Purpose string `json:"purpose" binding:"required"`
}

// SendCodeResponse tells the client how long the code stays valid.
type SendCodeResponse struct {
	ExpiresAt time.Time `json:"expires_at"`
}

// VerifyCodeRequest submits a one-time code.
type VerifyCodeRequest struct {
	Phone   string `json:"phone" binding:"required"`
	Purpose string `json:"purpose" binding:"required"`
	Code    string `json:"code" binding:"required,len=6,numeric"`
}

// SessionInfo describes one active session without exposing its id.
type SessionInfo struct {
	Current        bool      `json:"current"`
	IPAddress      string    `json:"ip_address"`
	UserAgent      string    `json:"user_agent"`
	RememberMe     bool      `json:"remember_me"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}
