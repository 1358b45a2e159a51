// internal/pkg/session/types.go
package session

import "time"

// Session is the server-side record behind an opaque session id.
type Session struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Fingerprint    string    `json:"fingerprint"`
	IPAddress      string    `json:"ip_address"`
	UserAgent      string    `json:"user_agent"`
	RememberMe     bool      `json:"remember_me"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	// MaxAge is the sliding window a refresh extends expiry by.
	MaxAge time.Duration `json:"max_age"`

	// raw is the stored encoding this copy was read from.
	raw []byte
}

// CreateOptions tune a new session. A zero MaxAge picks the configured
// default for the session kind.
type CreateOptions struct {
	MaxAge     time.Duration
	RememberMe bool
}

type Config struct {
	TTL             time.Duration
	RememberTTL     time.Duration
	AbsoluteTTL     time.Duration
	RefreshInterval time.Duration
	Now             func() time.Time
}

func (c *Config) defaults() {
	if c.TTL <= 0 {
		c.TTL = 24 * time.Hour
	}
	if c.RememberTTL <= 0 {
		c.RememberTTL = 7 * 24 * time.Hour
	}
	if c.AbsoluteTTL <= 0 {
		c.AbsoluteTTL = 30 * 24 * time.Hour
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = time.Minute
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}
