// internal/domain/auth/entity.go
package auth

import "time"

// User is the credential record the login path verifies against.
type User struct {
	ID           string    `json:"id" db:"id"`
	Email        string    `json:"email" db:"email"`
	PasswordHash string    `json:"-" db:"password_hash"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// RequestContext is the client metadata a login or session check runs under.
type RequestContext struct {
	IPAddress string
	UserAgent string
}
