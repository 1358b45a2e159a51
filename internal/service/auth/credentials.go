package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"storefront-service/internal/domain/auth"
	xerrors "storefront-service/internal/pkg/errors"

	"golang.org/x/crypto/bcrypt"
)

// CredentialVerifier checks a password login. It returns the user id on a
// match and ErrInvalidCredentials on any mismatch, including unknown users.
type CredentialVerifier interface {
	Verify(ctx context.Context, email, password string) (string, error)
}

type UserFinder interface {
	FindUserByEmail(ctx context.Context, email string) (*auth.User, error)
}

// BcryptVerifier compares against bcrypt hashes from the users table.
type BcryptVerifier struct {
	users UserFinder

	once  sync.Once
	dummy []byte
}

func NewBcryptVerifier(users UserFinder) *BcryptVerifier {
	return &BcryptVerifier{users: users}
}

func (v *BcryptVerifier) Verify(ctx context.Context, email, password string) (string, error) {
	user, err := v.users.FindUserByEmail(ctx, email)
	if errors.Is(err, xerrors.ErrNotFound) {
		// Burn the same time as a real comparison so unknown emails do not
		// answer faster.
		_ = bcrypt.CompareHashAndPassword(v.dummyHash(), []byte(password))
		return "", xerrors.ErrInvalidCredentials
	}
	if err != nil {
		return "", fmt.Errorf("verify credentials: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", xerrors.ErrInvalidCredentials
	}
	return user.ID, nil
}

func (v *BcryptVerifier) dummyHash() []byte {
	v.once.Do(func() {
		v.dummy, _ = bcrypt.GenerateFromPassword([]byte("not-a-real-password"), bcrypt.DefaultCost)
	})
	return v.dummy
}
