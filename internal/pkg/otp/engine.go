// Package otp issues and verifies short numeric codes sent by SMS.
//
// Each (phone, purpose) pair has at most one active code. A code moves from
// ACTIVE to VERIFIED, EXHAUSTED or EXPIRED and never back; every terminal
// state needs a new SendCode.
package otp

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"storefront-service/internal/metrics"
	xerrors "storefront-service/internal/pkg/errors"
	"storefront-service/internal/pkg/store"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const (
	codeDigits = 6
	// Records are kept past their expiry so a late attempt reads as expired
	// rather than unknown.
	expiredGrace = 10 * time.Minute
)

var codeSpace = big.NewInt(1_000_000)

// Sender delivers a text message to a phone number. Retries are the
// sender's business; the engine reports the first failure.
type Sender interface {
	Send(ctx context.Context, phone, message string) error
}

type Config struct {
	TTL         time.Duration
	MaxAttempts int64
	SendLimit   int64
	SendWindow  time.Duration
	// Secret keys the code hashes. Codes are never stored in the clear.
	Secret  string
	AppName string
	Now     func() time.Time
}

func (c *Config) defaults() {
	if c.TTL <= 0 {
		c.TTL = 5 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.SendLimit <= 0 {
		c.SendLimit = 3
	}
	if c.SendWindow <= 0 {
		c.SendWindow = time.Hour
	}
	if c.AppName == "" {
		c.AppName = "Storefront"
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

type record struct {
	Phone     string    `json:"phone"`
	Purpose   Purpose   `json:"purpose"`
	Nonce     string    `json:"nonce"`
	CodeHash  string    `json:"code_hash"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Engine struct {
	store    *store.DualStore
	sender   Sender
	cfg      Config
	logger   *zap.Logger
	metrics  metrics.Recorder
	generate func() (string, error)
}

func NewEngine(st *store.DualStore, sender Sender, cfg Config, logger *zap.Logger, rec metrics.Recorder) *Engine {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:    st,
		sender:   sender,
		cfg:      cfg,
		logger:   logger.Named("otp"),
		metrics:  metrics.OrNop(rec),
		generate: generateCode,
	}
}

// SendCode issues a fresh code for (phone, purpose), replacing any code
// already active for it, and hands it to the Sender. It returns when the
// new code expires.
func (e *Engine) SendCode(ctx context.Context, phone string, purpose Purpose) (time.Time, error) {
	phone = normalizePhone(phone)
	if phone == "" || !purpose.Valid() {
		return time.Time{}, fmt.Errorf("send code: %w", xerrors.ErrInvalidInput)
	}

	sent, window, err := e.store.Incr(ctx, sendsKey(phone), e.cfg.SendWindow)
	if err != nil {
		return time.Time{}, fmt.Errorf("send code: %w", err)
	}
	if sent > e.cfg.SendLimit {
		e.logger.Warn("otp send rate limited",
			zap.String("phone", maskPhone(phone)),
			zap.String("purpose", string(purpose)),
			zap.Int64("sends", sent),
		)
		return time.Time{}, xerrors.NewRetryAfter(xerrors.ErrRateLimited, window)
	}

	code, err := e.generate()
	if err != nil {
		return time.Time{}, err
	}

	now := e.cfg.Now()
	rec := record{
		Phone:     phone,
		Purpose:   purpose,
		Nonce:     ulid.Make().String(),
		IssuedAt:  now,
		ExpiresAt: now.Add(e.cfg.TTL),
	}
	rec.CodeHash = e.hash(rec, code)

	if err := e.store.SetJSON(ctx, recordKey(phone, purpose), rec, e.cfg.TTL+expiredGrace); err != nil {
		return time.Time{}, fmt.Errorf("store code: %w", err)
	}

	if err := e.sender.Send(ctx, phone, e.message(code)); err != nil {
		if delErr := e.store.Del(ctx, recordKey(phone, purpose)); delErr != nil {
			e.logger.Error("failed to drop undelivered code", zap.String("phone", maskPhone(phone)), zap.Error(delErr))
		}
		e.logger.Warn("otp delivery failed",
			zap.String("phone", maskPhone(phone)),
			zap.String("purpose", string(purpose)),
			zap.Error(err),
		)
		return time.Time{}, fmt.Errorf("%w: %v", xerrors.ErrDeliveryFailed, err)
	}

	e.metrics.OTPSent(string(purpose))
	e.logger.Info("otp sent",
		zap.String("phone", maskPhone(phone)),
		zap.String("purpose", string(purpose)),
		zap.Time("expires_at", rec.ExpiresAt),
	)
	return rec.ExpiresAt, nil
}

// VerifyCode checks code against the active record for (phone, purpose).
// A match consumes the record. Every submission, right or wrong, uses one
// attempt, so concurrent guesses cannot exceed MaxAttempts comparisons.
func (e *Engine) VerifyCode(ctx context.Context, phone string, purpose Purpose, code string) error {
	err := e.verify(ctx, normalizePhone(phone), purpose, code)
	e.metrics.OTPVerified(string(purpose), outcome(err))
	return err
}

func (e *Engine) verify(ctx context.Context, phone string, purpose Purpose, code string) error {
	if phone == "" || !purpose.Valid() {
		return fmt.Errorf("verify code: %w", xerrors.ErrInvalidInput)
	}

	var rec record
	err := e.store.GetJSON(ctx, recordKey(phone, purpose), &rec)
	if errors.Is(err, store.ErrMiss) {
		return xerrors.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load code: %w", err)
	}

	now := e.cfg.Now()
	remaining := rec.ExpiresAt.Sub(now)
	if remaining <= 0 {
		if err := e.store.Del(ctx, recordKey(phone, purpose), attemptsKey(rec.Nonce)); err != nil {
			e.logger.Warn("failed to delete expired code", zap.Error(err))
		}
		return xerrors.ErrExpired
	}

	attempt, _, err := e.store.Incr(ctx, attemptsKey(rec.Nonce), remaining+expiredGrace)
	if err != nil {
		return fmt.Errorf("count attempt: %w", err)
	}
	if attempt > e.cfg.MaxAttempts {
		return xerrors.ErrAttemptsExhausted
	}

	if !hmac.Equal([]byte(e.hash(rec, code)), []byte(rec.CodeHash)) {
		left := e.cfg.MaxAttempts - attempt
		e.logger.Info("otp mismatch",
			zap.String("phone", maskPhone(phone)),
			zap.String("purpose", string(purpose)),
			zap.Int64("attempts_left", left),
		)
		if left <= 0 {
			return xerrors.ErrAttemptsExhausted
		}
		return fmt.Errorf("%w: %d attempts left", xerrors.ErrInvalidCode, left)
	}

	// Two correct submissions racing each other: exactly one consumes.
	won, err := e.store.SetNX(ctx, consumedKey(rec.Nonce), []byte("1"), remaining+expiredGrace)
	if err != nil {
		return fmt.Errorf("consume code: %w", err)
	}
	if !won {
		return xerrors.ErrNotFound
	}
	if err := e.store.Del(ctx, recordKey(phone, purpose), attemptsKey(rec.Nonce)); err != nil {
		e.logger.Warn("failed to delete consumed code", zap.Error(err))
	}

	e.logger.Info("otp verified", zap.String("phone", maskPhone(phone)), zap.String("purpose", string(purpose)))
	return nil
}

func (e *Engine) hash(rec record, code string) string {
	mac := hmac.New(sha256.New, []byte(e.cfg.Secret))
	mac.Write([]byte(rec.Phone + "|" + string(rec.Purpose) + "|" + rec.Nonce + "|" + code))
	return hex.EncodeToString(mac.Sum(nil))
}

func (e *Engine) message(code string) string {
	return fmt.Sprintf("Your %s verification code is %s. It expires in %d minutes. Do not share it.",
		e.cfg.AppName, code, int(e.cfg.TTL.Minutes()))
}

// generateCode draws a uniform 6-digit code from crypto/rand.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, xerrors.ErrInvalidCode):
		return "invalid"
	case errors.Is(err, xerrors.ErrAttemptsExhausted):
		return "exhausted"
	case errors.Is(err, xerrors.ErrExpired):
		return "expired"
	case errors.Is(err, xerrors.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

func recordKey(phone string, purpose Purpose) string {
	return "otp:" + phone + ":" + string(purpose)
}

func attemptsKey(nonce string) string {
	return "otp:attempts:" + nonce
}

func consumedKey(nonce string) string {
	return "otp:consumed:" + nonce
}

func sendsKey(phone string) string {
	return "otp:sends:" + phone
}
