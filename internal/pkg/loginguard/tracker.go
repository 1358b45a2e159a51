// Package loginguard tracks failed logins per identifier and per IP and turns
// them into lockouts, IP blocks, response delays and advisory signals.
//
// Each scope moves CLEAN -> WARNING -> LOCKED -> CLEAN. The window counter
// starts with the first failure; reaching the threshold writes a lock that
// lasts one full window. Identifier state also clears on a successful login.
// IP state only clears when its window lapses.
//
// The guard is a secondary defense. When its backend is unreachable it fails
// open: checks report "not locked" with Degraded set, and the outage is
// logged at error level.
package loginguard

import (
	"context"
	"errors"
	"math"
	"slices"
	"strconv"
	"time"

	"storefront-service/internal/metrics"
	"storefront-service/internal/pkg/fingerprint"
	"storefront-service/internal/pkg/store"

	"go.uber.org/zap"
)

type Config struct {
	LockoutThreshold int64
	LockoutWindow    time.Duration
	IPBlockThreshold int64
	IPBlockWindow    time.Duration

	DelayBase time.Duration
	DelayMax  time.Duration

	// SuspiciousIdentifierLimit is how many distinct identifiers one IP may
	// fail against within SuspiciousWindow before it looks like cycling.
	SuspiciousIdentifierLimit int
	SuspiciousWindow          time.Duration
	// DeviceMemory is how long a device stays recognized after a login.
	DeviceMemory time.Duration
}

func (c *Config) defaults() {
	if c.LockoutThreshold <= 0 {
		c.LockoutThreshold = 5
	}
	if c.LockoutWindow <= 0 {
		c.LockoutWindow = 15 * time.Minute
	}
	if c.IPBlockThreshold <= 0 {
		c.IPBlockThreshold = 10
	}
	if c.IPBlockWindow <= 0 {
		c.IPBlockWindow = time.Hour
	}
	if c.DelayBase <= 0 {
		c.DelayBase = 250 * time.Millisecond
	}
	if c.DelayMax <= 0 {
		c.DelayMax = 8 * time.Second
	}
	if c.SuspiciousIdentifierLimit <= 0 {
		c.SuspiciousIdentifierLimit = 5
	}
	if c.SuspiciousWindow <= 0 {
		c.SuspiciousWindow = 10 * time.Minute
	}
	if c.DeviceMemory <= 0 {
		c.DeviceMemory = 90 * 24 * time.Hour
	}
}

// Status is the lock state of one scope.
type Status struct {
	Locked    bool
	Remaining time.Duration
	// Degraded means the backend could not be asked and Locked is a guess.
	Degraded bool
}

// RemainingSeconds rounds Remaining up to whole seconds.
func (s Status) RemainingSeconds() int64 {
	return int64(math.Ceil(s.Remaining.Seconds()))
}

// FailureResult summarizes a recorded failure.
type FailureResult struct {
	IdentifierFailures int64
	IPFailures         int64
	// Delay is how long the caller should hold the failed response.
	Delay     time.Duration
	LockedOut bool
	IPBlocked bool
	Degraded  bool
}

// Assessment is advisory; nothing in this package acts on it.
type Assessment struct {
	Suspicious bool
	Reasons    []string
	Degraded   bool
}

type Tracker struct {
	store   *store.DualStore
	hasher  *fingerprint.Hasher
	cfg     Config
	logger  *zap.Logger
	metrics metrics.Recorder
}

func NewTracker(st *store.DualStore, hasher *fingerprint.Hasher, cfg Config, logger *zap.Logger, rec metrics.Recorder) *Tracker {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		store:   st,
		hasher:  hasher,
		cfg:     cfg,
		logger:  logger.Named("loginguard"),
		metrics: metrics.OrNop(rec),
	}
}

// RecordFailure counts a failed login against both the identifier and the IP
// and locks whichever scope reached its threshold.
func (t *Tracker) RecordFailure(ctx context.Context, identifier, ip, userAgent string) FailureResult {
	identifier = normalizeIdentifier(identifier)
	ip = fingerprint.NormalizeIP(ip)

	var res FailureResult

	n, _, err := t.store.Incr(ctx, failKey(scopeIdentifier, identifier), t.cfg.LockoutWindow)
	if err != nil {
		t.failOpen("record_failure", scopeIdentifier, identifier, err)
		res.Degraded = true
	} else {
		res.IdentifierFailures = n
		t.metrics.LoginFailure(scopeIdentifier)
		if n >= t.cfg.LockoutThreshold {
			res.LockedOut = true
			t.lock(ctx, scopeIdentifier, identifier, n, t.cfg.LockoutWindow)
		}
	}

	n, _, err = t.store.Incr(ctx, failKey(scopeIP, ip), t.cfg.IPBlockWindow)
	if err != nil {
		t.failOpen("record_failure", scopeIP, ip, err)
		res.Degraded = true
	} else {
		res.IPFailures = n
		t.metrics.LoginFailure(scopeIP)
		if n >= t.cfg.IPBlockThreshold {
			res.IPBlocked = true
			t.lock(ctx, scopeIP, ip, n, t.cfg.IPBlockWindow)
		}
	}

	if identifier != "" {
		if err := t.store.AddMember(ctx, ipIdentitiesKey(ip), identifier, t.cfg.SuspiciousWindow); err != nil {
			t.logger.Warn("failed to track identifier for ip", zap.String("ip", ip), zap.Error(err))
		}
	}

	res.Delay = ProgressiveDelay(res.IdentifierFailures, t.cfg.DelayBase, t.cfg.DelayMax)

	_, automated := automatedAgent(userAgent)
	t.logger.Info("login failure recorded",
		zap.String("identifier", identifier),
		zap.String("ip", ip),
		zap.Bool("automated_client", automated),
		zap.Int64("identifier_failures", res.IdentifierFailures),
		zap.Int64("ip_failures", res.IPFailures),
		zap.Duration("delay", res.Delay),
	)
	return res
}

// lock starts a lock for one full window. Only the first crossing writes it,
// so further failures while locked do not extend the lock.
func (t *Tracker) lock(ctx context.Context, scope, subject string, failures int64, window time.Duration) {
	ok, err := t.store.SetNX(ctx, lockKey(scope, subject), []byte(strconv.FormatInt(failures, 10)), window)
	if err != nil {
		t.failOpen("lock", scope, subject, err)
		return
	}
	if ok {
		t.metrics.Lockout(scope)
		t.logger.Warn("login scope locked",
			zap.String("scope", scope),
			zap.String("subject", subject),
			zap.Int64("failures", failures),
			zap.Duration("duration", window),
		)
	}
}

// RecordSuccess clears the identifier's failures and lock. IP state is left
// alone so one good password cannot launder a spraying IP.
func (t *Tracker) RecordSuccess(ctx context.Context, identifier string) {
	identifier = normalizeIdentifier(identifier)
	if err := t.store.Del(ctx, failKey(scopeIdentifier, identifier), lockKey(scopeIdentifier, identifier)); err != nil {
		t.failOpen("record_success", scopeIdentifier, identifier, err)
	}
}

// IsLockedOut reports whether identifier is locked and for how long.
func (t *Tracker) IsLockedOut(ctx context.Context, identifier string) Status {
	identifier = normalizeIdentifier(identifier)
	return t.status(ctx, scopeIdentifier, identifier, t.cfg.LockoutThreshold)
}

// IsIPBlocked reports whether ip is blocked and for how long.
func (t *Tracker) IsIPBlocked(ctx context.Context, ip string) Status {
	ip = fingerprint.NormalizeIP(ip)
	return t.status(ctx, scopeIP, ip, t.cfg.IPBlockThreshold)
}

func (t *Tracker) status(ctx context.Context, scope, subject string, threshold int64) Status {
	remaining, err := t.store.TTL(ctx, lockKey(scope, subject))
	if err == nil {
		return Status{Locked: true, Remaining: remaining}
	}
	if !errors.Is(err, store.ErrMiss) {
		t.failOpen("status", scope, subject, err)
		return Status{Degraded: true}
	}

	// A counter at threshold without a lock means the lock write was lost;
	// the counter's own window bounds it.
	n, remaining, err := t.store.Count(ctx, failKey(scope, subject))
	if err != nil {
		t.failOpen("status", scope, subject, err)
		return Status{Degraded: true}
	}
	if n >= threshold {
		return Status{Locked: true, Remaining: remaining}
	}
	return Status{}
}

// FailureCount returns the identifier's failures in the current window.
func (t *Tracker) FailureCount(ctx context.Context, identifier string) (int64, error) {
	n, _, err := t.store.Count(ctx, failKey(scopeIdentifier, normalizeIdentifier(identifier)))
	return n, err
}

// CheckSuspiciousPatterns flags automated clients, identifier cycling from
// one IP, logins from devices the identifier never used and repeated
// failures. It never blocks.
func (t *Tracker) CheckSuspiciousPatterns(ctx context.Context, identifier, ip, userAgent string) Assessment {
	identifier = normalizeIdentifier(identifier)
	ip = fingerprint.NormalizeIP(ip)

	var a Assessment
	flag := func(reason string) {
		a.Suspicious = true
		a.Reasons = append(a.Reasons, reason)
	}

	if fingerprint.NormalizeUserAgent(userAgent) == "" {
		flag(ReasonMissingUserAgent)
	} else if _, bad := automatedAgent(userAgent); bad {
		flag(ReasonAutomatedClient)
	}

	tried, err := t.store.Members(ctx, ipIdentitiesKey(ip))
	if err != nil {
		t.failOpen("suspicious", scopeIP, ip, err)
		a.Degraded = true
	} else if distinct(tried, identifier) > t.cfg.SuspiciousIdentifierLimit {
		flag(ReasonIdentifierCycling)
	}

	if identifier != "" {
		devices, err := t.store.Members(ctx, devicesKey(identifier))
		if err != nil {
			t.failOpen("suspicious", scopeIdentifier, identifier, err)
			a.Degraded = true
		} else if len(devices) > 0 && !slices.Contains(devices, t.hasher.Fingerprint(ip, userAgent)) {
			flag(ReasonUnknownDevice)
		}

		n, _, err := t.store.Count(ctx, failKey(scopeIdentifier, identifier))
		if err != nil {
			t.failOpen("suspicious", scopeIdentifier, identifier, err)
			a.Degraded = true
		} else if n > t.cfg.LockoutThreshold/2 {
			flag(ReasonRepeatedFailures)
		}
	}

	if a.Suspicious {
		t.logger.Info("suspicious login pattern",
			zap.String("identifier", identifier),
			zap.String("ip", ip),
			zap.Strings("reasons", a.Reasons),
		)
	}
	return a
}

// RememberDevice marks the client as a known device for identifier.
func (t *Tracker) RememberDevice(ctx context.Context, identifier, ip, userAgent string) {
	identifier = normalizeIdentifier(identifier)
	fp := t.hasher.Fingerprint(ip, userAgent)
	if err := t.store.AddMember(ctx, devicesKey(identifier), fp, t.cfg.DeviceMemory); err != nil {
		t.logger.Warn("failed to remember device", zap.String("identifier", identifier), zap.Error(err))
	}
}

// Unlock clears an identifier's failures and lock.
func (t *Tracker) Unlock(ctx context.Context, identifier string) error {
	identifier = normalizeIdentifier(identifier)
	if err := t.store.Del(ctx, failKey(scopeIdentifier, identifier), lockKey(scopeIdentifier, identifier)); err != nil {
		return err
	}
	t.logger.Info("identifier unlocked", zap.String("identifier", identifier))
	return nil
}

// UnblockIP clears an IP's failures, block and cycling history.
func (t *Tracker) UnblockIP(ctx context.Context, ip string) error {
	ip = fingerprint.NormalizeIP(ip)
	if err := t.store.Del(ctx, failKey(scopeIP, ip), lockKey(scopeIP, ip), ipIdentitiesKey(ip)); err != nil {
		return err
	}
	t.logger.Info("ip unblocked", zap.String("ip", ip))
	return nil
}

func (t *Tracker) failOpen(op, scope, subject string, err error) {
	t.logger.Error("login guard backend unavailable, failing open",
		zap.String("op", op),
		zap.String("scope", scope),
		zap.String("subject", subject),
		zap.Error(err),
	)
	t.metrics.GuardFailOpen(op)
}

const (
	scopeIdentifier = "identifier"
	scopeIP         = "ip"
)

func failKey(scope, subject string) string {
	return "login:fail:" + scope + ":" + subject
}

func lockKey(scope, subject string) string {
	return "login:lock:" + scope + ":" + subject
}

func ipIdentitiesKey(ip string) string {
	return "login:ip-identifiers:" + ip
}

func devicesKey(identifier string) string {
	return "login:devices:" + identifier
}

func distinct(tried []string, identifier string) int {
	n := len(tried)
	if identifier != "" && !slices.Contains(tried, identifier) {
		n++
	}
	return n
}
