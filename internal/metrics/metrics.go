// Package metrics exposes Prometheus counters for the auth subsystem.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is what the auth components report to. Collector implements it
// against Prometheus; Nop discards everything.
type Recorder interface {
	StoreDegraded(tier, op string)
	MirrorFailed(op string)
	LoginFailure(scope string)
	Lockout(scope string)
	GuardFailOpen(op string)
	OTPSent(purpose string)
	OTPVerified(purpose, result string)
	SessionValidated(result string)
	RememberMeRotated(result string)
}

// Collector records auth events as Prometheus counters.
type Collector struct {
	storeDegraded  *prometheus.CounterVec
	mirrorFailed   *prometheus.CounterVec
	loginFailures  *prometheus.CounterVec
	lockouts       *prometheus.CounterVec
	guardFailOpen  *prometheus.CounterVec
	otpSent        *prometheus.CounterVec
	otpVerified    *prometheus.CounterVec
	sessionChecks  *prometheus.CounterVec
	rememberRotate *prometheus.CounterVec
}

// NewCollector creates a Collector and registers its metrics on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		storeDegraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_auth_store_degraded_total",
			Help: "Store operations served in degraded mode, by failed tier and operation.",
		}, []string{"tier", "op"}),
		mirrorFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_auth_store_mirror_failed_total",
			Help: "Durable mirror writes that failed or were dropped.",
		}, []string{"op"}),
		loginFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_auth_login_failures_total",
			Help: "Recorded login failures.",
		}, []string{"scope"}),
		lockouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_auth_lockouts_total",
			Help: "Identifier lockouts and IP blocks triggered.",
		}, []string{"scope"}),
		guardFailOpen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_auth_guard_fail_open_total",
			Help: "Login guard checks that failed open because the counter backend was unreachable.",
		}, []string{"op"}),
		otpSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_auth_otp_sent_total",
			Help: "One-time codes dispatched.",
		}, []string{"purpose"}),
		otpVerified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_auth_otp_verifications_total",
			Help: "One-time code verification outcomes.",
		}, []string{"purpose", "result"}),
		sessionChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_auth_session_validations_total",
			Help: "Session validation outcomes.",
		}, []string{"result"}),
		rememberRotate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_auth_remember_me_rotations_total",
			Help: "Remember-me rotation outcomes.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		c.storeDegraded,
		c.mirrorFailed,
		c.loginFailures,
		c.lockouts,
		c.guardFailOpen,
		c.otpSent,
		c.otpVerified,
		c.sessionChecks,
		c.rememberRotate,
	)

	return c
}

func (c *Collector) StoreDegraded(tier, op string) { c.storeDegraded.WithLabelValues(tier, op).Inc() }
func (c *Collector) MirrorFailed(op string) { c.mirrorFailed.WithLabelValues(op).Inc() }
func (c *Collector) LoginFailure(scope string) { c.loginFailures.WithLabelValues(scope).Inc() }
func (c *Collector) Lockout(scope string) { c.lockouts.WithLabelValues(scope).Inc() }
func (c *Collector) GuardFailOpen(op string) { c.guardFailOpen.WithLabelValues(op).Inc() }
func (c *Collector) OTPSent(purpose string) { c.otpSent.WithLabelValues(purpose).Inc() }
func (c *Collector) OTPVerified(purpose, result string) {
	c.otpVerified.WithLabelValues(purpose, result).Inc()
}
func (c *Collector) SessionValidated(result string) { c.sessionChecks.WithLabelValues(result).Inc() }
func (c *Collector) RememberMeRotated(result string) { c.rememberRotate.WithLabelValues(result).Inc() }

// Handler returns the scrape handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop discards all events.
type Nop struct{}

func (Nop) StoreDegraded(string, string) {}
func (Nop) MirrorFailed(string) {}
func (Nop) LoginFailure(string) {}
func (Nop) Lockout(string) {}
func (Nop) GuardFailOpen(string) {}
func (Nop) OTPSent(string) {}
func (Nop) OTPVerified(string, string) {}
func (Nop) SessionValidated(string) {}
func (Nop) RememberMeRotated(string) {}

// OrNop returns r, or Nop when r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop{}
	}
	return r
}
