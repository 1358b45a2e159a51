package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	authHandler "storefront-service/internal/handlers/auth"
	"storefront-service/internal/metrics"
	"storefront-service/internal/middleware"
	xerrors "storefront-service/internal/pkg/errors"
	"storefront-service/internal/pkg/fingerprint"
	"storefront-service/internal/pkg/loginguard"
	"storefront-service/internal/pkg/otp"
	"storefront-service/internal/pkg/rememberme"
	"storefront-service/internal/pkg/session"
	"storefront-service/internal/pkg/store/storetest"
	authUsecase "storefront-service/internal/service/auth"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const browser = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_5) Safari/17.5"

type staticVerifier map[string]string

func (v staticVerifier) Verify(_ context.Context, email, password string) (string, error) {
	if want, ok := v[email]; ok && want == password {
		return "user:" + email, nil
	}
	return "", xerrors.ErrInvalidCredentials
}

type lastMessage struct{ text string }

func (l *lastMessage) Send(_ context.Context, _, message string) error {
	l.text = message
	return nil
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func newTestRouter(t *testing.T) (*gin.Engine, *lastMessage) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	env := storetest.New(t)
	logger := zaptest.NewLogger(t)
	hasher := fingerprint.New("test-salt")
	registry := prometheus.NewRegistry()
	rec := metrics.NewCollector(registry)

	sessions := session.NewManager(env.Store, hasher, session.Config{Now: env.Now}, logger, rec)
	guard := loginguard.NewTracker(env.Store, hasher, loginguard.Config{
		DelayBase: time.Millisecond,
		DelayMax:  2 * time.Millisecond,
	}, logger, rec)
	remember := rememberme.NewManager(env.Store, sessions, rememberme.Config{Now: env.Now}, logger, rec)
	sms := &lastMessage{}
	codes := otp.NewEngine(env.Store, sms, otp.Config{Secret: "test", Now: env.Now}, logger, rec)

	svc := authUsecase.NewAuthService(
		staticVerifier{"alice@example.com": "correct horse"},
		sessions, guard, remember, codes, logger,
	)

	r := gin.New()
	r.Use(middleware.RecoveryMiddleware(logger), middleware.LoggingMiddleware(logger))
	SetupRouter(r, logger, &Handlers{
		AuthHandler:    authHandler.NewAuthHandler(svc, logger, false),
		AuthMiddleware: middleware.NewAuthMiddleware(sessions, logger),
		Metrics:        metrics.Handler(registry),
	})
	return r, sms
}

func do(t *testing.T, r http.Handler, method, path string, body any, sessionID, ua string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", ua)
	if sessionID != "" {
		req.Header.Set("Authorization", "Bearer "+sessionID)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w, env
}

type loginData struct {
	UserID        string `json:"user_id"`
	SessionID     string `json:"session_id"`
	RememberToken string `json:"remember_token"`
}

func loginAs(t *testing.T, r http.Handler, remember bool) loginData {
	t.Helper()
	w, env := do(t, r, http.MethodPost, "/api/v1/auth/login", gin.H{
		"email": "alice@example.com", "password": "correct horse", "remember_me": remember,
	}, "", browser)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var data loginData
	require.NoError(t, json.Unmarshal(env.Data, &data))
	return data
}

func TestHealth(t *testing.T) {
	r, _ := newTestRouter(t)

	w, _ := do(t, r, http.MethodGet, "/api/v1/health", nil, "", browser)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestLoginAndSessionsRoundTrip(t *testing.T) {
	r, _ := newTestRouter(t)

	data := loginAs(t, r, false)
	assert.Equal(t, "user:alice@example.com", data.UserID)
	assert.NotEmpty(t, data.SessionID)
	assert.Empty(t, data.RememberToken)

	w, env := do(t, r, http.MethodGet, "/api/v1/auth/sessions", nil, data.SessionID, browser)
	require.Equal(t, http.StatusOK, w.Code)

	var sessions []struct {
		Current bool `json:"current"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &sessions))
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].Current)
}

func TestSessionRejectedFromOtherDevice(t *testing.T) {
	r, _ := newTestRouter(t)
	data := loginAs(t, r, false)

	w, env := do(t, r, http.MethodGet, "/api/v1/auth/sessions", nil, data.SessionID, "Mozilla/5.0 (Android 14) Chrome/126.0")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, xerrors.ErrUnauthorized.Error(), env.Error)
}

func TestProtectedRoutesNeedSession(t *testing.T) {
	r, _ := newTestRouter(t)

	w, _ := do(t, r, http.MethodGet, "/api/v1/auth/sessions", nil, "", browser)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = do(t, r, http.MethodPost, "/api/v1/auth/logout", nil, "made-up", browser)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLogoutEndsSession(t *testing.T) {
	r, _ := newTestRouter(t)
	data := loginAs(t, r, false)

	w, _ := do(t, r, http.MethodPost, "/api/v1/auth/logout", nil, data.SessionID, browser)
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = do(t, r, http.MethodGet, "/api/v1/auth/sessions", nil, data.SessionID, browser)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWrongPasswordThenLockout(t *testing.T) {
	r, _ := newTestRouter(t)
	bad := gin.H{"email": "alice@example.com", "password": "nope"}

	for i := 0; i < 5; i++ {
		w, env := do(t, r, http.MethodPost, "/api/v1/auth/login", bad, "", browser)
		require.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, xerrors.ErrInvalidCredentials.Error(), env.Error)
	}

	w, env := do(t, r, http.MethodPost, "/api/v1/auth/login", gin.H{
		"email": "alice@example.com", "password": "correct horse",
	}, "", browser)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Contains(t, env.Error, xerrors.ErrLockedOut.Error())
}

func TestLoginValidatesBody(t *testing.T) {
	r, _ := newTestRouter(t)

	w, _ := do(t, r, http.MethodPost, "/api/v1/auth/login", gin.H{"email": "not-an-email"}, "", browser)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRememberMeRotationAndReuse(t *testing.T) {
	r, _ := newTestRouter(t)
	data := loginAs(t, r, true)
	require.NotEmpty(t, data.RememberToken)

	w, env := do(t, r, http.MethodPost, "/api/v1/auth/remember", gin.H{"token": data.RememberToken}, "", browser)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var rotated loginData
	require.NoError(t, json.Unmarshal(env.Data, &rotated))
	assert.NotEqual(t, data.RememberToken, rotated.RememberToken)

	w, env = do(t, r, http.MethodPost, "/api/v1/auth/remember", gin.H{"token": data.RememberToken}, "", browser)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, xerrors.ErrTokenReused.Error(), env.Error)

	// Reuse revoked the rotated token's session too.
	w, _ = do(t, r, http.MethodGet, "/api/v1/auth/sessions", nil, rotated.SessionID, browser)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDisableRememberMe(t *testing.T) {
	r, _ := newTestRouter(t)
	remembered := loginAs(t, r, true)
	plain := loginAs(t, r, false)

	w, _ := do(t, r, http.MethodDelete, "/api/v1/auth/remember", nil, plain.SessionID, browser)
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = do(t, r, http.MethodPost, "/api/v1/auth/remember", gin.H{"token": remembered.RememberToken}, "", browser)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = do(t, r, http.MethodGet, "/api/v1/auth/sessions", nil, plain.SessionID, browser)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLogoutAll(t *testing.T) {
	r, _ := newTestRouter(t)
	first := loginAs(t, r, false)
	second := loginAs(t, r, true)

	w, _ := do(t, r, http.MethodPost, "/api/v1/auth/logout-all", nil, first.SessionID, browser)
	require.Equal(t, http.StatusOK, w.Code)

	for _, id := range []string{first.SessionID, second.SessionID} {
		w, _ = do(t, r, http.MethodGet, "/api/v1/auth/sessions", nil, id, browser)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	}
	w, _ = do(t, r, http.MethodPost, "/api/v1/auth/remember", gin.H{"token": second.RememberToken}, "", browser)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPhoneCodeFlow(t *testing.T) {
	r, sms := newTestRouter(t)
	phone := "+254700000001"

	w, _ := do(t, r, http.MethodPost, "/api/v1/auth/otp/send", gin.H{"phone": phone, "purpose": "login"}, "", browser)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	code := regexp.MustCompile(`\d{6}`).FindString(sms.text)
	require.NotEmpty(t, code)

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	w, env := do(t, r, http.MethodPost, "/api/v1/auth/otp/verify", gin.H{"phone": phone, "purpose": "login", "code": wrong}, "", browser)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, xerrors.ErrInvalidCode.Error(), env.Error)

	w, _ = do(t, r, http.MethodPost, "/api/v1/auth/otp/verify", gin.H{"phone": phone, "purpose": "login", "code": code}, "", browser)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = do(t, r, http.MethodPost, "/api/v1/auth/otp/verify", gin.H{"phone": phone, "purpose": "login", "code": code}, "", browser)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPhoneCodeUnknownPurpose(t *testing.T) {
	r, _ := newTestRouter(t)

	w, env := do(t, r, http.MethodPost, "/api/v1/auth/otp/send", gin.H{"phone": "+254700000001", "purpose": "newsletter"}, "", browser)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, xerrors.ErrInvalidInput.Error(), env.Error)
}

func TestPhoneCodeSendLimit(t *testing.T) {
	r, _ := newTestRouter(t)
	body := gin.H{"phone": "+254700000002", "purpose": "registration"}

	for i := 0; i < 3; i++ {
		w, _ := do(t, r, http.MethodPost, "/api/v1/auth/otp/send", body, "", browser)
		require.Equal(t, http.StatusOK, w.Code)
	}
	w, _ := do(t, r, http.MethodPost, "/api/v1/auth/otp/send", body, "", browser)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestMetricsEndpoint(t *testing.T) {
	r, _ := newTestRouter(t)
	loginAs(t, r, false)

	w, _ := do(t, r, http.MethodGet, "/metrics", nil, "", browser)
	assert.Equal(t, http.StatusOK, w.Code)
}
