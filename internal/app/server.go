// internal/app/server.go
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"storefront-service/internal/config"
	"storefront-service/internal/db"
	authHandler "storefront-service/internal/handlers/auth"
	"storefront-service/internal/metrics"
	"storefront-service/internal/middleware"
	"storefront-service/internal/pkg/fingerprint"
	"storefront-service/internal/pkg/loginguard"
	"storefront-service/internal/pkg/otp"
	"storefront-service/internal/pkg/rememberme"
	"storefront-service/internal/pkg/session"
	"storefront-service/internal/pkg/sms"
	"storefront-service/internal/pkg/store"
	"storefront-service/internal/repository/postgres"
	authUsecase "storefront-service/internal/service/auth"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Server struct {
	cfg    config.AppConfig
	engine *gin.Engine
	logger *zap.Logger

	http  *http.Server
	pool  *pgxpool.Pool
	redis redis.UniversalClient
	store *store.DualStore
}

func NewServer() *Server {
	cfg := config.Load()
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	return &Server{cfg: cfg, engine: engine}
}

// Start wires every component and serves HTTP until Shutdown is called.
func (s *Server) Start() error {
	// ----- Logger -----
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	s.logger = logger

	if s.cfg.FingerprintSalt == "" {
		logger.Warn("FINGERPRINT_SALT not set, device fingerprints are unsalted")
	}
	if s.cfg.OTPSecret == "" {
		return fmt.Errorf("OTP_SECRET must be set")
	}

	// ----- PostgreSQL -----
	// Required: it holds the credentials and the only copy that survives a
	// cache restart. Redis below is optional.
	if s.cfg.RunMigrations {
		if err := db.RunMigrations(s.cfg.DatabaseURL); err != nil {
			return err
		}
		logger.Info("[POSTGRES] migrations applied")
	}

	pool, err := db.ConnectDB(db.PostgresConfig{
		URL:      s.cfg.DatabaseURL,
		MaxConns: s.cfg.DatabaseMaxConns,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	s.pool = pool
	logger.Info("[POSTGRES] connected")

	// ----- Redis -----
	redisClient, err := db.NewRedisClient(db.RedisConfig{
		ClusterMode: s.cfg.RedisCluster,
		Addresses:   s.cfg.RedisAddrs,
		Password:    s.cfg.RedisPass,
		DB:          s.cfg.RedisDB,
		PoolSize:    s.cfg.RedisPoolSize,
		Timeout:     s.cfg.StoreOpTimeout,
	})
	if err != nil {
		// The durable tier alone can serve every operation.
		logger.Warn("[REDIS] unavailable at startup, continuing on Postgres only", zap.Error(err))
		redisClient = db.NewLazyRedisClient(db.RedisConfig{
			ClusterMode: s.cfg.RedisCluster,
			Addresses:   s.cfg.RedisAddrs,
			Password:    s.cfg.RedisPass,
			DB:          s.cfg.RedisDB,
			PoolSize:    s.cfg.RedisPoolSize,
			Timeout:     s.cfg.StoreOpTimeout,
		})
	} else {
		logger.Info("[REDIS] connected")
	}
	s.redis = redisClient

	// ----- Metrics -----
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.NewCollector(registry)

	// ----- Store -----
	dualStore := store.NewDualStore(
		store.NewRedisBackend(redisClient),
		postgres.NewKVRepository(pool),
		store.Options{
			OpTimeout:     s.cfg.StoreOpTimeout,
			MirrorWorkers: s.cfg.StoreMirrorWorkers,
			MirrorQueue:   s.cfg.StoreMirrorQueue,
			Logger:        logger,
			Metrics:       recorder,
		},
	)
	s.store = dualStore

	// ----- Auth components -----
	hasher := fingerprint.New(s.cfg.FingerprintSalt)

	sessionManager := session.NewManager(dualStore, hasher, session.Config{
		TTL:             s.cfg.SessionTTL,
		RememberTTL:     s.cfg.SessionRememberTTL,
		AbsoluteTTL:     s.cfg.SessionAbsoluteTTL,
		RefreshInterval: s.cfg.SessionRefreshInterval,
	}, logger, recorder)

	guard := loginguard.NewTracker(dualStore, hasher, loginguard.Config{
		LockoutThreshold:          s.cfg.LockoutThreshold,
		LockoutWindow:             s.cfg.LockoutWindow,
		IPBlockThreshold:          s.cfg.IPBlockThreshold,
		IPBlockWindow:             s.cfg.IPBlockWindow,
		DelayBase:                 s.cfg.LoginDelayBase,
		DelayMax:                  s.cfg.LoginDelayMax,
		SuspiciousIdentifierLimit: s.cfg.SuspiciousIdentifierLimit,
		SuspiciousWindow:          s.cfg.SuspiciousWindow,
	}, logger, recorder)

	rememberManager := rememberme.NewManager(dualStore, sessionManager, rememberme.Config{
		TTL: s.cfg.SessionRememberTTL,
	}, logger, recorder)

	// ----- SMS -----
	var sender otp.Sender
	if s.cfg.SMSGatewayURL != "" {
		sender = sms.NewGateway(sms.GatewayConfig{
			URL:        s.cfg.SMSGatewayURL,
			APIKey:     s.cfg.SMSAPIKey,
			SenderID:   s.cfg.SMSSenderID,
			RatePerSec: s.cfg.SMSRatePerSec,
		}, logger)
	} else {
		logger.Warn("SMS_GATEWAY_URL not set, codes are written to the log")
		sender = sms.NewLogSender(logger, s.cfg.SMSLogCodes)
	}

	codes := otp.NewEngine(dualStore, sender, otp.Config{
		TTL:         s.cfg.OTPTTL,
		MaxAttempts: s.cfg.OTPMaxAttempts,
		SendLimit:   s.cfg.OTPSendLimit,
		SendWindow:  s.cfg.OTPSendWindow,
		Secret:      s.cfg.OTPSecret,
		AppName:     s.cfg.AppName,
	}, logger, recorder)

	// ----- Services (Usecases) -----
	credentialRepo := postgres.NewCredentialRepository(pool)
	authService := authUsecase.NewAuthService(
		authUsecase.NewBcryptVerifier(credentialRepo),
		sessionManager,
		guard,
		rememberManager,
		codes,
		logger,
	)

	// ----- Handlers -----
	authHandlerInst := authHandler.NewAuthHandler(authService, logger, s.cfg.SecureCookie)

	// ----- Middlewares -----
	authMiddleware := middleware.NewAuthMiddleware(sessionManager, logger)

	s.engine.Use(
		middleware.RecoveryMiddleware(logger),
		middleware.LoggingMiddleware(logger),
	)

	// ----- Router -----
	handlers := &Handlers{
		AuthHandler:    authHandlerInst,
		AuthMiddleware: authMiddleware,
		Metrics:        metrics.Handler(registry),
	}
	SetupRouter(s.engine, logger, handlers)

	// ----- Start HTTP -----
	s.http = &http.Server{
		Addr:    s.cfg.HTTPAddr,
		Handler: s.engine,
	}
	logger.Info("server running", zap.String("addr", s.cfg.HTTPAddr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, drains pending durable writes and
// closes both tiers.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error

	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if s.store != nil {
		if err := s.store.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("store flush: %w", err))
		}
		s.store.Close()
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if s.pool != nil {
		s.pool.Close()
	}
	if s.logger != nil {
		_ = s.logger.Sync()
	}

	return errors.Join(errs...)
}
