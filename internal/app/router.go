// internal/app/router.go
package app

import (
	"net/http"

	authHandler "storefront-service/internal/handlers/auth"
	"storefront-service/internal/middleware"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Handlers struct {
	AuthHandler    *authHandler.AuthHandler
	AuthMiddleware *middleware.AuthMiddleware

	// Metrics serves the Prometheus exposition format.
	Metrics http.Handler
}

func SetupRouter(r *gin.Engine, logger *zap.Logger, h *Handlers) {
	api := r.Group("/api/v1")

	// ==================== Health Check ====================
	api.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": "1.0.0"})
	})

	// ==================== Metrics ====================
	if h.Metrics != nil {
		r.GET("/metrics", gin.WrapH(h.Metrics))
	}

	// ==================== Public Auth Routes ====================
	authPublic := api.Group("/auth")
	{
		authPublic.POST("/login", h.AuthHandler.Login)
		authPublic.POST("/remember", h.AuthHandler.RememberMe)
		authPublic.POST("/otp/send", h.AuthHandler.SendCode)
		authPublic.POST("/otp/verify", h.AuthHandler.VerifyCode)
	}

	// ==================== Authenticated Auth Routes ====================
	authProtected := api.Group("/auth")
	authProtected.Use(h.AuthMiddleware.Auth())
	{
		authProtected.POST("/logout", h.AuthHandler.Logout)
		authProtected.POST("/logout-all", h.AuthHandler.LogoutAll)
		authProtected.DELETE("/remember", h.AuthHandler.DisableRememberMe)
		authProtected.GET("/sessions", h.AuthHandler.Sessions)
	}

	logger.Info("routes registered", zap.Int("count", len(r.Routes())))
}
