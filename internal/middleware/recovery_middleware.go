// internal/middleware/recovery_middleware.go
package middleware

import (
	"errors"
	"net/http"

	"storefront-service/internal/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RecoveryMiddleware turns a handler panic into a 500 and logs it with the
// same request fields LoggingMiddleware writes, plus the stack.
func RecoveryMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				// net/http drops the connection quietly.
				panic(rec)
			}

			fields := append(requestFields(c),
				zap.Any("panic", rec),
				zap.Stack("stack"),
			)
			logger.Error("panic recovered", fields...)

			if c.Writer.Written() {
				c.Abort()
				return
			}
			response.Error(c, http.StatusInternalServerError, "internal server error", nil)
		}()
		c.Next()
	}
}
