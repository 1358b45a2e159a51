// internal/pkg/response/response.go
package response

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	xerrors "storefront-service/internal/pkg/errors"

	"github.com/gin-gonic/gin"
)

// Response defines the standard API response format.
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Success sends a successful response with a message and optional data.
func Success(c *gin.Context, status int, message string, data interface{}) {
	if status == 0 {
		status = http.StatusOK
	}

	c.JSON(status, Response{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// Error sends a standardized error response.
func Error(c *gin.Context, code int, message string, err error, data ...interface{}) {
	// CRITICAL: Abort FIRST before writing response
	c.Abort()

	response := Response{
		Success: false,
		Message: message,
	}

	if err != nil {
		response.Error = err.Error()
	}

	if len(data) > 0 {
		response.Data = data[0]
	}

	c.JSON(code, response)
}

// FromError picks the status from the error kind. Timed denials also set
// Retry-After. Internal errors are not echoed to the client.
func FromError(c *gin.Context, message string, err error) {
	status := xerrors.HTTPStatus(err)

	if retry, ok := xerrors.RetryAfter(err); ok {
		c.Header("Retry-After", strconv.FormatInt(int64(math.Ceil(retry.Seconds())), 10))
	}

	switch status {
	case http.StatusInternalServerError:
		Error(c, status, message, nil)
	case http.StatusServiceUnavailable:
		Error(c, status, message, xerrors.ErrTransientBackend)
	default:
		Error(c, status, message, publicKind(err))
	}
}

// publicKind reduces err to the sentinel the client may see.
func publicKind(err error) error {
	var ra *xerrors.RetryAfterError
	if errors.As(err, &ra) {
		return ra
	}
	for _, kind := range []error{
		xerrors.ErrInvalidCredentials,
		xerrors.ErrInvalidCode,
		xerrors.ErrAttemptsExhausted,
		xerrors.ErrExpired,
		xerrors.ErrNotFound,
		xerrors.ErrTokenReused,
		xerrors.ErrFingerprintMismatch,
		xerrors.ErrDeliveryFailed,
		xerrors.ErrInvalidInput,
		xerrors.ErrUnauthorized,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return err
}

// ValidationError sends a 400 Bad Request response for invalid input.
func ValidationError(c *gin.Context, message string, err error) {
	Error(c, http.StatusBadRequest, message, err)
}

// Unauthorized sends a 401 Unauthorized response.
func Unauthorized(c *gin.Context, message string) {
	Error(c, http.StatusUnauthorized, message, nil)
}
