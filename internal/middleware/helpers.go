// internal/middleware/helpers.go
package middleware

import "github.com/gin-gonic/gin"

// MustGetUserID gets user ID from context or panics
func MustGetUserID(c *gin.Context) string {
	userID, exists := GetUserID(c)
	if !exists {
		panic("user_id not found in context")
	}
	return userID
}

// MustGetSessionID gets session ID from context or panics
func MustGetSessionID(c *gin.Context) string {
	sessionID, exists := GetSessionID(c)
	if !exists {
		panic("session_id not found in context")
	}
	return sessionID
}

// GetRequestID returns the id LoggingMiddleware assigned to the request
func GetRequestID(c *gin.Context) string {
	return c.GetString("request_id")
}

