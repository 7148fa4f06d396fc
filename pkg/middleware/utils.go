package middleware

import (
	"github.com/gin-gonic/gin"

	"chatrelay/pkg/logging"
)

// GetRequestID gets the request ID from the context
func GetRequestID(c *gin.Context) string {
	return c.GetString(RequestIDKey)
}

// GetContextLogger gets a logger with request context
func GetContextLogger(c *gin.Context, logger logging.Logger) logging.Entry {
	fields := logging.Fields{
		"request_id": GetRequestID(c),
		"path":       c.Request.URL.Path,
		"client_ip":  c.ClientIP(),
	}
	if tenant := c.GetString(TenantKey); tenant != "" {
		fields["tenant"] = tenant
	}
	if userID := c.GetString(UserIDKey); userID != "" {
		fields["user_id"] = userID
	}
	return logger.WithFields(fields)
}
