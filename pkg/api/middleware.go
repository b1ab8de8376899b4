package api

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// requestIDHeader carries the request ID in both directions: honored when
// the client sends one, echoed back either way.
const requestIDHeader = "X-Request-ID"

// requestID returns middleware that ensures every request carries an ID.
// Orchestrators stamp it into their traces, so one ID follows a query from
// the access log through the stored run history.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(contextKeyRequestID, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// contextKeyRequestID is the gin context key for the request ID.
const contextKeyRequestID = "request_id"

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		c.Next()
	}
}

// requestIDFrom reads the request ID set by the requestID middleware.
// Handlers constructed outside the middleware chain (tests) get an empty
// string, which the orchestrators tolerate.
func requestIDFrom(c *gin.Context) string {
	return c.GetString(contextKeyRequestID)
}
