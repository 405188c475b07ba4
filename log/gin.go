package log

import (
	"time"

	"github.com/gin-gonic/gin"
)

// ContextKeyStreaming marks a long-lived streaming response (SSE) in Gin's
// context so the request logger does not touch the writer after the handler
// has been streaming for its whole lifetime.
const ContextKeyStreaming = "connection_streaming"

// MarkStreaming marks the response as a long-lived stream.
// SSE handlers should call this before they start writing events.
func MarkStreaming(c *gin.Context) {
	c.Set(ContextKeyStreaming, true)
}

// IsStreaming checks if the response has been marked as a long-lived stream.
func IsStreaming(c *gin.Context) bool {
	streaming, exists := c.Get(ContextKeyStreaming)
	return exists && streaming.(bool)
}

// GinLogger returns a Gin middleware that logs requests using zerolog
func GinLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		// Process request
		c.Next()

		// Calculate latency
		latency := time.Since(start)

		// SSE responses end only when the stream closes; the latency is the
		// stream's lifetime, not request processing time.
		if IsStreaming(c) {
			Info().
				Str("method", c.Request.Method).
				Str("path", path).
				Dur("duration", latency).
				Msg("stream ended")
			return
		}

		// Get status and other info
		status := c.Writer.Status()
		method := c.Request.Method
		clientIP := c.ClientIP()
		errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String()

		// Build path with query string
		if raw != "" {
			path = path + "?" + raw
		}

		// Log based on status code
		event := Info()
		if status >= 500 {
			event = Error()
		} else if status >= 400 {
			event = Warn()
		}

		event.
			Str("method", method).
			Str("path", path).
			Int("status", status).
			Dur("latency", latency).
			Str("ip", clientIP)

		if errorMessage != "" {
			event.Str("error", errorMessage)
		}

		event.Msg("request")
	}
}
