// Package httpmw holds the gin middlewares shared by the REST surface.
package httpmw

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/coterie-dev/coterie/internal/common/logger"
)

// RequestLogger logs each request after its handler completes. Health
// probes are skipped; agents poll /health constantly and the noise
// drowns real traffic. Long-poll endpoints legitimately run for their
// whole timeout, so latency alone is never treated as an error signal.
func RequestLogger(log *logger.Logger, serverName string) gin.HandlerFunc {
	reqLog := log.WithComponent("http")
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		if route == "/health" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("server", serverName),
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("client", c.ClientIP()),
		}
		switch {
		case status >= 500:
			reqLog.Error("Request failed", fields...)
		case status >= 400:
			reqLog.Warn("Request rejected", fields...)
		default:
			reqLog.Debug("Request handled", fields...)
		}
	}
}
