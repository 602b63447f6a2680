// Package http is the REST surface of the reference transport layer (spec
// §4.13 / §6): a gin.Engine exposing exactly the Control API operations
// named in spec §6, plus /healthz and /metrics. Its router/CORS/logging
// idiom is grounded on the teacher's internal/http/router.go and
// internal/http/middleware package.
package http

import (
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/integritystudio/scanforge/internal/platform/logger"
)

// CORS mirrors the teacher's middleware.CORS, opened up to any origin
// since this transport has no browser-facing dashboard of its own to
// scope against.
func CORS() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: false,
	})
}

const (
	headerRequestID = "X-Request-Id"
)

// AttachRequestID stamps every request with a request ID, echoing one
// supplied by the caller or minting a fresh UUID, mirroring the teacher's
// AttachTraceContext.
func AttachRequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := strings.TrimSpace(c.GetHeader(headerRequestID))
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Set("request_id", reqID)
		c.Writer.Header().Set(headerRequestID, reqID)
		c.Next()
	}
}

// RequestLogger logs one structured line per request, grounded on the
// teacher's internal/http/middleware/request_log.go.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		if log == nil {
			return
		}
		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		fields := []interface{}{
			"method", strings.ToUpper(c.Request.Method),
			"path", path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", c.GetString("request_id"),
		}
		switch {
		case status >= 500:
			log.Error("http request", fields...)
		case status >= 400:
			log.Warn("http request", fields...)
		default:
			log.Info("http request", fields...)
		}
	}
}
