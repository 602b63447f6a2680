package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelgin "go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/integritystudio/scanforge/internal/platform/logger"
	"github.com/integritystudio/scanforge/internal/platform/observability"
)

// RouterConfig is the set of collaborators the reference router wires
// together, mirroring the teacher's RouterConfig shape in
// internal/http/router.go.
type RouterConfig struct {
	Control   Control
	Log       *logger.Logger
	Metrics   *observability.Metrics
	StartedAt time.Time
}

// NewRouter builds the gin.Engine implementing spec §6's control surface
// plus /healthz and /metrics (spec §12 supplemented ambient surface).
func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("scanforge"))
	r.Use(AttachRequestID())
	r.Use(RequestLogger(cfg.Log))
	r.Use(CORS())
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.GinMiddleware())
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(startedAt).String(),
		})
	})

	h := NewHandlers(cfg.Control)

	api := r.Group("/api")
	{
		api.POST("/create-scan", h.CreateScan)
		api.POST("/create-multi-scan", h.CreateMultiScan)
		api.GET("/job/:id", h.GetJob)
		api.GET("/jobs", h.ListJobs)
		api.GET("/stats", h.Stats)
		api.POST("/cancel/:id", h.CancelJob)
		api.POST("/pause/:id", h.PauseJob)
		api.POST("/resume/:id", h.ResumeJob)
	}

	return r
}
