// Package observability wires job lifecycle events into Prometheus
// metrics and OpenTelemetry spans. The metric set is adapted from the
// event-hub pack's internal/observability/prom.go (job duration/result
// counters, HTTP request histograms); the span-per-execution model is
// new, grounded on the otel SDK already present in the dependency list.
package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/integritystudio/scanforge/internal/engine"
)

// Metrics is the process-wide Prometheus registration for the engine's
// HTTP surface and job lifecycle.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestsDuration *prometheus.HistogramVec
	InFlight         *prometheus.GaugeVec

	JobDuration  *prometheus.HistogramVec
	JobResults   *prometheus.CounterVec
	JobsInFlight prometheus.Gauge
	BusDrops     prometheus.Counter
}

// New registers every metric against reg (typically
// prometheus.DefaultRegisterer).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scanforge", Name: "http_requests_total", Help: "Total HTTP requests processed.",
		}, []string{"method", "route", "status"}),
		RequestsDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "scanforge", Name: "http_request_duration_seconds", Help: "HTTP request latency.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"method", "route", "status"}),
		InFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "scanforge", Name: "http_in_flight_requests", Help: "Current in-flight HTTP requests.",
		}, []string{"method", "route"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "scanforge", Subsystem: "jobs", Name: "duration_seconds", Help: "Job execution duration by type and outcome.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"job_type", "result"}),
		JobResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scanforge", Subsystem: "jobs", Name: "results_total", Help: "Job outcomes by type and result.",
		}, []string{"job_type", "result"}),
		JobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scanforge", Subsystem: "jobs", Name: "in_flight", Help: "Currently running jobs.",
		}),
		BusDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scanforge", Subsystem: "bus", Name: "drops_total", Help: "Events dropped due to a full subscriber buffer.",
		}),
	}
	reg.MustRegister(m.RequestsTotal, m.RequestsDuration, m.InFlight, m.JobDuration, m.JobResults, m.JobsInFlight, m.BusDrops)
	return m
}

// GinMiddleware records the request counters/histograms (adapted from
// Prom.GinHandleMiddleware in the event-hub pack).
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method

		m.InFlight.WithLabelValues(method, route).Inc()
		defer m.InFlight.WithLabelValues(method, route).Dec()
		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		m.RequestsTotal.WithLabelValues(method, route, status).Inc()
		m.RequestsDuration.WithLabelValues(method, route, status).Observe(time.Since(start).Seconds())
	}
}

// AttachJobMetrics subscribes a consumer to bus that tracks in-flight
// count, per-outcome counters, and duration histograms from job
// lifecycle events. It runs for the lifetime of the process; there is
// no Detach because the process-wide Metrics object outlives the
// engine it's attached to.
func (m *Metrics) AttachJobMetrics(bus *engine.Bus) {
	started := make(map[string]time.Time)
	sub := bus.Subscribe(nil)
	go func() {
		for ev := range sub.Events() {
			switch ev.Type {
			case engine.EventJobStarted:
				started[ev.JobID] = time.Now()
				m.JobsInFlight.Inc()
			case engine.EventJobCompleted, engine.EventJobFailed, engine.EventJobCancelled:
				if t, ok := started[ev.JobID]; ok {
					m.JobDuration.WithLabelValues(ev.JobType, outcomeFor(ev.Type)).Observe(time.Since(t).Seconds())
					delete(started, ev.JobID)
					m.JobsInFlight.Dec()
				}
				m.JobResults.WithLabelValues(ev.JobType, outcomeFor(ev.Type)).Inc()
			}
		}
	}()
	bus.OnDrop(func(_ *engine.Subscription, _ engine.Event) {
		m.BusDrops.Inc()
	})
}

func outcomeFor(t engine.EventType) string {
	switch t {
	case engine.EventJobCompleted:
		return "completed"
	case engine.EventJobFailed:
		return "failed"
	case engine.EventJobCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}
