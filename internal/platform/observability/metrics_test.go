package observability_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/integritystudio/scanforge/internal/engine"
	"github.com/integritystudio/scanforge/internal/platform/observability"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestAttachJobMetricsCountsCompletedJob(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.New(reg)
	bus := engine.NewBus(32)
	m.AttachJobMetrics(bus)

	bus.Publish(engine.Event{Type: engine.EventJobStarted, JobID: "j1", JobType: "scan"})
	bus.Publish(engine.Event{Type: engine.EventJobCompleted, JobID: "j1", JobType: "scan"})

	require.Eventually(t, func() bool {
		return counterValue(t, m.JobResults.WithLabelValues("scan", "completed")) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestAttachJobMetricsCountsFailedJob(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.New(reg)
	bus := engine.NewBus(32)
	m.AttachJobMetrics(bus)

	bus.Publish(engine.Event{Type: engine.EventJobStarted, JobID: "j2", JobType: "docgen"})
	bus.Publish(engine.Event{Type: engine.EventJobFailed, JobID: "j2", JobType: "docgen"})

	require.Eventually(t, func() bool {
		return counterValue(t, m.JobResults.WithLabelValues("docgen", "failed")) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestJobsInFlightTracksStartedButNotYetTerminalJobs(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.New(reg)
	bus := engine.NewBus(32)
	m.AttachJobMetrics(bus)

	bus.Publish(engine.Event{Type: engine.EventJobStarted, JobID: "j3", JobType: "cleanup"})

	var gauge dto.Metric
	require.Eventually(t, func() bool {
		require.NoError(t, m.JobsInFlight.Write(&gauge))
		return gauge.GetGauge().GetValue() == 1
	}, time.Second, 5*time.Millisecond)

	bus.Publish(engine.Event{Type: engine.EventJobCompleted, JobID: "j3", JobType: "cleanup"})
	require.Eventually(t, func() bool {
		require.NoError(t, m.JobsInFlight.Write(&gauge))
		return gauge.GetGauge().GetValue() == 0
	}, time.Second, 5*time.Millisecond)
}
