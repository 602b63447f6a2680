package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/integritystudio/scanforge/internal/engine"
)

// NewTracerProvider builds an SDK TracerProvider exporting spans to
// stdout. Production deployments would swap stdouttrace for an OTLP
// exporter; none is wired here since no OTLP collector endpoint is
// part of this module's external interfaces (spec §6).
func NewTracerProvider(serviceName string) (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

// JobTracer emits one span per job execution, from job:started to its
// terminal event, keyed by job ID. Because spans are opened from bus
// events rather than from inside the Runner's goroutine, the handler's
// own code does not automatically inherit the span's context; handlers
// that want nested child spans should call trace.SpanFromContext on a
// context the worker threads through explicitly.
type JobTracer struct {
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[string]trace.Span
}

func NewJobTracer(tp trace.TracerProvider) *JobTracer {
	return &JobTracer{tracer: tp.Tracer("scanforge/engine"), spans: make(map[string]trace.Span)}
}

// Attach subscribes to bus and manages span lifetime per job.
func (jt *JobTracer) Attach(bus *engine.Bus) {
	sub := bus.Subscribe(nil)
	go func() {
		for ev := range sub.Events() {
			jt.handle(ev)
		}
	}()
}

func (jt *JobTracer) handle(ev engine.Event) {
	switch ev.Type {
	case engine.EventJobStarted:
		_, span := jt.tracer.Start(context.Background(), "job."+ev.JobType,
			trace.WithAttributes(
				attribute.String("job.id", ev.JobID),
				attribute.String("job.type", ev.JobType),
			),
		)
		jt.mu.Lock()
		jt.spans[ev.JobID] = span
		jt.mu.Unlock()
	case engine.EventJobCompleted:
		jt.end(ev.JobID, codes.Ok, "")
	case engine.EventJobFailed:
		msg := ""
		if snap, ok := ev.Payload.(engine.Snapshot); ok && snap.Error != nil {
			msg = snap.Error.GetMessage()
		}
		jt.end(ev.JobID, codes.Error, msg)
	case engine.EventJobCancelled:
		jt.end(ev.JobID, codes.Unset, "cancelled")
	case engine.EventRetryScheduled:
		jt.mu.Lock()
		span, ok := jt.spans[ev.JobID]
		jt.mu.Unlock()
		if ok {
			span.AddEvent("retry.scheduled")
		}
	}
}

func (jt *JobTracer) end(jobID string, code codes.Code, message string) {
	jt.mu.Lock()
	span, ok := jt.spans[jobID]
	delete(jt.spans, jobID)
	jt.mu.Unlock()
	if !ok {
		return
	}
	span.SetStatus(code, message)
	span.End(trace.WithTimestamp(time.Now()))
}
