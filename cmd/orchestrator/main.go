// Command orchestrator wires the Job Orchestration Engine and its
// surrounding components (scan cache, cron trigger, broadcast fabric,
// activity log, history sinks, observability, reference transport) into
// a runnable process, the way the teacher's cmd/main.go wires
// internal/app.New() into a long-running server (spec §6 exit codes,
// SPEC_FULL §10 ambient stack).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/integritystudio/scanforge/internal/activity"
	"github.com/integritystudio/scanforge/internal/broadcast"
	"github.com/integritystudio/scanforge/internal/cron"
	"github.com/integritystudio/scanforge/internal/engine"
	"github.com/integritystudio/scanforge/internal/engine/classify"
	"github.com/integritystudio/scanforge/internal/history"
	"github.com/integritystudio/scanforge/internal/platform/config"
	"github.com/integritystudio/scanforge/internal/platform/logger"
	"github.com/integritystudio/scanforge/internal/platform/observability"
	"github.com/integritystudio/scanforge/internal/scancache"
	transporthttp "github.com/integritystudio/scanforge/internal/transport/http"
	"github.com/integritystudio/scanforge/internal/transport/mcp"
	"github.com/integritystudio/scanforge/internal/transport/ws"
	"github.com/integritystudio/scanforge/internal/workers/cleanup"
	"github.com/integritystudio/scanforge/internal/workers/docgen"
	"github.com/integritystudio/scanforge/internal/workers/dupdetect"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code per spec §6's table (0 normal, 1
// initialization failure, 2 invalid configuration, 130 interrupted),
// mirroring the teacher's cmd/main.go `app.New()` -> `os.Exit(1)` shape.
func run() int {
	log, err := logger.New(os.Getenv("APP_ENV"))
	if err != nil {
		fmt.Printf("init logger: %v\n", err)
		return 1
	}
	defer log.Sync()

	cfg, err := config.Load(log)
	if err != nil {
		var invalid *config.ErrInvalidConfig
		if errors.As(err, &invalid) {
			log.Error("invalid configuration", "err", err)
			return 2
		}
		log.Error("load configuration", "err", err)
		return 1
	}

	app, err := buildApp(cfg, log)
	if err != nil {
		log.Error("init app", "err", err)
		return 1
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		log.Error("server exited with error", "err", err)
		return 1
	}
	if ctx.Err() != nil {
		return 130
	}
	return 0
}

// app bundles every long-lived collaborator so main can close them down
// in the right order on shutdown.
type app struct {
	log        *logger.Logger
	eng        *engine.Engine
	trigger    *cron.Trigger
	bcast      *broadcast.Adapter
	actLog     *activity.Log
	tracerStop func(context.Context) error
	historyOut interface{ Close() error }

	httpServer *http.Server
	wsHub      *ws.Hub
}

func buildApp(cfg config.Config, log *logger.Logger) (*app, error) {
	cache := scancache.New(cfg.CacheDefaultTTL)

	gitRunner := engine.NewGitRunner(engine.GitConfig{
		BranchPrefix: cfg.GitBranchPrefix,
		BaseBranch:   cfg.GitBaseBranch,
		DryRun:       cfg.GitDryRun,
	}, log.With("component", "gitops"))

	eng := engine.New(cfg, log.With("component", "engine"), classify.Default, gitRunner)

	eng.RegisterHandler(dupdetect.New(cache))
	eng.RegisterHandler(docgen.New())
	eng.RegisterHandler(cleanup.New())

	bus := eng.Bus()
	cache.OnHit(func(fp string) {
		bus.Publish(engine.Event{Type: engine.EventCacheHit, Payload: fp})
	})
	cache.OnMiss(func(fp string) {
		bus.Publish(engine.Event{Type: engine.EventCacheMiss, Payload: fp})
	})
	cache.OnInvalidated(func(fp string) {
		bus.Publish(engine.Event{Type: engine.EventCacheInvalidated, Payload: fp})
	})

	actLog := activity.New(bus, cfg.ActivityRingSize)

	bcast := broadcast.New(bus, log.With("component", "broadcast"))
	if cfg.RedisAddr != "" {
		if err := bcast.EnableRedisRelay(cfg.RedisAddr, cfg.RedisChannel); err != nil {
			log.Warn("broadcast: redis relay unavailable, continuing without it", "err", err)
		}
	}

	ndjson, err := history.NewNDJSONSink(cfg.HistoryLogDir, log.With("component", "history"))
	if err != nil {
		return nil, fmt.Errorf("init history sink: %w", err)
	}
	var historySink history.Sink = ndjson
	if cfg.HistorySQLitePath != "" {
		sqliteSink, err := history.NewSQLiteSink(cfg.HistorySQLitePath, log.With("component", "history"))
		if err != nil {
			return nil, fmt.Errorf("init sqlite history sink: %w", err)
		}
		historySink = history.NewMultiSink(ndjson, sqliteSink)
	}
	history.Attach(bus, historySink)

	tp, err := observability.NewTracerProvider("scanforge")
	if err != nil {
		return nil, fmt.Errorf("init tracer provider: %w", err)
	}
	observability.NewJobTracer(tp).Attach(bus)

	metrics := observability.New(prometheus.DefaultRegisterer)
	metrics.AttachJobMetrics(bus)

	trigger := cron.New(eng, eng, log.With("component", "cron"))
	if err := registerCronEntries(trigger); err != nil {
		return nil, fmt.Errorf("register cron entries: %w", err)
	}

	wsHub := ws.NewHub(eng, log.With("component", "ws"))
	bcast.AddSink(wsHub)

	startedAt := time.Now()
	router := transporthttp.NewRouter(transporthttp.RouterConfig{
		Control:   eng,
		Log:       log.With("component", "http"),
		Metrics:   metrics,
		StartedAt: startedAt,
	})
	router.GET("/ws", gin.WrapF(wsHub.ServeHTTP))

	_ = mcp.NewDefaultRegistry(eng, cache) // exposed for an MCP-style caller to mount; no transport binds it to a socket in this reference process

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	return &app{
		log:        log,
		eng:        eng,
		trigger:    trigger,
		bcast:      bcast,
		actLog:     actLog,
		tracerStop: tp.Shutdown,
		historyOut: ndjson,
		httpServer: httpServer,
		wsHub:      wsHub,
	}, nil
}

// registerCronEntries wires the cron-driven pipeline flavors (spec §12
// supplemented features): a nightly cleanup pass, skipped if one is
// already in flight.
func registerCronEntries(trigger *cron.Trigger) error {
	return trigger.Register("cleanup", cron.Entry{
		Schedule:     "0 0 3 * * *",
		SkipIfQueued: true,
		Factory: func() (string, string, json.RawMessage) {
			return uuid.NewString(), "cleanup", json.RawMessage(`{"repositoryPath":"."}`)
		},
	})
}

func (a *app) Run(ctx context.Context) error {
	a.trigger.Start()

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.httpServer.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (a *app) Close() {
	a.trigger.Stop()
	a.eng.Shutdown()
	a.actLog.Close()
	if a.tracerStop != nil {
		_ = a.tracerStop(context.Background())
	}
	if a.historyOut != nil {
		_ = a.historyOut.Close()
	}
}
