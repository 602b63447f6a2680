package engine

import (
	"context"
	"sync"
	"time"

	"github.com/integritystudio/scanforge/internal/platform/config"
	"github.com/integritystudio/scanforge/internal/platform/logger"
)

// fallbackClassifier is used only when New is given a nil classifier.
// Callers should normally pass classify.Default (internal/engine/classify);
// engine itself cannot import that package without an import cycle,
// since classify depends on the Classification type defined here.
var fallbackClassifier = ErrorClassifierFunc(func(err error) (string, Classification) {
	if err == nil {
		return "", ClassUnknown
	}
	return "", ClassPermanent
})

// Engine is the Job Orchestration Engine core: it composes the Event
// Bus (C1), Job Store (C2), Scheduler (C3), Retry Controller (C4), Job
// Runner (C5), and Control API (C11) described in spec §4 into a single
// in-process object. Every exported method is safe to call from any
// goroutine; the scheduler-specific fields (queue, active set, pause
// flags) are guarded by mu, which is distinct from the Store's and Bus's
// own internal locks (spec §5's single-writer discipline applies per
// component, not as one global lock).
type Engine struct {
	cfg        config.Config
	bus        *Bus
	store      *Store
	retry      *RetryController
	classifier ErrorClassifier
	git        GitRunner
	log        *logger.Logger

	handlersMu sync.RWMutex
	handlers   map[string]JobHandler

	mu              sync.Mutex
	queue           []string
	runningCtx      map[string]context.CancelFunc
	cancelRequested map[string]bool
	activeCount     int
	activeByType    map[string]int
	activeJobType   map[string]string
	paused          bool
	pausedJobs      map[string]bool
	retryTimers     map[string]*time.Timer
	fingerprints    map[string]string
	seq             uint64

	now func() time.Time

	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// New builds an Engine. classifier and git may be nil: classifier falls
// back to a conservative default that never retries unrecognized
// errors; git falls back to NoGitRunner, which runs handler bodies
// directly with no branch management.
func New(cfg config.Config, log *logger.Logger, classifier ErrorClassifier, git GitRunner) *Engine {
	if log == nil {
		log = logger.Noop()
	}
	if classifier == nil {
		classifier = fallbackClassifier
	}
	if git == nil {
		git = NoGitRunner()
	}
	return &Engine{
		cfg:   cfg,
		bus:   NewBus(cfg.BusSubscriberBuffer),
		store: NewStore(cfg.HistoryRingSize),
		retry: NewRetryController(RetryConfig{
			BaseMs:             cfg.RetryBaseMs,
			CapMs:              cfg.RetryCapMs,
			Jitter:             cfg.RetryJitter,
			AbsoluteMax:        cfg.RetryAbsoluteMax,
			TimeoutMaxAttempts: cfg.RetryTimeoutMax,
		}),
		classifier:      classifier,
		git:             git,
		log:             log,
		handlers:        make(map[string]JobHandler),
		runningCtx:      make(map[string]context.CancelFunc),
		cancelRequested: make(map[string]bool),
		activeByType:    make(map[string]int),
		activeJobType:   make(map[string]string),
		pausedJobs:      make(map[string]bool),
		retryTimers:     make(map[string]*time.Timer),
		fingerprints:    make(map[string]string),
		now:             time.Now,
	}
}

// RegisterHandler wires a JobHandler into the dispatch table (spec
// §4.6). Registering a handler for a type that already has one replaces
// it; this is intentional — it lets cmd/orchestrator hot-swap a worker
// in tests without rebuilding the engine.
func (e *Engine) RegisterHandler(h JobHandler) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.handlers[h.Type()] = h
}

func (e *Engine) handlerFor(jobType string) (JobHandler, bool) {
	e.handlersMu.RLock()
	defer e.handlersMu.RUnlock()
	h, ok := e.handlers[jobType]
	return h, ok
}

// Bus exposes the engine's event bus to the Broadcast Adapter, Activity
// Log, and Scan Cache — every consumer named in spec §4 as observing
// events rather than calling into the engine directly.
func (e *Engine) Bus() *Bus { return e.bus }

// Subscribe is a thin pass-through to Bus.Subscribe, kept on Engine so
// callers holding only an *Engine (the Control API surface of §4.11)
// don't need a second handle.
func (e *Engine) Subscribe(predicate EventPredicate) *Subscription {
	return e.bus.Subscribe(predicate)
}

// Shutdown cancels every running job, stops pending retry timers, and
// waits for in-flight handlers to return before closing the bus.
func (e *Engine) Shutdown() {
	e.shutdownOnce.Do(func() {
		e.mu.Lock()
		for _, cancel := range e.runningCtx {
			cancel()
		}
		for _, t := range e.retryTimers {
			t.Stop()
		}
		e.mu.Unlock()
		e.wg.Wait()
		e.bus.Close()
	})
}
