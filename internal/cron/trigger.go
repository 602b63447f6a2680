// Package cron implements the Cron Trigger (C7): a set of
// (schedule, jobFactory) pairs that enqueue jobs on the engine without
// ever running them itself (spec §4.7). It is grounded on
// robfig/cron/v3, the scheduling library already present in the
// dependency pack.
package cron

import (
	"encoding/json"
	"sync"

	robfigcron "github.com/robfig/cron/v3"

	"github.com/integritystudio/scanforge/internal/platform/logger"
)

// JobFactory produces a fresh {id, data} pair for one scheduled fire
// (spec §4.7 "invokes the factory to produce a {id, data}").
type JobFactory func() (id, jobType string, data json.RawMessage)

// Enqueuer is the subset of the engine's Control API the trigger needs;
// satisfied by *engine.Engine.
type Enqueuer interface {
	CreateJobWithID(id, jobType string, data json.RawMessage, fingerprint string) (string, error)
}

// QueueInspector lets a factory opt into skip-if-queued semantics (spec
// §5 "unless the handler opts in to skip-if-queued semantics via its
// factory"): the trigger checks whether any live job of the given type
// is still non-terminal before firing.
type QueueInspector interface {
	HasLiveJobOfType(jobType string) bool
}

// Entry is one registered (schedule, jobFactory) pair.
type Entry struct {
	Schedule     string
	Factory      JobFactory
	RunOnStartup bool
	SkipIfQueued bool
}

// Trigger owns the robfig/cron scheduler and the registered entries. It
// never executes a job itself; every fire is just a CreateJobWithID
// call against the engine.
type Trigger struct {
	mu        sync.Mutex
	cr        *robfigcron.Cron
	enqueuer  Enqueuer
	inspector QueueInspector
	log       *logger.Logger
	entryIDs  []robfigcron.EntryID
}

// New builds a Trigger bound to enqueuer. inspector may be nil; entries
// with SkipIfQueued set are then always fired (skip-if-queued degrades
// to always-queue rather than erroring).
func New(enqueuer Enqueuer, inspector QueueInspector, log *logger.Logger) *Trigger {
	if log == nil {
		log = logger.Noop()
	}
	return &Trigger{
		cr:        robfigcron.New(robfigcron.WithSeconds()),
		enqueuer:  enqueuer,
		inspector: inspector,
		log:       log,
	}
}

// Register adds an entry to the trigger. jobType is passed separately
// from the factory purely so skip-if-queued can inspect it without
// invoking the factory (which may mint a fresh UUID per call).
func (t *Trigger) Register(jobType string, e Entry) error {
	id, err := t.cr.AddFunc(e.Schedule, func() { t.fire(jobType, e) })
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.entryIDs = append(t.entryIDs, id)
	t.mu.Unlock()
	if e.RunOnStartup {
		t.fire(jobType, e)
	}
	return nil
}

func (t *Trigger) fire(jobType string, e Entry) {
	if e.SkipIfQueued && t.inspector != nil && t.inspector.HasLiveJobOfType(jobType) {
		t.log.Debug("cron: skipping fire, job already queued", "jobType", jobType)
		return
	}
	id, typ, data := e.Factory()
	if typ == "" {
		typ = jobType
	}
	if _, err := t.enqueuer.CreateJobWithID(id, typ, data, ""); err != nil {
		t.log.Error("cron: enqueue failed", "jobType", typ, "jobId", id, "err", err)
	}
}

// Start begins running the scheduler in the background.
func (t *Trigger) Start() { t.cr.Start() }

// Stop halts the scheduler and waits for any in-flight fire to return.
func (t *Trigger) Stop() { <-t.cr.Stop().Done() }
