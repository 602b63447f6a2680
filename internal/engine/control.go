package engine

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/integritystudio/scanforge/internal/scancache"
)

// CreateJob implements the Control API's createJob (spec §4.11): it
// validates a handler exists for jobType, records the job, and kicks
// the dispatch loop.
func (e *Engine) CreateJob(jobType string, data json.RawMessage) (string, error) {
	return e.CreateJobWithID(uuid.NewString(), jobType, data, "")
}

// CreateJobWithID enqueues a job under an explicit ID. Used by CreateJob
// (random UUID), the Cron Trigger, and the HTTP/MCP transports. The retry
// path does not come through here: it calls createRetryJob with a
// deterministic `<originalId>-retryN` ID (spec §4.4) sharing the original
// fingerprint. Attempts starts at 1, per spec.md's "attempts >= 1 once a
// job has entered running".
func (e *Engine) CreateJobWithID(id, jobType string, data json.RawMessage, fingerprint string) (string, error) {
	return e.createJob(id, jobType, data, fingerprint, 1)
}

// createRetryJob is armRetry's entry point: it enqueues the re-run job
// carrying forward the ledger's running attempt count, so the final
// terminal snapshot's Attempts reflects the whole retry lineage rather
// than resetting to 1 on every re-enqueue (spec.md §9 scenario 2:
// attempts == 2 after one retry + success).
func (e *Engine) createRetryJob(id, jobType string, data json.RawMessage, fingerprint string, attempts int) (string, error) {
	return e.createJob(id, jobType, data, fingerprint, attempts)
}

func (e *Engine) createJob(id, jobType string, data json.RawMessage, fingerprint string, attempts int) (string, error) {
	handler, ok := e.handlerFor(jobType)
	if !ok {
		return "", &HandlerError{
			Cause:          fmt.Errorf("no handler registered for job type %q", jobType),
			Code:           "unknown_job_type",
			Classification: ClassPermanent,
		}
	}
	if fingerprint == "" {
		fingerprint = deriveFingerprint(handler, data, id)
	}
	if attempts < 1 {
		attempts = 1
	}

	now := e.now()
	job := &Job{
		ID:          id,
		Type:        jobType,
		Status:      StatusQueued,
		Data:        data,
		CreatedAt:   now,
		EnqueuedAt:  now,
		Fingerprint: fingerprint,
		Attempts:    attempts,
	}

	e.mu.Lock()
	e.seq++
	job.seq = e.seq
	e.queue = append(e.queue, id)
	e.fingerprints[id] = fingerprint
	e.mu.Unlock()

	e.store.Insert(job)
	e.bus.Publish(Event{Type: EventJobCreated, JobID: id, JobType: jobType, Payload: job.Snapshot()})
	e.dispatch()
	return id, nil
}

// GetJob implements getJob(id) -> snapshot (spec §4.11).
func (e *Engine) GetJob(id string) (Snapshot, bool) {
	return e.store.Get(id)
}

// HasLiveJobOfType reports whether any non-terminal job of jobType is
// currently queued, paused, or running. It backs the Cron Trigger's
// skip-if-queued option (spec §5).
func (e *Engine) HasLiveJobOfType(jobType string) bool {
	for _, snap := range e.store.List(ListFilter{Type: jobType}) {
		if !snap.Status.Terminal() {
			return true
		}
	}
	return false
}

// ListJobs implements listJobs(filter) -> snapshot[] (spec §4.11).
func (e *Engine) ListJobs(filter ListFilter) []Snapshot {
	return e.store.List(filter)
}

// GetStats implements getStats() (spec §4.11).
func (e *Engine) GetStats() Stats {
	return e.store.Stats()
}

// History returns the bounded tail of archived terminal jobs (spec
// §4.2's ring), used by the reference transport layer to back history
// queries beyond the live job set.
func (e *Engine) History() []Snapshot {
	return e.store.History()
}

// fingerprintFields is the subset of a job's data every call site
// (HTTP, MCP, cron) can supply toward spec §4.8's fingerprint formula
// `hash(repositoryPath, commitSha, handlerVersion, optionHash)`.
type fingerprintFields struct {
	RepositoryPath string          `json:"repositoryPath"`
	CommitSha      string          `json:"commitSha"`
	Options        json.RawMessage `json:"options,omitempty"`
}

// deriveFingerprint computes spec §4.8's fingerprint formula from a
// job's own data so that two CreateJob calls scanning the identical
// repository at the identical commit land on the same retry ledger
// entry. Callers that pass an explicit fingerprint (e.g. a computed
// scancache fingerprint already known to the caller) bypass this
// entirely; this is only the default used when none is supplied. Jobs
// with no repositoryPath in their data (nothing to hash into identity)
// fall back to the job's own ID, same as before.
func deriveFingerprint(handler JobHandler, data json.RawMessage, id string) string {
	var fields fingerprintFields
	if len(data) > 0 {
		_ = json.Unmarshal(data, &fields)
	}
	if fields.RepositoryPath == "" {
		return id
	}
	version := ""
	if hv, ok := handler.(HandlerVersion); ok {
		version = hv.Version()
	}
	return scancache.Fingerprint(fields.RepositoryPath, fields.CommitSha, version, fields.Options)
}
