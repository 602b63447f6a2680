// Package engine is the Job Orchestration Engine: the in-process core
// that owns job state, bounds concurrency, retries with backoff under a
// circuit breaker, coordinates the Git side-effect protocol, and fans
// lifecycle events out to subscribers. See SPEC_FULL.md §4 for the
// component breakdown this package implements (C1-C6, C11).
package engine

import (
	"encoding/json"
	"time"
)

// Status is a job's position in the state machine described in spec §4.11.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a status never transitions again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Classification is the tagged variant an ErrorClassifier produces.
// Retryable, Transient, RateLimited, and Timeout are retry-eligible
// (§4.4); Timeout is additionally capped by RetryConfig.TimeoutMaxAttempts
// rather than only the absolute ceiling (§7).
type Classification string

const (
	ClassRetryable   Classification = "retryable"
	ClassTransient   Classification = "transient"
	ClassPermanent   Classification = "permanent"
	ClassRateLimited Classification = "rate_limited"
	ClassTimeout     Classification = "timeout"
	ClassCancelled   Classification = "cancelled"
	ClassCircuitOpen Classification = "circuit_open"
	ClassInternal    Classification = "internal"
	ClassUnknown     Classification = "unknown"
)

// Retryable reports whether this classification is ever eligible for
// retry in isolation (the retry controller additionally consults the
// no-retry code set and the circuit breaker ceiling).
func (c Classification) Retryable() bool {
	switch c {
	case ClassRetryable, ClassTransient, ClassRateLimited, ClassTimeout:
		return true
	default:
		return false
	}
}

// JobError is the normalized failure shape from spec §3. It must be safe
// to read from when nil (every accessor on *JobError is nil-receiver
// safe), so downstream code never needs `err?.message ?? "Unknown error"`
// scattered around — that normalization happens once, in the Runner.
type JobError struct {
	Message        string         `json:"message"`
	Stack          string         `json:"stack,omitempty"`
	Code           string         `json:"code,omitempty"`
	Classification Classification `json:"classification"`
}

func (e *JobError) GetMessage() string {
	if e == nil || e.Message == "" {
		return "Unknown error"
	}
	return e.Message
}

func (e *JobError) GetClassification() Classification {
	if e == nil {
		return ClassUnknown
	}
	return e.Classification
}

// GitInfo is populated only when a handler opts into the Git side-effect
// protocol (§4.5.1).
type GitInfo struct {
	BranchName   string   `json:"branchName,omitempty"`
	BaseBranch   string   `json:"baseBranch,omitempty"`
	CommitSha    string   `json:"commitSha,omitempty"`
	PRUrl        string   `json:"prUrl,omitempty"`
	ChangedFiles []string `json:"changedFiles,omitempty"`
}

// Job is the single source of truth for a unit of work (spec §3). The
// Job Store is the only component that mutates a Job in place; every
// other component observes immutable snapshots produced by Job.Snapshot.
type Job struct {
	ID          string
	Type        string
	Status      Status
	Data        json.RawMessage
	Result      json.RawMessage
	Error       *JobError
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Attempts    int
	Git         GitInfo
	Fingerprint string

	// EnqueuedAt/seq back the Scheduler's FIFO tie-break (spec §4.3):
	// strictly by EnqueuedAt, then by monotonic insertion sequence.
	EnqueuedAt time.Time
	seq        uint64

	// PausedFlag distinguishes a per-job pause from the process-wide
	// pause; both gate dispatch (§4.3 step 2), process-wide wins (§9).
	PausedFlag bool
}

// Snapshot is the immutable, externally-visible view of a Job (spec §3
// "Ownership": every consumer outside the store borrows a copy).
type Snapshot struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Status      Status          `json:"status"`
	Data        json.RawMessage `json:"data,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *JobError       `json:"error"`
	CreatedAt   time.Time       `json:"createdAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	Attempts    int             `json:"attempts"`
	Git         GitInfo         `json:"git"`
	Fingerprint string          `json:"fingerprint,omitempty"`
}

// Snapshot copies out everything an observer is allowed to see. It never
// returns a pointer into the live Job so a caller can't mutate state
// through a back door.
func (j *Job) Snapshot() Snapshot {
	if j == nil {
		return Snapshot{}
	}
	return Snapshot{
		ID:          j.ID,
		Type:        j.Type,
		Status:      j.Status,
		Data:        append(json.RawMessage(nil), j.Data...),
		Result:      append(json.RawMessage(nil), j.Result...),
		Error:       j.Error,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
		Attempts:    j.Attempts,
		Git:         j.Git,
		Fingerprint: j.Fingerprint,
	}
}

// Stats is the Control API's aggregate view (spec §4.11 getStats).
type Stats struct {
	Total     int `json:"total"`
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// ListFilter narrows listJobs; zero values mean "don't filter on this
// field".
type ListFilter struct {
	Status Status
	Type   string
	Limit  int
}

// OpResult is the uniform idempotent-operation result for
// cancel/pause/resume (spec §4.11 "Every operation is idempotent on
// terminal states").
type OpResult struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}
