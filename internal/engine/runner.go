package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
)

// runResult is what a handler invocation produces, captured off the
// critical section so the Runner's select can race it against
// cancellation/timeout without holding any lock.
type runResult struct {
	result any
	git    GitInfo
	err    error
}

// runJob is the Job Runner (C5): it owns one job's handler invocation
// end to end — timeout, cooperative cancellation, panic recovery, the
// optional Git side-effect protocol, and the terminal-event decision
// (spec §4.5).
func (e *Engine) runJob(id string) {
	defer e.wg.Done()

	snap, ok := e.store.Get(id)
	if !ok {
		e.onJobFinished(id)
		return
	}
	handler, ok := e.handlerFor(snap.Type)
	if !ok {
		e.finishFailureOrRetry(id, snap, &HandlerError{
			Cause:          fmt.Errorf("no handler registered for job type %q", snap.Type),
			Code:           "unknown_job_type",
			Classification: ClassInternal,
		})
		e.onJobFinished(id)
		return
	}

	timeout := e.cfg.HandlerDefaultTimeout
	grace := e.cfg.HandlerCancelGrace
	if to, ok := handler.(TimeoutOverride); ok {
		if t, g := to.HandlerTimeout(); t > 0 || g > 0 {
			if t > 0 {
				timeout = time.Duration(t) * time.Millisecond
			}
			if g > 0 {
				grace = time.Duration(g) * time.Millisecond
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	var timedOut atomic.Bool
	timer := time.AfterFunc(timeout, func() {
		timedOut.Store(true)
		cancel()
	})
	defer timer.Stop()

	e.mu.Lock()
	e.runningCtx[id] = cancel
	e.mu.Unlock()

	resultCh := make(chan runResult, 1)
	go e.invokeHandler(ctx, snap, handler, resultCh)

	var res runResult
	gotResult := false
	select {
	case res = <-resultCh:
		gotResult = true
	case <-ctx.Done():
		select {
		case res = <-resultCh:
			gotResult = true
		case <-time.After(grace):
			gotResult = false
		}
	}

	e.mu.Lock()
	delete(e.runningCtx, id)
	cancelledByUser := e.cancelRequested[id]
	delete(e.cancelRequested, id)
	e.mu.Unlock()

	switch {
	case cancelledByUser:
		// A job cancelled while running still emits exactly one
		// terminal event; if the handler completes anyway its result
		// is discarded and cancelled wins (spec §5).
		e.finishCancelled(id, snap.Type)
	case !gotResult:
		e.finishFailureOrRetry(id, snap, &HandlerError{
			Cause:          fmt.Errorf("handler ignored cancellation past its grace period"),
			Code:           "handler_timeout",
			Classification: ClassTimeout,
		})
	case timedOut.Load():
		e.finishFailureOrRetry(id, snap, &HandlerError{Cause: res.err, Code: "handler_timeout", Classification: ClassTimeout})
	case res.err != nil:
		e.finishFailureOrRetry(id, snap, res.err)
	default:
		e.finishSuccess(id, snap, res.result, res.git)
	}

	e.onJobFinished(id)
}

// invokeHandler runs the handler body, wrapped in the Git side-effect
// protocol when one is configured, and recovers panics into a
// classified internal error rather than crashing the process (spec §7
// "Internal — orchestrator bug ... logs at highest severity").
func (e *Engine) invokeHandler(ctx context.Context, snap Snapshot, handler JobHandler, out chan<- runResult) {
	defer func() {
		if r := recover(); r != nil {
			out <- runResult{err: &HandlerError{
				Cause:          fmt.Errorf("handler panic: %v", r),
				Code:           "panic",
				Classification: ClassInternal,
			}}
		}
	}()

	body := func(ctx context.Context) (any, error) { return handler.Run(ctx, snap) }

	repoPath, _ := extractRepoPath(snap.Data)
	result, gitInfo, err := e.git.Run(ctx, repoPath, snap, handler, body)
	out <- runResult{result: result, git: gitInfo, err: err}
}

func extractRepoPath(data json.RawMessage) (string, bool) {
	if len(data) == 0 {
		return "", false
	}
	var partial struct {
		RepositoryPath string `json:"repositoryPath"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return "", false
	}
	return partial.RepositoryPath, partial.RepositoryPath != ""
}

// finishSuccess marks a job completed and publishes job:completed (spec
// §4.5 step 4, success branch).
func (e *Engine) finishSuccess(id string, snap Snapshot, result any, gitInfo GitInfo) {
	resultBytes, err := json.Marshal(result)
	if err != nil {
		resultBytes = json.RawMessage(`null`)
	}
	updated, ok := e.store.Update(id, func(j *Job) {
		j.Status = StatusCompleted
		j.Result = resultBytes
		now := e.now()
		j.CompletedAt = &now
		j.Git = gitInfo
	})
	if !ok {
		return
	}
	if fp := e.popFingerprint(id); fp != "" {
		e.retry.Prune(snap.Type, fp)
	}
	e.bus.Publish(Event{Type: EventJobCompleted, JobID: id, JobType: snap.Type, Payload: updated})
}

// finishCancelled marks a job cancelled and publishes job:cancelled.
func (e *Engine) finishCancelled(id, jobType string) {
	updated, ok := e.store.Update(id, func(j *Job) {
		j.Status = StatusCancelled
		now := e.now()
		j.CompletedAt = &now
	})
	if !ok {
		return
	}
	e.bus.Publish(Event{Type: EventJobCancelled, JobID: id, JobType: jobType, Payload: updated})
}

// finishFailureOrRetry is the Retry Controller integration point (spec
// §4.5 step 4, failure branch): classify, consult onFailure, and either
// arm a delayed re-enqueue (emitting retry:scheduled in place of
// job:failed — see DESIGN.md for why this spec picks that variant) or
// surface the job as terminally failed.
func (e *Engine) finishFailureOrRetry(id string, snap Snapshot, rawErr error) {
	jobErr, retryAfter := classifyForRunner(rawErr, e.classifier)
	fp := e.fingerprintFor(id)
	decision := e.retry.OnFailure(snap.Type, fp, jobErr.Classification, jobErr.Code, retryAfter)

	if decision.CircuitOpened {
		e.bus.Publish(Event{Type: EventCircuitOpened, JobID: id, JobType: snap.Type, Payload: CircuitPayload{Fingerprint: fp}})
		e.bus.Publish(Event{Type: EventRetryExhausted, JobID: id, JobType: snap.Type, Payload: RetryExhaustedPayload{Attempts: decision.Attempt}})
		jobErr.Classification = ClassCircuitOpen
	}

	if decision.Retry {
		e.popFingerprint(id)
		e.store.Update(id, func(j *Job) {
			j.Status = StatusFailed
			j.Error = jobErr
			now := e.now()
			j.CompletedAt = &now
		})
		e.bus.Publish(Event{Type: EventRetryScheduled, JobID: id, JobType: snap.Type, Payload: RetryScheduledPayload{
			Attempt:        decision.Attempt,
			DelayMs:        decision.Delay.Milliseconds(),
			Classification: jobErr.Classification,
		}})
		e.armRetry(id, fp, snap, decision)
		return
	}

	e.popFingerprint(id)
	e.retry.Prune(snap.Type, fp)
	updated, ok := e.store.Update(id, func(j *Job) {
		j.Status = StatusFailed
		j.Error = jobErr
		now := e.now()
		j.CompletedAt = &now
	})
	if !ok {
		return
	}
	e.bus.Publish(Event{Type: EventJobFailed, JobID: id, JobType: snap.Type, Payload: updated})
}
