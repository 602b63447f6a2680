package engine

import "time"

// dispatch implements the Scheduler's protocol step 2 (spec §4.3):
// while not paused, under the concurrency cap, and the queue holds a
// runnable (non-paused) job, pop it and hand it to the Job Runner. It
// is called after every enqueue, job completion, and resume, and is
// always non-blocking — it only ever spawns goroutines.
func (e *Engine) dispatch() {
	for {
		id, ok := e.popRunnable()
		if !ok {
			return
		}
		snap, ok := e.store.Update(id, func(j *Job) {
			j.Status = StatusRunning
			now := e.now()
			j.StartedAt = &now
		})
		if !ok {
			e.mu.Lock()
			e.activeCount--
			e.mu.Unlock()
			continue
		}
		e.bus.Publish(Event{Type: EventJobStarted, JobID: id, JobType: snap.Type, Payload: snap})
		e.wg.Add(1)
		go e.runJob(id)
	}
}

// popRunnable removes and returns the head of the FIFO queue that is
// neither paused, blocked by the process-wide concurrency cap, nor
// blocked by its own handler's narrower ConcurrencyOverride cap (spec
// §4.6 "maxConcurrent: default override"); reserves a slot in
// activeCount/activeByType atomically with the pop so a concurrent
// dispatch call can't double-admit the same capacity.
func (e *Engine) popRunnable() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.paused || e.activeCount >= e.cfg.MaxConcurrent {
		return "", false
	}
	for i, id := range e.queue {
		if e.pausedJobs[id] {
			continue
		}
		snap, ok := e.store.Get(id)
		if !ok {
			continue
		}
		if limit := e.concurrencyLimitFor(snap.Type); limit > 0 && e.activeByType[snap.Type] >= limit {
			continue
		}
		e.queue = append(e.queue[:i], e.queue[i+1:]...)
		e.activeCount++
		e.activeByType[snap.Type]++
		e.activeJobType[id] = snap.Type
		return id, true
	}
	return "", false
}

// concurrencyLimitFor returns the registered handler's ConcurrencyOverride
// cap for jobType, or 0 if the handler declares none (unlimited, subject
// only to the process-wide cap).
func (e *Engine) concurrencyLimitFor(jobType string) int {
	handler, ok := e.handlerFor(jobType)
	if !ok {
		return 0
	}
	if co, ok := handler.(ConcurrencyOverride); ok {
		return co.MaxConcurrent()
	}
	return 0
}

// onJobFinished frees the concurrency slot a completed/failed/cancelled
// job held and re-runs dispatch so the next queued job can start.
func (e *Engine) onJobFinished(id string) {
	e.mu.Lock()
	e.activeCount--
	if typ, ok := e.activeJobType[id]; ok {
		e.activeByType[typ]--
		delete(e.activeJobType, id)
	}
	e.mu.Unlock()
	e.dispatch()
}

// CancelJob implements cancelJob(id) (spec §4.3.3 / §4.11). Cancelling a
// queued job removes it from the queue and finalizes it immediately;
// cancelling a running job only signals cooperative cancellation — the
// Runner finalizes it once the handler observes ctx.Done (or the grace
// period elapses).
func (e *Engine) CancelJob(id string) OpResult {
	snap, ok := e.store.Get(id)
	if !ok {
		return OpResult{OK: false, Reason: "not found"}
	}
	if snap.Status.Terminal() {
		return OpResult{OK: false, Reason: "already terminal"}
	}

	e.mu.Lock()
	queueIdx := -1
	for i, qid := range e.queue {
		if qid == id {
			queueIdx = i
			break
		}
	}
	if queueIdx >= 0 {
		e.queue = append(e.queue[:queueIdx], e.queue[queueIdx+1:]...)
	}
	cancelFn, running := e.runningCtx[id]
	if running {
		e.cancelRequested[id] = true
	}
	if timer, ok := e.retryTimers[id]; ok {
		timer.Stop()
		delete(e.retryTimers, id)
	}
	e.mu.Unlock()

	if fp := e.popFingerprint(id); fp != "" {
		e.retry.Prune(snap.Type, fp)
	}

	if running {
		cancelFn()
		return OpResult{OK: true}
	}

	// Was queued (or a not-yet-fired retry timer we just stopped): no
	// handler ever started, so there's no concurrency slot to release.
	e.finishCancelled(id, snap.Type)
	return OpResult{OK: true}
}

// PauseJob implements pauseJob(id) (spec §4.3.4): a queued job is marked
// paused and skipped by dispatch. A running job is not interrupted and
// keeps its status; the pause flag is recorded under its ID, but neither
// its completion nor a retry job created from it reads that flag.
func (e *Engine) PauseJob(id string) OpResult {
	snap, ok := e.store.Get(id)
	if !ok {
		return OpResult{OK: false, Reason: "not found"}
	}
	if snap.Status.Terminal() {
		return OpResult{OK: false, Reason: "already terminal"}
	}

	e.mu.Lock()
	e.pausedJobs[id] = true
	e.mu.Unlock()

	if snap.Status == StatusQueued {
		updated, _ := e.store.Update(id, func(j *Job) {
			j.Status = StatusPaused
			j.PausedFlag = true
		})
		e.bus.Publish(Event{Type: EventJobPaused, JobID: id, JobType: snap.Type, Payload: updated})
	}
	return OpResult{OK: true}
}

// ResumeJob implements resumeJob(id) (spec §4.3.5).
func (e *Engine) ResumeJob(id string) OpResult {
	snap, ok := e.store.Get(id)
	if !ok {
		return OpResult{OK: false, Reason: "not found"}
	}
	if snap.Status.Terminal() {
		return OpResult{OK: false, Reason: "already terminal"}
	}

	e.mu.Lock()
	delete(e.pausedJobs, id)
	e.mu.Unlock()

	if snap.Status == StatusPaused {
		updated, _ := e.store.Update(id, func(j *Job) {
			j.Status = StatusQueued
			j.PausedFlag = false
		})
		e.bus.Publish(Event{Type: EventJobResumed, JobID: id, JobType: snap.Type, Payload: updated})
	}
	e.dispatch()
	return OpResult{OK: true}
}

// Pause implements the process-wide pause() (spec §4.11).
func (e *Engine) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
}

// Resume implements the process-wide resume() (spec §4.11).
func (e *Engine) Resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	e.dispatch()
}

func (e *Engine) fingerprintFor(id string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fp, ok := e.fingerprints[id]; ok {
		return fp
	}
	return StripRetrySuffix(id)
}

func (e *Engine) popFingerprint(id string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	fp, ok := e.fingerprints[id]
	delete(e.fingerprints, id)
	if !ok {
		return StripRetrySuffix(id)
	}
	return fp
}

// armRetry schedules the delayed re-enqueue a retry decision calls for
// (spec §4.4 "schedule the delayed re-enqueue via a timer; on timer
// fire, the Scheduler enqueues the new job ID").
func (e *Engine) armRetry(failedID, fingerprint string, snap Snapshot, decision RetryDecision) {
	root := StripRetrySuffix(failedID)
	newID := NextRetryID(root, decision.Attempt)
	data := snap.Data
	jobType := snap.Type

	e.mu.Lock()
	timer := time.AfterFunc(decision.Delay, func() {
		e.mu.Lock()
		delete(e.retryTimers, failedID)
		e.mu.Unlock()
		if _, err := e.createRetryJob(newID, jobType, data, fingerprint, decision.Attempt+1); err != nil {
			e.log.Error("retry re-enqueue failed", "jobId", newID, "err", err)
		}
	})
	e.retryTimers[failedID] = timer
	e.mu.Unlock()
}
