// Package activity implements the Activity Log (C10): a bounded
// in-memory ring of recent activity records, tolerant of nil errors and
// unknown failure shapes (spec §4.10). Its ring-buffer shape mirrors
// the Job Store's terminal-history ring (internal/engine/store.go);
// its job-type-scoped subscription mirrors the teacher's SSE hub
// per-channel subscriber map.
package activity

import (
	"sync"
	"time"

	"github.com/integritystudio/scanforge/internal/engine"
)

// Record is the user-visible, normalized event of spec §3 "Activity
// Record": `{type, jobId, jobType, timestamp, severity, payload}`.
type Record struct {
	Type      string    `json:"type"`
	JobID     string    `json:"jobId"`
	JobType   string    `json:"jobType"`
	Timestamp time.Time `json:"timestamp"`
	Severity  string    `json:"severity"`
	Payload   any       `json:"payload"`
}

// Log is the Activity Log. It subscribes to the engine's bus for its
// entire lifetime; Close detaches the subscription.
type Log struct {
	mu       sync.Mutex
	ring     []Record
	cap      int
	pos      int
	len      int
	busDrops uint64

	sub *engine.Subscription
}

// New builds a Log of the given ring size (spec config
// activity.ringSize, default 200) and attaches it to bus.
func New(bus *engine.Bus, ringSize int) *Log {
	if ringSize <= 0 {
		ringSize = 200
	}
	l := &Log{ring: make([]Record, ringSize), cap: ringSize}
	l.sub = bus.Subscribe(nil)
	bus.OnDrop(func(sub *engine.Subscription, ev engine.Event) {
		l.mu.Lock()
		l.busDrops++
		l.mu.Unlock()
	})
	go l.consume()
	return l
}

func (l *Log) consume() {
	for ev := range l.sub.Events() {
		l.append(toRecord(ev))
	}
}

func (l *Log) append(r Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ring[l.pos] = r
	l.pos = (l.pos + 1) % l.cap
	if l.len < l.cap {
		l.len++
	}
}

// GetRecent returns up to n of the most recently recorded activity
// records, oldest first, newest last.
func (l *Log) GetRecent(n int) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > l.len {
		n = l.len
	}
	skip := l.len - n
	out := make([]Record, 0, n)
	for i := skip; i < l.len; i++ {
		out = append(out, l.ring[l.ringIndex(i)])
	}
	return out
}

func (l *Log) ringIndex(i int) int {
	start := l.pos - l.len
	return ((start+i)%l.cap + l.cap) % l.cap
}

// BusDrops reports how many bus:drop events this log has observed
// (spec §4.1 "surfaced via the Activity Log").
func (l *Log) BusDrops() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.busDrops
}

// ListenToWorker attaches a new, independent subscriber filtered to a
// single job type (spec §4.10 listenToWorker), for a worker's own
// progress UI.
func ListenToWorker(bus *engine.Bus, jobType string) *engine.Subscription {
	return bus.Subscribe(engine.ForJobType(jobType))
}

// toRecord normalizes an engine.Event into a Record, coercing a nil or
// unrecognized error into "Unknown error" rather than ever crashing a
// downstream consumer (spec §4.10 / §7).
func toRecord(ev engine.Event) Record {
	severity := "info"
	if jobErr, ok := ev.Payload.(*engine.JobError); ok {
		severity = "error"
		return Record{
			Type: string(ev.Type), JobID: ev.JobID, JobType: ev.JobType,
			Timestamp: ev.Timestamp, Severity: severity,
			Payload: map[string]any{"message": jobErr.GetMessage(), "classification": jobErr.GetClassification()},
		}
	}
	if snap, ok := ev.Payload.(engine.Snapshot); ok && snap.Error != nil {
		severity = "warn"
	}
	switch ev.Type {
	case engine.EventJobFailed, engine.EventCircuitOpened:
		severity = "error"
	case engine.EventRetryScheduled, engine.EventJobCancelled:
		severity = "warn"
	}
	return Record{
		Type:      string(ev.Type),
		JobID:     ev.JobID,
		JobType:   ev.JobType,
		Timestamp: ev.Timestamp,
		Severity:  severity,
		Payload:   ev.Payload,
	}
}

// Close detaches the log from the bus.
func (l *Log) Close() { l.sub.Close() }
