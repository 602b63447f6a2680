// Package history writes the optional append-only job history named in
// spec §6 Persisted state: "(b) optional append-only NDJSON job history
// under a log directory — one record per terminal job, never read back
// by the engine." The default sink is a plain NDJSON file; an optional
// gorm+SQLite sink is also provided for deployments that want the
// history queryable without re-parsing log files, grounded on the
// teacher's gorm job_run_event.go append-only ledger pattern.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/integritystudio/scanforge/internal/engine"
	"github.com/integritystudio/scanforge/internal/platform/logger"
)

// Sink receives one call per terminal job (spec §4.2 archive / §6).
type Sink interface {
	Record(job engine.Snapshot)
}

// NDJSONSink appends one JSON line per terminal job to a daily file
// under dir. It never reads the file back; it exists purely as an
// operator-facing audit trail.
type NDJSONSink struct {
	mu  sync.Mutex
	dir string
	log *logger.Logger

	current     *os.File
	currentDate string
}

// NewNDJSONSink ensures dir exists and returns a sink writing into it.
func NewNDJSONSink(dir string, log *logger.Logger) (*NDJSONSink, error) {
	if log == nil {
		log = logger.Noop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	return &NDJSONSink{dir: dir, log: log}, nil
}

type ndjsonRecord struct {
	engine.Snapshot
	RecordedAt time.Time `json:"recordedAt"`
}

func (s *NDJSONSink) Record(job engine.Snapshot) {
	line, err := json.Marshal(ndjsonRecord{Snapshot: job, RecordedAt: time.Now()})
	if err != nil {
		s.log.Warn("history: failed to marshal record", "jobId", job.ID, "err", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.rotateIfNeededLocked(); err != nil {
		s.log.Error("history: failed to open daily log file", "err", err)
		return
	}
	if _, err := s.current.Write(append(line, '\n')); err != nil {
		s.log.Error("history: failed to write record", "jobId", job.ID, "err", err)
	}
}

func (s *NDJSONSink) rotateIfNeededLocked() error {
	today := time.Now().Format("2006-01-02")
	if s.current != nil && s.currentDate == today {
		return nil
	}
	if s.current != nil {
		_ = s.current.Close()
	}
	path := filepath.Join(s.dir, fmt.Sprintf("jobs-%s.ndjson", today))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	s.current = f
	s.currentDate = today
	return nil
}

func (s *NDJSONSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return s.current.Close()
	}
	return nil
}

// jobHistoryRow is the gorm model backing SQLiteSink.
type jobHistoryRow struct {
	ID             string `gorm:"primaryKey"`
	Type           string `gorm:"index"`
	Status         string
	ResultJSON     string
	ErrorMessage   string
	ErrorCode      string
	Classification string
	Attempts       int
	CreatedAt      time.Time
	CompletedAt    *time.Time
	RecordedAt     time.Time `gorm:"index"`
}

// SQLiteSink persists terminal jobs into a local SQLite database via
// gorm, for operators who want to query history with SQL instead of
// grepping NDJSON files.
type SQLiteSink struct {
	db  *gorm.DB
	log *logger.Logger
}

// NewSQLiteSink opens (or creates) the database at path and migrates
// the history table.
func NewSQLiteSink(path string, log *logger.Logger) (*SQLiteSink, error) {
	if log == nil {
		log = logger.Noop()
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	if err := db.AutoMigrate(&jobHistoryRow{}); err != nil {
		return nil, fmt.Errorf("migrate history database: %w", err)
	}
	return &SQLiteSink{db: db, log: log}, nil
}

func (s *SQLiteSink) Record(job engine.Snapshot) {
	row := jobHistoryRow{
		ID:          job.ID,
		Type:        job.Type,
		Status:      string(job.Status),
		ResultJSON:  string(job.Result),
		Attempts:    job.Attempts,
		CreatedAt:   job.CreatedAt,
		CompletedAt: job.CompletedAt,
		RecordedAt:  time.Now(),
	}
	if job.Error != nil {
		row.ErrorMessage = job.Error.GetMessage()
		row.ErrorCode = job.Error.Code
		row.Classification = string(job.Error.GetClassification())
	}
	if err := s.db.Create(&row).Error; err != nil {
		s.log.Error("history: failed to persist row", "jobId", job.ID, "err", err)
	}
}

// MultiSink fans a record out to every configured sink, letting an
// operator run both the NDJSON trail and the SQLite mirror at once.
type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) *MultiSink { return &MultiSink{sinks: sinks} }

func (m *MultiSink) Record(job engine.Snapshot) {
	for _, s := range m.sinks {
		s.Record(job)
	}
}

// Attach subscribes sink to every terminal job event on bus, running
// its own long-lived consumer goroutine.
func Attach(bus *engine.Bus, sink Sink) *engine.Subscription {
	sub := bus.Subscribe(func(ev engine.Event) bool {
		switch ev.Type {
		case engine.EventJobCompleted, engine.EventJobFailed, engine.EventJobCancelled:
			return true
		default:
			return false
		}
	})
	go func() {
		for ev := range sub.Events() {
			if snap, ok := ev.Payload.(engine.Snapshot); ok {
				sink.Record(snap)
			}
		}
	}()
	return sub
}
