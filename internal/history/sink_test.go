package history_test

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/integritystudio/scanforge/internal/engine"
	"github.com/integritystudio/scanforge/internal/history"
	"github.com/integritystudio/scanforge/internal/platform/logger"
)

func TestNDJSONSinkWritesOneLinePerRecord(t *testing.T) {
	dir := t.TempDir()
	sink, err := history.NewNDJSONSink(dir, logger.Noop())
	require.NoError(t, err)
	defer sink.Close()

	sink.Record(engine.Snapshot{ID: "job-1", Type: "scan", Status: engine.StatusCompleted})
	sink.Record(engine.Snapshot{ID: "job-2", Type: "scan", Status: engine.StatusFailed})
	require.NoError(t, sink.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	require.Contains(t, string(data), `"job-1"`)
	require.Contains(t, string(data), `"job-2"`)
}

type countingSink struct {
	n atomic.Int64
}

func (c *countingSink) Record(engine.Snapshot) { c.n.Add(1) }

func TestMultiSinkFansOutToEverySink(t *testing.T) {
	a, b := &countingSink{}, &countingSink{}
	multi := history.NewMultiSink(a, b)
	multi.Record(engine.Snapshot{ID: "job-1"})

	require.Equal(t, int64(1), a.n.Load())
	require.Equal(t, int64(1), b.n.Load())
}

func TestAttachOnlyRecordsTerminalEvents(t *testing.T) {
	bus := engine.NewBus(32)
	sink := &countingSink{}
	sub := history.Attach(bus, sink)
	defer sub.Close()

	bus.Publish(engine.Event{Type: engine.EventJobStarted, Payload: engine.Snapshot{ID: "running"}})
	bus.Publish(engine.Event{Type: engine.EventJobCompleted, Payload: engine.Snapshot{ID: "done"}})
	bus.Publish(engine.Event{Type: engine.EventJobFailed, Payload: engine.Snapshot{ID: "failed"}})
	bus.Publish(engine.Event{Type: engine.EventJobCancelled, Payload: engine.Snapshot{ID: "cancelled"}})

	require.Eventually(t, func() bool { return sink.n.Load() == 3 }, time.Second, 5*time.Millisecond)
}
