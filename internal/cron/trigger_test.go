package cron_test

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/integritystudio/scanforge/internal/cron"
	"github.com/integritystudio/scanforge/internal/platform/logger"
)

type fakeEnqueuer struct {
	mu      sync.Mutex
	calls   int
	lastID  string
	lastTyp string
}

func (f *fakeEnqueuer) CreateJobWithID(id, jobType string, data json.RawMessage, fingerprint string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastID = id
	f.lastTyp = jobType
	return id, nil
}

func (f *fakeEnqueuer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeInspector struct {
	live bool
}

func (f *fakeInspector) HasLiveJobOfType(string) bool { return f.live }

func TestRunOnStartupFiresImmediately(t *testing.T) {
	enq := &fakeEnqueuer{}
	trig := cron.New(enq, nil, logger.Noop())

	err := trig.Register("cleanup", cron.Entry{
		Schedule:     "@every 1h",
		RunOnStartup: true,
		Factory: func() (string, string, json.RawMessage) {
			return "job-1", "cleanup", json.RawMessage(`{}`)
		},
	})
	require.NoError(t, err)
	require.Equal(t, 1, enq.count())
	require.Equal(t, "job-1", enq.lastID)
}

func TestSkipIfQueuedSkipsWhenLiveJobExists(t *testing.T) {
	enq := &fakeEnqueuer{}
	inspector := &fakeInspector{live: true}
	trig := cron.New(enq, inspector, logger.Noop())

	err := trig.Register("cleanup", cron.Entry{
		Schedule:     "@every 1h",
		RunOnStartup: true,
		SkipIfQueued: true,
		Factory: func() (string, string, json.RawMessage) {
			return "job-1", "cleanup", json.RawMessage(`{}`)
		},
	})
	require.NoError(t, err)
	require.Equal(t, 0, enq.count())
}

func TestSkipIfQueuedFiresWhenNoInspector(t *testing.T) {
	enq := &fakeEnqueuer{}
	trig := cron.New(enq, nil, logger.Noop())

	err := trig.Register("cleanup", cron.Entry{
		Schedule:     "@every 1h",
		RunOnStartup: true,
		SkipIfQueued: true,
		Factory: func() (string, string, json.RawMessage) {
			return "job-1", "cleanup", json.RawMessage(`{}`)
		},
	})
	require.NoError(t, err)
	require.Equal(t, 1, enq.count())
}

func TestStartStopDoesNotPanic(t *testing.T) {
	enq := &fakeEnqueuer{}
	trig := cron.New(enq, nil, logger.Noop())
	require.NoError(t, trig.Register("cleanup", cron.Entry{
		Schedule: "@every 1h",
		Factory: func() (string, string, json.RawMessage) {
			return "job-1", "cleanup", json.RawMessage(`{}`)
		},
	}))
	trig.Start()
	time.Sleep(10 * time.Millisecond)
	trig.Stop()
}
