package activity_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/integritystudio/scanforge/internal/activity"
	"github.com/integritystudio/scanforge/internal/engine"
)

func TestGetRecentReturnsOldestFirst(t *testing.T) {
	bus := engine.NewBus(32)
	log := activity.New(bus, 10)
	defer log.Close()

	bus.Publish(engine.Event{Type: engine.EventJobCreated, JobID: "a"})
	bus.Publish(engine.Event{Type: engine.EventJobStarted, JobID: "b"})
	bus.Publish(engine.Event{Type: engine.EventJobCompleted, JobID: "c"})

	require.Eventually(t, func() bool { return len(log.GetRecent(0)) == 3 }, time.Second, 5*time.Millisecond)

	recent := log.GetRecent(0)
	require.Equal(t, "a", recent[0].JobID)
	require.Equal(t, "c", recent[2].JobID)
}

func TestRingBufferEvictsOldestBeyondCapacity(t *testing.T) {
	bus := engine.NewBus(32)
	log := activity.New(bus, 2)
	defer log.Close()

	bus.Publish(engine.Event{Type: engine.EventJobCreated, JobID: "a"})
	bus.Publish(engine.Event{Type: engine.EventJobStarted, JobID: "b"})
	bus.Publish(engine.Event{Type: engine.EventJobCompleted, JobID: "c"})

	require.Eventually(t, func() bool {
		recent := log.GetRecent(0)
		return len(recent) == 2 && recent[1].JobID == "c"
	}, time.Second, 5*time.Millisecond)

	recent := log.GetRecent(0)
	require.Equal(t, "b", recent[0].JobID)
}

func TestFailureEventsAreSeverityError(t *testing.T) {
	bus := engine.NewBus(32)
	log := activity.New(bus, 10)
	defer log.Close()

	bus.Publish(engine.Event{Type: engine.EventJobFailed, JobID: "a"})

	require.Eventually(t, func() bool { return len(log.GetRecent(0)) == 1 }, time.Second, 5*time.Millisecond)
	recent := log.GetRecent(0)
	require.Equal(t, "error", recent[0].Severity)
}

func TestListenToWorkerFiltersByJobType(t *testing.T) {
	bus := engine.NewBus(32)
	sub := activity.ListenToWorker(bus, "scan")
	defer sub.Close()

	bus.Publish(engine.Event{Type: engine.EventJobCreated, JobType: "docgen"})
	bus.Publish(engine.Event{Type: engine.EventJobCreated, JobType: "scan"})

	select {
	case ev := <-sub.Events():
		require.Equal(t, "scan", ev.JobType)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for filtered event")
	}
}
