package broadcast_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/integritystudio/scanforge/internal/broadcast"
	"github.com/integritystudio/scanforge/internal/engine"
	"github.com/integritystudio/scanforge/internal/platform/logger"
)

type recordingSink struct {
	mu   sync.Mutex
	msgs []broadcast.Message
}

func (s *recordingSink) Send(m broadcast.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, m)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func TestAdapterRoutesJobEventsToActivityChannel(t *testing.T) {
	bus := engine.NewBus(32)
	adapter := broadcast.New(bus, logger.Noop())
	sink := &recordingSink{}
	adapter.AddSink(sink)

	bus.Publish(engine.Event{Type: engine.EventJobCreated, JobID: "j1", JobType: "scan"})

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
	sink.mu.Lock()
	msg := sink.msgs[0]
	sink.mu.Unlock()
	require.Equal(t, broadcast.ChannelActivity, msg.Channel)
}

func TestAdapterRoutesFailureToAlertsChannel(t *testing.T) {
	bus := engine.NewBus(32)
	adapter := broadcast.New(bus, logger.Noop())
	sink := &recordingSink{}
	adapter.AddSink(sink)

	bus.Publish(engine.Event{Type: engine.EventJobFailed, JobID: "j1", JobType: "scan"})

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
	sink.mu.Lock()
	msg := sink.msgs[0]
	sink.mu.Unlock()
	require.Equal(t, broadcast.ChannelAlerts, msg.Channel)
}

func TestAdapterDropsUnmappedEventTypesSilently(t *testing.T) {
	bus := engine.NewBus(32)
	adapter := broadcast.New(bus, logger.Noop())
	sink := &recordingSink{}
	adapter.AddSink(sink)

	bus.Publish(engine.Event{Type: "unrecognized:event"})
	bus.Publish(engine.Event{Type: engine.EventJobCreated})

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRemoveSinkStopsFanOut(t *testing.T) {
	bus := engine.NewBus(32)
	adapter := broadcast.New(bus, logger.Noop())
	sink := &recordingSink{}
	id := adapter.AddSink(sink)
	adapter.RemoveSink(id)

	bus.Publish(engine.Event{Type: engine.EventJobCreated})
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 0, sink.count())
}
