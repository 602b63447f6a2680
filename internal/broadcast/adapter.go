// Package broadcast implements the Broadcast Adapter (C9): it
// subscribes to the engine's Event Bus and maps each event to a
// channel-tagged outbound message consumed by the WebSocket transport
// (spec §4.9). Its shape — a Subscribe/fan-out loop over a channel set
// — is grounded on the teacher's SSE hub (internal/sse/hub.go); the
// optional cross-process relay over Redis is grounded on
// internal/realtime/bus/redis_bus.go.
package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/integritystudio/scanforge/internal/engine"
	"github.com/integritystudio/scanforge/internal/platform/logger"
)

// Channel is one of the outbound partitions enumerated in spec §6.
type Channel string

const (
	ChannelScans    Channel = "scans"
	ChannelAlerts   Channel = "alerts"
	ChannelCache    Channel = "cache"
	ChannelStats    Channel = "stats"
	ChannelActivity Channel = "activity"
)

// Message is the outbound envelope of spec §6's Event stream:
// `{type, channel, timestamp, payload}`.
type Message struct {
	Type      string    `json:"type"`
	Channel   Channel   `json:"channel"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Sink is anything that wants fanned-out messages — typically the
// WebSocket hub, but tests can supply a plain channel-backed stub.
type Sink interface {
	Send(Message)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Message)

func (f SinkFunc) Send(m Message) { f(m) }

// Adapter is the Broadcast Adapter. Drops are counted and exposed but
// never propagate back to the bus (spec §4.9 "they never block the
// bus").
type Adapter struct {
	mu    sync.RWMutex
	sinks map[int]Sink
	nextID int

	drops atomic.Uint64
	log   *logger.Logger

	relay *redisRelay
}

// New builds an Adapter and starts consuming events from a subscription
// it owns. Adapter has no method to detach that subscription; consuming
// stops when the bus is closed.
func New(bus *engine.Bus, log *logger.Logger) *Adapter {
	if log == nil {
		log = logger.Noop()
	}
	a := &Adapter{sinks: make(map[int]Sink), log: log}
	sub := bus.Subscribe(nil)
	go a.consume(sub)
	return a
}

// AddSink registers a new outbound fan-out target and returns an ID
// usable with RemoveSink.
func (a *Adapter) AddSink(s Sink) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	id := a.nextID
	a.sinks[id] = s
	return id
}

func (a *Adapter) RemoveSink(id int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sinks, id)
}

// Drops is the adapter-local drop counter (spec §4.9).
func (a *Adapter) Drops() uint64 { return a.drops.Load() }

func (a *Adapter) consume(sub *engine.Subscription) {
	for ev := range sub.Events() {
		msg, ok := toMessage(ev)
		if !ok {
			continue
		}
		a.fanOut(msg)
		if a.relay != nil {
			a.relay.publish(msg)
		}
	}
}

func (a *Adapter) fanOut(msg Message) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, s := range a.sinks {
		func() {
			defer func() {
				if recover() != nil {
					a.drops.Add(1)
				}
			}()
			s.Send(msg)
		}()
	}
}

// toMessage maps an engine.Event onto the channel taxonomy of spec §6.
func toMessage(ev engine.Event) (Message, bool) {
	ch, ok := channelFor(ev.Type)
	if !ok {
		return Message{}, false
	}
	return Message{
		Type:      string(ev.Type),
		Channel:   ch,
		Timestamp: ev.Timestamp,
		Payload:   ev.Payload,
	}, true
}

func channelFor(t engine.EventType) (Channel, bool) {
	switch t {
	case engine.EventScanStarted, engine.EventScanProgress, engine.EventScanCompleted, engine.EventScanFailed:
		return ChannelScans, true
	case engine.EventJobFailed, engine.EventCircuitOpened, engine.EventRetryExhausted:
		return ChannelAlerts, true
	case engine.EventCacheHit, engine.EventCacheMiss, engine.EventCacheInvalidated:
		return ChannelCache, true
	case engine.EventJobCreated, engine.EventJobStarted, engine.EventJobCompleted, engine.EventJobCancelled,
		engine.EventJobPaused, engine.EventJobResumed, engine.EventRetryScheduled, engine.EventCircuitClosed:
		return ChannelActivity, true
	default:
		return "", false
	}
}

// EnableRedisRelay mirrors every fanned-out message onto a Redis
// channel so other processes (e.g. a second API replica) can observe
// the same event stream, grounded on the teacher's redis_bus.go.
func (a *Adapter) EnableRedisRelay(addr, channel string) error {
	relay, err := newRedisRelay(addr, channel, a.log)
	if err != nil {
		return err
	}
	a.relay = relay
	return nil
}

type redisRelay struct {
	rdb     *goredis.Client
	channel string
	log     *logger.Logger
}

func newRedisRelay(addr, channel string, log *logger.Logger) (*redisRelay, error) {
	rdb := goredis.NewClient(&goredis.Options{Addr: addr, DialTimeout: 5 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &redisRelay{rdb: rdb, channel: channel, log: log}, nil
}

func (r *redisRelay) publish(msg Message) {
	raw, err := json.Marshal(msg)
	if err != nil {
		r.log.Warn("broadcast: failed to marshal relay message", "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.rdb.Publish(ctx, r.channel, raw).Err(); err != nil {
		r.log.Warn("broadcast: redis relay publish failed", "err", err)
	}
}
