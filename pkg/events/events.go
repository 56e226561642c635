package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/mdhub/pkg/log"
	"github.com/cuemby/mdhub/pkg/metrics"
	"github.com/cuemby/mdhub/pkg/types"
)

// Event types published on the bus. Handlers register against these
// strings; the bus itself attaches no semantics to the payload.
const (
	TypeGatewayStatusChanged  = "gateway.status_changed"
	TypeGatewayControlAction  = "gateway.control_action"
	TypeFailoverExecuted      = "failover.executed"
	TypeRecoveryCooldownStart = "recovery.cooldown_started"
	TypeRecoveryStarted       = "recovery.started"
	TypeRecoveryCompleted     = "recovery.completed"
	TypeRecoveryFailed        = "recovery.failed"
	TypeSystemLog             = "system.log"
	TypeCanaryTick            = "canary.tick"
)

// Handler processes one event. A handler that panics is recovered and
// logged; it never crashes the dispatcher or its sibling handlers.
type Handler func(types.Event)

// defaultQueueSize bounds the dispatch queue. Once full, Publish drops
// the oldest queued event and bumps the overflow counter rather than
// blocking the publisher.
const defaultQueueSize = 256

// Subscription identifies one registered handler so it can later be
// removed with Unsubscribe.
type Subscription struct {
	eventType string
	id        uint64
}

type registration struct {
	id      uint64
	handler Handler
}

// Bus is the system's single in-process pub/sub coupling. Components
// never reach into each other directly; all cross-component signaling
// that isn't a direct port call goes through the Bus.
type Bus struct {
	log zerolog.Logger

	mu       sync.RWMutex
	handlers map[string][]registration
	nextID   uint64
	stopped  bool
	started  bool
	total    int64
	dropped  int64

	queue   chan types.Event
	queueMu sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New constructs an unstarted Bus with the default bounded queue.
func New() *Bus {
	return &Bus{
		log:      log.WithComponent("events"),
		handlers: make(map[string][]registration),
		queue:    make(chan types.Event, defaultQueueSize),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Subscribe registers handler for every future event of the given
// type and returns a token that Unsubscribe accepts to remove it.
func (b *Bus) Subscribe(eventType string, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers[eventType] = append(b.handlers[eventType], registration{id: id, handler: handler})
	return Subscription{eventType: eventType, id: id}
}

// Unsubscribe removes a previously registered handler. It is silent
// if the subscription is not present (already removed, or zero value).
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	regs := b.handlers[sub.eventType]
	for i, r := range regs {
		if r.id == sub.id {
			b.handlers[sub.eventType] = append(regs[:i], regs[i+1:]...)
			return
		}
	}
}

// Publish queues an event for dispatch. It never blocks: if the queue
// is full, the oldest queued event is dropped to make room. Publish
// after Stop is a no-op other than a logged warning.
func (b *Bus) Publish(eventType string, payload any) {
	b.mu.RLock()
	stopped := b.stopped
	b.mu.RUnlock()
	if stopped {
		b.log.Warn().Str("type", eventType).Msg("event dropped, bus stopped")
		return
	}

	evt := types.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now(),
		Payload:   payload,
	}

	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	select {
	case b.queue <- evt:
		return
	default:
	}
	// Queue full: drop the oldest entry to make room, never the
	// producer.
	select {
	case <-b.queue:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		metrics.EventBusDroppedTotal.Inc()
	default:
	}
	select {
	case b.queue <- evt:
	default:
	}
}

// Start launches the dispatcher goroutine. Calling Start twice is a
// no-op.
func (b *Bus) Start() {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	go b.dispatchLoop()
}

// Stop drains in-flight deliveries, halts the dispatcher, and returns
// the total number of events dispatched over the bus's lifetime.
func (b *Bus) Stop() int64 {
	b.mu.Lock()
	if b.stopped {
		total := b.total
		b.mu.Unlock()
		return total
	}
	b.stopped = true
	b.mu.Unlock()

	close(b.stopCh)
	<-b.doneCh

	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.total
}

// Dropped reports how many queued events were discarded for overflow
// since the bus was created.
func (b *Bus) Dropped() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

func (b *Bus) dispatchLoop() {
	defer close(b.doneCh)
	for {
		select {
		case evt := <-b.queue:
			b.dispatch(evt)
		case <-b.stopCh:
			// Drain whatever is already queued before exiting so
			// Stop reports the real total and no event in flight
			// is lost.
			for {
				select {
				case evt := <-b.queue:
					b.dispatch(evt)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) dispatch(evt types.Event) {
	b.mu.Lock()
	b.total++
	regs := append([]registration(nil), b.handlers[evt.Type]...)
	b.mu.Unlock()

	metrics.EventBusDispatchedTotal.Inc()
	for _, r := range regs {
		b.invoke(r.handler, evt)
	}
}

// invoke calls a handler with panic isolation.
func (b *Bus) invoke(h Handler, evt types.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Str("type", evt.Type).Msg("event handler panicked")
		}
	}()
	h(evt)
}
