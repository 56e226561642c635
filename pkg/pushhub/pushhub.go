// Package pushhub implements the Push Hub: it streams gateway status,
// recovery, control, log, and canary events to long-lived WebSocket UI
// clients, with ping-based connection health management, a shared
// per-hub rate-limit buffer, and event-type filtering.
package pushhub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/cuemby/mdhub/pkg/events"
	"github.com/cuemby/mdhub/pkg/health"
	"github.com/cuemby/mdhub/pkg/log"
	"github.com/cuemby/mdhub/pkg/metrics"
	"github.com/cuemby/mdhub/pkg/recovery"
	"github.com/cuemby/mdhub/pkg/supervisor"
	"github.com/cuemby/mdhub/pkg/types"
)

const (
	writeWait   = 10 * time.Second
	pingPeriod  = 30 * time.Second
	pingTimeout = 10 * time.Second

	logRingCap      = 500
	rateLimitWindow = 1 * time.Second
	rateLimitEvents = 100
	clientBufferCap = 1000

	// hubBufferCap bounds the shared per-hub flush buffer (§4.7):
	// events past this many pending, unflushed entries push out the
	// oldest rather than blocking publishers.
	hubBufferCap = 1000

	// canaryTickPeriod drives PublishCanaryTick polling of the Health
	// Monitor when the hub is wired to one via WatchCanary.
	canaryTickPeriod = 5 * time.Second
)

// Client is one connected UI peer.
type Client struct {
	id      string
	conn    *websocket.Conn
	hub     *Hub
	send    chan []byte
	filters map[string]bool // empty = accept all event types
	seenAt  time.Time

	mu        sync.Mutex
	closeOnce sync.Once
}

func (c *Client) markSeen() {
	c.mu.Lock()
	c.seenAt = time.Now()
	c.mu.Unlock()
}

func (c *Client) accepts(eventType string) bool {
	if len(c.filters) == 0 {
		return true
	}
	return c.filters[eventType]
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// bufferedEvent is one pending entry in the hub's shared flush buffer.
type bufferedEvent struct {
	eventType string
	data      []byte
}

// CanarySource is the subset of the Gateway Supervisor the hub polls
// to drive periodic canary_tick_update events.
type CanarySource interface {
	StatusView() []types.GatewayRuntimeRecord
}

// Hub is the Push Hub component.
type Hub struct {
	bus *events.Bus
	log zerolog.Logger

	mu      sync.Mutex
	clients map[string]*Client
	logRing []LogEvent
	subs    []events.Subscription

	bufMu  sync.Mutex
	buffer []bufferedEvent

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Hub, subscribes it to the bus events that feed the
// five §6.2 UI schemas, and starts its rate-limit flush loop.
func New(bus *events.Bus) *Hub {
	h := &Hub{
		bus:     bus,
		log:     log.WithComponent("pushhub"),
		clients: make(map[string]*Client),
		stopCh:  make(chan struct{}),
	}
	h.subs = append(h.subs,
		bus.Subscribe(events.TypeGatewayStatusChanged, h.onStatusChanged),
		bus.Subscribe(events.TypeRecoveryCooldownStart, h.onRecoveryEvent),
		bus.Subscribe(events.TypeRecoveryStarted, h.onRecoveryEvent),
		bus.Subscribe(events.TypeRecoveryCompleted, h.onRecoveryEvent),
		bus.Subscribe(events.TypeRecoveryFailed, h.onRecoveryEvent),
		bus.Subscribe(events.TypeGatewayControlAction, h.onControlAction),
		bus.Subscribe(events.TypeSystemLog, h.onSystemLog),
	)
	h.wg.Add(1)
	go h.flushLoop()
	return h
}

// WatchCanary starts a ticker that polls hmon for every gateway in
// source and publishes canary_tick_update, so canary activity reaches
// clients without a driver needing to push it itself.
func (h *Hub) WatchCanary(source CanarySource, hmon *health.Monitor, thresholdSeconds int) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(canaryTickPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-h.stopCh:
				return
			case <-ticker.C:
				now := time.Now()
				for _, rec := range source.StatusView() {
					snap := hmon.ActivityFor(rec.ID, rec.Protocol, now)
					h.PublishCanaryTick(rec.ID, snap, thresholdSeconds)
				}
			}
		}
	}()
}

// Stop unsubscribes from the bus, sends a shutdown frame to every
// client, and tears down all connections.
func (h *Hub) Stop() {
	for _, s := range h.subs {
		h.bus.Unsubscribe(s)
	}
	close(h.stopCh)

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	shutdown, _ := json.Marshal(map[string]string{"event_type": "shutdown"})
	for _, c := range clients {
		select {
		case c.send <- shutdown:
		default:
		}
		c.close()
	}
	h.wg.Wait()
}

// flushLoop delivers the shared buffer to every client once per
// rateLimitWindow (§4.7); enqueue also flushes early once the buffer
// reaches rateLimitEvents so bursts don't wait out the full window.
func (h *Hub) flushLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(rateLimitWindow)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.flush()
		}
	}
}

// enqueue appends an event to the shared buffer, dropping the oldest
// entry once hubBufferCap is reached, and flushes immediately if the
// buffer has reached the flush threshold.
func (h *Hub) enqueue(eventType string, data []byte) {
	h.bufMu.Lock()
	h.buffer = append(h.buffer, bufferedEvent{eventType: eventType, data: data})
	dropped := false
	if len(h.buffer) > hubBufferCap {
		h.buffer = h.buffer[len(h.buffer)-hubBufferCap:]
		dropped = true
	}
	shouldFlush := len(h.buffer) >= rateLimitEvents
	h.bufMu.Unlock()
	if dropped {
		metrics.PushHubEventsDroppedTotal.WithLabelValues("rate_limit").Inc()
	}
	if shouldFlush {
		h.flush()
	}
}

func (h *Hub) flush() {
	h.bufMu.Lock()
	if len(h.buffer) == 0 {
		h.bufMu.Unlock()
		return
	}
	batch := h.buffer
	h.buffer = nil
	h.bufMu.Unlock()

	for _, be := range batch {
		h.deliver(be.eventType, be.data)
	}
}

// Connect registers a new client on an already-upgraded WebSocket
// connection and starts its read/write pumps. filters restricts which
// event types are delivered; an empty set accepts everything.
func (h *Hub) Connect(conn *websocket.Conn, filters map[string]bool) *Client {
	c := &Client{
		id:      uuid.NewString(),
		conn:    conn,
		hub:     h,
		send:    make(chan []byte, clientBufferCap),
		filters: filters,
		seenAt:  time.Now(),
	}

	h.mu.Lock()
	h.clients[c.id] = c
	count := len(h.clients)
	h.mu.Unlock()
	metrics.PushHubClientsConnected.Set(float64(count))

	connected, _ := json.Marshal(ConnectionEvent{EventType: "connection", Status: "connected", ClientID: c.id})
	c.send <- connected

	h.wg.Add(1)
	go h.writePump(c)
	h.wg.Add(1)
	go h.readPump(c)
	go h.pingLoop(c)

	return c
}

// Disconnect tears down a client's connection. Idempotent.
func (h *Hub) Disconnect(clientID string) {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	if ok {
		delete(h.clients, clientID)
	}
	count := len(h.clients)
	h.mu.Unlock()
	if ok {
		metrics.PushHubClientsConnected.Set(float64(count))
		c.close()
		_ = c.conn.Close()
	}
}

func (h *Hub) readPump(c *Client) {
	defer func() {
		h.wg.Done()
		h.Disconnect(c.id)
	}()
	c.conn.SetPongHandler(func(string) error {
		c.markSeen()
		return nil
	})
	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.markSeen()
	}
}

func (h *Hub) writePump(c *Client) {
	defer h.wg.Done()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

func (h *Hub) pingLoop(c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			c.mu.Lock()
			lastSeen := c.seenAt
			c.mu.Unlock()
			if time.Since(lastSeen) > pingPeriod+pingTimeout {
				h.Disconnect(c.id)
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.Disconnect(c.id)
				return
			}
		}
	}
}

// broadcast encodes payload and either delivers it immediately
// (canary ticks and control actions bypass rate limiting per §4.7) or
// appends it to the shared per-hub buffer for the next flush.
func (h *Hub) broadcast(eventType string, payload any, bypass bool) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Warn().Err(err).Str("event_type", eventType).Msg("failed to encode push event")
		return
	}
	if bypass {
		h.deliver(eventType, data)
		return
	}
	h.enqueue(eventType, data)
}

// deliver sends one already-encoded event to every connected client
// that accepts its event type.
func (h *Hub) deliver(eventType string, data []byte) {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if !c.accepts(eventType) {
			continue
		}
		select {
		case c.send <- data:
		default:
			// slow consumer: disconnect rather than block the hub (§4.6).
			metrics.PushHubEventsDroppedTotal.WithLabelValues("slow_consumer").Inc()
			h.Disconnect(c.id)
		}
	}
}

func (h *Hub) onStatusChanged(evt types.Event) {
	payload, ok := evt.Payload.(health.StatusChangedPayload)
	if !ok {
		return
	}
	h.broadcast("gateway_status_change", GatewayStatusChangeEvent{
		EventType:       "gateway_status_change",
		Timestamp:       evt.Timestamp,
		GatewayID:       payload.GatewayID,
		GatewayType:     string(payload.Protocol),
		PreviousStatus:  string(payload.Previous),
		CurrentStatus:   string(payload.Current),
		Metadata:        payload.Metadata,
	}, false)
}

func (h *Hub) onRecoveryEvent(evt types.Event) {
	var out GatewayRecoveryStatusEvent
	out.EventType = "gateway_recovery_status"
	out.Timestamp = evt.Timestamp

	switch p := evt.Payload.(type) {
	case recovery.CooldownPayload:
		out.GatewayID = p.GatewayID
		out.RecoveryStatus = "COOLING_DOWN"
	case recovery.StartedPayload:
		out.GatewayID = p.GatewayID
		out.RecoveryStatus = "RESTARTING"
		out.Attempt = p.Attempt
	case recovery.CompletedPayload:
		out.GatewayID = p.GatewayID
		out.RecoveryStatus = "COMPLETED"
		out.Attempt = p.Attempt
	case recovery.FailedPayload:
		out.GatewayID = p.GatewayID
		out.RecoveryStatus = p.Phase
		out.Attempt = p.Attempt
		out.Message = p.Error
	default:
		return
	}
	h.broadcast("gateway_recovery_status", out, false)
}

// onControlAction relays the Gateway Supervisor's gateway.control_action
// events to connected clients. Control actions bypass rate limiting
// per §4.7.
func (h *Hub) onControlAction(evt types.Event) {
	payload, ok := evt.Payload.(supervisor.ControlActionPayload)
	if !ok {
		return
	}
	h.PublishControlAction(payload.GatewayID, payload.Action, payload.Status, payload.Message)
}

// onSystemLog relays the Gateway Supervisor's system.log events
// (driver log lines) to connected clients.
func (h *Hub) onSystemLog(evt types.Event) {
	payload, ok := evt.Payload.(supervisor.LogPayload)
	if !ok {
		return
	}
	h.PublishLog(payload.Level, payload.Message, payload.Source, nil)
}

// PublishLog appends a log event to the bounded ring and broadcasts it.
// Events below INFO are dropped (§4.7).
func (h *Hub) PublishLog(level, message, source string, metadata map[string]string) {
	if level == "DEBUG" {
		return
	}
	evt := LogEvent{
		EventType: "system_log",
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
		Source:    source,
		Metadata:  metadata,
	}
	h.mu.Lock()
	h.logRing = append(h.logRing, evt)
	if len(h.logRing) > logRingCap {
		h.logRing = h.logRing[len(h.logRing)-logRingCap:]
	}
	h.mu.Unlock()
	h.broadcast("system_log", evt, false)
}

// RecentLogs returns a copy of the bounded log ring, for a GET logs
// retrieval API.
func (h *Hub) RecentLogs() []LogEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]LogEvent, len(h.logRing))
	copy(out, h.logRing)
	return out
}

// PublishCanaryTick broadcasts a canary_tick_update event. Canary
// events bypass rate limiting per §4.7.
func (h *Hub) PublishCanaryTick(gatewayID string, a health.ActivitySnapshot, thresholdSeconds int) {
	h.broadcast("canary_tick_update", CanaryTickEvent{
		EventType:      "canary_tick_update",
		Timestamp:      time.Now(),
		GatewayID:      gatewayID,
		ContractSymbol: a.Symbol,
		TickCount1Min:  a.Count1Min,
		LastTickTime:   a.LastTick,
		Status:         string(a.Activity),
		ThresholdSeconds: thresholdSeconds,
	}, true)
}

// PublishControlAction broadcasts a gateway_control_action event.
// Control actions bypass rate limiting per §4.7.
func (h *Hub) PublishControlAction(gatewayID, action, status, message string) {
	h.broadcast("gateway_control_action", ControlActionEvent{
		EventType: "gateway_control_action",
		Timestamp: time.Now(),
		GatewayID: gatewayID,
		Action:    action,
		Status:    status,
		Message:   message,
	}, true)
}

// ClientCount returns the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
