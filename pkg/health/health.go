// Package health implements the Health Monitor: it derives a
// per-gateway HEALTHY/UNHEALTHY/DISCONNECTED/CONNECTING status from
// the gateway's raw connection state and the freshness of its canary
// contract ticks, and publishes gateway.status_changed on transitions.
package health

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/mdhub/pkg/events"
	"github.com/cuemby/mdhub/pkg/log"
	"github.com/cuemby/mdhub/pkg/metrics"
	"github.com/cuemby/mdhub/pkg/types"
)

// FallbackMode controls how the monitor treats a gateway with no
// canary contract configured for its protocol.
type FallbackMode string

const (
	FallbackConnectionOnly FallbackMode = "CONNECTION_ONLY"
	FallbackSkipCanary     FallbackMode = "SKIP_CANARY"
)

// Config holds the monitor's tunables, sourced from environment
// variables at process start (§6.4).
type Config struct {
	CheckInterval    time.Duration
	HeartbeatTimeout time.Duration
	FallbackMode     FallbackMode
	// CanaryContracts maps protocol -> configured canary symbols,
	// with the primary (compared against HeartbeatTimeout) first.
	CanaryContracts map[types.Protocol][]string
}

// DefaultConfig matches the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval:    30 * time.Second,
		HeartbeatTimeout: 60 * time.Second,
		FallbackMode:     FallbackConnectionOnly,
		CanaryContracts:  map[types.Protocol][]string{},
	}
}

// StatusSource is the Supervisor's status view, read once per check
// interval.
type StatusSource interface {
	ConnState(gatewayID string) (state types.ConnState, protocol types.Protocol, lastUpdated time.Time, found bool)
	GatewayIDs() []string
}

type canaryState struct {
	lastTick time.Time
	window   []time.Time // tick timestamps within the last minute
}

// Monitor is the Health Monitor component.
type Monitor struct {
	cfg    Config
	bus    *events.Bus
	source StatusSource
	log    zerolog.Logger

	mu       sync.Mutex
	records  map[string]*types.HealthRecord
	canaries map[string]map[string]*canaryState // gatewayID -> symbol -> state

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Monitor. Start must be called to begin checking.
func New(cfg Config, bus *events.Bus, source StatusSource) *Monitor {
	return &Monitor{
		cfg:      cfg,
		bus:      bus,
		source:   source,
		log:      log.WithComponent("health"),
		records:  make(map[string]*types.HealthRecord),
		canaries: make(map[string]map[string]*canaryState),
	}
}

// Start begins the check loop on CheckInterval.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.stopCh != nil {
		m.mu.Unlock()
		return
	}
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.loop()
}

// Stop halts the check loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	stopCh := m.stopCh
	m.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	<-m.doneCh
}

func (m *Monitor) loop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.checkAll()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) checkAll() {
	for _, id := range m.source.GatewayIDs() {
		m.check(id)
	}
}

// UpdateCanary records a canary tick for (gatewayID, symbol). It is
// fed in by the Supervisor's tick handler.
func (m *Monitor) UpdateCanary(gatewayID, symbol string, ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bySymbol, ok := m.canaries[gatewayID]
	if !ok {
		bySymbol = make(map[string]*canaryState)
		m.canaries[gatewayID] = bySymbol
	}
	cs, ok := bySymbol[symbol]
	if !ok {
		cs = &canaryState{}
		bySymbol[symbol] = cs
	}
	cs.lastTick = ts
	cutoff := ts.Add(-time.Minute)
	window := cs.window[:0]
	for _, t := range cs.window {
		if t.After(cutoff) {
			window = append(window, t)
		}
	}
	cs.window = append(window, ts)
	metrics.CanaryTickCount1Min.WithLabelValues(gatewayID, symbol).Set(float64(len(cs.window)))
}

// Activity classifies the primary canary symbol's recent cadence for
// the Push Hub's canary_tick_update schema.
func (m *Monitor) Activity(gatewayID string, protocol types.Protocol, now time.Time) (symbol string, count1Min int, activity types.TickActivity, lastTick time.Time) {
	contracts := m.cfg.CanaryContracts[protocol]
	if len(contracts) == 0 {
		return "", 0, types.TickActivityInactive, time.Time{}
	}
	symbol = contracts[0]

	m.mu.Lock()
	defer m.mu.Unlock()
	cs := m.canaries[gatewayID][symbol]
	if cs == nil {
		return symbol, 0, types.TickActivityInactive, time.Time{}
	}
	cutoff := now.Add(-time.Minute)
	n := 0
	for _, t := range cs.window {
		if t.After(cutoff) {
			n++
		}
	}
	switch {
	case now.Sub(cs.lastTick) <= m.cfg.HeartbeatTimeout/2:
		activity = types.TickActivityActive
	case now.Sub(cs.lastTick) <= m.cfg.HeartbeatTimeout:
		activity = types.TickActivityStale
	default:
		activity = types.TickActivityInactive
	}
	return symbol, n, activity, cs.lastTick
}

// ActivitySnapshot is a point-in-time read of a gateway's primary
// canary symbol, used by the Push Hub's canary_tick_update schema.
type ActivitySnapshot struct {
	Symbol     string
	Count1Min  int
	Activity   types.TickActivity
	LastTick   time.Time
}

// ActivityFor wraps Activity into a struct for callers that want a
// single value rather than four return parameters.
func (m *Monitor) ActivityFor(gatewayID string, protocol types.Protocol, now time.Time) ActivitySnapshot {
	symbol, count, activity, lastTick := m.Activity(gatewayID, protocol, now)
	return ActivitySnapshot{Symbol: symbol, Count1Min: count, Activity: activity, LastTick: lastTick}
}

func (m *Monitor) check(gatewayID string) {
	defer m.recoverCheck(gatewayID)

	started := time.Now()
	connState, protocol, lastUpdated, found := m.source.ConnState(gatewayID)
	if !found {
		return
	}

	prev := m.recordFor(gatewayID)

	if connState != types.ConnStateConnected {
		m.transition(gatewayID, protocol, prev, types.HealthDisconnected, started, nil)
		return
	}

	ok, lastHeartbeat := m.heartbeatOK(gatewayID, protocol, lastUpdated, started)
	if ok {
		m.transition(gatewayID, protocol, prev, types.HealthHealthy, started, &lastHeartbeat)
	} else {
		m.transition(gatewayID, protocol, prev, types.HealthUnhealthy, started, &lastHeartbeat)
	}
}

// recoverCheck isolates a panicking check from the rest of the check
// loop, mirroring supervisor.recoverHandler: siblings still run on the
// next tick and the failure is recorded via NoteError instead of
// crashing the monitor.
func (m *Monitor) recoverCheck(gatewayID string) {
	if r := recover(); r != nil {
		m.log.Error().Str("gateway_id", gatewayID).Interface("panic", r).Msg("health check panicked")
		_, protocol, _, _ := m.source.ConnState(gatewayID)
		m.NoteError(gatewayID, protocol, fmt.Sprintf("panic: %v", r))
	}
}

func (m *Monitor) heartbeatOK(gatewayID string, protocol types.Protocol, gatewayLastUpdated, now time.Time) (bool, time.Time) {
	contracts := m.cfg.CanaryContracts[protocol]
	if len(contracts) == 0 {
		return m.cfg.FallbackMode == FallbackConnectionOnly, time.Time{}
	}
	primary := contracts[0]

	m.mu.Lock()
	cs := m.canaries[gatewayID][primary]
	m.mu.Unlock()

	if cs == nil || cs.lastTick.IsZero() {
		// Grace period: no tick yet, but the gateway only just came
		// up.
		if now.Sub(gatewayLastUpdated) < m.cfg.HeartbeatTimeout {
			return true, time.Time{}
		}
		return false, time.Time{}
	}
	return now.Sub(cs.lastTick) <= m.cfg.HeartbeatTimeout, cs.lastTick
}

func (m *Monitor) recordFor(gatewayID string) types.HealthRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[gatewayID]
	if !ok {
		r = &types.HealthRecord{GatewayID: gatewayID, Status: types.HealthConnecting}
		m.records[gatewayID] = r
	}
	return *r
}

func (m *Monitor) transition(gatewayID string, protocol types.Protocol, prev types.HealthRecord, current types.HealthStatus, checkStarted time.Time, lastHeartbeat *time.Time) {
	duration := time.Since(checkStarted)

	m.mu.Lock()
	r := m.records[gatewayID]
	r.Status = current
	r.LastCheckDurationMs = duration.Milliseconds()
	if lastHeartbeat != nil && !lastHeartbeat.IsZero() {
		r.LastHeartbeat = *lastHeartbeat
	}
	changed := prev.Status != current
	snapshot := *r
	m.mu.Unlock()

	if !changed {
		return
	}

	m.log.Info().
		Str("gateway_id", gatewayID).
		Str("previous", string(prev.Status)).
		Str("current", string(current)).
		Msg("gateway status changed")

	m.bus.Publish(events.TypeGatewayStatusChanged, StatusChangedPayload{
		GatewayID: gatewayID,
		Protocol:  protocol,
		Previous:  prev.Status,
		Current:   current,
		Metadata: StatusChangedMetadata{
			LastHeartbeat:   snapshot.LastHeartbeat,
			CheckDurationMs: snapshot.LastCheckDurationMs,
			RetryCount:      snapshot.ErrorCount,
		},
	})
}

// NoteError increments the error bookkeeping for a gateway and forces
// UNHEALTHY if it was previously HEALTHY, per the failure semantics in
// §4.2.
func (m *Monitor) NoteError(gatewayID string, protocol types.Protocol, msg string) {
	m.mu.Lock()
	r, ok := m.records[gatewayID]
	if ok {
		r.ErrorCount++
		r.LastErrorMessage = msg
	}
	wasHealthy := ok && r.Status == types.HealthHealthy
	var prev types.HealthRecord
	if ok {
		prev = *r
	}
	m.mu.Unlock()

	if wasHealthy {
		m.transition(gatewayID, protocol, prev, types.HealthUnhealthy, time.Now(), nil)
	}
}

// Record returns a snapshot of the current health record for a
// gateway.
func (m *Monitor) Record(gatewayID string) (types.HealthRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[gatewayID]
	if !ok {
		return types.HealthRecord{}, false
	}
	return *r, true
}

// StatusChangedMetadata is the metadata block carried on
// gateway.status_changed.
type StatusChangedMetadata struct {
	LastHeartbeat   time.Time
	Canary          string
	CheckDurationMs int64
	RetryCount      int
	Error           string
}

// StatusChangedPayload is the payload carried on
// gateway.status_changed.
type StatusChangedPayload struct {
	GatewayID string
	Protocol  types.Protocol
	Previous  types.HealthStatus
	Current   types.HealthStatus
	Metadata  StatusChangedMetadata
}
