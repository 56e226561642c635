// Package recovery implements the Recovery Engine: after a gateway
// goes UNHEALTHY it waits out a cooldown, performs a hard
// terminate/relaunch of the gateway's driver process, and confirms
// recovery by polling the Health Monitor, giving up permanently after
// a configured retry budget.
package recovery

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/mdhub/pkg/accounts"
	"github.com/cuemby/mdhub/pkg/events"
	"github.com/cuemby/mdhub/pkg/health"
	"github.com/cuemby/mdhub/pkg/log"
	"github.com/cuemby/mdhub/pkg/metrics"
	"github.com/cuemby/mdhub/pkg/types"
)

// historyCap bounds the per-gateway recovery attempt ring (§12:
// supplemented from gateway_recovery_service.py's recovery_history).
const historyCap = 20

// pollInterval is how often the engine polls the Health Monitor while
// waiting for a relaunch to come back HEALTHY.
const pollInterval = 5 * time.Second

// terminateGrace is the pause between TerminateProcess and
// RelaunchProcess.
const terminateGrace = 2 * time.Second

// Restarter is the subset of the Gateway Supervisor the engine drives.
type Restarter interface {
	TerminateProcess(id string) error
	RelaunchProcess(id string, settings map[string]string) error
}

// Config holds the engine's tunables (§6.4).
type Config struct {
	Enabled             bool
	Cooldown            time.Duration
	RecoveryTimeout     time.Duration
	MaxAttempts         int
	ExponentialBackoff  bool
	BackoffFactor       float64
}

// DefaultConfig matches the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		Cooldown:           30 * time.Second,
		RecoveryTimeout:    120 * time.Second,
		MaxAttempts:        3,
		ExponentialBackoff: false,
		BackoffFactor:      2,
	}
}

// Engine is the Recovery Engine component.
type Engine struct {
	cfg   Config
	bus   *events.Bus
	sup   Restarter
	hmon  *health.Monitor
	store accounts.Store
	log   zerolog.Logger

	mu     sync.Mutex
	states map[string]*types.RecoveryState
	timers map[string]*time.Timer

	sub      events.Subscription
	stopped  bool
	wg       sync.WaitGroup
}

// New builds an Engine and subscribes it to gateway.status_changed.
func New(cfg Config, bus *events.Bus, sup Restarter, hmon *health.Monitor, store accounts.Store) *Engine {
	e := &Engine{
		cfg:    cfg,
		bus:    bus,
		sup:    sup,
		hmon:   hmon,
		store:  store,
		log:    log.WithComponent("recovery"),
		states: make(map[string]*types.RecoveryState),
		timers: make(map[string]*time.Timer),
	}
	e.sub = bus.Subscribe(events.TypeGatewayStatusChanged, e.onStatusChanged)
	return e
}

// Stop cancels every in-flight cooldown timer, unsubscribes from the
// bus, and waits for any in-progress recovery attempt to return.
func (e *Engine) Stop() {
	e.bus.Unsubscribe(e.sub)

	e.mu.Lock()
	e.stopped = true
	for _, t := range e.timers {
		if t.Stop() {
			// The cooldown callback will never run, so release the
			// WaitGroup slot it was holding.
			e.wg.Done()
		}
	}
	e.mu.Unlock()

	e.wg.Wait()
}

// State returns a snapshot of the recovery bookkeeping for a gateway.
func (e *Engine) State(gatewayID string) (types.RecoveryState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.states[gatewayID]
	if !ok {
		return types.RecoveryState{}, false
	}
	return *s, true
}

// History returns the bounded recovery history ring for a gateway.
func (e *Engine) History(gatewayID string) []types.RecoveryAttempt {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.states[gatewayID]
	if !ok {
		return nil
	}
	out := make([]types.RecoveryAttempt, len(s.History))
	copy(out, s.History)
	return out
}

func (e *Engine) onStatusChanged(evt types.Event) {
	if !e.cfg.Enabled {
		return
	}
	payload, ok := evt.Payload.(health.StatusChangedPayload)
	if !ok || payload.Current != types.HealthUnhealthy {
		return
	}
	e.arm(payload.GatewayID)
}

func (e *Engine) stateFor(id string) *types.RecoveryState {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.states[id]
	if !ok {
		s = &types.RecoveryState{GatewayID: id, Phase: types.RecoveryIdle}
		e.states[id] = s
	}
	return s
}

// arm begins cooldown for a gateway unless one is already in flight
// (invariant 3: no concurrent cooldown/restart for the same gateway).
func (e *Engine) arm(id string) {
	st := e.stateFor(id)

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	if st.Phase == types.RecoveryCoolingDown || st.Phase == types.RecoveryRestarting {
		e.mu.Unlock()
		return
	}
	if st.Phase == types.RecoveryPermanentlyFailed {
		e.mu.Unlock()
		return
	}
	st.Phase = types.RecoveryCoolingDown
	st.CooldownStartedAt = time.Now()
	duration := e.cooldownDuration(st.Attempts)
	e.mu.Unlock()

	e.bus.Publish(events.TypeRecoveryCooldownStart, CooldownPayload{GatewayID: id, DurationMs: duration.Milliseconds()})

	e.wg.Add(1)
	timer := time.AfterFunc(duration, func() {
		defer e.wg.Done()
		e.runRecovery(id)
	})

	e.mu.Lock()
	e.timers[id] = timer
	e.mu.Unlock()
}

func (e *Engine) cooldownDuration(attempts int) time.Duration {
	if !e.cfg.ExponentialBackoff {
		return e.cfg.Cooldown
	}
	factor := 1.0
	for i := 0; i < attempts; i++ {
		factor *= e.cfg.BackoffFactor
	}
	return time.Duration(float64(e.cfg.Cooldown) * factor)
}

func (e *Engine) runRecovery(id string) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	st := e.states[id]
	st.Attempts++
	st.Phase = types.RecoveryRestarting
	st.RecoveryStartedAt = time.Now()
	attempt := st.Attempts
	e.mu.Unlock()

	e.bus.Publish(events.TypeRecoveryStarted, StartedPayload{GatewayID: id, Attempt: attempt})

	started := time.Now()
	succeeded, failErr := e.attempt(id)
	outcome := types.RecoveryAttempt{
		StartedAt:  started,
		FinishedAt: time.Now(),
		Succeeded:  succeeded,
	}
	if failErr != nil {
		outcome.Error = failErr.Error()
	}

	e.mu.Lock()
	st.History = appendRing(st.History, outcome, historyCap)
	if succeeded {
		st.Attempts = 0
		st.Phase = types.RecoveryIdle
		st.LastError = ""
	} else {
		st.LastError = outcome.Error
		if st.Attempts >= e.cfg.MaxAttempts {
			st.Phase = types.RecoveryPermanentlyFailed
		} else {
			st.Phase = types.RecoveryIdle
		}
	}
	phase := st.Phase
	e.mu.Unlock()

	if succeeded {
		metrics.RecoveryAttemptsTotal.WithLabelValues("success").Inc()
		e.bus.Publish(events.TypeRecoveryCompleted, CompletedPayload{GatewayID: id, Attempt: attempt})
	} else {
		metrics.RecoveryAttemptsTotal.WithLabelValues("failure").Inc()
		if phase == types.RecoveryPermanentlyFailed {
			metrics.RecoveryPermanentlyFailedTotal.Inc()
		}
		e.bus.Publish(events.TypeRecoveryFailed, FailedPayload{GatewayID: id, Attempt: attempt, Phase: string(phase), Error: outcome.Error})
	}
}

func (e *Engine) attempt(id string) (bool, error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Str("gateway_id", id).Interface("panic", r).Msg("recovery attempt panicked")
		}
	}()

	if err := e.sup.TerminateProcess(id); err != nil {
		return false, err
	}
	time.Sleep(terminateGrace)

	acct, err := e.store.GetAccount(id)
	if err != nil {
		return false, err
	}

	if err := e.sup.RelaunchProcess(id, acct.Settings); err != nil {
		return false, err
	}

	deadline := time.Now().Add(e.cfg.RecoveryTimeout)
	for {
		if rec, ok := e.hmon.Record(id); ok && rec.Status == types.HealthHealthy {
			return true, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, errTimeout
		}
		if remaining > pollInterval {
			remaining = pollInterval
		}
		time.Sleep(remaining)
	}
}

func appendRing(ring []types.RecoveryAttempt, item types.RecoveryAttempt, cap int) []types.RecoveryAttempt {
	ring = append(ring, item)
	if len(ring) > cap {
		ring = ring[len(ring)-cap:]
	}
	return ring
}

var errTimeout = types.NewError(types.KindInternal, "recovery timed out waiting for HEALTHY")

// CooldownPayload is carried on recovery.cooldown_started.
type CooldownPayload struct {
	GatewayID  string
	DurationMs int64
}

// StartedPayload is carried on recovery.started.
type StartedPayload struct {
	GatewayID string
	Attempt   int
}

// CompletedPayload is carried on recovery.completed.
type CompletedPayload struct {
	GatewayID string
	Attempt   int
}

// FailedPayload is carried on recovery.failed.
type FailedPayload struct {
	GatewayID string
	Attempt   int
	Phase     string
	Error     string
}
