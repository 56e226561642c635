// Package failover implements the Failover Engine: on a gateway.status_changed
// transition to UNHEALTHY, it selects the best healthy backup and migrates
// the failed gateway's active symbol subscriptions to it, concurrently
// per symbol, reporting the aggregate once every migration completes.
package failover

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/mdhub/pkg/events"
	"github.com/cuemby/mdhub/pkg/health"
	"github.com/cuemby/mdhub/pkg/log"
	"github.com/cuemby/mdhub/pkg/metrics"
	"github.com/cuemby/mdhub/pkg/types"
)

// Migrator is the subset of the Gateway Supervisor the engine drives.
type Migrator interface {
	MigrateContracts(from, to string, symbols []string) error
	ActiveSubscriptions(gatewayID string) []string
	StatusView() []types.GatewayRuntimeRecord
}

// Config holds the engine's tunables (§6.4).
type Config struct {
	Enabled  bool
	Cooldown time.Duration
}

// DefaultConfig matches the spec's stated defaults.
func DefaultConfig() Config {
	return Config{Enabled: true, Cooldown: 60 * time.Second}
}

type candidate struct {
	id             string
	priority       int
	connectedSince time.Time
}

// Engine is the Failover Engine component.
type Engine struct {
	cfg  Config
	bus  *events.Bus
	sup  Migrator
	hmon *health.Monitor
	log  zerolog.Logger

	mu     sync.Mutex
	states map[string]*types.FailoverState

	sub events.Subscription
}

// New builds an Engine and subscribes it to gateway.status_changed.
// Call Stop to unsubscribe.
func New(cfg Config, bus *events.Bus, sup Migrator, hmon *health.Monitor) *Engine {
	e := &Engine{
		cfg:    cfg,
		bus:    bus,
		sup:    sup,
		hmon:   hmon,
		log:    log.WithComponent("failover"),
		states: make(map[string]*types.FailoverState),
	}
	e.sub = bus.Subscribe(events.TypeGatewayStatusChanged, e.onStatusChanged)
	return e
}

// Stop unsubscribes the engine from the Event Bus.
func (e *Engine) Stop() {
	e.bus.Unsubscribe(e.sub)
}

// State returns a snapshot of the failover bookkeeping for a gateway.
func (e *Engine) State(gatewayID string) (types.FailoverState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.states[gatewayID]
	if !ok {
		return types.FailoverState{}, false
	}
	return *s, true
}

func (e *Engine) onStatusChanged(evt types.Event) {
	payload, ok := evt.Payload.(health.StatusChangedPayload)
	if !ok || payload.Current != types.HealthUnhealthy {
		return
	}
	if !e.cfg.Enabled {
		return
	}
	e.execute(payload.GatewayID)
}

func (e *Engine) stateFor(id string) *types.FailoverState {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.states[id]
	if !ok {
		s = &types.FailoverState{GatewayID: id, ActiveFailover: types.FailoverNone}
		e.states[id] = s
	}
	return s
}

func (e *Engine) execute(failedID string) {
	st := e.stateFor(failedID)

	e.mu.Lock()
	if st.ActiveFailover == types.FailoverInProgress {
		e.mu.Unlock()
		return
	}
	if !st.CooldownUntil.IsZero() && time.Now().Before(st.CooldownUntil) {
		e.mu.Unlock()
		return
	}
	st.ActiveFailover = types.FailoverInProgress
	e.mu.Unlock()

	timer := metrics.NewTimer()
	started := time.Now()
	backupID, err := e.selectBackup(failedID)
	if err != nil {
		e.log.Warn().Str("gateway_id", failedID).Msg("no healthy backup available")
		e.mu.Lock()
		st.ActiveFailover = types.FailoverFailed
		e.mu.Unlock()
		metrics.FailoverExecutedTotal.WithLabelValues("failed").Inc()
		timer.ObserveDuration(metrics.FailoverDuration)
		return
	}

	symbols := e.sup.ActiveSubscriptions(failedID)
	results := e.migrateAll(failedID, backupID, symbols)

	succeeded := 0
	for _, ok := range results {
		if ok {
			succeeded++
		}
	}

	e.mu.Lock()
	outcome := "succeeded"
	if succeeded == 0 && len(symbols) > 0 {
		st.ActiveFailover = types.FailoverFailed
		outcome = "failed"
	} else {
		st.ActiveFailover = types.FailoverCompleted
		if succeeded < len(symbols) {
			outcome = "partial"
		}
	}
	st.CooldownUntil = time.Now().Add(e.cfg.Cooldown)
	e.mu.Unlock()

	metrics.FailoverExecutedTotal.WithLabelValues(outcome).Inc()
	timer.ObserveDuration(metrics.FailoverDuration)

	e.bus.Publish(events.TypeFailoverExecuted, ExecutedPayload{
		Failed:      failedID,
		Backup:      backupID,
		Symbols:     symbols,
		DurationMs:  time.Since(started).Milliseconds(),
		Succeeded:   succeeded,
		FailedCount: len(symbols) - succeeded,
	})
}

// migrateAll runs one migration per symbol concurrently and returns
// per-symbol success, collecting every result before returning so the
// caller can emit a single aggregate report.
func (e *Engine) migrateAll(from, to string, symbols []string) map[string]bool {
	results := make(map[string]bool, len(symbols))
	var mu sync.Mutex

	g, _ := errgroup.WithContext(context.Background())
	for _, sym := range symbols {
		sym := sym
		g.Go(func() error {
			err := e.sup.MigrateContracts(from, to, []string{sym})
			mu.Lock()
			results[sym] = err == nil
			mu.Unlock()
			if err != nil {
				e.log.Warn().Str("symbol", sym).Str("from", from).Str("to", to).Err(err).Msg("symbol migration failed")
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// selectBackup picks the best healthy candidate: lowest priority,
// preferring the same protocol, tie-broken by most recently connected.
func (e *Engine) selectBackup(failedID string) (string, error) {
	records := e.sup.StatusView()

	var failedProtocol types.Protocol
	for _, r := range records {
		if r.ID == failedID {
			failedProtocol = r.Protocol
		}
	}

	var same, other []candidate
	for _, r := range records {
		if r.ID == failedID || r.ConnState != types.ConnStateConnected {
			continue
		}
		if e.hmon != nil {
			if rec, ok := e.hmon.Record(r.ID); ok && rec.Status != types.HealthHealthy {
				continue
			}
		}
		c := candidate{id: r.ID, priority: r.Priority, connectedSince: r.ConnectedSince}
		if r.Protocol == failedProtocol {
			same = append(same, c)
		} else {
			other = append(other, c)
		}
	}

	pick := pickBest(same)
	if pick == "" {
		pick = pickBest(other)
	}
	if pick == "" {
		return "", types.NewError(types.KindNotFound, "no healthy backup for "+failedID)
	}
	return pick, nil
}

func pickBest(cands []candidate) string {
	if len(cands) == 0 {
		return ""
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].priority != cands[j].priority {
			return cands[i].priority < cands[j].priority
		}
		return cands[i].connectedSince.After(cands[j].connectedSince)
	})
	return cands[0].id
}

// ExecutedPayload is carried on failover.executed.
type ExecutedPayload struct {
	Failed      string
	Backup      string
	Symbols     []string
	DurationMs  int64
	Succeeded   int
	FailedCount int
}
