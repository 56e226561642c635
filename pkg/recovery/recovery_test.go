package recovery

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/mdhub/pkg/accounts"
	"github.com/cuemby/mdhub/pkg/events"
	"github.com/cuemby/mdhub/pkg/health"
	"github.com/cuemby/mdhub/pkg/types"
)

type fakeRestarter struct {
	mu          sync.Mutex
	terminated  []string
	relaunched  []string
	relaunchErr error
}

func (r *fakeRestarter) TerminateProcess(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminated = append(r.terminated, id)
	return nil
}

func (r *fakeRestarter) RelaunchProcess(id string, settings map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.relaunched = append(r.relaunched, id)
	return r.relaunchErr
}

func newEngine(t *testing.T, cfg Config) (*Engine, *events.Bus, *fakeRestarter, *health.Monitor) {
	t.Helper()
	bus := events.New()
	bus.Start()
	t.Cleanup(func() { bus.Stop() })

	store := accounts.NewMemoryStore([]types.Account{{ID: "g1", Protocol: types.ProtocolFutures}})
	hmon := health.New(health.DefaultConfig(), bus, fakeStatusSource{})
	restarter := &fakeRestarter{}
	e := New(cfg, bus, restarter, hmon, store)
	t.Cleanup(e.Stop)
	return e, bus, restarter, hmon
}

type fakeStatusSource struct{}

func (fakeStatusSource) ConnState(string) (types.ConnState, types.Protocol, time.Time, bool) {
	return types.ConnStateConnected, types.ProtocolFutures, time.Now(), true
}
func (fakeStatusSource) GatewayIDs() []string { return []string{"g1"} }

func TestRecovery_CooldownThenRestartSucceeds(t *testing.T) {
	bus := events.New()
	bus.Start()
	defer bus.Stop()

	store := accounts.NewMemoryStore([]types.Account{{ID: "g1", Protocol: types.ProtocolFutures}})
	hcfg := health.DefaultConfig()
	hcfg.CheckInterval = 20 * time.Millisecond
	hmon := health.New(hcfg, bus, fakeStatusSource{})
	hmon.Start()
	defer hmon.Stop()

	restarter := &fakeRestarter{}
	cfg := DefaultConfig()
	cfg.Cooldown = 10 * time.Millisecond
	cfg.RecoveryTimeout = time.Second
	e := New(cfg, bus, restarter, hmon, store)
	defer e.Stop()

	bus.Publish(events.TypeGatewayStatusChanged, health.StatusChangedPayload{
		GatewayID: "g1", Protocol: types.ProtocolFutures,
		Previous: types.HealthHealthy, Current: types.HealthUnhealthy,
	})

	require.Eventually(t, func() bool {
		st, ok := e.State("g1")
		return ok && st.Phase == types.RecoveryIdle && st.Attempts == 0 && len(st.History) > 0
	}, 5*time.Second, 20*time.Millisecond)

	restarter.mu.Lock()
	defer restarter.mu.Unlock()
	assert.NotEmpty(t, restarter.terminated)
	assert.NotEmpty(t, restarter.relaunched)
}

func TestRecovery_NoConcurrentCooldownForSameGateway(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cooldown = 200 * time.Millisecond
	e, bus, _, _ := newEngine(t, cfg)

	payload := health.StatusChangedPayload{
		GatewayID: "g1", Protocol: types.ProtocolFutures,
		Previous: types.HealthHealthy, Current: types.HealthUnhealthy,
	}
	bus.Publish(events.TypeGatewayStatusChanged, payload)
	time.Sleep(20 * time.Millisecond)
	bus.Publish(events.TypeGatewayStatusChanged, payload)

	st, ok := e.State("g1")
	require.True(t, ok)
	assert.Equal(t, types.RecoveryCoolingDown, st.Phase)
}

func TestRecovery_PermanentlyFailedAfterMaxAttempts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cooldown = 5 * time.Millisecond
	cfg.RecoveryTimeout = 30 * time.Millisecond
	cfg.MaxAttempts = 2
	e, bus, _, _ := newEngine(t, cfg)

	payload := health.StatusChangedPayload{
		GatewayID: "g1", Protocol: types.ProtocolFutures,
		Previous: types.HealthHealthy, Current: types.HealthUnhealthy,
	}
	bus.Publish(events.TypeGatewayStatusChanged, payload)

	// A failed attempt leaves the gateway IDLE; the next UNHEALTHY event
	// re-arms it for the second attempt.
	require.Eventually(t, func() bool {
		st, ok := e.State("g1")
		return ok && st.Phase == types.RecoveryIdle && len(st.History) == 1
	}, 6*time.Second, 20*time.Millisecond)
	bus.Publish(events.TypeGatewayStatusChanged, payload)

	require.Eventually(t, func() bool {
		st, ok := e.State("g1")
		return ok && st.Phase == types.RecoveryPermanentlyFailed
	}, 6*time.Second, 20*time.Millisecond)

	history := e.History("g1")
	assert.Len(t, history, 2)
	for _, a := range history {
		assert.False(t, a.Succeeded)
	}
}

func TestRecovery_ExponentialBackoffIncreasesCooldown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExponentialBackoff = true
	cfg.BackoffFactor = 2
	cfg.Cooldown = time.Second
	e, _, _, _ := newEngine(t, cfg)

	d0 := e.cooldownDuration(0)
	d1 := e.cooldownDuration(1)
	d2 := e.cooldownDuration(2)
	assert.Greater(t, d1, d0)
	assert.Greater(t, d2, d1)
}
