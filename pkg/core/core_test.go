package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/mdhub/pkg/accounts"
	"github.com/cuemby/mdhub/pkg/adapter"
	"github.com/cuemby/mdhub/pkg/events"
	"github.com/cuemby/mdhub/pkg/failover"
	"github.com/cuemby/mdhub/pkg/health"
	"github.com/cuemby/mdhub/pkg/recovery"
	"github.com/cuemby/mdhub/pkg/supervisor"
	"github.com/cuemby/mdhub/pkg/tradinghours"
	"github.com/cuemby/mdhub/pkg/types"
)

// TestCore_ColdStartNoAccounts covers seed scenario 1: an empty
// Account Store brings the supervisor up with nothing connected and
// no events beyond lifecycle, and shuts down cleanly.
func TestCore_ColdStartNoAccounts(t *testing.T) {
	store := accounts.NewMemoryStore(nil)
	cfg := Config{
		Supervisor: supervisor.Config{MockMode: true},
		Health:     health.Config{CheckInterval: 20 * time.Millisecond, HeartbeatTimeout: time.Second, FallbackMode: health.FallbackConnectionOnly},
	}
	c := New(cfg, store, &adapter.MockFactory{}, tradinghours.AlwaysOpen{}, nil)

	require.NoError(t, c.Start(context.Background()))
	assert.Empty(t, c.Supervisor.StatusView())
	c.Stop()
	assert.False(t, c.Started())
}

// TestCore_HealthyToUnhealthyTriggersFailover covers seed scenario 2:
// two FUTURES accounts, A1 preferred; once A1's canary goes stale past
// the heartbeat timeout it is marked UNHEALTHY and its active
// subscription migrates to A2.
func TestCore_HealthyToUnhealthyTriggersFailover(t *testing.T) {
	store := accounts.NewMemoryStore([]types.Account{
		{ID: "A1", Protocol: types.ProtocolFutures, Priority: 1, Enabled: true},
		{ID: "A2", Protocol: types.ProtocolFutures, Priority: 2, Enabled: true},
	})

	cfg := Config{
		Supervisor: supervisor.Config{
			MockMode: true,
			Canary:   func(types.Protocol) []string { return nil },
		},
		Health: health.Config{
			CheckInterval:    20 * time.Millisecond,
			HeartbeatTimeout: 60 * time.Millisecond,
			FallbackMode:     health.FallbackConnectionOnly,
			CanaryContracts: map[types.Protocol][]string{
				types.ProtocolFutures: {"rb2510.SHFE"},
			},
		},
		Failover: failover.Config{Enabled: true, Cooldown: time.Second},
		Recovery: recovery.Config{Enabled: false},
	}
	c := New(cfg, store, &adapter.MockFactory{}, tradinghours.AlwaysOpen{}, nil)

	var statusEvents []types.Event
	var failoverEvents []types.Event
	var mu sync.Mutex
	c.Bus.Subscribe(events.TypeGatewayStatusChanged, func(e types.Event) {
		mu.Lock()
		statusEvents = append(statusEvents, e)
		mu.Unlock()
	})
	c.Bus.Subscribe(events.TypeFailoverExecuted, func(e types.Event) {
		mu.Lock()
		failoverEvents = append(failoverEvents, e)
		mu.Unlock()
	})

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	require.Eventually(t, func() bool {
		s1, _, _, f1 := c.Supervisor.ConnState("A1")
		s2, _, _, f2 := c.Supervisor.ConnState("A2")
		return f1 && f2 && s1 == types.ConnStateConnected && s2 == types.ConnStateConnected
	}, time.Second, 5*time.Millisecond)

	// Keep A2's canary fresh so it stays HEALTHY and remains an eligible
	// backup; only A1's canary goes quiet.
	stopFeed := make(chan struct{})
	defer close(stopFeed)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stopFeed:
				return
			case now := <-ticker.C:
				c.Health.UpdateCanary("A2", "rb2510.SHFE", now)
			}
		}
	}()

	require.NoError(t, c.Supervisor.Subscribe("A1", []string{"rb2510.SHFE"}))
	c.Health.UpdateCanary("A1", "rb2510.SHFE", time.Now())

	// Stop feeding canary ticks for A1; once HeartbeatTimeout elapses
	// the next check cycle marks it UNHEALTHY and the Failover Engine
	// migrates the symbol to A2.
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"rb2510.SHFE"}, c.Supervisor.ActiveSubscriptions("A2"))
	}, 2*time.Second, 10*time.Millisecond)

	assert.NotContains(t, c.Supervisor.ActiveSubscriptions("A1"), "rb2510.SHFE")

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, failoverEvents)
	payload, ok := failoverEvents[0].Payload.(failover.ExecutedPayload)
	require.True(t, ok)
	assert.Equal(t, "A1", payload.Failed)
	assert.Equal(t, "A2", payload.Backup)
	assert.Contains(t, payload.Symbols, "rb2510.SHFE")
}

// TestCore_TradingHoursBlockRejectsStart covers seed scenario 5: with
// trading-hours checking enabled, no force-connect override, and a
// calendar that reports no session in progress, neither the
// supervisor's own Start nor an operator-driven StartGateway connects
// the gateway, and the only event emitted is
// gateway.control_action{status:"blocked"}.
func TestCore_TradingHoursBlockRejectsStart(t *testing.T) {
	store := accounts.NewMemoryStore([]types.Account{
		{ID: "A1", Protocol: types.ProtocolFutures, Priority: 1, Enabled: true},
	})
	cfg := Config{
		Supervisor: supervisor.Config{
			MockMode:               true,
			EnableTradingTimeCheck: true,
			ForceGatewayConnection: false,
		},
		Health: health.Config{CheckInterval: 20 * time.Millisecond, HeartbeatTimeout: time.Second, FallbackMode: health.FallbackConnectionOnly},
	}
	// Windowed with no configured sessions never reports in-session.
	c := New(cfg, store, &adapter.MockFactory{}, tradinghours.Windowed{}, nil)

	var controlEvents []types.Event
	var mu sync.Mutex
	c.Bus.Subscribe(events.TypeGatewayControlAction, func(e types.Event) {
		mu.Lock()
		controlEvents = append(controlEvents, e)
		mu.Unlock()
	})

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	// No in-session window exists, so Start leaves the gateway idle
	// rather than connecting it.
	require.Never(t, func() bool {
		s, _, _, found := c.Supervisor.ConnState("A1")
		return found && s == types.ConnStateConnected
	}, 100*time.Millisecond, 10*time.Millisecond)

	err := c.Supervisor.StartGateway("A1")
	require.Error(t, err)
	assert.Equal(t, types.KindTradingHoursBlocked, types.KindOf(err))

	// The bus delivers asynchronously; wait for StartGateway's event to
	// reach the handler before counting.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(controlEvents) >= 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, controlEvents, 2)
	for _, e := range controlEvents {
		payload, ok := e.Payload.(supervisor.ControlActionPayload)
		require.True(t, ok)
		assert.Equal(t, "A1", payload.GatewayID)
		assert.Equal(t, "blocked", payload.Status)
	}
}
