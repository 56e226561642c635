package failover

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/mdhub/pkg/events"
	"github.com/cuemby/mdhub/pkg/health"
	"github.com/cuemby/mdhub/pkg/types"
)

type fakeMigrator struct {
	subs     map[string][]string
	failSyms map[string]bool
	migrated []migration
	records  []types.GatewayRuntimeRecord
}

type migration struct {
	from, to string
	symbols  []string
}

func (m *fakeMigrator) MigrateContracts(from, to string, symbols []string) error {
	m.migrated = append(m.migrated, migration{from, to, symbols})
	for _, s := range symbols {
		if m.failSyms[s] {
			return types.NewError(types.KindDriverTransient, "migrate "+s)
		}
	}
	return nil
}

func (m *fakeMigrator) ActiveSubscriptions(gatewayID string) []string {
	return m.subs[gatewayID]
}

func (m *fakeMigrator) StatusView() []types.GatewayRuntimeRecord {
	if m.records != nil {
		return m.records
	}
	return []types.GatewayRuntimeRecord{
		{ID: "g1", Protocol: types.ProtocolFutures, Priority: 1, ConnState: types.ConnStateDisconnected},
		{ID: "g2", Protocol: types.ProtocolFutures, Priority: 2, ConnState: types.ConnStateConnected, ConnectedSince: time.Now().Add(-time.Minute)},
		{ID: "g3", Protocol: types.ProtocolFutures, Priority: 3, ConnState: types.ConnStateConnected, ConnectedSince: time.Now()},
	}
}

func TestFailover_SelectsBestHealthyBackup(t *testing.T) {
	bus := events.New()
	bus.Start()
	defer bus.Stop()

	mig := &fakeMigrator{subs: map[string][]string{"g1": {"rb2410", "au2412"}}}
	e := New(DefaultConfig(), bus, mig, nil)
	defer e.Stop()

	bus.Publish(events.TypeGatewayStatusChanged, health.StatusChangedPayload{
		GatewayID: "g1",
		Protocol:  types.ProtocolFutures,
		Previous:  types.HealthHealthy,
		Current:   types.HealthUnhealthy,
	})

	require.Eventually(t, func() bool {
		s, ok := e.State("g1")
		return ok && s.ActiveFailover == types.FailoverCompleted
	}, time.Second, 5*time.Millisecond)

	require.Len(t, mig.migrated, 2)
	for _, m := range mig.migrated {
		assert.Equal(t, "g2", m.to)
		assert.Equal(t, "g1", m.from)
	}
}

func TestFailover_PartialMigrationFailureStillReportsExecuted(t *testing.T) {
	bus := events.New()
	bus.Start()
	defer bus.Stop()

	mig := &fakeMigrator{
		subs:     map[string][]string{"g1": {"rb2410", "au2412"}},
		failSyms: map[string]bool{"au2412": true},
	}
	e := New(DefaultConfig(), bus, mig, nil)
	defer e.Stop()

	var got ExecutedPayload
	done := make(chan struct{})
	bus.Subscribe(events.TypeFailoverExecuted, func(evt types.Event) {
		got = evt.Payload.(ExecutedPayload)
		close(done)
	})

	bus.Publish(events.TypeGatewayStatusChanged, health.StatusChangedPayload{
		GatewayID: "g1", Protocol: types.ProtocolFutures,
		Previous: types.HealthHealthy, Current: types.HealthUnhealthy,
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for failover.executed")
	}

	assert.Equal(t, 1, got.Succeeded)
	assert.Equal(t, 1, got.FailedCount)
}

func TestFailover_NoBackupAvailable(t *testing.T) {
	bus := events.New()
	bus.Start()
	defer bus.Stop()

	mig := &fakeMigrator{
		subs: map[string][]string{"lonely": {"rb2410"}},
		records: []types.GatewayRuntimeRecord{
			{ID: "lonely", Protocol: types.ProtocolFutures, Priority: 1, ConnState: types.ConnStateDisconnected},
		},
	}
	e := New(DefaultConfig(), bus, mig, nil)
	defer e.Stop()

	bus.Publish(events.TypeGatewayStatusChanged, health.StatusChangedPayload{
		GatewayID: "lonely", Protocol: types.ProtocolFutures,
		Previous: types.HealthHealthy, Current: types.HealthUnhealthy,
	})

	require.Eventually(t, func() bool {
		s, ok := e.State("lonely")
		return ok && s.ActiveFailover == types.FailoverFailed
	}, time.Second, 5*time.Millisecond)
}
