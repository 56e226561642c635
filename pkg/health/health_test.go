package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/mdhub/pkg/events"
	"github.com/cuemby/mdhub/pkg/types"
)

type fakeSource struct {
	state       types.ConnState
	protocol    types.Protocol
	lastUpdated time.Time
	ids         []string
}

func (f *fakeSource) ConnState(id string) (types.ConnState, types.Protocol, time.Time, bool) {
	for _, i := range f.ids {
		if i == id {
			return f.state, f.protocol, f.lastUpdated, true
		}
	}
	return "", "", time.Time{}, false
}

func (f *fakeSource) GatewayIDs() []string { return f.ids }

func TestMonitor_DisconnectedWhenNotConnected(t *testing.T) {
	bus := events.New()
	bus.Start()
	defer bus.Stop()

	var got StatusChangedPayload
	bus.Subscribe(events.TypeGatewayStatusChanged, func(e types.Event) {
		got = e.Payload.(StatusChangedPayload)
	})

	src := &fakeSource{state: types.ConnStateDisconnected, protocol: types.ProtocolFutures, ids: []string{"A1"}}
	cfg := DefaultConfig()
	m := New(cfg, bus, src)

	m.check("A1")
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, types.HealthDisconnected, got.Current)
	assert.Equal(t, types.HealthConnecting, got.Previous)
}

func TestMonitor_HealthyWithFreshCanary(t *testing.T) {
	bus := events.New()
	bus.Start()
	defer bus.Stop()

	src := &fakeSource{state: types.ConnStateConnected, protocol: types.ProtocolFutures, lastUpdated: time.Now(), ids: []string{"A1"}}
	cfg := DefaultConfig()
	cfg.CanaryContracts = map[types.Protocol][]string{types.ProtocolFutures: {"IF2501"}}
	m := New(cfg, bus, src)

	m.UpdateCanary("A1", "IF2501", time.Now())
	m.check("A1")

	rec, ok := m.Record("A1")
	require.True(t, ok)
	assert.Equal(t, types.HealthHealthy, rec.Status)
}

func TestMonitor_UnhealthyWhenCanaryStale(t *testing.T) {
	bus := events.New()
	bus.Start()
	defer bus.Stop()

	src := &fakeSource{state: types.ConnStateConnected, protocol: types.ProtocolFutures, lastUpdated: time.Now().Add(-time.Hour), ids: []string{"A1"}}
	cfg := DefaultConfig()
	cfg.HeartbeatTimeout = time.Second
	cfg.CanaryContracts = map[types.Protocol][]string{types.ProtocolFutures: {"IF2501"}}
	m := New(cfg, bus, src)

	m.UpdateCanary("A1", "IF2501", time.Now().Add(-time.Minute))
	m.check("A1")

	rec, ok := m.Record("A1")
	require.True(t, ok)
	assert.Equal(t, types.HealthUnhealthy, rec.Status)
}

func TestMonitor_StatusChangedPublishedOnceOnNoChange(t *testing.T) {
	bus := events.New()
	bus.Start()
	defer bus.Stop()

	var count int
	bus.Subscribe(events.TypeGatewayStatusChanged, func(e types.Event) { count++ })

	src := &fakeSource{state: types.ConnStateConnected, protocol: types.ProtocolFutures, lastUpdated: time.Now(), ids: []string{"A1"}}
	cfg := DefaultConfig()
	m := New(cfg, bus, src)

	m.check("A1")
	m.check("A1")
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, count, "status_changed fires only on transition, not on every check")
}
