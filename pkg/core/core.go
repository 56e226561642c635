// Package core wires the Event Bus, Health Monitor, Gateway Supervisor,
// Failover Engine, Recovery Engine, Tick Publisher, and Push Hub into a
// single running instance. It holds no package-level state: every
// caller builds its own Core, so tests can run several concurrently
// without interfering with each other.
package core

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/cuemby/mdhub/pkg/accounts"
	"github.com/cuemby/mdhub/pkg/adapter"
	"github.com/cuemby/mdhub/pkg/events"
	"github.com/cuemby/mdhub/pkg/failover"
	"github.com/cuemby/mdhub/pkg/health"
	"github.com/cuemby/mdhub/pkg/log"
	"github.com/cuemby/mdhub/pkg/publisher"
	"github.com/cuemby/mdhub/pkg/pushhub"
	"github.com/cuemby/mdhub/pkg/recovery"
	"github.com/cuemby/mdhub/pkg/supervisor"
	"github.com/cuemby/mdhub/pkg/tradinghours"
	"github.com/cuemby/mdhub/pkg/types"
	"github.com/cuemby/mdhub/pkg/validator"
)

// Config aggregates every component's tunables. Each section is handed
// to its component as given: zero-value fields are not replaced by that
// component's DefaultConfig, so a zero Failover or Recovery section
// leaves that engine disabled. Only PublisherMode falls back, to the
// production preset, when it names no known mode.
type Config struct {
	Supervisor supervisor.Config
	Health     health.Config
	Failover   failover.Config
	Recovery   recovery.Config

	// EnablePublisher controls whether the Tick Publisher is
	// constructed and started; some deployments run headless (no
	// downstream tick consumers).
	EnablePublisher  bool
	PublisherMode    publisher.Mode
	PublisherAddr    string

	// EnablePushHub controls whether the Push Hub accepts websocket
	// clients.
	EnablePushHub bool
}

// Core is the wired instance of every component. Nil optional fields
// (Publisher, PushHub) mean that component was not enabled.
type Core struct {
	cfg Config
	log zerolog.Logger

	Bus        *events.Bus
	Health     *health.Monitor
	Supervisor *supervisor.Supervisor
	Failover   *failover.Engine
	Recovery   *recovery.Engine
	Publisher  *publisher.Publisher
	PushHub    *pushhub.Hub

	Accounts  accounts.Store
	Adapters  adapter.Factory
	Hours     tradinghours.Port
	Validator validator.Port

	started atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
}

// New wires every component without starting any of them. store,
// factory, and hours are the external ports; validator may be nil if
// no account-settings validation is configured.
func New(cfg Config, store accounts.Store, factory adapter.Factory, hours tradinghours.Port, val validator.Port) *Core {
	bus := events.New()

	sup := supervisor.New(cfg.Supervisor, bus, store, factory, hours)

	hmon := health.New(cfg.Health, bus, sup)
	sup.OnCanaryTick(hmon.UpdateCanary)

	failEngine := failover.New(cfg.Failover, bus, sup, hmon)
	recEngine := recovery.New(cfg.Recovery, bus, sup, hmon, store)

	c := &Core{
		cfg:        cfg,
		log:        log.WithComponent("core"),
		Bus:        bus,
		Health:     hmon,
		Supervisor: sup,
		Failover:   failEngine,
		Recovery:   recEngine,
		Accounts:   store,
		Adapters:   factory,
		Hours:      hours,
		Validator:  val,
	}

	if cfg.EnablePublisher {
		pub := publisher.New(cfg.PublisherMode)
		c.Publisher = pub
		sup.OnTick(func(t types.Tick, gatewayID string) {
			if err := pub.Publish(t); err != nil {
				c.log.Debug().Str("gateway_id", gatewayID).Err(err).Msg("tick publish failed")
			}
		})
	}
	if cfg.EnablePushHub {
		c.PushHub = pushhub.New(bus)
		c.PushHub.WatchCanary(sup, hmon, int(cfg.Health.HeartbeatTimeout.Seconds()))
	}

	return c
}

// Start brings up the bus, then every component in dependency order:
// health monitor before supervisor (so no status transition is
// missed), supervisor last since it begins emitting events
// immediately on connect.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.Bus.Start()
	c.Health.Start()

	if c.Publisher != nil {
		go func() {
			if err := c.Publisher.Serve(runCtx, c.cfg.PublisherAddr); err != nil {
				c.log.Error().Err(err).Msg("tick publisher stopped")
			}
		}()
	}

	if err := c.Supervisor.Start(); err != nil {
		cancel()
		return err
	}

	c.started.Store(true)
	return nil
}

// Stop tears down every component in the reverse order Start brought
// them up.
func (c *Core) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Supervisor.Stop()
	c.Failover.Stop()
	c.Recovery.Stop()
	if c.PushHub != nil {
		c.PushHub.Stop()
	}
	if c.Publisher != nil {
		_ = c.Publisher.Close()
	}
	c.Health.Stop()
	c.Bus.Stop()

	if c.cancel != nil {
		c.cancel()
	}
	c.started.Store(false)
}

// Started reports whether Start has completed without a subsequent
// Stop, for wiring into the ops readiness surface.
func (c *Core) Started() bool {
	return c.started.Load()
}
