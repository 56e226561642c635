// Package supervisor implements the Gateway Supervisor: it owns the
// lifecycle of every gateway driver, rewrites driver callbacks into
// typed events, and exposes the control operations the rest of the
// core (and, eventually, an operator surface) drives gateways through.
package supervisor

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/mdhub/pkg/accounts"
	"github.com/cuemby/mdhub/pkg/adapter"
	"github.com/cuemby/mdhub/pkg/events"
	"github.com/cuemby/mdhub/pkg/log"
	"github.com/cuemby/mdhub/pkg/tradinghours"
	"github.com/cuemby/mdhub/pkg/types"
)

// reconnectDelay is how long the supervisor waits before its single
// soft retry after a DISCONNECTED signal. Repeated failures beyond
// this one retry are the Recovery Engine's job.
const reconnectDelay = 10 * time.Second

// loginSuccessPatterns are log substrings (Chinese and English) that
// indicate a successful broker login even when the driver's own
// connection-state callback never fires.
var loginSuccessPatterns = []string{
	"login success", "connected successfully", "行情登录成功", "交易登录成功", "登录成功",
}

// CanaryFor returns the canary symbols to auto-subscribe when a
// gateway of the given protocol reaches CONNECTED.
type CanaryFor func(protocol types.Protocol) []string

// Config holds the Supervisor's tunables.
type Config struct {
	EnableTradingTimeCheck bool
	ForceGatewayConnection bool
	MockMode               bool
	Canary                 CanaryFor
}

type gateway struct {
	mu          sync.Mutex
	account     types.Account
	record      types.GatewayRuntimeRecord
	driver      adapter.Driver
	lastUpdated time.Time
}

// Supervisor is the Gateway Supervisor component.
type Supervisor struct {
	cfg      Config
	bus      *events.Bus
	store    accounts.Store
	factory  adapter.Factory
	hours    tradinghours.Port
	log      zerolog.Logger

	mu        sync.RWMutex
	gateways  map[string]*gateway
	onTick    func(types.Tick, string)
	onCanary  func(gatewayID, symbol string, ts time.Time)
}

// New builds a Supervisor. onTick and onCanary are invoked for every
// tick observed and every canary-symbol tick observed respectively;
// they are typically wired to the Tick Publisher and Health Monitor.
func New(cfg Config, bus *events.Bus, store accounts.Store, factory adapter.Factory, hours tradinghours.Port) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		bus:      bus,
		store:    store,
		factory:  factory,
		hours:    hours,
		log:      log.WithComponent("supervisor"),
		gateways: make(map[string]*gateway),
	}
}

// OnTick registers the callback invoked for every tick from any
// gateway, alongside the originating gateway id.
func (s *Supervisor) OnTick(fn func(tick types.Tick, gatewayID string)) {
	s.mu.Lock()
	s.onTick = fn
	s.mu.Unlock()
}

// OnCanaryTick registers the callback invoked when a tick matches a
// configured canary symbol for its gateway's protocol.
func (s *Supervisor) OnCanaryTick(fn func(gatewayID, symbol string, ts time.Time)) {
	s.mu.Lock()
	s.onCanary = fn
	s.mu.Unlock()
}

// Start loads enabled accounts ordered by priority, creates one
// runtime record per account, and initiates a connection attempt for
// each.
func (s *Supervisor) Start() error {
	list, err := s.store.ListAccounts(true)
	if err != nil {
		return types.WrapError(types.KindInternal, "list accounts", err)
	}

	for _, acct := range list {
		s.addGateway(acct)
		if !s.allowedNow(acct.Protocol) {
			s.log.Info().Str("gateway_id", acct.ID).Msg("trading hours block, gateway left idle")
			s.bus.Publish(events.TypeGatewayControlAction, ControlActionPayload{GatewayID: acct.ID, Action: "start", Status: "blocked"})
			continue
		}
		if err := s.connect(acct.ID); err != nil {
			s.log.Warn().Str("gateway_id", acct.ID).Err(err).Msg("initial connect failed")
		}
	}
	return nil
}

// Stop closes every driver and guarantees no further events reach the
// bus from this supervisor.
func (s *Supervisor) Stop() {
	s.mu.RLock()
	gws := make([]*gateway, 0, len(s.gateways))
	for _, g := range s.gateways {
		gws = append(gws, g)
	}
	s.mu.RUnlock()

	for _, g := range gws {
		g.mu.Lock()
		if g.driver != nil {
			_ = g.driver.Close()
			g.driver = nil
		}
		g.record.ConnState = types.ConnStateIdle
		g.mu.Unlock()
	}
}

func (s *Supervisor) addGateway(acct types.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gateways[acct.ID] = &gateway{
		account: acct,
		record: types.GatewayRuntimeRecord{
			ID:            acct.ID,
			Protocol:      acct.Protocol,
			Priority:      acct.Priority,
			ConnState:     types.ConnStateIdle,
			Subscriptions: make(map[string]*types.ContractSubscriptionRecord),
		},
		lastUpdated: time.Now(),
	}
}

// StartGateway connects a previously stopped/idle gateway.
func (s *Supervisor) StartGateway(id string) error {
	g, err := s.gatewayByID(id)
	if err != nil {
		return err
	}

	g.mu.Lock()
	if g.record.ConnState == types.ConnStateConnected || g.record.ConnState == types.ConnStateConnecting {
		g.mu.Unlock()
		return types.NewError(types.KindAlreadyRunning, id)
	}
	protocol := g.account.Protocol
	g.mu.Unlock()

	if !s.allowedNow(protocol) {
		s.bus.Publish(events.TypeGatewayControlAction, ControlActionPayload{GatewayID: id, Action: "start", Status: "blocked"})
		return types.NewError(types.KindTradingHoursBlocked, id)
	}

	if err := s.connect(id); err != nil {
		return types.WrapError(types.KindInitFailed, id, err)
	}
	s.bus.Publish(events.TypeGatewayControlAction, ControlActionPayload{GatewayID: id, Action: "start", Status: "ok"})
	return nil
}

// StopGateway closes the driver for one gateway without removing its
// runtime record.
func (s *Supervisor) StopGateway(id string) error {
	g, err := s.gatewayByID(id)
	if err != nil {
		return err
	}

	g.mu.Lock()
	if g.driver != nil {
		_ = g.driver.Close()
		g.driver = nil
	}
	g.record.ConnState = types.ConnStateIdle
	g.mu.Unlock()

	s.bus.Publish(events.TypeGatewayControlAction, ControlActionPayload{GatewayID: id, Action: "stop", Status: "ok"})
	return nil
}

// RestartGateway stops then starts a gateway.
func (s *Supervisor) RestartGateway(id string) error {
	if _, err := s.gatewayByID(id); err != nil {
		return err
	}
	_ = s.StopGateway(id)
	return s.StartGateway(id)
}

func (s *Supervisor) allowedNow(protocol types.Protocol) bool {
	if s.cfg.ForceGatewayConnection || !s.cfg.EnableTradingTimeCheck {
		return true
	}
	if s.hours == nil {
		return true
	}
	return s.hours.ShouldConnect(string(protocol), time.Now())
}

func (s *Supervisor) connect(id string) error {
	g, err := s.gatewayByID(id)
	if err != nil {
		return err
	}

	g.mu.Lock()
	acct := g.account
	g.record.ConnState = types.ConnStateConnecting
	g.record.Attempts++
	g.mu.Unlock()

	driver := s.factory.NewDriver(acct.Protocol, acct.ID)
	driver.OnConn(func(state types.ConnState) { s.handleConn(id, state) })
	driver.OnTick(func(tick types.Tick) { s.handleTick(id, tick) })
	driver.OnLog(func(level, msg string) { s.handleLog(id, level, msg) })

	g.mu.Lock()
	g.driver = driver
	g.mu.Unlock()

	if err := driver.Connect(acct.Settings); err != nil {
		return types.WrapError(types.KindDriverTransient, "connect", err)
	}
	return nil
}

func (s *Supervisor) handleConn(id string, state types.ConnState) {
	defer s.recoverHandler("conn callback", id)

	g, err := s.gatewayByID(id)
	if err != nil {
		return
	}

	g.mu.Lock()
	g.record.ConnState = state
	g.lastUpdated = time.Now()
	if state == types.ConnStateConnected {
		g.record.ConnectedSince = time.Now()
		g.record.Attempts = 0
	}
	protocol := g.account.Protocol
	g.mu.Unlock()

	if state == types.ConnStateConnected {
		s.subscribeCanary(id, protocol)
	}
	if state == types.ConnStateDisconnected {
		s.scheduleReconnect(id)
	}
}

func (s *Supervisor) subscribeCanary(id string, protocol types.Protocol) {
	if s.cfg.Canary == nil {
		return
	}
	for _, symbol := range s.cfg.Canary(protocol) {
		_ = s.Subscribe(id, []string{symbol})
	}
}

func (s *Supervisor) scheduleReconnect(id string) {
	go func() {
		time.Sleep(reconnectDelay)
		g, err := s.gatewayByID(id)
		if err != nil {
			return
		}
		g.mu.Lock()
		stillDown := g.record.ConnState == types.ConnStateDisconnected
		g.mu.Unlock()
		if !stillDown {
			return
		}
		if err := s.connect(id); err != nil {
			s.log.Warn().Str("gateway_id", id).Err(err).Msg("soft reconnect failed")
		}
	}()
}

func (s *Supervisor) handleTick(id string, tick types.Tick) {
	defer s.recoverHandler("tick callback", id)

	g, err := s.gatewayByID(id)
	if err != nil {
		return
	}
	g.mu.Lock()
	protocol := g.account.Protocol
	g.mu.Unlock()

	s.mu.RLock()
	onTick := s.onTick
	onCanary := s.onCanary
	s.mu.RUnlock()

	if onTick != nil {
		onTick(tick, id)
	}

	if onCanary != nil && s.cfg.Canary != nil {
		for _, symbol := range s.cfg.Canary(protocol) {
			if symbol == tick.Symbol {
				onCanary(id, symbol, tick.Datetime)
			}
		}
	}
}

func (s *Supervisor) handleLog(id, level, message string) {
	defer s.recoverHandler("log callback", id)

	s.bus.Publish(events.TypeSystemLog, LogPayload{GatewayID: id, Level: level, Message: message, Source: "driver"})

	lower := strings.ToLower(message)
	for _, pattern := range loginSuccessPatterns {
		if strings.Contains(message, pattern) || strings.Contains(lower, strings.ToLower(pattern)) {
			s.handleConn(id, types.ConnStateConnected)
			return
		}
	}
}

func (s *Supervisor) recoverHandler(where, gatewayID string) {
	if r := recover(); r != nil {
		s.log.Error().Str("gateway_id", gatewayID).Str("where", where).Interface("panic", r).Msg("driver callback panicked")
	}
}

// Subscribe adds symbols to a gateway's live feed.
func (s *Supervisor) Subscribe(id string, symbols []string) error {
	g, err := s.gatewayByID(id)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.driver == nil {
		return types.NewError(types.KindInternal, "no driver for "+id)
	}
	for _, sym := range symbols {
		if err := g.driver.Subscribe(sym, ""); err != nil {
			return types.WrapError(types.KindDriverTransient, "subscribe "+sym, err)
		}
		g.record.Subscriptions[sym] = &types.ContractSubscriptionRecord{
			Symbol:       sym,
			GatewayID:    id,
			SubscribedAt: time.Now(),
			Active:       true,
		}
	}
	return nil
}

// Unsubscribe removes symbols from a gateway's live feed.
func (s *Supervisor) Unsubscribe(id string, symbols []string) error {
	g, err := s.gatewayByID(id)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.driver == nil {
		// A gateway that is already down has nothing to
		// unsubscribe from; treat as success so migration can
		// still proceed to the target, but the record still needs
		// to go inactive so it's never reported active on both
		// gateways.
		for _, sym := range symbols {
			if rec, ok := g.record.Subscriptions[sym]; ok {
				rec.Active = false
			}
		}
		return nil
	}
	for _, sym := range symbols {
		_ = g.driver.Unsubscribe(sym, "")
		if rec, ok := g.record.Subscriptions[sym]; ok {
			rec.Active = false
		}
	}
	return nil
}

// MigrateContracts unsubscribes symbols from the source gateway (if
// still reachable) and subscribes them on the target. The target
// subscribe is never allowed to fail silently: its error is returned.
func (s *Supervisor) MigrateContracts(from, to string, symbols []string) error {
	if from != "" {
		_ = s.Unsubscribe(from, symbols)
	}
	return s.Subscribe(to, symbols)
}

// TerminateProcess releases a gateway's driver handle, used by the
// Recovery Engine as the first half of a hard restart.
func (s *Supervisor) TerminateProcess(id string) error {
	g, err := s.gatewayByID(id)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.driver != nil {
		_ = g.driver.Close()
		g.driver = nil
	}
	g.record.ConnState = types.ConnStateIdle
	return nil
}

// RelaunchProcess creates a fresh driver and connects it using the
// given settings, used by the Recovery Engine as the second half of a
// hard restart.
func (s *Supervisor) RelaunchProcess(id string, settings map[string]string) error {
	g, err := s.gatewayByID(id)
	if err != nil {
		return err
	}
	g.mu.Lock()
	if settings != nil {
		g.account.Settings = settings
	}
	g.mu.Unlock()
	return s.connect(id)
}

// StatusView is a cheap read of all runtime records, consumed by the
// Health Monitor and Failover Engine.
func (s *Supervisor) StatusView() []types.GatewayRuntimeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.GatewayRuntimeRecord, 0, len(s.gateways))
	for _, g := range s.gateways {
		g.mu.Lock()
		out = append(out, g.record)
		g.mu.Unlock()
	}
	return out
}

// ConnState implements health.StatusSource.
func (s *Supervisor) ConnState(id string) (types.ConnState, types.Protocol, time.Time, bool) {
	g, err := s.gatewayByID(id)
	if err != nil {
		return "", "", time.Time{}, false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.record.ConnState, g.account.Protocol, g.lastUpdated, true
}

// GatewayIDs implements health.StatusSource.
func (s *Supervisor) GatewayIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.gateways))
	for id := range s.gateways {
		out = append(out, id)
	}
	return out
}

// ActiveSubscriptions returns the active symbols on a gateway, used by
// the Failover Engine to determine what must migrate.
func (s *Supervisor) ActiveSubscriptions(id string) []string {
	g, err := s.gatewayByID(id)
	if err != nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.record.Subscriptions))
	for sym, rec := range g.record.Subscriptions {
		if rec.Active {
			out = append(out, sym)
		}
	}
	return out
}

func (s *Supervisor) gatewayByID(id string) (*gateway, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.gateways[id]
	if !ok {
		return nil, types.NewError(types.KindNotFound, id)
	}
	return g, nil
}

// ControlActionPayload is carried on gateway.control_action.
type ControlActionPayload struct {
	GatewayID string
	Action    string
	Status    string
	Message   string
}

// LogPayload is carried on system.log for driver log lines.
type LogPayload struct {
	GatewayID string
	Level     string
	Message   string
	Source    string
}
