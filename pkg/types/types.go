// Package types defines the domain model shared across the market-data
// hub: accounts, gateway runtime state, health, recovery, failover, and
// the tick and event payloads that flow between components.
package types

import "time"

// Protocol identifies the market-data protocol a gateway speaks.
type Protocol string

const (
	ProtocolFutures      Protocol = "FUTURES"
	ProtocolStockOptions Protocol = "STOCK_OPTIONS"
)

// Account describes one configured gateway account, as read from the
// Account Store (pkg/accounts).
type Account struct {
	ID          string
	Protocol    Protocol
	Priority    int
	Enabled     bool
	Description string
	Settings    map[string]string
}

// ConnState is the connection state of a gateway's broker session.
type ConnState string

const (
	ConnStateIdle         ConnState = "IDLE"
	ConnStateConnecting   ConnState = "CONNECTING"
	ConnStateConnected    ConnState = "CONNECTED"
	ConnStateDisconnected ConnState = "DISCONNECTED"
)

// GatewayRuntimeRecord is the Gateway Supervisor's view of a single
// gateway process: its account, protocol, connection state, and active
// contract subscriptions.
type GatewayRuntimeRecord struct {
	ID             string
	Protocol       Protocol
	Priority       int
	ConnState      ConnState
	Attempts       int
	ConnectedSince time.Time
	Subscriptions  map[string]*ContractSubscriptionRecord
}

// HealthStatus is the Health Monitor's derived status for a gateway.
type HealthStatus string

const (
	HealthConnecting   HealthStatus = "CONNECTING"
	HealthHealthy      HealthStatus = "HEALTHY"
	HealthUnhealthy    HealthStatus = "UNHEALTHY"
	HealthDisconnected HealthStatus = "DISCONNECTED"
)

// HealthRecord is the current health assessment of one gateway.
type HealthRecord struct {
	GatewayID           string
	Status              HealthStatus
	LastHeartbeat       time.Time
	LastCheckDurationMs int64
	ErrorCount          int
	LastErrorMessage    string
}

// TickActivity classifies a canary symbol's recent tick cadence.
type TickActivity string

const (
	TickActivityActive   TickActivity = "ACTIVE"
	TickActivityStale    TickActivity = "STALE"
	TickActivityInactive TickActivity = "INACTIVE"
)

// CanaryTickRecord tracks the last tick seen for a canary contract on a
// gateway, plus a rolling one-minute count used to classify activity.
type CanaryTickRecord struct {
	GatewayID     string
	Symbol        string
	LastTickAt    time.Time
	TickCount1Min int
	Activity      TickActivity
}

// RecoveryPhase is the state of the Recovery Engine's per-gateway state
// machine.
type RecoveryPhase string

const (
	RecoveryIdle              RecoveryPhase = "IDLE"
	RecoveryCoolingDown       RecoveryPhase = "COOLING_DOWN"
	RecoveryRestarting        RecoveryPhase = "RESTARTING"
	RecoveryPermanentlyFailed RecoveryPhase = "PERMANENTLY_FAILED"
)

// RecoveryAttempt is one historical entry in a gateway's recovery ring.
type RecoveryAttempt struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Succeeded  bool
	Error      string
}

// RecoveryState is the Recovery Engine's per-gateway bookkeeping.
type RecoveryState struct {
	GatewayID         string
	Phase             RecoveryPhase
	Attempts          int
	CooldownStartedAt time.Time
	RecoveryStartedAt time.Time
	LastError         string
	History           []RecoveryAttempt // bounded ring, newest last
}

// ActiveFailover reports whether a failover is currently in flight for a
// gateway.
type ActiveFailover string

const (
	FailoverNone       ActiveFailover = "NONE"
	FailoverInProgress ActiveFailover = "IN_PROGRESS"
	FailoverCompleted  ActiveFailover = "COMPLETED"
	FailoverFailed     ActiveFailover = "FAILED"
)

// FailoverState is the Failover Engine's per-gateway bookkeeping.
type FailoverState struct {
	GatewayID           string
	Healthy             bool
	ConsecutiveFailures int
	CooldownUntil       time.Time
	ActiveFailover      ActiveFailover
}

// ContractSubscriptionRecord tracks which gateway currently serves a
// symbol, for migration bookkeeping during failover.
type ContractSubscriptionRecord struct {
	Symbol       string
	GatewayID    string
	SubscribedAt time.Time
	LastTickAt   time.Time
	Active       bool
}

// Tick is one market-data update, as emitted by a Broker Adapter driver
// and fanned out by the Tick Publisher.
type Tick struct {
	Symbol         string
	VtSymbol       string
	Datetime       time.Time
	LastPrice      float64
	Volume         int64
	LastVolume     int64
	BidPrice1      float64
	AskPrice1      float64
	BidVolume1     int64
	AskVolume1     int64
	ProcessingTime time.Time
}

// Event is a typed, timestamped message flowing through the Event Bus.
type Event struct {
	ID        string
	Type      string
	Timestamp time.Time
	Payload   any
}
