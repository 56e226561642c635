package pushhub

import "time"

// GatewayStatusChangeEvent is the gateway_status_change schema (§6.2).
type GatewayStatusChangeEvent struct {
	EventType      string    `json:"event_type"`
	Timestamp      time.Time `json:"timestamp"`
	GatewayID      string    `json:"gateway_id"`
	GatewayType    string    `json:"gateway_type"`
	PreviousStatus string    `json:"previous_status"`
	CurrentStatus  string    `json:"current_status"`
	Metadata       any       `json:"metadata"`
}

// GatewayRecoveryStatusEvent is the gateway_recovery_status schema.
type GatewayRecoveryStatusEvent struct {
	EventType      string    `json:"event_type"`
	Timestamp      time.Time `json:"timestamp"`
	GatewayID      string    `json:"gateway_id"`
	RecoveryStatus string    `json:"recovery_status"`
	Attempt        int       `json:"attempt"`
	Message        string    `json:"message,omitempty"`
	Metadata       any       `json:"metadata,omitempty"`
}

// ControlActionEvent is the gateway_control_action schema.
type ControlActionEvent struct {
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	GatewayID string    `json:"gateway_id"`
	Action    string    `json:"action"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
}

// LogEvent is the system_log schema.
type LogEvent struct {
	EventType string            `json:"event_type"`
	Timestamp time.Time         `json:"timestamp"`
	Level     string            `json:"level"`
	Message   string            `json:"message"`
	Source    string            `json:"source"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// CanaryTickEvent is the canary_tick_update schema.
type CanaryTickEvent struct {
	EventType        string    `json:"event_type"`
	Timestamp        time.Time `json:"timestamp"`
	GatewayID        string    `json:"gateway_id"`
	ContractSymbol   string    `json:"contract_symbol"`
	TickCount1Min    int       `json:"tick_count_1min"`
	LastTickTime     time.Time `json:"last_tick_time"`
	Status           string    `json:"status"`
	ThresholdSeconds int       `json:"threshold_seconds"`
}

// ConnectionEvent is sent once per new client.
type ConnectionEvent struct {
	EventType string `json:"event_type"`
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	Message   string `json:"message,omitempty"`
}
