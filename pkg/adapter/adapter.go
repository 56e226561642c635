// Package adapter declares the Broker Adapter port: the boundary
// between the core and a concrete market-data gateway process. Real
// protocol drivers (futures, stock-options) live outside this module;
// MockDriver in this package is a second, fully working implementation
// used by tests and by deployments without a live broker connection,
// selected by configuration rather than by branching inside the
// Supervisor.
package adapter

import "github.com/cuemby/mdhub/pkg/types"

// ConnCallback reports a raw connection-state transition from the
// driver.
type ConnCallback func(state types.ConnState)

// TickCallback reports one normalized tick from the driver.
type TickCallback func(tick types.Tick)

// LogCallback reports a driver log line, used by the Supervisor's
// best-effort CONNECTED synthesis from log patterns.
type LogCallback func(level, message string)

// Driver is one live session against a broker gateway process.
type Driver interface {
	// Connect establishes the session using protocol-specific
	// settings (credentials, endpoints, etc).
	Connect(settings map[string]string) error

	// Subscribe adds a symbol/exchange pair to the live feed.
	Subscribe(symbol, exchange string) error

	// Unsubscribe removes a symbol/exchange pair from the feed.
	Unsubscribe(symbol, exchange string) error

	// Close tears down the session and releases any resources.
	// After Close, the driver emits no further callbacks.
	Close() error

	// OnConn, OnTick, OnLog register the Supervisor's callbacks.
	// A driver implementation calls these from its own goroutines;
	// the Supervisor is responsible for making them safe to call
	// concurrently.
	OnConn(ConnCallback)
	OnTick(TickCallback)
	OnLog(LogCallback)
}

// Factory builds a Driver for one account. Real implementations are
// protocol-specific (futures vs stock-options); this port lets the
// Supervisor stay agnostic to which one it holds.
type Factory interface {
	NewDriver(protocol types.Protocol, name string) Driver
}
