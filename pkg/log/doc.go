/*
Package log provides structured logging for mdhub using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific loggers, configurable log levels, and helper functions for
common logging patterns. All logs include timestamps and support filtering by
severity level for production debugging.

# Usage

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true, // JSON in production, console in development
		Output:     os.Stdout,
	})

Component loggers, one per axis the core actually logs against:

	supLog := log.WithComponent("supervisor")
	supLog.Info().Msg("starting gateway supervisor")

	gwLog := log.WithGatewayID("futures-a1")
	gwLog.Warn().Msg("connection dropped")

	tickLog := log.WithSymbol("rb2510.SHFE")
	tickLog.Debug().Msg("canary tick received")

# Design

A single package-level zerolog.Logger is configured once via Init and shared
by every component; each component holds its own child logger (via
WithComponent, set at construction time) rather than reaching for the global
Logger directly, so log lines are always attributable to the component that
emitted them. JSON output is expected in production (scraped by log
aggregation); console output with human-readable timestamps is for local
development.

# Integration Points

Every core component (pkg/supervisor, pkg/health, pkg/failover,
pkg/recovery, pkg/events, pkg/publisher, pkg/pushhub) takes a
log.WithComponent(name) logger at construction. pkg/core wires one for
itself and does not reach into component internals to log on their behalf.
*/
package log
