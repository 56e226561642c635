/*
Package metrics provides Prometheus metrics collection and exposition for mdhub.

Metrics are registered at package init and exposed via an HTTP handler for
scraping. A Collector polls the Gateway Supervisor, Health Monitor, and Tick
Publisher on a ticker and keeps the gauges current; event-driven counters
(failover, recovery, push-hub drops) are updated directly by the components
that own the event.

# Metrics Catalog

Gateway metrics:

mdhub_gateways_total{protocol, state}:
  - Gauge. Configured gateways by protocol and connection state.

mdhub_gateway_health_status{gateway_id, status}:
  - Gauge. 1 for the gateway's current health status, 0 otherwise.

mdhub_canary_tick_count_1min{gateway_id, symbol}:
  - Gauge. Rolling one-minute canary tick count.

Event Bus metrics:

mdhub_event_bus_dispatched_total / mdhub_event_bus_dropped_total:
  - Counters. Events dispatched, and dropped on queue overflow.

Failover metrics:

mdhub_failover_executed_total{outcome}:
  - Counter. Failovers executed, by outcome (succeeded/partial/failed).

mdhub_failover_duration_seconds:
  - Histogram. Time to execute a failover across all symbol migrations.

Recovery metrics:

mdhub_recovery_attempts_total{outcome}:
  - Counter. Recovery attempts, by outcome.

mdhub_recovery_permanently_failed_total:
  - Counter. Gateways that exhausted their recovery retry budget.

Tick Publisher metrics:

mdhub_publisher_ticks_published_total / mdhub_publisher_ticks_dropped_total:
  - Counters. Ticks published, and dropped on subscriber backpressure.

mdhub_publisher_serialization_latency_seconds:
  - Histogram. Tick payload serialization latency, bucketed around the
    §4.6 performance gate thresholds (0.04/0.045/0.05ms, expressed in
    seconds).

mdhub_publisher_subscribers_connected:
  - Gauge. Connected tick subscribers.

Push Hub metrics:

mdhub_pushhub_clients_connected:
  - Gauge. Connected Push Hub clients.

mdhub_pushhub_events_dropped_total{reason}:
  - Counter. Push Hub events dropped, by reason (rate_limit, slow_consumer).

# Usage

	timer := metrics.NewTimer()
	// ... run every symbol migration of one failover ...
	timer.ObserveDuration(metrics.FailoverDuration)

	http.Handle("/metrics", metrics.Handler())

# Integration Points

This package integrates with pkg/supervisor, pkg/health, pkg/failover,
pkg/recovery, pkg/publisher, and pkg/pushhub.
*/
package metrics
