package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Gateway metrics
	GatewaysTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mdhub_gateways_total",
			Help: "Total number of configured gateways by protocol and connection state",
		},
		[]string{"protocol", "state"},
	)

	GatewayHealthStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mdhub_gateway_health_status",
			Help: "Current health status per gateway (1 = active status, 0 = inactive)",
		},
		[]string{"gateway_id", "status"},
	)

	CanaryTickCount1Min = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mdhub_canary_tick_count_1min",
			Help: "Rolling one-minute canary tick count per gateway",
		},
		[]string{"gateway_id", "symbol"},
	)

	// Event Bus metrics
	EventBusDispatchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mdhub_event_bus_dispatched_total",
			Help: "Total number of events dispatched by the event bus",
		},
	)

	EventBusDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mdhub_event_bus_dropped_total",
			Help: "Total number of events dropped due to queue overflow",
		},
	)

	// Failover metrics
	FailoverExecutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdhub_failover_executed_total",
			Help: "Total number of failovers executed, by outcome",
		},
		[]string{"outcome"},
	)

	FailoverDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mdhub_failover_duration_seconds",
			Help:    "Time taken to execute a failover, including all symbol migrations",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Recovery metrics
	RecoveryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdhub_recovery_attempts_total",
			Help: "Total number of recovery attempts, by outcome",
		},
		[]string{"outcome"},
	)

	RecoveryPermanentlyFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mdhub_recovery_permanently_failed_total",
			Help: "Total number of gateways that exhausted their recovery retry budget",
		},
	)

	// Tick Publisher metrics
	PublisherTicksPublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mdhub_publisher_ticks_published_total",
			Help: "Total number of ticks successfully published",
		},
	)

	PublisherTicksDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mdhub_publisher_ticks_dropped_total",
			Help: "Total number of ticks dropped due to subscriber backpressure",
		},
	)

	PublisherSerializationLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mdhub_publisher_serialization_latency_seconds",
			Help:    "Tick payload serialization latency in seconds",
			Buckets: []float64{0.00001, 0.00002, 0.00003, 0.00004, 0.000045, 0.00005, 0.0001, 0.0005, 0.001},
		},
	)

	PublisherSubscribersConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mdhub_publisher_subscribers_connected",
			Help: "Current number of connected tick subscribers",
		},
	)

	// Push Hub metrics
	PushHubClientsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mdhub_pushhub_clients_connected",
			Help: "Current number of connected Push Hub clients",
		},
	)

	PushHubEventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdhub_pushhub_events_dropped_total",
			Help: "Total number of Push Hub events dropped, by reason",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(GatewaysTotal)
	prometheus.MustRegister(GatewayHealthStatus)
	prometheus.MustRegister(CanaryTickCount1Min)
	prometheus.MustRegister(EventBusDispatchedTotal)
	prometheus.MustRegister(EventBusDroppedTotal)
	prometheus.MustRegister(FailoverExecutedTotal)
	prometheus.MustRegister(FailoverDuration)
	prometheus.MustRegister(RecoveryAttemptsTotal)
	prometheus.MustRegister(RecoveryPermanentlyFailedTotal)
	prometheus.MustRegister(PublisherTicksPublishedTotal)
	prometheus.MustRegister(PublisherTicksDroppedTotal)
	prometheus.MustRegister(PublisherSerializationLatency)
	prometheus.MustRegister(PublisherSubscribersConnected)
	prometheus.MustRegister(PushHubClientsConnected)
	prometheus.MustRegister(PushHubEventsDroppedTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
