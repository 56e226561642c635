package metrics

import (
	"time"

	"github.com/cuemby/mdhub/pkg/types"
)

// GatewaySource is the subset of the Gateway Supervisor the collector
// polls.
type GatewaySource interface {
	StatusView() []types.GatewayRuntimeRecord
}

// HealthSource is the subset of the Health Monitor the collector polls.
type HealthSource interface {
	Record(gatewayID string) (types.HealthRecord, bool)
}

// PublisherSource is the subset of the Tick Publisher the collector
// reads gauges from. Kept narrow and duck-typed so pkg/metrics never
// imports pkg/publisher.
type PublisherSource interface {
	SubscriberCount() int
}

// Collector periodically samples the running components and updates
// the Prometheus gauges declared in this package.
type Collector struct {
	gateways   GatewaySource
	health     HealthSource
	publisher  PublisherSource
	stopCh     chan struct{}
}

// NewCollector builds a Collector. publisher may be nil if the Tick
// Publisher is disabled.
func NewCollector(gateways GatewaySource, health HealthSource, publisher PublisherSource) *Collector {
	return &Collector{
		gateways:  gateways,
		health:    health,
		publisher: publisher,
		stopCh:    make(chan struct{}),
	}
}

// Start begins periodic collection on a 15s interval.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts periodic collection.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectGatewayMetrics()
	c.collectPublisherMetrics()
}

func (c *Collector) collectGatewayMetrics() {
	if c.gateways == nil {
		return
	}
	records := c.gateways.StatusView()

	counts := make(map[string]map[string]int)
	for _, r := range records {
		protocol := string(r.Protocol)
		state := string(r.ConnState)
		if counts[protocol] == nil {
			counts[protocol] = make(map[string]int)
		}
		counts[protocol][state]++

		if c.health != nil {
			if rec, ok := c.health.Record(r.ID); ok {
				for _, st := range []types.HealthStatus{types.HealthConnecting, types.HealthHealthy, types.HealthUnhealthy, types.HealthDisconnected} {
					v := 0.0
					if st == rec.Status {
						v = 1
					}
					GatewayHealthStatus.WithLabelValues(r.ID, string(st)).Set(v)
				}
			}
		}
	}

	GatewaysTotal.Reset()
	for protocol, states := range counts {
		for state, n := range states {
			GatewaysTotal.WithLabelValues(protocol, state).Set(float64(n))
		}
	}
}

func (c *Collector) collectPublisherMetrics() {
	if c.publisher == nil {
		return
	}
	PublisherSubscribersConnected.Set(float64(c.publisher.SubscriberCount()))
}
