package stats

import (
	"github.com/prometheus/client_golang/prometheus"

	"gps-uplink/breaker"
	"gps-uplink/pool"
)

const namespace = "gps_uplink"

// PoolSource reports pool occupancy. *pool.Pool satisfies it.
type PoolSource interface {
	Stats() []pool.EndpointStats
}

// BreakerSource reports breaker states. *breaker.Set satisfies it.
type BreakerSource interface {
	Snapshot() []breaker.Status
}

// Collector exports a Registry, and optionally pool occupancy and breaker
// states, as Prometheus metrics. Values are read at scrape time.
type Collector struct {
	reg      *Registry
	pool     PoolSource
	breakers BreakerSource

	counters   [numCounters]*prometheus.Desc
	reuseRatio *prometheus.Desc
	poolConns  *prometheus.Desc
	breaker    *prometheus.Desc
	failures   *prometheus.Desc
}

// NewCollector creates a Collector. p and b may be nil.
func NewCollector(reg *Registry, p PoolSource, b BreakerSource) *Collector {
	c := &Collector{
		reg:      reg,
		pool:     p,
		breakers: b,
		reuseRatio: prometheus.NewDesc(namespace+"_reuse_ratio",
			"Reused connections divided by created connections.", []string{"endpoint"}, nil),
		poolConns: prometheus.NewDesc(namespace+"_pool_connections",
			"Pooled connections by state.", []string{"endpoint", "state"}, nil),
		breaker: prometheus.NewDesc(namespace+"_breaker_state",
			"Circuit breaker state (0 closed, 1 open, 2 half open).", []string{"endpoint"}, nil),
		failures: prometheus.NewDesc(namespace+"_breaker_failures",
			"Consecutive failed deliveries counted by the circuit breaker.", []string{"endpoint"}, nil),
	}
	help := [numCounters]string{
		Created:          "Connections opened to the aggregator.",
		Success:          "Successful deliveries.",
		Reused:           "Deliveries served by a pooled connection.",
		SendFailed:       "Exchanges that failed on an established connection.",
		ConnectionFailed: "Connection attempts that failed.",
	}
	for _, ctr := range Counters() {
		c.counters[ctr] = prometheus.NewDesc(namespace+"_"+ctr.String()+"_total", help[ctr], []string{"endpoint"}, nil)
	}
	return c
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.counters {
		ch <- d
	}
	ch <- c.reuseRatio
	ch <- c.poolConns
	ch <- c.breaker
	ch <- c.failures
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, e := range c.reg.Snapshot() {
		for _, ctr := range Counters() {
			ch <- prometheus.MustNewConstMetric(c.counters[ctr], prometheus.CounterValue, float64(e.Get(ctr)), e.Endpoint)
		}
		ch <- prometheus.MustNewConstMetric(c.reuseRatio, prometheus.GaugeValue, e.ReuseRatio(), e.Endpoint)
	}

	if c.pool != nil {
		for _, s := range c.pool.Stats() {
			ch <- prometheus.MustNewConstMetric(c.poolConns, prometheus.GaugeValue, float64(s.Idle), s.Endpoint, "idle")
			ch <- prometheus.MustNewConstMetric(c.poolConns, prometheus.GaugeValue, float64(s.InUse), s.Endpoint, "in_use")
		}
	}

	if c.breakers != nil {
		for _, s := range c.breakers.Snapshot() {
			ch <- prometheus.MustNewConstMetric(c.breaker, prometheus.GaugeValue, breakerValue(s.State), s.Endpoint)
			ch <- prometheus.MustNewConstMetric(c.failures, prometheus.GaugeValue, float64(s.Failures), s.Endpoint)
		}
	}
}

func breakerValue(state string) float64 {
	switch state {
	case breaker.StateOpen.String():
		return 1
	case breaker.StateHalfOpen.String():
		return 2
	}
	return 0
}
