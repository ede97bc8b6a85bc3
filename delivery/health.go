package delivery

import (
	"context"
	"time"

	"go.uber.org/zap"

	"gps-uplink/breaker"
	"gps-uplink/pool"
	"gps-uplink/stats"
)

// Stats is the answer to get_stats.
type Stats struct {
	Endpoints []stats.EndpointCounters `json:"endpoints"`
	Pools     []pool.EndpointStats     `json:"pools"`
}

// Health is the answer to get_health: counters graded by reuse ratio plus
// pool occupancy, breaker states and, with a coordinator, the global
// connection count of every pooled endpoint.
type Health struct {
	Status   string               `json:"status"` // "ok" unless a breaker is open
	Stats    stats.Health         `json:"stats"`
	Pools    []pool.EndpointStats `json:"pools"`
	Breakers []breaker.Status     `json:"breakers"`
	Global   map[string]int       `json:"global_connections,omitempty"`
}

// Stats returns per-endpoint counters and pool occupancy.
func (o *Orchestrator) Stats() Stats {
	return Stats{Endpoints: o.stats.Snapshot(), Pools: o.pool.Stats()}
}

// Health builds a health snapshot. Coordinator errors are logged and leave
// the endpoint out of Global.
func (o *Orchestrator) Health(ctx context.Context) Health {
	h := Health{
		Status:   "ok",
		Stats:    o.stats.Health(),
		Pools:    o.pool.Stats(),
		Breakers: o.brk.Snapshot(),
	}
	for _, b := range h.Breakers {
		if b.State != breaker.StateClosed.String() {
			h.Status = "degraded"
			break
		}
	}

	if c := o.opts.Coordinator; c != nil {
		h.Global = make(map[string]int, len(h.Pools))
		for _, p := range h.Pools {
			cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			n, err := c.GlobalCount(cctx, p.Endpoint)
			cancel()
			if err != nil {
				o.log.Warn("global connection count unavailable", zap.String("endpoint", p.Endpoint), zap.Error(err))
				continue
			}
			h.Global[p.Endpoint] = n
		}
	}
	return h
}
