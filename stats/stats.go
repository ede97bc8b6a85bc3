// Package stats counts delivery events per endpoint and grades pool efficiency.
//
// Counters only grow during the life of a Registry; Reset is the single
// explicit way to clear them.
package stats

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Counter names one per-endpoint counter.
type Counter int

const (
	Created          Counter = iota // New pooled or direct connections
	Success                         // Successful deliveries
	Reused                          // Deliveries served by an existing pooled connection
	SendFailed                      // Failed exchanges on an established connection
	ConnectionFailed                // Failed connection attempts
	numCounters
)

var counterNames = [numCounters]string{"created", "success", "reused", "send_failed", "connection_failed"}

func (c Counter) String() string {
	if c < 0 || c >= numCounters {
		return "unknown"
	}
	return counterNames[c]
}

// Counters returns every counter in a stable order.
func Counters() []Counter {
	out := make([]Counter, numCounters)
	for i := range out {
		out[i] = Counter(i)
	}
	return out
}

type counters [numCounters]atomic.Int64

// EndpointCounters is a copy of one endpoint's counters.
type EndpointCounters struct {
	Endpoint         string `json:"endpoint"`
	Created          int64  `json:"created"`
	Success          int64  `json:"success"`
	Reused           int64  `json:"reused"`
	SendFailed       int64  `json:"send_failed"`
	ConnectionFailed int64  `json:"connection_failed"`
}

// Get returns the value of c.
func (e EndpointCounters) Get(c Counter) int64 {
	switch c {
	case Created:
		return e.Created
	case Success:
		return e.Success
	case Reused:
		return e.Reused
	case SendFailed:
		return e.SendFailed
	case ConnectionFailed:
		return e.ConnectionFailed
	}
	return 0
}

// ReuseRatio is reused / created, or 0 before the first connection.
func (e EndpointCounters) ReuseRatio() float64 {
	if e.Created == 0 {
		return 0
	}
	return float64(e.Reused) / float64(e.Created)
}

// Registry holds the counters of every endpoint seen by this process.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]*counters
	gen       uint64 // Bumped by Reset
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{endpoints: make(map[string]*counters)}
}

// Inc adds one to counter c of endpoint key.
func (r *Registry) Inc(key string, c Counter) {
	r.Add(key, c, 1)
}

// Add adds n to counter c of endpoint key. Negative n is ignored.
func (r *Registry) Add(key string, c Counter, n int64) {
	if n <= 0 || c < 0 || c >= numCounters {
		return
	}
	r.get(key)[c].Add(n)
}

func (r *Registry) get(key string) *counters {
	r.mu.RLock()
	cs, ok := r.endpoints[key]
	r.mu.RUnlock()
	if ok {
		return cs
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cs, ok = r.endpoints[key]; !ok {
		cs = new(counters)
		r.endpoints[key] = cs
	}
	return cs
}

// Endpoint returns the counters of key. Unknown endpoints read as zero.
func (r *Registry) Endpoint(key string) EndpointCounters {
	r.mu.RLock()
	cs, ok := r.endpoints[key]
	r.mu.RUnlock()
	if !ok {
		return EndpointCounters{Endpoint: key}
	}
	return load(key, cs)
}

// Snapshot returns the counters of every endpoint, sorted by endpoint.
func (r *Registry) Snapshot() []EndpointCounters {
	out, _ := r.snapshot()
	return out
}

func (r *Registry) snapshot() ([]EndpointCounters, uint64) {
	r.mu.RLock()
	out := make([]EndpointCounters, 0, len(r.endpoints))
	for key, cs := range r.endpoints {
		out = append(out, load(key, cs))
	}
	gen := r.gen
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out, gen
}

// Reset forgets every endpoint.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.endpoints = make(map[string]*counters)
	r.gen++
	r.mu.Unlock()
}

func load(key string, cs *counters) EndpointCounters {
	return EndpointCounters{
		Endpoint:         key,
		Created:          cs[Created].Load(),
		Success:          cs[Success].Load(),
		Reused:           cs[Reused].Load(),
		SendFailed:       cs[SendFailed].Load(),
		ConnectionFailed: cs[ConnectionFailed].Load(),
	}
}
