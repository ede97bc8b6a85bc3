package pool

import (
	"time"

	"gps-uplink/coordinator"
	"gps-uplink/endpoint"
	"gps-uplink/transport"
)

// State is the lifecycle state of a Record.
type State int

const (
	StateIdle   State = iota // In the pool, may be acquired
	StateInUse               // Held by exactly one caller
	StateClosed              // Socket closed, no longer in the pool
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInUse:
		return "in_use"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Record is one pooled connection. Its socket is owned by the pool entry that
// created it and is never handed to another pool.
//
// Mutable fields are guarded by the owning Pool's mutex; use the accessors.
type Record struct {
	id        string
	ep        endpoint.Endpoint
	socket    *transport.Socket
	createdAt time.Time
	pool      *Pool
	entry     *entry

	lastUsedAt time.Time
	useCount   int64
	state      State
	lease      coordinator.Lease
	leased     bool
}

// ID returns the process-unique record id.
func (r *Record) ID() string { return r.id }

// Endpoint returns the endpoint the record is connected to.
func (r *Record) Endpoint() endpoint.Endpoint { return r.ep }

// Socket returns the transport handle. Only the current holder may use it.
func (r *Record) Socket() *transport.Socket { return r.socket }

// CreatedAt returns the connect time.
func (r *Record) CreatedAt() time.Time { return r.createdAt }

// LastUsedAt returns the time of the last release, or CreatedAt if never released.
func (r *Record) LastUsedAt() time.Time {
	r.pool.mu.Lock()
	defer r.pool.mu.Unlock()
	return r.lastUsedAt
}

// UseCount returns the number of successful exchanges released back to the pool.
func (r *Record) UseCount() int64 {
	r.pool.mu.Lock()
	defer r.pool.mu.Unlock()
	return r.useCount
}

// State returns the current state.
func (r *Record) State() State {
	r.pool.mu.Lock()
	defer r.pool.mu.Unlock()
	return r.state
}

// fresh reports whether the record is within its age and idle limits.
func (r *Record) fresh(now time.Time, maxAge, maxIdle time.Duration) bool {
	if maxAge > 0 && now.Sub(r.createdAt) > maxAge {
		return false
	}
	if maxIdle > 0 && now.Sub(r.lastUsedAt) > maxIdle {
		return false
	}
	return true
}
