// Package coordinator enforces a cross-process cap on connections per endpoint.
//
// Worker processes never exchange sockets. They only take a time-bounded
// reservation (a lease) before opening a pooled connection and give it back
// when the connection is evicted. A lease that is not renewed within its TTL is
// considered abandoned and stops counting, so a crashed process cannot pin the
// cap forever.
//
//	process A ──TryReserve(k)──┐
//	process B ──TryReserve(k)──┼──► shared store: k → {lease, lease, ...}  (count < limit ?)
//	process C ──TryReserve(k)──┘
//
// Every mutation is atomic in the backing store: increment-with-cap, decrement
// and expiry never go through a read-then-write race between processes.
package coordinator

import (
	"context"
	"errors"
)

// ErrLeaseNotFound is returned by Renew when the lease already expired or was released.
var ErrLeaseNotFound = errors.New("coordinator: lease not found")

// Lease is one reservation against an endpoint's global cap.
type Lease struct {
	Key string // Pool key, "host:port"
	ID  string // Backend-specific opaque id
}

// Coordinator is the shared pool capability.
type Coordinator interface {
	// TryReserve takes one slot for key. ok=false means the global cap is reached.
	TryReserve(ctx context.Context, key string) (lease Lease, ok bool, err error)

	// Release gives the slot back. Releasing an unknown or expired lease is not an error.
	Release(ctx context.Context, lease Lease) error

	// Renew extends the lease TTL. Returns ErrLeaseNotFound if the lease is gone.
	Renew(ctx context.Context, lease Lease) error

	// GlobalCount returns the number of live leases for key across all processes.
	GlobalCount(ctx context.Context, key string) (int, error)

	Close() error
}
