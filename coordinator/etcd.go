package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// ErrContention is returned when TryReserve lost the compare-and-put race too many times in a row.
var ErrContention = errors.New("coordinator: too much contention on reservation")

const maxTxnRetries = 5

// Etcd keeps one etcd lease per reservation:
//
//	Key:   /gps-uplink/leases/{endpoint}/{leaseID}
//	Value: empty, attached to a lease with TTL = lease time
//
// The live count for an endpoint is the number of keys under its prefix. If a
// process dies, its leases expire and the keys disappear on their own.
//
// Increment-with-cap is a two-step optimistic transaction:
//  1. Count keys under the prefix and remember the store revision
//  2. Put our key only if no key under the prefix was modified after that revision
//
// A concurrent reservation makes step 2 fail and the loop retries with a fresh count.
type Etcd struct {
	client *clientv3.Client // etcd client (thread-safe, shared across goroutines)
	owned  bool             // Close the client on Close()
	prefix string
	limit  int
	ttl    time.Duration
}

// EtcdOption configures an Etcd coordinator.
type EtcdOption func(*Etcd)

// WithEtcdPrefix replaces the default key prefix "/gps-uplink/leases/".
func WithEtcdPrefix(prefix string) EtcdOption {
	return func(e *Etcd) { e.prefix = prefix }
}

// NewEtcd connects to the given etcd endpoints.
func NewEtcd(endpoints []string, limit int, ttl time.Duration, opts ...EtcdOption) (*Etcd, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	e := NewEtcdFromClient(c, limit, ttl, opts...)
	e.owned = true
	return e, nil
}

// NewEtcdFromClient uses an existing client. The client is not closed by Close.
func NewEtcdFromClient(c *clientv3.Client, limit int, ttl time.Duration, opts ...EtcdOption) *Etcd {
	e := &Etcd{
		client: c,
		prefix: "/gps-uplink/leases/",
		limit:  limit,
		ttl:    ttl,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Etcd) TryReserve(ctx context.Context, key string) (Lease, bool, error) {
	// Create the TTL lease first; it is revoked again if the cap is reached
	grant, err := e.client.Grant(ctx, e.ttlSeconds())
	if err != nil {
		return Lease{}, false, err
	}
	lease := Lease{Key: key, ID: strconv.FormatInt(int64(grant.ID), 16)}
	prefix := e.keyPrefix(key)

	for i := 0; i < maxTxnRetries; i++ {
		// Step 1: count live reservations
		resp, err := e.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithCountOnly())
		if err != nil {
			e.revoke(grant.ID)
			return Lease{}, false, err
		}
		if resp.Count >= int64(e.limit) {
			e.revoke(grant.ID)
			return Lease{}, false, nil
		}

		// Step 2: put only if nothing under the prefix changed since the count
		txn, err := e.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(prefix), "<", resp.Header.Revision+1).WithPrefix()).
			Then(clientv3.OpPut(prefix+lease.ID, "", clientv3.WithLease(grant.ID))).
			Commit()
		if err != nil {
			e.revoke(grant.ID)
			return Lease{}, false, err
		}
		if txn.Succeeded {
			return lease, true, nil
		}
	}

	e.revoke(grant.ID)
	return Lease{}, false, ErrContention
}

// Release revokes the lease, which deletes the attached key.
func (e *Etcd) Release(ctx context.Context, lease Lease) error {
	id, err := parseLeaseID(lease.ID)
	if err != nil {
		return err
	}
	_, err = e.client.Revoke(ctx, id)
	if errors.Is(err, rpctypes.ErrLeaseNotFound) {
		return nil
	}
	return err
}

func (e *Etcd) Renew(ctx context.Context, lease Lease) error {
	id, err := parseLeaseID(lease.ID)
	if err != nil {
		return err
	}
	_, err = e.client.KeepAliveOnce(ctx, id)
	if errors.Is(err, rpctypes.ErrLeaseNotFound) {
		return ErrLeaseNotFound
	}
	return err
}

func (e *Etcd) GlobalCount(ctx context.Context, key string) (int, error) {
	resp, err := e.client.Get(ctx, e.keyPrefix(key), clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return 0, err
	}
	return int(resp.Count), nil
}

func (e *Etcd) Close() error {
	if !e.owned {
		return nil
	}
	return e.client.Close()
}

func (e *Etcd) keyPrefix(key string) string {
	return e.prefix + key + "/"
}

func (e *Etcd) ttlSeconds() int64 {
	secs := int64(e.ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// revoke runs on its own short deadline since the caller's ctx may already be done.
func (e *Etcd) revoke(id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _ = e.client.Revoke(ctx, id)
}

func parseLeaseID(s string) (clientv3.LeaseID, error) {
	v, err := strconv.ParseInt(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("coordinator: invalid etcd lease id %q", s)
	}
	return clientv3.LeaseID(v), nil
}
