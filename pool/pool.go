// Package pool keeps per-process pools of aggregator connections, one pool
// per endpoint, behind a single pool-wide lock.
//
// A Pool value is the process-wide pool registry: create it once with New,
// pass it to every caller, and flush it with Shutdown when the process stops.
//
// Acquire strategy:
//  1. Scan idle records of the endpoint in insertion order; expired ones are
//     evicted on the spot, the first fresh one is marked in-use under the lock
//  2. Probe the claimed socket outside the lock; a dead one is evicted and the scan resumes
//  3. No idle candidate and room left: reserve a global slot (if a coordinator
//     is configured) and dial a new connection
//  4. At capacity or reservation denied: return none, the caller decides
//
// Every record leaves the pool through exactly one path that closes its
// socket and gives its lease back (Evict, Release of a draining record, Sweep,
// CloseEndpoint, Shutdown).
package pool

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"gps-uplink/coordinator"
	"gps-uplink/endpoint"
	"gps-uplink/transport"
)

// ErrPoolClosed is returned by Acquire after Shutdown.
var ErrPoolClosed = errors.New("pool: closed")

const defaultCoordinatorTimeout = 2 * time.Second

// Options configures a Pool.
type Options struct {
	MaxConnectionsPerPool int
	ConnectionTimeout     time.Duration // Maximum age of a connection; 0 means unlimited
	IdleTimeout           time.Duration // Maximum time since last release; 0 means unlimited
	Transport             transport.Options

	// Coordinator enforces the cross-process cap. Nil keeps the pool local-only.
	Coordinator        coordinator.Coordinator
	CoordinatorTimeout time.Duration

	Logger *zap.Logger
	Now    func() time.Time
}

// EndpointStats is a point-in-time view of one endpoint's pool.
type EndpointStats struct {
	Endpoint string `json:"endpoint"`
	Idle     int    `json:"idle"`
	InUse    int    `json:"in_use"`
	Created  int64  `json:"created_count"`
	Reused   int64  `json:"reused_count"`
}

type entry struct {
	ep      endpoint.Endpoint
	conns   []*Record // Insertion order
	pending int       // Dials in flight, counted against capacity
	created int64
	reused  int64
	removed bool // Dropped by CloseEndpoint; in-flight records close on release
}

// Pool is safe for concurrent use.
type Pool struct {
	opts Options
	log  *zap.Logger
	now  func() time.Time

	mu       sync.Mutex
	entries  map[string]*entry
	records  map[string]*Record // Every live record in the process, by id
	draining map[string]int     // Live records and dials of entries dropped by CloseEndpoint
	closed   bool
}

// New creates an empty pool. Connections are created lazily.
func New(opts Options) *Pool {
	if opts.MaxConnectionsPerPool <= 0 {
		opts.MaxConnectionsPerPool = 1
	}
	if opts.CoordinatorTimeout <= 0 {
		opts.CoordinatorTimeout = defaultCoordinatorTimeout
	}
	p := &Pool{
		opts:     opts,
		log:      opts.Logger,
		now:      opts.Now,
		entries:  make(map[string]*entry),
		records:  make(map[string]*Record),
		draining: make(map[string]int),
	}
	if p.log == nil {
		p.log = zap.NewNop()
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Acquire returns an in-use record for ep. reused reports whether the record
// served an earlier delivery. A nil record with a nil error means the pool is
// saturated (or the global cap is reached) and the caller must fall back.
func (p *Pool) Acquire(ctx context.Context, ep endpoint.Endpoint) (*Record, bool, error) {
	for {
		r, dead, err := p.claimIdle(ep)
		p.discard(dead)
		if err != nil {
			return nil, false, err
		}
		if r == nil {
			break
		}
		if r.socket.Alive() {
			p.mu.Lock()
			r.entry.reused++
			p.mu.Unlock()
			return r, true, nil
		}
		p.log.Debug("pooled connection is dead",
			zap.String("endpoint", ep.Key()), zap.String("connection_id", r.id))
		p.Evict(r)
	}

	r, err := p.create(ctx, ep)
	return r, false, err
}

// Release hands the record back as idle and counts the use. The socket stays open.
func (p *Pool) Release(r *Record) {
	p.mu.Lock()
	if r.state != StateInUse {
		p.mu.Unlock()
		return
	}
	now := p.now()
	if now.Before(r.lastUsedAt) {
		now = r.lastUsedAt
	}
	r.lastUsedAt = now
	r.useCount++

	if p.closed || r.entry.removed {
		p.removeLocked(r)
		p.mu.Unlock()
		p.discard([]*Record{r})
		return
	}
	r.state = StateIdle
	p.mu.Unlock()
}

// Evict closes the record's socket and removes it from the pool. Evicting an
// already closed record does nothing.
func (p *Pool) Evict(r *Record) {
	p.mu.Lock()
	if r.state == StateClosed {
		p.mu.Unlock()
		return
	}
	p.removeLocked(r)
	p.mu.Unlock()
	p.discard([]*Record{r})
}

// Sweep evicts idle records that are expired or whose peer hung up, and
// renews the coordinator leases of the ones that remain. It returns the
// number of evicted records. Acquire cleans up lazily on its own; Sweep only
// keeps idle sockets and leases from lingering.
func (p *Pool) Sweep(ctx context.Context) int {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0
	}
	now := p.now()
	var dead, probe []*Record
	for _, e := range p.entries {
		for i := 0; i < len(e.conns); {
			r := e.conns[i]
			if r.state != StateIdle {
				i++
				continue
			}
			if !r.fresh(now, p.opts.ConnectionTimeout, p.opts.IdleTimeout) {
				p.removeLocked(r)
				dead = append(dead, r)
				continue
			}
			// Claim it so no one acquires it while we probe
			r.state = StateInUse
			probe = append(probe, r)
			i++
		}
	}
	p.mu.Unlock()

	p.discard(dead)
	evicted := len(dead)
	for _, r := range probe {
		if r.socket.Alive() {
			p.restore(r)
			continue
		}
		p.Evict(r)
		evicted++
	}

	p.renewLeases(ctx)
	return evicted
}

// CloseEndpoint closes every idle connection of ep and drops its pool.
// Records currently in use are closed when they are released.
func (p *Pool) CloseEndpoint(ep endpoint.Endpoint) int {
	p.mu.Lock()
	e, ok := p.entries[ep.Key()]
	if !ok {
		p.mu.Unlock()
		return 0
	}
	delete(p.entries, ep.Key())

	var dead []*Record
	for i := 0; i < len(e.conns); {
		r := e.conns[i]
		if r.state == StateIdle {
			p.removeLocked(r)
			dead = append(dead, r)
			continue
		}
		i++
	}
	// What is still in use keeps counting against the endpoint's capacity
	e.removed = true
	if n := len(e.conns) + e.pending; n > 0 {
		p.draining[ep.Key()] += n
	}
	p.mu.Unlock()

	p.discard(dead)
	return len(dead)
}

// Shutdown closes every idle connection and refuses further acquires.
// Records still in use are closed when released or evicted.
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	var dead []*Record
	for _, e := range p.entries {
		for i := 0; i < len(e.conns); {
			r := e.conns[i]
			if r.state == StateIdle {
				p.removeLocked(r)
				dead = append(dead, r)
				continue
			}
			i++
		}
	}
	p.mu.Unlock()

	return p.discard(dead)
}

// Stats returns per-endpoint occupancy and counters, sorted by endpoint.
func (p *Pool) Stats() []EndpointStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]EndpointStats, 0, len(p.entries))
	for key, e := range p.entries {
		s := EndpointStats{Endpoint: key, Created: e.created, Reused: e.reused}
		for _, r := range e.conns {
			switch r.state {
			case StateIdle:
				s.Idle++
			case StateInUse:
				s.InUse++
			}
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

// Size returns the number of records (idle and in use) pooled for ep.
func (p *Pool) Size(ep endpoint.Endpoint) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[ep.Key()]; ok {
		return len(e.conns)
	}
	return 0
}

// Len returns the number of live records across all endpoints.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

// StartJanitor runs Sweep every interval until ctx is done.
func (p *Pool) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := p.Sweep(ctx); n > 0 {
					p.log.Debug("sweep evicted connections", zap.Int("count", n))
				}
			}
		}
	}()
}

func (p *Pool) claimIdle(ep endpoint.Endpoint) (*Record, []*Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, nil, ErrPoolClosed
	}
	e, ok := p.entries[ep.Key()]
	if !ok {
		return nil, nil, nil
	}

	now := p.now()
	var dead []*Record
	for i := 0; i < len(e.conns); {
		r := e.conns[i]
		if r.state != StateIdle {
			i++
			continue
		}
		if !r.fresh(now, p.opts.ConnectionTimeout, p.opts.IdleTimeout) {
			p.removeLocked(r)
			dead = append(dead, r)
			continue
		}
		r.state = StateInUse
		return r, dead, nil
	}
	return nil, dead, nil
}

func (p *Pool) create(ctx context.Context, ep endpoint.Endpoint) (*Record, error) {
	key := ep.Key()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	e, ok := p.entries[key]
	if !ok {
		e = &entry{ep: ep}
		p.entries[key] = e
	}
	if len(e.conns)+e.pending+p.draining[key] >= p.opts.MaxConnectionsPerPool {
		p.mu.Unlock()
		return nil, nil
	}
	e.pending++
	p.mu.Unlock()

	lease, leased, allowed := p.reserve(ctx, key)
	if !allowed {
		p.mu.Lock()
		e.pending--
		if e.removed {
			p.drainedLocked(key)
		}
		p.mu.Unlock()
		return nil, nil
	}

	sock, err := transport.Dial(ctx, ep, p.opts.Transport)

	p.mu.Lock()
	e.pending--
	if e.removed {
		p.drainedLocked(key)
	}
	if err != nil {
		p.mu.Unlock()
		if leased {
			p.releaseLease(lease)
		}
		return nil, err
	}
	if p.closed || e.removed {
		closed := p.closed
		p.mu.Unlock()
		_ = sock.Close()
		if leased {
			p.releaseLease(lease)
		}
		if closed {
			return nil, ErrPoolClosed
		}
		return nil, nil
	}

	now := p.now()
	r := &Record{
		id:         p.newIDLocked(),
		ep:         ep,
		socket:     sock,
		createdAt:  now,
		lastUsedAt: now,
		state:      StateInUse,
		pool:       p,
		entry:      e,
		lease:      lease,
		leased:     leased,
	}
	e.conns = append(e.conns, r)
	e.created++
	p.records[r.id] = r
	p.mu.Unlock()

	p.log.Debug("pooled connection created",
		zap.String("endpoint", key), zap.String("connection_id", r.id))
	return r, nil
}

// reserve asks the coordinator for a global slot. A coordinator error lets
// the connection through without a lease: ingestion keeps flowing while the
// shared store is unreachable.
func (p *Pool) reserve(ctx context.Context, key string) (lease coordinator.Lease, leased bool, allowed bool) {
	c := p.opts.Coordinator
	if c == nil {
		return coordinator.Lease{}, false, true
	}
	rctx, cancel := context.WithTimeout(ctx, p.opts.CoordinatorTimeout)
	defer cancel()

	lease, ok, err := c.TryReserve(rctx, key)
	if err != nil {
		p.log.Warn("shared pool reservation failed, connecting without it",
			zap.String("endpoint", key), zap.Error(err))
		return coordinator.Lease{}, false, true
	}
	if !ok {
		p.log.Debug("global connection cap reached", zap.String("endpoint", key))
		return coordinator.Lease{}, false, false
	}
	return lease, true, true
}

func (p *Pool) releaseLease(lease coordinator.Lease) {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.CoordinatorTimeout)
	defer cancel()
	if err := p.opts.Coordinator.Release(ctx, lease); err != nil {
		p.log.Warn("shared pool release failed", zap.String("endpoint", lease.Key), zap.Error(err))
	}
}

func (p *Pool) renewLeases(ctx context.Context) {
	if p.opts.Coordinator == nil {
		return
	}
	p.mu.Lock()
	var held []*Record
	for _, r := range p.records {
		if r.leased {
			held = append(held, r)
		}
	}
	p.mu.Unlock()

	for _, r := range held {
		rctx, cancel := context.WithTimeout(ctx, p.opts.CoordinatorTimeout)
		err := p.opts.Coordinator.Renew(rctx, r.lease)
		cancel()
		switch {
		case errors.Is(err, coordinator.ErrLeaseNotFound):
			// The count converges once this record is evicted
			p.mu.Lock()
			r.leased = false
			p.mu.Unlock()
			p.log.Warn("shared pool lease lost", zap.String("endpoint", r.lease.Key), zap.String("connection_id", r.id))
		case err != nil:
			p.log.Warn("shared pool lease renewal failed", zap.String("endpoint", r.lease.Key), zap.Error(err))
		}
	}
}

// restore puts a record claimed by Sweep back to idle without counting a use.
func (p *Pool) restore(r *Record) {
	p.mu.Lock()
	if r.state != StateInUse {
		p.mu.Unlock()
		return
	}
	if p.closed || r.entry.removed {
		p.removeLocked(r)
		p.mu.Unlock()
		p.discard([]*Record{r})
		return
	}
	r.state = StateIdle
	p.mu.Unlock()
}

// removeLocked marks r closed and unlinks it. The caller must discard r after unlocking.
func (p *Pool) removeLocked(r *Record) {
	r.state = StateClosed
	e := r.entry
	for i, c := range e.conns {
		if c == r {
			e.conns = append(e.conns[:i], e.conns[i+1:]...)
			break
		}
	}
	delete(p.records, r.id)
	if e.removed {
		p.drainedLocked(r.ep.Key())
	}
}

func (p *Pool) drainedLocked(key string) {
	p.draining[key]--
	if p.draining[key] <= 0 {
		delete(p.draining, key)
	}
}

// discard closes sockets and returns leases of records already unlinked by removeLocked.
func (p *Pool) discard(rs []*Record) error {
	var errs error
	for _, r := range rs {
		if err := r.socket.Close(); err != nil {
			errs = multierr.Append(errs, err)
		}
		p.mu.Lock()
		lease, leased := r.lease, r.leased
		r.leased = false
		p.mu.Unlock()
		if leased {
			p.releaseLease(lease)
		}
	}
	return errs
}

func (p *Pool) newIDLocked() string {
	for {
		id := uuid.NewString()
		if _, dup := p.records[id]; !dup {
			return id
		}
	}
}
