// Package delivery forwards GPS position lines to telemetry aggregators.
//
// One Deliver call runs this state machine:
//
//	CircuitCheck -> Acquire -> Exchange -> Classify
//	                  ^                       |
//	                  +------ Retry <---------+  recoverable and attempts left
//	                                          |
//	                      Release & Success <-+-> Evict & Fail
//
// Acquire prefers the local pool; only when the pool has nothing to give is a
// direct one-off connection opened. Attempts are strictly sequential and
// separated by a linear backoff.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"gps-uplink/breaker"
	"gps-uplink/coordinator"
	"gps-uplink/endpoint"
	"gps-uplink/pool"
	"gps-uplink/stats"
	"gps-uplink/transport"
)

// Options configures an Orchestrator.
type Options struct {
	Pool     *pool.Pool      // Required
	Breakers *breaker.Set    // Required
	Stats    *stats.Registry // Nil creates a private registry

	// Coordinator is only read for health reporting; the pool enforces the cap.
	Coordinator coordinator.Coordinator

	MaxAttempts    int           // Total attempts per Deliver, including the first
	RetryDelayBase time.Duration // Delay before attempt n is RetryDelayBase*(n-1)

	// Transport is used for direct fallback connections.
	Transport transport.Options

	SuccessLogRate  float64 // Success log lines per second; failures are never sampled
	SuccessLogBurst int

	Logger *zap.Logger
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	opts    Options
	pool    *pool.Pool
	brk     *breaker.Set
	stats   *stats.Registry
	log     *zap.Logger
	sampler *rate.Limiter
}

// New creates an Orchestrator over an existing pool and breaker set.
func New(opts Options) *Orchestrator {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.Stats == nil {
		opts.Stats = stats.NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SuccessLogBurst <= 0 {
		opts.SuccessLogBurst = 1
	}
	return &Orchestrator{
		opts:    opts,
		pool:    opts.Pool,
		brk:     opts.Breakers,
		stats:   opts.Stats,
		log:     opts.Logger,
		sampler: rate.NewLimiter(rate.Limit(opts.SuccessLogRate), opts.SuccessLogBurst),
	}
}

// Deliver writes payload followed by a carriage return to host:port and reads
// the reply, if any. It never panics and never returns nil.
func (o *Orchestrator) Deliver(ctx context.Context, host string, port int, payload, correlationID string) (out *Outcome) {
	out = &Outcome{CorrelationID: correlationID}

	ep, err := endpoint.New(host, port)
	if err != nil {
		out.Endpoint = fmt.Sprintf("%s:%d", host, port)
		o.logFailure(out.fail(fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)), payload)
		return out
	}
	key := ep.Key()
	out.Endpoint = key

	// 1. Circuit check, no attempt is made or counted while open
	permit := o.brk.Admit(key)
	if !permit.Allowed {
		o.logFailure(out.fail(fmt.Errorf("deliver %s: %w", key, ErrCircuitOpen)), payload)
		return out
	}

	settled := false
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		o.log.Error("delivery panicked", zap.String("endpoint", key), zap.Any("panic", r), zap.Stack("stack"))
		if !settled {
			out.fail(fmt.Errorf("deliver %s: panic: %v", key, r))
			o.settle(key, out, permit)
			o.logFailure(out, payload)
		}
	}()

	// 2-4. Acquire, exchange, classify, retry
	var last error
	for out.Attempts < o.opts.MaxAttempts {
		if out.Attempts > 0 {
			if o.backoff(ctx, out.Attempts) != nil {
				break
			}
		}
		out.Attempts++

		err := o.attempt(ctx, ep, payload, out)
		if err == nil {
			last = nil
			break
		}
		last = err
		if ctx.Err() != nil || !Recoverable(err) {
			break
		}
		o.log.Debug("recoverable delivery error",
			zap.String("endpoint", key),
			zap.String("correlation_id", correlationID),
			zap.Int("attempt", out.Attempts),
			zap.Error(err))
	}

	switch {
	case last == nil:
		out.Success = true
		out.Kind = KindNone
	case ctx.Err() != nil:
		out.fail(fmt.Errorf("deliver %s: %w (last error: %v)", key, ctx.Err(), last))
	case Recoverable(last) && out.Attempts >= o.opts.MaxAttempts:
		out.fail(&RetryExhaustedError{Attempts: out.Attempts, Last: last})
	default:
		out.fail(last)
	}

	o.settle(key, out, permit)
	settled = true
	if out.Success {
		o.logSuccess(out)
	} else {
		o.logFailure(out, payload)
	}
	return out
}

// attempt runs one acquire/exchange cycle and fills the connection fields of out.
func (o *Orchestrator) attempt(ctx context.Context, ep endpoint.Endpoint, payload string, out *Outcome) error {
	// Fields describe the last attempt only
	out.ConnectionID, out.Reused, out.Direct, out.BytesWritten = "", false, false, 0

	h, err := o.acquire(ctx, ep)
	if err != nil {
		return err
	}
	ok := false
	defer func() { h.finish(ok) }()

	out.ConnectionID = h.id
	out.Reused = h.reused
	out.Direct = h.direct()

	resp, n, err := h.socket.Exchange(ctx, payload)
	out.BytesWritten = n
	if err != nil {
		if ctx.Err() == nil {
			o.stats.Inc(ep.Key(), stats.SendFailed)
		}
		return err
	}
	out.Response = resp
	ok = true
	return nil
}

// acquire tries the pool first and falls back to a direct connection when
// the pool is saturated or the global cap is reached.
func (o *Orchestrator) acquire(ctx context.Context, ep endpoint.Endpoint) (*handle, error) {
	key := ep.Key()

	r, reused, err := o.pool.Acquire(ctx, ep)
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, pool.ErrPoolClosed) {
			o.stats.Inc(key, stats.ConnectionFailed)
		}
		return nil, err
	}
	if r != nil {
		if reused {
			o.stats.Inc(key, stats.Reused)
		} else {
			o.stats.Inc(key, stats.Created)
		}
		return pooled(o.pool, r, reused), nil
	}

	o.log.Debug("pool saturated, opening direct connection", zap.String("endpoint", key))
	sock, err := transport.Dial(ctx, ep, o.opts.Transport)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		o.stats.Inc(key, stats.ConnectionFailed)
		return nil, fmt.Errorf("%w: direct connection to %s: %w", ErrPoolExhausted, key, err)
	}
	o.stats.Inc(key, stats.Created)
	return unpooled(sock), nil
}

// backoff waits before attempt n+1.
func (o *Orchestrator) backoff(ctx context.Context, n int) error {
	d := o.opts.RetryDelayBase * time.Duration(n)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// settle reports the outcome to the breaker and counts the success. The
// breaker is charged once per failed call. Cancelled calls and internal
// failures (closed pool, panic) give the HalfOpen slot back without a
// verdict, if permit holds it.
func (o *Orchestrator) settle(key string, out *Outcome, permit breaker.Permit) {
	if out.Success {
		o.brk.RecordSuccess(key)
		o.stats.Inc(key, stats.Success)
		return
	}
	switch {
	case out.Kind == KindCancelled, out.Kind == KindInternal:
		o.brk.Forfeit(key, permit)
	default:
		if st := o.brk.RecordFailure(key); st == breaker.StateOpen {
			o.log.Warn("circuit opened", zap.String("endpoint", key))
		}
	}
}

func (o *Orchestrator) logSuccess(out *Outcome) {
	if !o.sampler.Allow() {
		return
	}
	o.log.Info("gps line delivered",
		zap.String("endpoint", out.Endpoint),
		zap.String("correlation_id", out.CorrelationID),
		zap.String("response", out.Response),
		zap.String("connection_id", out.ConnectionID),
		zap.Int("bytes_written", out.BytesWritten),
		zap.Int("attempts", out.Attempts),
		zap.Bool("reused", out.Reused))
}

func (o *Orchestrator) logFailure(out *Outcome, payload string) {
	o.log.Error("gps line delivery failed",
		zap.String("endpoint", out.Endpoint),
		zap.String("correlation_id", out.CorrelationID),
		zap.String("payload", payload),
		zap.String("error_kind", string(out.Kind)),
		zap.Error(out.Err),
		zap.Int("attempts", out.Attempts))
}

// CloseConnection closes the idle pooled connections of host:port and returns how many were closed.
func (o *Orchestrator) CloseConnection(host string, port int) (int, error) {
	ep, err := endpoint.New(host, port)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	n := o.pool.CloseEndpoint(ep)
	o.log.Info("pooled connections closed", zap.String("endpoint", ep.Key()), zap.Int("count", n))
	return n, nil
}

// ResetStats clears every delivery counter.
func (o *Orchestrator) ResetStats() {
	o.stats.Reset()
}

// Shutdown flushes the pool. Connections still in use are closed when their delivery ends.
func (o *Orchestrator) Shutdown() error {
	return o.pool.Shutdown()
}
