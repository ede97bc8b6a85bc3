package stats

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Publisher pushes counter increments to Redis so that the counters of every
// worker process add up in one place.
//
// Keys:
//
//	{prefix}:endpoint:{host:port}            fields = counter names, summed over processes
//	{prefix}:process:{process}:{host:port}   same fields, this process only (expires)
type Publisher struct {
	rdb     *redis.Client
	reg     *Registry
	log     *zap.Logger
	prefix  string
	process string
	ttl     time.Duration

	mu   sync.Mutex
	gen  uint64
	sent map[string]EndpointCounters // Last values pushed, per endpoint
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithPublishPrefix sets the key prefix. Default "gps-uplink:stats".
func WithPublishPrefix(prefix string) PublisherOption {
	return func(p *Publisher) { p.prefix = strings.Trim(prefix, ":") }
}

// WithProcessID names this process in the per-process keys. Default hostname:pid.
func WithProcessID(id string) PublisherOption {
	return func(p *Publisher) { p.process = id }
}

// WithProcessTTL sets the expiry of per-process keys. Default 24h.
func WithProcessTTL(d time.Duration) PublisherOption {
	return func(p *Publisher) { p.ttl = d }
}

// WithPublishLogger sets the logger.
func WithPublishLogger(l *zap.Logger) PublisherOption {
	return func(p *Publisher) { p.log = l }
}

// NewPublisher creates a Publisher for reg.
func NewPublisher(rdb *redis.Client, reg *Registry, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		rdb:    rdb,
		reg:    reg,
		log:    zap.NewNop(),
		prefix: "gps-uplink:stats",
		ttl:    24 * time.Hour,
		sent:   make(map[string]EndpointCounters),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.process == "" {
		host, _ := os.Hostname()
		p.process = host + ":" + strconv.Itoa(os.Getpid())
	}
	return p
}

// Publish pushes the increments accumulated since the previous call.
// After a Registry reset, the new values are pushed in full.
func (p *Publisher) Publish(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap, gen := p.reg.snapshot()
	if gen != p.gen {
		p.sent = make(map[string]EndpointCounters)
	}
	pipe := p.rdb.Pipeline()
	queued := 0
	for _, cur := range snap {
		prev := p.sent[cur.Endpoint]
		endpointKey := p.prefix + ":endpoint:" + cur.Endpoint
		processKey := p.prefix + ":process:" + p.process + ":" + cur.Endpoint
		touched := false
		for _, c := range Counters() {
			delta := cur.Get(c) - prev.Get(c)
			if delta <= 0 {
				continue
			}
			pipe.HIncrBy(ctx, endpointKey, c.String(), delta)
			pipe.HIncrBy(ctx, processKey, c.String(), delta)
			touched = true
			queued++
		}
		if touched && p.ttl > 0 {
			pipe.Expire(ctx, processKey, p.ttl)
		}
	}
	if queued > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}

	sent := make(map[string]EndpointCounters, len(snap))
	for _, cur := range snap {
		sent[cur.Endpoint] = cur
	}
	p.sent = sent
	p.gen = gen
	return nil
}

// Run publishes every interval until ctx is done, then publishes once more.
func (p *Publisher) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := p.Publish(fctx); err != nil {
				p.log.Warn("final stats publish failed", zap.Error(err))
			}
			cancel()
			return
		case <-t.C:
			if err := p.Publish(ctx); err != nil {
				p.log.Warn("stats publish failed", zap.Error(err))
			}
		}
	}
}

// Endpoint reads the cross-process totals of one endpoint back from Redis.
func (p *Publisher) Endpoint(ctx context.Context, key string) (EndpointCounters, error) {
	vals, err := p.rdb.HGetAll(ctx, p.prefix+":endpoint:"+key).Result()
	if err != nil {
		return EndpointCounters{}, err
	}
	n := func(c Counter) int64 {
		v, _ := strconv.ParseInt(vals[c.String()], 10, 64)
		return v
	}
	return EndpointCounters{
		Endpoint:         key,
		Created:          n(Created),
		Success:          n(Success),
		Reused:           n(Reused),
		SendFailed:       n(SendFailed),
		ConnectionFailed: n(ConnectionFailed),
	}, nil
}
