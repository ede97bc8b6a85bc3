package coordinator

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// reserveScript: drop expired members, check the cap, add ours.
//
//	KEYS[1] = zset for the endpoint
//	ARGV    = now_ms, limit, expiry_ms, lease_id, key_ttl_ms
var reserveScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[2]) then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`)

// renewScript: move the expiry of an existing, unexpired member.
//
//	ARGV = now_ms, expiry_ms, lease_id, key_ttl_ms
var renewScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[3])
if not score or tonumber(score) <= tonumber(ARGV[1]) then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

// Redis keeps one sorted set per endpoint: member = lease id, score = expiry
// in unix milliseconds. Expired members stop counting immediately and are
// trimmed on the next reservation.
type Redis struct {
	rdb    *redis.Client
	owned  bool
	prefix string
	limit  int
	ttl    time.Duration
	now    func() time.Time
}

// RedisOption configures a Redis coordinator.
type RedisOption func(*Redis)

// WithRedisPrefix replaces the default key prefix "gps-uplink:leases".
func WithRedisPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = strings.Trim(prefix, ":") }
}

// WithRedisClock replaces time.Now; scores are computed client-side.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(r *Redis) { r.now = now }
}

// NewRedis wraps an existing client. The client is not closed by Close.
func NewRedis(rdb *redis.Client, limit int, ttl time.Duration, opts ...RedisOption) *Redis {
	r := &Redis{
		rdb:    rdb,
		prefix: "gps-uplink:leases",
		limit:  limit,
		ttl:    ttl,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DialRedis creates the client itself and checks it with PING.
func DialRedis(ctx context.Context, opts *redis.Options, limit int, ttl time.Duration, ropts ...RedisOption) (*Redis, error) {
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	r := NewRedis(rdb, limit, ttl, ropts...)
	r.owned = true
	return r, nil
}

func (r *Redis) TryReserve(ctx context.Context, key string) (Lease, bool, error) {
	now := r.now().UnixMilli()
	id := uuid.NewString()
	res, err := reserveScript.Run(ctx, r.rdb, []string{r.setKey(key)},
		now, r.limit, now+r.ttl.Milliseconds(), id, r.keyTTL()).Int()
	if err != nil {
		return Lease{}, false, err
	}
	if res == 0 {
		return Lease{}, false, nil
	}
	return Lease{Key: key, ID: id}, true, nil
}

func (r *Redis) Release(ctx context.Context, lease Lease) error {
	return r.rdb.ZRem(ctx, r.setKey(lease.Key), lease.ID).Err()
}

func (r *Redis) Renew(ctx context.Context, lease Lease) error {
	now := r.now().UnixMilli()
	res, err := renewScript.Run(ctx, r.rdb, []string{r.setKey(lease.Key)},
		now, now+r.ttl.Milliseconds(), lease.ID, r.keyTTL()).Int()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrLeaseNotFound
	}
	return nil
}

func (r *Redis) GlobalCount(ctx context.Context, key string) (int, error) {
	floor := strconv.FormatInt(r.now().UnixMilli(), 10)
	n, err := r.rdb.ZCount(ctx, r.setKey(key), "("+floor, "+inf").Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return int(n), err
}

func (r *Redis) Close() error {
	if !r.owned {
		return nil
	}
	return r.rdb.Close()
}

func (r *Redis) setKey(key string) string {
	return r.prefix + ":" + key
}

// keyTTL lets the whole set vanish once every lease in it has expired.
func (r *Redis) keyTTL() int64 {
	return 2 * r.ttl.Milliseconds()
}
