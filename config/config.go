// Package config holds every recognized option of the uplink. Values come
// from Default, then UPLINK_* environment variables, then command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/multierr"

	"gps-uplink/breaker"
	"gps-uplink/delivery"
	"gps-uplink/pool"
	"gps-uplink/transport"
)

// Shared pool backends.
const (
	SharedNone   = "none"
	SharedMemory = "memory"
	SharedEtcd   = "etcd"
	SharedRedis  = "redis"
)

// Config is the full option set of the daemon.
type Config struct {
	// Pool
	MaxConnectionsPerPool int
	ConnectionTimeout     time.Duration // Maximum connection age
	IdleTimeout           time.Duration
	ConnectTimeout        time.Duration
	SocketTimeout         time.Duration // Read and write timeout of one exchange
	SweepInterval         time.Duration

	// Retry and breaker
	MaxRetryAttempts        int
	RetryDelayBaseMs        int
	CircuitBreakerThreshold int
	CircuitBreakerCooldown  int // Seconds

	// Shared pool coordinator
	SharedPool           string
	MaxGlobalConnections int
	ConnectionLeaseTime  time.Duration
	EtcdEndpoints        []string
	RedisAddr            string
	RedisPassword        string
	RedisDB              int
	RedisPrefix          string

	// Service
	SocketPath           string
	MetricsAddr          string        // Empty disables /metrics
	StatsPublishInterval time.Duration // 0 disables publishing to redis
	IPCRateLimit         float64
	IPCRateBurst         int
	IPCRequestTimeout    time.Duration

	// Logging
	LogLevel        string
	LogDevelopment  bool
	SuccessLogRate  float64
	SuccessLogBurst int
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		MaxConnectionsPerPool: 10,
		ConnectionTimeout:     5 * time.Minute,
		IdleTimeout:           time.Minute,
		ConnectTimeout:        5 * time.Second,
		SocketTimeout:         2 * time.Second,
		SweepInterval:         15 * time.Second,

		MaxRetryAttempts:        3,
		RetryDelayBaseMs:        100,
		CircuitBreakerThreshold: 5,
		CircuitBreakerCooldown:  60,

		SharedPool:           SharedNone,
		MaxGlobalConnections: 50,
		ConnectionLeaseTime:  time.Minute,
		EtcdEndpoints:        []string{"127.0.0.1:2379"},
		RedisAddr:            "127.0.0.1:6379",
		RedisPrefix:          "gps-uplink",

		SocketPath:        "/tmp/gps-uplink.sock",
		MetricsAddr:       ":9464",
		IPCRateLimit:      5000,
		IPCRateBurst:      1000,
		IPCRequestTimeout: 30 * time.Second,

		LogLevel:        "info",
		SuccessLogRate:  10,
		SuccessLogBurst: 50,
	}
}

// Load returns Default overlaid with the environment.
func Load() Config {
	c := Default()
	c.ApplyEnv()
	return c
}

// RegisterFlags binds every option to fs, using the current values as defaults.
// Call it after ApplyEnv so flags override the environment.
func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.IntVar(&c.MaxConnectionsPerPool, "max-connections-per-pool", c.MaxConnectionsPerPool, "pooled connections per endpoint")
	fs.DurationVar(&c.ConnectionTimeout, "connection-timeout", c.ConnectionTimeout, "maximum age of a pooled connection")
	fs.DurationVar(&c.IdleTimeout, "idle-timeout", c.IdleTimeout, "maximum idle time of a pooled connection")
	fs.DurationVar(&c.ConnectTimeout, "connect-timeout", c.ConnectTimeout, "TCP connect timeout")
	fs.DurationVar(&c.SocketTimeout, "socket-timeout", c.SocketTimeout, "read/write timeout of one exchange")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", c.SweepInterval, "how often expired connections are swept")

	fs.IntVar(&c.MaxRetryAttempts, "max-retry-attempts", c.MaxRetryAttempts, "attempts per delivery, including the first")
	fs.IntVar(&c.RetryDelayBaseMs, "retry-delay-base-ms", c.RetryDelayBaseMs, "linear backoff step in milliseconds")
	fs.IntVar(&c.CircuitBreakerThreshold, "circuit-breaker-threshold", c.CircuitBreakerThreshold, "consecutive failures that open the circuit")
	fs.IntVar(&c.CircuitBreakerCooldown, "circuit-breaker-cooldown-seconds", c.CircuitBreakerCooldown, "seconds before an open circuit allows a probe")

	fs.StringVar(&c.SharedPool, "shared-pool", c.SharedPool, "cross-process connection cap backend: none, memory, etcd or redis")
	fs.IntVar(&c.MaxGlobalConnections, "max-global-connections", c.MaxGlobalConnections, "connections per endpoint across all processes")
	fs.DurationVar(&c.ConnectionLeaseTime, "connection-lease-time", c.ConnectionLeaseTime, "TTL of a shared pool reservation")
	fs.StringSliceVar(&c.EtcdEndpoints, "etcd-endpoints", c.EtcdEndpoints, "etcd endpoints")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis address")
	fs.StringVar(&c.RedisPassword, "redis-password", c.RedisPassword, "redis password")
	fs.IntVar(&c.RedisDB, "redis-db", c.RedisDB, "redis database")
	fs.StringVar(&c.RedisPrefix, "redis-prefix", c.RedisPrefix, "key prefix for redis coordinator and stats")

	fs.StringVar(&c.SocketPath, "socket-path", c.SocketPath, "unix socket of the pool service")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "listen address of /metrics, empty to disable")
	fs.DurationVar(&c.StatsPublishInterval, "stats-publish-interval", c.StatsPublishInterval, "how often counters are pushed to redis, 0 to disable")
	fs.Float64Var(&c.IPCRateLimit, "ipc-rate-limit", c.IPCRateLimit, "requests per second accepted from workers")
	fs.IntVar(&c.IPCRateBurst, "ipc-rate-burst", c.IPCRateBurst, "request burst accepted from workers")
	fs.DurationVar(&c.IPCRequestTimeout, "ipc-request-timeout", c.IPCRequestTimeout, "upper bound on one worker request")

	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
	fs.BoolVar(&c.LogDevelopment, "log-development", c.LogDevelopment, "human readable logs")
	fs.Float64Var(&c.SuccessLogRate, "success-log-rate", c.SuccessLogRate, "success log lines per second")
	fs.IntVar(&c.SuccessLogBurst, "success-log-burst", c.SuccessLogBurst, "success log burst")
}

// Validate reports every invalid option at once.
func (c *Config) Validate() error {
	var errs error
	positive := func(name string, v int64) {
		if v <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("%s must be > 0", name))
		}
	}
	positive("max_connections_per_pool", int64(c.MaxConnectionsPerPool))
	positive("connection_timeout", int64(c.ConnectionTimeout))
	positive("idle_timeout", int64(c.IdleTimeout))
	positive("connect_timeout", int64(c.ConnectTimeout))
	positive("socket_timeout", int64(c.SocketTimeout))
	positive("max_retry_attempts", int64(c.MaxRetryAttempts))
	positive("circuit_breaker_threshold", int64(c.CircuitBreakerThreshold))
	positive("circuit_breaker_cooldown_seconds", int64(c.CircuitBreakerCooldown))
	if c.RetryDelayBaseMs < 0 {
		errs = multierr.Append(errs, errors.New("retry_delay_base_ms must be >= 0"))
	}

	switch c.SharedPool {
	case SharedNone:
	case SharedMemory, SharedEtcd, SharedRedis:
		positive("max_global_connections", int64(c.MaxGlobalConnections))
		positive("connection_lease_time", int64(c.ConnectionLeaseTime))
		if c.SweepInterval >= c.ConnectionLeaseTime {
			errs = multierr.Append(errs, errors.New("sweep_interval must be shorter than connection_lease_time"))
		}
	default:
		errs = multierr.Append(errs, fmt.Errorf("unknown shared_pool %q", c.SharedPool))
	}
	if c.SharedPool == SharedEtcd && len(c.EtcdEndpoints) == 0 {
		errs = multierr.Append(errs, errors.New("etcd_endpoints is required when shared_pool=etcd"))
	}
	if c.UsesRedis() && strings.TrimSpace(c.RedisAddr) == "" {
		errs = multierr.Append(errs, errors.New("redis_addr is required when shared_pool=redis or stats publishing is enabled"))
	}

	if strings.TrimSpace(c.SocketPath) == "" {
		errs = multierr.Append(errs, errors.New("socket_path is required"))
	}
	if c.IPCRateLimit <= 0 || c.IPCRateBurst <= 0 {
		errs = multierr.Append(errs, errors.New("ipc_rate_limit and ipc_rate_burst must be > 0"))
	}
	return errs
}

// UsesRedis reports whether the daemon needs a redis connection.
func (c *Config) UsesRedis() bool {
	return c.SharedPool == SharedRedis || c.StatsPublishInterval > 0
}

// RetryDelayBase is RetryDelayBaseMs as a duration.
func (c *Config) RetryDelayBase() time.Duration {
	return time.Duration(c.RetryDelayBaseMs) * time.Millisecond
}

// Transport returns the socket options.
func (c *Config) Transport() transport.Options {
	t := transport.DefaultOptions()
	t.ConnectTimeout = c.ConnectTimeout
	t.ReadTimeout = c.SocketTimeout
	t.WriteTimeout = c.SocketTimeout
	return t
}

// Pool returns the pool options without a coordinator or logger.
func (c *Config) Pool() pool.Options {
	return pool.Options{
		MaxConnectionsPerPool: c.MaxConnectionsPerPool,
		ConnectionTimeout:     c.ConnectionTimeout,
		IdleTimeout:           c.IdleTimeout,
		Transport:             c.Transport(),
	}
}

// Breaker returns the circuit breaker options.
func (c *Config) Breaker() breaker.Options {
	return breaker.Options{
		Threshold: c.CircuitBreakerThreshold,
		Cooldown:  time.Duration(c.CircuitBreakerCooldown) * time.Second,
	}
}

// Delivery returns the orchestrator options; the caller fills in the
// pool, breakers, stats, coordinator and logger.
func (c *Config) Delivery() delivery.Options {
	return delivery.Options{
		MaxAttempts:     c.MaxRetryAttempts,
		RetryDelayBase:  c.RetryDelayBase(),
		Transport:       c.Transport(),
		SuccessLogRate:  c.SuccessLogRate,
		SuccessLogBurst: c.SuccessLogBurst,
	}
}
