package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "UPLINK_"

// ApplyEnv overlays UPLINK_* variables on c. Unparseable values keep the current setting.
func (c *Config) ApplyEnv() {
	c.MaxConnectionsPerPool = getenvIntDefault("MAX_CONNECTIONS_PER_POOL", c.MaxConnectionsPerPool)
	c.ConnectionTimeout = getenvDurationDefault("CONNECTION_TIMEOUT", c.ConnectionTimeout)
	c.IdleTimeout = getenvDurationDefault("IDLE_TIMEOUT", c.IdleTimeout)
	c.ConnectTimeout = getenvDurationDefault("CONNECT_TIMEOUT", c.ConnectTimeout)
	c.SocketTimeout = getenvDurationDefault("SOCKET_TIMEOUT", c.SocketTimeout)
	c.SweepInterval = getenvDurationDefault("SWEEP_INTERVAL", c.SweepInterval)

	c.MaxRetryAttempts = getenvIntDefault("MAX_RETRY_ATTEMPTS", c.MaxRetryAttempts)
	c.RetryDelayBaseMs = getenvIntDefault("RETRY_DELAY_BASE_MS", c.RetryDelayBaseMs)
	c.CircuitBreakerThreshold = getenvIntDefault("CIRCUIT_BREAKER_THRESHOLD", c.CircuitBreakerThreshold)
	c.CircuitBreakerCooldown = getenvIntDefault("CIRCUIT_BREAKER_COOLDOWN_SECONDS", c.CircuitBreakerCooldown)

	c.SharedPool = getenvDefault("SHARED_POOL", c.SharedPool)
	c.MaxGlobalConnections = getenvIntDefault("MAX_GLOBAL_CONNECTIONS", c.MaxGlobalConnections)
	c.ConnectionLeaseTime = getenvDurationDefault("CONNECTION_LEASE_TIME", c.ConnectionLeaseTime)
	if v := getenvDefault("ETCD_ENDPOINTS", ""); v != "" {
		c.EtcdEndpoints = splitList(v)
	}
	c.RedisAddr = getenvDefault("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getenvDefault("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = getenvIntDefault("REDIS_DB", c.RedisDB)
	c.RedisPrefix = getenvDefault("REDIS_PREFIX", c.RedisPrefix)

	c.SocketPath = getenvDefault("SOCKET_PATH", c.SocketPath)
	if v, ok := os.LookupEnv(EnvPrefix + "METRICS_ADDR"); ok {
		c.MetricsAddr = v // Set but empty disables metrics
	}
	c.StatsPublishInterval = getenvDurationDefault("STATS_PUBLISH_INTERVAL", c.StatsPublishInterval)
	c.IPCRateLimit = getenvFloatDefault("IPC_RATE_LIMIT", c.IPCRateLimit)
	c.IPCRateBurst = getenvIntDefault("IPC_RATE_BURST", c.IPCRateBurst)
	c.IPCRequestTimeout = getenvDurationDefault("IPC_REQUEST_TIMEOUT", c.IPCRequestTimeout)

	c.LogLevel = getenvDefault("LOG_LEVEL", c.LogLevel)
	c.LogDevelopment = getenvBoolDefault("LOG_DEVELOPMENT", c.LogDevelopment)
	c.SuccessLogRate = getenvFloatDefault("SUCCESS_LOG_RATE", c.SuccessLogRate)
	c.SuccessLogBurst = getenvIntDefault("SUCCESS_LOG_BURST", c.SuccessLogBurst)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(EnvPrefix + k); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(k string, def int) int {
	v := os.Getenv(EnvPrefix + k)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvFloatDefault(k string, def float64) float64 {
	v := os.Getenv(EnvPrefix + k)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getenvBoolDefault(k string, def bool) bool {
	v := os.Getenv(EnvPrefix + k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// getenvDurationDefault accepts Go durations ("90s") and bare seconds ("90").
func getenvDurationDefault(k string, def time.Duration) time.Duration {
	v := os.Getenv(EnvPrefix + k)
	if v == "" {
		return def
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
