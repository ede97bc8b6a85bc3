// Command uplinkd is the pool service: it owns the connections to the
// telemetry aggregators and serves deliveries to worker processes over a
// unix socket.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"gps-uplink/breaker"
	"gps-uplink/config"
	"gps-uplink/coordinator"
	"gps-uplink/delivery"
	"gps-uplink/middleware"
	"gps-uplink/pool"
	"gps-uplink/server"
	"gps-uplink/stats"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg := config.Load()
	fs := pflag.NewFlagSet("uplinkd", pflag.ExitOnError)
	cfg.RegisterFlags(fs)
	_ = fs.Parse(os.Args[1:])

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(2)
	}
	log, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("uplinkd stopped", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if cfg.LogDevelopment {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func run(cfg config.Config, log *zap.Logger) (err error) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Step 1: backing stores
	var rdb *redis.Client
	if cfg.UsesRedis() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer func() { err = multierr.Append(err, rdb.Close()) }()

		pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
		perr := rdb.Ping(pingCtx).Err()
		pingCancel()
		if perr != nil {
			return fmt.Errorf("redis ping: %w", perr)
		}
	}

	coord, err := newCoordinator(cfg, rdb)
	if err != nil {
		return err
	}
	if coord != nil {
		defer func() { err = multierr.Append(err, coord.Close()) }()
	}

	// Step 2: delivery engine
	popts := cfg.Pool()
	popts.Coordinator = coord
	popts.Logger = log.Named("pool")
	p := pool.New(popts)
	p.StartJanitor(ctx, cfg.SweepInterval)

	brk := breaker.New(cfg.Breaker())
	reg := stats.NewRegistry()

	dopts := cfg.Delivery()
	dopts.Pool = p
	dopts.Breakers = brk
	dopts.Stats = reg
	dopts.Coordinator = coord
	dopts.Logger = log.Named("delivery")
	orch := delivery.New(dopts)
	defer func() { err = multierr.Append(err, orch.Shutdown()) }()

	// Step 3: stats sinks
	var published chan struct{}
	if rdb != nil && cfg.StatsPublishInterval > 0 {
		pub := stats.NewPublisher(rdb, reg,
			stats.WithPublishPrefix(cfg.RedisPrefix+":stats"),
			stats.WithPublishLogger(log.Named("stats")),
		)
		published = make(chan struct{})
		go func() {
			defer close(published)
			pub.Run(ctx, cfg.StatsPublishInterval)
		}()
	}

	var metrics *http.Server
	if cfg.MetricsAddr != "" {
		promReg := prometheus.NewRegistry()
		promReg.MustRegister(
			stats.NewCollector(reg, p, brk),
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		metrics = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	// Step 4: the pool service
	svr := server.NewServer(orch, log.Named("server"))
	svr.Use(middleware.RecoveryMiddleware(log.Named("server")))
	svr.Use(middleware.LoggingMiddleware(log.Named("ipc")))
	svr.Use(middleware.RateLimitMiddleware(cfg.IPCRateLimit, cfg.IPCRateBurst))
	svr.Use(middleware.TimeOutMiddleware(cfg.IPCRequestTimeout))

	serveErr := make(chan error, 1)
	go func() { serveErr <- svr.Serve("unix", cfg.SocketPath) }()

	log.Info("uplinkd started",
		zap.String("socket", cfg.SocketPath),
		zap.String("shared_pool", cfg.SharedPool),
		zap.Int("max_connections_per_pool", cfg.MaxConnectionsPerPool),
		zap.Int("max_retry_attempts", cfg.MaxRetryAttempts),
		zap.String("metrics", cfg.MetricsAddr),
	)

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case serr := <-serveErr:
		if serr != nil {
			err = multierr.Append(err, fmt.Errorf("serve %s: %w", cfg.SocketPath, serr))
		}
		cancel()
	}

	// Teardown runs in reverse: stop accepting work, then flush sinks.
	err = multierr.Append(err, svr.Shutdown(shutdownTimeout))
	if metrics != nil {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		err = multierr.Append(err, metrics.Shutdown(sctx))
		scancel()
	}
	if published != nil {
		<-published
	}
	return err
}

func newCoordinator(cfg config.Config, rdb *redis.Client) (coordinator.Coordinator, error) {
	switch cfg.SharedPool {
	case config.SharedMemory:
		return coordinator.NewMemory(cfg.MaxGlobalConnections, cfg.ConnectionLeaseTime), nil
	case config.SharedEtcd:
		c, err := coordinator.NewEtcd(cfg.EtcdEndpoints, cfg.MaxGlobalConnections, cfg.ConnectionLeaseTime)
		if err != nil {
			return nil, fmt.Errorf("etcd coordinator: %w", err)
		}
		return c, nil
	case config.SharedRedis:
		return coordinator.NewRedis(rdb, cfg.MaxGlobalConnections, cfg.ConnectionLeaseTime,
			coordinator.WithRedisPrefix(cfg.RedisPrefix+":leases")), nil
	default:
		return nil, nil
	}
}
