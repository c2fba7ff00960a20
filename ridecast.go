package ridecast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jpalmerr/ridecast/dashboard"
	"github.com/jpalmerr/ridecast/internal/broadcast"
	"github.com/jpalmerr/ridecast/internal/logstore"
	"github.com/jpalmerr/ridecast/internal/logstore/pebblestore"
	"github.com/jpalmerr/ridecast/internal/logstore/redisstore"
	"github.com/jpalmerr/ridecast/internal/metrics"
	"github.com/jpalmerr/ridecast/internal/pool"
	"github.com/jpalmerr/ridecast/internal/registry"
	"github.com/jpalmerr/ridecast/internal/retention"
	"github.com/jpalmerr/ridecast/internal/server"
)

// Defaults for the paired options. Tools that set only one half of a pair
// fill the other half from these.
const (
	DefaultMinConnections    = 2
	DefaultMaxConnections    = 10
	DefaultScanCount         = 100
	DefaultTypeBatchSize     = 50
	DefaultBackoff           = time.Second
	DefaultRetentionWindow   = 24 * time.Hour
	DefaultRetentionInterval = time.Hour
)

const (
	defaultPort            = 8080
	defaultAcquireTimeout  = 5 * time.Second
	defaultIdleTimeout     = 5 * time.Minute
	defaultHealthCheck     = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultRegistryRefresh = 5 * time.Second
	defaultBlock           = 2 * time.Second
	filterCacheSize        = 256
)

// Ridecast is the main orchestrator: it owns the log store connection pool
// and serves live telemetry to push clients.
//
// The typical lifecycle is:
//
//	rc, err := ridecast.New(ridecast.WithRedisStore("localhost:6379", "", 0))
//	if err != nil {
//	    slog.Error("failed to create ridecast", "error", err)
//	    os.Exit(1)
//	}
//
//	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer cancel()
//
//	rc.Start(ctx) // blocks until context cancelled
//
// The caller controls the lifecycle via the context. Cancel the context to
// trigger graceful shutdown.
type Ridecast struct {
	cfg    rcConfig
	logger *slog.Logger
}

// New creates a new [Ridecast] instance with the given options.
//
// Every option has a default; with none, streams live in memory and the
// server listens on port 8080.
//
// Returns an error if any option is invalid.
func New(opts ...Option) (*Ridecast, error) {
	cfg := rcConfig{
		port:                defaultPort,
		backend:             BackendMemory,
		keyPattern:          "*",
		minConnections:      DefaultMinConnections,
		maxConnections:      DefaultMaxConnections,
		acquireTimeout:      defaultAcquireTimeout,
		idleTimeout:         defaultIdleTimeout,
		healthCheckInterval: defaultHealthCheck,
		shutdownTimeout:     defaultShutdownTimeout,
		registryRefresh:     defaultRegistryRefresh,
		block:               defaultBlock,
		retentionWindow:     DefaultRetentionWindow,
		retentionInterval:   DefaultRetentionInterval,
	}

	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Ridecast{cfg: cfg, logger: logger}, nil
}

// Start opens the log store and serves the API, push endpoints and viewer.
//
// Start is a blocking call that runs until the provided context is
// cancelled. Shutdown then proceeds in order: new subscriptions are refused,
// running push loops end, the HTTP server stops, scheduled sweeps stop, and
// finally the connection pool is drained (waiting up to the shutdown
// timeout for borrowed connections).
//
// Returns nil on graceful shutdown. Returns an error if the log store cannot
// be reached or the HTTP server fails to start.
func (rc *Ridecast) Start(ctx context.Context) error {
	// check if context already cancelled
	if ctx.Err() != nil {
		return nil
	}

	cfg := rc.cfg
	rc.logger.Info("ridecast starting", "store", cfg.backend, "pool_min", cfg.minConnections, "pool_max", cfg.maxConnections)

	dialer, closeStore, err := rc.openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	reg, gatherer := rc.metricsRegistry()
	m := metrics.MustNew(reg)

	p := pool.New(dialer, pool.Options{
		MinConnections:      cfg.minConnections,
		MaxConnections:      cfg.maxConnections,
		AcquireTimeout:      cfg.acquireTimeout,
		IdleTimeout:         cfg.idleTimeout,
		HealthCheckInterval: cfg.healthCheckInterval,
		ShutdownTimeout:     cfg.shutdownTimeout,
		Logger:              rc.logger,
		Metrics:             m,
	})
	shutdownPool := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.shutdownTimeout)
		defer cancel()
		if err := p.Shutdown(shutdownCtx); err != nil {
			rc.logger.Warn("pool shutdown timed out, connections force closed", "error", err)
		}
	}
	if err := p.Initialize(ctx); err != nil {
		shutdownPool()
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to connect to log store: %w", err)
	}

	streams := registry.New(p, registry.Options{
		RefreshInterval: cfg.registryRefresh,
		Pattern:         cfg.keyPattern,
		ScanCount:       cfg.scanCount,
		TypeBatchSize:   cfg.typeBatchSize,
		Logger:          rc.logger,
		Metrics:         m,
	})
	b := broadcast.New(p, streams, broadcast.Options{
		Block:             cfg.block,
		ReadCount:         cfg.readCount,
		EmptyBackoff:      cfg.emptyBackoff,
		ErrorBackoff:      cfg.errorBackoff,
		HeartbeatInterval: cfg.heartbeatInterval,
		Logger:            rc.logger,
		Metrics:           m,
	})
	filters, err := broadcast.NewFilterCache(filterCacheSize)
	if err != nil {
		shutdownPool()
		return err
	}
	sweeper := retention.New(p, streams, retention.Options{
		Window:        cfg.retentionWindow,
		Interval:      cfg.retentionInterval,
		Pattern:       cfg.keyPattern,
		ScanCount:     cfg.scanCount,
		TypeBatchSize: cfg.typeBatchSize,
		Logger:        rc.logger,
		Metrics:       m,
		OnSweep:       rc.reportSweep,
	})

	srv := server.NewServer(server.Deps{
		Pool:         p,
		Registry:     streams,
		Broadcaster:  b,
		Filters:      filters,
		Sweeper:      sweeper,
		Gatherer:     gatherer,
		Assets:       dashboard.Assets,
		Title:        cfg.title,
		AdminSecret:  cfg.adminSecret,
		Addr:         fmt.Sprintf(":%d", cfg.port),
		WriteTimeout: cfg.writeTimeout,
		Logger:       rc.logger,
	})
	if err := srv.Start(ctx); err != nil {
		shutdownPool()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	sweeper.Start(ctx)

	rc.logger.Info("dashboard available", "url", fmt.Sprintf("http://localhost:%d", cfg.port))
	rc.logger.Info("retention configured", "window", cfg.retentionWindow.String(), "interval", cfg.retentionInterval.String())

	<-ctx.Done()

	srv.Wait()
	sweeper.Stop()
	shutdownPool()
	rc.logger.Info("ridecast stopped")
	return nil
}

// openStore returns the dialer for the configured backend and a function
// releasing it after the pool has shut down.
func (rc *Ridecast) openStore() (logstore.Dialer, func(), error) {
	cfg := rc.cfg
	switch cfg.backend {
	case BackendPebble:
		mode, err := pebblestore.ParseFsyncMode(string(cfg.fsync))
		if err != nil {
			return nil, nil, err
		}
		engine, err := pebblestore.Open(pebblestore.Options{DataDir: cfg.dataDir, Fsync: mode})
		if err != nil {
			return nil, nil, err
		}
		return engine, func() {
			if err := engine.Close(); err != nil {
				rc.logger.Error("closing pebble store", "error", err)
			}
		}, nil
	case BackendRedis:
		return redisstore.NewDialer(redisstore.Options{
			Addr:     cfg.redisAddr,
			Password: cfg.redisPassword,
			DB:       cfg.redisDB,
		}), func() {}, nil
	case BackendMemory, "":
		return logstore.NewMemoryEngine(), func() {}, nil
	}
	return nil, nil, errors.New("unknown store backend " + string(cfg.backend))
}

// metricsRegistry returns where collectors register and what /metrics
// serves.
func (rc *Ridecast) metricsRegistry() (prometheus.Registerer, prometheus.Gatherer) {
	if rc.cfg.registerer != nil {
		if g, ok := rc.cfg.registerer.(prometheus.Gatherer); ok {
			return rc.cfg.registerer, g
		}
		return rc.cfg.registerer, prometheus.DefaultGatherer
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, reg
}

func (rc *Ridecast) reportSweep(deleted int, window time.Duration, err error) {
	if len(rc.cfg.sweepCallbacks) == 0 {
		return
	}
	result := SweepResult{
		Deleted:    deleted,
		Window:     window,
		FinishedAt: time.Now(),
		Err:        err,
	}
	for _, cb := range rc.cfg.sweepCallbacks {
		invokeCallbackSafe(cb, result, rc.logger)
	}
}

// Port returns the configured HTTP port.
func (rc *Ridecast) Port() int {
	return rc.cfg.port
}

// Backend returns the configured log store backend.
func (rc *Ridecast) Backend() StoreBackend {
	return rc.cfg.backend
}

// RetentionWindow returns the window applied by scheduled sweeps.
func (rc *Ridecast) RetentionWindow() time.Duration {
	return rc.cfg.retentionWindow
}
