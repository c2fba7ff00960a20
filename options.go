package ridecast

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// StoreBackend names a log store implementation.
type StoreBackend string

const (
	// BackendMemory keeps every stream in process memory. Nothing survives
	// a restart.
	BackendMemory StoreBackend = "memory"
	// BackendPebble stores streams in an embedded Pebble database.
	BackendPebble StoreBackend = "pebble"
	// BackendRedis stores streams as Redis Streams.
	BackendRedis StoreBackend = "redis"
)

// FsyncPolicy controls when the Pebble backend syncs its write-ahead log.
type FsyncPolicy string

const (
	FsyncAlways   FsyncPolicy = "always"
	FsyncInterval FsyncPolicy = "interval"
	FsyncNever    FsyncPolicy = "never"
)

// rcConfig holds mutable state during Ridecast construction.
type rcConfig struct {
	title string
	port  int

	backend       StoreBackend
	dataDir       string
	fsync         FsyncPolicy
	redisAddr     string
	redisPassword string
	redisDB       int
	keyPattern    string

	minConnections      int
	maxConnections      int
	acquireTimeout      time.Duration
	idleTimeout         time.Duration
	healthCheckInterval time.Duration
	shutdownTimeout     time.Duration

	registryRefresh time.Duration
	scanCount       int64
	typeBatchSize   int

	block             time.Duration
	readCount         int64
	emptyBackoff      time.Duration
	errorBackoff      time.Duration
	heartbeatInterval time.Duration
	writeTimeout      time.Duration

	retentionWindow   time.Duration
	retentionInterval time.Duration
	sweepCallbacks    []func(SweepResult)

	adminSecret string
	logger      *slog.Logger
	registerer  prometheus.Registerer
}

// Option is a function that configures a [Ridecast] instance during
// construction. Options return an error if validation fails.
type Option func(*rcConfig) error

// WithPort sets the HTTP port for the API, push endpoints and viewer.
// Defaults to 8080.
//
// Returns an error if the port is outside the valid range (1-65535).
func WithPort(port int) Option {
	return func(cfg *rcConfig) error {
		if port < 1 || port > 65535 {
			return errors.New("port must be between 1 and 65535")
		}
		cfg.port = port
		return nil
	}
}

// WithTitle sets the viewer title displayed in the browser tab and header.
// If not specified, defaults to "ridecast".
func WithTitle(title string) Option {
	return func(cfg *rcConfig) error {
		cfg.title = title
		return nil
	}
}

// WithMemoryStore keeps streams in process memory. This is the default.
func WithMemoryStore() Option {
	return func(cfg *rcConfig) error {
		cfg.backend = BackendMemory
		return nil
	}
}

// WithPebbleStore stores streams in a Pebble database under dataDir.
//
// Example:
//
//	rc, err := ridecast.New(
//	    ridecast.WithPebbleStore("/var/lib/ridecast", ridecast.FsyncInterval),
//	)
func WithPebbleStore(dataDir string, fsync FsyncPolicy) Option {
	return func(cfg *rcConfig) error {
		if dataDir == "" {
			return errors.New("pebble data directory cannot be empty")
		}
		switch fsync {
		case "", FsyncAlways, FsyncInterval, FsyncNever:
		default:
			return fmt.Errorf("unknown fsync policy %q", fsync)
		}
		cfg.backend = BackendPebble
		cfg.dataDir = dataDir
		cfg.fsync = fsync
		return nil
	}
}

// WithRedisStore stores streams as Redis Streams on the server at addr.
func WithRedisStore(addr, password string, db int) Option {
	return func(cfg *rcConfig) error {
		if addr == "" {
			return errors.New("redis address cannot be empty")
		}
		if db < 0 {
			return errors.New("redis db cannot be negative")
		}
		cfg.backend = BackendRedis
		cfg.redisAddr = addr
		cfg.redisPassword = password
		cfg.redisDB = db
		return nil
	}
}

// WithKeyPattern limits stream discovery and retention to keys matching the
// glob pattern. Defaults to "*".
func WithKeyPattern(pattern string) Option {
	return func(cfg *rcConfig) error {
		if pattern == "" {
			return errors.New("key pattern cannot be empty")
		}
		cfg.keyPattern = pattern
		return nil
	}
}

// WithPoolBounds sets how many log store connections are kept open (min)
// and allowed at once (max). Defaults to 2 and 10.
func WithPoolBounds(min, max int) Option {
	return func(cfg *rcConfig) error {
		if min < 1 {
			return errors.New("pool minimum must be at least 1")
		}
		if max < min {
			return fmt.Errorf("pool maximum %d is below minimum %d", max, min)
		}
		cfg.minConnections = min
		cfg.maxConnections = max
		return nil
	}
}

// WithAcquireTimeout sets how long a caller waits for a pooled connection
// before failing with pool exhaustion. Defaults to 5 seconds.
func WithAcquireTimeout(d time.Duration) Option {
	return positiveDuration("acquire timeout", d, func(cfg *rcConfig) { cfg.acquireTimeout = d })
}

// WithIdleTimeout sets how long a connection above the minimum may sit idle
// before the health check closes it. Defaults to 5 minutes.
func WithIdleTimeout(d time.Duration) Option {
	return positiveDuration("idle timeout", d, func(cfg *rcConfig) { cfg.idleTimeout = d })
}

// WithHealthCheckInterval sets how often idle connections are pinged.
// Defaults to 30 seconds.
func WithHealthCheckInterval(d time.Duration) Option {
	return positiveDuration("health check interval", d, func(cfg *rcConfig) { cfg.healthCheckInterval = d })
}

// WithShutdownTimeout bounds how long shutdown waits for borrowed
// connections to come back before closing them. Defaults to 10 seconds.
func WithShutdownTimeout(d time.Duration) Option {
	return positiveDuration("shutdown timeout", d, func(cfg *rcConfig) { cfg.shutdownTimeout = d })
}

// WithRegistryRefresh sets how long the stream list is cached before the
// store is scanned again. Defaults to 5 seconds.
func WithRegistryRefresh(d time.Duration) Option {
	return positiveDuration("registry refresh interval", d, func(cfg *rcConfig) { cfg.registryRefresh = d })
}

// WithScanBatch sets the key scan page size and how many keys have their
// type checked per round trip. Defaults to 100 and 50.
func WithScanBatch(count int64, typeBatch int) Option {
	return func(cfg *rcConfig) error {
		if count < 1 || typeBatch < 1 {
			return errors.New("scan sizes must be positive")
		}
		cfg.scanCount = count
		cfg.typeBatchSize = typeBatch
		return nil
	}
}

// WithBlockTimeout bounds each blocking read of a push loop, and so how long
// a loop can hold a connection. Defaults to 2 seconds.
func WithBlockTimeout(d time.Duration) Option {
	return positiveDuration("block timeout", d, func(cfg *rcConfig) { cfg.block = d })
}

// WithReadCount caps how many entries per stream one read returns.
// Defaults to 100.
func WithReadCount(n int64) Option {
	return func(cfg *rcConfig) error {
		if n < 1 {
			return errors.New("read count must be positive")
		}
		cfg.readCount = n
		return nil
	}
}

// WithBackoff sets how long the all-streams loop waits when no stream exists
// (empty) and after a failed cycle (failure). Both default to 1 second.
func WithBackoff(empty, failure time.Duration) Option {
	return func(cfg *rcConfig) error {
		if empty <= 0 || failure <= 0 {
			return errors.New("backoff durations must be positive")
		}
		cfg.emptyBackoff = empty
		cfg.errorBackoff = failure
		return nil
	}
}

// WithHeartbeat sends a heartbeat event to subscribers after d without
// messages. Heartbeats are off by default.
func WithHeartbeat(d time.Duration) Option {
	return positiveDuration("heartbeat interval", d, func(cfg *rcConfig) { cfg.heartbeatInterval = d })
}

// WithWriteTimeout bounds a single push write to a client. Defaults to
// 5 seconds.
func WithWriteTimeout(d time.Duration) Option {
	return positiveDuration("write timeout", d, func(cfg *rcConfig) { cfg.writeTimeout = d })
}

// WithRetention deletes streams whose newest entry is older than window,
// checking every interval. Defaults to 24 hours and 1 hour.
func WithRetention(window, interval time.Duration) Option {
	return func(cfg *rcConfig) error {
		if window <= 0 || interval <= 0 {
			return errors.New("retention window and interval must be positive")
		}
		cfg.retentionWindow = window
		cfg.retentionInterval = interval
		return nil
	}
}

// WithSweepCallback registers a function called after every scheduled
// retention sweep. Callbacks run on the sweeper goroutine in registration
// order and must not block. Panics are recovered and logged.
//
// Nil callbacks are silently ignored.
func WithSweepCallback(cb func(SweepResult)) Option {
	return func(cfg *rcConfig) error {
		if cb == nil {
			return nil
		}
		cfg.sweepCallbacks = append(cfg.sweepCallbacks, cb)
		return nil
	}
}

// WithAdminSecret requires an HS256 bearer token signed with secret on the
// admin routes. Without it the admin routes are open.
func WithAdminSecret(secret string) Option {
	return func(cfg *rcConfig) error {
		if len(secret) < 16 {
			return errors.New("admin secret must be at least 16 bytes")
		}
		cfg.adminSecret = secret
		return nil
	}
}

// WithLogger sets a custom [slog.Logger]. If not specified, [slog.Default]
// is used.
//
// Returns an error if the logger is nil.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *rcConfig) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// WithMetricsRegisterer registers ridecast's collectors with reg instead of
// a private registry. If reg is also a [prometheus.Gatherer] it backs
// /metrics; otherwise [prometheus.DefaultGatherer] does.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(cfg *rcConfig) error {
		if reg == nil {
			return errors.New("metrics registerer cannot be nil")
		}
		cfg.registerer = reg
		return nil
	}
}

func positiveDuration(name string, d time.Duration, set func(*rcConfig)) Option {
	return func(cfg *rcConfig) error {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
		set(cfg)
		return nil
	}
}
