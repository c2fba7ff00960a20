package config

import (
	"time"

	"github.com/jpalmerr/ridecast"
)

// BuildOptions converts parsed configuration into SDK options.
//
// Settings left at their zero value produce no option, so the SDK defaults
// apply. The logger is not part of the result; callers add
// [ridecast.WithLogger] themselves.
func BuildOptions(cfg *Config) []ridecast.Option {
	opts := []ridecast.Option{
		ridecast.WithPort(cfg.Port),
		buildStoreOption(cfg.Store),
		ridecast.WithKeyPattern(cfg.Store.KeyPattern),
	}

	if cfg.Title != "" {
		opts = append(opts, ridecast.WithTitle(cfg.Title))
	}

	// pool
	if cfg.Pool.MinConnections > 0 || cfg.Pool.MaxConnections > 0 {
		min, max := cfg.Pool.MinConnections, cfg.Pool.MaxConnections
		if min == 0 {
			min = ridecast.DefaultMinConnections
		}
		if max == 0 {
			max = ridecast.DefaultMaxConnections
		}
		if max < min {
			max = min
		}
		opts = append(opts, ridecast.WithPoolBounds(min, max))
	}
	opts = appendDuration(opts, cfg.Pool.AcquireTimeout, ridecast.WithAcquireTimeout)
	opts = appendDuration(opts, cfg.Pool.IdleTimeout, ridecast.WithIdleTimeout)
	opts = appendDuration(opts, cfg.Pool.HealthCheckInterval, ridecast.WithHealthCheckInterval)
	opts = appendDuration(opts, cfg.Pool.ShutdownTimeout, ridecast.WithShutdownTimeout)

	// registry
	opts = appendDuration(opts, cfg.Registry.RefreshInterval, ridecast.WithRegistryRefresh)
	if cfg.Registry.ScanCount > 0 || cfg.Registry.TypeBatchSize > 0 {
		count, batch := cfg.Registry.ScanCount, cfg.Registry.TypeBatchSize
		if count == 0 {
			count = ridecast.DefaultScanCount
		}
		if batch == 0 {
			batch = ridecast.DefaultTypeBatchSize
		}
		opts = append(opts, ridecast.WithScanBatch(count, batch))
	}

	// broadcast
	opts = appendDuration(opts, cfg.Broadcast.Block, ridecast.WithBlockTimeout)
	if cfg.Broadcast.ReadCount > 0 {
		opts = append(opts, ridecast.WithReadCount(cfg.Broadcast.ReadCount))
	}
	if cfg.Broadcast.EmptyBackoff > 0 || cfg.Broadcast.ErrorBackoff > 0 {
		empty, failure := cfg.Broadcast.EmptyBackoff.Duration(), cfg.Broadcast.ErrorBackoff.Duration()
		if empty == 0 {
			empty = ridecast.DefaultBackoff
		}
		if failure == 0 {
			failure = ridecast.DefaultBackoff
		}
		opts = append(opts, ridecast.WithBackoff(empty, failure))
	}
	opts = appendDuration(opts, cfg.Broadcast.HeartbeatInterval, ridecast.WithHeartbeat)
	opts = appendDuration(opts, cfg.Broadcast.WriteTimeout, ridecast.WithWriteTimeout)

	// retention
	if cfg.Retention.Window > 0 || cfg.Retention.Interval > 0 {
		window, interval := cfg.Retention.Window.Duration(), cfg.Retention.Interval.Duration()
		if window == 0 {
			window = ridecast.DefaultRetentionWindow
		}
		if interval == 0 {
			interval = ridecast.DefaultRetentionInterval
		}
		opts = append(opts, ridecast.WithRetention(window, interval))
	}

	if cfg.Admin.JWTSecret != "" {
		opts = append(opts, ridecast.WithAdminSecret(cfg.Admin.JWTSecret))
	}

	return opts
}

func buildStoreOption(s StoreConfig) ridecast.Option {
	switch s.Backend {
	case "pebble":
		return ridecast.WithPebbleStore(s.DataDir, ridecast.FsyncPolicy(s.Fsync))
	case "redis":
		return ridecast.WithRedisStore(s.Addr, s.Password, s.DB)
	default:
		return ridecast.WithMemoryStore()
	}
}

func appendDuration(opts []ridecast.Option, d Duration, with func(time.Duration) ridecast.Option) []ridecast.Option {
	if d <= 0 {
		return opts
	}
	return append(opts, with(d.Duration()))
}
