// Package ridecast serves live workout telemetry from an append-only log
// store to browsers and other push clients.
//
// Producers append telemetry entries to per-ride streams. Clients subscribe
// to one stream or to every stream over Server-Sent Events or WebSocket and
// receive each entry written after they connected, in order and once.
//
// # Quick Start
//
//	rc, _ := ridecast.New(ridecast.WithPebbleStore("./data", ridecast.FsyncInterval))
//
//	// Set up graceful shutdown on SIGINT/SIGTERM
//	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer stop()
//
//	rc.Start(ctx) // blocks until context is cancelled
//
// # Configuration
//
// Ridecast uses the functional options pattern for configuration:
//
//	rc, err := ridecast.New(
//	    ridecast.WithRedisStore("localhost:6379", "", 0),
//	    ridecast.WithPoolBounds(2, 20),
//	    ridecast.WithRetention(6*time.Hour, 10*time.Minute),
//	    ridecast.WithPort(9090),
//	)
//
// The config package builds the same options from a YAML file.
//
// # Architecture
//
// Ridecast consists of several internal packages (under internal/):
//
//   - internal/logstore: the log store contract with memory, Pebble and
//     Redis backends
//   - internal/pool: bounded connection pool with FIFO waiters and health checks
//   - internal/registry: cached set of stream keys
//   - internal/broadcast: per-client push loops for one or all streams
//   - internal/retention: deletion of streams that went quiet
//   - internal/server: HTTP API, SSE and WebSocket transports
//   - dashboard: embedded live viewer
//
// The internal packages are not part of the public API and may change
// without notice.
package ridecast
