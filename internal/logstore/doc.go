// Package logstore defines the narrow contract ridecast needs from an
// append-only, per-key ordered log store, plus the shared helpers built on it.
//
// The store is treated as an external collaborator. Everything above this
// package (the connection pool, the stream registry, the broadcaster loops
// and the retention sweeper) talks to it only through [Conn]:
//
//   - Append, Range, RevRange: write and read entries of one stream
//   - BlockingRead: wait for entries after one or more cursors
//   - Exists, ScanKeys, TypeOf, Delete: key-level operations
//
// Connections are produced by a [Dialer]. Three backends are provided:
//
//   - [MemoryEngine]: in-process engine, used by tests and for local runs
//   - pebblestore: embedded durable engine on Pebble
//   - redisstore: Redis Streams
//
// Entry ids have the form "<unix-millis>-<seq>" and are totally ordered
// within a stream. See [ParseID] and [CompareIDs].
package logstore
