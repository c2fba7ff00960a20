// Package server provides the HTTP surface of ridecast.
//
// It serves:
//
//   - the embedded live viewer at "/"
//   - stream management and ingestion under "/api/streams"
//   - push subscriptions over Server-Sent Events and WebSocket, for one
//     stream ("/api/streams/{key}/events", "/api/streams/{key}/ws") or for
//     every stream ("/api/events", "/api/ws")
//   - admin routes under "/api/admin", guarded by an HS256 bearer token when
//     a secret is configured
//   - Prometheus metrics at "/metrics"
//
// Subscription handlers run a broadcaster loop on the request goroutine.
// Request contexts derive from the context passed to [Server.Start], so
// cancelling it ends every loop before the listener shuts down.
package server
