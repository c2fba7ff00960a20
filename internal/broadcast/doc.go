// Package broadcast relays log store entries to connected push clients.
//
// Each client is served by one loop running on the caller's goroutine:
//
//   - [Broadcaster.ServeStream] follows a single stream and ends when the
//     client leaves, the stream is deleted, or the store fails
//   - [Broadcaster.ServeAll] follows every stream the registry knows about
//     and retries store failures until the client leaves
//
// Loops borrow a pooled connection only for the duration of one bounded
// blocking read, never while writing to the client. Cursors start at the
// newest entry when the client connects, so clients never receive backlog.
//
// Subscriptions may carry a CEL [Filter] over the variables stream, id,
// ts_ms and fields.
package broadcast
