// Package pool provides the bounded, health-checked set of log store
// connections that every ridecast component borrows from.
//
// The main components are:
//
//   - [Pool]: acquire/release with a FIFO wait list, idle eviction and
//     bounded shutdown
//   - [Conn]: a pooled connection with usage bookkeeping
//   - [Stats]: a point-in-time view for the admin endpoint
//
// Callers should prefer [Pool.WithConn], which releases the connection as
// soon as the callback returns. Holding a connection across a client write
// starves other loops.
package pool
