// Package retention deletes streams that have gone quiet.
//
// A [Sweeper] deletes every stream whose newest entry is older than the
// retention window, and streams with no entries at all. It runs on a ticker
// once started, and [Sweeper.Sweep] can be called directly for on-demand
// sweeps.
package retention
