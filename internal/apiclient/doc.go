// Package apiclient is a small HTTP client for the ridecast API, used by
// the CLI and the example producer. Push subscriptions are not covered;
// clients subscribe with EventSource or a WebSocket directly.
package apiclient
