package broadcast

// EventType names a push event.
type EventType string

const (
	// EventConnected is the first event on every subscription.
	EventConnected EventType = "connected"
	// EventMessage carries one telemetry entry.
	EventMessage EventType = "message"
	// EventStreamDeleted ends a single-stream subscription.
	EventStreamDeleted EventType = "stream_deleted"
	// EventHeartbeat keeps idle subscriptions alive through proxies.
	EventHeartbeat EventType = "heartbeat"
)

// AllStreams is the stream name of the all-streams connected event.
const AllStreams = "*"

// Event is one push to a client. It is encoded as a single JSON object.
type Event struct {
	Type   EventType         `json:"type"`
	Stream string            `json:"stream,omitempty"`
	ID     string            `json:"id,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Sink is a client connection owned by a transport. A Send error means the
// client is gone.
type Sink interface {
	Send(Event) error
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(Event) error

// Send calls f.
func (f SinkFunc) Send(e Event) error {
	return f(e)
}

// State is the lifecycle state of a broadcaster loop.
type State int

const (
	StateConnecting State = iota
	StateStreaming
	StateClosed
	StateStreamDeleted
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	case StateStreamDeleted:
		return "stream_deleted"
	case StateErrored:
		return "errored"
	}
	return "unknown"
}
