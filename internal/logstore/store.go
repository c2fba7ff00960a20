package logstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// KeyType is the type tag a store reports for a key.
type KeyType string

const (
	// KeyTypeStream marks an append-only stream key.
	KeyTypeStream KeyType = "stream"

	// KeyTypeString marks a plain value key that shares the namespace.
	KeyTypeString KeyType = "string"

	// KeyTypeNone is reported for keys that do not exist.
	KeyTypeNone KeyType = "none"
)

// MarkerField is the field name of the synthetic entry written by
// [CreateStream]. Broadcasters skip marker entries.
const MarkerField = "_created"

// Entry is one immutable record of a stream.
type Entry struct {
	// ID is the store-assigned id, "<unix-millis>-<seq>".
	ID string `json:"id"`

	// Fields holds the entry payload.
	Fields map[string]string `json:"fields"`
}

// IsMarker reports whether the entry is a stream creation marker.
func (e Entry) IsMarker() bool {
	_, ok := e.Fields[MarkerField]
	return ok && len(e.Fields) == 1
}

// Cursor is a read position in one stream. Reads return entries strictly
// after AfterID.
type Cursor struct {
	Key     string
	AfterID string
}

// StreamEntries groups the entries a blocking read returned for one key.
type StreamEntries struct {
	Key     string
	Entries []Entry
}

// Conn is a single connection to the log store.
//
// Implementations must be safe for concurrent use, although the pool hands
// a connection to one caller at a time. Every method on a closed connection
// returns [ErrConnClosed].
type Conn interface {
	// Append adds an entry to key, creating the stream if absent, and
	// returns the new id.
	Append(ctx context.Context, key string, fields map[string]string) (string, error)

	// Range returns entries with from <= id <= to in ascending order.
	// "-" and "+" are the open lower and upper bounds. limit <= 0 means no limit.
	Range(ctx context.Context, key, from, to string, limit int64) ([]Entry, error)

	// RevRange returns entries with to <= id <= from in descending order.
	RevRange(ctx context.Context, key, from, to string, limit int64) ([]Entry, error)

	// BlockingRead returns entries after each cursor, at most count per key.
	// When nothing is available it waits up to maxWait and returns an empty
	// result. It returns ctx.Err() if ctx ends first.
	BlockingRead(ctx context.Context, cursors []Cursor, count int64, maxWait time.Duration) ([]StreamEntries, error)

	// Exists reports whether key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// ScanKeys returns one page of keys matching the glob pattern, starting
	// at cursor ("" for the first page). The returned cursor is "" once the
	// enumeration is complete. Pages may contain duplicates.
	ScanKeys(ctx context.Context, cursor, pattern string, count int64) ([]string, string, error)

	// TypeOf reports the type of key.
	TypeOf(ctx context.Context, key string) (KeyType, error)

	// Delete removes key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)

	// Ping verifies the connection is usable.
	Ping(ctx context.Context) error

	// IsOpen reports whether the connection can still be used.
	IsOpen() bool

	// Close releases the connection. Close is idempotent.
	Close() error
}

// TypeBatcher is implemented by connections that can resolve many key types
// in one round trip.
type TypeBatcher interface {
	TypeOfMany(ctx context.Context, keys []string) ([]KeyType, error)
}

// Dialer opens new connections to a store.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to [Dialer].
type DialerFunc func(ctx context.Context) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context) (Conn, error) {
	return f(ctx)
}

var (
	// ErrConnClosed is returned by operations on a closed connection.
	ErrConnClosed = errors.New("logstore: connection closed")

	// ErrStreamNotFound is returned when an operation needs an existing stream.
	ErrStreamNotFound = errors.New("logstore: stream not found")
)

// TransientError wraps a store failure that a caller may recover from by
// reconnecting or retrying later.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("logstore: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a store failure other than a context
// cancellation.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var te *TransientError
	return errors.As(err, &te) || errors.Is(err, ErrConnClosed)
}

// CreateStream writes a creation marker to key so the stream exists before
// any telemetry arrives. The marker carries its own timestamp, so a new
// stream gets a full retention window.
func CreateStream(ctx context.Context, c Conn, key string, at time.Time) (string, error) {
	return c.Append(ctx, key, map[string]string{
		MarkerField: fmt.Sprintf("%d", at.UnixMilli()),
	})
}

// IsStream reports whether key holds a stream. Plain values and absent keys
// both report false.
func IsStream(ctx context.Context, c Conn, key string) (bool, error) {
	t, err := c.TypeOf(ctx, key)
	if err != nil {
		return false, err
	}
	return t == KeyTypeStream, nil
}

// NewestID returns the id of the newest entry in key, or [ZeroID] when the
// stream is empty or absent. A cursor at this id receives only entries
// appended afterwards.
func NewestID(ctx context.Context, c Conn, key string) (string, error) {
	latest, err := c.RevRange(ctx, key, "+", "-", 1)
	if err != nil {
		return "", err
	}
	if len(latest) == 0 {
		return ZeroID, nil
	}
	return latest[0].ID, nil
}
