package broadcast

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/jpalmerr/ridecast/internal/logstore"
	"github.com/jpalmerr/ridecast/internal/metrics"
	"github.com/jpalmerr/ridecast/internal/registry"
)

const (
	defaultBlock        = 2 * time.Second
	defaultReadCount    = 100
	defaultEmptyBackoff = time.Second
	defaultErrorBackoff = time.Second
)

// Acquirer runs fn with a borrowed log store connection.
type Acquirer interface {
	WithConn(ctx context.Context, fn func(logstore.Conn) error) error
}

// Refresher returns the current set of stream keys.
type Refresher interface {
	Refresh(ctx context.Context) (*registry.Set, error)
}

// Options configures a Broadcaster. Zero values take defaults.
type Options struct {
	// Block bounds each blocking read.
	Block time.Duration
	// ReadCount caps entries returned per stream per read.
	ReadCount int64
	// EmptyBackoff is the all-streams wait when no stream exists.
	EmptyBackoff time.Duration
	// ErrorBackoff is the all-streams wait after a failed cycle.
	ErrorBackoff time.Duration
	// HeartbeatInterval enables heartbeat events after this much silence.
	// Zero disables them.
	HeartbeatInterval time.Duration
	Logger            *slog.Logger
	Metrics           *metrics.Metrics
	Now               func() time.Time
}

// Broadcaster runs per-client loops that relay log store entries to a
// [Sink]. It holds no per-client state; each Serve call owns its cursors.
type Broadcaster struct {
	src     Acquirer
	reg     Refresher
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a Broadcaster reading through src and discovering streams
// through reg.
func New(src Acquirer, reg Refresher, opts Options) *Broadcaster {
	if opts.Block <= 0 {
		opts.Block = defaultBlock
	}
	if opts.ReadCount <= 0 {
		opts.ReadCount = defaultReadCount
	}
	if opts.EmptyBackoff <= 0 {
		opts.EmptyBackoff = defaultEmptyBackoff
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = defaultErrorBackoff
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Broadcaster{
		src:     src,
		reg:     reg,
		opts:    opts,
		logger:  opts.Logger.With("component", "broadcast"),
		metrics: opts.Metrics,
	}
}

// ServeStream relays new entries of key to sink until the client goes away,
// the stream is deleted, or the store fails. Only entries appended after
// the call began are delivered, in id order, each at most once.
//
// The returned state is StateClosed, StateStreamDeleted or StateErrored; the
// error is non-nil only for StateErrored.
func (b *Broadcaster) ServeStream(ctx context.Context, key string, sink Sink, filter *Filter) (State, error) {
	if err := logstore.ValidateKey(key); err != nil {
		return StateErrored, err
	}

	b.metrics.ClientConnected(metrics.ModeSingle)
	defer b.metrics.ClientDisconnected(metrics.ModeSingle)

	state, err := b.serveStream(ctx, key, sink, filter)
	b.metrics.IncLoopExit(metrics.ModeSingle, state.String())
	if err != nil {
		b.logger.Warn("stream loop errored", "stream", key, "error", err)
	} else {
		b.logger.Debug("stream loop ended", "stream", key, "state", state)
	}
	return state, err
}

func (b *Broadcaster) serveStream(ctx context.Context, key string, sink Sink, filter *Filter) (State, error) {
	// connecting
	var cursor string
	var exists bool
	err := b.src.WithConn(ctx, func(c logstore.Conn) error {
		var err error
		if exists, err = logstore.IsStream(ctx, c, key); err != nil || !exists {
			return err
		}
		cursor, err = logstore.NewestID(ctx, c, key)
		return err
	})
	if err != nil {
		return b.failed(ctx, err)
	}
	if !exists {
		return b.streamDeleted(key, sink)
	}
	if err := sink.Send(Event{Type: EventConnected, Stream: key}); err != nil {
		return StateClosed, nil
	}

	// streaming
	lastPush := b.opts.Now()
	cursors := []logstore.Cursor{{Key: key}}
	for {
		if ctx.Err() != nil {
			return StateClosed, nil
		}

		var batch []logstore.Entry
		cursors[0].AfterID = cursor
		err := b.src.WithConn(ctx, func(c logstore.Conn) error {
			var err error
			if exists, err = logstore.IsStream(ctx, c, key); err != nil || !exists {
				return err
			}
			res, err := c.BlockingRead(ctx, cursors, b.opts.ReadCount, b.opts.Block)
			if err != nil {
				return err
			}
			for _, s := range res {
				if s.Key == key {
					batch = s.Entries
				}
			}
			return nil
		})
		if err != nil {
			return b.failed(ctx, err)
		}
		if !exists {
			return b.streamDeleted(key, sink)
		}

		pushed := false
		for _, e := range batch {
			if logstore.CompareIDs(e.ID, cursor) <= 0 {
				continue
			}
			cursor = e.ID
			if e.IsMarker() || !filter.Match(key, e) {
				continue
			}
			if err := sink.Send(Event{Type: EventMessage, ID: e.ID, Fields: e.Fields}); err != nil {
				return StateClosed, nil
			}
			b.metrics.IncMessages(metrics.ModeSingle)
			pushed = true
		}

		if pushed {
			lastPush = b.opts.Now()
		} else if b.heartbeatDue(lastPush) {
			if err := sink.Send(Event{Type: EventHeartbeat, Stream: key}); err != nil {
				return StateClosed, nil
			}
			lastPush = b.opts.Now()
		}
	}
}

// ServeAll relays new entries of every stream to sink until the client goes
// away. Streams present when the call began are followed from their newest
// entry; streams discovered later are followed from the subscription time.
// Store failures are retried after ErrorBackoff. ServeAll always ends in
// StateClosed.
func (b *Broadcaster) ServeAll(ctx context.Context, sink Sink, filter *Filter) (State, error) {
	b.metrics.ClientConnected(metrics.ModeAll)
	defer b.metrics.ClientDisconnected(metrics.ModeAll)

	b.serveAll(ctx, sink, filter)
	b.metrics.IncLoopExit(metrics.ModeAll, StateClosed.String())
	b.logger.Debug("all-streams loop ended")
	return StateClosed, nil
}

func (b *Broadcaster) serveAll(ctx context.Context, sink Sink, filter *Filter) {
	// connecting
	subscribedAt := logstore.IDBefore(b.opts.Now())
	cursors := b.initialCursors(ctx, subscribedAt)
	if err := sink.Send(Event{Type: EventConnected, Stream: AllStreams}); err != nil {
		return
	}

	// streaming
	lastPush := b.opts.Now()
	for {
		if ctx.Err() != nil {
			return
		}

		set, err := b.reg.Refresh(ctx)
		if err != nil {
			if ctx.Err() != nil || !b.sleep(ctx, b.opts.ErrorBackoff) {
				return
			}
			continue
		}
		for k := range cursors {
			if !set.Has(k) {
				delete(cursors, k)
			}
		}
		for _, k := range set.Keys() {
			if _, ok := cursors[k]; !ok {
				cursors[k] = subscribedAt
			}
		}

		if len(cursors) == 0 {
			if b.heartbeatDue(lastPush) {
				if sink.Send(Event{Type: EventHeartbeat, Stream: AllStreams}) != nil {
					return
				}
				lastPush = b.opts.Now()
			}
			if !b.sleep(ctx, b.opts.EmptyBackoff) {
				return
			}
			continue
		}

		list := make([]logstore.Cursor, 0, len(cursors))
		for k, id := range cursors {
			list = append(list, logstore.Cursor{Key: k, AfterID: id})
		}
		sort.Slice(list, func(i, j int) bool { return list[i].Key < list[j].Key })

		var res []logstore.StreamEntries
		err = b.src.WithConn(ctx, func(c logstore.Conn) error {
			var err error
			res, err = c.BlockingRead(ctx, list, b.opts.ReadCount, b.opts.Block)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("all-streams read failed", "streams", len(list), "error", err)
			if !b.sleep(ctx, b.opts.ErrorBackoff) {
				return
			}
			continue
		}

		pushed := false
		for _, s := range res {
			cur, tracked := cursors[s.Key]
			if !tracked {
				continue
			}
			for _, e := range s.Entries {
				if logstore.CompareIDs(e.ID, cur) <= 0 {
					continue
				}
				cur = e.ID
				cursors[s.Key] = cur
				if e.IsMarker() || !filter.Match(s.Key, e) {
					continue
				}
				if sink.Send(Event{Type: EventMessage, Stream: s.Key, ID: e.ID, Fields: e.Fields}) != nil {
					return
				}
				b.metrics.IncMessages(metrics.ModeAll)
				pushed = true
			}
		}

		if pushed {
			lastPush = b.opts.Now()
		} else if b.heartbeatDue(lastPush) {
			if sink.Send(Event{Type: EventHeartbeat, Stream: AllStreams}) != nil {
				return
			}
			lastPush = b.opts.Now()
		}
	}
}

// initialCursors positions every currently known stream at its newest
// entry. Streams whose position cannot be read start at subscribedAt.
func (b *Broadcaster) initialCursors(ctx context.Context, subscribedAt string) map[string]string {
	cursors := make(map[string]string)
	set, err := b.reg.Refresh(ctx)
	if err != nil && set.Len() == 0 {
		return cursors
	}
	keys := set.Keys()
	for _, k := range keys {
		cursors[k] = subscribedAt
	}

	err = b.src.WithConn(ctx, func(c logstore.Conn) error {
		for _, k := range keys {
			id, err := logstore.NewestID(ctx, c, k)
			if err != nil {
				return err
			}
			cursors[k] = id
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		b.logger.Warn("reading initial positions failed", "error", err)
	}
	return cursors
}

func (b *Broadcaster) streamDeleted(key string, sink Sink) (State, error) {
	// the client may already be gone; the state is the same either way
	_ = sink.Send(Event{Type: EventStreamDeleted, Stream: key})
	return StateStreamDeleted, nil
}

// failed maps a loop error to its final state. Errors caused by the client
// going away are a normal close.
func (b *Broadcaster) failed(ctx context.Context, err error) (State, error) {
	if ctx.Err() != nil {
		return StateClosed, nil
	}
	return StateErrored, err
}

func (b *Broadcaster) heartbeatDue(lastPush time.Time) bool {
	return b.opts.HeartbeatInterval > 0 && b.opts.Now().Sub(lastPush) >= b.opts.HeartbeatInterval
}

// sleep waits d or until ctx ends. It reports whether the full wait elapsed.
func (b *Broadcaster) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
