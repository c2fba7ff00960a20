// Package registry caches which log store keys are streams.
//
// The cache is an immutable [Set] behind an atomic pointer. Readers never
// lock; writers replace the whole set.
package registry

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jpalmerr/ridecast/internal/logstore"
	"github.com/jpalmerr/ridecast/internal/metrics"
)

const (
	defaultRefreshInterval = 5 * time.Second
	defaultScanTimeout     = 10 * time.Second
)

// Acquirer runs fn with a borrowed log store connection.
type Acquirer interface {
	WithConn(ctx context.Context, fn func(logstore.Conn) error) error
}

// Options configures a Registry.
type Options struct {
	// RefreshInterval is how long a non-empty set is served before the
	// store is scanned again.
	RefreshInterval time.Duration
	// ScanTimeout bounds one shared scan. It is independent of any single
	// caller's context. Defaults to 10s.
	ScanTimeout time.Duration
	// Pattern limits the scan to matching keys. Defaults to "*".
	Pattern       string
	ScanCount     int64
	TypeBatchSize int
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// Set is an immutable snapshot of stream keys.
type Set struct {
	keys        map[string]struct{}
	sorted      []string
	refreshedAt time.Time
}

func newSet(keys []string, refreshedAt time.Time) *Set {
	s := &Set{
		keys:        make(map[string]struct{}, len(keys)),
		refreshedAt: refreshedAt,
	}
	for _, k := range keys {
		if _, dup := s.keys[k]; dup {
			continue
		}
		s.keys[k] = struct{}{}
		s.sorted = append(s.sorted, k)
	}
	sort.Strings(s.sorted)
	return s
}

// Has reports whether key is in the set.
func (s *Set) Has(key string) bool {
	_, ok := s.keys[key]
	return ok
}

// Keys returns the keys in sorted order. The slice is a copy.
func (s *Set) Keys() []string {
	return slices.Clone(s.sorted)
}

// Len returns the number of keys.
func (s *Set) Len() int {
	return len(s.sorted)
}

// RefreshedAt returns when the set was last scanned from the store.
func (s *Set) RefreshedAt() time.Time {
	return s.refreshedAt
}

// Registry is the time-bounded cache of stream keys shared by every
// all-streams loop and the HTTP listing endpoint.
type Registry struct {
	src     Acquirer
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics

	current atomic.Pointer[Set]
	group   singleflight.Group
}

// New creates a Registry with an empty set that is refreshed on first use.
func New(src Acquirer, opts Options) *Registry {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = defaultRefreshInterval
	}
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = defaultScanTimeout
	}
	if opts.Pattern == "" {
		opts.Pattern = "*"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &Registry{
		src:     src,
		opts:    opts,
		logger:  opts.Logger.With("component", "registry"),
		metrics: opts.Metrics,
	}
	r.current.Store(newSet(nil, time.Time{}))
	return r
}

// Snapshot returns the current set without touching the store.
func (r *Registry) Snapshot() *Set {
	return r.current.Load()
}

// Refresh returns the cached set while it is non-empty and younger than
// RefreshInterval, and otherwise rescans the store. Concurrent callers share
// one scan, which runs detached from any one caller so a departing caller
// does not fail the others. When the scan fails the previous set is returned
// together with the error. When ctx ends first the previous set is returned
// with ctx.Err() and the scan carries on for the rest.
func (r *Registry) Refresh(ctx context.Context) (*Set, error) {
	cur := r.current.Load()
	if cur.Len() > 0 && r.opts.Now().Sub(cur.refreshedAt) < r.opts.RefreshInterval {
		return cur, nil
	}

	ch := r.group.DoChan("refresh", func() (any, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.ScanTimeout)
		defer cancel()

		var keys []string
		err := r.src.WithConn(sctx, func(c logstore.Conn) error {
			var err error
			keys, err = logstore.ScanStreams(sctx, c, r.opts.Pattern, r.opts.ScanCount, r.opts.TypeBatchSize)
			return err
		})
		if err != nil {
			r.metrics.IncRefresh(false)
			return nil, err
		}
		set := newSet(keys, r.opts.Now())
		r.current.Store(set)
		r.metrics.IncRefresh(true)
		r.logger.Debug("registry refreshed", "streams", set.Len())
		return set, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			r.logger.Warn("registry refresh failed", "error", res.Err)
			return r.current.Load(), res.Err
		}
		return res.Val.(*Set), nil
	case <-ctx.Done():
		return r.current.Load(), ctx.Err()
	}
}

// Add records key as a stream without a rescan. The refresh time is kept.
func (r *Registry) Add(key string) {
	for {
		old := r.current.Load()
		if old.Has(key) {
			return
		}
		next := newSet(append(old.Keys(), key), old.refreshedAt)
		if r.current.CompareAndSwap(old, next) {
			return
		}
	}
}

// Remove drops key from the set without a rescan. The refresh time is kept.
func (r *Registry) Remove(key string) {
	for {
		old := r.current.Load()
		if !old.Has(key) {
			return
		}
		keys := slices.DeleteFunc(old.Keys(), func(k string) bool { return k == key })
		next := newSet(keys, old.refreshedAt)
		if r.current.CompareAndSwap(old, next) {
			return
		}
	}
}
