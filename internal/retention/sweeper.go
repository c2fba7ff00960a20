package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jpalmerr/ridecast/internal/logstore"
	"github.com/jpalmerr/ridecast/internal/metrics"
)

const (
	defaultWindow   = 24 * time.Hour
	defaultInterval = time.Hour
)

// Acquirer runs fn with a borrowed log store connection.
type Acquirer interface {
	WithConn(ctx context.Context, fn func(logstore.Conn) error) error
}

// Forgetter drops deleted keys from a stream cache.
type Forgetter interface {
	Remove(key string)
}

// Options configures a Sweeper. Zero values take defaults.
type Options struct {
	// Window is the retention window used by scheduled sweeps.
	Window time.Duration
	// Interval is the time between scheduled sweeps.
	Interval      time.Duration
	Pattern       string
	ScanCount     int64
	TypeBatchSize int
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
	Now           func() time.Time
	// OnSweep is called after every scheduled sweep, on the sweeper
	// goroutine. It is not called for direct Sweep calls.
	OnSweep func(deleted int, window time.Duration, err error)
}

// Sweeper deletes streams whose newest entry is older than a window.
//
// Start and Stop follow the same rules as the other background workers:
// both are idempotent, and Stop before Start is a no-op that also prevents
// a later Start.
type Sweeper struct {
	src     Acquirer
	reg     Forgetter
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Sweeper. reg may be nil.
func New(src Acquirer, reg Forgetter, opts Options) *Sweeper {
	if opts.Window <= 0 {
		opts.Window = defaultWindow
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
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
	return &Sweeper{
		src:     src,
		reg:     reg,
		opts:    opts,
		logger:  opts.Logger.With("component", "retention"),
		metrics: opts.Metrics,
	}
}

// Window returns the window used by scheduled sweeps.
func (s *Sweeper) Window() time.Duration {
	return s.opts.Window
}

// Sweep deletes every stream that is empty or whose newest entry is at or
// before now minus window, and returns how many were deleted. A failure on
// one stream does not stop the sweep; the returned error joins every
// per-stream failure and the count is still valid.
func (s *Sweeper) Sweep(ctx context.Context, window time.Duration) (int, error) {
	if window < 0 {
		return 0, fmt.Errorf("negative retention window %s", window)
	}
	cutoff := s.opts.Now().Add(-window)

	var keys []string
	err := s.src.WithConn(ctx, func(c logstore.Conn) error {
		var err error
		keys, err = logstore.ScanStreams(ctx, c, s.opts.Pattern, s.opts.ScanCount, s.opts.TypeBatchSize)
		return err
	})
	if err != nil {
		s.metrics.ObserveSweep(0, false)
		return 0, fmt.Errorf("scanning streams: %w", err)
	}

	deleted := 0
	var errs []error
	for _, key := range keys {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		ok, err := s.sweepStream(ctx, key, cutoff)
		if err != nil {
			s.logger.Warn("sweeping stream failed", "stream", key, "error", err)
			errs = append(errs, fmt.Errorf("stream %s: %w", key, err))
			continue
		}
		if ok {
			deleted++
		}
	}

	err = errors.Join(errs...)
	s.metrics.ObserveSweep(deleted, err == nil)
	s.logger.Debug("sweep finished", "scanned", len(keys), "deleted", deleted, "window", window)
	return deleted, err
}

// sweepStream deletes key when its newest entry is at or before cutoff.
func (s *Sweeper) sweepStream(ctx context.Context, key string, cutoff time.Time) (bool, error) {
	var deleted bool
	err := s.src.WithConn(ctx, func(c logstore.Conn) error {
		newest, err := logstore.NewestID(ctx, c, key)
		if err != nil {
			return err
		}
		at, err := logstore.IDTime(newest)
		if err != nil {
			return err
		}
		if at.After(cutoff) {
			return nil
		}
		deleted, err = c.Delete(ctx, key)
		return err
	})
	if err != nil {
		return false, err
	}
	if deleted && s.reg != nil {
		s.reg.Remove(key)
	}
	return deleted, nil
}

// Start runs a sweep immediately and then every Interval until Stop is
// called or ctx ends. If ctx is nil, context.Background() is used.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()

		s.scheduledSweep(runCtx)

		ticker := time.NewTicker(s.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.scheduledSweep(runCtx)
			}
		}
	}()
}

func (s *Sweeper) scheduledSweep(ctx context.Context) {
	n, err := s.Sweep(ctx, s.opts.Window)
	if ctx.Err() != nil {
		return
	}
	switch {
	case err != nil:
		s.logger.Warn("scheduled sweep incomplete", "deleted", n, "error", err)
	case n > 0:
		s.logger.Info("expired streams deleted", "deleted", n, "window", s.opts.Window)
	}
	if s.opts.OnSweep != nil {
		s.opts.OnSweep(n, s.opts.Window, err)
	}
}

// Stop halts scheduled sweeps and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		if s.cancel != nil {
			s.cancel()
		}
	}
	s.mu.Unlock()

	s.wg.Wait()
}
