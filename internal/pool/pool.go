package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jpalmerr/ridecast/internal/logstore"
	"github.com/jpalmerr/ridecast/internal/metrics"
)

var (
	// ErrPoolExhausted is returned when no connection became available within
	// the acquire timeout.
	ErrPoolExhausted = errors.New("pool: no connection available within acquire timeout")

	// ErrPoolClosed is returned by Acquire once Shutdown has begun.
	ErrPoolClosed = errors.New("pool: closed")
)

const (
	defaultMinConnections      = 2
	defaultMaxConnections      = 10
	defaultAcquireTimeout      = 5 * time.Second
	defaultIdleTimeout         = 5 * time.Minute
	defaultHealthCheckInterval = 30 * time.Second
	defaultShutdownTimeout     = 10 * time.Second
)

// Options configures a Pool. Zero values take defaults.
type Options struct {
	MinConnections      int
	MaxConnections      int
	AcquireTimeout      time.Duration
	IdleTimeout         time.Duration
	HealthCheckInterval time.Duration
	ShutdownTimeout     time.Duration
	Logger              *slog.Logger
	Metrics             *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.MaxConnections <= 0 {
		o.MaxConnections = defaultMaxConnections
	}
	if o.MinConnections < 0 {
		o.MinConnections = 0
	}
	if o.MinConnections == 0 && o.MaxConnections >= defaultMinConnections {
		o.MinConnections = defaultMinConnections
	}
	if o.MinConnections > o.MaxConnections {
		o.MinConnections = o.MaxConnections
	}
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = defaultAcquireTimeout
	}
	if o.IdleTimeout == 0 {
		o.IdleTimeout = defaultIdleTimeout
	}
	if o.HealthCheckInterval == 0 {
		o.HealthCheckInterval = defaultHealthCheckInterval
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = defaultShutdownTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Conn is a pooled log store connection. It is only valid between Acquire
// and Release.
type Conn struct {
	logstore.Conn

	id        string
	createdAt time.Time
	lastUsed  atomic.Int64
	useCount  atomic.Int64
}

// ID returns the connection's correlation id used in logs.
func (c *Conn) ID() string { return c.id }

// CreatedAt returns when the connection was dialed.
func (c *Conn) CreatedAt() time.Time { return c.createdAt }

// LastUsedAt returns when the connection was last released.
func (c *Conn) LastUsedAt() time.Time { return time.Unix(0, c.lastUsed.Load()) }

// UseCount returns how many times the connection has been acquired.
func (c *Conn) UseCount() int64 { return c.useCount.Load() }

// Stats is a point-in-time view of the pool.
type Stats struct {
	Total   int   `json:"total"`
	InUse   int   `json:"in_use"`
	Idle    int   `json:"idle"`
	Waiting int   `json:"waiting"`
	Dialing int   `json:"dialing"`
	Opened  int64 `json:"opened"`
	Peak    int   `json:"peak_in_use"`
}

type waiter struct {
	// ch receives exactly one connection, or is closed on shutdown or
	// after a failed dial made on the waiter's behalf (err is then set).
	ch      chan *Conn
	err     error
	removed bool
}

// Pool is a bounded set of log store connections shared by every
// broadcaster loop, the registry and the retention sweeper.
//
// At most MaxConnections connections exist at any time, counting dials in
// flight. Acquirers that find the pool at capacity wait in FIFO order.
type Pool struct {
	dialer  logstore.Dialer
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu          sync.Mutex
	conns       []*Conn
	inUse       map[*Conn]struct{}
	waiters     *list.List
	dialing     int
	closed      bool
	initialized bool
	opened      int64
	peak        int

	// releasedCh is signalled on every release so Shutdown can wait for
	// in-use connections.
	releasedCh chan struct{}
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// New creates a pool. No connection is dialed until Initialize or the
// first Acquire.
func New(d logstore.Dialer, opts Options) *Pool {
	opts = opts.withDefaults()
	return &Pool{
		dialer:     d,
		opts:       opts,
		logger:     opts.Logger.With("component", "pool"),
		metrics:    opts.Metrics,
		inUse:      make(map[*Conn]struct{}),
		waiters:    list.New(),
		releasedCh: make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
}

// Initialize dials MinConnections and starts the health check loop. If any
// dial fails, every connection dialed so far is closed and the error is
// returned.
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if p.initialized {
		p.mu.Unlock()
		return nil
	}
	p.initialized = true
	p.mu.Unlock()

	raws := make([]logstore.Conn, 0, p.opts.MinConnections)
	for i := 0; i < p.opts.MinConnections; i++ {
		raw, err := p.dialer.Dial(ctx)
		if err != nil {
			for _, r := range raws {
				r.Close()
			}
			return fmt.Errorf("initializing pool: %w", err)
		}
		raws = append(raws, raw)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		for _, r := range raws {
			r.Close()
		}
		return ErrPoolClosed
	}
	for _, raw := range raws {
		p.addLocked(raw)
	}
	p.updateGaugesLocked()
	if p.opts.HealthCheckInterval > 0 {
		p.wg.Add(1)
		go p.healthLoop()
	}
	p.mu.Unlock()

	p.logger.Info("pool initialized",
		"min", p.opts.MinConnections,
		"max", p.opts.MaxConnections,
	)
	return nil
}

// Acquire returns an exclusive connection. It reuses an idle connection,
// dials a new one while below MaxConnections, or waits in line. It fails
// with ErrPoolExhausted after AcquireTimeout, ErrPoolClosed after Shutdown,
// or ctx.Err() when ctx ends first.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	c, dead := p.takeIdleLocked()
	if c != nil {
		p.markInUseLocked(c)
		p.mu.Unlock()
		p.discard(dead)
		p.metrics.ObserveAcquireWait(time.Since(start))
		return c, nil
	}

	if len(p.conns)+p.dialing < p.opts.MaxConnections {
		// reserve the slot before dialing outside the lock
		p.dialing++
		p.mu.Unlock()
		p.discard(dead)
		dctx, cancel := context.WithTimeout(ctx, p.opts.AcquireTimeout)
		c, err := p.dialInUse(dctx)
		timedOut := ctx.Err() == nil && errors.Is(dctx.Err(), context.DeadlineExceeded)
		cancel()
		if err != nil {
			if timedOut {
				p.metrics.IncPoolExhausted()
				p.logger.Warn("dial exceeded acquire timeout", "timeout", p.opts.AcquireTimeout, "error", err)
				return nil, ErrPoolExhausted
			}
			return nil, err
		}
		p.metrics.ObserveAcquireWait(time.Since(start))
		return c, nil
	}

	w := &waiter{ch: make(chan *Conn, 1)}
	elem := p.waiters.PushBack(w)
	p.updateGaugesLocked()
	p.mu.Unlock()
	p.discard(dead)

	timer := time.NewTimer(p.opts.AcquireTimeout)
	defer timer.Stop()

	select {
	case c, ok := <-w.ch:
		if !ok {
			if w.err != nil {
				return nil, w.err
			}
			return nil, ErrPoolClosed
		}
		p.metrics.ObserveAcquireWait(time.Since(start))
		return c, nil
	case <-timer.C:
		p.abandon(elem, w)
		p.metrics.IncPoolExhausted()
		p.logger.Warn("acquire timed out", "timeout", p.opts.AcquireTimeout)
		return nil, ErrPoolExhausted
	case <-ctx.Done():
		p.abandon(elem, w)
		return nil, ctx.Err()
	}
}

// abandon removes a waiter that gave up. A connection handed to it in the
// meantime goes back to the pool.
func (p *Pool) abandon(elem *list.Element, w *waiter) {
	p.mu.Lock()
	if !w.removed {
		p.waiters.Remove(elem)
		w.removed = true
		p.updateGaugesLocked()
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	select {
	case c, ok := <-w.ch:
		if ok {
			p.Release(c)
		}
	default:
	}
}

// Release returns a connection to the pool. Releasing a connection that is
// not in use is logged and ignored.
func (p *Pool) Release(c *Conn) {
	if c == nil {
		return
	}
	c.lastUsed.Store(time.Now().UnixNano())

	p.mu.Lock()
	if _, ok := p.inUse[c]; !ok {
		p.mu.Unlock()
		p.logger.Warn("release of connection not in use", "conn", c.id)
		return
	}
	delete(p.inUse, c)
	p.signalReleased()

	if p.closed {
		p.removeLocked(c)
		p.updateGaugesLocked()
		p.mu.Unlock()
		c.Close()
		return
	}

	if !c.IsOpen() {
		p.removeLocked(c)
		p.redialForWaitersLocked()
		p.updateGaugesLocked()
		p.mu.Unlock()

		c.Close()
		p.metrics.IncPoolLost()
		p.logger.Warn("connection lost", "conn", c.id, "uses", c.UseCount())
		return
	}

	if w := p.popWaiterLocked(); w != nil {
		p.markInUseLocked(c)
		w.ch <- c
	}
	p.updateGaugesLocked()
	p.mu.Unlock()
}

// WithConn acquires a connection, runs fn with it and releases it.
func (p *Pool) WithConn(ctx context.Context, fn func(logstore.Conn) error) error {
	c, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(c)
	return fn(c.Conn)
}

// HealthCheck discards closed idle connections, closes connections idle
// longer than IdleTimeout while above MinConnections, and dials back up to
// MinConnections.
func (p *Pool) HealthCheck(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}

	now := time.Now()
	var dead, expired []*Conn
	kept := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		if _, busy := p.inUse[c]; busy {
			kept = append(kept, c)
			continue
		}
		if !c.IsOpen() {
			dead = append(dead, c)
			continue
		}
		kept = append(kept, c)
	}
	p.conns = kept

	if p.opts.IdleTimeout > 0 {
		for i := 0; i < len(p.conns) && len(p.conns) > p.opts.MinConnections; {
			c := p.conns[i]
			_, busy := p.inUse[c]
			if !busy && now.Sub(c.LastUsedAt()) > p.opts.IdleTimeout {
				p.conns = slices.Delete(p.conns, i, i+1)
				expired = append(expired, c)
				continue
			}
			i++
		}
	}

	missing := p.opts.MinConnections - (len(p.conns) + p.dialing)
	if missing < 0 {
		missing = 0
	}
	p.dialing += missing
	p.updateGaugesLocked()
	p.mu.Unlock()

	p.discard(dead)
	for _, c := range expired {
		c.Close()
		p.logger.Debug("closed idle connection", "conn", c.id, "uses", c.UseCount())
	}

	for i := 0; i < missing; i++ {
		raw, err := p.dialer.Dial(ctx)
		p.mu.Lock()
		p.dialing--
		if err != nil {
			p.redialForWaitersLocked()
			p.updateGaugesLocked()
			p.mu.Unlock()
			p.logger.Warn("health check dial failed", "error", err)
			continue
		}
		if p.closed {
			p.mu.Unlock()
			raw.Close()
			continue
		}
		c := p.addLocked(raw)
		if w := p.popWaiterLocked(); w != nil {
			p.markInUseLocked(c)
			w.ch <- c
		}
		p.updateGaugesLocked()
		p.mu.Unlock()
	}
}

// Shutdown stops the pool. New acquisitions fail with ErrPoolClosed and
// queued waiters are woken with ErrPoolClosed. In-use connections get up to
// ShutdownTimeout (or until ctx ends) to be released, then every remaining
// connection is closed.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		w := e.Value.(*waiter)
		w.removed = true
		close(w.ch)
	}
	p.waiters.Init()
	p.updateGaugesLocked()
	p.mu.Unlock()

	p.stopOnce.Do(func() { close(p.stopCh) })

	timer := time.NewTimer(p.opts.ShutdownTimeout)
	defer timer.Stop()

	var waitErr error
wait:
	for {
		p.mu.Lock()
		busy := len(p.inUse)
		p.mu.Unlock()
		if busy == 0 {
			break
		}
		select {
		case <-p.releasedCh:
		case <-timer.C:
			p.logger.Warn("shutdown timeout, force closing in-use connections", "in_use", busy)
			break wait
		case <-ctx.Done():
			waitErr = ctx.Err()
			break wait
		}
	}

	p.wg.Wait()

	p.mu.Lock()
	remaining := p.conns
	p.conns = nil
	p.updateGaugesLocked()
	p.mu.Unlock()

	for _, c := range remaining {
		c.Close()
	}
	p.logger.Info("pool shut down", "closed", len(remaining))
	return waitErr
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Total:   len(p.conns),
		InUse:   len(p.inUse),
		Idle:    p.idleLocked(),
		Waiting: p.waiters.Len(),
		Dialing: p.dialing,
		Opened:  p.opened,
		Peak:    p.peak,
	}
}

func (p *Pool) healthLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), p.opts.HealthCheckInterval)
			p.HealthCheck(ctx)
			cancel()
		}
	}
}

// dialInUse dials a connection for an acquirer holding a reserved slot.
func (p *Pool) dialInUse(ctx context.Context) (*Conn, error) {
	raw, err := p.dialer.Dial(ctx)

	p.mu.Lock()
	p.dialing--
	if err != nil {
		// a waiter may have queued behind this reservation
		p.redialForWaitersLocked()
		p.updateGaugesLocked()
		p.mu.Unlock()
		return nil, fmt.Errorf("dialing log store: %w", err)
	}
	if p.closed {
		p.mu.Unlock()
		raw.Close()
		return nil, ErrPoolClosed
	}
	c := p.addLocked(raw)
	p.markInUseLocked(c)
	p.mu.Unlock()
	return c, nil
}

// dialForWaiter dials on behalf of the oldest waiter, after a lost
// connection or a failed dial freed a slot.
func (p *Pool) dialForWaiter() {
	defer p.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.AcquireTimeout)
	defer cancel()

	raw, err := p.dialer.Dial(ctx)

	p.mu.Lock()
	p.dialing--
	if err != nil {
		// fail the oldest waiter with the cause, then try again for the rest
		if w := p.popWaiterLocked(); w != nil {
			w.err = fmt.Errorf("dialing log store: %w", err)
			close(w.ch)
		}
		p.redialForWaitersLocked()
		p.updateGaugesLocked()
		p.mu.Unlock()
		p.logger.Warn("replacement dial failed", "error", err)
		return
	}
	if p.closed {
		p.mu.Unlock()
		raw.Close()
		return
	}
	c := p.addLocked(raw)
	if w := p.popWaiterLocked(); w != nil {
		p.markInUseLocked(c)
		w.ch <- c
	}
	p.updateGaugesLocked()
	p.mu.Unlock()
}

// redialForWaitersLocked reserves a slot and dials in the background when
// waiters are queued and the pool is below MaxConnections.
func (p *Pool) redialForWaitersLocked() {
	if p.closed || p.waiters.Len() == 0 || len(p.conns)+p.dialing >= p.opts.MaxConnections {
		return
	}
	p.dialing++
	p.wg.Add(1)
	go p.dialForWaiter()
}

// takeIdleLocked returns the first open idle connection. Closed idle
// connections met on the way are removed and returned for discarding.
func (p *Pool) takeIdleLocked() (*Conn, []*Conn) {
	var dead []*Conn
	for i := 0; i < len(p.conns); {
		c := p.conns[i]
		if _, busy := p.inUse[c]; busy {
			i++
			continue
		}
		if !c.IsOpen() {
			p.conns = slices.Delete(p.conns, i, i+1)
			dead = append(dead, c)
			continue
		}
		return c, dead
	}
	return nil, dead
}

// discard closes connections that were found closed.
func (p *Pool) discard(dead []*Conn) {
	for _, c := range dead {
		c.Close()
		p.metrics.IncPoolLost()
		p.logger.Warn("connection lost", "conn", c.id, "uses", c.UseCount())
	}
}

func (p *Pool) addLocked(raw logstore.Conn) *Conn {
	now := time.Now()
	c := &Conn{Conn: raw, id: uuid.NewString(), createdAt: now}
	c.lastUsed.Store(now.UnixNano())
	p.conns = append(p.conns, c)
	p.opened++
	p.metrics.IncPoolOpened()
	p.logger.Debug("connection opened", "conn", c.id, "total", len(p.conns))
	return c
}

func (p *Pool) removeLocked(c *Conn) {
	if i := slices.Index(p.conns, c); i >= 0 {
		p.conns = slices.Delete(p.conns, i, i+1)
	}
}

func (p *Pool) markInUseLocked(c *Conn) {
	p.inUse[c] = struct{}{}
	c.useCount.Add(1)
	if n := len(p.inUse); n > p.peak {
		p.peak = n
	}
	p.updateGaugesLocked()
}

func (p *Pool) popWaiterLocked() *waiter {
	front := p.waiters.Front()
	if front == nil {
		return nil
	}
	w := p.waiters.Remove(front).(*waiter)
	w.removed = true
	return w
}

func (p *Pool) signalReleased() {
	select {
	case p.releasedCh <- struct{}{}:
	default:
	}
}

func (p *Pool) idleLocked() int {
	idle := 0
	for _, c := range p.conns {
		if _, busy := p.inUse[c]; !busy {
			idle++
		}
	}
	return idle
}

func (p *Pool) updateGaugesLocked() {
	p.metrics.SetPoolConnections(p.idleLocked(), len(p.inUse))
	p.metrics.SetPoolWaiters(p.waiters.Len())
}
