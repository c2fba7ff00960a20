package pool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jpalmerr/ridecast/internal/logstore"
)

// testLogger returns a logger that discards all output for clean test output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPool(t *testing.T, engine *logstore.MemoryEngine, opts Options) *Pool {
	t.Helper()
	opts.Logger = testLogger()
	if opts.HealthCheckInterval == 0 {
		opts.HealthCheckInterval = -1
	}
	p := New(engine, opts)
	t.Cleanup(func() { p.Shutdown(context.Background()) })
	return p
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 1s")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPool_InitializeDialsMin(t *testing.T) {
	engine := logstore.NewMemoryEngine()
	p := newTestPool(t, engine, Options{MinConnections: 3, MaxConnections: 5})

	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if engine.Dials() != 3 {
		t.Errorf("Dials() = %d, want 3", engine.Dials())
	}
	stats := p.Stats()
	if stats.Total != 3 || stats.Idle != 3 || stats.InUse != 0 {
		t.Errorf("Stats() = %+v, want 3 idle", stats)
	}

	// second call is a no-op
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("second Initialize() error = %v", err)
	}
	if engine.Dials() != 3 {
		t.Errorf("Dials() after second Initialize = %d, want 3", engine.Dials())
	}
}

func TestPool_InitializeFailureClosesDialed(t *testing.T) {
	engine := logstore.NewMemoryEngine()
	var dialed []logstore.Conn
	var calls atomic.Int32
	dialer := logstore.DialerFunc(func(ctx context.Context) (logstore.Conn, error) {
		if calls.Add(1) == 2 {
			return nil, errors.New("connection refused")
		}
		c, err := engine.Dial(ctx)
		dialed = append(dialed, c)
		return c, err
	})

	p := New(dialer, Options{MinConnections: 2, MaxConnections: 4, HealthCheckInterval: -1, Logger: testLogger()})
	if err := p.Initialize(context.Background()); err == nil {
		t.Fatal("Initialize() error = nil, want dial failure")
	}
	for i, c := range dialed {
		if c.IsOpen() {
			t.Errorf("dialed[%d] still open after failed Initialize", i)
		}
	}
	if p.Stats().Total != 0 {
		t.Errorf("Stats().Total = %d, want 0", p.Stats().Total)
	}
}

func TestPool_ReusesIdleConnection(t *testing.T) {
	engine := logstore.NewMemoryEngine()
	p := newTestPool(t, engine, Options{MinConnections: 1, MaxConnections: 3})
	p.Initialize(context.Background())

	for i := 0; i < 5; i++ {
		c, err := p.Acquire(context.Background())
		if err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
		p.Release(c)
	}

	if engine.Dials() != 1 {
		t.Errorf("Dials() = %d, want 1", engine.Dials())
	}
	if p.Stats().Opened != 1 {
		t.Errorf("Stats().Opened = %d, want 1", p.Stats().Opened)
	}
}

func TestPool_ExhaustedAfterTimeout(t *testing.T) {
	engine := logstore.NewMemoryEngine()
	timeout := 100 * time.Millisecond
	p := newTestPool(t, engine, Options{MinConnections: 1, MaxConnections: 2, AcquireTimeout: timeout})

	a, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire(1) error = %v", err)
	}
	b, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire(2) error = %v", err)
	}
	defer p.Release(a)
	defer p.Release(b)

	start := time.Now()
	_, err = p.Acquire(context.Background())
	elapsed := time.Since(start)

	if !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("Acquire(3) error = %v, want ErrPoolExhausted", err)
	}
	if elapsed < timeout {
		t.Errorf("Acquire(3) failed after %v, want at least %v", elapsed, timeout)
	}
	if elapsed > timeout+500*time.Millisecond {
		t.Errorf("Acquire(3) failed after %v, want about %v", elapsed, timeout)
	}
	if s := p.Stats(); s.InUse != 2 || s.Total != 2 || s.Waiting != 0 {
		t.Errorf("Stats() = %+v, want 2 in use, no waiters", s)
	}
}

func TestPool_ReleaseHandsOffWithoutDial(t *testing.T) {
	engine := logstore.NewMemoryEngine()
	p := newTestPool(t, engine, Options{MinConnections: 1, MaxConnections: 1, AcquireTimeout: 2 * time.Second})

	held, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	got := make(chan *Conn, 1)
	go func() {
		c, err := p.Acquire(context.Background())
		if err != nil {
			t.Errorf("waiting Acquire() error = %v", err)
		}
		got <- c
	}()

	waitFor(t, func() bool { return p.Stats().Waiting == 1 })
	dialsBefore := engine.Dials()
	p.Release(held)

	select {
	case c := <-got:
		if c != held {
			t.Error("waiter received a different connection than the one released")
		}
		p.Release(c)
	case <-time.After(time.Second):
		t.Fatal("waiter was not handed the released connection")
	}
	if engine.Dials() != dialsBefore {
		t.Errorf("Dials() = %d, want %d (no new dial)", engine.Dials(), dialsBefore)
	}
}

func TestPool_WaitersServedInOrder(t *testing.T) {
	engine := logstore.NewMemoryEngine()
	p := newTestPool(t, engine, Options{MinConnections: 1, MaxConnections: 1, AcquireTimeout: 2 * time.Second})

	held, _ := p.Acquire(context.Background())

	order := make(chan int, 3)
	for i := 0; i < 3; i++ {
		go func() {
			c, err := p.Acquire(context.Background())
			if err != nil {
				t.Errorf("Acquire(%d) error = %v", i, err)
				return
			}
			order <- i
			p.Release(c)
		}()
		waitFor(t, func() bool { return p.Stats().Waiting == i+1 })
	}

	p.Release(held)
	for want := 0; want < 3; want++ {
		select {
		case got := <-order:
			if got != want {
				t.Errorf("served waiter %d, want %d", got, want)
			}
		case <-time.After(time.Second):
			t.Fatal("waiters not served")
		}
	}
}

func TestPool_FiveAcquirersMinTwoMaxFour(t *testing.T) {
	engine := logstore.NewMemoryEngine()
	p := newTestPool(t, engine, Options{MinConnections: 2, MaxConnections: 4, AcquireTimeout: 2 * time.Second})
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	var maxInUse atomic.Int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := p.Acquire(context.Background())
			if err != nil {
				errs <- err
				return
			}
			if n := int32(p.Stats().InUse); n > maxInUse.Load() {
				maxInUse.Store(n)
			}
			time.Sleep(50 * time.Millisecond)
			p.Release(c)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("Acquire() error = %v", err)
	}
	s := p.Stats()
	if s.Peak > 4 {
		t.Errorf("Peak = %d, want <= 4", s.Peak)
	}
	if s.Total > 4 {
		t.Errorf("Total = %d, want <= 4", s.Total)
	}
	if engine.Dials() > 4 {
		t.Errorf("Dials() = %d, want <= 4", engine.Dials())
	}
	if s.InUse != 0 {
		t.Errorf("InUse = %d after all released, want 0", s.InUse)
	}
}

func TestPool_AcquireContextCancelled(t *testing.T) {
	engine := logstore.NewMemoryEngine()
	p := newTestPool(t, engine, Options{MinConnections: 1, MaxConnections: 1, AcquireTimeout: 5 * time.Second})

	held, _ := p.Acquire(context.Background())
	defer p.Release(held)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := p.Acquire(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Acquire() error = %v, want context.Canceled", err)
	}
	if p.Stats().Waiting != 0 {
		t.Errorf("Waiting = %d after cancel, want 0", p.Stats().Waiting)
	}
}

func TestPool_ClosedConnectionDiscardedOnRelease(t *testing.T) {
	engine := logstore.NewMemoryEngine()
	p := newTestPool(t, engine, Options{MinConnections: 1, MaxConnections: 2})

	c, _ := p.Acquire(context.Background())
	c.Conn.Close()
	p.Release(c)

	if s := p.Stats(); s.Total != 0 || s.InUse != 0 {
		t.Errorf("Stats() = %+v, want the closed connection removed", s)
	}

	fresh, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer p.Release(fresh)
	if fresh == c || !fresh.IsOpen() {
		t.Error("Acquire() returned the lost connection")
	}
}

func TestPool_ClosedIdleConnectionSkippedOnAcquire(t *testing.T) {
	engine := logstore.NewMemoryEngine()
	p := newTestPool(t, engine, Options{MinConnections: 2, MaxConnections: 2})
	p.Initialize(context.Background())

	// break one idle connection behind the pool's back
	p.mu.Lock()
	p.conns[0].Conn.Close()
	p.mu.Unlock()

	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer p.Release(c)
	if !c.IsOpen() {
		t.Error("Acquire() returned a closed connection")
	}
	if p.Stats().Total != 1 {
		t.Errorf("Total = %d, want 1 after discarding the closed one", p.Stats().Total)
	}
}

func TestPool_LostConnectionReplacedForWaiter(t *testing.T) {
	engine := logstore.NewMemoryEngine()
	p := newTestPool(t, engine, Options{MinConnections: 1, MaxConnections: 1, AcquireTimeout: 2 * time.Second})

	held, _ := p.Acquire(context.Background())

	got := make(chan *Conn, 1)
	go func() {
		c, err := p.Acquire(context.Background())
		if err != nil {
			t.Errorf("waiting Acquire() error = %v", err)
		}
		got <- c
	}()
	waitFor(t, func() bool { return p.Stats().Waiting == 1 })

	held.Conn.Close()
	p.Release(held)

	select {
	case c := <-got:
		if c == nil || c == held || !c.IsOpen() {
			t.Fatal("waiter did not receive a fresh connection")
		}
		p.Release(c)
	case <-time.After(time.Second):
		t.Fatal("waiter was not served after connection loss")
	}
	if engine.Dials() != 2 {
		t.Errorf("Dials() = %d, want 2", engine.Dials())
	}
}

func TestPool_FailedDialServesQueuedWaiter(t *testing.T) {
	engine := logstore.NewMemoryEngine()
	unblock := make(chan struct{})
	var calls atomic.Int32
	dialer := logstore.DialerFunc(func(ctx context.Context) (logstore.Conn, error) {
		if calls.Add(1) == 1 {
			<-unblock
			return nil, errors.New("connection refused")
		}
		return engine.Dial(ctx)
	})
	p := New(dialer, Options{MinConnections: 1, MaxConnections: 1, AcquireTimeout: 2 * time.Second, HealthCheckInterval: -1, Logger: testLogger()})
	t.Cleanup(func() { p.Shutdown(context.Background()) })

	first := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		first <- err
	}()
	waitFor(t, func() bool { return p.Stats().Dialing == 1 })

	type result struct {
		c   *Conn
		err error
	}
	second := make(chan result, 1)
	go func() {
		c, err := p.Acquire(context.Background())
		second <- result{c, err}
	}()
	waitFor(t, func() bool { return p.Stats().Waiting == 1 })

	close(unblock)
	if err := <-first; err == nil || errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("first Acquire() error = %v, want dial failure", err)
	}

	select {
	case r := <-second:
		if r.err != nil {
			t.Fatalf("queued Acquire() error = %v, want a connection", r.err)
		}
		if !r.c.IsOpen() {
			t.Error("queued Acquire() returned a closed connection")
		}
		p.Release(r.c)
	case <-time.After(time.Second):
		t.Fatalf("queued Acquire() still waiting, stats = %+v", p.Stats())
	}
}

func TestPool_FailedDialFailsQueuedWaiterFast(t *testing.T) {
	unblock := make(chan struct{})
	var calls atomic.Int32
	dialer := logstore.DialerFunc(func(ctx context.Context) (logstore.Conn, error) {
		if calls.Add(1) == 1 {
			<-unblock
		}
		return nil, errors.New("connection refused")
	})
	p := New(dialer, Options{MinConnections: 1, MaxConnections: 1, AcquireTimeout: 2 * time.Second, HealthCheckInterval: -1, Logger: testLogger()})
	t.Cleanup(func() { p.Shutdown(context.Background()) })

	go p.Acquire(context.Background())
	waitFor(t, func() bool { return p.Stats().Dialing == 1 })

	second := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		second <- err
	}()
	waitFor(t, func() bool { return p.Stats().Waiting == 1 })
	close(unblock)

	select {
	case err := <-second:
		if err == nil || errors.Is(err, ErrPoolExhausted) || errors.Is(err, ErrPoolClosed) {
			t.Fatalf("queued Acquire() error = %v, want the dial failure", err)
		}
	case <-time.After(time.Second):
		t.Fatal("queued Acquire() waited out the acquire timeout")
	}
	if s := p.Stats(); s.Waiting != 0 || s.Dialing != 0 || s.Total != 0 {
		t.Errorf("Stats() = %+v, want empty pool", s)
	}
}

func TestPool_SlowDialBoundedByAcquireTimeout(t *testing.T) {
	dialer := logstore.DialerFunc(func(ctx context.Context) (logstore.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	timeout := 50 * time.Millisecond
	p := New(dialer, Options{MinConnections: 1, MaxConnections: 1, AcquireTimeout: timeout, HealthCheckInterval: -1, Logger: testLogger()})
	t.Cleanup(func() { p.Shutdown(context.Background()) })

	start := time.Now()
	_, err := p.Acquire(context.Background())
	elapsed := time.Since(start)

	if !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("Acquire() error = %v, want ErrPoolExhausted", err)
	}
	if elapsed > timeout+500*time.Millisecond {
		t.Errorf("Acquire() failed after %v, want about %v", elapsed, timeout)
	}
	if s := p.Stats(); s.Dialing != 0 || s.Total != 0 {
		t.Errorf("Stats() = %+v, want no reserved slots", s)
	}
}

func TestPool_SlowDialCallerCancelled(t *testing.T) {
	dialer := logstore.DialerFunc(func(ctx context.Context) (logstore.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	p := New(dialer, Options{MinConnections: 1, MaxConnections: 1, AcquireTimeout: 5 * time.Second, HealthCheckInterval: -1, Logger: testLogger()})
	t.Cleanup(func() { p.Shutdown(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := p.Acquire(ctx)
	if errors.Is(err, ErrPoolExhausted) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Acquire() error = %v, want the caller's deadline", err)
	}
}

func TestPool_DoubleReleaseIsNoop(t *testing.T) {
	engine := logstore.NewMemoryEngine()
	p := newTestPool(t, engine, Options{MinConnections: 1, MaxConnections: 2})

	c, _ := p.Acquire(context.Background())
	p.Release(c)
	p.Release(c)

	if s := p.Stats(); s.Total != 1 || s.Idle != 1 || s.InUse != 0 {
		t.Errorf("Stats() = %+v, want 1 idle", s)
	}
}

func TestPool_HealthCheck(t *testing.T) {
	engine := logstore.NewMemoryEngine()
	p := newTestPool(t, engine, Options{
		MinConnections: 2,
		MaxConnections: 4,
		IdleTimeout:    50 * time.Millisecond,
	})
	p.Initialize(context.Background())

	// grow to four connections
	var held []*Conn
	for i := 0; i < 4; i++ {
		c, _ := p.Acquire(context.Background())
		held = append(held, c)
	}
	for _, c := range held {
		p.Release(c)
	}

	time.Sleep(80 * time.Millisecond)
	p.HealthCheck(context.Background())

	if s := p.Stats(); s.Total != 2 {
		t.Errorf("Total after idle eviction = %d, want 2", s.Total)
	}

	// lose both survivors; the check tops back up to min
	p.mu.Lock()
	for _, c := range p.conns {
		c.Conn.Close()
	}
	p.mu.Unlock()

	p.HealthCheck(context.Background())
	s := p.Stats()
	if s.Total != 2 {
		t.Errorf("Total after top-up = %d, want 2", s.Total)
	}
	p.mu.Lock()
	for i, c := range p.conns {
		if !c.IsOpen() {
			t.Errorf("conns[%d] closed after health check", i)
		}
	}
	p.mu.Unlock()
}

func TestPool_HealthCheckKeepsInUse(t *testing.T) {
	engine := logstore.NewMemoryEngine()
	p := newTestPool(t, engine, Options{MinConnections: 1, MaxConnections: 3, IdleTimeout: time.Millisecond})

	var held []*Conn
	for i := 0; i < 3; i++ {
		c, _ := p.Acquire(context.Background())
		held = append(held, c)
	}
	time.Sleep(10 * time.Millisecond)
	p.HealthCheck(context.Background())

	if s := p.Stats(); s.Total != 3 || s.InUse != 3 {
		t.Errorf("Stats() = %+v, want in-use connections untouched", s)
	}
	for _, c := range held {
		p.Release(c)
	}
}

func TestPool_ShutdownFailsWaitersAndRejects(t *testing.T) {
	engine := logstore.NewMemoryEngine()
	p := New(engine, Options{
		MinConnections:      1,
		MaxConnections:      1,
		AcquireTimeout:      5 * time.Second,
		ShutdownTimeout:     50 * time.Millisecond,
		HealthCheckInterval: -1,
		Logger:              testLogger(),
	})

	held, _ := p.Acquire(context.Background())

	waitErr := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		waitErr <- err
	}()
	waitFor(t, func() bool { return p.Stats().Waiting == 1 })

	done := make(chan struct{})
	go func() {
		p.Shutdown(context.Background())
		close(done)
	}()

	select {
	case err := <-waitErr:
		if !errors.Is(err, ErrPoolClosed) {
			t.Errorf("waiter error = %v, want ErrPoolClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by shutdown")
	}

	if _, err := p.Acquire(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Acquire() after shutdown error = %v, want ErrPoolClosed", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Shutdown() did not return after its timeout")
	}

	// force-closed while still held
	if held.IsOpen() {
		t.Error("held connection still open after shutdown timeout")
	}
	p.Release(held)
}

func TestPool_ShutdownWaitsForRelease(t *testing.T) {
	engine := logstore.NewMemoryEngine()
	p := New(engine, Options{
		MinConnections:      1,
		MaxConnections:      2,
		ShutdownTimeout:     5 * time.Second,
		HealthCheckInterval: -1,
		Logger:              testLogger(),
	})

	held, _ := p.Acquire(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		p.Release(held)
	}()

	start := time.Now()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Shutdown() took %v, want it to return once released", elapsed)
	}
	if held.IsOpen() {
		t.Error("connection open after shutdown")
	}
	if p.Stats().Total != 0 {
		t.Errorf("Total = %d after shutdown, want 0", p.Stats().Total)
	}

	// idempotent
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}

func TestPool_WithConn(t *testing.T) {
	engine := logstore.NewMemoryEngine()
	p := newTestPool(t, engine, Options{MinConnections: 1, MaxConnections: 1})

	var id string
	err := p.WithConn(context.Background(), func(c logstore.Conn) error {
		var err error
		id, err = c.Append(context.Background(), "ride-1", map[string]string{"power": "210"})
		return err
	})
	if err != nil {
		t.Fatalf("WithConn() error = %v", err)
	}
	if id == "" {
		t.Error("Append inside WithConn returned empty id")
	}
	if p.Stats().InUse != 0 {
		t.Errorf("InUse = %d after WithConn, want 0", p.Stats().InUse)
	}

	boom := errors.New("boom")
	if err := p.WithConn(context.Background(), func(logstore.Conn) error { return boom }); !errors.Is(err, boom) {
		t.Errorf("WithConn() error = %v, want boom", err)
	}
	if p.Stats().InUse != 0 {
		t.Errorf("InUse = %d after failing WithConn, want 0", p.Stats().InUse)
	}
}

func TestPool_ConcurrentStress(t *testing.T) {
	engine := logstore.NewMemoryEngine()
	p := newTestPool(t, engine, Options{MinConnections: 2, MaxConnections: 3, AcquireTimeout: 5 * time.Second})
	p.Initialize(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				err := p.WithConn(context.Background(), func(c logstore.Conn) error {
					_, err := c.Exists(context.Background(), "ride-1")
					return err
				})
				if err != nil {
					t.Errorf("WithConn() error = %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	s := p.Stats()
	if s.Peak > 3 || s.Total > 3 {
		t.Errorf("Stats() = %+v, want peak and total <= 3", s)
	}
}
