package registry

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

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// engineSource serves connections straight from a memory engine and counts
// how many times the store was used.
type engineSource struct {
	engine *logstore.MemoryEngine
	calls  atomic.Int32
	delay  time.Duration
	err    error
}

func (s *engineSource) WithConn(ctx context.Context, fn func(logstore.Conn) error) error {
	s.calls.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return s.err
	}
	c, err := s.engine.Dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func seed(t *testing.T, engine *logstore.MemoryEngine, keys ...string) {
	t.Helper()
	c, _ := engine.Dial(context.Background())
	defer c.Close()
	for _, k := range keys {
		if _, err := c.Append(context.Background(), k, map[string]string{"a": "b"}); err != nil {
			t.Fatalf("Append(%q) error = %v", k, err)
		}
	}
}

func TestRegistry_RefreshScansStreamsOnly(t *testing.T) {
	engine := logstore.NewMemoryEngine()
	seed(t, engine, "ride-b", "ride-a")
	engine.SetValue("session-token", "x")

	r := New(&engineSource{engine: engine}, Options{Logger: testLogger()})
	set, err := r.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	keys := set.Keys()
	if len(keys) != 2 || keys[0] != "ride-a" || keys[1] != "ride-b" {
		t.Errorf("Keys() = %v, want [ride-a ride-b]", keys)
	}
	if set.Has("session-token") {
		t.Error("Has(session-token) = true, want plain keys excluded")
	}
}

func TestRegistry_TimeGate(t *testing.T) {
	engine := logstore.NewMemoryEngine()
	seed(t, engine, "ride-a")
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	src := &engineSource{engine: engine}

	r := New(src, Options{RefreshInterval: 5 * time.Second, Now: clock.Now, Logger: testLogger()})

	r.Refresh(context.Background())
	seed(t, engine, "ride-b")

	clock.Advance(4 * time.Second)
	set, _ := r.Refresh(context.Background())
	if src.calls.Load() != 1 {
		t.Errorf("scans = %d, want 1 within the interval", src.calls.Load())
	}
	if set.Has("ride-b") {
		t.Error("cached set already contains ride-b")
	}

	clock.Advance(2 * time.Second)
	set, _ = r.Refresh(context.Background())
	if src.calls.Load() != 2 {
		t.Errorf("scans = %d, want 2 after the interval", src.calls.Load())
	}
	if !set.Has("ride-b") {
		t.Error("refreshed set is missing ride-b")
	}
}

func TestRegistry_EmptySetAlwaysRescans(t *testing.T) {
	engine := logstore.NewMemoryEngine()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	src := &engineSource{engine: engine}
	r := New(src, Options{RefreshInterval: time.Hour, Now: clock.Now, Logger: testLogger()})

	r.Refresh(context.Background())
	r.Refresh(context.Background())
	if src.calls.Load() != 2 {
		t.Errorf("scans = %d, want 2 while the set is empty", src.calls.Load())
	}

	seed(t, engine, "ride-a")
	set, _ := r.Refresh(context.Background())
	if !set.Has("ride-a") {
		t.Error("new stream not discovered")
	}
}

func TestRegistry_ConcurrentRefreshSharesScan(t *testing.T) {
	engine := logstore.NewMemoryEngine()
	seed(t, engine, "ride-a")
	src := &engineSource{engine: engine, delay: 50 * time.Millisecond}
	r := New(src, Options{Logger: testLogger()})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Refresh(context.Background()); err != nil {
				t.Errorf("Refresh() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if n := src.calls.Load(); n != 1 {
		t.Errorf("scans = %d, want 1 for concurrent callers", n)
	}
}

func TestRegistry_CancelledCallerDoesNotFailSharedScan(t *testing.T) {
	engine := logstore.NewMemoryEngine()
	seed(t, engine, "ride-a", "ride-b")
	src := &engineSource{engine: engine, delay: 100 * time.Millisecond}
	r := New(src, Options{Logger: testLogger()})

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leader := make(chan error, 1)
	go func() {
		_, err := r.Refresh(leaderCtx)
		leader <- err
	}()
	deadline := time.Now().Add(time.Second)
	for src.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("scan did not start")
		}
		time.Sleep(time.Millisecond)
	}

	type result struct {
		set *Set
		err error
	}
	follower := make(chan result, 1)
	go func() {
		set, err := r.Refresh(context.Background())
		follower <- result{set, err}
	}()

	time.Sleep(20 * time.Millisecond)
	cancelLeader()

	if err := <-leader; !errors.Is(err, context.Canceled) {
		t.Errorf("leader Refresh() error = %v, want context.Canceled", err)
	}
	got := <-follower
	if got.err != nil {
		t.Fatalf("follower Refresh() error = %v, want nil", got.err)
	}
	if got.set.Len() != 2 {
		t.Errorf("follower Refresh() len = %d, want 2", got.set.Len())
	}
	if n := src.calls.Load(); n != 1 {
		t.Errorf("scans = %d, want 1 shared scan", n)
	}
	if r.Snapshot().Len() != 2 {
		t.Errorf("Snapshot().Len() = %d, want 2 after the shared scan", r.Snapshot().Len())
	}
}

func TestRegistry_FailureKeepsPreviousSet(t *testing.T) {
	engine := logstore.NewMemoryEngine()
	seed(t, engine, "ride-a")
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	src := &engineSource{engine: engine}
	r := New(src, Options{RefreshInterval: time.Second, Now: clock.Now, Logger: testLogger()})

	first, _ := r.Refresh(context.Background())

	src.err = errors.New("store unreachable")
	clock.Advance(2 * time.Second)

	set, err := r.Refresh(context.Background())
	if err == nil {
		t.Fatal("Refresh() error = nil, want scan failure")
	}
	if set != first {
		t.Error("Refresh() did not return the previous set on failure")
	}
}

func TestRegistry_AddRemoveKeepRefreshTime(t *testing.T) {
	engine := logstore.NewMemoryEngine()
	seed(t, engine, "ride-a")
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	src := &engineSource{engine: engine}
	r := New(src, Options{RefreshInterval: time.Minute, Now: clock.Now, Logger: testLogger()})

	set, _ := r.Refresh(context.Background())
	refreshed := set.RefreshedAt()

	r.Add("ride-new")
	snap := r.Snapshot()
	if !snap.Has("ride-new") || !snap.Has("ride-a") {
		t.Errorf("Snapshot() = %v, want ride-a and ride-new", snap.Keys())
	}
	if !snap.RefreshedAt().Equal(refreshed) {
		t.Error("Add() changed the refresh time")
	}

	r.Remove("ride-a")
	snap = r.Snapshot()
	if snap.Has("ride-a") || snap.Len() != 1 {
		t.Errorf("Snapshot() = %v, want only ride-new", snap.Keys())
	}
	if !snap.RefreshedAt().Equal(refreshed) {
		t.Error("Remove() changed the refresh time")
	}

	// still gated: no rescan
	r.Refresh(context.Background())
	if src.calls.Load() != 1 {
		t.Errorf("scans = %d, want 1", src.calls.Load())
	}

	// earlier snapshots are never mutated
	if !set.Has("ride-a") || set.Has("ride-new") {
		t.Error("Add/Remove mutated an earlier snapshot")
	}
}

func TestRegistry_ConcurrentAdd(t *testing.T) {
	r := New(&engineSource{engine: logstore.NewMemoryEngine()}, Options{Logger: testLogger()})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Add("ride-" + string(rune('a'+i%26)) + string(rune('a'+i/26)))
		}()
	}
	wg.Wait()

	if n := r.Snapshot().Len(); n != 50 {
		t.Errorf("Len() = %d, want 50", n)
	}
}
