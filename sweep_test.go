package ridecast

import (
	"net/http"
	"sync/atomic"
	"testing"
	"time"
)

func TestWithSweepCallback_InvokedAfterScheduledSweep(t *testing.T) {
	results := make(chan SweepResult, 16)
	rc, err := New(
		WithPort(19120),
		WithLogger(testLogger()),
		WithRetention(time.Millisecond, 50*time.Millisecond),
		WithSweepCallback(func(r SweepResult) {
			select {
			case results <- r:
			default:
			}
		}),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	run(t, rc)
	base := waitReady(t, rc.Port())
	post(t, base+"/api/streams", `{"name":"ride-1"}`)

	deadline := time.After(3 * time.Second)
	for {
		select {
		case r := <-results:
			if r.Window != time.Millisecond {
				t.Errorf("Window = %v, want 1ms", r.Window)
			}
			if r.Err != nil {
				t.Errorf("Err = %v", r.Err)
			}
			if r.Deleted == 0 {
				continue
			}
			resp, err := http.Get(base + "/api/streams/ride-1/entries")
			if err != nil {
				t.Fatalf("history error = %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusNotFound {
				t.Errorf("history after sweep = %d, want 404", resp.StatusCode)
			}
			return
		case <-deadline:
			t.Fatal("no sweep deleted the expired stream within 3s")
		}
	}
}

func TestWithSweepCallback_PanicRecovery(t *testing.T) {
	var after atomic.Int32
	rc, err := New(
		WithPort(19121),
		WithLogger(testLogger()),
		WithRetention(time.Hour, 20*time.Millisecond),
		WithSweepCallback(func(SweepResult) { panic("callback bug") }),
		WithSweepCallback(func(SweepResult) { after.Add(1) }),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	run(t, rc)
	waitReady(t, rc.Port())

	deadline := time.Now().Add(3 * time.Second)
	for after.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("callbacks stopped after a panic")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWithSweepCallback_NilIsSafe(t *testing.T) {
	rc, err := New(WithSweepCallback(nil))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if len(rc.cfg.sweepCallbacks) != 0 {
		t.Error("nil callback was registered")
	}
}
