// Package logstoretest provides a backend-agnostic conformance suite for
// log store implementations.
package logstoretest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jpalmerr/ridecast/internal/logstore"
)

// Harness describes the backend under test.
type Harness struct {
	// Dialer opens connections to a fresh, empty store.
	Dialer logstore.Dialer

	// SetValue writes a plain (non-stream) key into the same store.
	SetValue func(t *testing.T, key, value string)

	// DeleteWakesReaders is set when deleting a stream ends a blocking
	// read on it at once. Redis keeps such readers blocked until timeout.
	DeleteWakesReaders bool
}

// Run runs the conformance suite. newHarness is called once per subtest so
// every case starts from an empty store.
func Run(t *testing.T, newHarness func(t *testing.T) Harness) {
	t.Run("AppendAndRange", func(t *testing.T) { testAppendAndRange(t, newHarness(t)) })
	t.Run("RangeMissingKey", func(t *testing.T) { testRangeMissingKey(t, newHarness(t)) })
	t.Run("RevRangeNewest", func(t *testing.T) { testRevRangeNewest(t, newHarness(t)) })
	t.Run("BlockingReadAvailable", func(t *testing.T) { testBlockingReadAvailable(t, newHarness(t)) })
	t.Run("BlockingReadTimeout", func(t *testing.T) { testBlockingReadTimeout(t, newHarness(t)) })
	t.Run("BlockingReadWakes", func(t *testing.T) { testBlockingReadWakes(t, newHarness(t)) })
	t.Run("BlockingReadMultiplexed", func(t *testing.T) { testBlockingReadMultiplexed(t, newHarness(t)) })
	t.Run("KeyTypes", func(t *testing.T) { testKeyTypes(t, newHarness(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newHarness(t)) })
	t.Run("DeleteWakesBlockingRead", func(t *testing.T) { testDeleteWakesBlockingRead(t, newHarness(t)) })
	t.Run("ScanStreams", func(t *testing.T) { testScanStreams(t, newHarness(t)) })
	t.Run("ClosedConn", func(t *testing.T) { testClosedConn(t, newHarness(t)) })
}

func dial(t *testing.T, h Harness) logstore.Conn {
	t.Helper()
	c, err := h.Dialer.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func appendN(t *testing.T, c logstore.Conn, key string, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := c.Append(context.Background(), key, map[string]string{"seq": fmt.Sprint(i)})
		if err != nil {
			t.Fatalf("Append(%q) error = %v", key, err)
		}
		ids = append(ids, id)
	}
	return ids
}

func testAppendAndRange(t *testing.T, h Harness) {
	c := dial(t, h)
	ids := appendN(t, c, "ride-1", 5)

	for i := 1; i < len(ids); i++ {
		if logstore.CompareIDs(ids[i-1], ids[i]) >= 0 {
			t.Fatalf("ids not increasing: %s then %s", ids[i-1], ids[i])
		}
	}

	entries, err := c.Range(context.Background(), "ride-1", "-", "+", 0)
	if err != nil {
		t.Fatalf("Range() error = %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("Range() = %d entries, want 5", len(entries))
	}
	for i, e := range entries {
		if e.ID != ids[i] {
			t.Errorf("entries[%d].ID = %s, want %s", i, e.ID, ids[i])
		}
		if e.Fields["seq"] != fmt.Sprint(i) {
			t.Errorf("entries[%d].Fields[seq] = %q, want %d", i, e.Fields["seq"], i)
		}
	}

	limited, err := c.Range(context.Background(), "ride-1", ids[1], "+", 2)
	if err != nil {
		t.Fatalf("Range(limit) error = %v", err)
	}
	if len(limited) != 2 || limited[0].ID != ids[1] || limited[1].ID != ids[2] {
		t.Errorf("Range(from=%s, limit=2) = %v, want ids %s,%s", ids[1], limited, ids[1], ids[2])
	}
}

func testRangeMissingKey(t *testing.T, h Harness) {
	c := dial(t, h)
	entries, err := c.Range(context.Background(), "nope", "-", "+", 0)
	if err != nil {
		t.Fatalf("Range() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Range() = %d entries, want 0", len(entries))
	}

	newest, err := logstore.NewestID(context.Background(), c, "nope")
	if err != nil {
		t.Fatalf("NewestID() error = %v", err)
	}
	if newest != logstore.ZeroID {
		t.Errorf("NewestID() = %s, want %s", newest, logstore.ZeroID)
	}
}

func testRevRangeNewest(t *testing.T, h Harness) {
	c := dial(t, h)
	ids := appendN(t, c, "ride-1", 3)

	latest, err := c.RevRange(context.Background(), "ride-1", "+", "-", 1)
	if err != nil {
		t.Fatalf("RevRange() error = %v", err)
	}
	if len(latest) != 1 || latest[0].ID != ids[2] {
		t.Fatalf("RevRange(limit=1) = %v, want newest %s", latest, ids[2])
	}

	all, err := c.RevRange(context.Background(), "ride-1", "+", "-", 0)
	if err != nil {
		t.Fatalf("RevRange() error = %v", err)
	}
	if len(all) != 3 || all[0].ID != ids[2] || all[2].ID != ids[0] {
		t.Errorf("RevRange() = %v, want descending order", all)
	}
}

func testBlockingReadAvailable(t *testing.T, h Harness) {
	c := dial(t, h)
	ids := appendN(t, c, "ride-1", 4)

	got, err := c.BlockingRead(context.Background(),
		[]logstore.Cursor{{Key: "ride-1", AfterID: ids[1]}}, 10, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("BlockingRead() error = %v", err)
	}
	if len(got) != 1 || len(got[0].Entries) != 2 {
		t.Fatalf("BlockingRead() = %v, want 2 entries after %s", got, ids[1])
	}
	if got[0].Entries[0].ID != ids[2] || got[0].Entries[1].ID != ids[3] {
		t.Errorf("BlockingRead() ids = %s,%s, want %s,%s",
			got[0].Entries[0].ID, got[0].Entries[1].ID, ids[2], ids[3])
	}

	capped, err := c.BlockingRead(context.Background(),
		[]logstore.Cursor{{Key: "ride-1", AfterID: logstore.ZeroID}}, 3, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("BlockingRead(count=3) error = %v", err)
	}
	if len(capped) != 1 || len(capped[0].Entries) != 3 {
		t.Errorf("BlockingRead(count=3) = %v, want 3 entries", capped)
	}
}

func testBlockingReadTimeout(t *testing.T, h Harness) {
	c := dial(t, h)
	ids := appendN(t, c, "ride-1", 1)

	start := time.Now()
	got, err := c.BlockingRead(context.Background(),
		[]logstore.Cursor{{Key: "ride-1", AfterID: ids[0]}}, 10, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("BlockingRead() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("BlockingRead() = %v, want empty", got)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("BlockingRead() returned after %v, want it to wait", elapsed)
	}
}

func testBlockingReadWakes(t *testing.T, h Harness) {
	reader := dial(t, h)
	writer := dial(t, h)
	ids := appendN(t, writer, "ride-1", 1)

	go func() {
		time.Sleep(50 * time.Millisecond)
		writer.Append(context.Background(), "ride-1", map[string]string{"power": "250"})
	}()

	got, err := reader.BlockingRead(context.Background(),
		[]logstore.Cursor{{Key: "ride-1", AfterID: ids[0]}}, 10, 2*time.Second)
	if err != nil {
		t.Fatalf("BlockingRead() error = %v", err)
	}
	if len(got) != 1 || len(got[0].Entries) != 1 {
		t.Fatalf("BlockingRead() = %v, want the appended entry", got)
	}
	if got[0].Entries[0].Fields["power"] != "250" {
		t.Errorf("Fields[power] = %q, want 250", got[0].Entries[0].Fields["power"])
	}
}

func testBlockingReadMultiplexed(t *testing.T, h Harness) {
	c := dial(t, h)
	a := appendN(t, c, "ride-a", 1)
	b := appendN(t, c, "ride-b", 1)
	appendN(t, c, "ride-b", 1)

	got, err := c.BlockingRead(context.Background(), []logstore.Cursor{
		{Key: "ride-a", AfterID: a[0]},
		{Key: "ride-b", AfterID: b[0]},
	}, 10, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("BlockingRead() error = %v", err)
	}
	if len(got) != 1 || got[0].Key != "ride-b" || len(got[0].Entries) != 1 {
		t.Errorf("BlockingRead() = %v, want one entry from ride-b", got)
	}
}

func testKeyTypes(t *testing.T, h Harness) {
	c := dial(t, h)
	ctx := context.Background()
	appendN(t, c, "ride-1", 1)
	h.SetValue(t, "config-flag", "on")

	tests := []struct {
		key        string
		wantType   logstore.KeyType
		wantExists bool
	}{
		{"ride-1", logstore.KeyTypeStream, true},
		{"config-flag", logstore.KeyTypeString, true},
		{"missing", logstore.KeyTypeNone, false},
	}
	for _, tt := range tests {
		typ, err := c.TypeOf(ctx, tt.key)
		if err != nil {
			t.Fatalf("TypeOf(%q) error = %v", tt.key, err)
		}
		if typ != tt.wantType {
			t.Errorf("TypeOf(%q) = %s, want %s", tt.key, typ, tt.wantType)
		}
		exists, err := c.Exists(ctx, tt.key)
		if err != nil {
			t.Fatalf("Exists(%q) error = %v", tt.key, err)
		}
		if exists != tt.wantExists {
			t.Errorf("Exists(%q) = %v, want %v", tt.key, exists, tt.wantExists)
		}
	}
}

func testDelete(t *testing.T, h Harness) {
	c := dial(t, h)
	ctx := context.Background()
	appendN(t, c, "ride-1", 3)

	deleted, err := c.Delete(ctx, "ride-1")
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if !deleted {
		t.Error("Delete() = false, want true")
	}
	if exists, _ := c.Exists(ctx, "ride-1"); exists {
		t.Error("Exists() after Delete = true, want false")
	}
	entries, err := c.Range(ctx, "ride-1", "-", "+", 0)
	if err != nil {
		t.Fatalf("Range() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Range() after Delete = %d entries, want 0", len(entries))
	}

	again, err := c.Delete(ctx, "ride-1")
	if err != nil {
		t.Fatalf("second Delete() error = %v", err)
	}
	if again {
		t.Error("second Delete() = true, want false")
	}
}

func testDeleteWakesBlockingRead(t *testing.T, h Harness) {
	if !h.DeleteWakesReaders {
		t.Skip("backend keeps readers blocked on delete")
	}
	reader := dial(t, h)
	writer := dial(t, h)
	ids := appendN(t, writer, "ride-1", 1)

	go func() {
		time.Sleep(50 * time.Millisecond)
		writer.Delete(context.Background(), "ride-1")
	}()

	start := time.Now()
	got, err := reader.BlockingRead(context.Background(),
		[]logstore.Cursor{{Key: "ride-1", AfterID: ids[0]}}, 10, 5*time.Second)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("BlockingRead() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("BlockingRead() = %v, want nothing", got)
	}
	if elapsed > 2*time.Second {
		t.Errorf("BlockingRead() returned after %v, want soon after the delete", elapsed)
	}

	// unrelated deletes leave the read blocked until its timeout
	other := appendN(t, writer, "ride-2", 1)
	go func() {
		time.Sleep(20 * time.Millisecond)
		writer.Delete(context.Background(), "ride-3")
		h.SetValue(t, "ride-4", "x")
	}()
	start = time.Now()
	if _, err := reader.BlockingRead(context.Background(),
		[]logstore.Cursor{{Key: "ride-2", AfterID: other[0]}}, 10, 200*time.Millisecond); err != nil {
		t.Fatalf("BlockingRead() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("BlockingRead() returned after %v, want the full timeout", elapsed)
	}
}

func testScanStreams(t *testing.T, h Harness) {
	c := dial(t, h)
	for i := 0; i < 12; i++ {
		appendN(t, c, fmt.Sprintf("ride-%02d", i), 1)
	}
	h.SetValue(t, "ride-value", "x")
	appendN(t, c, "other", 1)

	keys, err := logstore.ScanStreams(context.Background(), c, "ride-*", 5, 4)
	if err != nil {
		t.Fatalf("ScanStreams() error = %v", err)
	}
	if len(keys) != 12 {
		t.Fatalf("ScanStreams() = %d keys, want 12: %v", len(keys), keys)
	}
	for i, k := range keys {
		if want := fmt.Sprintf("ride-%02d", i); k != want {
			t.Errorf("keys[%d] = %s, want %s", i, k, want)
		}
	}
}

func testClosedConn(t *testing.T, h Harness) {
	c := dial(t, h)
	if !c.IsOpen() {
		t.Fatal("IsOpen() = false on new connection")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if c.IsOpen() {
		t.Error("IsOpen() = true after Close")
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if _, err := c.Append(context.Background(), "ride-1", map[string]string{"a": "b"}); !errors.Is(err, logstore.ErrConnClosed) {
		t.Errorf("Append() on closed conn error = %v, want ErrConnClosed", err)
	}
	if err := c.Ping(context.Background()); !errors.Is(err, logstore.ErrConnClosed) {
		t.Errorf("Ping() on closed conn error = %v, want ErrConnClosed", err)
	}
}
