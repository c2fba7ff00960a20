package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMustNew_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()

	first := MustNew(reg)
	second := MustNew(reg)

	first.IncPoolOpened()
	second.IncPoolOpened()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != "ridecast_pool_connections_opened_total" {
			continue
		}
		if got := f.GetMetric()[0].GetCounter().GetValue(); got != 2 {
			t.Errorf("connections_opened_total = %v, want 2", got)
		}
		return
	}
	t.Fatal("ridecast_pool_connections_opened_total not gathered")
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics

	// none of these may panic
	m.SetPoolConnections(1, 2)
	m.SetPoolWaiters(3)
	m.ObserveAcquireWait(time.Millisecond)
	m.IncPoolExhausted()
	m.IncPoolOpened()
	m.IncPoolLost()
	m.ClientConnected(ModeSingle)
	m.ClientDisconnected(ModeSingle)
	m.IncMessages(ModeAll)
	m.IncLoopExit(ModeAll, "closed")
	m.IncRefresh(true)
	m.ObserveSweep(4, false)
}

func TestMetrics_SweepCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNew(reg)

	m.ObserveSweep(3, true)
	m.ObserveSweep(2, false)

	families, _ := reg.Gather()
	found := false
	for _, f := range families {
		if f.GetName() == "ridecast_retention_deleted_streams_total" {
			found = true
			if got := f.GetMetric()[0].GetCounter().GetValue(); got != 5 {
				t.Errorf("deleted_streams_total = %v, want 5", got)
			}
		}
	}
	if !found {
		t.Error("ridecast_retention_deleted_streams_total not gathered")
	}
}
