// Package metrics holds the Prometheus collectors ridecast exports.
//
// All methods are safe on a nil *Metrics, so components can be built
// without metrics in tests.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ridecast"

// Broadcast modes used as the "mode" label.
const (
	ModeSingle = "single"
	ModeAll    = "all"
)

// Metrics exposes the collectors for the pool, the broadcasters, the stream
// registry and the retention sweeper.
type Metrics struct {
	poolConnections *prometheus.GaugeVec
	poolWaiters     prometheus.Gauge
	poolAcquireWait prometheus.Histogram
	poolExhausted   prometheus.Counter
	poolOpened      prometheus.Counter
	poolLost        prometheus.Counter

	clients      *prometheus.GaugeVec
	messages     *prometheus.CounterVec
	loopExits    *prometheus.CounterVec
	refreshes    *prometheus.CounterVec
	sweeps       *prometheus.CounterVec
	sweepDeleted prometheus.Counter
}

// MustNew constructs the collectors and registers them with reg. Collectors
// already registered by an earlier call are reused. Any other registration
// error panics.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		poolConnections: register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "connections",
			Help:      "Log store connections held by the pool, by state.",
		}, []string{"state"})),
		poolWaiters: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "waiters",
			Help:      "Acquirers parked waiting for a connection.",
		})),
		poolAcquireWait: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "acquire_wait_seconds",
			Help:      "Time spent acquiring a connection.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		})),
		poolExhausted: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "exhausted_total",
			Help:      "Acquisitions that timed out waiting for a connection.",
		})),
		poolOpened: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "connections_opened_total",
			Help:      "Connections dialed by the pool.",
		})),
		poolLost: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "connections_lost_total",
			Help:      "Connections found closed and discarded.",
		})),
		clients: register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "clients",
			Help:      "Connected push clients.",
		}, []string{"mode"})),
		messages: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "messages_total",
			Help:      "Telemetry messages pushed to clients.",
		}, []string{"mode"})),
		loopExits: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "loop_exits_total",
			Help:      "Broadcaster loops that ended, by final state.",
		}, []string{"mode", "state"})),
		refreshes: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "refreshes_total",
			Help:      "Stream registry scans of the log store.",
		}, []string{"result"})),
		sweeps: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "sweeps_total",
			Help:      "Retention sweeps run.",
		}, []string{"result"})),
		sweepDeleted: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "deleted_streams_total",
			Help:      "Streams deleted by retention.",
		})),
	}
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// SetPoolConnections records the idle and in-use connection counts.
func (m *Metrics) SetPoolConnections(idle, inUse int) {
	if m == nil {
		return
	}
	m.poolConnections.WithLabelValues("idle").Set(float64(idle))
	m.poolConnections.WithLabelValues("in_use").Set(float64(inUse))
}

// SetPoolWaiters records the wait list length.
func (m *Metrics) SetPoolWaiters(n int) {
	if m == nil {
		return
	}
	m.poolWaiters.Set(float64(n))
}

// ObserveAcquireWait records how long one Acquire took.
func (m *Metrics) ObserveAcquireWait(d time.Duration) {
	if m == nil {
		return
	}
	m.poolAcquireWait.Observe(d.Seconds())
}

// IncPoolExhausted counts an acquisition timeout.
func (m *Metrics) IncPoolExhausted() {
	if m == nil {
		return
	}
	m.poolExhausted.Inc()
}

// IncPoolOpened counts a dialed connection.
func (m *Metrics) IncPoolOpened() {
	if m == nil {
		return
	}
	m.poolOpened.Inc()
}

// IncPoolLost counts a connection discarded because it was closed.
func (m *Metrics) IncPoolLost() {
	if m == nil {
		return
	}
	m.poolLost.Inc()
}

// ClientConnected marks a push client as active.
func (m *Metrics) ClientConnected(mode string) {
	if m == nil {
		return
	}
	m.clients.WithLabelValues(mode).Inc()
}

// ClientDisconnected marks a push client as gone.
func (m *Metrics) ClientDisconnected(mode string) {
	if m == nil {
		return
	}
	m.clients.WithLabelValues(mode).Dec()
}

// IncMessages counts one pushed telemetry message.
func (m *Metrics) IncMessages(mode string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(mode).Inc()
}

// IncLoopExit counts a broadcaster loop ending in state.
func (m *Metrics) IncLoopExit(mode, state string) {
	if m == nil {
		return
	}
	m.loopExits.WithLabelValues(mode, state).Inc()
}

// IncRefresh counts a registry scan. ok reports whether it succeeded.
func (m *Metrics) IncRefresh(ok bool) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(result(ok)).Inc()
}

// ObserveSweep counts a retention sweep and the streams it deleted.
func (m *Metrics) ObserveSweep(deleted int, ok bool) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(result(ok)).Inc()
	m.sweepDeleted.Add(float64(deleted))
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
