// Package metrics exports Prometheus metrics of the sync core. All methods
// are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace   = "whiteboard"
	opKindLabel = "op_kind"
	reasonLabel = "reason"
)

// Metrics manages the metric information of the whiteboard server.
type Metrics struct {
	registry *prometheus.Registry

	residentRooms prometheus.Gauge
	liveSessions  prometheus.Gauge

	operationsApplied *prometheus.CounterVec
	operationsDropped *prometheus.CounterVec

	loads       prometheus.Counter
	loadsFailed prometheus.Counter

	writes        prometheus.Counter
	writesFailed  prometheus.Counter
	writeSeconds  prometheus.Histogram
	evictions     prometheus.Counter
	roomsExpired  prometheus.Counter
	joinsRejected *prometheus.CounterVec
}

// NewMetrics creates a new instance of Metrics on its own registry.
func NewMetrics() (*Metrics, error) {
	reg := prometheus.NewRegistry()

	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("register process collector: %w", err)
	}
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("register go collector: %w", err)
	}

	return &Metrics{
		registry: reg,
		residentRooms: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rooms",
			Name:      "resident",
			Help:      "The number of rooms whose snapshot is held in memory.",
		}),
		liveSessions: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "live",
			Help:      "The number of sessions joined to a room.",
		}),
		operationsApplied: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mutations",
			Name:      "applied_total",
			Help:      "The total count of element operations applied to a resident room.",
		}, []string{opKindLabel}),
		operationsDropped: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mutations",
			Name:      "dropped_total",
			Help:      "The total count of element operations that were rejected.",
		}, []string{opKindLabel, reasonLabel}),
		loads: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rooms",
			Name:      "loads_total",
			Help:      "The total count of snapshot loads from the durable store.",
		}),
		loadsFailed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rooms",
			Name:      "loads_failed_total",
			Help:      "The total count of loads that failed and started the room empty.",
		}),
		writes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persistence",
			Name:      "writes_total",
			Help:      "The total count of snapshot writes to the durable store.",
		}),
		writesFailed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persistence",
			Name:      "writes_failed_total",
			Help:      "The total count of failed snapshot writes.",
		}),
		writeSeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "persistence",
			Name:      "write_seconds",
			Help:      "The duration of snapshot writes.",
		}),
		evictions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rooms",
			Name:      "evictions_total",
			Help:      "The total count of idle rooms freed from memory.",
		}),
		roomsExpired: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rooms",
			Name:      "expired_total",
			Help:      "The total count of rooms expired by the sweep.",
		}),
		joinsRejected: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "joins_rejected_total",
			Help:      "The total count of refused joins.",
		}, []string{reasonLabel}),
	}, nil
}

// Registry returns the registry of this metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SetResidentRooms(n int) {
	if m == nil {
		return
	}
	m.residentRooms.Set(float64(n))
}

func (m *Metrics) SetLiveSessions(n int) {
	if m == nil {
		return
	}
	m.liveSessions.Set(float64(n))
}

func (m *Metrics) AddOperationApplied(kind string) {
	if m == nil {
		return
	}
	m.operationsApplied.With(prometheus.Labels{opKindLabel: kind}).Inc()
}

func (m *Metrics) AddOperationDropped(kind, reason string) {
	if m == nil {
		return
	}
	m.operationsDropped.With(prometheus.Labels{opKindLabel: kind, reasonLabel: reason}).Inc()
}

// AddLoad counts a durable load; failed loads are counted separately too.
func (m *Metrics) AddLoad(failed bool) {
	if m == nil {
		return
	}
	m.loads.Inc()
	if failed {
		m.loadsFailed.Inc()
	}
}

// ObserveWrite records a durable write attempt.
func (m *Metrics) ObserveWrite(seconds float64, failed bool) {
	if m == nil {
		return
	}
	m.writes.Inc()
	m.writeSeconds.Observe(seconds)
	if failed {
		m.writesFailed.Inc()
	}
}

func (m *Metrics) AddEviction() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

func (m *Metrics) AddRoomExpired() {
	if m == nil {
		return
	}
	m.roomsExpired.Inc()
}

func (m *Metrics) AddJoinRejected(reason string) {
	if m == nil {
		return
	}
	m.joinsRejected.With(prometheus.Labels{reasonLabel: reason}).Inc()
}
