// Package metrics exposes matchmaking and HTTP instrumentation as Prometheus
// collectors. A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "roomshuffle"

// Reasons a relayed message is dropped.
const (
	DropNotInRoom   = "not_in_room"
	DropRateLimited = "rate_limited"
	DropBufferFull  = "buffer_full"
)

type Metrics struct {
	rooms             prometheus.Gauge
	assigned          prometheus.Gauge
	connections       prometheus.Gauge
	reshuffles        prometheus.Counter
	reshuffleDuration prometheus.Histogram
	relayed           prometheus.Counter
	dropped           *prometheus.CounterVec
	graceRejoins      prometheus.Counter
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// New registers every collector on reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "matchmaking",
			Name:      "rooms",
			Help:      "Current number of rooms.",
		}),
		assigned: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "matchmaking",
			Name:      "assigned_connections",
			Help:      "Connections currently placed in a room.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Live websocket connections.",
		}),
		reshuffles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "matchmaking",
			Name:      "reshuffles_total",
			Help:      "Completed global reshuffles.",
		}),
		reshuffleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "matchmaking",
			Name:      "reshuffle_duration_seconds",
			Help:      "Time spent rebuilding the room store during a reshuffle.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8), // 100µs .. ~1.6s
		}),
		relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "matchmaking",
			Name:      "messages_relayed_total",
			Help:      "Room messages delivered to a room.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "matchmaking",
			Name:      "messages_dropped_total",
			Help:      "Room messages dropped by reason.",
		}, []string{"reason"}),
		graceRejoins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "matchmaking",
			Name:      "grace_rejoins_total",
			Help:      "Reconnections that returned to their previous room.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		m.rooms,
		m.assigned,
		m.connections,
		m.reshuffles,
		m.reshuffleDuration,
		m.relayed,
		m.dropped,
		m.graceRejoins,
		m.httpRequests,
		m.httpDuration,
	)

	return m
}

func (m *Metrics) SetRooms(n int) {
	if m == nil {
		return
	}
	m.rooms.Set(float64(n))
}

func (m *Metrics) SetAssigned(n int) {
	if m == nil {
		return
	}
	m.assigned.Set(float64(n))
}

func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(n))
}

func (m *Metrics) ReshuffleCompleted(took time.Duration) {
	if m == nil {
		return
	}
	m.reshuffles.Inc()
	m.reshuffleDuration.Observe(took.Seconds())
}

func (m *Metrics) MessageRelayed() {
	if m == nil {
		return
	}
	m.relayed.Inc()
}

func (m *Metrics) MessageDropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) GraceRejoin() {
	if m == nil {
		return
	}
	m.graceRejoins.Inc()
}

func (m *Metrics) ObserveHTTP(method, route string, status int, took time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(took.Seconds())
}
