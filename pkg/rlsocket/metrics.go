package rlsocket

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	sideServer = "server"
	sideClient = "client"
)

var (
	registerOnce sync.Once

	sessionsAdmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rlsocket",
			Subsystem: "sessions",
			Name:      "admitted_total",
			Help:      "Sessions registered by the server.",
		},
		[]string{"name"},
	)
	sessionsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rlsocket",
			Subsystem: "sessions",
			Name:      "rejected_total",
			Help:      "Accepted sockets closed before registration.",
		},
		[]string{"name", "reason"},
	)
	activeConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "rlsocket",
			Subsystem: "connections",
			Name:      "active",
			Help:      "Connections with a running event loop.",
		},
		[]string{"name", "side"},
	)
	framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rlsocket",
			Subsystem: "frames",
			Name:      "dropped_total",
			Help:      "Frames skipped after a recoverable decode error.",
		},
		[]string{"name", "side"},
	)
	frameErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rlsocket",
			Subsystem: "frames",
			Name:      "fatal_errors_total",
			Help:      "Decode errors that closed the connection.",
		},
		[]string{"name", "side"},
	)
	flushFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rlsocket",
			Subsystem: "writes",
			Name:      "flush_failures_total",
			Help:      "Outbound messages that were not written to the socket.",
		},
		[]string{"name", "side"},
	)
)

// RegisterMetrics регистрирует метрики библиотеки в prometheus.DefaultRegisterer.
// Повторные вызовы ничего не делают.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			sessionsAdmitted,
			sessionsRejected,
			activeConnections,
			framesDropped,
			frameErrors,
			flushFailures,
		)
	})
}

func recordAdmitted(name string) {
	RegisterMetrics()
	sessionsAdmitted.WithLabelValues(name).Inc()
}

func recordRejected(name, reason string) {
	RegisterMetrics()
	sessionsRejected.WithLabelValues(name, reason).Inc()
}

func recordConnectionOpened(name, side string) {
	RegisterMetrics()
	activeConnections.WithLabelValues(name, side).Inc()
}

func recordConnectionClosed(name, side string) {
	RegisterMetrics()
	activeConnections.WithLabelValues(name, side).Dec()
}

func recordFrameDropped(name, side string) {
	RegisterMetrics()
	framesDropped.WithLabelValues(name, side).Inc()
}

func recordFrameError(name, side string) {
	RegisterMetrics()
	frameErrors.WithLabelValues(name, side).Inc()
}

func recordFlushFailure(name, side string) {
	RegisterMetrics()
	flushFailures.WithLabelValues(name, side).Inc()
}
