// Package metrics provides Prometheus metrics for the server.
//
// Metrics are optional: a nil registry yields a no-op implementation, so the
// server code records unconditionally.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Direction labels for RecordBytesTransferred
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// ServerMetrics collects connection, request and transfer metrics
type ServerMetrics interface {
	// RecordConnectionAccepted counts a connection bound to reactor
	RecordConnectionAccepted(reactor int)

	// RecordConnectionClosed counts a connection torn down normally
	RecordConnectionClosed()

	// RecordConnectionForceClosed counts a connection closed because the
	// shutdown deadline passed
	RecordConnectionForceClosed()

	// SetActiveConnections updates the current connection count
	SetActiveConnections(count int)

	// RecordRequest records one answered request by status code
	RecordRequest(status int, duration time.Duration)

	// RecordBytesTransferred records bytes read (in) or written (out)
	RecordBytesTransferred(direction string, bytes int64)

	// RecordTransferStart increments the in-flight file transfer gauge
	RecordTransferStart()

	// RecordTransferEnd decrements it and counts the outcome
	RecordTransferEnd(err error)
}

type serverMetrics struct {
	connectionsAccepted    *prometheus.CounterVec
	connectionsClosed      prometheus.Counter
	connectionsForceClosed prometheus.Counter
	activeConnections      prometheus.Gauge
	requestsTotal          *prometheus.CounterVec
	requestDuration        prometheus.Histogram
	bytesTransferred       *prometheus.CounterVec
	transfersInFlight      prometheus.Gauge
	transfersTotal         *prometheus.CounterVec
}

// New creates Prometheus-backed metrics registered on reg. A nil reg returns
// the no-op implementation.
func New(reg *prometheus.Registry) ServerMetrics {
	if reg == nil {
		return NewNoop()
	}

	return &serverMetrics{
		connectionsAccepted: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunkserver_connections_accepted_total",
				Help: "Total number of connections accepted, by reactor",
			},
			[]string{"reactor"},
		),
		connectionsClosed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "chunkserver_connections_closed_total",
				Help: "Total number of connections closed",
			},
		),
		connectionsForceClosed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "chunkserver_connections_force_closed_total",
				Help: "Total number of connections force-closed during shutdown timeout",
			},
		),
		activeConnections: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "chunkserver_active_connections",
				Help: "Current number of open connections",
			},
		),
		requestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunkserver_requests_total",
				Help: "Total number of requests by response status",
			},
			[]string{"status"},
		),
		requestDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name: "chunkserver_request_duration_seconds",
				Help: "Time from parsed request to the response being started",
				Buckets: []float64{
					0.0001, // 100µs
					0.001,  // 1ms
					0.01,   // 10ms
					0.1,    // 100ms
					1,      // 1s
				},
			},
		),
		bytesTransferred: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunkserver_bytes_transferred_total",
				Help: "Total bytes read from and written to clients",
			},
			[]string{"direction"},
		),
		transfersInFlight: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "chunkserver_file_transfers_in_flight",
				Help: "Current number of chunked file transfers",
			},
		),
		transfersTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "chunkserver_file_transfers_total",
				Help: "Total number of finished file transfers by outcome",
			},
			[]string{"status"},
		),
	}
}

func (m *serverMetrics) RecordConnectionAccepted(reactor int) {
	m.connectionsAccepted.WithLabelValues(strconv.Itoa(reactor)).Inc()
}

func (m *serverMetrics) RecordConnectionClosed() {
	m.connectionsClosed.Inc()
}

func (m *serverMetrics) RecordConnectionForceClosed() {
	m.connectionsForceClosed.Inc()
}

func (m *serverMetrics) SetActiveConnections(count int) {
	m.activeConnections.Set(float64(count))
}

func (m *serverMetrics) RecordRequest(status int, duration time.Duration) {
	m.requestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	m.requestDuration.Observe(duration.Seconds())
}

func (m *serverMetrics) RecordBytesTransferred(direction string, bytes int64) {
	m.bytesTransferred.WithLabelValues(direction).Add(float64(bytes))
}

func (m *serverMetrics) RecordTransferStart() {
	m.transfersInFlight.Inc()
}

func (m *serverMetrics) RecordTransferEnd(err error) {
	m.transfersInFlight.Dec()

	status := "success"
	if err != nil {
		status = "error"
	}
	m.transfersTotal.WithLabelValues(status).Inc()
}

// noopMetrics is a no-op implementation of ServerMetrics
type noopMetrics struct{}

// NewNoop returns metrics that record nothing
func NewNoop() ServerMetrics {
	return noopMetrics{}
}

func (noopMetrics) RecordConnectionAccepted(reactor int)                 {}
func (noopMetrics) RecordConnectionClosed()                              {}
func (noopMetrics) RecordConnectionForceClosed()                         {}
func (noopMetrics) SetActiveConnections(count int)                       {}
func (noopMetrics) RecordRequest(status int, duration time.Duration)     {}
func (noopMetrics) RecordBytesTransferred(direction string, bytes int64) {}
func (noopMetrics) RecordTransferStart()                                 {}
func (noopMetrics) RecordTransferEnd(err error)                          {}
