// Package metrics provides Prometheus metrics for wsrest.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "wsrest"

const (
	ReasonDecode    = "decode"
	ReasonTransport = "transport"
	ReasonCodec     = "codec"
	ReasonHeartbeat = "heartbeat"
	ReasonHandshake = "handshake"

	DirectionIn  = "in"
	DirectionOut = "out"

	LayerLogical = "logical"
	LayerSocket  = "socket"
)

// Metrics holds all Prometheus metrics for wsrest. All methods are safe
// to call on a nil receiver, so instrumentation can be left unconfigured.
type Metrics struct {
	Registry *prometheus.Registry

	framesTotal       *prometheus.CounterVec
	bytesTotal        *prometheus.CounterVec
	connectionErrors  *prometheus.CounterVec
	heartbeatFailures prometheus.Counter
	activeConnections *prometheus.GaugeVec
	requestDuration   *prometheus.HistogramVec
	callbackTimeouts  *prometheus.CounterVec
}

// New creates a new Metrics instance with a custom Prometheus registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Total logical frames processed, by protocol and direction.",
		}, []string{"protocol", "direction"}),

		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Total payload bytes, logical (pre-encode/post-decode) and socket (on the wire).",
		}, []string{"protocol", "direction", "layer"}),

		connectionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_errors_total",
			Help:      "Total number of connection errors, by reason.",
		}, []string{"reason"}),

		heartbeatFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_failures_total",
			Help:      "Total number of failed heartbeat ping sends.",
		}),

		activeConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of currently running connection engines.",
		}, []string{"protocol"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Duration of inbound request handler invocations in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"protocol"}),

		callbackTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callback_timeouts_total",
			Help:      "Total SendAndWait calls that gave up waiting for an answer.",
		}, []string{"protocol"}),
	}

	reg.MustRegister(
		m.framesTotal,
		m.bytesTotal,
		m.connectionErrors,
		m.heartbeatFailures,
		m.activeConnections,
		m.requestDuration,
		m.callbackTimeouts,
	)

	return m
}

// ConnectionOpened increments the active connection gauge and should be
// called when an engine starts. Returns a ConnectionTracker to record the
// connection counters when it ends.
func (m *Metrics) ConnectionOpened(protocol string) *ConnectionTracker {
	if m == nil {
		return nil
	}
	m.activeConnections.WithLabelValues(protocol).Inc()
	return &ConnectionTracker{m: m, protocol: protocol}
}

// ConnectionError records a connection failure, by reason.
func (m *Metrics) ConnectionError(reason string) {
	if m == nil {
		return
	}
	m.connectionErrors.WithLabelValues(reason).Inc()
}

// HeartbeatFailure records one failed ping send.
func (m *Metrics) HeartbeatFailure() {
	if m == nil {
		return
	}
	m.heartbeatFailures.Inc()
}

// ObserveRequestDuration records how long an inbound request handler took.
func (m *Metrics) ObserveRequestDuration(protocol string, d time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(protocol).Observe(d.Seconds())
}

// CallbackTimeout records one SendAndWait answer timeout.
func (m *Metrics) CallbackTimeout(protocol string) {
	if m == nil {
		return
	}
	m.callbackTimeouts.WithLabelValues(protocol).Inc()
}

// ConnectionTracker records the final counters of a single connection.
type ConnectionTracker struct {
	m        *Metrics
	protocol string
}

// Done folds the protocol's per-connection counters into the process
// totals and decrements the active gauge. Safe to call on a nil receiver.
func (t *ConnectionTracker) Done(framesIn, framesOut, bytesIn, bytesOut, bytesInSocket, bytesOutSocket int64) {
	if t == nil {
		return
	}
	t.m.activeConnections.WithLabelValues(t.protocol).Dec()
	t.m.framesTotal.WithLabelValues(t.protocol, DirectionIn).Add(float64(framesIn))
	t.m.framesTotal.WithLabelValues(t.protocol, DirectionOut).Add(float64(framesOut))
	t.m.bytesTotal.WithLabelValues(t.protocol, DirectionIn, LayerLogical).Add(float64(bytesIn))
	t.m.bytesTotal.WithLabelValues(t.protocol, DirectionOut, LayerLogical).Add(float64(bytesOut))
	t.m.bytesTotal.WithLabelValues(t.protocol, DirectionIn, LayerSocket).Add(float64(bytesInSocket))
	t.m.bytesTotal.WithLabelValues(t.protocol, DirectionOut, LayerSocket).Add(float64(bytesOutSocket))
}
