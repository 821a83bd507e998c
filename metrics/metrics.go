// Package metrics holds the Prometheus collectors of the plate server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Message results used as the "result" label.
const (
	ResultOK        = "ok"
	ResultError     = "error"
	ResultMalformed = "malformed"
)

// Metrics contains all collectors. A nil *Metrics records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	ConnectionsAccepted prometheus.Counter
	ActiveConnections   prometheus.Gauge

	MessagesHandled  *prometheus.CounterVec
	HandleDuration   prometheus.Histogram
	ParseErrors      prometheus.Counter
	DatagramsDropped prometheus.Counter

	SessionsEvicted prometheus.Counter

	HTTPRequests *prometheus.CounterVec
}

// New creates the collectors on a fresh registry together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		ConnectionsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "evermeet_connections_accepted_total",
			Help: "Total number of plate connections accepted",
		}),
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "evermeet_active_connections",
			Help: "Current number of open plate connections",
		}),

		MessagesHandled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "evermeet_messages_total",
			Help: "Total number of plate messages by result",
		}, []string{"result"}),
		HandleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "evermeet_message_duration_seconds",
			Help:    "Time spent handling a plate message",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		}),
		ParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "evermeet_parse_errors_total",
			Help: "Total number of frames that could not be parsed",
		}),
		DatagramsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "evermeet_datagrams_dropped_total",
			Help: "Total number of datagrams dropped because the queue was full",
		}),

		SessionsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "evermeet_sessions_evicted_total",
			Help: "Total number of idle sessions evicted",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "evermeet_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
	}
}

// RegisterSessionGauge exposes the live session count read from fn.
func (m *Metrics) RegisterSessionGauge(fn func() int) {
	if m == nil {
		return
	}
	promauto.With(m.Registry).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "evermeet_active_sessions",
		Help: "Current number of plate sessions",
	}, func() float64 { return float64(fn()) })
}

// ConnectionOpened records an accepted connection.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ConnectionsAccepted.Inc()
	m.ActiveConnections.Inc()
}

// ConnectionClosed records a closed connection.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

// RecordMessage counts a handled message and observes its duration.
func (m *Metrics) RecordMessage(result string, seconds float64) {
	if m == nil {
		return
	}
	m.MessagesHandled.WithLabelValues(result).Inc()
	m.HandleDuration.Observe(seconds)
}

// RecordParseError counts a malformed frame.
func (m *Metrics) RecordParseError() {
	if m == nil {
		return
	}
	m.ParseErrors.Inc()
	m.MessagesHandled.WithLabelValues(ResultMalformed).Inc()
}

// RecordDatagramDropped counts a datagram dropped by a full queue.
func (m *Metrics) RecordDatagramDropped() {
	if m == nil {
		return
	}
	m.DatagramsDropped.Inc()
}

// RecordEvictions adds n evicted sessions.
func (m *Metrics) RecordEvictions(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SessionsEvicted.Add(float64(n))
}

// RecordHTTPRequest counts an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
}
