package server

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of one Server. All Record methods
// are safe on a nil receiver so tests can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	activeConnections prometheus.Gauge
	connectionsTotal  prometheus.Counter
	commandsReceived  *prometheus.CounterVec
	malformedFrames   prometheus.Counter
	eventsSent        *prometheus.CounterVec
	eventsPublished   *prometheus.CounterVec
	subscribersDrop   prometheus.Counter
	messagesPosted    prometheus.Counter
	duplicates        prometheus.Counter
	authAttempts      *prometheus.CounterVec
	storeErrors       *prometheus.CounterVec
	clockRegressions  prometheus.Counter
	httpRequests      *prometheus.CounterVec
}

// NewMetrics creates the collectors on a fresh registry, so several servers
// (e.g. in tests) never collide on registration.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "golem_active_connections",
			Help: "WebSocket connections currently open",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "golem_connections_total",
			Help: "WebSocket connections accepted",
		}),
		commandsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "golem_commands_received_total",
			Help: "Client commands received, by kind",
		}, []string{"kind"}),
		malformedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "golem_malformed_frames_total",
			Help: "Inbound frames that could not be decoded",
		}),
		eventsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "golem_events_sent_total",
			Help: "Events written to clients, by kind",
		}, []string{"kind"}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "golem_events_published_total",
			Help: "Envelopes published to room hubs, by target",
		}, []string{"target"}),
		subscribersDrop: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "golem_subscribers_dropped_total",
			Help: "Connections dropped for not keeping up with their room",
		}),
		messagesPosted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "golem_messages_posted_total",
			Help: "Messages stored",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "golem_duplicates_suppressed_total",
			Help: "Posts suppressed by a repeated dedup id",
		}),
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "golem_auth_attempts_total",
			Help: "Authentication attempts, by result",
		}, []string{"result"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "golem_store_errors_total",
			Help: "Store failures, by operation",
		}, []string{"op"}),
		clockRegressions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "golem_clock_regressions_total",
			Help: "Id allocations refused because the clock moved backwards",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "golem_http_requests_total",
			Help: "HTTP API requests, by route and status",
		}, []string{"route", "status"}),
	}

	reg.MustRegister(
		m.activeConnections, m.connectionsTotal, m.commandsReceived, m.malformedFrames,
		m.eventsSent, m.eventsPublished, m.subscribersDrop, m.messagesPosted,
		m.duplicates, m.authAttempts, m.storeErrors, m.clockRegressions, m.httpRequests,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordConnectionOpened() {
	if m == nil {
		return
	}
	m.connectionsTotal.Inc()
	m.activeConnections.Inc()
}

func (m *Metrics) RecordConnectionClosed() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}

func (m *Metrics) RecordCommand(kind string) {
	if m == nil {
		return
	}
	m.commandsReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordMalformedFrame() {
	if m == nil {
		return
	}
	m.malformedFrames.Inc()
}

func (m *Metrics) RecordEventSent(kind string) {
	if m == nil {
		return
	}
	m.eventsSent.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordPublish(target string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(target).Inc()
}

func (m *Metrics) RecordSubscriberDropped() {
	if m == nil {
		return
	}
	m.subscribersDrop.Inc()
}

func (m *Metrics) RecordMessagePosted() {
	if m == nil {
		return
	}
	m.messagesPosted.Inc()
}

func (m *Metrics) RecordDuplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

// RecordAuth counts an attempt; result is "success", "invalid" or "error".
func (m *Metrics) RecordAuth(result string) {
	if m == nil {
		return
	}
	m.authAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordStoreError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) RecordClockRegression() {
	if m == nil {
		return
	}
	m.clockRegressions.Inc()
}

func (m *Metrics) RecordHTTPRequest(route string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}
