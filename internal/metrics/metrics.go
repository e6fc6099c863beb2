// Package metrics exposes lanchat counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lanchat"

// Rejection reasons for inbound connections.
const (
	ReasonBusy        = "busy"
	ReasonRateLimited = "rate_limited"
)

// Send results.
const (
	ResultOK             = "ok"
	ResultUnknownContact = "unknown_contact"
	ResultTooLarge       = "too_large"
	ResultConnectFailed  = "connect_failed"
	ResultSendFailed     = "send_failed"
	ResultNoSession      = "no_session"
)

// Metrics holds the process collectors. Every method is safe on a nil
// receiver so components can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	connsAccepted  prometheus.Counter
	connsRejected  *prometheus.CounterVec
	envelopes      *prometheus.CounterVec
	protocolErrors prometheus.Counter
	decryptErrors  prometheus.Counter
	keysLearned    prometheus.Counter
	sends          *prometheus.CounterVec
	activeHandlers prometheus.Gauge
	trackedOrigins prometheus.Gauge
}

// New creates and registers the collectors on a private registry that also
// carries the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		connsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "connections_accepted_total",
			Help:      "Inbound connections handed to a handler.",
		}),
		connsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "connections_rejected_total",
			Help:      "Inbound connections closed without being read.",
		}, []string{"reason"}),
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "envelopes_received_total",
			Help:      "Decoded inbound envelopes by type.",
		}, []string{"type"}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "protocol_errors_total",
			Help:      "Inbound connections that did not carry a valid envelope.",
		}),
		decryptErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "decrypt_failures_total",
			Help:      "Inbound messages that could not be decrypted or decoded.",
		}),
		keysLearned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "keys_learned_total",
			Help:      "Public keys persisted from key exchange.",
		}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "sends_total",
			Help:      "Outbound send attempts by result.",
		}, []string{"result"}),
		activeHandlers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "active_handlers",
			Help:      "Connection handlers currently running.",
		}),
		trackedOrigins: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "rate_limited_origins",
			Help:      "Origins with a live rate limit bucket.",
		}),
	}

	reg.MustRegister(
		m.connsAccepted,
		m.connsRejected,
		m.envelopes,
		m.protocolErrors,
		m.decryptErrors,
		m.keysLearned,
		m.sends,
		m.activeHandlers,
		m.trackedOrigins,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry, mainly for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

func (m *Metrics) ConnAccepted() {
	if m == nil {
		return
	}
	m.connsAccepted.Inc()
}

func (m *Metrics) ConnRejected(reason string) {
	if m == nil {
		return
	}
	m.connsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) EnvelopeReceived(kind string) {
	if m == nil {
		return
	}
	m.envelopes.WithLabelValues(kind).Inc()
}

func (m *Metrics) ProtocolError() {
	if m == nil {
		return
	}
	m.protocolErrors.Inc()
}

func (m *Metrics) DecryptFailure() {
	if m == nil {
		return
	}
	m.decryptErrors.Inc()
}

func (m *Metrics) KeyLearned() {
	if m == nil {
		return
	}
	m.keysLearned.Inc()
}

func (m *Metrics) Send(result string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(result).Inc()
}

// HandlerStarted and HandlerDone track in-flight connection handlers.
func (m *Metrics) HandlerStarted() {
	if m == nil {
		return
	}
	m.activeHandlers.Inc()
}

func (m *Metrics) HandlerDone() {
	if m == nil {
		return
	}
	m.activeHandlers.Dec()
}

// TrackedOrigins records how many origins the rate limiter remembers.
func (m *Metrics) TrackedOrigins(n int) {
	if m == nil {
		return
	}
	m.trackedOrigins.Set(float64(n))
}
