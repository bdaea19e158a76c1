package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	SessionEvents    *prometheus.CounterVec
	RoutingDecisions *prometheus.CounterVec
	AuthTransitions  *prometheus.CounterVec
	ProviderCalls    *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec
	HandoffTickets   *prometheus.CounterVec
	HandoffWait      prometheus.Histogram
	PendingHandoffs  prometheus.Gauge
	WSMessages       *prometheus.CounterVec
	TurnLatency      prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

// NewMetricsWith registers the instruments on reg.
func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		RoutingDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_decisions_total",
			Help:      "Routing decisions by outcome.",
		}, []string{"decision"}),
		AuthTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_transitions_total",
			Help:      "Auth state machine transitions by resulting state.",
		}, []string{"state"}),
		ProviderCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Capability provider calls by capability and outcome.",
		}, []string{"capability", "outcome"}),
		ProviderLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_latency_ms",
			Help:      "Capability provider call latency in milliseconds.",
			Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"capability"}),
		HandoffTickets: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoff_tickets_total",
			Help:      "Handoff ticket transitions by resulting state.",
		}, []string{"state"}),
		HandoffWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handoff_wait_seconds",
			Help:      "Time from dispatch to resolution or timeout.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600},
		}),
		PendingHandoffs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_handoffs",
			Help:      "Tickets currently awaiting a human reply.",
		}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		TurnLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_latency_ms",
			Help:      "End-to-end HandleMessage latency in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000},
		}),
	}
}

func (m *Metrics) IncSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) IncDecision(decision string) {
	if m == nil {
		return
	}
	m.RoutingDecisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) IncAuthTransition(state string) {
	if m == nil {
		return
	}
	m.AuthTransitions.WithLabelValues(state).Inc()
}

func (m *Metrics) ObserveProviderCall(capability, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ProviderCalls.WithLabelValues(capability, outcome).Inc()
	m.ProviderLatency.WithLabelValues(capability).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) IncTicketState(state string) {
	if m == nil {
		return
	}
	m.HandoffTickets.WithLabelValues(state).Inc()
}

func (m *Metrics) ObserveHandoffWait(d time.Duration) {
	if m == nil {
		return
	}
	m.HandoffWait.Observe(d.Seconds())
}

func (m *Metrics) AddPendingHandoffs(delta float64) {
	if m == nil {
		return
	}
	m.PendingHandoffs.Add(delta)
}

func (m *Metrics) IncWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) ObserveTurnLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.TurnLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
