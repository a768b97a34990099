package telephony

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports call lifecycle counters. A nil *Metrics is a no-op.
type Metrics struct {
	callsPlaced       prometheus.Counter
	admissionDenied   prometheus.Counter
	placementFailures *prometheus.CounterVec
	webhooks          *prometheus.CounterVec
	callsEnded        *prometheus.CounterVec
}

// NewMetrics registers the call metrics on reg. registry backs the active-calls gauge.
func NewMetrics(reg prometheus.Registerer, registry *CallRegistry) *Metrics {
	m := &Metrics{
		callsPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voice_bridge",
			Name:      "calls_placed_total",
			Help:      "Outbound calls accepted by the carrier.",
		}),
		admissionDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voice_bridge",
			Name:      "admission_denied_total",
			Help:      "Outbound call attempts rejected by the rate limiter.",
		}),
		placementFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voice_bridge",
			Name:      "placement_failures_total",
			Help:      "Outbound call attempts that failed before tracking.",
		}, []string{"reason"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voice_bridge",
			Name:      "webhooks_total",
			Help:      "Carrier webhooks received by kind and outcome.",
		}, []string{"kind", "outcome"}),
		callsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voice_bridge",
			Name:      "calls_ended_total",
			Help:      "Tracked calls that reached a terminal status.",
		}, []string{"status"}),
	}

	reg.MustRegister(m.callsPlaced, m.admissionDenied, m.placementFailures, m.webhooks, m.callsEnded)
	if registry != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "voice_bridge",
			Name:      "active_calls",
			Help:      "Calls currently tracked in the registry.",
		}, func() float64 { return float64(registry.Len()) }))
	}
	return m
}

func (m *Metrics) callPlaced() {
	if m != nil {
		m.callsPlaced.Inc()
	}
}

func (m *Metrics) callRejected() {
	if m != nil {
		m.admissionDenied.Inc()
	}
}

func (m *Metrics) placementFailed(reason string) {
	if m != nil {
		m.placementFailures.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) webhook(kind, outcome string) {
	if m != nil {
		m.webhooks.WithLabelValues(kind, outcome).Inc()
	}
}

func (m *Metrics) callEnded(status CallStatus) {
	if m != nil {
		m.callsEnded.WithLabelValues(string(status)).Inc()
	}
}
