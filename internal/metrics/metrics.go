package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "shelterlink"

// Delivery outcomes.
const (
	OutcomeDelivered = "delivered"
	OutcomeGone      = "gone"
	OutcomeFailed    = "failed"
)

// Metrics holds the fan-out and router instruments.
//
// Usage:
//
//	m := metrics.New(prometheus.DefaultRegisterer)
//	m.Deliveries.WithLabelValues("alert", metrics.OutcomeDelivered).Inc()
type Metrics struct {
	// Deliveries counts per-recipient delivery attempts.
	// Labels: action, outcome (delivered|gone|failed)
	Deliveries *prometheus.CounterVec

	// Recipients observes the resolved recipient count per broadcast.
	// Labels: target (all|role|user|shelter)
	Recipients *prometheus.HistogramVec

	// Messages counts inbound messages by action and router result.
	// Labels: action, result (dispatched|rejected|unauthorized|rate_limited|unknown_action)
	Messages *prometheus.CounterVec

	// Connections tracks live connections held by a relay process.
	Connections prometheus.Gauge
}

// New registers all instruments with reg. Pass a fresh prometheus.Registry in
// tests to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Deliveries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deliveries_total",
				Help:      "Per-recipient delivery attempts by action and outcome",
			},
			[]string{"action", "outcome"},
		),
		Recipients: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "broadcast_recipients",
				Help:      "Number of resolved recipients per broadcast",
				Buckets:   []float64{0, 1, 5, 10, 50, 100, 500, 1000},
			},
			[]string{"target"},
		),
		Messages: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_total",
				Help:      "Inbound messages by action and router result",
			},
			[]string{"action", "result"},
		),
		Connections: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connections",
				Help:      "Live WebSocket connections held by this process",
			},
		),
	}
}

// NewNop returns metrics registered nowhere.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
