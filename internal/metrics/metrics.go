// Package metrics exposes transport counters on a caller supplied registry.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Drop reasons.
const (
	ReasonDecode    = "decode"
	ReasonEncode    = "encode"
	ReasonKind      = "kind"
	ReasonChannel   = "channel"
	ReasonUnmatched = "unmatched"
)

type Metrics struct {
	Published *prometheus.CounterVec
	Received  *prometheus.CounterVec
	Dropped   *prometheus.CounterVec
	Pending   prometheus.Gauge
}

// New registers the transport collectors on reg. A nil reg keeps them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "transport",
			Name:      "published_total",
			Help:      "Messages published to the broker.",
		}, []string{"endpoint"}),
		Received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "transport",
			Name:      "received_total",
			Help:      "Messages delivered by the broker.",
		}, []string{"endpoint"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "transport",
			Name:      "dropped_total",
			Help:      "Inbound or outbound messages discarded.",
		}, []string{"endpoint", "reason"}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "transport",
			Name:      "pending_requests",
			Help:      "Requests awaiting a response.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Published, m.Received, m.Dropped, m.Pending)
	}
	return m
}
