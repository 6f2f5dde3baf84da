// Package metrics exposes Prometheus collectors for GET /metrics,
// grounded on the facebook/time sptp exporter's registry-per-process
// pattern.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector this server publishes.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsTotal   *prometheus.GaugeVec
	PendingPairs       prometheus.Gauge
	RelayPeersTotal    prometheus.Gauge
	RelayLoadRatio     prometheus.Histogram
	GossipRounds       prometheus.Counter
	MembersSuspect     prometheus.Gauge
	MembersFailedTotal prometheus.Counter
	RendezvousMatches  *prometheus.CounterVec
	MessagesRateLimited prometheus.Counter
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		ConnectionsTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "signalcore",
			Name:      "connections_total",
			Help:      "Currently open sockets by classification (signaling, relay, federation, unbound).",
		}, []string{"class"}),
		PendingPairs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "signalcore",
			Name:      "pending_pair_requests",
			Help:      "Pair requests awaiting a response.",
		}),
		RelayPeersTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "signalcore",
			Name:      "relay_peers_total",
			Help:      "Registered relay peers.",
		}),
		RelayLoadRatio: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "signalcore",
			Name:      "relay_load_ratio",
			Help:      "Observed current_load/max_connections ratio on relay load reports.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}),
		GossipRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "signalcore",
			Name:      "gossip_rounds_total",
			Help:      "Completed SWIM gossip rounds.",
		}),
		MembersSuspect: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "signalcore",
			Name:      "members_suspect",
			Help:      "Members currently in the suspect state.",
		}),
		MembersFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "signalcore",
			Name:      "members_failed_total",
			Help:      "Members that transitioned to failed.",
		}),
		RendezvousMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signalcore",
			Name:      "rendezvous_matches_total",
			Help:      "Rendezvous matches produced, by kind (dead_drop, live).",
		}, []string{"kind"}),
		MessagesRateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "signalcore",
			Name:      "messages_rate_limited_total",
			Help:      "Inbound messages dropped by the per-socket rate limiter.",
		}),
	}

	reg.MustRegister(
		m.ConnectionsTotal, m.PendingPairs, m.RelayPeersTotal, m.RelayLoadRatio,
		m.GossipRounds, m.MembersSuspect, m.MembersFailedTotal, m.RendezvousMatches,
		m.MessagesRateLimited,
	)
	return m
}

// Handler returns the HTTP handler for GET /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
