package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the protocol-level prometheus collectors for one node.
// Constructed per-node (rather than via global promauto vars) so multiple
// nodes in the same process — as the end-to-end tests spin up — don't
// collide on metric registration.
type Metrics struct {
	ProbesSent        prometheus.Counter
	AcksReceived      prometheus.Counter
	IndirectProbes    prometheus.Counter
	Suspicions        prometheus.Counter
	Deaths            prometheus.Counter
	GossipSent        prometheus.Counter
	GossipMerged      prometheus.Counter
	AntiEntropyRounds prometheus.Counter
	DecodeErrors      prometheus.Counter
}

// NewMetrics constructs and registers a fresh Metrics set on registry.
// Pass prometheus.NewRegistry() for an isolated registry (tests, multiple
// nodes); pass prometheus.DefaultRegisterer to expose process-wide metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ProbesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "swimd", Subsystem: "protocol", Name: "probes_sent_total",
			Help: "Total direct probes sent.",
		}),
		AcksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "swimd", Subsystem: "protocol", Name: "acks_received_total",
			Help: "Total ack/ping_ack messages received.",
		}),
		IndirectProbes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "swimd", Subsystem: "protocol", Name: "indirect_probes_total",
			Help: "Total indirect ping-req fan-outs issued.",
		}),
		Suspicions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "swimd", Subsystem: "protocol", Name: "suspicions_total",
			Help: "Total alive->suspect transitions.",
		}),
		Deaths: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "swimd", Subsystem: "protocol", Name: "deaths_total",
			Help: "Total members declared dead.",
		}),
		GossipSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "swimd", Subsystem: "gossip", Name: "messages_sent_total",
			Help: "Total state_update messages sent.",
		}),
		GossipMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "swimd", Subsystem: "gossip", Name: "updates_merged_total",
			Help: "Total incoming state updates applied (not skipped as stale).",
		}),
		AntiEntropyRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "swimd", Subsystem: "gossip", Name: "anti_entropy_rounds_total",
			Help: "Total anti-entropy snapshot exchanges initiated.",
		}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "swimd", Subsystem: "transport", Name: "decode_errors_total",
			Help: "Total inbound datagrams dropped due to decode failure.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ProbesSent, m.AcksReceived, m.IndirectProbes, m.Suspicions,
			m.Deaths, m.GossipSent, m.GossipMerged, m.AntiEntropyRounds, m.DecodeErrors)
	}
	return m
}
