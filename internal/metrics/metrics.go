// Package metrics instruments the connection engine, call registries and
// structure exchange with Prometheus collectors, grounded on the
// prometheus wiring in runZeroInc-conniver/sockstats and nabbar-golib from
// the reference pack (the teacher itself carries no metrics dependency;
// none of minimega's other-domain libraries cover this concern).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Set is the collector bundle one protocol worker registers once at
// startup and shares across every peer connection it owns.
type Set struct {
	AckWindowDepth        *prometheus.GaugeVec
	BulkSuppressed        *prometheus.CounterVec
	CriticalPingNotified  *prometheus.CounterVec
	RPCTimeouts           prometheus.Counter
	PullTimeouts          prometheus.Counter
	StructureExchangeBacklog *prometheus.GaugeVec
}

// NewSet builds and registers a fresh metrics bundle against reg. Passing
// prometheus.NewRegistry() (rather than the global DefaultRegisterer)
// keeps multiple protocol workers in a test binary from colliding.
func NewSet(reg prometheus.Registerer) *Set {
	s := &Set{
		AckWindowDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "netcore",
			Subsystem: "connection",
			Name:      "ack_window_depth",
			Help:      "Non-acknowledged packets currently outstanding on a connection.",
		}, []string{"peer", "kind"}),
		BulkSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netcore",
			Subsystem: "connection",
			Name:      "bulk_suppressed_total",
			Help:      "Low-priority sends withheld because the bulk ack window was saturated.",
		}, []string{"peer"}),
		CriticalPingNotified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netcore",
			Subsystem: "connection",
			Name:      "critical_ping_notified_total",
			Help:      "Times the critical-ping watchdog notified terminal destinations of connection loss.",
		}, []string{"peer"}),
		RPCTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netcore",
			Subsystem: "callreg",
			Name:      "rpc_timeouts_total",
			Help:      "RPC calls evicted from calls_awaiting_response after their timeout elapsed.",
		}),
		PullTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netcore",
			Subsystem: "callreg",
			Name:      "pull_timeouts_total",
			Help:      "Pull calls evicted from pull_calls_awaiting_response after their deadline elapsed.",
		}),
		StructureExchangeBacklog: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "netcore",
			Subsystem: "structure",
			Name:      "exchange_backlog",
			Help:      "Structure-intake tasks deferred for retry because the structure mutex was contested.",
		}, []string{"peer"}),
	}

	reg.MustRegister(
		s.AckWindowDepth,
		s.BulkSuppressed,
		s.CriticalPingNotified,
		s.RPCTimeouts,
		s.PullTimeouts,
		s.StructureExchangeBacklog,
	)
	return s
}
