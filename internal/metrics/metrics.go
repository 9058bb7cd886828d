// Package metrics holds the Prometheus collectors shared by the engine,
// ledger and live fan-out.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "missionline_transitions_total",
		Help: "Mission lifecycle transitions by action and result",
	}, []string{"action", "result"})

	TransitionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "missionline_transition_duration_seconds",
		Help:    "Time spent applying a mission transition, locks included",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	}, []string{"action"})

	LedgerEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "missionline_ledger_entries_total",
		Help: "Ledger entries appended by kind",
	}, []string{"kind"})

	LedgerIntegrityViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "missionline_ledger_integrity_violations_total",
		Help: "Wallets found with balance != sum(entries); any increase must page someone",
	})

	FanoutDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "missionline_fanout_delivered_total",
		Help: "Events enqueued onto live channels",
	})

	FanoutDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "missionline_fanout_dropped_total",
		Help: "Events dropped per live channel, by reason",
	}, []string{"reason"})

	LiveChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "missionline_live_channels",
		Help: "Currently registered live channels",
	})

	SideChannelFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "missionline_side_channel_failures_total",
		Help: "Best-effort collaborator calls that failed",
	}, []string{"collaborator"})
)
