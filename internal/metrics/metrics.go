// Package metrics exposes the counters and gauges the run loops update,
// served in Prometheus text exposition format at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// DispatcherOutcomes counts claimed recommendations by terminal outcome
	// (executed, simulated, skipped, failed).
	DispatcherOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_dispatcher_outcomes_total",
			Help: "Recommendations processed by terminal outcome",
		},
		[]string{"outcome"},
	)

	// ReapedRecommendations counts rows reset from PROCESSING back to PENDING.
	ReapedRecommendations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trader_reaped_recommendations_total",
			Help: "Stuck PROCESSING recommendations reset to PENDING",
		},
	)

	// BrokerFallbacks counts real-path failures that degraded to simulation.
	BrokerFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trader_broker_fallbacks_total",
			Help: "Real broker executions that fell back to simulation",
		},
	)

	// ExitReasons counts closed positions split by normalized exit reason.
	ExitReasons = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_exit_reasons_total",
			Help: "Positions closed split by exit reason",
		},
		[]string{"reason"},
	)

	// HistoryInsertFailures counts lost PositionHistory writes. Any nonzero
	// value is a data-loss event and should alert.
	HistoryInsertFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trader_history_insert_failures_total",
			Help: "PositionHistory inserts that failed after a close",
		},
	)

	// OpenPositions is the number of positions currently being monitored.
	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trader_open_positions",
			Help: "Open positions under management",
		},
	)

	// AccountEquity is the last observed account equity.
	AccountEquity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trader_account_equity_usd",
			Help: "Account equity in USD",
		},
	)
)

func init() {
	prometheus.MustRegister(
		DispatcherOutcomes,
		ReapedRecommendations,
		BrokerFallbacks,
		ExitReasons,
		HistoryInsertFailures,
		OpenPositions,
		AccountEquity,
	)
}
