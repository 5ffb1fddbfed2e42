// Package metrics exposes a small set of runtime counters/gauges at
// /metrics (§4 EXPANSION), grounded in the tradSys teacher's
// internal/metrics package shape. Scoped small since observability depth
// is explicitly out of this spec's core.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry is the set of PerpSim runtime metrics.
type Registry struct {
	BarsProcessed    *prometheus.CounterVec
	FundingApplied   prometheus.Counter
	PositionsOpened  *prometheus.CounterVec
	PositionsClosed  *prometheus.CounterVec
	OpenPositions    *prometheus.GaugeVec
	StrategyPanics   *prometheus.CounterVec
}

// New builds and registers the metric set against reg.
func New(reg prometheus.Registerer) *Registry {
	m := &Registry{
		BarsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perpsim_bars_processed_total",
			Help: "Closed bars processed, by interval.",
		}, []string{"interval"}),
		FundingApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perpsim_funding_applied_total",
			Help: "Funding settlements applied, counted once per strategy.",
		}),
		PositionsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perpsim_positions_opened_total",
			Help: "Positions opened, by strategy.",
		}, []string{"strategy"}),
		PositionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perpsim_positions_closed_total",
			Help: "Positions closed, by strategy and close reason.",
		}, []string{"strategy", "reason"}),
		OpenPositions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpsim_open_positions",
			Help: "Currently open positions, by strategy.",
		}, []string{"strategy"}),
		StrategyPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perpsim_strategy_panics_total",
			Help: "Recovered panics from a strategy call, by strategy and call site.",
		}, []string{"strategy", "call"}),
	}
	reg.MustRegister(m.BarsProcessed, m.FundingApplied, m.PositionsOpened, m.PositionsClosed, m.OpenPositions, m.StrategyPanics)
	return m
}
