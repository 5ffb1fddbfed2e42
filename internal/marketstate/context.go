// Package marketstate aggregates strategy indicator requirements, sizes
// warmup/buffers, primes indicators from history, and assembles the
// per-strategy StrategyContext on every bar close (§4.4).
package marketstate

import (
	"perpsim/internal/domain"
	"perpsim/internal/indicator"
	"perpsim/internal/market"
)

// StrategyContext is the per-strategy, per-event frame handed to exactly
// one strategy call and never shared across strategies (§3). Position,
// Cooldown, and Params are injected by the runner, not by the state
// manager, per §4.8.
type StrategyContext struct {
	Timestamp     int64
	Interval      market.Interval
	Price         float64
	Close15m      float64
	Low15m        float64
	High15m       float64
	Indicators    map[string]*float64
	History       map[string][]float64
	Extras        map[string]map[string]float64
	StructureStop *float64

	Position              *domain.PositionState
	CooldownBarsRemaining int
	Params                map[string]interface{}
}

func mergeIndicatorMap(into map[string]map[string]indicator.Result, from map[string]map[string]indicator.Result) {
	for sid, results := range from {
		if into[sid] == nil {
			into[sid] = make(map[string]indicator.Result)
		}
		for name, res := range results {
			into[sid][name] = res
		}
	}
}

// ToContext assembles a StrategyContext from one strategy's raw indicator
// results for one bar. Exported so the runner can build tick-time contexts
// from preview results the same way OnKlineClose does for commits.
func ToContext(timestamp int64, interval market.Interval, bar market.Bar, results map[string]indicator.Result) StrategyContext {
	ctx := StrategyContext{
		Timestamp:  timestamp,
		Interval:   interval,
		Price:      bar.Close,
		Close15m:   bar.Close,
		Low15m:     bar.Low,
		High15m:    bar.High,
		Indicators: make(map[string]*float64),
		History:    make(map[string][]float64),
		Extras:     make(map[string]map[string]float64),
	}
	for name, res := range results {
		ctx.Indicators[name] = res.Value
		ctx.History[name] = res.History
		if len(res.Extras) > 0 {
			ctx.Extras[name] = res.Extras
		}
	}
	return ctx
}
