package api

import (
	"strings"

	"perpsim/internal/indicator"
	"perpsim/internal/market"
	"perpsim/internal/strategy"
)

// SeriesPoint is one replayed indicator reading for /api/indicator_history.
type SeriesPoint struct {
	Timestamp int64    `json:"timestamp"`
	Values    []*float64 `json:"values"`
}

// Series bundles one indicator's replayed values with a frontend render
// hint, per §6's "value series plus frontend rendering hints".
type Series struct {
	Name   string        `json:"name"`
	Kind   string        `json:"kind"`
	Points []SeriesPoint `json:"points"`
}

// replayIndicators feeds bars through a freshly built engine carrying only
// impl's own indicator requirements, never touching the live engine's
// state, and collects each spec's value at every bar.
func replayIndicators(impl strategy.Strategy, interval market.Interval, bars []market.Bar) (map[string]Series, error) {
	engine := indicator.NewEngine()
	for _, spec := range impl.IndicatorRequirements() {
		if spec.Interval() != interval {
			continue
		}
		engine.Register("replay", spec)
	}

	out := make(map[string]Series)
	for _, bar := range bars {
		results := engine.UpdateOnClose(interval, bar)
		for name, res := range results["replay"] {
			series, ok := out[name]
			if !ok {
				series = Series{Name: name, Kind: renderHint(name)}
			}
			series.Points = append(series.Points, SeriesPoint{
				Timestamp: bar.CloseTime,
				Values:    resultValues(res),
			})
			out[name] = series
		}
	}
	return out, nil
}

func resultValues(res indicator.Result) []*float64 {
	if res.Value == nil {
		return nil
	}
	return []*float64{res.Value}
}

// renderHint guesses a frontend panel kind from the indicator's name,
// since the spec type itself doesn't carry one.
func renderHint(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "macd"):
		return "histogram"
	case strings.Contains(lower, "rsi"):
		return "oscillator"
	default:
		return "overlay"
	}
}
