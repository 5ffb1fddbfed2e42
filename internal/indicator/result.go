// Package indicator implements the closed set of incremental indicator
// specs (EMA, RSI, MACD histogram, ATR) and the engine that routes closed
// bars to the specs declared by each strategy.
package indicator

import "perpsim/internal/market"

// Result is one spec's output at a point in time. Value is nil until
// warmup completes. History holds the last history_size computed values,
// oldest first, newest last. Extras carries secondary named scalars (e.g.
// MACD's macd/signal lines alongside its primary histogram value).
type Result struct {
	Name    string
	Value   *float64
	History []float64
	Extras  map[string]float64
}

func cloneResult(r Result) Result {
	out := Result{Name: r.Name, Value: r.Value, Extras: nil}
	if len(r.History) > 0 {
		out.History = append([]float64(nil), r.History...)
	}
	if len(r.Extras) > 0 {
		out.Extras = make(map[string]float64, len(r.Extras))
		for k, v := range r.Extras {
			out.Extras[k] = v
		}
	}
	return out
}

func ptr(v float64) *float64 {
	return &v
}

// pushHistory appends v to a history ring capped at size, oldest dropped
// first.
func pushHistory(history []float64, v float64, size int) []float64 {
	if size <= 0 {
		return history
	}
	history = append(history, v)
	if len(history) > size {
		history = history[len(history)-size:]
	}
	return history
}

// Spec is the uniform contract every indicator variant implements (§4.2).
// update mutates state and commits the new value to history; preview
// returns what update would produce without mutating anything.
type Spec interface {
	Name() string
	Interval() market.Interval
	WarmupBars() int
	HistorySize() int
	Update(bar market.Bar) Result
	Preview(bar market.Bar) Result
}
