package indicator

import "perpsim/internal/market"

// key isolates spec state per (strategy_id, spec_name) so strategies never
// alias indicator state even when they declare specs with the same name.
type key struct {
	strategyID string
	specName   string
}

// Engine owns all indicator spec state, keyed per strategy, and routes
// closed (or, for preview, open) bars to the specs whose interval matches.
// Traversal order is stable insertion order so strategies observe
// deterministic results across runs.
type Engine struct {
	order []key
	specs map[key]Spec
}

// NewEngine builds an empty engine.
func NewEngine() *Engine {
	return &Engine{specs: make(map[key]Spec)}
}

// Register adds a spec for a strategy. Registration order is preserved for
// traversal.
func (e *Engine) Register(strategyID string, spec Spec) {
	k := key{strategyID: strategyID, specName: spec.Name()}
	if _, exists := e.specs[k]; !exists {
		e.order = append(e.order, k)
	}
	e.specs[k] = spec
}

// UpdateOnClose commits a closed bar through every spec whose interval
// matches, returning {strategy -> {spec name -> Result}}. The caller
// guarantees exactly-once delivery of each closed bar; the engine does not
// buffer.
func (e *Engine) UpdateOnClose(interval market.Interval, bar market.Bar) map[string]map[string]Result {
	out := make(map[string]map[string]Result)
	for _, k := range e.order {
		spec := e.specs[k]
		if spec.Interval() != interval {
			continue
		}
		res := spec.Update(bar)
		if out[k.strategyID] == nil {
			out[k.strategyID] = make(map[string]Result)
		}
		out[k.strategyID][res.Name] = res
	}
	return out
}

// Preview is identical to UpdateOnClose but calls spec.Preview and never
// mutates any spec's state.
func (e *Engine) Preview(interval market.Interval, bar market.Bar) map[string]map[string]Result {
	out := make(map[string]map[string]Result)
	for _, k := range e.order {
		spec := e.specs[k]
		if spec.Interval() != interval {
			continue
		}
		res := spec.Preview(bar)
		if out[k.strategyID] == nil {
			out[k.strategyID] = make(map[string]Result)
		}
		out[k.strategyID][res.Name] = res
	}
	return out
}

// SpecsFor returns the ordered specs declared for one strategy, used by
// MarketStateManager to compute per-strategy warmup requirements.
func (e *Engine) SpecsFor(strategyID string) []Spec {
	var out []Spec
	for _, k := range e.order {
		if k.strategyID == strategyID {
			out = append(out, e.specs[k])
		}
	}
	return out
}
