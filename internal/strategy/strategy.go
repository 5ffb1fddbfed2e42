// Package strategy implements the closed set of strategy plugins (§4.5):
// a uniform interface plus a registry mapping a type tag to a factory and
// default param blocks.
package strategy

import (
	"perpsim/internal/domain"
	"perpsim/internal/indicator"
	"perpsim/internal/market"
	"perpsim/internal/marketstate"
)

// Profile is the merged config bundle injected via Configure: per-strategy
// sim/risk/strategy-params/indicators. It carries no kline_cache section.
type Profile struct {
	Sim        map[string]interface{}
	Risk       map[string]interface{}
	Params     map[string]interface{}
	Indicators map[string]interface{}
}

// Strategy is the uniform contract every built-in variant implements
// (§4.5). Implementations must not mutate ctx from describe_conditions.
type Strategy interface {
	Tag() string
	Configure(profile Profile)
	IndicatorRequirements() []indicator.Spec
	WarmupPolicy() map[market.Interval]marketstate.WarmupPolicy
	DescribeConditions(ctx marketstate.StrategyContext, ind1hReady bool, hasPosition bool, cooldownBars int) domain.ConditionSet
	OnBarClose(ctx marketstate.StrategyContext) domain.Decision
	OnTick(ctx marketstate.StrategyContext, price float64) domain.Decision
	OnStateRestore(ctx marketstate.StrategyContext)
	RealtimeEntry() bool
	RealtimeExit() bool
}

// Factory builds a fresh Strategy instance for one (strategy_id, type tag)
// registration.
type Factory func(strategyID string) Strategy

// Registration bundles a factory with its default param blocks, per §4.5's
// "registry maps a type tag to {factory, default strategy params, default
// indicator params}".
type Registration struct {
	Factory            Factory
	DefaultParams      map[string]interface{}
	DefaultIndicators  map[string]interface{}
}

// Registry is the closed, tag-keyed set of available strategy types. New
// strategies are added by a single Register call at startup, never by
// open-world subtyping.
type Registry struct {
	entries map[string]Registration
	order   []string
}

// NewRegistry builds a registry with the three built-in variants
// pre-registered.
func NewRegistry() *Registry {
	r := &Registry{entries: make(map[string]Registration)}
	r.Register("test", Registration{Factory: NewTestStrategy, DefaultParams: defaultTestParams(), DefaultIndicators: defaultTestIndicators()})
	r.Register("ma_cross", Registration{Factory: NewMACrossStrategy, DefaultParams: defaultMACrossParams(), DefaultIndicators: defaultMACrossIndicators()})
	r.Register("simple_rsi_overtrade_strategy", Registration{Factory: NewRSIOvertradeStrategy, DefaultParams: defaultRSIOvertradeParams(), DefaultIndicators: defaultRSIOvertradeIndicators()})
	return r
}

// Register adds or replaces a type tag's registration.
func (r *Registry) Register(tag string, reg Registration) {
	if _, exists := r.entries[tag]; !exists {
		r.order = append(r.order, tag)
	}
	r.entries[tag] = reg
}

// Build instantiates a strategy of the given type tag for strategyID.
func (r *Registry) Build(tag, strategyID string) (Strategy, Registration, bool) {
	reg, ok := r.entries[tag]
	if !ok {
		return nil, Registration{}, false
	}
	return reg.Factory(strategyID), reg, true
}

// Registered lists every available type tag in registration order.
func (r *Registry) Registered() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
