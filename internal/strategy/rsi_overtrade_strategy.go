package strategy

import (
	"perpsim/internal/domain"
	"perpsim/internal/indicator"
	"perpsim/internal/market"
	"perpsim/internal/marketstate"
)

// rsiOvertradeStrategy is `simple_rsi_overtrade_strategy` (§4.5.3): a
// mean-reversion variant that enters on 15m RSI extremes and manages exits
// only via realtime ticks (tp1 == tp2, no partial close in practice).
type rsiOvertradeStrategy struct {
	id     string
	ind    params
	rsiLow  float64
	rsiHigh float64
	stopLossPct float64
	rr          float64
	rsiLen      int
}

func defaultRSIOvertradeParams() map[string]interface{} {
	return map[string]interface{}{"rsi_low": 30.0, "rsi_high": 70.0, "stop_loss_pct": 0.01, "rr": 1.5}
}

func defaultRSIOvertradeIndicators() map[string]interface{} {
	return map[string]interface{}{"rsi_length": 14}
}

// NewRSIOvertradeStrategy is the registry factory for tag
// "simple_rsi_overtrade_strategy".
func NewRSIOvertradeStrategy(strategyID string) Strategy {
	return &rsiOvertradeStrategy{id: strategyID}
}

func (s *rsiOvertradeStrategy) Tag() string { return "simple_rsi_overtrade_strategy" }

func (s *rsiOvertradeStrategy) Configure(profile Profile) {
	p := asParams(profile.Params)
	s.rsiLow = p.float("rsi_low", 30)
	s.rsiHigh = p.float("rsi_high", 70)
	s.stopLossPct = p.float("stop_loss_pct", 0.01)
	s.rr = p.float("rr", 1.5)
	s.ind = asParams(profile.Indicators)
	s.rsiLen = s.ind.int("rsi_length", 14)
}

func (s *rsiOvertradeStrategy) IndicatorRequirements() []indicator.Spec {
	return []indicator.Spec{indicator.NewRSISpec("rsi_15m", market.Interval15m, s.rsiLen, 3)}
}

func (s *rsiOvertradeStrategy) WarmupPolicy() map[market.Interval]marketstate.WarmupPolicy {
	return map[market.Interval]marketstate.WarmupPolicy{
		market.Interval15m: {BufferMult: 1.5, Extra: 10},
	}
}

func (s *rsiOvertradeStrategy) RealtimeEntry() bool                        { return false }
func (s *rsiOvertradeStrategy) RealtimeExit() bool                         { return true }
func (s *rsiOvertradeStrategy) OnStateRestore(marketstate.StrategyContext) {}

func (s *rsiOvertradeStrategy) DescribeConditions(ctx marketstate.StrategyContext, ind1hReady, hasPosition bool, cooldownBars int) domain.ConditionSet {
	rsi := ctx.Indicators["rsi_15m"]
	longOK := rsi != nil && *rsi < s.rsiLow
	shortOK := rsi != nil && *rsi > s.rsiHigh
	mk := func(dir string, ok bool, desc string) domain.Condition {
		return domain.Condition{Direction: dir, Timeframe: "15m", OK: ok, Desc: desc, Label: desc}
	}
	return domain.ConditionSet{
		Long:  []domain.Condition{mk("long", longOK, "rsi15m below rsi_low")},
		Short: []domain.Condition{mk("short", shortOK, "rsi15m above rsi_high")},
	}
}

func (s *rsiOvertradeStrategy) buildEntry(side domain.Side, entry float64) *domain.EntrySignal {
	var stop float64
	if side == domain.Long {
		stop = entry * (1 - s.stopLossPct)
	} else {
		stop = entry * (1 + s.stopLossPct)
	}
	r := abs(entry - stop)
	var target float64
	if side == domain.Long {
		target = entry + r*s.rr
	} else {
		target = entry - r*s.rr
	}
	return &domain.EntrySignal{Side: side, StopPrice: stop, TP1Price: target, TP2Price: target, Reason: "rsi_overtrade_entry"}
}

func (s *rsiOvertradeStrategy) OnBarClose(ctx marketstate.StrategyContext) domain.Decision {
	if ctx.Position != nil || ctx.CooldownBarsRemaining > 0 {
		return domain.Decision{}
	}
	rsi := ctx.Indicators["rsi_15m"]
	if rsi == nil {
		return domain.Decision{}
	}
	if *rsi < s.rsiLow {
		return domain.Decision{Entry: s.buildEntry(domain.Long, ctx.Close15m)}
	}
	if *rsi > s.rsiHigh {
		return domain.Decision{Entry: s.buildEntry(domain.Short, ctx.Close15m)}
	}
	return domain.Decision{}
}

// OnTick handles realtime exit only: this variant has no realtime entries
// and, since tp1==tp2 for it, checks stop/target crossing directly against
// the live tick price rather than waiting for a bar close.
func (s *rsiOvertradeStrategy) OnTick(ctx marketstate.StrategyContext, price float64) domain.Decision {
	pos := ctx.Position
	if pos == nil {
		return domain.Decision{}
	}
	if pos.Side == domain.Long {
		if price <= pos.StopPrice {
			return domain.Decision{Exit: &domain.ExitAction{Kind: domain.ActionStop, Reason: "stop"}}
		}
		if price >= pos.TP1Price {
			return domain.Decision{Exit: &domain.ExitAction{Kind: domain.ActionTP2, Reason: "target"}}
		}
		return domain.Decision{}
	}
	if price >= pos.StopPrice {
		return domain.Decision{Exit: &domain.ExitAction{Kind: domain.ActionStop, Reason: "stop"}}
	}
	if price <= pos.TP1Price {
		return domain.Decision{Exit: &domain.ExitAction{Kind: domain.ActionTP2, Reason: "target"}}
	}
	return domain.Decision{}
}
