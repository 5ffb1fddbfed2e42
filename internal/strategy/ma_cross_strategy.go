package strategy

import (
	"perpsim/internal/domain"
	"perpsim/internal/indicator"
	"perpsim/internal/market"
	"perpsim/internal/marketstate"
)

// maCrossStrategy is the `ma_cross` built-in (§4.5.2): bar-close-only
// moving-average crossover gated by a 1h RSI filter.
type maCrossStrategy struct {
	id  string
	ind params

	atrStopMult float64
	emaFastLen  int
	emaSlowLen  int
	rsiLen      int
	atrLen      int
}

func defaultMACrossParams() map[string]interface{} {
	return map[string]interface{}{"atr_stop_mult": 1.5}
}

func defaultMACrossIndicators() map[string]interface{} {
	return map[string]interface{}{"ema_fast": 20, "ema_slow": 60, "rsi_length": 14, "atr_length": 14}
}

// NewMACrossStrategy is the registry factory for tag "ma_cross".
func NewMACrossStrategy(strategyID string) Strategy {
	return &maCrossStrategy{id: strategyID}
}

func (s *maCrossStrategy) Tag() string { return "ma_cross" }

func (s *maCrossStrategy) Configure(profile Profile) {
	p := asParams(profile.Params)
	s.atrStopMult = p.float("atr_stop_mult", 1.5)
	s.ind = asParams(profile.Indicators)
	s.emaFastLen = s.ind.int("ema_fast", 20)
	s.emaSlowLen = s.ind.int("ema_slow", 60)
	s.rsiLen = s.ind.int("rsi_length", 14)
	s.atrLen = s.ind.int("atr_length", 14)
}

func (s *maCrossStrategy) IndicatorRequirements() []indicator.Spec {
	return []indicator.Spec{
		indicator.NewEMASpec("ema20_15m", market.Interval15m, s.emaFastLen, 3),
		indicator.NewEMASpec("ema60_15m", market.Interval15m, s.emaSlowLen, 3),
		indicator.NewATRSpec("atr_15m", market.Interval15m, s.atrLen, 3),
		indicator.NewRSISpec("rsi_1h", market.Interval1h, s.rsiLen, 3),
	}
}

func (s *maCrossStrategy) WarmupPolicy() map[market.Interval]marketstate.WarmupPolicy {
	return map[market.Interval]marketstate.WarmupPolicy{
		market.Interval15m: {BufferMult: 2, Extra: 20},
		market.Interval1h:  {BufferMult: 2, Extra: 10},
	}
}

func (s *maCrossStrategy) RealtimeEntry() bool                         { return false }
func (s *maCrossStrategy) RealtimeExit() bool                          { return false }
func (s *maCrossStrategy) OnStateRestore(marketstate.StrategyContext)  {}
func (s *maCrossStrategy) OnTick(marketstate.StrategyContext, float64) domain.Decision {
	return domain.Decision{}
}

func (s *maCrossStrategy) emaRelation(ctx marketstate.StrategyContext) (bullish, bearish bool) {
	ema20, ema60 := ctx.Indicators["ema20_15m"], ctx.Indicators["ema60_15m"]
	if ema20 == nil || ema60 == nil {
		return false, false
	}
	return *ema20 > *ema60, *ema20 < *ema60
}

func (s *maCrossStrategy) DescribeConditions(ctx marketstate.StrategyContext, ind1hReady, hasPosition bool, cooldownBars int) domain.ConditionSet {
	bullish, bearish := s.emaRelation(ctx)
	rsi := ctx.Indicators["rsi_1h"]
	rsiLongOK := rsi != nil && *rsi > 50
	rsiShortOK := rsi != nil && *rsi < 50
	mk := func(dir, tf string, ok bool, desc string) domain.Condition {
		return domain.Condition{Direction: dir, Timeframe: tf, OK: ok, Desc: desc, Label: desc}
	}
	return domain.ConditionSet{
		Long:  []domain.Condition{mk("long", "15m", bullish, "ema20>ema60"), mk("long", "1h", rsiLongOK, "rsi1h>50")},
		Short: []domain.Condition{mk("short", "15m", bearish, "ema20<ema60"), mk("short", "1h", rsiShortOK, "rsi1h<50")},
	}
}

func (s *maCrossStrategy) buildEntry(side domain.Side, ctx marketstate.StrategyContext) *domain.EntrySignal {
	atr := ctx.Indicators["atr_15m"]
	if atr == nil {
		return nil
	}
	entry := ctx.Close15m
	var stop float64
	if side == domain.Long {
		stop = entry - s.atrStopMult*(*atr)
	} else {
		stop = entry + s.atrStopMult*(*atr)
	}
	r := abs(entry - stop)
	var tp1, tp2 float64
	if side == domain.Long {
		tp1, tp2 = entry+r, entry+2*r
	} else {
		tp1, tp2 = entry-r, entry-2*r
	}
	return &domain.EntrySignal{Side: side, StopPrice: stop, TP1Price: tp1, TP2Price: tp2, Reason: "ma_cross_entry"}
}

func (s *maCrossStrategy) OnBarClose(ctx marketstate.StrategyContext) domain.Decision {
	bullish, bearish := s.emaRelation(ctx)
	rsi := ctx.Indicators["rsi_1h"]

	if ctx.Position != nil {
		if ctx.Position.Side == domain.Long && bearish {
			return domain.Decision{Exit: &domain.ExitAction{Kind: domain.ActionCloseAll, Reason: "ema_flip"}}
		}
		if ctx.Position.Side == domain.Short && bullish {
			return domain.Decision{Exit: &domain.ExitAction{Kind: domain.ActionCloseAll, Reason: "ema_flip"}}
		}
		return domain.Decision{}
	}

	if ctx.CooldownBarsRemaining > 0 || rsi == nil {
		return domain.Decision{}
	}
	if bullish && *rsi > 50 {
		if sig := s.buildEntry(domain.Long, ctx); sig != nil {
			return domain.Decision{Entry: sig}
		}
	}
	if bearish && *rsi < 50 {
		if sig := s.buildEntry(domain.Short, ctx); sig != nil {
			return domain.Decision{Entry: sig}
		}
	}
	return domain.Decision{}
}
