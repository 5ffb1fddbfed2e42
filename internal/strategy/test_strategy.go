package strategy

import (
	"perpsim/internal/domain"
	"perpsim/internal/indicator"
	"perpsim/internal/market"
	"perpsim/internal/marketstate"
)

// testStrategy is the `test` built-in: dual-timeframe trend-follow (§4.5.1).
// Entry requires a 1h direction filter, a 15m price kiss of ema20 beyond
// ema60, an RSI band (with optional slope), and a strictly monotone MACD
// histogram over the last three 15m closes.
type testStrategy struct {
	id     string
	params params
	ind    params

	trendStrengthMin float64
	atrStopMult      float64
	rsiLow           float64
	rsiHigh          float64
	rsiSlopeRequired bool

	emaFastLen  int
	emaSlowLen  int
	rsiLen      int
	macdFast    int
	macdSlow    int
	macdSignal  int
	atrLen      int
}

func defaultTestParams() map[string]interface{} {
	return map[string]interface{}{
		"trend_strength_min": 0.001,
		"atr_stop_mult":      1.5,
		"rsi_low":            40.0,
		"rsi_high":           60.0,
		"rsi_slope_required": false,
	}
}

func defaultTestIndicators() map[string]interface{} {
	return map[string]interface{}{
		"ema_fast": 20, "ema_slow": 60, "rsi_length": 14,
		"macd_fast": 12, "macd_slow": 26, "macd_signal": 9, "atr_length": 14,
	}
}

// NewTestStrategy is the registry factory for tag "test".
func NewTestStrategy(strategyID string) Strategy {
	return &testStrategy{id: strategyID}
}

func (s *testStrategy) Tag() string { return "test" }

func (s *testStrategy) Configure(profile Profile) {
	s.params = asParams(profile.Params)
	s.ind = asParams(profile.Indicators)

	s.trendStrengthMin = s.params.float("trend_strength_min", 0.001)
	s.atrStopMult = s.params.float("atr_stop_mult", 1.5)
	s.rsiLow = s.params.float("rsi_low", 40)
	s.rsiHigh = s.params.float("rsi_high", 60)
	s.rsiSlopeRequired = s.params.bool("rsi_slope_required", false)

	s.emaFastLen = s.ind.int("ema_fast", 20)
	s.emaSlowLen = s.ind.int("ema_slow", 60)
	s.rsiLen = s.ind.int("rsi_length", 14)
	s.macdFast = s.ind.int("macd_fast", 12)
	s.macdSlow = s.ind.int("macd_slow", 26)
	s.macdSignal = s.ind.int("macd_signal", 9)
	s.atrLen = s.ind.int("atr_length", 14)
}

func (s *testStrategy) IndicatorRequirements() []indicator.Spec {
	return []indicator.Spec{
		indicator.NewEMASpec("ema20_1h", market.Interval1h, s.emaFastLen, 3),
		indicator.NewEMASpec("ema60_1h", market.Interval1h, s.emaSlowLen, 3),
		indicator.NewRSISpec("rsi_1h", market.Interval1h, s.rsiLen, 3),
		indicator.NewEMASpec("ema20_15m", market.Interval15m, s.emaFastLen, 3),
		indicator.NewEMASpec("ema60_15m", market.Interval15m, s.emaSlowLen, 3),
		indicator.NewRSISpec("rsi_15m", market.Interval15m, s.rsiLen, 3),
		indicator.NewMACDSpec("macd_15m", market.Interval15m, s.macdFast, s.macdSlow, s.macdSignal, 3),
		indicator.NewATRSpec("atr_15m", market.Interval15m, s.atrLen, 3),
	}
}

func (s *testStrategy) WarmupPolicy() map[market.Interval]marketstate.WarmupPolicy {
	return map[market.Interval]marketstate.WarmupPolicy{
		market.Interval15m: {BufferMult: 3, Extra: 50},
		market.Interval1h:  {BufferMult: 3, Extra: 20},
	}
}

func (s *testStrategy) RealtimeEntry() bool { return false }
func (s *testStrategy) RealtimeExit() bool  { return false }
func (s *testStrategy) OnStateRestore(marketstate.StrategyContext) {}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// longFilter1h / shortFilter1h evaluate the 1h direction filter.
func (s *testStrategy) longFilter1h(ctx marketstate.StrategyContext) bool {
	ema20, ema60, rsi := ctx.Indicators["ema20_1h"], ctx.Indicators["ema60_1h"], ctx.Indicators["rsi_1h"]
	if ema20 == nil || ema60 == nil || rsi == nil || ctx.Price == 0 {
		return false
	}
	if !(ctx.Price > *ema60 && *ema20 > *ema60 && *rsi > 50) {
		return false
	}
	return abs(*ema20-*ema60)/ctx.Price >= s.trendStrengthMin
}

func (s *testStrategy) shortFilter1h(ctx marketstate.StrategyContext) bool {
	ema20, ema60, rsi := ctx.Indicators["ema20_1h"], ctx.Indicators["ema60_1h"], ctx.Indicators["rsi_1h"]
	if ema20 == nil || ema60 == nil || rsi == nil || ctx.Price == 0 {
		return false
	}
	if !(ctx.Price < *ema60 && *ema20 < *ema60 && *rsi < 50) {
		return false
	}
	return abs(*ema20-*ema60)/ctx.Price >= s.trendStrengthMin
}

func (s *testStrategy) kissLong(ctx marketstate.StrategyContext) bool {
	ema20, ema60 := ctx.Indicators["ema20_15m"], ctx.Indicators["ema60_15m"]
	if ema20 == nil || ema60 == nil {
		return false
	}
	return ctx.Low15m <= *ema20 && ctx.Close15m > *ema60
}

func (s *testStrategy) kissShort(ctx marketstate.StrategyContext) bool {
	ema20, ema60 := ctx.Indicators["ema20_15m"], ctx.Indicators["ema60_15m"]
	if ema20 == nil || ema60 == nil {
		return false
	}
	return ctx.High15m >= *ema20 && ctx.Close15m < *ema60
}

func (s *testStrategy) rsiBandLong(ctx marketstate.StrategyContext) bool {
	rsi := ctx.Indicators["rsi_15m"]
	if rsi == nil || *rsi < s.rsiLow || *rsi > s.rsiHigh {
		return false
	}
	if !s.rsiSlopeRequired {
		return true
	}
	h := ctx.History["rsi_15m"]
	return len(h) >= 2 && h[len(h)-1] > h[len(h)-2]
}

func (s *testStrategy) rsiBandShort(ctx marketstate.StrategyContext) bool {
	rsi := ctx.Indicators["rsi_15m"]
	if rsi == nil || *rsi < s.rsiLow || *rsi > s.rsiHigh {
		return false
	}
	if !s.rsiSlopeRequired {
		return true
	}
	h := ctx.History["rsi_15m"]
	return len(h) >= 2 && h[len(h)-1] < h[len(h)-2]
}

func (s *testStrategy) macdMonotoneLong(ctx marketstate.StrategyContext) bool {
	h := ctx.History["macd_15m"]
	if len(h) < 3 {
		return false
	}
	n := len(h)
	return h[n-3] < h[n-2] && h[n-2] < h[n-1]
}

func (s *testStrategy) macdMonotoneShort(ctx marketstate.StrategyContext) bool {
	h := ctx.History["macd_15m"]
	if len(h) < 3 {
		return false
	}
	n := len(h)
	return h[n-3] > h[n-2] && h[n-2] > h[n-1]
}

func (s *testStrategy) DescribeConditions(ctx marketstate.StrategyContext, ind1hReady bool, hasPosition bool, cooldownBars int) domain.ConditionSet {
	mk := func(dir, tf string, ok bool, desc string) domain.Condition {
		return domain.Condition{Direction: dir, Timeframe: tf, OK: ok, Desc: desc, Label: desc}
	}
	return domain.ConditionSet{
		Long: []domain.Condition{
			mk("long", "1h", s.longFilter1h(ctx), "1h trend filter (ema20>ema60, rsi>50, strength)"),
			mk("long", "15m", s.kissLong(ctx), "15m low kisses ema20, close beyond ema60"),
			mk("long", "15m", s.rsiBandLong(ctx), "rsi within entry band"),
			mk("long", "15m", s.macdMonotoneLong(ctx), "macd histogram rising 3 bars"),
		},
		Short: []domain.Condition{
			mk("short", "1h", s.shortFilter1h(ctx), "1h trend filter (ema20<ema60, rsi<50, strength)"),
			mk("short", "15m", s.kissShort(ctx), "15m high kisses ema20, close beyond ema60"),
			mk("short", "15m", s.rsiBandShort(ctx), "rsi within entry band"),
			mk("short", "15m", s.macdMonotoneShort(ctx), "macd histogram falling 3 bars"),
		},
	}
}

func (s *testStrategy) buildEntry(side domain.Side, ctx marketstate.StrategyContext) *domain.EntrySignal {
	atr := ctx.Indicators["atr_15m"]
	if atr == nil {
		return nil
	}
	entry := ctx.Close15m
	var stop float64
	if side == domain.Long {
		atrStop := entry - s.atrStopMult*(*atr)
		stop = atrStop
		if ctx.StructureStop != nil && *ctx.StructureStop > stop {
			stop = *ctx.StructureStop
		}
	} else {
		atrStop := entry + s.atrStopMult*(*atr)
		stop = atrStop
		if ctx.StructureStop != nil && *ctx.StructureStop < stop {
			stop = *ctx.StructureStop
		}
	}
	r := abs(entry - stop)
	var tp1, tp2 float64
	if side == domain.Long {
		tp1, tp2 = entry+r, entry+2*r
	} else {
		tp1, tp2 = entry-r, entry-2*r
	}
	return &domain.EntrySignal{Side: side, StopPrice: stop, TP1Price: tp1, TP2Price: tp2, StructureStop: ctx.StructureStop, Reason: "test_strategy_entry"}
}

func (s *testStrategy) OnBarClose(ctx marketstate.StrategyContext) domain.Decision {
	if ctx.Position != nil {
		ema20 := ctx.Indicators["ema20_15m"]
		rsi := ctx.Indicators["rsi_15m"]
		if ema20 == nil || rsi == nil {
			return domain.Decision{}
		}
		if ctx.Position.Side == domain.Long && ctx.Close15m < *ema20 && *rsi < 50 {
			return domain.Decision{Exit: &domain.ExitAction{Kind: domain.ActionCloseAll, Reason: "15m_direction_fail"}}
		}
		if ctx.Position.Side == domain.Short && ctx.Close15m > *ema20 && *rsi > 50 {
			return domain.Decision{Exit: &domain.ExitAction{Kind: domain.ActionCloseAll, Reason: "15m_direction_fail"}}
		}
		return domain.Decision{}
	}

	if ctx.CooldownBarsRemaining > 0 {
		return domain.Decision{}
	}

	if s.longFilter1h(ctx) && s.kissLong(ctx) && s.rsiBandLong(ctx) && s.macdMonotoneLong(ctx) {
		if sig := s.buildEntry(domain.Long, ctx); sig != nil {
			return domain.Decision{Entry: sig}
		}
	}
	if s.shortFilter1h(ctx) && s.kissShort(ctx) && s.rsiBandShort(ctx) && s.macdMonotoneShort(ctx) {
		if sig := s.buildEntry(domain.Short, ctx); sig != nil {
			return domain.Decision{Entry: sig}
		}
	}
	return domain.Decision{}
}

func (s *testStrategy) OnTick(ctx marketstate.StrategyContext, price float64) domain.Decision {
	return domain.Decision{}
}
