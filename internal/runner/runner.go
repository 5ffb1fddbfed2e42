// Package runner implements StrategyRunner (§4.8): it drives the pipeline
// on every kline update/close event, injects position/cooldown/params
// into strategy contexts, invokes strategies, and dispatches their
// decisions to PositionService.
package runner

import (
	"context"
	"log"
	"time"

	"perpsim/internal/domain"
	"perpsim/internal/indicator"
	"perpsim/internal/market"
	"perpsim/internal/marketstate"
	"perpsim/internal/metrics"
	"perpsim/internal/portfolio"
	"perpsim/internal/position"
	"perpsim/internal/strategy"
)

// StreamPublisher is the runner's outbound collaborator for live
// publication: kline previews, condition checklists, and trade/position
// events already flow through position.StreamPublisher; this adds the
// kline/condition/status legs the runner itself owns.
type StreamPublisher interface {
	PublishKline(interval market.Interval, bar market.Bar, preview map[string]map[string]indicator.Result)
	PublishConditions(strategy string, cs domain.ConditionSet)
	PublishStatus(account domain.Account)
}

type boundStrategy struct {
	id   string
	impl strategy.Strategy
}

// Runner is StrategyRunner.
type Runner struct {
	symbol     string
	manager    *marketstate.Manager
	strategies []boundStrategy
	positions  *position.Service
	portfolio  *portfolio.Service
	stream     StreamPublisher
	metrics    *metrics.Registry
}

// New builds a Runner with no strategies bound yet; call RegisterStrategy
// for each one in the order they should be evaluated. metrics may be nil.
func New(symbol string, manager *marketstate.Manager, positions *position.Service, portfolioSvc *portfolio.Service, stream StreamPublisher, reg *metrics.Registry) *Runner {
	return &Runner{symbol: symbol, manager: manager, positions: positions, portfolio: portfolioSvc, stream: stream, metrics: reg}
}

// RegisterStrategy attaches a strategy id -> instance binding to the
// Runner's dispatch table, in registration order.
func (r *Runner) RegisterStrategy(id string, impl strategy.Strategy) {
	r.strategies = append(r.strategies, boundStrategy{id: id, impl: impl})
}

// OnKlineUpdate implements the open-bar leg of §4.8: publish live kline +
// preview indicators, then give realtime-enabled strategies a chance to
// enter/exit on tick, recompute conditions, and refresh account status.
func (r *Runner) OnKlineUpdate(ctx context.Context, interval market.Interval, bar market.Bar) {
	preview := r.manager.OnKlineUpdate(interval, bar)
	if r.stream != nil {
		r.stream.PublishKline(interval, bar, preview)
	}

	if interval != market.Interval15m {
		return
	}

	now := time.Now().UnixMilli()
	for _, bs := range r.strategies {
		results := preview[bs.id]
		pos := r.positions.OpenPosition(bs.id)
		cooldown := r.positions.CooldownRemaining(bs.id)
		sctx := marketstate.ToContext(bar.CloseTime, interval, bar, results)
		sctx.Position = pos
		sctx.CooldownBarsRemaining = cooldown

		if bs.impl.RealtimeEntry() && pos == nil && cooldown == 0 {
			if dec := bs.impl.OnTick(sctx, bar.Close); dec.Entry != nil {
				if err := r.positions.Open(ctx, bs.id, *dec.Entry, bar.Close, now); err != nil {
					log.Printf("runner: realtime open failed for %s: %v", bs.id, err)
				}
			}
		}
		if bs.impl.RealtimeExit() && pos != nil {
			if dec := bs.impl.OnTick(sctx, bar.Close); dec.Exit != nil {
				if err := r.positions.CloseByAction(ctx, bs.id, dec.Exit.Kind, bar.Close, now); err != nil {
					log.Printf("runner: realtime close failed for %s: %v", bs.id, err)
				}
			}
		}

		ind1hReady := sctx.Indicators["rsi_1h"] != nil || sctx.Indicators["ema60_1h"] != nil
		cs := r.safeDescribeConditions(bs, sctx, ind1hReady, pos != nil, cooldown)
		if r.stream != nil {
			r.stream.PublishConditions(bs.id, cs)
		}
	}

	r.portfolio.UpdateStatus(bar.Close)
	if r.stream != nil {
		r.stream.PublishStatus(r.portfolio.Account(r.portfolio.DefaultStrategy()))
	}
}

// OnKlineClose implements the closed-bar leg of §4.8.
func (r *Runner) OnKlineClose(ctx context.Context, interval market.Interval, bar market.Bar) {
	if r.metrics != nil {
		r.metrics.BarsProcessed.WithLabelValues(string(interval)).Inc()
	}
	result := r.manager.OnKlineClose(interval, bar)
	if result == nil {
		return
	}

	now := time.Now().UnixMilli()
	for _, bs := range r.strategies {
		sctx, ok := result.PerStrategy[bs.id]
		if !ok {
			continue
		}
		pos := r.positions.OpenPosition(bs.id)
		cooldown := r.positions.CooldownRemaining(bs.id)
		sctx.Position = pos
		sctx.CooldownBarsRemaining = cooldown

		ind1hReady := sctx.Indicators["rsi_1h"] != nil || sctx.Indicators["ema60_1h"] != nil
		cs := r.safeDescribeConditions(bs, sctx, ind1hReady, pos != nil, cooldown)
		if r.stream != nil {
			r.stream.PublishConditions(bs.id, cs)
		}

		dec := r.safeOnBarClose(bs, sctx)
		switch {
		case dec.Entry != nil && pos == nil:
			if err := r.positions.Open(ctx, bs.id, *dec.Entry, bar.Close, now); err != nil {
				log.Printf("runner: open failed for %s: %v", bs.id, err)
			}
		case dec.Exit != nil && pos != nil:
			if err := r.positions.CloseByAction(ctx, bs.id, dec.Exit.Kind, bar.Close, now); err != nil {
				log.Printf("runner: close failed for %s: %v", bs.id, err)
			}
		}
	}

	r.positions.DecrementCooldown()
	r.portfolio.UpdateStatus(bar.Close)
	r.portfolio.SnapshotEquity(ctx)
	if r.stream != nil {
		r.stream.PublishStatus(r.portfolio.Account(r.portfolio.DefaultStrategy()))
	}
}

// safeDescribeConditions and safeOnBarClose wrap each strategy call in a
// per-call guard (§7): a crash in one strategy must not stop ingestion or
// the others.
func (r *Runner) safeDescribeConditions(bs boundStrategy, ctx marketstate.StrategyContext, ind1hReady, hasPosition bool, cooldown int) (cs domain.ConditionSet) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("runner: strategy describe_conditions panic recovered for %s: %v", bs.id, rec)
			if r.metrics != nil {
				r.metrics.StrategyPanics.WithLabelValues(bs.id, "describe_conditions").Inc()
			}
			cs = domain.ConditionSet{
				Long:  []domain.Condition{{Direction: "long", Desc: "error", Label: "error"}},
				Short: []domain.Condition{{Direction: "short", Desc: "error", Label: "error"}},
			}
		}
	}()
	return bs.impl.DescribeConditions(ctx, ind1hReady, hasPosition, cooldown)
}

func (r *Runner) safeOnBarClose(bs boundStrategy, ctx marketstate.StrategyContext) (dec domain.Decision) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("runner: strategy on_bar_close panic recovered for %s: %v", bs.id, rec)
			if r.metrics != nil {
				r.metrics.StrategyPanics.WithLabelValues(bs.id, "on_bar_close").Inc()
			}
			dec = domain.Decision{}
		}
	}()
	return bs.impl.OnBarClose(ctx)
}
