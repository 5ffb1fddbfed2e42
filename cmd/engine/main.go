// Command engine is the PerpSim runtime entrypoint: it loads config, wires
// every component of §1's pipeline together, ingests the upstream kline
// feed, and serves the HTTP/WebSocket surface, following the teacher's
// numbered startup-sequence shape in cmd/trading-system/main.go (minus
// its AMQP/central-ledger stage, which this system doesn't carry — see
// DESIGN.md).
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"perpsim/internal/alert"
	"perpsim/internal/api"
	"perpsim/internal/config"
	"perpsim/internal/domain"
	"perpsim/internal/exchange"
	"perpsim/internal/indicator"
	"perpsim/internal/logging"
	"perpsim/internal/market"
	"perpsim/internal/marketstate"
	"perpsim/internal/metrics"
	"perpsim/internal/persistence"
	"perpsim/internal/portfolio"
	"perpsim/internal/position"
	"perpsim/internal/runner"
	"perpsim/internal/strategy"
	"perpsim/internal/wsapi"
)

// positionsRef breaks the PositionService/PortfolioService construction
// cycle (§9): PortfolioService needs a PositionProvider at construction
// time, but PositionService needs the already-built PortfolioService as
// its BalanceSource. The ref is handed to PortfolioService first and
// pointed at the real PositionService once it exists.
type positionsRef struct {
	svc *position.Service
}

func (p *positionsRef) OpenPosition(strategy string) *domain.PositionState {
	if p.svc == nil {
		return nil
	}
	return p.svc.OpenPosition(strategy)
}

func (p *positionsRef) Strategies() []string {
	if p.svc == nil {
		return nil
	}
	return p.svc.Strategies()
}

const historicalBarsToFetch = 500

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config document")
	logLevel := flag.String("log-level", "info", "zap log level: debug, info, warn, error")
	flag.Parse()

	zlog, err := logging.New(*logLevel)
	if err != nil {
		log.Fatalf("engine: failed to build logger: %v", err)
	}
	defer zlog.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("engine: failed to load config: %v", err)
	}
	zlog.Info("config loaded", zap.String("path", *configPath), zap.String("symbol", cfg.Binance.Symbol))

	store, err := persistence.Open(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("engine: failed to open store: %v", err)
	}
	defer store.Close()
	zlog.Info("persistence store opened", zap.String("path", cfg.Storage.SQLitePath))

	registry := strategy.NewRegistry()
	profiles, err := config.BuildProfiles(cfg, defaultParamsFor(registry), defaultIndicatorsFor(registry))
	if err != nil {
		log.Fatalf("engine: failed to build strategy profiles: %v", err)
	}
	if len(profiles) == 0 {
		log.Fatalf("engine: no strategies configured")
	}

	promReg := prometheus.NewRegistry()
	reg := metrics.New(promReg)

	live := wsapi.NewStore()

	initialCapital := make(map[string]float64, len(profiles))
	leverage := make(map[string]int, len(profiles))
	tiers := make(map[string][]portfolio.Tier, len(profiles))
	risk := make(map[string]position.StrategyRisk, len(profiles))
	strategyDescs := make([]api.StrategyDesc, 0, len(profiles))

	for _, p := range profiles {
		initialCapital[p.ID] = p.InitialCapital
		leverage[p.ID] = p.Leverage
		tiers[p.ID] = p.Tiers
		risk[p.ID] = buildStrategyRisk(p)
		strategyDescs = append(strategyDescs, api.StrategyDesc{
			ID: p.ID, Type: p.Type, InitialCapital: p.InitialCapital, Leverage: p.Leverage,
		})
	}

	exchangeClient := exchange.New(exchange.Config{
		BaseRESTURL: cfg.Binance.BaseRESTURL,
		BaseWSURL:   cfg.Binance.BaseWSURL,
		Symbol:      cfg.Binance.Symbol,
		BaseDelayMs: cfg.Binance.BaseDelayMs,
		MaxDelayMs:  cfg.Binance.MaxDelayMs,
		MaxRetries:  cfg.Binance.MaxRetries,
	})

	alertSender := config.AlertSender(cfg)
	alertRecorder := alert.NewRecorder(alertSender, store)
	zlog.Info("alert channel configured", zap.String("channel", alertSender.Channel()))

	indicatorEngine := indicator.NewEngine()
	manager := marketstate.NewManager(indicatorEngine)

	strategies := make(map[string]strategy.Strategy, len(profiles))
	for _, p := range profiles {
		impl, _, ok := registry.Build(p.Type, p.ID)
		if !ok {
			log.Fatalf("engine: unknown strategy type %q for %q", p.Type, p.ID)
		}
		impl.Configure(strategy.Profile{Sim: p.Sim, Risk: p.Risk, Params: p.Params, Indicators: p.Indicators})
		manager.RegisterStrategy(p.ID, impl.IndicatorRequirements(), impl.WarmupPolicy())
		strategies[p.ID] = impl
	}
	manager.BufferSizes()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := warmup(ctx, exchangeClient, manager, store, cfg.Binance.Symbol); err != nil {
		zlog.Warn("warmup incomplete, indicators may start null", zap.Error(err))
	}
	manager.Prime()
	zlog.Info("warmup complete",
		zap.Int("bars_15m", manager.Buffers().Len(market.Interval15m)),
		zap.Int("bars_1h", manager.Buffers().Len(market.Interval1h)))

	posRef := &positionsRef{}
	portfolioSvc := portfolio.NewService(cfg.Binance.Symbol, initialCapital, leverage, tiers, posRef, store, alertRecorder, exchangeClient, reg)
	positionSvc := position.NewService(cfg.Binance.Symbol, risk, store, portfolioSvc, alertRecorder, live, portfolioSvc, reg)
	posRef.svc = positionSvc

	run := runner.New(cfg.Binance.Symbol, manager, positionSvc, portfolioSvc, live, reg)
	for _, p := range profiles {
		run.RegisterStrategy(p.ID, strategies[p.ID])
	}

	apiServer := api.NewServer(cfg.Binance.Symbol, store, portfolioSvc, positionSvc, registry, live, strategyDescs)
	apiServer.Router().Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	hub := wsapi.Mount(apiServer.Router(), live, &wsapi.Framer{Msgpack: cfg.API.MsgpackFraming})
	go hub.Run()

	go func() {
		zlog.Info("api server starting", zap.String("addr", cfg.API.ListenAddr))
		if err := apiServer.Start(cfg.API.ListenAddr); err != nil {
			zlog.Error("api server stopped", zap.Error(err))
		}
	}()

	go fundingLoop(ctx, portfolioSvc, zlog)

	frames := exchangeClient.StreamKlines(ctx)
	zlog.Info("ingestion started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

runLoop:
	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				zlog.Warn("upstream stream closed")
				break runLoop
			}
			if frame.Bar.IsClosed {
				run.OnKlineClose(ctx, frame.Interval, frame.Bar)
				if err := store.UpsertKline(ctx, cfg.Binance.Symbol, frame.Interval, frame.Bar); err != nil {
					log.Printf("engine: kline persist failed: %v", err)
				}
			} else {
				run.OnKlineUpdate(ctx, frame.Interval, frame.Bar)
			}
		case <-quit:
			zlog.Info("shutdown signal received")
			break runLoop
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		zlog.Warn("api server shutdown error", zap.Error(err))
	}
	zlog.Info("engine stopped")
}

// warmup fetches historicalBarsToFetch closed bars per interval and loads
// them directly into the manager's buffers, ahead of Prime().
func warmup(ctx context.Context, client *exchange.Client, manager *marketstate.Manager, store *persistence.Store, symbol string) error {
	var firstErr error
	for _, interval := range []market.Interval{market.Interval1h, market.Interval15m} {
		bars, err := client.FetchKlines(ctx, interval, historicalBarsToFetch, 0)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, bar := range bars {
			bar.IsClosed = true
			manager.Buffers().Append(interval, bar)
			if err := store.UpsertKline(ctx, symbol, interval, bar); err != nil {
				log.Printf("engine: warmup kline persist failed: %v", err)
			}
		}
	}
	return firstErr
}

func fundingLoop(ctx context.Context, portfolioSvc *portfolio.Service, zlog *zap.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			portfolioSvc.FundingLoop(ctx, false)
		}
	}
}

func defaultParamsFor(registry *strategy.Registry) func(tag string) (map[string]interface{}, map[string]interface{}) {
	return func(tag string) (map[string]interface{}, map[string]interface{}) {
		_, reg, ok := registry.Build(tag, "_defaults_")
		if !ok {
			return nil, nil
		}
		return reg.DefaultParams, nil
	}
}

func defaultIndicatorsFor(registry *strategy.Registry) func(tag string) (map[string]interface{}, map[string]interface{}) {
	return func(tag string) (map[string]interface{}, map[string]interface{}) {
		_, reg, ok := registry.Build(tag, "_defaults_")
		if !ok {
			return nil, nil
		}
		return nil, reg.DefaultIndicators
	}
}

func buildStrategyRisk(p config.Profile) position.StrategyRisk {
	risk := asFloatMap(p.Risk)
	cooldown := 0
	if v, ok := p.Risk["cooldown_bars_after_stop"]; ok {
		if f, ok := toFloat(v); ok {
			cooldown = int(f)
		}
	}
	return position.StrategyRisk{
		FeeRate:              risk["fee_rate"],
		MaxPositionNotional:  risk["max_position_notional"],
		MaxPositionPctEquity: risk["max_position_pct_equity"],
		CooldownAfterStop:    cooldown,
	}
}

func asFloatMap(m map[string]interface{}) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		if f, ok := toFloat(v); ok {
			out[k] = f
		}
	}
	return out
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}
