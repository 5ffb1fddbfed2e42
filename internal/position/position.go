// Package position implements PositionService (§4.7): opens and closes
// simulated positions (including TP1 partial close with stop-to-entry
// trailing), writes trades and ledger entries, and maintains per-strategy
// cooldown counters.
package position

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"perpsim/internal/alert"
	"perpsim/internal/domain"
	"perpsim/internal/metrics"
	"perpsim/internal/persistence"
	"perpsim/internal/portfolio"
)

// BalanceSource is the slice of PortfolioService PositionService needs:
// balance reads and the single write path for fee/PnL deltas, plus
// leverage/liq-price math. *portfolio.Service satisfies it; this package
// still imports portfolio directly for CalcRealizedPnL and the funding hook.
type BalanceSource interface {
	BalanceFloat(strategy string) float64
	ApplyBalanceDelta(strategy string, delta float64)
	Leverage(strategy string) int
	CalcLiqPrice(strategy string, entry float64, side domain.Side, qty float64) float64
}

// StreamPublisher pushes live trade/position events to the WS stream
// layer. Nil-safe: a nil publisher just means nothing streams.
type StreamPublisher interface {
	PublishTrade(t domain.Trade)
	PublishPosition(rec domain.PositionRecord)
}

// StrategyRisk is one strategy's sizing/fee/cooldown configuration.
type StrategyRisk struct {
	FeeRate               float64
	MaxPositionNotional    float64
	MaxPositionPctEquity   float64
	CooldownAfterStop      int
}

// Service is PositionService.
type Service struct {
	mu sync.RWMutex

	symbol    string
	risk      map[string]StrategyRisk
	open      map[string]*domain.PositionState
	cooldowns map[string]int

	store     *persistence.Store
	portfolio BalanceSource
	alerts    *alert.Recorder
	stream    StreamPublisher
	funding   *portfolio.Service
	metrics   *metrics.Registry
}

// NewService builds a PositionService. reg may be nil.
func NewService(symbol string, risk map[string]StrategyRisk, store *persistence.Store, bal BalanceSource, alerts *alert.Recorder, stream StreamPublisher, funding *portfolio.Service, reg *metrics.Registry) *Service {
	return &Service{
		symbol:    symbol,
		risk:      risk,
		open:      make(map[string]*domain.PositionState),
		cooldowns: make(map[string]int),
		store:     store,
		portfolio: bal,
		alerts:    alerts,
		stream:    stream,
		funding:   funding,
		metrics:   reg,
	}
}

// OpenPosition returns a defensive copy of a strategy's open position, or
// nil. Implements portfolio.PositionProvider.
func (s *Service) OpenPosition(strategy string) *domain.PositionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos := s.open[strategy]
	if pos == nil {
		return nil
	}
	cp := *pos
	return &cp
}

// Strategies lists strategy ids with a risk profile registered.
// Implements portfolio.PositionProvider.
func (s *Service) Strategies() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.risk))
	for sid := range s.risk {
		out = append(out, sid)
	}
	return out
}

// CooldownRemaining returns a strategy's cooldown counter.
func (s *Service) CooldownRemaining(strategy string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cooldowns[strategy]
}

// DecrementCooldown ticks every strategy's cooldown down by one, floored
// at zero. Called on every 15m close only (§9 Open Question resolution).
func (s *Service) DecrementCooldown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sid, n := range s.cooldowns {
		if n > 0 {
			s.cooldowns[sid] = n - 1
		}
	}
}

func (s *Service) feeRate(strategy string) float64 {
	if r, ok := s.risk[strategy]; ok {
		return r.FeeRate
	}
	return 0.0004
}

// Open implements open_position: no-op if a position is already open.
func (s *Service) Open(ctx context.Context, strategy string, signal domain.EntrySignal, entryPrice float64, now int64) error {
	s.mu.Lock()
	if s.open[strategy] != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	risk := s.risk[strategy]
	balance := s.portfolio.BalanceFloat(strategy)
	leverage := s.portfolio.Leverage(strategy)

	cap := risk.MaxPositionPctEquity * balance * float64(leverage)
	notionalCap := risk.MaxPositionNotional
	if cap < notionalCap {
		notionalCap = cap
	}
	if notionalCap <= 0 {
		return fmt.Errorf("position.Open: non-positive notional cap for %s", strategy)
	}
	qty := notionalCap / entryPrice

	feeRate := s.feeRate(strategy)
	fee := notionalCap * feeRate
	margin := entryPrice * qty / float64(leverage)
	liq := s.portfolio.CalcLiqPrice(strategy, entryPrice, signal.Side, qty)

	positionID := uuid.NewString()
	rec := domain.PositionRecord{
		PositionID: positionID, Strategy: strategy, Symbol: s.symbol, Side: signal.Side,
		EntryPrice: entryPrice, Qty: qty, StopPrice: signal.StopPrice, TP1Price: signal.TP1Price,
		TP2Price: signal.TP2Price, EntryTime: now, Leverage: leverage, Margin: margin,
		Status: domain.Open, FeesTotal: fee, LiqPrice: liq, CreatedAt: now, UpdatedAt: now,
	}
	if err := s.store.InsertPosition(ctx, rec); err != nil {
		return fmt.Errorf("position.Open: persist position: %w", err)
	}

	tradeID := uuid.NewString()
	tradeSide := domain.Buy
	if signal.Side == domain.Short {
		tradeSide = domain.Sell
	}
	trade := domain.Trade{
		TradeID: tradeID, Strategy: strategy, Symbol: s.symbol, PositionID: positionID,
		Side: tradeSide, Type: domain.Entry, Price: entryPrice, Qty: qty, Notional: notionalCap,
		FeeAmount: fee, FeeRate: feeRate, Timestamp: now, Reason: signal.Reason,
	}
	if err := s.store.InsertTrade(ctx, trade); err != nil {
		log.Printf("position.Open: trade insert failed: %v", err)
	}

	ledger := domain.LedgerEntry{
		Strategy: strategy, Timestamp: now, Type: domain.LedgerFee, Amount: -fee,
		Currency: "USDT", Symbol: s.symbol, Ref: tradeID, Note: "entry fee",
	}
	if err := s.store.InsertLedgerEntry(ctx, ledger); err != nil {
		log.Printf("position.Open: ledger insert failed: %v", err)
	}

	s.portfolio.ApplyBalanceDelta(strategy, -fee)

	s.mu.Lock()
	s.open[strategy] = &domain.PositionState{
		PositionID: positionID, Strategy: strategy, Symbol: s.symbol, Side: signal.Side,
		EntryPrice: entryPrice, Qty: qty, StopPrice: signal.StopPrice, TP1Price: signal.TP1Price,
		TP2Price: signal.TP2Price, Leverage: leverage, Margin: margin, LiqPrice: liq, EntryTime: now,
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.PositionsOpened.WithLabelValues(strategy).Inc()
		s.metrics.OpenPositions.WithLabelValues(strategy).Set(1)
	}

	if s.stream != nil {
		s.stream.PublishTrade(trade)
		s.stream.PublishPosition(rec)
	}
	if s.alerts != nil {
		s.alerts.Publish(ctx, alert.Event{Strategy: strategy, Kind: "entry", Message: fmt.Sprintf("opened %s %.4f @ %.2f", signal.Side, qty, entryPrice)})
	}
	return nil
}

// CloseByAction implements close_by_action, including the TP2-before-TP1
// synthesis tie-break (§4.7, S3).
func (s *Service) CloseByAction(ctx context.Context, strategy string, action domain.ExitActionKind, price float64, now int64) error {
	s.mu.RLock()
	pos := s.open[strategy]
	s.mu.RUnlock()
	if pos == nil {
		return nil
	}

	if action == domain.ActionTP2 && !pos.TP1Hit {
		if err := s.closeTP1(ctx, strategy, pos, now); err != nil {
			return err
		}
		s.mu.RLock()
		pos = s.open[strategy]
		s.mu.RUnlock()
		if pos == nil {
			return nil
		}
	}

	switch action {
	case domain.ActionTP1:
		if pos.TP1Hit {
			return nil // idempotent: TP1 already fired
		}
		return s.closeTP1(ctx, strategy, pos, now)
	case domain.ActionStop:
		return s.closeFull(ctx, strategy, pos, price, domain.CloseReasonStop, now, true)
	case domain.ActionTP2:
		return s.closeFull(ctx, strategy, pos, pos.TP2Price, domain.CloseReasonTP2, now, false)
	case domain.ActionCloseAll:
		return s.closeFull(ctx, strategy, pos, price, domain.CloseReasonCloseAll, now, false)
	}
	return nil
}

// closeTP1 halves qty, trails the stop to entry, and leaves the position
// OPEN (I5).
func (s *Service) closeTP1(ctx context.Context, strategy string, pos *domain.PositionState, now int64) error {
	half := pos.Qty / 2
	notional := pos.TP1Price * half
	feeRate := s.feeRate(strategy)
	fee := notional * feeRate
	realized := portfolio.CalcRealizedPnL(pos.Side, pos.EntryPrice, pos.TP1Price, half)

	tradeID := uuid.NewString()
	tradeSide := domain.Sell
	if pos.Side == domain.Short {
		tradeSide = domain.Buy
	}
	trade := domain.Trade{
		TradeID: tradeID, Strategy: strategy, Symbol: s.symbol, PositionID: pos.PositionID,
		Side: tradeSide, Type: domain.Exit, Price: pos.TP1Price, Qty: half, Notional: notional,
		FeeAmount: fee, FeeRate: feeRate, Timestamp: now, Reason: "tp1",
	}
	if err := s.store.InsertTrade(ctx, trade); err != nil {
		log.Printf("position.closeTP1: trade insert failed: %v", err)
	}
	ledgerFee := domain.LedgerEntry{Strategy: strategy, Timestamp: now, Type: domain.LedgerFee, Amount: -fee, Currency: "USDT", Symbol: s.symbol, Ref: tradeID, Note: "tp1 exit fee"}
	if err := s.store.InsertLedgerEntry(ctx, ledgerFee); err != nil {
		log.Printf("position.closeTP1: ledger insert failed: %v", err)
	}

	newQty := pos.Qty - half
	newStop := pos.EntryPrice
	if err := s.store.UpdatePositionPartial(ctx, pos.PositionID, newQty, newStop, true, fee, now); err != nil {
		return fmt.Errorf("position.closeTP1: persist partial close: %w", err)
	}

	s.portfolio.ApplyBalanceDelta(strategy, realized-fee)

	s.mu.Lock()
	if cur := s.open[strategy]; cur != nil && cur.PositionID == pos.PositionID {
		cur.Qty = newQty
		cur.StopPrice = newStop
		cur.TP1Hit = true
	}
	s.mu.Unlock()

	if s.stream != nil {
		s.stream.PublishTrade(trade)
	}
	if s.alerts != nil {
		s.alerts.Publish(ctx, alert.Event{Strategy: strategy, Kind: "tp1", Message: fmt.Sprintf("tp1 closed %.4f @ %.2f, realized %.2f", half, pos.TP1Price, realized)})
	}
	if s.funding != nil {
		s.funding.FundingLoop(ctx, true)
	}
	return nil
}

// closeFull closes all remaining qty, finalizes the PositionRecord, and on
// STOP sets the cooldown counter.
func (s *Service) closeFull(ctx context.Context, strategy string, pos *domain.PositionState, price float64, reason domain.CloseReason, now int64, isStop bool) error {
	notional := price * pos.Qty
	feeRate := s.feeRate(strategy)
	fee := notional * feeRate
	realized := portfolio.CalcRealizedPnL(pos.Side, pos.EntryPrice, price, pos.Qty)

	tradeID := uuid.NewString()
	tradeSide := domain.Sell
	if pos.Side == domain.Short {
		tradeSide = domain.Buy
	}
	trade := domain.Trade{
		TradeID: tradeID, Strategy: strategy, Symbol: s.symbol, PositionID: pos.PositionID,
		Side: tradeSide, Type: domain.Exit, Price: price, Qty: pos.Qty, Notional: notional,
		FeeAmount: fee, FeeRate: feeRate, Timestamp: now, Reason: string(reason),
	}
	if err := s.store.InsertTrade(ctx, trade); err != nil {
		log.Printf("position.closeFull: trade insert failed: %v", err)
	}
	ledgerFee := domain.LedgerEntry{Strategy: strategy, Timestamp: now, Type: domain.LedgerFee, Amount: -fee, Currency: "USDT", Symbol: s.symbol, Ref: tradeID, Note: "exit fee"}
	if err := s.store.InsertLedgerEntry(ctx, ledgerFee); err != nil {
		log.Printf("position.closeFull: ledger insert failed: %v", err)
	}
	ledgerPnL := domain.LedgerEntry{Strategy: strategy, Timestamp: now, Type: domain.LedgerRealizedPnL, Amount: realized, Currency: "USDT", Symbol: s.symbol, Ref: tradeID, Note: "realized pnl"}
	if err := s.store.InsertLedgerEntry(ctx, ledgerPnL); err != nil {
		log.Printf("position.closeFull: realized pnl ledger insert failed: %v", err)
	}

	if err := s.store.ClosePosition(ctx, pos.PositionID, realized, fee, now, reason, now); err != nil {
		return fmt.Errorf("position.closeFull: persist close: %w", err)
	}

	s.portfolio.ApplyBalanceDelta(strategy, realized-fee)

	s.mu.Lock()
	delete(s.open, strategy)
	if isStop {
		s.cooldowns[strategy] = s.risk[strategy].CooldownAfterStop
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.PositionsClosed.WithLabelValues(strategy, string(reason)).Inc()
		s.metrics.OpenPositions.WithLabelValues(strategy).Set(0)
	}

	if s.stream != nil {
		s.stream.PublishTrade(trade)
	}
	if s.alerts != nil {
		s.alerts.Publish(ctx, alert.Event{Strategy: strategy, Kind: string(reason), Message: fmt.Sprintf("closed %.4f @ %.2f, realized %.2f", pos.Qty, price, realized)})
	}
	if s.funding != nil {
		s.funding.FundingLoop(ctx, true)
	}
	return nil
}
