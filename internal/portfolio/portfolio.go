// Package portfolio implements PortfolioService (§4.6): per-strategy
// account maintenance, tiered-MMR liquidation pricing, equity snapshots,
// and periodic funding settlement. Money math is done in
// shopspring/decimal to avoid float drift across many incremental
// updates (grounded in the atlas-ai teacher's backtester.Portfolio);
// values cross into domain.Account/EquitySnapshot as float64 at the API/
// storage boundary.
package portfolio

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perpsim/internal/alert"
	"perpsim/internal/domain"
	"perpsim/internal/metrics"
	"perpsim/internal/persistence"
)

// PositionProvider is the read-only view PortfolioService needs of
// currently open positions. Mutation stays on the PositionService side —
// this breaks the PositionService/PortfolioService cycle §9 calls out, by
// keeping funding a PortfolioService-initiated read rather than a shared
// mutable map.
type PositionProvider interface {
	OpenPosition(strategy string) *domain.PositionState
	Strategies() []string
}

// FundingRate is one upstream funding-rate observation.
type FundingRate struct {
	FundingTime int64
	Rate        float64
}

// FundingRateFetcher is the upstream collaborator used by funding_loop.
type FundingRateFetcher interface {
	FetchFundingRate(ctx context.Context) (FundingRate, error)
}

type accountState struct {
	balance    decimal.Decimal
	equity     decimal.Decimal
	upl        decimal.Decimal
	marginUsed decimal.Decimal
	freeMargin decimal.Decimal
}

// Service is PortfolioService.
type Service struct {
	mu sync.RWMutex

	symbol   string
	leverage map[string]int
	tiers    map[string][]Tier
	accounts map[string]*accountState

	positions PositionProvider
	store     *persistence.Store
	alerts    *alert.Recorder
	funding   FundingRateFetcher
	metrics   *metrics.Registry

	latestStatusStrategy string
	lastPrice            float64
}

// NewService builds a PortfolioService. initialCapital is per-strategy,
// keyed the same as leverage/tiers. reg may be nil.
func NewService(symbol string, initialCapital map[string]float64, leverage map[string]int, tiers map[string][]Tier, positions PositionProvider, store *persistence.Store, alerts *alert.Recorder, funding FundingRateFetcher, reg *metrics.Registry) *Service {
	accounts := make(map[string]*accountState, len(initialCapital))
	for sid, cap := range initialCapital {
		bal := decimal.NewFromFloat(cap)
		accounts[sid] = &accountState{balance: bal, equity: bal, freeMargin: bal}
	}
	return &Service{
		symbol:    symbol,
		leverage:  leverage,
		tiers:     tiers,
		accounts:  accounts,
		positions: positions,
		store:     store,
		alerts:    alerts,
		funding:   funding,
		metrics:   reg,
	}
}

// CalcRealizedPnL implements calc_realized_pnl.
func CalcRealizedPnL(side domain.Side, entry, price, qty float64) float64 {
	if side == domain.Long {
		return (price - entry) * qty
	}
	return (entry - price) * qty
}

// SelectMMR implements select_mmr for one strategy.
func (s *Service) SelectMMR(strategy string, notional float64) Tier {
	tiers := s.tiers[strategy]
	if len(tiers) == 0 {
		tiers = DefaultTiers()
	}
	return selectTier(tiers, notional)
}

// CalcLiqPrice implements calc_liq_price: isolated-margin approximation
// with the zero-denominator fallback to entry price.
func (s *Service) CalcLiqPrice(strategy string, entry float64, side domain.Side, qty float64) float64 {
	lev := s.leverage[strategy]
	if lev <= 0 {
		lev = 1
	}
	margin := entry * qty / float64(lev)
	notional := entry * qty
	tier := s.SelectMMR(strategy, notional)

	if side == domain.Long {
		denom := (tier.MMR - 1) * qty
		if denom == 0 {
			return entry
		}
		return (margin - notional - tier.MaintAmount) / denom
	}
	denom := (1 + tier.MMR) * qty
	if denom == 0 {
		return entry
	}
	return (margin + notional - tier.MaintAmount) / denom
}

// Account returns a defensive copy of one strategy's account state, the
// snapshot-on-read discipline §5 requires for readers outside the
// ingestion goroutine.
func (s *Service) Account(strategy string) domain.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc := s.accounts[strategy]
	if acc == nil {
		return domain.Account{Strategy: strategy}
	}
	return toDomainAccount(strategy, acc)
}

func toDomainAccount(strategy string, acc *accountState) domain.Account {
	return domain.Account{
		Strategy:   strategy,
		Balance:    toFloat(acc.balance),
		Equity:     toFloat(acc.equity),
		UPL:        toFloat(acc.upl),
		MarginUsed: toFloat(acc.marginUsed),
		FreeMargin: toFloat(acc.freeMargin),
	}
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// BalanceFloat returns a strategy's current balance as a plain float64,
// used by PositionService when sizing new positions.
func (s *Service) BalanceFloat(strategy string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc := s.accounts[strategy]
	if acc == nil {
		return 0
	}
	return toFloat(acc.balance)
}

// Leverage returns a strategy's configured leverage.
func (s *Service) Leverage(strategy string) int {
	lev := s.leverage[strategy]
	if lev <= 0 {
		return 1
	}
	return lev
}

// ApplyBalanceDelta adds delta (fee debit, realized pnl credit, funding)
// to a strategy's balance. Called by PositionService and funding_loop —
// the one piece of account mutation that crosses component boundaries
// (§9's cyclic-reference note), always funneled through this method so
// equity/free_margin stay derived rather than independently written.
func (s *Service) ApplyBalanceDelta(strategy string, delta float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc := s.accounts[strategy]
	if acc == nil {
		acc = &accountState{}
		s.accounts[strategy] = acc
	}
	acc.balance = acc.balance.Add(decimal.NewFromFloat(delta))
}

// UpdateStatus implements update_status: recompute UPL/margin_used/
// equity/free_margin at the mark price for every strategy, and remember
// the first-listed strategy's id for the external status store handoff
// (the API layer reads Account(firstStrategy) as the default summary).
func (s *Service) UpdateStatus(price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastPrice = price
	ids := s.positions.Strategies()
	for i, sid := range ids {
		if i == 0 {
			s.latestStatusStrategy = sid
		}
		acc := s.accounts[sid]
		if acc == nil {
			acc = &accountState{}
			s.accounts[sid] = acc
		}
		pos := s.positions.OpenPosition(sid)
		if pos == nil {
			acc.upl = decimal.Zero
			acc.marginUsed = decimal.Zero
		} else {
			upl := CalcRealizedPnL(pos.Side, pos.EntryPrice, price, pos.Qty)
			acc.upl = decimal.NewFromFloat(upl)
			lev := s.Leverage(sid)
			acc.marginUsed = decimal.NewFromFloat(pos.Qty * price / float64(lev))
		}
		acc.equity = acc.balance.Add(acc.upl)
		acc.freeMargin = acc.equity.Sub(acc.marginUsed)
	}
}

// DefaultStrategy returns the first-listed strategy id used as the
// external status store's default summary target.
func (s *Service) DefaultStrategy() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestStatusStrategy
}

// SnapshotEquity implements snapshot_equity: append one EquitySnapshot per
// strategy. Append-only, never updated.
func (s *Service) SnapshotEquity(ctx context.Context) {
	s.mu.RLock()
	now := time.Now().UnixMilli()
	snapshots := make([]domain.EquitySnapshot, 0, len(s.accounts))
	for sid, acc := range s.accounts {
		snapshots = append(snapshots, domain.EquitySnapshot{
			Strategy: sid, Timestamp: now,
			Balance: toFloat(acc.balance), Equity: toFloat(acc.equity),
			UPL: toFloat(acc.upl), MarginUsed: toFloat(acc.marginUsed), FreeMargin: toFloat(acc.freeMargin),
		})
	}
	s.mu.RUnlock()

	for _, snap := range snapshots {
		if err := s.store.InsertEquitySnapshot(ctx, snap); err != nil {
			log.Printf("portfolio: equity snapshot insert failed for %s: %v", snap.Strategy, err)
		}
	}
}

// RestoreFromSnapshot seeds a strategy's account from its last persisted
// EquitySnapshot, used on restart recovery.
func (s *Service) RestoreFromSnapshot(strategy string, snap domain.EquitySnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[strategy] = &accountState{
		balance:    decimal.NewFromFloat(snap.Balance),
		equity:     decimal.NewFromFloat(snap.Equity),
		upl:        decimal.NewFromFloat(snap.UPL),
		marginUsed: decimal.NewFromFloat(snap.MarginUsed),
		freeMargin: decimal.NewFromFloat(snap.FreeMargin),
	}
}

// FundingLoop runs funding_loop once: fetches the latest rate and, if
// fresh enough (or forced), applies it to every strategy with an open
// position, idempotently via the ledger's (strategy, funding, ref) dedup
// key (I3).
func (s *Service) FundingLoop(ctx context.Context, force bool) {
	rate, err := s.funding.FetchFundingRate(ctx)
	if err != nil {
		log.Printf("portfolio: funding fetch failed, skipping cycle: %v", err)
		return
	}

	if !force {
		age := time.Now().UnixMilli() - rate.FundingTime
		if age < 0 {
			age = -age
		}
		if age > 3*60*1000 {
			return
		}
	}

	s.mu.RLock()
	markPrice := s.lastPrice
	s.mu.RUnlock()

	ref := fmt.Sprintf("%d", rate.FundingTime)
	for _, sid := range s.positions.Strategies() {
		pos := s.positions.OpenPosition(sid)
		if pos == nil {
			continue
		}
		price := markPrice
		if price == 0 {
			price = pos.EntryPrice
		}
		s.applyFundingToStrategy(ctx, sid, pos, price, rate, ref)
	}
}

func (s *Service) applyFundingToStrategy(ctx context.Context, strategy string, pos *domain.PositionState, price float64, rate FundingRate, ref string) {
	exists, err := s.store.LedgerEntryExists(ctx, strategy, domain.LedgerFunding, ref)
	if err != nil {
		log.Printf("portfolio: funding dedup check failed for %s: %v", strategy, err)
		return
	}
	if exists {
		return
	}

	sign := 1.0
	if pos.Side == domain.Short {
		sign = -1.0
	}
	pnl := pos.Qty * price * rate.Rate * sign

	entry := domain.LedgerEntry{
		Strategy: strategy, Timestamp: time.Now().UnixMilli(), Type: domain.LedgerFunding,
		Amount: pnl, Currency: "USDT", Symbol: s.symbol, Ref: ref, Note: "funding settlement",
	}
	if err := s.store.InsertLedgerEntry(ctx, entry); err != nil {
		log.Printf("portfolio: funding ledger insert failed for %s: %v", strategy, err)
		return
	}
	s.ApplyBalanceDelta(strategy, pnl)
	if s.metrics != nil {
		s.metrics.FundingApplied.Inc()
	}

	if s.alerts != nil {
		s.alerts.Publish(ctx, alert.Event{Strategy: strategy, Kind: "funding", Message: fmt.Sprintf("funding settled: %.4f", pnl)})
	}
}
