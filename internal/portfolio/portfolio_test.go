package portfolio

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpsim/internal/domain"
	"perpsim/internal/persistence"
)

type fakePositions struct {
	positions map[string]*domain.PositionState
}

func (f *fakePositions) OpenPosition(strategy string) *domain.PositionState {
	return f.positions[strategy]
}

func (f *fakePositions) Strategies() []string {
	out := make([]string, 0, len(f.positions))
	for sid := range f.positions {
		out = append(out, sid)
	}
	return out
}

type stubFunding struct {
	rate FundingRate
	err  error
}

func (s stubFunding) FetchFundingRate(ctx context.Context) (FundingRate, error) {
	return s.rate, s.err
}

func newTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSelectMMRPicksFirstTierAtOrAboveNotional(t *testing.T) {
	svc := NewService("BTCUSDT", nil, map[string]int{"s1": 10}, map[string][]Tier{
		"s1": {
			{NotionalUSDT: 50000, MMR: 0.004},
			{NotionalUSDT: 250000, MMR: 0.005},
			{NotionalUSDT: 1000000, MMR: 0.01},
		},
	}, nil, nil, nil, nil, nil)

	assert.Equal(t, 0.004, svc.SelectMMR("s1", 10000).MMR)
	assert.Equal(t, 0.004, svc.SelectMMR("s1", 50000).MMR)
	assert.Equal(t, 0.005, svc.SelectMMR("s1", 50001).MMR)
	assert.Equal(t, 0.01, svc.SelectMMR("s1", 5000000).MMR, "above the highest tier falls back to the last tier")
}

func TestSelectMMRFallsBackToDefaultWhenUnconfigured(t *testing.T) {
	svc := NewService("BTCUSDT", nil, map[string]int{"s1": 10}, nil, nil, nil, nil, nil, nil)
	tier := svc.SelectMMR("s1", 1000)
	assert.Equal(t, DefaultTiers()[0].MMR, tier.MMR)
}

func TestCalcLiqPriceZeroDenominatorFallsBackToEntry(t *testing.T) {
	svc := NewService("BTCUSDT", nil, map[string]int{"s1": 1}, map[string][]Tier{
		"s1": {{NotionalUSDT: 1000000, MMR: 1, MaintAmount: 0}},
	}, nil, nil, nil, nil, nil)
	// MMR=1 makes the LONG denominator (MMR-1)*qty == 0.
	liq := svc.CalcLiqPrice("s1", 100, domain.Long, 10)
	assert.Equal(t, 100.0, liq)
}

// TestUpdateStatusMaintainsEquityIdentity checks I2: equity = balance + upl
// after every UpdateStatus call, with and without an open position.
func TestUpdateStatusMaintainsEquityIdentity(t *testing.T) {
	positions := &fakePositions{positions: map[string]*domain.PositionState{}}
	svc := NewService("BTCUSDT", map[string]float64{"s1": 1000}, map[string]int{"s1": 10}, nil, positions, nil, nil, nil, nil)

	svc.UpdateStatus(100)
	acc := svc.Account("s1")
	assert.InDelta(t, acc.Balance, acc.Equity, 1e-9, "no open position: equity == balance")
	assert.Equal(t, 0.0, acc.UPL)

	positions.positions["s1"] = &domain.PositionState{Strategy: "s1", Side: domain.Long, EntryPrice: 100, Qty: 10}
	svc.UpdateStatus(110)
	acc = svc.Account("s1")
	assert.InDelta(t, 100.0, acc.UPL, 1e-9, "(110-100)*10 = 100")
	assert.InDelta(t, acc.Balance+acc.UPL, acc.Equity, 1e-9)
	assert.InDelta(t, acc.Equity-acc.MarginUsed, acc.FreeMargin, 1e-9)
}

// TestFundingLoopAppliesOnceIdempotently checks I3: two FundingLoop
// invocations carrying the same FundingTime must only post one ledger
// entry/balance delta, enforced via the (strategy, type, ref) dedup key.
func TestFundingLoopAppliesOnceIdempotently(t *testing.T) {
	store := newTestStore(t)
	positions := &fakePositions{positions: map[string]*domain.PositionState{
		"s1": {Strategy: "s1", Side: domain.Long, EntryPrice: 100, Qty: 10},
	}}
	funding := stubFunding{rate: FundingRate{FundingTime: 1000, Rate: 0.0001}}
	svc := NewService("BTCUSDT", map[string]float64{"s1": 1000}, map[string]int{"s1": 10}, nil, positions, store, nil, funding, nil)

	svc.UpdateStatus(100)
	svc.FundingLoop(context.Background(), true)
	afterFirst := svc.Account("s1")

	svc.FundingLoop(context.Background(), true)
	afterSecond := svc.Account("s1")

	assert.InDelta(t, afterFirst.Balance, afterSecond.Balance, 1e-9, "same funding_time must apply exactly once")

	entries, err := store.ListLedger(context.Background(), "s1", 0, 0, 10, 0)
	require.NoError(t, err)
	fundingCount := 0
	for _, e := range entries {
		if e.Type == domain.LedgerFunding {
			fundingCount++
		}
	}
	assert.Equal(t, 1, fundingCount)
}

// TestFundingMarksToCurrentPriceNotEntry covers the funding-settlement
// mark-price fix: pnl must scale with the live price, not the position's
// entry price, once UpdateStatus has observed one.
func TestFundingMarksToCurrentPriceNotEntry(t *testing.T) {
	store := newTestStore(t)
	positions := &fakePositions{positions: map[string]*domain.PositionState{
		"s1": {Strategy: "s1", Side: domain.Long, EntryPrice: 100, Qty: 10},
	}}
	funding := stubFunding{rate: FundingRate{FundingTime: 2000, Rate: 0.0001}}
	svc := NewService("BTCUSDT", map[string]float64{"s1": 1000}, map[string]int{"s1": 10}, nil, positions, store, nil, funding, nil)

	svc.UpdateStatus(200) // price has doubled since entry
	svc.FundingLoop(context.Background(), true)

	acc := svc.Account("s1")
	// pnl = qty * price * rate * sign(LONG) = 10 * 200 * 0.0001 = 0.2
	assert.InDelta(t, 1000+0.2, acc.Balance, 1e-9)
}
