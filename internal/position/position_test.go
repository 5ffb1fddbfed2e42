package position

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpsim/internal/domain"
	"perpsim/internal/persistence"
	"perpsim/internal/portfolio"
)

// fakeFunding never returns a usable rate, so FundingLoop calls triggered
// from closeTP1/closeFull are no-ops in these tests.
type fakeFunding struct{}

func (fakeFunding) FetchFundingRate(ctx context.Context) (portfolio.FundingRate, error) {
	return portfolio.FundingRate{}, assert.AnError
}

func newTestServices(t *testing.T, strategy string, cooldown int) (*Service, *portfolio.Service) {
	t.Helper()
	store, err := persistence.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	risk := map[string]StrategyRisk{
		// MaxPositionPctEquity*balance*leverage = 3*1000*10 = 30000, so
		// MaxPositionNotional=20000 is the binding cap, giving qty=200 at
		// entry=100 to match the spec's S1/S2 scenario arithmetic.
		strategy: {FeeRate: 0.0004, MaxPositionNotional: 20000, MaxPositionPctEquity: 3, CooldownAfterStop: cooldown},
	}
	leverage := map[string]int{strategy: 10}
	tiers := map[string][]portfolio.Tier{}
	initial := map[string]float64{strategy: 1000}

	posRef := &deferredPositions{}
	pf := portfolio.NewService("BTCUSDT", initial, leverage, tiers, posRef, store, nil, fakeFunding{}, nil)
	ps := NewService("BTCUSDT", risk, store, pf, nil, nil, pf, nil)
	posRef.svc = ps
	return ps, pf
}

// deferredPositions breaks the same construction cycle cmd/engine/main.go
// breaks, scoped to this test file.
type deferredPositions struct{ svc *Service }

func (d *deferredPositions) OpenPosition(strategy string) *domain.PositionState {
	if d.svc == nil {
		return nil
	}
	return d.svc.OpenPosition(strategy)
}

func (d *deferredPositions) Strategies() []string {
	if d.svc == nil {
		return nil
	}
	return d.svc.Strategies()
}

func TestOpenIsNoopWhenAlreadyOpen(t *testing.T) {
	ps, _ := newTestServices(t, "s1", 0)
	ctx := context.Background()
	signal := domain.EntrySignal{Side: domain.Long, StopPrice: 95, TP1Price: 105, TP2Price: 110}

	require.NoError(t, ps.Open(ctx, "s1", signal, 100, 1000))
	first := ps.OpenPosition("s1")
	require.NotNil(t, first)

	require.NoError(t, ps.Open(ctx, "s1", signal, 101, 2000))
	second := ps.OpenPosition("s1")
	require.NotNil(t, second)
	assert.Equal(t, first.PositionID, second.PositionID, "second Open must be a no-op: at most one OPEN position per strategy")
}

// TestTP1HalvesQtyOnceAndTrailsStop matches the spec's S1/S2 scenario
// arithmetic: entry=100, qty=200, fee_rate=0.0004 -> entry fee 8.
func TestTP1HalvesQtyOnceAndTrailsStop(t *testing.T) {
	ps, pf := newTestServices(t, "s1", 0)
	ctx := context.Background()
	signal := domain.EntrySignal{Side: domain.Long, StopPrice: 95, TP1Price: 105, TP2Price: 110}

	require.NoError(t, ps.Open(ctx, "s1", signal, 100, 1000))
	pos := ps.OpenPosition("s1")
	require.NotNil(t, pos)
	require.InDelta(t, 200, pos.Qty, 1e-6)

	acc := pf.Account("s1")
	assert.InDelta(t, 1000-8, acc.Balance, 1e-6, "entry fee = 20000*0.0004 = 8")

	require.NoError(t, ps.CloseByAction(ctx, "s1", domain.ActionTP1, 105, 2000))
	afterTP1 := ps.OpenPosition("s1")
	require.NotNil(t, afterTP1, "TP1 only halves the position, it stays OPEN")
	assert.InDelta(t, 100, afterTP1.Qty, 1e-6)
	assert.True(t, afterTP1.TP1Hit)
	assert.InDelta(t, 100, afterTP1.StopPrice, 1e-6, "stop trails to entry on TP1")

	accAfterTP1 := pf.Account("s1")
	// realized = (105-100)*100 = 500, fee = 105*100*0.0004 = 4.2
	assert.InDelta(t, 1000-8+500-4.2, accAfterTP1.Balance, 1e-6)

	// Calling TP1 again must be a no-op (idempotent, halves-once).
	require.NoError(t, ps.CloseByAction(ctx, "s1", domain.ActionTP1, 106, 2500))
	stillOpen := ps.OpenPosition("s1")
	require.NotNil(t, stillOpen)
	assert.InDelta(t, 100, stillOpen.Qty, 1e-6, "a second TP1 must not halve again")
	accAfterSecondTP1 := pf.Account("s1")
	assert.InDelta(t, accAfterTP1.Balance, accAfterSecondTP1.Balance, 1e-6)
}

// TestTP2ClosesFullPositionAfterTP1 matches S2: TP2 fires after TP1,
// closing the remaining half.
func TestTP2ClosesFullPositionAfterTP1(t *testing.T) {
	ps, pf := newTestServices(t, "s1", 0)
	ctx := context.Background()
	signal := domain.EntrySignal{Side: domain.Long, StopPrice: 95, TP1Price: 105, TP2Price: 110}

	require.NoError(t, ps.Open(ctx, "s1", signal, 100, 1000))
	require.NoError(t, ps.CloseByAction(ctx, "s1", domain.ActionTP1, 105, 2000))
	require.NoError(t, ps.CloseByAction(ctx, "s1", domain.ActionTP2, 110, 3000))

	assert.Nil(t, ps.OpenPosition("s1"), "position must be fully closed after TP2")
	acc := pf.Account("s1")
	// balance after TP1 = 1000-8+500-4.2 = 1487.8
	// TP2: realized=(110-100)*100=1000, fee=110*100*0.0004=4.4 -> +995.6
	assert.InDelta(t, 1487.8+995.6, acc.Balance, 1e-6)
}

// TestTP2BeforeTP1Synthesizes implements S3: a TP2 action arriving before
// TP1 has fired first synthesizes a TP1 close, then proceeds to close the
// remainder at TP2.
func TestTP2BeforeTP1Synthesizes(t *testing.T) {
	ps, pf := newTestServices(t, "s1", 0)
	ctx := context.Background()
	signal := domain.EntrySignal{Side: domain.Long, StopPrice: 95, TP1Price: 105, TP2Price: 110}

	require.NoError(t, ps.Open(ctx, "s1", signal, 100, 1000))
	require.NoError(t, ps.CloseByAction(ctx, "s1", domain.ActionTP2, 110, 2000))

	assert.Nil(t, ps.OpenPosition("s1"), "TP2 synthesizing TP1 first must still end fully closed")
	acc := pf.Account("s1")
	assert.InDelta(t, 1487.8+995.6, acc.Balance, 1e-6, "synthesized TP1 uses pos.TP1Price, not the TP2 fill price")
}

func TestStopSetsCooldown(t *testing.T) {
	ps, _ := newTestServices(t, "s1", 3)
	ctx := context.Background()
	signal := domain.EntrySignal{Side: domain.Long, StopPrice: 95, TP1Price: 105, TP2Price: 110}

	require.NoError(t, ps.Open(ctx, "s1", signal, 100, 1000))
	require.NoError(t, ps.CloseByAction(ctx, "s1", domain.ActionStop, 95, 2000))

	assert.Nil(t, ps.OpenPosition("s1"))
	assert.Equal(t, 3, ps.CooldownRemaining("s1"))

	ps.DecrementCooldown()
	assert.Equal(t, 2, ps.CooldownRemaining("s1"))
}

func TestCloseAllDoesNotSetCooldown(t *testing.T) {
	ps, _ := newTestServices(t, "s1", 3)
	ctx := context.Background()
	signal := domain.EntrySignal{Side: domain.Long, StopPrice: 95, TP1Price: 105, TP2Price: 110}

	require.NoError(t, ps.Open(ctx, "s1", signal, 100, 1000))
	require.NoError(t, ps.CloseByAction(ctx, "s1", domain.ActionCloseAll, 102, 2000))

	assert.Equal(t, 0, ps.CooldownRemaining("s1"), "only STOP sets the cooldown, not CLOSE_ALL")
}
