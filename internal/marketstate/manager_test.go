package marketstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpsim/internal/indicator"
	"perpsim/internal/market"
)

func closedBar(closeTime int64, price float64) market.Bar {
	return market.Bar{OpenTime: closeTime - 1, CloseTime: closeTime, Open: price, High: price, Low: price, Close: price, IsClosed: true}
}

func TestWarmupBarsTakesMaxAcrossStrategies(t *testing.T) {
	engine := indicator.NewEngine()
	m := NewManager(engine)

	m.RegisterStrategy("s1", []indicator.Spec{indicator.NewEMASpec("ema_fast", market.Interval15m, 1, 10)}, nil)
	m.RegisterStrategy("s2", []indicator.Spec{indicator.NewEMASpec("ema_slow", market.Interval15m, 19, 10)}, nil)

	assert.Equal(t, 20, m.WarmupBars(market.Interval15m), "max warmup across every registered strategy's spec")
	assert.Equal(t, 0, m.WarmupBars(market.Interval1h), "no strategy declared a 1h spec")
}

func TestPrimesOneHourBeforeFifteenMinute(t *testing.T) {
	engine := indicator.NewEngine()
	m := NewManager(engine)
	m.RegisterStrategy("s1", []indicator.Spec{
		indicator.NewEMASpec("ema_1h", market.Interval1h, 1, 5),
		indicator.NewEMASpec("ema_15m", market.Interval15m, 1, 5),
	}, nil)
	m.BufferSizes()

	require.NotNil(t, m.Buffers())
	m.Buffers().Append(market.Interval1h, closedBar(1000, 100))
	m.Buffers().Append(market.Interval1h, closedBar(2000, 110))
	m.Buffers().Append(market.Interval15m, closedBar(1500, 101))

	m.Prime()

	// After priming, a 15m close must see both the 15m EMA's own value and
	// the cached 1h EMA merged in (on_kline_close's per-strategy merge).
	result := m.OnKlineClose(market.Interval15m, closedBar(3000, 105))
	require.NotNil(t, result)
	ctx, ok := result.PerStrategy["s1"]
	require.True(t, ok)
	assert.NotNil(t, ctx.Indicators["ema_1h"], "1h indicator must have been primed before any 15m close merges it in")
	assert.NotNil(t, ctx.Indicators["ema_15m"])
}

func TestOneHourCloseProducesNoStrategyContext(t *testing.T) {
	engine := indicator.NewEngine()
	m := NewManager(engine)
	m.RegisterStrategy("s1", []indicator.Spec{indicator.NewEMASpec("ema_1h", market.Interval1h, 1, 5)}, nil)
	m.BufferSizes()

	result := m.OnKlineClose(market.Interval1h, closedBar(1000, 100))
	assert.Nil(t, result, "a 1h close only caches the result, it never assembles a strategy context")
}

func TestFifteenMinuteCloseMergesCachedOneHour(t *testing.T) {
	engine := indicator.NewEngine()
	m := NewManager(engine)
	m.RegisterStrategy("s1", []indicator.Spec{
		indicator.NewEMASpec("ema_1h", market.Interval1h, 1, 5),
	}, nil)
	m.BufferSizes()

	m.OnKlineClose(market.Interval1h, closedBar(1000, 100))
	m.OnKlineClose(market.Interval1h, closedBar(2000, 110))
	cached1h := m.last1h["s1"]["ema_1h"].Value
	require.NotNil(t, cached1h)

	result := m.OnKlineClose(market.Interval15m, closedBar(1500, 105))
	require.NotNil(t, result)
	ctx := result.PerStrategy["s1"]
	require.NotNil(t, ctx.Indicators["ema_1h"])
	assert.Equal(t, *cached1h, *ctx.Indicators["ema_1h"], "the 15m context must carry the most recently cached 1h value, unmodified by the 15m close itself")
}

func TestOnKlineUpdateNeverMutatesEngineState(t *testing.T) {
	engine := indicator.NewEngine()
	m := NewManager(engine)
	m.RegisterStrategy("s1", []indicator.Spec{indicator.NewEMASpec("ema", market.Interval15m, 2, 5)}, nil)
	m.BufferSizes()

	preview := m.OnKlineUpdate(market.Interval15m, closedBar(1000, 100))
	assert.NotNil(t, preview)

	// A closed bar that was only previewed must still warm up exactly as if
	// it had never been seen: two previews in a row produce the same result.
	previewAgain := m.OnKlineUpdate(market.Interval15m, closedBar(1000, 100))
	assert.Equal(t, preview["s1"]["ema"].Value, previewAgain["s1"]["ema"].Value)
}
