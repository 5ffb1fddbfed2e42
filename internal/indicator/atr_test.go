package indicator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpsim/internal/market"
)

func TestATRSeedsOnFirstBarHighLow(t *testing.T) {
	spec := NewATRSpec("atr", market.Interval15m, 2, 3)
	first := spec.Update(market.Bar{High: 10, Low: 8, Close: 9, IsClosed: true})
	assert.Nil(t, first.Value, "warmup_bars=3 so first bar alone isn't enough")

	second := spec.Update(market.Bar{High: 11, Low: 9, Close: 10, IsClosed: true})
	assert.Nil(t, second.Value)

	third := spec.Update(market.Bar{High: 12, Low: 10, Close: 11, IsClosed: true})
	require.NotNil(t, third.Value)
	assert.InDelta(t, 2.0, *third.Value, 1e-9, "TR is 2 on every bar, so an atr seeded at high-low=2 stays at 2")
}

func TestMACDPublishesHistogramAndLines(t *testing.T) {
	spec := NewMACDSpec("macd", market.Interval15m, 3, 6, 3, 5)
	closes := []float64{10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25}
	var last Result
	for _, c := range closes {
		last = spec.Update(market.Bar{Close: c, High: c, Low: c, IsClosed: true})
	}
	require.NotNil(t, last.Value)
	require.Contains(t, last.Extras, "macd")
	require.Contains(t, last.Extras, "signal")
}
