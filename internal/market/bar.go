// Package market defines the bar (kline) type and the per-interval ring
// buffer that stores closed bars in event order.
package market

import "fmt"

// Interval identifies a bar timeframe.
type Interval string

const (
	Interval15m Interval = "15m"
	Interval1h  Interval = "1h"
)

// Bar is one candlestick. Time fields are integer milliseconds, matching the
// upstream exchange's own representation (see Bar.BarStartTimestamp /
// BarEndTimestamp in the teacher's state.Bar).
type Bar struct {
	OpenTime  int64
	CloseTime int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Trades    int64
	IsClosed  bool
	Source    string
}

// Key returns the bar's identity tuple as a string, used for idempotent
// upsert keys: (symbol, interval, open_time).
func Key(symbol string, interval Interval, openTime int64) string {
	return fmt.Sprintf("%s|%s|%d", symbol, interval, openTime)
}
