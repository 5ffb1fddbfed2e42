package indicator

import "perpsim/internal/market"

// EMASpec is an exponential moving average over closes. Seeds ema=close on
// the first bar it sees; warmup_bars = max(2, length+1) per §4.2.
type EMASpec struct {
	name     string
	interval market.Interval
	length   int
	histSize int

	seeded  bool
	ema     float64
	history []float64
	seen    int
}

// NewEMASpec builds an EMA spec. historySize defaults to 3 when <= 0.
func NewEMASpec(name string, interval market.Interval, length, historySize int) *EMASpec {
	if historySize <= 0 {
		historySize = 3
	}
	return &EMASpec{name: name, interval: interval, length: length, histSize: historySize}
}

func (s *EMASpec) Name() string              { return s.name }
func (s *EMASpec) Interval() market.Interval { return s.interval }
func (s *EMASpec) HistorySize() int          { return s.histSize }

func (s *EMASpec) WarmupBars() int {
	if s.length+1 > 2 {
		return s.length + 1
	}
	return 2
}

func (s *EMASpec) k() float64 {
	return 2.0 / (float64(s.length) + 1.0)
}

// Update commits bar.Close into the EMA recurrence and returns the new
// value with history appended.
func (s *EMASpec) Update(bar market.Bar) Result {
	if !s.seeded {
		s.ema = bar.Close
		s.seeded = true
	} else {
		k := s.k()
		s.ema = bar.Close*k + s.ema*(1-k)
	}
	s.seen++
	var value *float64
	if s.seen >= s.WarmupBars() {
		v := s.ema
		value = &v
		s.history = pushHistory(s.history, v, s.histSize)
	}
	return Result{Name: s.name, Value: value, History: append([]float64(nil), s.history...)}
}

// Preview computes what Update would produce from the current state
// without mutating it.
func (s *EMASpec) Preview(bar market.Bar) Result {
	ema := s.ema
	if !s.seeded {
		ema = bar.Close
	} else {
		k := s.k()
		ema = bar.Close*k + s.ema*(1-k)
	}
	seen := s.seen + 1
	var value *float64
	history := s.history
	if seen >= s.WarmupBars() {
		v := ema
		value = &v
		history = pushHistory(history, v, s.histSize)
	}
	return Result{Name: s.name, Value: value, History: append([]float64(nil), history...)}
}
