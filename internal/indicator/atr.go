package indicator

import "perpsim/internal/market"

// ATRSpec is Wilder's average true range. The first bar seeds atr=TR using
// TR=high-low (no prior close to reference); subsequent bars use the full
// three-way true-range definition.
type ATRSpec struct {
	name     string
	interval market.Interval
	length   int
	histSize int

	hasLastClose bool
	lastClose    float64
	seeded       bool
	atr          float64
	history      []float64
	fed          int
}

// NewATRSpec builds an ATR spec. historySize defaults to 3 when <= 0.
func NewATRSpec(name string, interval market.Interval, length, historySize int) *ATRSpec {
	if historySize <= 0 {
		historySize = 3
	}
	return &ATRSpec{name: name, interval: interval, length: length, histSize: historySize}
}

func (s *ATRSpec) Name() string              { return s.name }
func (s *ATRSpec) Interval() market.Interval { return s.interval }
func (s *ATRSpec) HistorySize() int          { return s.histSize }
func (s *ATRSpec) WarmupBars() int           { return s.length + 1 }

func trueRange(bar market.Bar, hasLastClose bool, lastClose float64) float64 {
	if !hasLastClose {
		return bar.High - bar.Low
	}
	tr := bar.High - bar.Low
	if v := abs(bar.High - lastClose); v > tr {
		tr = v
	}
	if v := abs(bar.Low - lastClose); v > tr {
		tr = v
	}
	return tr
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// Update advances the ATR recurrence by one bar.
func (s *ATRSpec) Update(bar market.Bar) Result {
	tr := trueRange(bar, s.hasLastClose, s.lastClose)
	if !s.seeded {
		s.atr = tr
		s.seeded = true
	} else {
		L := float64(s.length)
		s.atr = (s.atr*(L-1) + tr) / L
	}
	s.hasLastClose = true
	s.lastClose = bar.Close
	s.fed++

	var value *float64
	// warmup_bars counts closed bars fed, including the seeding bar.
	if s.seededEnough() {
		v := s.atr
		value = &v
		s.history = pushHistory(s.history, v, s.histSize)
	}
	return Result{Name: s.name, Value: value, History: append([]float64(nil), s.history...)}
}

// seededEnough reports whether warmup_bars bars have been fed. hasLastClose
// and seeded are both true from bar 1 on, so the count is tracked
// explicitly in fed.
func (s *ATRSpec) seededEnough() bool {
	return s.fedCount() >= s.WarmupBars()
}

func (s *ATRSpec) fedCount() int {
	return s.fed
}

// Preview computes what Update would produce without mutating state.
func (s *ATRSpec) Preview(bar market.Bar) Result {
	tr := trueRange(bar, s.hasLastClose, s.lastClose)
	atr := s.atr
	if !s.seeded {
		atr = tr
	} else {
		L := float64(s.length)
		atr = (s.atr*(L-1) + tr) / L
	}

	var value *float64
	history := s.history
	if s.fed+1 >= s.WarmupBars() {
		v := atr
		value = &v
		history = pushHistory(history, v, s.histSize)
	}
	return Result{Name: s.name, Value: value, History: append([]float64(nil), history...)}
}
