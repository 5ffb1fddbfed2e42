package indicator

import "perpsim/internal/market"

// MACDSpec computes two EMAs on close, their difference (macd), a signal
// EMA of macd, and the histogram (macd - signal) as its primary value.
// extras.macd / extras.signal carry the two underlying lines.
type MACDSpec struct {
	name     string
	interval market.Interval
	fast     int
	slow     int
	signal   int
	histSize int

	seeded    bool
	emaFast   float64
	emaSlow   float64
	seededSig bool
	emaSignal float64
	seen      int
	history   []float64
}

// NewMACDSpec builds a MACD histogram spec. historySize defaults to 3
// when <= 0.
func NewMACDSpec(name string, interval market.Interval, fast, slow, signal, historySize int) *MACDSpec {
	if historySize <= 0 {
		historySize = 3
	}
	return &MACDSpec{name: name, interval: interval, fast: fast, slow: slow, signal: signal, histSize: historySize}
}

func (s *MACDSpec) Name() string              { return s.name }
func (s *MACDSpec) Interval() market.Interval { return s.interval }
func (s *MACDSpec) HistorySize() int          { return s.histSize }

func (s *MACDSpec) WarmupBars() int {
	slowFast := s.fast
	if s.slow > slowFast {
		slowFast = s.slow
	}
	return slowFast + s.signal
}

func kOf(length int) float64 {
	return 2.0 / (float64(length) + 1.0)
}

// Update advances both EMAs, the signal EMA, and returns the histogram.
func (s *MACDSpec) Update(bar market.Bar) Result {
	if !s.seeded {
		s.emaFast = bar.Close
		s.emaSlow = bar.Close
		s.seeded = true
	} else {
		kf, ks := kOf(s.fast), kOf(s.slow)
		s.emaFast = bar.Close*kf + s.emaFast*(1-kf)
		s.emaSlow = bar.Close*ks + s.emaSlow*(1-ks)
	}
	macd := s.emaFast - s.emaSlow

	if !s.seededSig {
		s.emaSignal = macd
		s.seededSig = true
	} else {
		ksig := kOf(s.signal)
		s.emaSignal = macd*ksig + s.emaSignal*(1-ksig)
	}
	s.seen++

	var value *float64
	extras := map[string]float64{"macd": macd, "signal": s.emaSignal}
	if s.seen >= s.WarmupBars() {
		hist := macd - s.emaSignal
		value = &hist
		s.history = pushHistory(s.history, hist, s.histSize)
	}
	return Result{Name: s.name, Value: value, History: append([]float64(nil), s.history...), Extras: extras}
}

// Preview computes what Update would produce without mutating state.
func (s *MACDSpec) Preview(bar market.Bar) Result {
	emaFast, emaSlow := s.emaFast, s.emaSlow
	if !s.seeded {
		emaFast, emaSlow = bar.Close, bar.Close
	} else {
		kf, ks := kOf(s.fast), kOf(s.slow)
		emaFast = bar.Close*kf + s.emaFast*(1-kf)
		emaSlow = bar.Close*ks + s.emaSlow*(1-ks)
	}
	macd := emaFast - emaSlow

	emaSignal := s.emaSignal
	if !s.seededSig {
		emaSignal = macd
	} else {
		ksig := kOf(s.signal)
		emaSignal = macd*ksig + s.emaSignal*(1-ksig)
	}
	seen := s.seen + 1

	var value *float64
	history := s.history
	extras := map[string]float64{"macd": macd, "signal": emaSignal}
	if seen >= s.WarmupBars() {
		hist := macd - emaSignal
		value = &hist
		history = pushHistory(history, hist, s.histSize)
	}
	return Result{Name: s.name, Value: value, History: append([]float64(nil), history...), Extras: extras}
}
