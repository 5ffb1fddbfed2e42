package indicator

import "perpsim/internal/market"

// RSISpec is Wilder's RSI. The first close only seeds last_close and
// returns null. avg_gain/avg_loss seed as a simple average over the first
// length changes (this spec's resolution of the §9 Open Question — not a
// zero seed), then roll forward with Wilder smoothing.
type RSISpec struct {
	name     string
	interval market.Interval
	length   int
	histSize int

	hasLastClose bool
	lastClose    float64

	seeded   bool
	avgGain  float64
	avgLoss  float64
	seedSum  struct{ gain, loss float64 }
	seedN    int
	history  []float64
	changes  int
}

// NewRSISpec builds an RSI spec. historySize defaults to 3 when <= 0.
func NewRSISpec(name string, interval market.Interval, length, historySize int) *RSISpec {
	if historySize <= 0 {
		historySize = 3
	}
	return &RSISpec{name: name, interval: interval, length: length, histSize: historySize}
}

func (s *RSISpec) Name() string              { return s.name }
func (s *RSISpec) Interval() market.Interval { return s.interval }
func (s *RSISpec) HistorySize() int          { return s.histSize }
func (s *RSISpec) WarmupBars() int           { return s.length + 1 }

func (s *RSISpec) rsiFrom(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	return 100 - 100/(1+avgGain/avgLoss)
}

// Update advances RSI state by one bar.
func (s *RSISpec) Update(bar market.Bar) Result {
	if !s.hasLastClose {
		s.hasLastClose = true
		s.lastClose = bar.Close
		return Result{Name: s.name}
	}

	gain := max0(bar.Close - s.lastClose)
	loss := max0(s.lastClose - bar.Close)
	s.lastClose = bar.Close
	s.changes++

	var value *float64
	if !s.seeded {
		s.seedSum.gain += gain
		s.seedSum.loss += loss
		s.seedN++
		if s.seedN == s.length {
			s.avgGain = s.seedSum.gain / float64(s.length)
			s.avgLoss = s.seedSum.loss / float64(s.length)
			s.seeded = true
			v := s.rsiFrom(s.avgGain, s.avgLoss)
			value = &v
			s.history = pushHistory(s.history, v, s.histSize)
		}
	} else {
		L := float64(s.length)
		s.avgGain = (s.avgGain*(L-1) + gain) / L
		s.avgLoss = (s.avgLoss*(L-1) + loss) / L
		v := s.rsiFrom(s.avgGain, s.avgLoss)
		value = &v
		s.history = pushHistory(s.history, v, s.histSize)
	}
	return Result{Name: s.name, Value: value, History: append([]float64(nil), s.history...)}
}

// Preview computes what Update would produce without mutating state.
func (s *RSISpec) Preview(bar market.Bar) Result {
	if !s.hasLastClose {
		return Result{Name: s.name}
	}

	gain := max0(bar.Close - s.lastClose)
	loss := max0(s.lastClose - bar.Close)

	var value *float64
	history := s.history
	if !s.seeded {
		seedN := s.seedN + 1
		sumGain := s.seedSum.gain + gain
		sumLoss := s.seedSum.loss + loss
		if seedN == s.length {
			avgGain := sumGain / float64(s.length)
			avgLoss := sumLoss / float64(s.length)
			v := s.rsiFrom(avgGain, avgLoss)
			value = &v
			history = pushHistory(history, v, s.histSize)
		}
	} else {
		L := float64(s.length)
		avgGain := (s.avgGain*(L-1) + gain) / L
		avgLoss := (s.avgLoss*(L-1) + loss) / L
		v := s.rsiFrom(avgGain, avgLoss)
		value = &v
		history = pushHistory(history, v, s.histSize)
	}
	return Result{Name: s.name, Value: value, History: append([]float64(nil), history...)}
}

func max0(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
