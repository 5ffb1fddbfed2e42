package portfolio

import "sort"

// Tier is one maintenance-margin bracket (§4.6): tiers are sorted by
// notional_usdt ascending; select_mmr picks the first tier whose
// notional_usdt >= notional, falling back to the last tier.
type Tier struct {
	NotionalUSDT float64
	MMR          float64
	MaintAmount  float64
}

// sortedTiers returns a copy of tiers sorted ascending by NotionalUSDT.
func sortedTiers(tiers []Tier) []Tier {
	out := append([]Tier(nil), tiers...)
	sort.Slice(out, func(i, j int) bool { return out[i].NotionalUSDT < out[j].NotionalUSDT })
	return out
}

// selectTier implements select_mmr: first tier with NotionalUSDT >=
// notional, else the last (highest) tier.
func selectTier(tiers []Tier, notional float64) Tier {
	sorted := sortedTiers(tiers)
	if len(sorted) == 0 {
		return Tier{MMR: 0.005}
	}
	for _, t := range sorted {
		if t.NotionalUSDT >= notional {
			return t
		}
	}
	return sorted[len(sorted)-1]
}

// DefaultTiers is a conservative default ladder used when a strategy's
// config doesn't declare its own, loosely modeled on common perpetual
// exchanges' tier 1-3 brackets.
func DefaultTiers() []Tier {
	return []Tier{
		{NotionalUSDT: 50000, MMR: 0.004, MaintAmount: 0},
		{NotionalUSDT: 250000, MMR: 0.005, MaintAmount: 50},
		{NotionalUSDT: 1000000, MMR: 0.01, MaintAmount: 1300},
	}
}
