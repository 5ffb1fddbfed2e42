package marketstate

import (
	"sort"
	"sync"

	"perpsim/internal/indicator"
	"perpsim/internal/market"
)

// WarmupPolicy is a strategy's per-interval buffer sizing knobs (§4.4):
// buffer_mult >= 1, extra >= 0.
type WarmupPolicy struct {
	BufferMult float64
	Extra      int
}

type strategyRegistration struct {
	id       string
	specs    []indicator.Spec
	policies map[market.Interval]WarmupPolicy
}

// Manager implements §4.4: it owns the indicator Engine and the
// BufferManager, computes warmup/buffer sizes from aggregated strategy
// requirements, primes from history, and assembles per-strategy contexts
// on bar close. It caches the latest 1h indicator/history map per strategy
// so 15m closes can merge it in, per the on_kline_close contract.
type Manager struct {
	mu sync.RWMutex

	engine  *indicator.Engine
	buffers *market.BufferManager

	strategies []strategyRegistration
	last1h     map[string]map[string]indicator.Result
}

// NewManager builds an empty manager. Call RegisterStrategy for every
// strategy before Prime/warmup sizing is computed.
func NewManager(engine *indicator.Engine) *Manager {
	return &Manager{
		engine: engine,
		last1h: make(map[string]map[string]indicator.Result),
	}
}

// RegisterStrategy declares one strategy's indicator specs and per-interval
// warmup policy, and registers its specs with the indicator engine.
func (m *Manager) RegisterStrategy(strategyID string, specs []indicator.Spec, policies map[market.Interval]WarmupPolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, spec := range specs {
		m.engine.Register(strategyID, spec)
	}
	m.strategies = append(m.strategies, strategyRegistration{id: strategyID, specs: specs, policies: policies})
}

// WarmupBars returns, for one interval, the max warmup_bars across every
// registered strategy's specs on that interval.
func (m *Manager) WarmupBars(interval market.Interval) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	max := 0
	for _, reg := range m.strategies {
		for _, spec := range reg.specs {
			if spec.Interval() != interval {
				continue
			}
			if spec.WarmupBars() > max {
				max = spec.WarmupBars()
			}
		}
	}
	return max
}

// BufferSizes computes the buffer size for the 15m and 1h intervals,
// applying each strategy's warmup_policy and the §4.1
// per-interval floors, then builds the BufferManager. Call once at
// startup, after all strategies are registered.
func (m *Manager) BufferSizes() map[market.Interval]int {
	intervals := []market.Interval{market.Interval15m, market.Interval1h}
	sizes := make(map[market.Interval]int)
	for _, interval := range intervals {
		warmup := m.WarmupBars(interval)
		mult, extra := m.aggregatePolicy(interval)
		sizes[interval] = market.Size(warmup, mult, extra, interval)
	}
	m.buffers = market.NewBufferManager(sizes)
	return sizes
}

// aggregatePolicy takes the most generous (largest) buffer_mult and extra
// declared by any strategy for the interval, so the shared buffer
// satisfies every strategy at once.
func (m *Manager) aggregatePolicy(interval market.Interval) (float64, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mult := 1.0
	extra := 0
	for _, reg := range m.strategies {
		p, ok := reg.policies[interval]
		if !ok {
			continue
		}
		if p.BufferMult > mult {
			mult = p.BufferMult
		}
		if p.Extra > extra {
			extra = p.Extra
		}
	}
	return mult, extra
}

// Buffers exposes the underlying BufferManager for readers (e.g. the API
// layer's kline history endpoint).
func (m *Manager) Buffers() *market.BufferManager {
	return m.buffers
}

// Prime replays every buffered closed bar through the engine in order: 1h
// first, then 15m, so strategies observe indicators as if the system had
// been running continuously (§4.4).
func (m *Manager) Prime() {
	if m.buffers == nil {
		return
	}
	for _, bar := range m.buffers.Snapshot(market.Interval1h) {
		results := m.engine.UpdateOnClose(market.Interval1h, bar)
		m.mu.Lock()
		for sid, r := range results {
			m.last1h[sid] = r
		}
		m.mu.Unlock()
	}
	for _, bar := range m.buffers.Snapshot(market.Interval15m) {
		m.engine.UpdateOnClose(market.Interval15m, bar)
	}
}

// OnKlineUpdate handles an open (not-yet-closed) bar: it produces preview
// indicator results per strategy for stream publication without mutating
// engine state.
func (m *Manager) OnKlineUpdate(interval market.Interval, bar market.Bar) map[string]map[string]indicator.Result {
	return m.engine.Preview(interval, bar)
}

// CloseResult is what OnKlineClose returns for a 15m close: the assembled
// per-strategy context map plus the raw indicator results (for stream
// publication).
type CloseResult struct {
	PerStrategy map[string]StrategyContext
	Raw         map[string]map[string]indicator.Result
}

// OnKlineClose commits a closed bar through the engine (§4.4). For 1h it
// caches the latest tuple per strategy and returns nil (no strategy
// contexts are produced on 1h close). For 15m it merges the cached 1h map
// in and returns one StrategyContext per strategy with registered specs.
// Other intervals are ignored.
func (m *Manager) OnKlineClose(interval market.Interval, bar market.Bar) *CloseResult {
	if interval != market.Interval15m && interval != market.Interval1h {
		return nil
	}

	results := m.engine.UpdateOnClose(interval, bar)

	if m.buffers != nil {
		m.buffers.Append(interval, bar)
	}

	if interval == market.Interval1h {
		m.mu.Lock()
		for sid, r := range results {
			m.last1h[sid] = r
		}
		m.mu.Unlock()
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	merged := make(map[string]map[string]indicator.Result)
	mergeIndicatorMap(merged, m.last1h)
	mergeIndicatorMap(merged, results)

	out := &CloseResult{PerStrategy: make(map[string]StrategyContext), Raw: merged}
	for _, reg := range m.strategies {
		combined := merged[reg.id]
		ctx := ToContext(bar.CloseTime, interval, bar, combined)
		out.PerStrategy[reg.id] = ctx
	}
	return out
}

// StrategyIDs returns the registered strategy ids, sorted by id.
func (m *Manager) StrategyIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.strategies))
	for _, reg := range m.strategies {
		ids = append(ids, reg.id)
	}
	sort.Strings(ids)
	return ids
}
