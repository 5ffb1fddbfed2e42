package wsapi

import (
	"sync"

	"perpsim/internal/domain"
	"perpsim/internal/indicator"
	"perpsim/internal/market"
)

// StatusPush is the /ws/status payload: the latest account snapshot for
// one strategy.
type StatusPush struct {
	Strategy string         `json:"strategy"`
	Account  domain.Account `json:"account"`
}

// KlinePush mirrors one interval's latest bar plus preview indicators.
type KlinePush struct {
	Interval market.Interval                        `json:"interval"`
	Bar      market.Bar                              `json:"bar"`
	Preview  map[string]map[string]indicator.Result `json:"preview,omitempty"`
}

// StreamPush is the /ws/stream payload: the latest kline per interval,
// condition checklist, and most recent trade for one strategy.
type StreamPush struct {
	Strategy   string                 `json:"strategy"`
	Klines     map[market.Interval]KlinePush `json:"klines"`
	Conditions domain.ConditionSet    `json:"conditions"`
	LastTrade  *domain.Trade          `json:"last_trade,omitempty"`
	Position   *domain.PositionRecord `json:"position,omitempty"`
}

// Store is the in-memory "latest value per key" cache the push tickers
// read from. It implements runner.StreamPublisher and
// position.StreamPublisher: every Publish* call just overwrites the
// relevant slot under a mutex, never blocking on I/O, keeping the
// ingestion goroutine's no-yield discipline (§5) intact.
type Store struct {
	mu sync.RWMutex

	accounts   map[string]domain.Account
	klines     map[market.Interval]KlinePush
	conditions map[string]domain.ConditionSet
	lastTrade  map[string]domain.Trade
	lastPos    map[string]domain.PositionRecord
	defaultAcc domain.Account
}

// NewStore builds an empty Store.
func NewStore() *Store {
	return &Store{
		accounts:   make(map[string]domain.Account),
		klines:     make(map[market.Interval]KlinePush),
		conditions: make(map[string]domain.ConditionSet),
		lastTrade:  make(map[string]domain.Trade),
		lastPos:    make(map[string]domain.PositionRecord),
	}
}

// PublishKline implements runner.StreamPublisher.
func (s *Store) PublishKline(interval market.Interval, bar market.Bar, preview map[string]map[string]indicator.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.klines[interval] = KlinePush{Interval: interval, Bar: bar, Preview: preview}
}

// PublishConditions implements runner.StreamPublisher.
func (s *Store) PublishConditions(strategy string, cs domain.ConditionSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conditions[strategy] = cs
}

// PublishStatus implements runner.StreamPublisher.
func (s *Store) PublishStatus(account domain.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[account.Strategy] = account
	s.defaultAcc = account
}

// PublishTrade implements position.StreamPublisher.
func (s *Store) PublishTrade(t domain.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastTrade[t.Strategy] = t
}

// PublishPosition implements position.StreamPublisher.
func (s *Store) PublishPosition(rec domain.PositionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPos[rec.Strategy] = rec
}

// StatusSnapshot is the snapshotFunc for /ws/status.
func (s *Store) StatusSnapshot(strategy string) interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[strategy]
	if strategy == "" {
		acc, ok = s.defaultAcc, true
	}
	if !ok {
		return nil
	}
	return StatusPush{Strategy: acc.Strategy, Account: acc}
}

// StreamSnapshot is the snapshotFunc for /ws/stream.
func (s *Store) StreamSnapshot(strategy string) interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	klines := make(map[market.Interval]KlinePush, len(s.klines))
	for k, v := range s.klines {
		klines[k] = v
	}

	push := StreamPush{
		Strategy:   strategy,
		Klines:     klines,
		Conditions: s.conditions[strategy],
	}
	if t, ok := s.lastTrade[strategy]; ok {
		tc := t
		push.LastTrade = &tc
	}
	if p, ok := s.lastPos[strategy]; ok {
		pc := p
		push.Position = &pc
	}
	return push
}
