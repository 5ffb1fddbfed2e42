// Package domain holds the shared data-model types of §3: positions,
// accounts, trades, ledger entries, equity snapshots, and the strategy
// decision types. Centralizing them here (rather than letting each owning
// service define its own) mirrors the teacher's internal/state/models.go,
// which is the single plain-struct home for every cross-component type.
package domain

// Side is a position direction.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// TradeSide is the direction of a single fill.
type TradeSide string

const (
	Buy  TradeSide = "BUY"
	Sell TradeSide = "SELL"
)

// TradeType distinguishes position-opening fills from position-reducing
// ones.
type TradeType string

const (
	Entry TradeType = "ENTRY"
	Exit  TradeType = "EXIT"
)

// PositionStatus is the lifecycle state of a PositionRecord.
type PositionStatus string

const (
	Open   PositionStatus = "OPEN"
	Closed PositionStatus = "CLOSED"
)

// LedgerType enumerates ledger entry kinds.
type LedgerType string

const (
	LedgerFee         LedgerType = "fee"
	LedgerRealizedPnL LedgerType = "realized_pnl"
	LedgerFunding     LedgerType = "funding"
)

// CloseReason names why a position was closed.
type CloseReason string

const (
	CloseReasonStop     CloseReason = "stop"
	CloseReasonTP1      CloseReason = "tp1"
	CloseReasonTP2      CloseReason = "tp2"
	CloseReasonCloseAll CloseReason = "close_all"
)

// PositionState is the in-memory shape of an open position (§3). Qty is
// always positive; for LONG, stop_price < entry_price < tp1_price <=
// tp2_price, and the inequalities invert for SHORT.
type PositionState struct {
	PositionID string
	Strategy   string
	Symbol     string
	Side       Side
	EntryPrice float64
	Qty        float64
	StopPrice  float64
	TP1Price   float64
	TP2Price   float64
	TP1Hit     bool
	Leverage   int
	Margin     float64
	LiqPrice   float64
	EntryTime  int64
}

// PositionRecord is the persisted mirror of PositionState plus lifecycle
// bookkeeping fields.
type PositionRecord struct {
	PositionID    string
	Strategy      string
	Symbol        string
	Side          Side
	EntryPrice    float64
	Qty           float64
	StopPrice     float64
	TP1Price      float64
	TP2Price      float64
	TP1Hit        bool
	EntryTime     int64
	Leverage      int
	Margin        float64
	Status        PositionStatus
	RealizedPnL   float64
	FeesTotal     float64
	LiqPrice      float64
	CloseTime     *int64
	CloseReason   *CloseReason
	CreatedAt     int64
	UpdatedAt     int64
}

// Account is per-strategy account state (§3). equity = balance + upl;
// free_margin = equity - margin_used; with no open position all of upl,
// margin_used are zero and free_margin == equity == balance.
type Account struct {
	Strategy    string
	Balance     float64
	Equity      float64
	UPL         float64
	MarginUsed  float64
	FreeMargin  float64
}

// Trade is one immutable, append-only fill.
type Trade struct {
	TradeID    string
	Strategy   string
	Symbol     string
	PositionID string
	Side       TradeSide
	Type       TradeType
	Price      float64
	Qty        float64
	Notional   float64
	FeeAmount  float64
	FeeRate    float64
	Timestamp  int64
	Reason     string
}

// LedgerEntry is one signed, append-only accounting line.
type LedgerEntry struct {
	Strategy  string
	Timestamp int64
	Type      LedgerType
	Amount    float64
	Currency  string
	Symbol    string
	Ref       string
	Note      string
}

// EquitySnapshot is an append-only point-in-time account checkpoint.
type EquitySnapshot struct {
	Strategy   string
	Timestamp  int64
	Balance    float64
	Equity     float64
	UPL        float64
	MarginUsed float64
	FreeMargin float64
}

// Alert is one outbound notification record, persisted regardless of
// whether the send itself succeeded (§7: a failed send is recorded with
// Channel="none" and never propagates).
type Alert struct {
	Strategy  string
	Kind      string
	Message   string
	Channel   string
	Timestamp int64
}

// Condition is one human-readable entry/exit checklist item for the
// frontend, produced by describe_conditions. Must never be produced by a
// function that mutates strategy state.
type Condition struct {
	Direction string
	Timeframe string
	OK        bool
	Desc      string
	Value     *float64
	Target    *float64
	Label     string
}

// ConditionSet is the long/short checklist pair describe_conditions
// returns.
type ConditionSet struct {
	Long  []Condition
	Short []Condition
}

// EntrySignal is a strategy's decision to open a position.
type EntrySignal struct {
	Side          Side
	StopPrice     float64
	TP1Price      float64
	TP2Price      float64
	StructureStop *float64
	Reason        string
}

// ExitActionKind enumerates the four close actions §4.7 supports.
type ExitActionKind string

const (
	ActionStop     ExitActionKind = "STOP"
	ActionTP1      ExitActionKind = "TP1"
	ActionTP2      ExitActionKind = "TP2"
	ActionCloseAll ExitActionKind = "CLOSE_ALL"
)

// ExitAction is a strategy's decision to close or partially close a
// position.
type ExitAction struct {
	Kind   ExitActionKind
	Reason string
}

// Decision is the uniform return type of on_bar_close/on_tick: exactly one
// of Entry or Exit is non-nil, or both are nil (no decision).
type Decision struct {
	Entry *EntrySignal
	Exit  *ExitAction
}
