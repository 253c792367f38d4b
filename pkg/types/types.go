// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the trading agent — sides, order
// and position lifecycles, market metadata, order book snapshots, trigger
// records, and exit events. It has no dependencies on internal packages, so
// it can be imported by any layer.
//
// All money, prices, and sizes are decimal.Decimal. Prices on a binary market
// live in [0, 1]; sizes and costs are denominated in the quote currency.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// OrderStatus enumerates the local order lifecycle. An order that reaches
// FILLED, CANCELLED, or FAILED is terminal and never transitions again.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderLive      OrderStatus = "LIVE"
	OrderPartial   OrderStatus = "PARTIAL"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderFailed    OrderStatus = "FAILED"
)

// IsTerminal reports whether the status is a final state.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderFailed
}

// PositionStatus is the coarse position lifecycle.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

// ExitStatus tracks the exit sub-state machine on an open position.
// Empty string means no exit has ever been attempted.
type ExitStatus string

const (
	ExitNone             ExitStatus = ""
	ExitClaiming         ExitStatus = "claiming"
	ExitPending          ExitStatus = "pending"
	ExitTimeout          ExitStatus = "timeout"
	ExitFailed           ExitStatus = "failed"
	ExitCancelled        ExitStatus = "cancelled"
	ExitClosed           ExitStatus = "closed"
	ExitStaleClaim       ExitStatus = "stale_claim"
	ExitLiquidityBlocked ExitStatus = "liquidity_blocked"
	ExitCleared          ExitStatus = "cleared"
)

// AgeSource is the trust tag on a position's HoldStartAt timestamp.
// "actual" means the entry time was verified from trade history; "unknown"
// means the timestamp is a placeholder and must never block exits.
type AgeSource string

const (
	AgeActual  AgeSource = "actual"
	AgeUnknown AgeSource = "unknown"
)

// WatchStatus is the watchlist entry lifecycle.
type WatchStatus string

const (
	WatchWatching WatchStatus = "watching"
	WatchPromoted WatchStatus = "promoted"
	WatchExpired  WatchStatus = "expired"
	WatchTraded   WatchStatus = "traded"
)

// Outcome is one tradeable outcome (token) within a condition.
type Outcome struct {
	TokenID string // CLOB token ID
	Label   string // e.g. "Yes" / "No"
	Index   int    // position in the market's ordered outcome set
}

// Market is the internal representation of a binary prediction market.
// One condition groups two or more outcomes that resolve together; every
// token belongs to exactly one condition. The (token_id, condition_id) pair
// is the atomic trading key.
type Market struct {
	ConditionID string
	Question    string
	Category    string
	EndTime     time.Time
	Outcomes    []Outcome
	Active      bool
	Resolved    bool
}

// TimeToEndHours returns the hours until market resolution, negative if past.
func (m Market) TimeToEndHours(now time.Time) float64 {
	return m.EndTime.Sub(now).Hours()
}

// OutcomeForToken returns the outcome for a token ID, if the token belongs
// to this market.
func (m Market) OutcomeForToken(tokenID string) (Outcome, bool) {
	for _, o := range m.Outcomes {
		if o.TokenID == tokenID {
			return o, true
		}
	}
	return Outcome{}, false
}

// PriceUpdate is a price tick from the exchange stream. The stream never
// carries trade size; any attributed size must come from an explicit
// backfill lookup against recent trades.
type PriceUpdate struct {
	TokenID    string
	Price      decimal.Decimal // in [0, 1]
	ObservedAt time.Time
}

// Trade is an executed trade reported by the exchange.
type Trade struct {
	ID          string
	TokenID     string
	ConditionID string // may be empty on some feeds
	Price       decimal.Decimal
	Size        decimal.Decimal // > 0
	Side        Side
	TradedAt    time.Time
}

// Age returns how old the trade is at the given observation instant.
func (t Trade) Age(now time.Time) time.Duration {
	return now.Sub(t.TradedAt)
}

// PriceLevel is a single bid or ask level in the order book.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Orderbook is a point-in-time view of one token's order book.
// Bids are sorted descending by price, asks ascending.
type Orderbook struct {
	TokenID    string
	Bids       []PriceLevel
	Asks       []PriceLevel
	ObservedAt time.Time
}

// BestBid returns the top bid level, if any.
func (ob Orderbook) BestBid() (PriceLevel, bool) {
	if len(ob.Bids) == 0 {
		return PriceLevel{}, false
	}
	return ob.Bids[0], true
}

// BestAsk returns the top ask level, if any.
func (ob Orderbook) BestAsk() (PriceLevel, bool) {
	if len(ob.Asks) == 0 {
		return PriceLevel{}, false
	}
	return ob.Asks[0], true
}

// SpreadPct returns (ask-bid)/ask. Reported only when both sides exist and
// the ask is positive.
func (ob Orderbook) SpreadPct() (decimal.Decimal, bool) {
	bid, okB := ob.BestBid()
	ask, okA := ob.BestAsk()
	if !okB || !okA || !ask.Price.IsPositive() {
		return decimal.Zero, false
	}
	return ask.Price.Sub(bid.Price).Div(ask.Price), true
}

// TriggerRecord marks the first threshold crossing for a token. Written
// exactly once per (token, condition, threshold); the store additionally
// guarantees at most one record per (condition, threshold) across tokens.
type TriggerRecord struct {
	TokenID      string
	ConditionID  string
	Threshold    decimal.Decimal
	Price        decimal.Decimal
	TradeSize    decimal.NullDecimal
	ModelScore   decimal.NullDecimal
	Outcome      string
	OutcomeIndex int
	TriggeredAt  time.Time
}

// Order is the local mirror of an exchange order.
type Order struct {
	OrderID      string
	TokenID      string
	ConditionID  string
	Side         Side
	LimitPrice   decimal.Decimal
	Size         decimal.Decimal
	FilledSize   decimal.Decimal // <= Size
	AvgFillPrice decimal.NullDecimal
	Status       OrderStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Remaining returns the unfilled portion of the order.
func (o Order) Remaining() decimal.Decimal {
	return o.Size.Sub(o.FilledSize)
}

// Position aggregates fills into a single open holding per token.
// EntryPrice is the size-weighted average of all entry fills; EntryCost is
// Size * EntryPrice maintained incrementally so repeated syncs stay exact.
type Position struct {
	PositionID  int64
	TokenID     string
	ConditionID string
	Outcome     string
	Size        decimal.Decimal
	EntryPrice  decimal.Decimal
	EntryCost   decimal.Decimal
	EntryTime   time.Time
	Status      PositionStatus
	RealizedPnL decimal.Decimal

	ExitPending bool
	ExitStatus  ExitStatus
	ExitOrderID string

	HoldStartAt time.Time
	AgeSource   AgeSource

	ImportSource string
	Description  string
}

// HoldAge returns how long the position has been held relative to
// HoldStartAt. Only meaningful when AgeSource is AgeActual.
func (p Position) HoldAge(now time.Time) time.Duration {
	return now.Sub(p.HoldStartAt)
}

// WatchlistEntry stores a near-miss market awaiting rescore. Unique on token.
type WatchlistEntry struct {
	TokenID        string
	ConditionID    string
	Question       string
	TriggerPrice   decimal.NullDecimal
	InitialScore   float64
	CurrentScore   float64
	TimeToEndHours float64
	Status         WatchStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ExitEvent is the audit record written whenever a position exit completes
// or terminally fails.
type ExitEvent struct {
	PositionID  int64
	TokenID     string
	ConditionID string
	ExitType    string
	EntryPrice  decimal.Decimal
	ExitPrice   decimal.Decimal
	Size        decimal.Decimal
	GrossPnL    decimal.Decimal
	NetPnL      decimal.Decimal
	HoursHeld   float64
	ExitOrderID string
	Status      string
	Reason      string
	CreatedAt   time.Time
}

// RejectionStage identifies which gate dropped an event.
type RejectionStage string

const (
	RejectThreshold    RejectionStage = "threshold"
	RejectDuplicate    RejectionStage = "duplicate"
	RejectTradeAge     RejectionStage = "g1_trade_age"
	RejectOrderbook    RejectionStage = "g5_orderbook"
	RejectWeather      RejectionStage = "g6_weather"
	RejectTimeToEnd    RejectionStage = "time_to_end"
	RejectTradeSize    RejectionStage = "trade_size"
	RejectCategory     RejectionStage = "category"
	RejectManualBlock  RejectionStage = "manual_block"
	RejectMaxPositions RejectionStage = "max_positions"
	RejectStrategyHold RejectionStage = "strategy_hold"
	RejectStrategySkip RejectionStage = "strategy_ignore"
)

// RejectionRecord is an in-memory, sampled record of a dropped event,
// kept for operator visibility only.
type RejectionRecord struct {
	TokenID     string
	ConditionID string
	Stage       RejectionStage
	ObservedAt  time.Time
	Price       decimal.Decimal
	Details     string
}
