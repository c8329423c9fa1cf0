// Package model defines the core domain types shared across the sub-ledger
// engine. All quantities and prices use shopspring/decimal, never float64.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultAccount is the account assumed when none is given.
const DefaultAccount = "main"

// PositionSide is the hedge-mode side a sub-ledger tracks.
type PositionSide string

const (
	Long  PositionSide = "LONG"
	Short PositionSide = "SHORT"
)

// Valid reports whether s is LONG or SHORT.
func (s PositionSide) Valid() bool { return s == Long || s == Short }

// Direction is +1 for LONG and -1 for SHORT.
func (s PositionSide) Direction() decimal.Decimal {
	if s == Short {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// CloseSide is the order side that reduces a position on this side.
func (s PositionSide) CloseSide() OrderSide {
	if s == Short {
		return Buy
	}
	return Sell
}

// OrderSide is the side of an order or fill.
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Valid reports whether s is BUY or SELL.
func (s OrderSide) Valid() bool { return s == Buy || s == Sell }

// SubLedger is one independently tracked partition of a real exchange
// position (a "virtual position").
// Invariant: NetQty == 0 implies AvgEntry == 0.
type SubLedger struct {
	ID          string          `json:"id"`
	AccountID   string          `json:"account_id"`
	Name        string          `json:"name"`
	Symbol      string          `json:"symbol"`
	Side        PositionSide    `json:"position_side"`
	NetQty      decimal.Decimal `json:"net_qty"`
	AvgEntry    decimal.Decimal `json:"avg_entry"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Bracket     *BracketConfig  `json:"bracket"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Clone returns a deep copy, so callers never share the bracket pointer.
func (s SubLedger) Clone() SubLedger {
	if s.Bracket != nil {
		b := *s.Bracket
		s.Bracket = &b
	}
	return s
}

// Key returns the (account, symbol, side) key the sub-ledger belongs to.
func (s SubLedger) Key() PositionKey {
	return PositionKey{AccountID: s.AccountID, Symbol: s.Symbol, Side: s.Side}
}

// Fill is an immutable record of one execution. TradeID is the
// idempotency key.
type Fill struct {
	TradeID         string          `json:"trade_id"`
	OrderID         string          `json:"order_id"`
	CorrelationID   string          `json:"correlation_id"`
	AccountID       string          `json:"account_id"`
	SubLedgerID     string          `json:"sub_ledger_id,omitempty"`
	Attributed      bool            `json:"attributed"`
	Symbol          string          `json:"symbol"`
	Side            OrderSide       `json:"side"`
	PositionSide    PositionSide    `json:"position_side"`
	Qty             decimal.Decimal `json:"qty"`
	Price           decimal.Decimal `json:"price"`
	Commission      decimal.Decimal `json:"commission"`
	CommissionAsset string          `json:"commission_asset"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl_reported"`
	Timestamp       time.Time       `json:"timestamp"`
}

// CorrelationMapping ties a correlation id to the sub-ledger that placed
// the order. Created before the order is sent and never mutated.
type CorrelationMapping struct {
	CorrelationID string    `json:"correlation_id"`
	AccountID     string    `json:"account_id"`
	SubLedgerID   string    `json:"sub_ledger_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// ExternalPosition is the venue-reported position for one key. It is a
// snapshot: every account update replaces the row.
type ExternalPosition struct {
	AccountID     string          `json:"account_id"`
	Symbol        string          `json:"symbol"`
	Side          PositionSide    `json:"position_side"`
	Qty           decimal.Decimal `json:"qty"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Key returns the (account, symbol, side) key of the row.
func (p ExternalPosition) Key() PositionKey {
	return PositionKey{AccountID: p.AccountID, Symbol: p.Symbol, Side: p.Side}
}

// Consistency is OK or MISMATCH.
type Consistency string

const (
	ConsistencyOK       Consistency = "OK"
	ConsistencyMismatch Consistency = "MISMATCH"
)

// ConsistencyStatus compares ledger totals against the venue for one key.
type ConsistencyStatus struct {
	AccountID   string          `json:"account_id"`
	Symbol      string          `json:"symbol"`
	Side        PositionSide    `json:"position_side"`
	Status      Consistency     `json:"status"`
	ExternalQty decimal.Decimal `json:"external_qty"`
	LedgerQty   decimal.Decimal `json:"ledger_qty"`
	CheckedAt   time.Time       `json:"checked_at"`
}

// Order is the engine's record of an order it placed or saw on the feed.
type Order struct {
	OrderID       string           `json:"order_id"`
	CorrelationID string           `json:"correlation_id"`
	AccountID     string           `json:"account_id"`
	SubLedgerID   string           `json:"sub_ledger_id,omitempty"`
	Symbol        string           `json:"symbol"`
	Side          OrderSide        `json:"side"`
	PositionSide  PositionSide     `json:"position_side"`
	Type          string           `json:"type"`
	Qty           decimal.Decimal  `json:"qty"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	StopPrice     *decimal.Decimal `json:"stop_price,omitempty"`
	Status        string           `json:"status"`
	ReduceOnly    bool             `json:"reduce_only"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Order statuses reported by the venue.
const (
	StatusNew             = "NEW"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusFilled          = "FILLED"
	StatusCanceled        = "CANCELED"
	StatusExpired         = "EXPIRED"
	StatusRejected        = "REJECTED"
)

// IsTerminalStatus reports whether an order in this status is no longer open.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusFilled, StatusCanceled, StatusExpired, StatusRejected:
		return true
	default:
		return false
	}
}

// PositionKey identifies one (account, symbol, side) aggregate.
type PositionKey struct {
	AccountID string
	Symbol    string
	Side      PositionSide
}

func (k PositionKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.AccountID, k.Symbol, k.Side)
}

// Filter scopes list queries. Empty fields match everything.
type Filter struct {
	AccountID string
	Symbol    string
	Side      PositionSide
}

// Match reports whether the given key passes the filter.
func (f Filter) Match(accountID, symbol string, side PositionSide) bool {
	if f.AccountID != "" && f.AccountID != accountID {
		return false
	}
	if f.Symbol != "" && f.Symbol != symbol {
		return false
	}
	if f.Side != "" && f.Side != side {
		return false
	}
	return true
}

// FillFilter scopes fill queries.
type FillFilter struct {
	Filter
	SubLedgerID      string
	UnattributedOnly bool
	Limit            int
}

// Match reports whether a fill passes the filter (Limit is applied by the caller).
func (f FillFilter) Match(fl Fill) bool {
	if !f.Filter.Match(fl.AccountID, fl.Symbol, fl.PositionSide) {
		return false
	}
	if f.SubLedgerID != "" && f.SubLedgerID != fl.SubLedgerID {
		return false
	}
	if f.UnattributedOnly && fl.Attributed {
		return false
	}
	return true
}

// NormalizeAccount lower-cases an account id and replaces every character
// outside [a-z0-9_] with '_'. Empty input yields DefaultAccount.
func NormalizeAccount(accountID string) string {
	raw := strings.ToLower(strings.TrimSpace(accountID))
	if raw == "" {
		return DefaultAccount
	}
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
