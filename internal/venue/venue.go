// Package venue is the boundary to the derivatives exchange: the order
// placement capability the engine calls, and the closed set of events the
// exchange feed delivers.
package venue

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/subledger-engine/internal/model"
)

// Order types.
const (
	OrderTypeMarket           = "MARKET"
	OrderTypeLimit            = "LIMIT"
	OrderTypeTakeProfitMarket = "TAKE_PROFIT_MARKET"
	OrderTypeStopMarket       = "STOP_MARKET"
)

// Time-in-force values.
const (
	TimeInForceGTC    = "GTC"
	TimeInForceGTEGTC = "GTE_GTC"
)

// Working types select the price a conditional order triggers on.
const (
	WorkingTypeContract = "CONTRACT_PRICE"
	WorkingTypeMark     = "MARK_PRICE"
)

// WorkingType maps a bracket trigger to the venue working type.
func WorkingType(t model.Trigger) string {
	if t == model.TriggerMark {
		return WorkingTypeMark
	}
	return WorkingTypeContract
}

// OrderRequest is everything the venue needs to place one order.
type OrderRequest struct {
	AccountID     string             `json:"account_id"`
	Symbol        string             `json:"symbol"`
	Side          model.OrderSide    `json:"side"`
	PositionSide  model.PositionSide `json:"position_side"`
	Type          string             `json:"type"`
	Qty           decimal.Decimal    `json:"qty"`
	Price         *decimal.Decimal   `json:"price,omitempty"`
	StopPrice     *decimal.Decimal   `json:"stop_price,omitempty"`
	ReduceOnly    bool               `json:"reduce_only,omitempty"`
	TimeInForce   string             `json:"time_in_force,omitempty"`
	WorkingType   string             `json:"working_type,omitempty"`
	CorrelationID string             `json:"correlation_id"`
}

// OrderAck is the venue's response to a place or cancel.
type OrderAck struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

// PositionReport is one venue position row. SignedQty is negative for
// short exposure in one-way reports; hedge-mode rows carry PositionSide.
type PositionReport struct {
	Symbol        string             `json:"symbol"`
	PositionSide  model.PositionSide `json:"position_side"`
	SignedQty     decimal.Decimal    `json:"signed_qty"`
	EntryPrice    decimal.Decimal    `json:"entry_price"`
	UnrealizedPnL decimal.Decimal    `json:"unrealized_pnl"`
	MarkPrice     decimal.Decimal    `json:"mark_price"`
}

// Client is the order placement capability. Implementations own retries
// and transport; the engine never retries.
type Client interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, accountID, symbol, orderID string) (OrderAck, error)
	Positions(ctx context.Context, accountID string) ([]PositionReport, error)
}

// Event is the closed union of feed events: *OrderUpdate, *AccountUpdate
// or *MarkPrice.
type Event interface {
	isEvent()
}

// OrderUpdate reports an order status change, possibly with a fill.
type OrderUpdate struct {
	AccountID       string
	Symbol          string
	CorrelationID   string
	OrderID         string
	Side            model.OrderSide
	PositionSide    model.PositionSide
	OrderType       string
	TimeInForce     string
	Qty             decimal.Decimal
	Price           *decimal.Decimal
	StopPrice       *decimal.Decimal
	LastFillQty     decimal.Decimal
	LastFillPrice   decimal.Decimal
	TradeID         string
	Commission      decimal.Decimal
	CommissionAsset string
	RealizedPnL     decimal.Decimal
	Status          string
	ReduceOnly      bool
	TradeTime       time.Time
	EventTime       time.Time
}

// IsFill reports whether the update carries a fill.
func (u *OrderUpdate) IsFill() bool {
	return (u.Status == model.StatusPartiallyFilled || u.Status == model.StatusFilled) &&
		u.LastFillQty.IsPositive()
}

// AccountUpdate carries the position snapshot rows that changed.
type AccountUpdate struct {
	AccountID string
	Positions []PositionReport
	EventTime time.Time
}

// MarkPrice is a mark price tick for one symbol.
type MarkPrice struct {
	Symbol     string
	Price      decimal.Decimal
	IndexPrice decimal.Decimal
	EventTime  time.Time
}

func (*OrderUpdate) isEvent()   {}
func (*AccountUpdate) isEvent() {}
func (*MarkPrice) isEvent()     {}
