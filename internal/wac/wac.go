// Package wac implements weighted-average-cost accounting for sub-ledgers.
//
// It is stateless: ApplyFill takes a sub-ledger and a fill and returns the
// updated sub-ledger. Callers own persistence and locking.
//
// Every persisted value is rounded to Scale fractional digits after each
// mutation so binary accumulation error never reaches storage.
package wac

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/subledger-engine/internal/model"
)

var (
	// ErrInvalidFill is returned for a fill with non-positive qty or price.
	ErrInvalidFill = errors.New("wac: fill qty and price must be positive")

	// Scale is the number of fractional digits kept in persisted state.
	Scale int32 = 8
)

// IsOpening reports whether a fill on the given side adds to a position
// held on side: BUY opens LONG, SELL opens SHORT.
func IsOpening(side model.PositionSide, fill model.OrderSide) bool {
	return (side == model.Long && fill == model.Buy) ||
		(side == model.Short && fill == model.Sell)
}

// ApplyFill returns sl with the fill applied.
//
// Opening fills recompute the average entry:
//
//	avg' = (net*avg + qty*price) / (net + qty)
//
// Closing fills realize PnL on min(qty, net) and leave avg unchanged until
// the position is flat, at which point avg resets to 0. Quantity beyond net
// is dropped; the engine does not open the opposite side.
func ApplyFill(sl model.SubLedger, fill model.Fill) (model.SubLedger, error) {
	if !fill.Qty.IsPositive() || !fill.Price.IsPositive() {
		return sl, ErrInvalidFill
	}

	out := sl.Clone()
	net := sl.NetQty
	avg := sl.AvgEntry

	if IsOpening(sl.Side, fill.Side) {
		newNet := net.Add(fill.Qty)
		if net.IsZero() {
			out.AvgEntry = fill.Price
		} else {
			out.AvgEntry = net.Mul(avg).Add(fill.Qty.Mul(fill.Price)).Div(newNet)
		}
		out.NetQty = newNet
	} else {
		closeQty := decimal.Min(fill.Qty, net)
		pnl := closeQty.Mul(fill.Price.Sub(avg)).Mul(sl.Side.Direction())
		out.RealizedPnL = sl.RealizedPnL.Add(pnl)
		out.NetQty = decimal.Max(decimal.Zero, net.Sub(closeQty))
		if out.NetQty.IsZero() {
			out.AvgEntry = decimal.Zero
		}
	}

	return Normalize(out), nil
}

// UnrealizedPnL returns net * (mark - avg) * direction.
func UnrealizedPnL(sl model.SubLedger, mark decimal.Decimal) decimal.Decimal {
	if sl.NetQty.IsZero() || !mark.IsPositive() {
		return decimal.Zero
	}
	return sl.NetQty.Mul(mark.Sub(sl.AvgEntry)).Mul(sl.Side.Direction()).Round(Scale)
}

// Normalize rounds the numeric state of sl to Scale digits and enforces
// the flat-position invariant (net == 0 implies avg == 0).
func Normalize(sl model.SubLedger) model.SubLedger {
	sl.NetQty = sl.NetQty.Round(Scale)
	sl.AvgEntry = sl.AvgEntry.Round(Scale)
	sl.RealizedPnL = sl.RealizedPnL.Round(Scale)
	if sl.NetQty.IsZero() {
		sl.AvgEntry = decimal.Zero
	}
	return sl
}

// Format renders d with Scale digits and trailing zeros trimmed.
func Format(d decimal.Decimal) string {
	return d.Round(Scale).String()
}
