package wac

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/subledger-engine/internal/model"
)

// d is a test helper for creating decimals from strings.
func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func ledger(side model.PositionSide, net, avg string) model.SubLedger {
	return model.SubLedger{
		ID:          "sl-1",
		AccountID:   "main",
		Symbol:      "BTCUSDT",
		Side:        side,
		NetQty:      d(net),
		AvgEntry:    d(avg),
		RealizedPnL: decimal.Zero,
	}
}

func fill(side model.OrderSide, qty, price string) model.Fill {
	return model.Fill{TradeID: "t1", Side: side, Qty: d(qty), Price: d(price)}
}

func TestApplyFill_OpenEmptyLong(t *testing.T) {
	got, err := ApplyFill(ledger(model.Long, "0", "0"), fill(model.Buy, "1", "90000"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.NetQty.Equal(d("1")) || !got.AvgEntry.Equal(d("90000")) || !got.RealizedPnL.IsZero() {
		t.Errorf("got net=%s avg=%s pnl=%s", got.NetQty, got.AvgEntry, got.RealizedPnL)
	}
}

func TestApplyFill_Averaging(t *testing.T) {
	got, _ := ApplyFill(ledger(model.Long, "1", "90000"), fill(model.Buy, "1", "92000"))
	if !got.NetQty.Equal(d("2")) {
		t.Errorf("expected net 2, got %s", got.NetQty)
	}
	if !got.AvgEntry.Equal(d("91000")) {
		t.Errorf("expected avg 91000, got %s", got.AvgEntry)
	}
}

func TestApplyFill_Reduction(t *testing.T) {
	got, _ := ApplyFill(ledger(model.Long, "2", "90000"), fill(model.Sell, "1", "95000"))
	if !got.NetQty.Equal(d("1")) {
		t.Errorf("expected net 1, got %s", got.NetQty)
	}
	if !got.AvgEntry.Equal(d("90000")) {
		t.Errorf("avg must be unchanged on reduction, got %s", got.AvgEntry)
	}
	if !got.RealizedPnL.Equal(d("5000")) {
		t.Errorf("expected realized 5000, got %s", got.RealizedPnL)
	}
}

func TestApplyFill_ShortSymmetry(t *testing.T) {
	got, _ := ApplyFill(ledger(model.Short, "1", "90000"), fill(model.Buy, "1", "85000"))
	if !got.RealizedPnL.Equal(d("5000")) {
		t.Errorf("expected realized 5000, got %s", got.RealizedPnL)
	}
	if !got.NetQty.IsZero() || !got.AvgEntry.IsZero() {
		t.Errorf("flat short must reset avg: net=%s avg=%s", got.NetQty, got.AvgEntry)
	}
}

func TestApplyFill_ShortOpen(t *testing.T) {
	got, _ := ApplyFill(ledger(model.Short, "1", "100"), fill(model.Sell, "3", "80"))
	if !got.NetQty.Equal(d("4")) || !got.AvgEntry.Equal(d("85")) {
		t.Errorf("got net=%s avg=%s", got.NetQty, got.AvgEntry)
	}
}

func TestApplyFill_OverFillCapped(t *testing.T) {
	got, _ := ApplyFill(ledger(model.Long, "1", "100"), fill(model.Sell, "3", "110"))
	if !got.NetQty.IsZero() {
		t.Errorf("over-fill must cap at zero, got %s", got.NetQty)
	}
	if !got.RealizedPnL.Equal(d("10")) {
		t.Errorf("pnl must only count the closed qty, got %s", got.RealizedPnL)
	}
	if !got.AvgEntry.IsZero() {
		t.Errorf("avg must reset when flat, got %s", got.AvgEntry)
	}
}

func TestApplyFill_CloseOnEmptyIsNoop(t *testing.T) {
	got, _ := ApplyFill(ledger(model.Long, "0", "0"), fill(model.Sell, "1", "100"))
	if !got.NetQty.IsZero() || !got.RealizedPnL.IsZero() {
		t.Errorf("closing an empty ledger must not change it: net=%s pnl=%s", got.NetQty, got.RealizedPnL)
	}
}

func TestApplyFill_RoundsToScale(t *testing.T) {
	got, _ := ApplyFill(ledger(model.Long, "1", "1"), fill(model.Buy, "2", "1.000000001"))
	if got.AvgEntry.Exponent() < -Scale {
		t.Errorf("avg has more than %d digits: %s", Scale, got.AvgEntry)
	}
	if !got.AvgEntry.Equal(d("1")) {
		t.Errorf("expected avg rounded to 1, got %s", got.AvgEntry)
	}
}

func TestApplyFill_ThirdsStayBounded(t *testing.T) {
	sl := ledger(model.Long, "0", "0")
	for _, p := range []string{"100", "200", "400"} {
		sl, _ = ApplyFill(sl, fill(model.Buy, "1", p))
	}
	if !sl.AvgEntry.Equal(d("233.33333333")) {
		t.Errorf("expected 233.33333333, got %s", sl.AvgEntry)
	}
}

func TestApplyFill_Invalid(t *testing.T) {
	_, err := ApplyFill(ledger(model.Long, "0", "0"), fill(model.Buy, "0", "100"))
	if err != ErrInvalidFill {
		t.Errorf("expected ErrInvalidFill, got %v", err)
	}
	_, err = ApplyFill(ledger(model.Long, "0", "0"), fill(model.Buy, "1", "-1"))
	if err != ErrInvalidFill {
		t.Errorf("expected ErrInvalidFill for negative price, got %v", err)
	}
}

func TestApplyFill_DoesNotShareBracket(t *testing.T) {
	sl := ledger(model.Long, "1", "100")
	sl.Bracket = &model.BracketConfig{TPOrderID: "tp", SyncStatus: model.SyncOK}
	got, _ := ApplyFill(sl, fill(model.Buy, "1", "100"))
	got.Bracket.TPOrderID = "changed"
	if sl.Bracket.TPOrderID != "tp" {
		t.Error("ApplyFill must not alias the input bracket")
	}
}

func TestUnrealizedPnL(t *testing.T) {
	long := ledger(model.Long, "2", "90000")
	if got := UnrealizedPnL(long, d("91000")); !got.Equal(d("2000")) {
		t.Errorf("long: expected 2000, got %s", got)
	}
	short := ledger(model.Short, "2", "90000")
	if got := UnrealizedPnL(short, d("91000")); !got.Equal(d("-2000")) {
		t.Errorf("short: expected -2000, got %s", got)
	}
	if got := UnrealizedPnL(long, decimal.Zero); !got.IsZero() {
		t.Errorf("missing mark must yield zero, got %s", got)
	}
}

func TestFormat_TrimsTrailingZeros(t *testing.T) {
	if got := Format(d("1.50000000")); got != "1.5" {
		t.Errorf("expected 1.5, got %s", got)
	}
	if got := Format(d("0.123456789")); got != "0.12345679" {
		t.Errorf("expected 0.12345679, got %s", got)
	}
}
