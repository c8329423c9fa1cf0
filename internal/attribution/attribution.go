// Package attribution routes venue fills to the sub-ledger that caused them
// and drives the WAC ledger.
//
// Identity is resolved in priority order: the correlation table, the known
// order record, the identity embedded in the correlation id, and finally
// the account of the stream that delivered the event. A fill is applied to
// a sub-ledger only when that sub-ledger belongs to the resolved account;
// otherwise it is recorded unattributed for audit and left to reconcile.
package attribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/atmx/subledger-engine/internal/correlation"
	"github.com/atmx/subledger-engine/internal/keylock"
	"github.com/atmx/subledger-engine/internal/metrics"
	"github.com/atmx/subledger-engine/internal/model"
	"github.com/atmx/subledger-engine/internal/store"
	"github.com/atmx/subledger-engine/internal/venue"
	"github.com/atmx/subledger-engine/internal/wac"
)

// Identity sources, in resolution order.
const (
	SourceTable  = "table"
	SourceOrder  = "order"
	SourceCodec  = "codec"
	SourceStream = "stream"
)

// Identity is the resolved owner of an order.
type Identity struct {
	AccountID   string
	SubLedgerID string
	Source      string
}

// Result is the outcome of processing one fill.
type Result struct {
	Fill      model.Fill
	SubLedger *model.SubLedger // nil unless the fill was applied
	OrderID   string
	Status    string
	Duplicate bool
}

// Engine attributes fills. Safe for concurrent use.
type Engine struct {
	store store.Store
	table *correlation.Table
	locks *keylock.Locker
	now   func() time.Time
}

// NewEngine creates an attribution engine.
func NewEngine(st store.Store, table *correlation.Table, locks *keylock.Locker) *Engine {
	return &Engine{store: st, table: table, locks: locks, now: time.Now}
}

// Process handles one order update. It returns nil for updates that carry
// no fill. Re-delivery of a trade id yields a Result with Duplicate set and
// no ledger mutation.
func (e *Engine) Process(ctx context.Context, u *venue.OrderUpdate) (*Result, error) {
	if !u.IsFill() {
		return nil, nil
	}

	id, err := e.Resolve(ctx, u)
	if err != nil {
		return nil, err
	}

	fill := model.Fill{
		TradeID:         u.TradeID,
		OrderID:         u.OrderID,
		CorrelationID:   u.CorrelationID,
		AccountID:       id.AccountID,
		SubLedgerID:     id.SubLedgerID,
		Symbol:          u.Symbol,
		Side:            u.Side,
		PositionSide:    u.PositionSide,
		Qty:             u.LastFillQty,
		Price:           u.LastFillPrice,
		Commission:      u.Commission,
		CommissionAsset: u.CommissionAsset,
		RealizedPnL:     u.RealizedPnL,
		Timestamp:       u.TradeTime,
	}
	if fill.TradeID == "" {
		// Synthesize a stable key so re-delivery still dedups.
		fill.TradeID = fmt.Sprintf("%s-%s-%s", u.OrderID, u.LastFillQty.String(), u.LastFillPrice.String())
	}
	if fill.Timestamp.IsZero() {
		fill.Timestamp = e.now().UTC()
	}

	if id.SubLedgerID != "" {
		unlock := e.locks.Lock(keylock.SubLedgerKey(id.SubLedgerID))
		defer unlock()
	}

	updated, reason := e.prepare(ctx, id, fill)
	fill.Attributed = updated != nil

	inserted, err := e.store.InsertFill(ctx, &fill)
	if err != nil {
		return nil, fmt.Errorf("record fill %s: %w", fill.TradeID, err)
	}
	res := &Result{Fill: fill, OrderID: u.OrderID, Status: u.Status}
	if !inserted {
		metrics.FillsTotal.WithLabelValues("duplicate").Inc()
		slog.Info("duplicate fill ignored", "trade_id", fill.TradeID, "order_id", u.OrderID)
		res.Duplicate = true
		return res, nil
	}

	if updated == nil {
		metrics.FillsTotal.WithLabelValues("unattributed").Inc()
		slog.Warn("fill recorded unattributed",
			"trade_id", fill.TradeID,
			"account", id.AccountID,
			"sub_ledger", id.SubLedgerID,
			"correlation_id", u.CorrelationID,
			"source", id.Source,
			"reason", reason,
		)
		return res, nil
	}

	if err := e.store.SaveSubLedger(ctx, updated); err != nil {
		// The fill is journaled; the ledger is now behind the venue until
		// the next reconcile.
		slog.Error("fill recorded but sub-ledger save failed",
			"trade_id", fill.TradeID, "sub_ledger", updated.ID, "err", err)
		return nil, fmt.Errorf("save sub-ledger %s: %w", updated.ID, err)
	}

	metrics.FillsTotal.WithLabelValues("attributed").Inc()
	if !u.TradeTime.IsZero() {
		metrics.FillLatency.Observe(e.now().Sub(u.TradeTime).Seconds())
	}
	slog.Info("fill applied",
		"trade_id", fill.TradeID,
		"sub_ledger", updated.ID,
		"side", fill.Side,
		"qty", fill.Qty.String(),
		"price", fill.Price.String(),
		"net_qty", updated.NetQty.String(),
		"avg_entry", updated.AvgEntry.String(),
		"realized_pnl", updated.RealizedPnL.String(),
	)
	res.SubLedger = updated
	return res, nil
}

// prepare computes the sub-ledger state after the fill, or returns nil and
// the reason the fill cannot be attributed. Must hold the sub-ledger lock.
func (e *Engine) prepare(ctx context.Context, id Identity, fill model.Fill) (*model.SubLedger, string) {
	if id.SubLedgerID == "" {
		return nil, "no sub-ledger identity"
	}
	sl, err := e.store.GetSubLedger(ctx, id.SubLedgerID)
	if err != nil {
		return nil, "sub-ledger lookup: " + err.Error()
	}
	if sl.AccountID != id.AccountID {
		return nil, fmt.Sprintf("sub-ledger belongs to account %s", sl.AccountID)
	}
	if sl.Symbol != fill.Symbol {
		return nil, fmt.Sprintf("sub-ledger tracks %s", sl.Symbol)
	}
	next, err := wac.ApplyFill(*sl, fill)
	if err != nil {
		return nil, err.Error()
	}
	return &next, ""
}

// Resolve determines who owns the order behind an update.
func (e *Engine) Resolve(ctx context.Context, u *venue.OrderUpdate) (Identity, error) {
	if u.CorrelationID != "" {
		m, ok, err := e.table.Resolve(ctx, u.CorrelationID)
		if err != nil {
			return Identity{}, fmt.Errorf("resolve %s: %w", u.CorrelationID, err)
		}
		if ok {
			return Identity{AccountID: m.AccountID, SubLedgerID: m.SubLedgerID, Source: SourceTable}, nil
		}
	}

	var account, source string
	if u.OrderID != "" {
		o, err := e.store.GetOrder(ctx, u.OrderID)
		switch {
		case err == nil:
			if o.SubLedgerID != "" {
				return Identity{AccountID: o.AccountID, SubLedgerID: o.SubLedgerID, Source: SourceOrder}, nil
			}
			account, source = o.AccountID, SourceOrder
		case !errors.Is(err, model.ErrNotFound):
			return Identity{}, fmt.Errorf("lookup order %s: %w", u.OrderID, err)
		}
	}

	if acct, ok := correlation.ExtractAccount(u.CorrelationID); ok {
		if account == "" {
			account, source = acct, SourceCodec
		}
		if short, ok := correlation.Decode(u.CorrelationID); ok && account == acct {
			slID, err := e.matchShortID(ctx, acct, short)
			if err != nil {
				return Identity{}, err
			}
			if slID != "" {
				return Identity{AccountID: acct, SubLedgerID: slID, Source: SourceCodec}, nil
			}
		}
	}

	if account != "" {
		return Identity{AccountID: account, Source: source}, nil
	}
	return Identity{AccountID: model.NormalizeAccount(u.AccountID), Source: SourceStream}, nil
}

// matchShortID returns the only sub-ledger of the account whose id starts
// with short, or "" when none or several do.
func (e *Engine) matchShortID(ctx context.Context, accountID, short string) (string, error) {
	sls, err := e.store.ListSubLedgers(ctx, model.Filter{AccountID: accountID})
	if err != nil {
		return "", fmt.Errorf("list sub-ledgers for %s: %w", accountID, err)
	}
	match := ""
	for _, sl := range sls {
		if strings.HasPrefix(sl.ID, short) {
			if match != "" {
				return "", nil
			}
			match = sl.ID
		}
	}
	return match, nil
}
