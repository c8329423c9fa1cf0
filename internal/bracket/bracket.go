// Package bracket manages the take-profit/stop-loss pair attached to a
// sub-ledger with a cancel-and-recreate protocol.
//
// Each transition is written in two steps. The SYNCING state is persisted
// under the sub-ledger lock before any venue call, so concurrent callers
// observe it and are rejected with model.ErrSyncInProgress. Venue calls run
// outside the lock; the final OK or ERROR state is written under the lock
// again.
package bracket

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/subledger-engine/internal/correlation"
	"github.com/atmx/subledger-engine/internal/keylock"
	"github.com/atmx/subledger-engine/internal/metrics"
	"github.com/atmx/subledger-engine/internal/model"
	"github.com/atmx/subledger-engine/internal/notify"
	"github.com/atmx/subledger-engine/internal/store"
	"github.com/atmx/subledger-engine/internal/venue"
	"github.com/atmx/subledger-engine/internal/wac"
)

var hundred = decimal.NewFromInt(100)

// SetRequest configures a bracket. At least one price is required. Qty
// takes priority over Percent; with neither the legs cover the full net
// quantity. Each call fully replaces the previous bracket.
type SetRequest struct {
	TPPrice   *decimal.Decimal `json:"tp_price,omitempty"`
	TPTrigger model.Trigger    `json:"tp_trigger,omitempty"`
	SLPrice   *decimal.Decimal `json:"sl_price,omitempty"`
	SLTrigger model.Trigger    `json:"sl_trigger,omitempty"`
	Qty       *decimal.Decimal `json:"qty,omitempty"`
	Percent   *decimal.Decimal `json:"percent,omitempty"`
}

// Manager runs bracket transitions. Safe for concurrent use.
type Manager struct {
	store  store.Store
	client venue.Client
	table  *correlation.Table
	locks  *keylock.Locker
	pub    notify.Publisher
	now    func() time.Time
}

// NewManager creates a bracket manager.
func NewManager(st store.Store, client venue.Client, table *correlation.Table, locks *keylock.Locker, pub notify.Publisher) *Manager {
	if pub == nil {
		pub = notify.Discard
	}
	return &Manager{store: st, client: client, table: table, locks: locks, pub: pub, now: time.Now}
}

// StatusPayload is published on every bracket transition.
type StatusPayload struct {
	SubLedgerID string               `json:"sub_ledger_id"`
	AccountID   string               `json:"account_id"`
	State       model.SyncState      `json:"state"`
	Bracket     *model.BracketConfig `json:"bracket"`
	Error       string               `json:"error,omitempty"`
}

// Set cancels any existing legs and places the requested ones. On a venue
// failure the bracket is left in ERROR with the legs that were placed and
// the returned error wraps model.ErrSyncError; the sub-ledger is returned
// in both cases.
func (m *Manager) Set(ctx context.Context, subLedgerID string, req SetRequest) (*model.SubLedger, error) {
	if err := validate(&req); err != nil {
		return nil, err
	}

	var prev *model.BracketConfig
	sl, err := m.transition(ctx, subLedgerID, func(sl *model.SubLedger) error {
		if sl.NetQty.IsZero() {
			return fmt.Errorf("%w: sub-ledger %s", model.ErrEmptyPosition, sl.ID)
		}
		qty, err := legQty(sl.NetQty, req)
		if err != nil {
			return err
		}
		if sl.Bracket != nil {
			p := *sl.Bracket
			prev = &p
		}
		// Old order ids stay visible until the new legs replace them.
		next := &model.BracketConfig{
			TPPrice:    req.TPPrice,
			TPTrigger:  req.TPTrigger,
			SLPrice:    req.SLPrice,
			SLTrigger:  req.SLTrigger,
			Qty:        qty,
			SyncStatus: model.SyncSyncing,
		}
		if prev != nil {
			next.TPOrderID, next.SLOrderID = prev.TPOrderID, prev.SLOrderID
		}
		sl.Bracket = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.cancelLegs(ctx, sl, prev)

	tpID, slID, placeErr := m.placeLegs(ctx, sl)

	final, err := m.finish(ctx, sl.ID, func(cur *model.SubLedger) {
		b := cur.Bracket
		if b == nil {
			b = sl.Bracket
		}
		b.TPOrderID = m.liveLeg(ctx, tpID)
		b.SLOrderID = m.liveLeg(ctx, slID)
		b.SyncStatus = model.SyncOK
		if placeErr != nil {
			b.SyncStatus = model.SyncError
		}
		if placeErr == nil && b.TPOrderID == "" && b.SLOrderID == "" {
			// Every leg filled before the state was recorded.
			b = nil
		}
		cur.Bracket = b
	}, placeErr)
	if err != nil {
		return nil, err
	}
	if placeErr != nil {
		return final, fmt.Errorf("%w: %v", model.ErrSyncError, placeErr)
	}
	return final, nil
}

// Clear cancels the existing legs (best-effort) and removes the bracket.
// Clearing a sub-ledger without a bracket is a no-op.
func (m *Manager) Clear(ctx context.Context, subLedgerID string) (*model.SubLedger, error) {
	var prev *model.BracketConfig
	noop := false
	sl, err := m.transition(ctx, subLedgerID, func(sl *model.SubLedger) error {
		if sl.Bracket == nil {
			noop = true
			return nil
		}
		p := *sl.Bracket
		prev = &p
		sl.Bracket.SyncStatus = model.SyncSyncing
		return nil
	})
	if err != nil {
		return nil, err
	}
	if noop {
		return sl, nil
	}

	m.cancelLegs(ctx, sl, prev)

	return m.finish(ctx, sl.ID, func(cur *model.SubLedger) {
		cur.Bracket = nil
	}, nil)
}

// OnLegFilled clears the leg that orderID belongs to. When both legs are
// empty the bracket is removed. It returns nil when no bracket references
// the order.
func (m *Manager) OnLegFilled(ctx context.Context, orderID string) (*model.SubLedger, error) {
	if orderID == "" {
		return nil, nil
	}
	id, err := m.findOwner(ctx, orderID)
	if err != nil || id == "" {
		return nil, err
	}

	unlock := m.locks.Lock(keylock.SubLedgerKey(id))
	defer unlock()

	sl, err := m.store.GetSubLedger(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sl.Bracket.References(orderID) {
		return nil, nil
	}

	before := sl.Bracket.State()
	leg := "tp"
	if sl.Bracket.TPOrderID == orderID {
		sl.Bracket.TPOrderID = ""
	} else {
		sl.Bracket.SLOrderID = ""
		leg = "sl"
	}
	if sl.Bracket.TPOrderID == "" && sl.Bracket.SLOrderID == "" && sl.Bracket.SyncStatus != model.SyncSyncing {
		sl.Bracket = nil
	}
	if err := checkTransition(id, before, sl.Bracket.State()); err != nil {
		return nil, err
	}
	if err := m.store.SaveSubLedger(ctx, sl); err != nil {
		return nil, fmt.Errorf("save sub-ledger %s: %w", sl.ID, err)
	}

	slog.Info("bracket leg filled", "sub_ledger", sl.ID, "order_id", orderID, "leg", leg,
		"state", sl.Bracket.State())
	m.publish(sl, "")
	return sl, nil
}

// findOwner locates the sub-ledger whose bracket references orderID: the
// order record first, then a scan.
func (m *Manager) findOwner(ctx context.Context, orderID string) (string, error) {
	if o, err := m.store.GetOrder(ctx, orderID); err == nil && o.SubLedgerID != "" {
		if sl, err := m.store.GetSubLedger(ctx, o.SubLedgerID); err == nil && sl.Bracket.References(orderID) {
			return sl.ID, nil
		}
	}
	sls, err := m.store.ListSubLedgers(ctx, model.Filter{})
	if err != nil {
		return "", fmt.Errorf("list sub-ledgers: %w", err)
	}
	for _, sl := range sls {
		if sl.Bracket.References(orderID) {
			return sl.ID, nil
		}
	}
	return "", nil
}

// transition loads the sub-ledger under its lock, rejects it while a sync
// is in flight, applies mutate and persists the result.
func (m *Manager) transition(ctx context.Context, id string, mutate func(*model.SubLedger) error) (*model.SubLedger, error) {
	unlock := m.locks.Lock(keylock.SubLedgerKey(id))
	defer unlock()

	sl, err := m.store.GetSubLedger(ctx, id)
	if err != nil {
		return nil, err
	}
	if sl.Bracket.State() == model.SyncSyncing {
		return nil, fmt.Errorf("%w: sub-ledger %s", model.ErrSyncInProgress, id)
	}
	before := sl.Bracket.State()
	if err := mutate(sl); err != nil {
		return nil, err
	}
	if sl.Bracket.State() == before {
		return sl, nil
	}
	if err := checkTransition(id, before, sl.Bracket.State()); err != nil {
		return nil, err
	}
	if err := m.store.SaveSubLedger(ctx, sl); err != nil {
		return nil, fmt.Errorf("save sub-ledger %s: %w", id, err)
	}
	m.publish(sl, "")
	return sl, nil
}

// finish writes the terminal state of a transition under the lock.
func (m *Manager) finish(ctx context.Context, id string, mutate func(*model.SubLedger), cause error) (*model.SubLedger, error) {
	unlock := m.locks.Lock(keylock.SubLedgerKey(id))
	defer unlock()

	sl, err := m.store.GetSubLedger(ctx, id)
	if err != nil {
		return nil, err
	}
	before := sl.Bracket.State()
	mutate(sl)
	if err := checkTransition(id, before, sl.Bracket.State()); err != nil {
		return nil, err
	}
	if err := m.store.SaveSubLedger(ctx, sl); err != nil {
		return nil, fmt.Errorf("save sub-ledger %s: %w", id, err)
	}

	state := sl.Bracket.State()
	metrics.BracketSyncTotal.WithLabelValues(string(state)).Inc()
	msg := ""
	if cause != nil {
		msg = cause.Error()
		slog.Warn("bracket sync failed", "sub_ledger", id, "state", state, "err", cause)
	} else {
		slog.Info("bracket synced", "sub_ledger", id, "state", state)
	}
	m.publish(sl, msg)
	return sl, nil
}

func checkTransition(id string, from, to model.SyncState) error {
	if from == to || from.CanTransitionTo(to) {
		return nil
	}
	return fmt.Errorf("%w: sub-ledger %s %s -> %s", model.ErrInvalidTransition, id, from, to)
}

// cancelLegs cancels the previous legs. Failures are logged and swallowed:
// the usual cause is a leg that already filled or was canceled.
func (m *Manager) cancelLegs(ctx context.Context, sl *model.SubLedger, prev *model.BracketConfig) {
	if prev == nil {
		return
	}
	for _, orderID := range []string{prev.TPOrderID, prev.SLOrderID} {
		if orderID == "" {
			continue
		}
		if _, err := m.client.CancelOrder(ctx, sl.AccountID, sl.Symbol, orderID); err != nil {
			slog.Warn("bracket leg cancel failed", "sub_ledger", sl.ID, "order_id", orderID, "err", err)
		}
	}
}

// placeLegs places TP then SL. It stops at the first failure and returns
// the ids of the legs that were placed.
func (m *Manager) placeLegs(ctx context.Context, sl *model.SubLedger) (tpID, slID string, err error) {
	b := sl.Bracket
	if b.TPPrice != nil {
		tpID, err = m.placeLeg(ctx, sl, venue.OrderTypeTakeProfitMarket, *b.TPPrice, b.TPTrigger)
		if err != nil {
			return "", "", fmt.Errorf("take-profit: %w", err)
		}
	}
	if b.SLPrice != nil {
		slID, err = m.placeLeg(ctx, sl, venue.OrderTypeStopMarket, *b.SLPrice, b.SLTrigger)
		if err != nil {
			return tpID, "", fmt.Errorf("stop-loss: %w", err)
		}
	}
	return tpID, slID, nil
}

func (m *Manager) placeLeg(ctx context.Context, sl *model.SubLedger, orderType string, trigger decimal.Decimal, t model.Trigger) (string, error) {
	corrID := correlation.Encode(sl.ID, sl.AccountID)
	if err := m.table.Register(ctx, corrID, sl.AccountID, sl.ID); err != nil {
		return "", err
	}

	stop := trigger
	req := venue.OrderRequest{
		AccountID:     sl.AccountID,
		Symbol:        sl.Symbol,
		Side:          sl.Side.CloseSide(),
		PositionSide:  sl.Side,
		Type:          orderType,
		Qty:           sl.Bracket.Qty,
		StopPrice:     &stop,
		ReduceOnly:    true,
		TimeInForce:   venue.TimeInForceGTEGTC,
		WorkingType:   venue.WorkingType(t),
		CorrelationID: corrID,
	}
	ack, err := m.client.PlaceOrder(ctx, req)
	if err != nil {
		metrics.OrdersTotal.WithLabelValues(orderType, "error").Inc()
		return "", err
	}
	metrics.OrdersTotal.WithLabelValues(orderType, "ok").Inc()

	status := ack.Status
	if status == "" {
		status = model.StatusNew
	}
	now := m.now().UTC()
	order := &model.Order{
		OrderID:       ack.OrderID,
		CorrelationID: corrID,
		AccountID:     sl.AccountID,
		SubLedgerID:   sl.ID,
		Symbol:        sl.Symbol,
		Side:          req.Side,
		PositionSide:  sl.Side,
		Type:          orderType,
		Qty:           req.Qty,
		StopPrice:     &stop,
		Status:        status,
		ReduceOnly:    true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.store.UpsertOrder(ctx, order); err != nil {
		slog.Warn("bracket leg order record not saved", "order_id", ack.OrderID, "err", err)
	} else {
		m.pub.Publish(notify.New(notify.TypeOrderUpsert, order))
	}
	return ack.OrderID, nil
}

// liveLeg drops a just-placed leg whose fill was already processed while
// the bracket was SYNCING.
func (m *Manager) liveLeg(ctx context.Context, orderID string) string {
	if orderID == "" {
		return ""
	}
	o, err := m.store.GetOrder(ctx, orderID)
	if err == nil && model.IsTerminalStatus(o.Status) {
		return ""
	}
	return orderID
}

func (m *Manager) publish(sl *model.SubLedger, errMsg string) {
	m.pub.Publish(notify.New(notify.TypeBracketSyncStatus, StatusPayload{
		SubLedgerID: sl.ID,
		AccountID:   sl.AccountID,
		State:       sl.Bracket.State(),
		Bracket:     sl.Bracket,
		Error:       errMsg,
	}))
	m.pub.Publish(notify.New(notify.TypeSubLedgerUpdate, sl))
}

func validate(req *SetRequest) error {
	if req.TPPrice == nil && req.SLPrice == nil {
		return fmt.Errorf("%w: tp_price or sl_price is required", model.ErrInvalidRequest)
	}
	if req.TPPrice != nil && !req.TPPrice.IsPositive() {
		return fmt.Errorf("%w: tp_price must be positive", model.ErrInvalidRequest)
	}
	if req.SLPrice != nil && !req.SLPrice.IsPositive() {
		return fmt.Errorf("%w: sl_price must be positive", model.ErrInvalidRequest)
	}
	if req.TPTrigger == "" {
		req.TPTrigger = model.TriggerLast
	}
	if req.SLTrigger == "" {
		req.SLTrigger = model.TriggerMark
	}
	if !req.TPTrigger.Valid() || !req.SLTrigger.Valid() {
		return fmt.Errorf("%w: trigger must be LAST or MARK", model.ErrInvalidRequest)
	}
	return nil
}

// legQty resolves the leg size against the open quantity. Sizes are
// rounded to the ledger scale before the range check.
func legQty(net decimal.Decimal, req SetRequest) (decimal.Decimal, error) {
	switch {
	case req.Qty != nil:
		qty := req.Qty.Round(wac.Scale)
		if !qty.IsPositive() || qty.GreaterThan(net) {
			return decimal.Zero, fmt.Errorf("%w: qty %s outside (0, %s]", model.ErrInvalidSize, req.Qty, net)
		}
		return qty, nil
	case req.Percent != nil:
		if !req.Percent.IsPositive() || req.Percent.GreaterThan(hundred) {
			return decimal.Zero, fmt.Errorf("%w: percent %s outside (0, 100]", model.ErrInvalidSize, req.Percent)
		}
		qty := net.Mul(*req.Percent).Div(hundred).Round(wac.Scale)
		if !qty.IsPositive() {
			return decimal.Zero, fmt.Errorf("%w: percent %s of %s rounds to zero", model.ErrInvalidSize, req.Percent, net)
		}
		return qty, nil
	default:
		return net, nil
	}
}
