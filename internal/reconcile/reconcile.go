// Package reconcile compares sub-ledger totals with the venue-reported
// position per (account, symbol, side) and applies operator-directed
// redistribution.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/subledger-engine/internal/keylock"
	"github.com/atmx/subledger-engine/internal/metrics"
	"github.com/atmx/subledger-engine/internal/model"
	"github.com/atmx/subledger-engine/internal/store"
	"github.com/atmx/subledger-engine/internal/wac"
)

// Epsilon is the quantity tolerance below which ledger and venue agree.
var Epsilon = decimal.New(1, -4)

// UnassignedName is the conventional name of the sub-ledger that absorbs
// the part of an external position no assignment claimed.
func UnassignedName(side model.PositionSide) string {
	return "UNASSIGNED-" + string(side)
}

// Assignment sets one sub-ledger's quantity.
type Assignment struct {
	SubLedgerID string          `json:"sub_ledger_id"`
	Qty         decimal.Decimal `json:"qty"`
}

// Request redistributes the external position of one key.
type Request struct {
	AccountID   string             `json:"account_id"`
	Symbol      string             `json:"symbol"`
	Side        model.PositionSide `json:"position_side"`
	Assignments []Assignment       `json:"assignments"`
}

// Engine runs consistency checks and reconciles. It caches the last status
// per key; CheckConsistency is safe to call repeatedly and concurrently.
type Engine struct {
	store store.Store
	locks *keylock.Locker
	now   func() time.Time

	mu       sync.RWMutex
	statuses map[model.PositionKey]model.ConsistencyStatus
}

// NewEngine creates a reconcile engine.
func NewEngine(st store.Store, locks *keylock.Locker) *Engine {
	return &Engine{
		store:    st,
		locks:    locks,
		now:      time.Now,
		statuses: make(map[model.PositionKey]model.ConsistencyStatus),
	}
}

// CheckConsistency recomputes the status of every key seen among
// sub-ledgers or external positions, limited to accountID when non-empty.
// Results are ordered by key.
func (e *Engine) CheckConsistency(ctx context.Context, accountID string) ([]model.ConsistencyStatus, error) {
	f := model.Filter{}
	if accountID != "" {
		f.AccountID = model.NormalizeAccount(accountID)
	}
	// Taken before reading, so a reconcile that lands while the check
	// reads is newer than every status computed here.
	now := e.now().UTC()

	sls, err := e.store.ListSubLedgers(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list sub-ledgers: %w", err)
	}
	exts, err := e.store.ListExternalPositions(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list external positions: %w", err)
	}

	ledger := make(map[model.PositionKey]decimal.Decimal)
	for _, sl := range sls {
		ledger[sl.Key()] = ledger[sl.Key()].Add(sl.NetQty)
	}
	external := make(map[model.PositionKey]decimal.Decimal)
	for _, p := range exts {
		external[p.Key()] = p.Qty
		if _, ok := ledger[p.Key()]; !ok {
			ledger[p.Key()] = decimal.Zero
		}
	}

	out := make([]model.ConsistencyStatus, 0, len(ledger))
	for key, ledgerQty := range ledger {
		out = append(out, status(key, external[key], ledgerQty, now))
	}
	sort.Slice(out, func(i, j int) bool { return statusKey(out[i]).String() < statusKey(out[j]).String() })

	e.mu.Lock()
	for k, cached := range e.statuses {
		if f.Match(k.AccountID, k.Symbol, k.Side) && !cached.CheckedAt.After(now) {
			delete(e.statuses, k)
		}
	}
	for i, st := range out {
		// A newer status (a reconcile applied mid-check) wins.
		if cached, ok := e.statuses[statusKey(st)]; ok && cached.CheckedAt.After(now) {
			out[i] = cached
			continue
		}
		e.statuses[statusKey(st)] = st
	}
	e.mu.Unlock()
	e.updateGauge()

	for _, st := range out {
		if st.Status == model.ConsistencyMismatch {
			slog.Warn("position mismatch",
				"account", st.AccountID, "symbol", st.Symbol, "side", st.Side,
				"external_qty", st.ExternalQty.String(), "ledger_qty", st.LedgerQty.String())
		}
	}
	return out, nil
}

// Statuses returns the cached statuses matching f, ordered by key.
func (e *Engine) Statuses(f model.Filter) []model.ConsistencyStatus {
	e.mu.RLock()
	out := make([]model.ConsistencyStatus, 0, len(e.statuses))
	for k, st := range e.statuses {
		if f.Match(k.AccountID, k.Symbol, k.Side) {
			out = append(out, st)
		}
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return statusKey(out[i]).String() < statusKey(out[j]).String() })
	return out
}

// Apply redistributes the external position of the request's key across
// the assigned sub-ledgers. Assigned ledgers take the venue's entry price
// as cost basis and keep their realized PnL. Ledgers of the key that are
// not named are left as they are, and any remainder above Epsilon goes to
// the key's UNASSIGNED ledger. Nothing is written unless every check passes.
//
// It returns every sub-ledger it wrote and the key's new status.
func (e *Engine) Apply(ctx context.Context, req Request) ([]model.SubLedger, model.ConsistencyStatus, error) {
	sls, st, err := e.apply(ctx, req)
	result := "ok"
	if err != nil {
		result = model.ErrorCode(err)
	}
	metrics.ReconcileTotal.WithLabelValues(result).Inc()
	return sls, st, err
}

func (e *Engine) apply(ctx context.Context, req Request) ([]model.SubLedger, model.ConsistencyStatus, error) {
	if err := validate(&req); err != nil {
		return nil, model.ConsistencyStatus{}, err
	}
	key := model.PositionKey{AccountID: req.AccountID, Symbol: req.Symbol, Side: req.Side}

	unlockKey := e.locks.Lock(keylock.PositionKey(key.AccountID, key.Symbol, string(key.Side)))
	defer unlockKey()

	ext, err := e.store.GetExternalPosition(ctx, key)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, model.ConsistencyStatus{}, fmt.Errorf("%w: no external position for %s", model.ErrNotFound, key)
		}
		return nil, model.ConsistencyStatus{}, fmt.Errorf("get external position %s: %w", key, err)
	}

	members, err := e.store.ListSubLedgers(ctx, model.Filter{AccountID: key.AccountID, Symbol: key.Symbol, Side: key.Side})
	if err != nil {
		return nil, model.ConsistencyStatus{}, fmt.Errorf("list sub-ledgers %s: %w", key, err)
	}

	lockKeys := make([]string, 0, len(members)+len(req.Assignments))
	for _, sl := range members {
		lockKeys = append(lockKeys, keylock.SubLedgerKey(sl.ID))
	}
	for _, a := range req.Assignments {
		lockKeys = append(lockKeys, keylock.SubLedgerKey(a.SubLedgerID))
	}
	unlock := e.locks.LockAll(lockKeys...)
	defer unlock()

	// Members were listed before the locks were taken; re-read under lock.
	touched := make(map[string]model.SubLedger)
	order := make([]string, 0, len(lockKeys))
	assignedTotal := decimal.Zero

	for _, a := range req.Assignments {
		sl, err := e.store.GetSubLedger(ctx, a.SubLedgerID)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				return nil, model.ConsistencyStatus{}, fmt.Errorf("%w: sub-ledger %s", model.ErrNotFound, a.SubLedgerID)
			}
			return nil, model.ConsistencyStatus{}, fmt.Errorf("get sub-ledger %s: %w", a.SubLedgerID, err)
		}
		if sl.AccountID != key.AccountID {
			return nil, model.ConsistencyStatus{}, fmt.Errorf("%w: sub-ledger %s belongs to account %s, not %s",
				model.ErrScopeMismatch, sl.ID, sl.AccountID, key.AccountID)
		}
		if sl.Symbol != key.Symbol || sl.Side != key.Side {
			return nil, model.ConsistencyStatus{}, fmt.Errorf("%w: sub-ledger %s tracks %s %s, not %s %s",
				model.ErrDomainMismatch, sl.ID, sl.Symbol, sl.Side, key.Symbol, key.Side)
		}

		next := sl.Clone()
		next.NetQty = a.Qty
		next.AvgEntry = ext.AvgEntryPrice
		touched[sl.ID] = wac.Normalize(next)
		order = append(order, sl.ID)
		assignedTotal = assignedTotal.Add(a.Qty)
	}

	if assignedTotal.GreaterThan(ext.Qty.Add(Epsilon)) {
		return nil, model.ConsistencyStatus{}, fmt.Errorf("%w: assigned %s, external %s",
			model.ErrOverAssigned, assignedTotal.String(), ext.Qty.String())
	}

	// Ledgers the request does not name keep their quantity; only the
	// UNASSIGNED ledger absorbs the remainder.
	var unassigned *model.SubLedger
	for _, m := range members {
		if m.Name != UnassignedName(key.Side) {
			continue
		}
		if cur, ok := touched[m.ID]; ok {
			unassigned = &cur
			break
		}
		sl, err := e.store.GetSubLedger(ctx, m.ID)
		if errors.Is(err, model.ErrNotFound) {
			continue // deleted since listed
		}
		if err != nil {
			return nil, model.ConsistencyStatus{}, fmt.Errorf("get sub-ledger %s: %w", m.ID, err)
		}
		unassigned = sl
		break
	}

	remainder := ext.Qty.Sub(assignedTotal)
	switch {
	case remainder.GreaterThan(Epsilon):
		var next model.SubLedger
		if unassigned != nil {
			next = unassigned.Clone()
		} else {
			next = model.SubLedger{
				ID:        uuid.New().String(),
				AccountID: key.AccountID,
				Name:      UnassignedName(key.Side),
				Symbol:    key.Symbol,
				Side:      key.Side,
				CreatedAt: e.now().UTC(),
			}
		}
		if _, named := touched[next.ID]; named {
			// Named explicitly: the remainder adds to its assignment.
			next.NetQty = next.NetQty.Add(remainder)
		} else {
			next.NetQty = remainder
			order = append(order, next.ID)
		}
		next.AvgEntry = ext.AvgEntryPrice
		touched[next.ID] = wac.Normalize(next)
	case unassigned != nil && !unassigned.NetQty.IsZero():
		if _, named := touched[unassigned.ID]; !named {
			next := unassigned.Clone()
			next.NetQty = decimal.Zero
			touched[next.ID] = wac.Normalize(next)
			order = append(order, next.ID)
		}
	}

	updated := make([]model.SubLedger, 0, len(order))
	for _, id := range order {
		updated = append(updated, touched[id])
	}
	if err := e.store.SaveSubLedgers(ctx, updated); err != nil {
		return nil, model.ConsistencyStatus{}, fmt.Errorf("save reconcile %s: %w", key, err)
	}

	// The key is OK by construction for the quantities the operator
	// assigned; the next check recomputes it from every member.
	st := status(key, ext.Qty, ext.Qty, e.now().UTC())
	e.mu.Lock()
	e.statuses[key] = st
	e.mu.Unlock()
	e.updateGauge()

	slog.Info("reconcile applied",
		"account", key.AccountID, "symbol", key.Symbol, "side", key.Side,
		"external_qty", ext.Qty.String(),
		"assigned", assignedTotal.String(),
		"remainder", remainder.String(),
		"updated", len(updated),
	)
	return updated, st, nil
}

func validate(req *Request) error {
	req.AccountID = model.NormalizeAccount(req.AccountID)
	if req.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", model.ErrInvalidRequest)
	}
	if !req.Side.Valid() {
		return fmt.Errorf("%w: position_side must be LONG or SHORT", model.ErrInvalidRequest)
	}
	seen := make(map[string]bool, len(req.Assignments))
	for _, a := range req.Assignments {
		if a.SubLedgerID == "" {
			return fmt.Errorf("%w: assignment without sub_ledger_id", model.ErrInvalidRequest)
		}
		if seen[a.SubLedgerID] {
			return fmt.Errorf("%w: sub-ledger %s assigned twice", model.ErrInvalidRequest, a.SubLedgerID)
		}
		seen[a.SubLedgerID] = true
		if a.Qty.IsNegative() {
			return fmt.Errorf("%w: negative qty for sub-ledger %s", model.ErrInvalidRequest, a.SubLedgerID)
		}
	}
	return nil
}

func status(key model.PositionKey, external, ledger decimal.Decimal, at time.Time) model.ConsistencyStatus {
	st := model.ConsistencyStatus{
		AccountID:   key.AccountID,
		Symbol:      key.Symbol,
		Side:        key.Side,
		Status:      model.ConsistencyOK,
		ExternalQty: external,
		LedgerQty:   ledger,
		CheckedAt:   at,
	}
	if external.Sub(ledger).Abs().GreaterThanOrEqual(Epsilon) {
		st.Status = model.ConsistencyMismatch
	}
	return st
}

func statusKey(st model.ConsistencyStatus) model.PositionKey {
	return model.PositionKey{AccountID: st.AccountID, Symbol: st.Symbol, Side: st.Side}
}

func (e *Engine) updateGauge() {
	e.mu.RLock()
	n := 0
	for _, st := range e.statuses {
		if st.Status == model.ConsistencyMismatch {
			n++
		}
	}
	e.mu.RUnlock()
	metrics.ConsistencyMismatches.Set(float64(n))
}
