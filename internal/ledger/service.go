// Package ledger composes the sub-ledger engine: correlation, attribution,
// WAC accounting, reconciliation and brackets. It exposes the operations
// over HTTP and consumes the venue event feed.
//
// All monetary values use shopspring/decimal; float64 never carries money.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/subledger-engine/internal/attribution"
	"github.com/atmx/subledger-engine/internal/bracket"
	"github.com/atmx/subledger-engine/internal/correlation"
	"github.com/atmx/subledger-engine/internal/keylock"
	"github.com/atmx/subledger-engine/internal/metrics"
	"github.com/atmx/subledger-engine/internal/model"
	"github.com/atmx/subledger-engine/internal/notify"
	"github.com/atmx/subledger-engine/internal/reconcile"
	"github.com/atmx/subledger-engine/internal/store"
	"github.com/atmx/subledger-engine/internal/venue"
	"github.com/atmx/subledger-engine/internal/wac"
)

var hundred = decimal.NewFromInt(100)

// Service is the sub-ledger engine. Mutations of one sub-ledger are
// serialized with a per-id lock; reads are lock-free snapshots.
type Service struct {
	store    store.Store
	client   venue.Client
	table    *correlation.Table
	locks    *keylock.Locker
	fills    *attribution.Engine
	recon    *reconcile.Engine
	brackets *bracket.Manager
	pub      notify.Publisher
	debounce time.Duration
	now      func() time.Time

	markMu sync.RWMutex
	marks  map[string]decimal.Decimal

	timerMu sync.Mutex
	timers  map[string]*time.Timer
	closed  bool
}

// NewService creates the engine. debounce delays the consistency check
// that follows an account update; zero runs it inline. Pass nil for pub if
// notifications are not needed.
func NewService(st store.Store, client venue.Client, pub notify.Publisher, debounce time.Duration) *Service {
	if pub == nil {
		pub = notify.Discard
	}
	locks := keylock.New()
	table := correlation.NewTable(st)
	return &Service{
		store:    st,
		client:   client,
		table:    table,
		locks:    locks,
		fills:    attribution.NewEngine(st, table, locks),
		recon:    reconcile.NewEngine(st, locks),
		brackets: bracket.NewManager(st, client, table, locks, pub),
		pub:      pub,
		debounce: debounce,
		now:      time.Now,
		marks:    make(map[string]decimal.Decimal),
		timers:   make(map[string]*time.Timer),
	}
}

// Close stops pending debounced checks.
func (s *Service) Close() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	s.closed = true
	for acct, t := range s.timers {
		t.Stop()
		delete(s.timers, acct)
	}
}

// --- Sub-ledger lifecycle ---

// CreateSubLedgerRequest is the JSON body for POST /sub-ledgers.
type CreateSubLedgerRequest struct {
	AccountID string             `json:"account_id"`
	Name      string             `json:"name"`
	Symbol    string             `json:"symbol"`
	Side      model.PositionSide `json:"position_side"`
}

// CreateSubLedger creates an empty sub-ledger. Names are unique per
// (account, symbol, side).
func (s *Service) CreateSubLedger(ctx context.Context, req CreateSubLedgerRequest) (*model.SubLedger, error) {
	name := strings.TrimSpace(req.Name)
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	switch {
	case name == "":
		return nil, fmt.Errorf("%w: name is required", model.ErrInvalidRequest)
	case symbol == "":
		return nil, fmt.Errorf("%w: symbol is required", model.ErrInvalidRequest)
	case !req.Side.Valid():
		return nil, fmt.Errorf("%w: position_side must be LONG or SHORT", model.ErrInvalidRequest)
	}

	sl := &model.SubLedger{
		ID:        uuid.New().String(),
		AccountID: model.NormalizeAccount(req.AccountID),
		Name:      name,
		Symbol:    symbol,
		Side:      req.Side,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CreateSubLedger(ctx, sl); err != nil {
		return nil, err
	}

	slog.Info("sub-ledger created",
		"sub_ledger", sl.ID, "account", sl.AccountID, "name", sl.Name,
		"symbol", sl.Symbol, "side", sl.Side)
	s.pub.Publish(notify.New(notify.TypeSubLedgerUpdate, sl))
	return sl, nil
}

// GetSubLedger returns one sub-ledger.
func (s *Service) GetSubLedger(ctx context.Context, id string) (*model.SubLedger, error) {
	return s.store.GetSubLedger(ctx, id)
}

// ListSubLedgers returns the sub-ledgers matching f.
func (s *Service) ListSubLedgers(ctx context.Context, f model.Filter) ([]model.SubLedger, error) {
	return s.store.ListSubLedgers(ctx, f)
}

// DeleteSubLedger removes a flat sub-ledger.
func (s *Service) DeleteSubLedger(ctx context.Context, id string) error {
	unlock := s.locks.Lock(keylock.SubLedgerKey(id))
	defer unlock()

	sl, err := s.store.GetSubLedger(ctx, id)
	if err != nil {
		return err
	}
	if !sl.NetQty.IsZero() {
		return fmt.Errorf("%w: sub-ledger %s holds %s", model.ErrNonEmpty, id, sl.NetQty)
	}
	if sl.Bracket.State() == model.SyncSyncing {
		return fmt.Errorf("%w: sub-ledger %s", model.ErrSyncInProgress, id)
	}
	if err := s.store.DeleteSubLedger(ctx, id); err != nil {
		return err
	}

	slog.Info("sub-ledger deleted", "sub_ledger", id, "account", sl.AccountID)
	s.pub.Publish(notify.New(notify.TypeSubLedgerDeleted, map[string]string{
		"id": id, "account_id": sl.AccountID,
	}))
	return nil
}

// --- Orders ---

// PlaceOrderRequest is the JSON body for POST /orders.
type PlaceOrderRequest struct {
	SubLedgerID string           `json:"sub_ledger_id"`
	Side        model.OrderSide  `json:"side"`
	Type        string           `json:"type"` // MARKET (default) or LIMIT
	Qty         decimal.Decimal  `json:"qty"`
	Price       *decimal.Decimal `json:"price,omitempty"`
	ReduceOnly  bool             `json:"reduce_only"`
	TimeInForce string           `json:"time_in_force,omitempty"`
}

// PlaceOrder sends an order on behalf of a sub-ledger. The correlation
// mapping is registered before the venue call so a fill racing the
// acknowledgement still resolves.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*model.Order, error) {
	if !req.Side.Valid() {
		return nil, fmt.Errorf("%w: side must be BUY or SELL", model.ErrInvalidRequest)
	}
	// Sizes finer than the ledger scale would reach the venue as zero.
	req.Qty = req.Qty.Round(wac.Scale)
	if !req.Qty.IsPositive() {
		return nil, fmt.Errorf("%w: qty must be positive at %d decimals", model.ErrInvalidSize, wac.Scale)
	}
	if req.Type == "" {
		req.Type = venue.OrderTypeMarket
	}
	switch req.Type {
	case venue.OrderTypeMarket:
		req.Price = nil
	case venue.OrderTypeLimit:
		if req.Price == nil || !req.Price.IsPositive() {
			return nil, fmt.Errorf("%w: LIMIT orders need a positive price", model.ErrInvalidRequest)
		}
		if req.TimeInForce == "" {
			req.TimeInForce = venue.TimeInForceGTC
		}
	default:
		return nil, fmt.Errorf("%w: type must be MARKET or LIMIT", model.ErrInvalidRequest)
	}

	sl, err := s.store.GetSubLedger(ctx, req.SubLedgerID)
	if err != nil {
		return nil, err
	}
	return s.placeOrder(ctx, sl, req)
}

func (s *Service) placeOrder(ctx context.Context, sl *model.SubLedger, req PlaceOrderRequest) (*model.Order, error) {
	corrID := correlation.Encode(sl.ID, sl.AccountID)
	if err := s.table.Register(ctx, corrID, sl.AccountID, sl.ID); err != nil {
		return nil, fmt.Errorf("register correlation: %w", err)
	}

	vreq := venue.OrderRequest{
		AccountID:     sl.AccountID,
		Symbol:        sl.Symbol,
		Side:          req.Side,
		PositionSide:  sl.Side,
		Type:          req.Type,
		Qty:           req.Qty.Round(wac.Scale),
		Price:         req.Price,
		ReduceOnly:    req.ReduceOnly,
		TimeInForce:   req.TimeInForce,
		CorrelationID: corrID,
	}
	ack, err := s.client.PlaceOrder(ctx, vreq)
	if err != nil {
		metrics.OrdersTotal.WithLabelValues(req.Type, "error").Inc()
		slog.Warn("order rejected", "sub_ledger", sl.ID, "correlation_id", corrID, "err", err)
		return nil, fmt.Errorf("%w: %v", model.ErrVenue, err)
	}
	metrics.OrdersTotal.WithLabelValues(req.Type, "ok").Inc()

	status := ack.Status
	if status == "" {
		status = model.StatusNew
	}
	now := s.now().UTC()
	order := &model.Order{
		OrderID:       ack.OrderID,
		CorrelationID: corrID,
		AccountID:     sl.AccountID,
		SubLedgerID:   sl.ID,
		Symbol:        sl.Symbol,
		Side:          req.Side,
		PositionSide:  sl.Side,
		Type:          req.Type,
		Qty:           vreq.Qty,
		Price:         req.Price,
		Status:        status,
		ReduceOnly:    req.ReduceOnly,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.mergeOrder(ctx, order); err != nil {
		return nil, err
	}

	slog.Info("order placed",
		"order_id", order.OrderID, "sub_ledger", sl.ID, "correlation_id", corrID,
		"side", order.Side, "type", order.Type, "qty", order.Qty.String())
	return order, nil
}

// mergeOrder upserts an order record without regressing it: the feed may
// have reported a later status before the placement call returned.
func (s *Service) mergeOrder(ctx context.Context, o *model.Order) error {
	if prev, err := s.store.GetOrder(ctx, o.OrderID); err == nil {
		if o.SubLedgerID == "" {
			o.SubLedgerID = prev.SubLedgerID
		}
		if o.CorrelationID == "" {
			o.CorrelationID = prev.CorrelationID
		}
		if !prev.CreatedAt.IsZero() {
			o.CreatedAt = prev.CreatedAt
		}
		if model.IsTerminalStatus(prev.Status) && !model.IsTerminalStatus(o.Status) {
			o.Status = prev.Status
		}
	}
	if err := s.store.UpsertOrder(ctx, o); err != nil {
		return fmt.Errorf("save order %s: %w", o.OrderID, err)
	}
	s.pub.Publish(notify.New(notify.TypeOrderUpsert, o))
	return nil
}

// CancelOrder cancels an open order.
func (s *Service) CancelOrder(ctx context.Context, orderID string) (*model.Order, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if model.IsTerminalStatus(o.Status) {
		return nil, fmt.Errorf("%w: order %s is %s", model.ErrConflict, orderID, o.Status)
	}

	ack, err := s.client.CancelOrder(ctx, o.AccountID, o.Symbol, orderID)
	if err != nil {
		slog.Warn("cancel rejected", "order_id", orderID, "err", err)
		return nil, fmt.Errorf("%w: %v", model.ErrVenue, err)
	}
	o.Status = ack.Status
	if o.Status == "" {
		o.Status = model.StatusCanceled
	}
	o.UpdatedAt = s.now().UTC()
	if err := s.mergeOrder(ctx, o); err != nil {
		return nil, err
	}
	slog.Info("order canceled", "order_id", orderID, "status", o.Status)
	return o, nil
}

// CloseRequest is the JSON body for POST /sub-ledgers/{id}/close. Qty is
// capped at the open quantity and wins over Percent; with neither the whole
// position is closed.
type CloseRequest struct {
	Qty     *decimal.Decimal `json:"qty,omitempty"`
	Percent *decimal.Decimal `json:"percent,omitempty"`
	Type    string           `json:"type,omitempty"`
	Price   *decimal.Decimal `json:"price,omitempty"`
}

// ClosePosition sends a reduce-only order that shrinks the sub-ledger.
func (s *Service) ClosePosition(ctx context.Context, id string, req CloseRequest) (*model.Order, error) {
	sl, err := s.store.GetSubLedger(ctx, id)
	if err != nil {
		return nil, err
	}
	if sl.NetQty.IsZero() {
		return nil, fmt.Errorf("%w: sub-ledger %s", model.ErrEmptyPosition, id)
	}

	qty := sl.NetQty
	switch {
	case req.Qty != nil:
		qty = decimal.Min(req.Qty.Round(wac.Scale), sl.NetQty)
		if !qty.IsPositive() {
			return nil, fmt.Errorf("%w: qty must be positive at %d decimals", model.ErrInvalidSize, wac.Scale)
		}
	case req.Percent != nil:
		if !req.Percent.IsPositive() || req.Percent.GreaterThan(hundred) {
			return nil, fmt.Errorf("%w: percent %s outside (0, 100]", model.ErrInvalidSize, req.Percent)
		}
		qty = sl.NetQty.Mul(*req.Percent).Div(hundred).Round(wac.Scale)
		if !qty.IsPositive() {
			return nil, fmt.Errorf("%w: percent rounds to zero", model.ErrInvalidSize)
		}
	}

	return s.PlaceOrder(ctx, PlaceOrderRequest{
		SubLedgerID: id,
		Side:        sl.Side.CloseSide(),
		Type:        req.Type,
		Qty:         qty,
		Price:       req.Price,
		ReduceOnly:  true,
	})
}

// --- Brackets ---

// SetBracket replaces the sub-ledger's take-profit/stop-loss pair.
func (s *Service) SetBracket(ctx context.Context, id string, req bracket.SetRequest) (*model.SubLedger, error) {
	return s.brackets.Set(ctx, id, req)
}

// ClearBracket cancels and removes the sub-ledger's bracket.
func (s *Service) ClearBracket(ctx context.Context, id string) (*model.SubLedger, error) {
	return s.brackets.Clear(ctx, id)
}

// --- Reconciliation ---

// Reconcile applies an operator-directed redistribution.
func (s *Service) Reconcile(ctx context.Context, req reconcile.Request) ([]model.SubLedger, error) {
	updated, st, err := s.recon.Apply(ctx, req)
	if err != nil {
		slog.Warn("reconcile rejected",
			"account", req.AccountID, "symbol", req.Symbol, "side", req.Side, "err", err)
		return nil, err
	}
	for i := range updated {
		s.pub.Publish(notify.New(notify.TypeSubLedgerUpdate, &updated[i]))
	}
	s.pub.Publish(notify.New(notify.TypeConsistencyStatus, st))
	return updated, nil
}

// CheckConsistency recomputes and publishes the status of every key of
// accountID (every account when empty).
func (s *Service) CheckConsistency(ctx context.Context, accountID string) ([]model.ConsistencyStatus, error) {
	statuses, err := s.recon.CheckConsistency(ctx, accountID)
	if err != nil {
		return nil, err
	}
	for _, st := range statuses {
		s.pub.Publish(notify.New(notify.TypeConsistencyStatus, st))
	}
	return statuses, nil
}

// Consistency returns the statuses computed by the last checks.
func (s *Service) Consistency(f model.Filter) []model.ConsistencyStatus {
	return s.recon.Statuses(f)
}

// scheduleCheck debounces CheckConsistency per account.
func (s *Service) scheduleCheck(accountID string) {
	if s.debounce <= 0 {
		if _, err := s.CheckConsistency(context.Background(), accountID); err != nil {
			slog.Error("consistency check failed", "account", accountID, "err", err)
		}
		return
	}

	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.closed {
		return
	}
	if t, ok := s.timers[accountID]; ok {
		t.Stop()
	}
	s.timers[accountID] = time.AfterFunc(s.debounce, func() {
		s.timerMu.Lock()
		delete(s.timers, accountID)
		s.timerMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := s.CheckConsistency(ctx, accountID); err != nil {
			slog.Error("consistency check failed", "account", accountID, "err", err)
		}
	})
}

// --- Queries ---

// Fills returns journaled fills, newest first.
func (s *Service) Fills(ctx context.Context, f model.FillFilter) ([]model.Fill, error) {
	return s.store.ListFills(ctx, f)
}

// SubLedgerView is a sub-ledger valued at the cached mark price.
type SubLedgerView struct {
	model.SubLedger
	MarkPrice     decimal.Decimal `json:"mark_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// State is the aggregate snapshot served by GET /state.
type State struct {
	SubLedgers  []SubLedgerView           `json:"sub_ledgers"`
	External    []model.ExternalPosition  `json:"external_positions"`
	OpenOrders  []model.Order             `json:"open_orders"`
	RecentFills []model.Fill              `json:"recent_fills"`
	Consistency []model.ConsistencyStatus `json:"consistency"`
	AsOf        time.Time                 `json:"as_of"`
}

// RecentFillLimit bounds the fills included in State.
const RecentFillLimit = 100

// State returns a lock-free snapshot scoped to accountID (all when empty).
func (s *Service) State(ctx context.Context, accountID string) (*State, error) {
	f := model.Filter{}
	if accountID != "" {
		f.AccountID = model.NormalizeAccount(accountID)
	}

	sls, err := s.store.ListSubLedgers(ctx, f)
	if err != nil {
		return nil, err
	}
	ext, err := s.store.ListExternalPositions(ctx, f)
	if err != nil {
		return nil, err
	}
	orders, err := s.store.ListOpenOrders(ctx, f)
	if err != nil {
		return nil, err
	}
	fills, err := s.store.ListFills(ctx, model.FillFilter{Filter: f, Limit: RecentFillLimit})
	if err != nil {
		return nil, err
	}

	views := make([]SubLedgerView, 0, len(sls))
	for _, sl := range sls {
		mark := s.Mark(sl.Symbol)
		views = append(views, SubLedgerView{
			SubLedger:     sl,
			MarkPrice:     mark,
			UnrealizedPnL: wac.UnrealizedPnL(sl, mark),
		})
	}

	return &State{
		SubLedgers:  views,
		External:    nonNil(ext),
		OpenOrders:  nonNil(orders),
		RecentFills: nonNil(fills),
		Consistency: nonNil(s.recon.Statuses(f)),
		AsOf:        s.now().UTC(),
	}, nil
}

// Mark returns the cached mark price of symbol, or zero.
func (s *Service) Mark(symbol string) decimal.Decimal {
	s.markMu.RLock()
	defer s.markMu.RUnlock()
	return s.marks[symbol]
}

// SeedExternalPositions loads the venue's current positions for each
// account, so consistency is known before the first account update.
func (s *Service) SeedExternalPositions(ctx context.Context, accounts []string) error {
	var errs []error
	for _, acct := range accounts {
		acct = model.NormalizeAccount(acct)
		rows, err := s.client.Positions(ctx, acct)
		if err != nil {
			errs = append(errs, fmt.Errorf("positions %s: %w", acct, err))
			continue
		}
		if err := s.applyPositions(ctx, acct, rows); err != nil {
			errs = append(errs, err)
			continue
		}
		slog.Info("seeded external positions", "account", acct, "rows", len(rows))
		if _, err := s.CheckConsistency(ctx, acct); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func nonNil[T any](xs []T) []T {
	if xs == nil {
		return []T{}
	}
	return xs
}
