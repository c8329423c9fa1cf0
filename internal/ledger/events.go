package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/subledger-engine/internal/model"
	"github.com/atmx/subledger-engine/internal/notify"
	"github.com/atmx/subledger-engine/internal/venue"
	"github.com/atmx/subledger-engine/internal/wac"
)

// HandleEvent applies one venue feed event. It is the venue.Handler of the
// feed; a returned error makes the feed redeliver the event, which is safe
// because fill processing is idempotent.
func (s *Service) HandleEvent(ctx context.Context, ev venue.Event) error {
	switch e := ev.(type) {
	case *venue.OrderUpdate:
		return s.handleOrderUpdate(ctx, e)
	case *venue.AccountUpdate:
		return s.handleAccountUpdate(ctx, e)
	case *venue.MarkPrice:
		return s.handleMarkPrice(ctx, e)
	default:
		return fmt.Errorf("unhandled event %T", ev)
	}
}

func (s *Service) handleOrderUpdate(ctx context.Context, u *venue.OrderUpdate) error {
	// Attribute before touching the order record: a record created here
	// from the stream account must not outrank the correlation id.
	res, err := s.fills.Process(ctx, u)
	if err != nil {
		return err
	}

	order := &model.Order{
		OrderID:       u.OrderID,
		CorrelationID: u.CorrelationID,
		Symbol:        u.Symbol,
		Side:          u.Side,
		PositionSide:  u.PositionSide,
		Type:          u.OrderType,
		Qty:           u.Qty,
		Price:         u.Price,
		StopPrice:     u.StopPrice,
		Status:        u.Status,
		ReduceOnly:    u.ReduceOnly,
		CreatedAt:     u.EventTime,
		UpdatedAt:     u.EventTime,
	}
	if res != nil {
		order.AccountID = res.Fill.AccountID
		order.SubLedgerID = res.Fill.SubLedgerID
	} else {
		id, err := s.fills.Resolve(ctx, u)
		if err != nil {
			return err
		}
		order.AccountID, order.SubLedgerID = id.AccountID, id.SubLedgerID
	}
	if u.OrderID != "" {
		if err := s.mergeOrder(ctx, order); err != nil {
			return err
		}
	}

	if res != nil && !res.Duplicate {
		s.pub.Publish(notify.New(notify.TypeFill, res.Fill))
		if res.SubLedger != nil {
			s.pub.Publish(notify.New(notify.TypeSubLedgerUpdate, res.SubLedger))
		}
	}

	if u.Status == model.StatusFilled {
		if _, err := s.brackets.OnLegFilled(ctx, u.OrderID); err != nil {
			return fmt.Errorf("bracket leg %s: %w", u.OrderID, err)
		}
	}
	return nil
}

func (s *Service) handleAccountUpdate(ctx context.Context, u *venue.AccountUpdate) error {
	acct := model.NormalizeAccount(u.AccountID)
	if err := s.applyPositions(ctx, acct, u.Positions); err != nil {
		return err
	}
	s.scheduleCheck(acct)
	return nil
}

// applyPositions replaces the external snapshot rows reported for acct.
// Quantities are stored unsigned; one-way rows (BOTH) take their side from
// the sign, and a flat one-way row flattens both sides.
func (s *Service) applyPositions(ctx context.Context, acct string, rows []venue.PositionReport) error {
	now := s.now().UTC()
	for _, r := range rows {
		for _, side := range reportSides(r) {
			p := &model.ExternalPosition{
				AccountID:     acct,
				Symbol:        r.Symbol,
				Side:          side,
				Qty:           r.SignedQty.Abs(),
				AvgEntryPrice: r.EntryPrice,
				UnrealizedPnL: r.UnrealizedPnL,
				MarkPrice:     r.MarkPrice,
				UpdatedAt:     now,
			}
			if p.MarkPrice.IsZero() {
				p.MarkPrice = s.Mark(r.Symbol)
			}
			if err := s.store.SetExternalPosition(ctx, p); err != nil {
				return fmt.Errorf("save external position %s: %w", p.Key(), err)
			}
			s.pub.Publish(notify.New(notify.TypeExternalPositionUpdate, p))
		}
	}
	return nil
}

func reportSides(r venue.PositionReport) []model.PositionSide {
	if r.PositionSide.Valid() {
		return []model.PositionSide{r.PositionSide}
	}
	switch r.SignedQty.Sign() {
	case 1:
		return []model.PositionSide{model.Long}
	case -1:
		return []model.PositionSide{model.Short}
	default:
		return []model.PositionSide{model.Long, model.Short}
	}
}

func (s *Service) handleMarkPrice(ctx context.Context, m *venue.MarkPrice) error {
	if !m.Price.IsPositive() {
		return nil
	}
	s.markMu.Lock()
	s.marks[m.Symbol] = m.Price
	s.markMu.Unlock()

	rows, err := s.store.ListExternalPositions(ctx, model.Filter{Symbol: m.Symbol})
	if err != nil {
		return fmt.Errorf("list external positions %s: %w", m.Symbol, err)
	}
	for i := range rows {
		p := &rows[i]
		p.MarkPrice = m.Price
		p.UnrealizedPnL = externalPnL(*p)
		if err := s.store.SetExternalPosition(ctx, p); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			slog.Warn("mark update not saved", "key", p.Key().String(), "err", err)
		}
	}

	s.pub.Publish(notify.New(notify.TypeMarkPrice, m))
	return nil
}

func externalPnL(p model.ExternalPosition) decimal.Decimal {
	if p.Qty.IsZero() || !p.MarkPrice.IsPositive() {
		return decimal.Zero
	}
	return p.Qty.Mul(p.MarkPrice.Sub(p.AvgEntryPrice)).Mul(p.Side.Direction()).Round(wac.Scale)
}
