package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/subledger-engine/internal/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// backends runs fn against every Store that needs no external service.
func backends(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
}

func subLedger(id, name string) *model.SubLedger {
	return &model.SubLedger{
		ID:          id,
		AccountID:   "main",
		Name:        name,
		Symbol:      "BTCUSDT",
		Side:        model.Long,
		NetQty:      decimal.Zero,
		AvgEntry:    decimal.Zero,
		RealizedPnL: decimal.Zero,
		CreatedAt:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestSubLedgerCRUD(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateSubLedger(ctx, subLedger("sl-1", "alpha")))

		got, err := s.GetSubLedger(ctx, "sl-1")
		require.NoError(t, err)
		assert.Equal(t, "alpha", got.Name)
		assert.Nil(t, got.Bracket)

		tp := d("100000")
		got.NetQty = d("1.5")
		got.AvgEntry = d("90000.12345678")
		got.Bracket = &model.BracketConfig{
			TPPrice: &tp, TPTrigger: model.TriggerLast, TPOrderID: "o-1",
			SLTrigger: model.TriggerMark, Qty: d("1.5"), SyncStatus: model.SyncOK,
		}
		require.NoError(t, s.SaveSubLedger(ctx, got))

		again, err := s.GetSubLedger(ctx, "sl-1")
		require.NoError(t, err)
		assert.True(t, again.NetQty.Equal(d("1.5")))
		assert.True(t, again.AvgEntry.Equal(d("90000.12345678")))
		require.NotNil(t, again.Bracket)
		assert.Equal(t, "o-1", again.Bracket.TPOrderID)
		assert.True(t, again.Bracket.TPPrice.Equal(tp))
		assert.Nil(t, again.Bracket.SLPrice)

		require.NoError(t, s.DeleteSubLedger(ctx, "sl-1"))
		_, err = s.GetSubLedger(ctx, "sl-1")
		assert.ErrorIs(t, err, model.ErrNotFound)
	})
}

func TestSubLedgerConflicts(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateSubLedger(ctx, subLedger("sl-1", "alpha")))

		assert.ErrorIs(t, s.CreateSubLedger(ctx, subLedger("sl-1", "beta")), model.ErrConflict)
		assert.ErrorIs(t, s.CreateSubLedger(ctx, subLedger("sl-2", "alpha")), model.ErrConflict)
	})
}

func TestSaveSubLedger_Missing(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		err := s.SaveSubLedger(context.Background(), subLedger("nope", "x"))
		assert.ErrorIs(t, err, model.ErrNotFound)
		assert.ErrorIs(t, s.DeleteSubLedger(context.Background(), "nope"), model.ErrNotFound)
	})
}

func TestSaveSubLedgers_Upserts(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a := subLedger("sl-a", "a")
		require.NoError(t, s.CreateSubLedger(ctx, a))

		a.NetQty = d("2")
		b := subLedger("sl-b", "UNASSIGNED-LONG")
		b.NetQty = d("0.5")
		require.NoError(t, s.SaveSubLedgers(ctx, []model.SubLedger{*a, *b}))

		list, err := s.ListSubLedgers(ctx, model.Filter{AccountID: "main", Symbol: "BTCUSDT", Side: model.Long})
		require.NoError(t, err)
		require.Len(t, list, 2)

		byID := map[string]model.SubLedger{}
		for _, sl := range list {
			byID[sl.ID] = sl
		}
		assert.True(t, byID["sl-a"].NetQty.Equal(d("2")))
		assert.True(t, byID["sl-b"].NetQty.Equal(d("0.5")))
	})
}

func TestListSubLedgers_Filter(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateSubLedger(ctx, subLedger("sl-1", "a")))
		other := subLedger("sl-2", "a")
		other.AccountID = "sub_b"
		require.NoError(t, s.CreateSubLedger(ctx, other))

		all, err := s.ListSubLedgers(ctx, model.Filter{})
		require.NoError(t, err)
		assert.Len(t, all, 2)

		scoped, err := s.ListSubLedgers(ctx, model.Filter{AccountID: "sub_b"})
		require.NoError(t, err)
		require.Len(t, scoped, 1)
		assert.Equal(t, "sl-2", scoped[0].ID)
	})
}

func TestInsertFill_Idempotent(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		f := &model.Fill{
			TradeID: "t-1", OrderID: "o-1", CorrelationID: "c-1", AccountID: "main",
			SubLedgerID: "sl-1", Attributed: true, Symbol: "BTCUSDT",
			Side: model.Buy, PositionSide: model.Long,
			Qty: d("1"), Price: d("90000"), Commission: d("0.1"), CommissionAsset: "USDT",
			RealizedPnL: decimal.Zero, Timestamp: time.Date(2025, 1, 1, 0, 0, 1, 0, time.UTC),
		}

		inserted, err := s.InsertFill(ctx, f)
		require.NoError(t, err)
		assert.True(t, inserted)

		inserted, err = s.InsertFill(ctx, f)
		require.NoError(t, err)
		assert.False(t, inserted, "same trade id must be a no-op")

		fills, err := s.ListFills(ctx, model.FillFilter{})
		require.NoError(t, err)
		require.Len(t, fills, 1)
		assert.True(t, fills[0].Price.Equal(d("90000")))
		assert.Equal(t, model.Buy, fills[0].Side)
	})
}

func TestListFills_Unattributed(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		for i, attributed := range []bool{true, false, true} {
			_, err := s.InsertFill(ctx, &model.Fill{
				TradeID: string(rune('a' + i)), AccountID: "main", Symbol: "BTCUSDT",
				Side: model.Buy, PositionSide: model.Long, Attributed: attributed,
				Qty: d("1"), Price: d("1"), Timestamp: base.Add(time.Duration(i) * time.Second),
			})
			require.NoError(t, err)
		}

		un, err := s.ListFills(ctx, model.FillFilter{UnattributedOnly: true})
		require.NoError(t, err)
		require.Len(t, un, 1)
		assert.Equal(t, "b", un[0].TradeID)

		latest, err := s.ListFills(ctx, model.FillFilter{Limit: 1})
		require.NoError(t, err)
		require.Len(t, latest, 1)
		assert.Equal(t, "c", latest[0].TradeID, "fills are listed newest first")
	})
}

func TestMappings(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		m := &model.CorrelationMapping{CorrelationID: "c-1", AccountID: "main", SubLedgerID: "sl-1", CreatedAt: time.Now().UTC()}
		require.NoError(t, s.SaveMapping(ctx, m))
		require.NoError(t, s.SaveMapping(ctx, m))

		got, err := s.GetMapping(ctx, "c-1")
		require.NoError(t, err)
		assert.Equal(t, "sl-1", got.SubLedgerID)

		_, err = s.GetMapping(ctx, "c-2")
		assert.ErrorIs(t, err, model.ErrNotFound)
	})
}

func TestOrders_OpenSet(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()
		stop := d("85000")
		o := &model.Order{
			OrderID: "o-1", CorrelationID: "c-1", AccountID: "main", SubLedgerID: "sl-1",
			Symbol: "BTCUSDT", Side: model.Sell, PositionSide: model.Long, Type: "STOP_MARKET",
			Qty: d("1"), StopPrice: &stop, Status: model.StatusNew, ReduceOnly: true,
			CreatedAt: now, UpdatedAt: now,
		}
		require.NoError(t, s.UpsertOrder(ctx, o))

		open, err := s.ListOpenOrders(ctx, model.Filter{AccountID: "main"})
		require.NoError(t, err)
		require.Len(t, open, 1)
		require.NotNil(t, open[0].StopPrice)
		assert.True(t, open[0].StopPrice.Equal(stop))
		assert.Nil(t, open[0].Price)
		assert.True(t, open[0].ReduceOnly)

		o.Status = model.StatusCanceled
		require.NoError(t, s.UpsertOrder(ctx, o))
		open, err = s.ListOpenOrders(ctx, model.Filter{})
		require.NoError(t, err)
		assert.Empty(t, open)

		got, err := s.GetOrder(ctx, "o-1")
		require.NoError(t, err)
		assert.Equal(t, model.StatusCanceled, got.Status)
	})
}

func TestExternalPositions_Replace(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		p := &model.ExternalPosition{
			AccountID: "main", Symbol: "BTCUSDT", Side: model.Long,
			Qty: d("2"), AvgEntryPrice: d("90000"), UnrealizedPnL: d("10"), MarkPrice: d("90005"),
			UpdatedAt: time.Now().UTC(),
		}
		require.NoError(t, s.SetExternalPosition(ctx, p))
		p.Qty = d("1")
		require.NoError(t, s.SetExternalPosition(ctx, p))

		got, err := s.GetExternalPosition(ctx, p.Key())
		require.NoError(t, err)
		assert.True(t, got.Qty.Equal(d("1")), "snapshot replaces, never accumulates")

		list, err := s.ListExternalPositions(ctx, model.Filter{AccountID: "main"})
		require.NoError(t, err)
		assert.Len(t, list, 1)

		_, err = s.GetExternalPosition(ctx, model.PositionKey{AccountID: "main", Symbol: "ETHUSDT", Side: model.Long})
		assert.ErrorIs(t, err, model.ErrNotFound)
	})
}
