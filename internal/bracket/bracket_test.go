package bracket

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/subledger-engine/internal/correlation"
	"github.com/atmx/subledger-engine/internal/keylock"
	"github.com/atmx/subledger-engine/internal/model"
	"github.com/atmx/subledger-engine/internal/notify"
	"github.com/atmx/subledger-engine/internal/store"
	"github.com/atmx/subledger-engine/internal/venue"
	"github.com/atmx/subledger-engine/internal/venue/venuetest"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

type fixture struct {
	ctx    context.Context
	store  *store.MemoryStore
	client *venuetest.Client
	table  *correlation.Table
	events *notify.Recorder
	mgr    *Manager
}

func newFixture(t *testing.T, side model.PositionSide, net string) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	f := &fixture{
		ctx:    context.Background(),
		store:  st,
		client: venuetest.NewClient(),
		table:  correlation.NewTable(st),
		events: &notify.Recorder{},
	}
	f.mgr = NewManager(st, f.client, f.table, keylock.New(), f.events)
	require.NoError(t, st.CreateSubLedger(f.ctx, &model.SubLedger{
		ID: "sl-1", AccountID: "main", Name: "alpha", Symbol: "BTCUSDT", Side: side,
		NetQty: d(net), AvgEntry: d("90000"), CreatedAt: time.Now().UTC(),
	}))
	return f
}

func (f *fixture) get(t *testing.T) *model.SubLedger {
	t.Helper()
	sl, err := f.store.GetSubLedger(f.ctx, "sl-1")
	require.NoError(t, err)
	return sl
}

func (f *fixture) states() []model.SyncState {
	var out []model.SyncState
	for _, ev := range f.events.OfType(notify.TypeBracketSyncStatus) {
		out = append(out, ev.Payload.(StatusPayload).State)
	}
	return out
}

func TestSetTakeProfitOnly(t *testing.T) {
	f := newFixture(t, model.Long, "2")

	sl, err := f.mgr.Set(f.ctx, "sl-1", SetRequest{TPPrice: dp("95000")})
	require.NoError(t, err)
	require.NotNil(t, sl.Bracket)
	assert.Equal(t, model.SyncOK, sl.Bracket.SyncStatus)
	assert.Equal(t, "ord-1", sl.Bracket.TPOrderID)
	assert.Empty(t, sl.Bracket.SLOrderID)
	assert.True(t, sl.Bracket.Qty.Equal(d("2")))
	assert.Equal(t, []model.SyncState{model.SyncSyncing, model.SyncOK}, f.states())

	placed := f.client.Placed()
	require.Len(t, placed, 1)
	req := placed[0]
	assert.Equal(t, venue.OrderTypeTakeProfitMarket, req.Type)
	assert.Equal(t, model.Sell, req.Side)
	assert.Equal(t, model.Long, req.PositionSide)
	assert.True(t, req.ReduceOnly)
	assert.Equal(t, venue.TimeInForceGTEGTC, req.TimeInForce)
	assert.Equal(t, venue.WorkingTypeContract, req.WorkingType)
	assert.True(t, req.StopPrice.Equal(d("95000")))

	// The leg's correlation id routes back to the sub-ledger.
	m, ok, err := f.table.Resolve(f.ctx, req.CorrelationID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "sl-1", m.SubLedgerID)

	// A fill of the only leg clears the bracket.
	sl, err = f.mgr.OnLegFilled(f.ctx, "ord-1")
	require.NoError(t, err)
	require.NotNil(t, sl)
	assert.Nil(t, sl.Bracket)
	assert.Nil(t, f.get(t).Bracket)
}

func TestSetBothLegsShort(t *testing.T) {
	f := newFixture(t, model.Short, "1")

	sl, err := f.mgr.Set(f.ctx, "sl-1", SetRequest{TPPrice: dp("85000"), SLPrice: dp("95000")})
	require.NoError(t, err)
	assert.Equal(t, "ord-1", sl.Bracket.TPOrderID)
	assert.Equal(t, "ord-2", sl.Bracket.SLOrderID)

	placed := f.client.Placed()
	require.Len(t, placed, 2)
	assert.Equal(t, venue.OrderTypeTakeProfitMarket, placed[0].Type)
	assert.Equal(t, venue.OrderTypeStopMarket, placed[1].Type)
	assert.Equal(t, model.Buy, placed[1].Side)
	assert.Equal(t, venue.WorkingTypeMark, placed[1].WorkingType)

	// One leg filled: the bracket stays OK with the other leg.
	sl, err = f.mgr.OnLegFilled(f.ctx, "ord-2")
	require.NoError(t, err)
	require.NotNil(t, sl.Bracket)
	assert.Equal(t, model.SyncOK, sl.Bracket.SyncStatus)
	assert.Equal(t, "ord-1", sl.Bracket.TPOrderID)
	assert.Empty(t, sl.Bracket.SLOrderID)
}

func TestSetReplacesPreviousLegs(t *testing.T) {
	f := newFixture(t, model.Long, "1")
	_, err := f.mgr.Set(f.ctx, "sl-1", SetRequest{TPPrice: dp("95000"), SLPrice: dp("85000")})
	require.NoError(t, err)

	// Cancel failures are swallowed.
	f.client.FailCancel = errors.New("unknown order")
	sl, err := f.mgr.Set(f.ctx, "sl-1", SetRequest{SLPrice: dp("86000")})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"ord-1", "ord-2"}, f.client.Canceled())
	assert.Empty(t, sl.Bracket.TPOrderID, "each set fully defines the bracket")
	assert.Nil(t, sl.Bracket.TPPrice)
	assert.Equal(t, "ord-3", sl.Bracket.SLOrderID)
}

func TestSetPlacementFailureLeavesError(t *testing.T) {
	f := newFixture(t, model.Long, "1")
	f.client.SetFailPlace(venue.OrderTypeStopMarket, errors.New("insufficient margin"))

	sl, err := f.mgr.Set(f.ctx, "sl-1", SetRequest{TPPrice: dp("95000"), SLPrice: dp("85000")})
	require.ErrorIs(t, err, model.ErrSyncError)
	assert.Equal(t, "SYNC_ERROR", model.ErrorCode(err))
	require.NotNil(t, sl)
	assert.Equal(t, model.SyncError, sl.Bracket.SyncStatus)
	assert.Equal(t, "ord-1", sl.Bracket.TPOrderID, "placed legs are kept")
	assert.Empty(t, sl.Bracket.SLOrderID)
	assert.Equal(t, model.SyncError, f.get(t).Bracket.SyncStatus)

	// Retrying from ERROR is allowed.
	f.client.SetFailPlace(venue.OrderTypeStopMarket, nil)
	sl, err = f.mgr.Set(f.ctx, "sl-1", SetRequest{TPPrice: dp("95000"), SLPrice: dp("85000")})
	require.NoError(t, err)
	assert.Equal(t, model.SyncOK, sl.Bracket.SyncStatus)
	assert.Contains(t, f.client.Canceled(), "ord-1")
}

func TestSetRejectsWhileSyncing(t *testing.T) {
	f := newFixture(t, model.Long, "1")

	entered := make(chan struct{})
	release := make(chan struct{})
	f.client.OnPlace = func(venue.OrderRequest) {
		close(entered)
		<-release
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.mgr.Set(f.ctx, "sl-1", SetRequest{TPPrice: dp("95000")})
		done <- err
	}()

	<-entered
	assert.Equal(t, model.SyncSyncing, f.get(t).Bracket.State(), "SYNCING is visible before the venue answers")

	_, err := f.mgr.Set(f.ctx, "sl-1", SetRequest{TPPrice: dp("96000")})
	assert.ErrorIs(t, err, model.ErrSyncInProgress)
	_, err = f.mgr.Clear(f.ctx, "sl-1")
	assert.ErrorIs(t, err, model.ErrSyncInProgress)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, model.SyncOK, f.get(t).Bracket.State())
}

func TestSetValidation(t *testing.T) {
	f := newFixture(t, model.Long, "2")

	cases := []struct {
		name string
		req  SetRequest
		want error
	}{
		{"no prices", SetRequest{}, model.ErrInvalidRequest},
		{"negative price", SetRequest{TPPrice: dp("-1")}, model.ErrInvalidRequest},
		{"bad trigger", SetRequest{TPPrice: dp("1"), TPTrigger: "INDEX"}, model.ErrInvalidRequest},
		{"qty above net", SetRequest{TPPrice: dp("1"), Qty: dp("3")}, model.ErrInvalidSize},
		{"zero qty", SetRequest{TPPrice: dp("1"), Qty: dp("0")}, model.ErrInvalidSize},
		{"percent above 100", SetRequest{TPPrice: dp("1"), Percent: dp("101")}, model.ErrInvalidSize},
		{"zero percent", SetRequest{TPPrice: dp("1"), Percent: dp("0")}, model.ErrInvalidSize},
		{"qty below ledger scale", SetRequest{TPPrice: dp("1"), Qty: dp("0.000000001")}, model.ErrInvalidSize},
		{"percent rounding to zero", SetRequest{TPPrice: dp("1"), Percent: dp("0.0000000001")}, model.ErrInvalidSize},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.mgr.Set(f.ctx, "sl-1", tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Nil(t, f.get(t).Bracket)
	assert.Empty(t, f.client.Placed())

	_, err := f.mgr.Set(f.ctx, "missing", SetRequest{TPPrice: dp("1")})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSetSizing(t *testing.T) {
	f := newFixture(t, model.Long, "2")

	sl, err := f.mgr.Set(f.ctx, "sl-1", SetRequest{TPPrice: dp("1"), Percent: dp("25")})
	require.NoError(t, err)
	assert.True(t, sl.Bracket.Qty.Equal(d("0.5")))

	sl, err = f.mgr.Set(f.ctx, "sl-1", SetRequest{TPPrice: dp("1"), Percent: dp("25"), Qty: dp("1.5")})
	require.NoError(t, err)
	assert.True(t, sl.Bracket.Qty.Equal(d("1.5")), "qty wins over percent")
}

func TestSetRejectsEmptyPosition(t *testing.T) {
	f := newFixture(t, model.Long, "0")
	_, err := f.mgr.Set(f.ctx, "sl-1", SetRequest{TPPrice: dp("1")})
	assert.ErrorIs(t, err, model.ErrEmptyPosition)
}

func TestClear(t *testing.T) {
	f := newFixture(t, model.Long, "1")

	// No bracket: no-op.
	sl, err := f.mgr.Clear(f.ctx, "sl-1")
	require.NoError(t, err)
	assert.Nil(t, sl.Bracket)
	assert.Empty(t, f.client.Canceled())

	_, err = f.mgr.Set(f.ctx, "sl-1", SetRequest{TPPrice: dp("95000"), SLPrice: dp("85000")})
	require.NoError(t, err)

	sl, err = f.mgr.Clear(f.ctx, "sl-1")
	require.NoError(t, err)
	assert.Nil(t, sl.Bracket)
	assert.ElementsMatch(t, []string{"ord-1", "ord-2"}, f.client.Canceled())
	assert.Nil(t, f.get(t).Bracket)
}

func TestOnLegFilledUnknownOrder(t *testing.T) {
	f := newFixture(t, model.Long, "1")
	sl, err := f.mgr.OnLegFilled(f.ctx, "ord-404")
	require.NoError(t, err)
	assert.Nil(t, sl)
}

func TestLegFilledDuringSyncIsDropped(t *testing.T) {
	f := newFixture(t, model.Long, "1")

	// The TP leg fills (and its order record turns FILLED) before Set
	// records the final state.
	f.client.OnPlace = func(req venue.OrderRequest) {
		if req.Type == venue.OrderTypeStopMarket {
			o, err := f.store.GetOrder(f.ctx, "ord-1")
			require.NoError(t, err)
			o.Status = model.StatusFilled
			require.NoError(t, f.store.UpsertOrder(f.ctx, o))
		}
	}

	sl, err := f.mgr.Set(f.ctx, "sl-1", SetRequest{TPPrice: dp("95000"), SLPrice: dp("85000")})
	require.NoError(t, err)
	assert.Empty(t, sl.Bracket.TPOrderID)
	assert.Equal(t, "ord-2", sl.Bracket.SLOrderID)
}

func TestFinishRejectsInvalidTransition(t *testing.T) {
	f := newFixture(t, model.Long, "2")

	_, err := f.mgr.finish(f.ctx, "sl-1", func(cur *model.SubLedger) {
		cur.Bracket = &model.BracketConfig{Qty: d("2"), TPPrice: dp("95000"), SyncStatus: model.SyncOK}
	}, nil)
	require.ErrorIs(t, err, model.ErrInvalidTransition)
	assert.Nil(t, f.get(t).Bracket)
	assert.Empty(t, f.states())
}
