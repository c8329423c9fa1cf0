package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/subledger-engine/internal/ledger"
	"github.com/atmx/subledger-engine/internal/model"
	"github.com/atmx/subledger-engine/internal/notify"
	"github.com/atmx/subledger-engine/internal/store"
	"github.com/atmx/subledger-engine/internal/venue"
	"github.com/atmx/subledger-engine/internal/venue/venuetest"
)

func newTestServer(t *testing.T) (*ledger.Service, *httptest.Server) {
	t.Helper()
	svc := ledger.NewService(store.NewMemoryStore(), venuetest.NewClient(), notify.Discard, 0)
	t.Cleanup(svc.Close)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return svc, srv
}

func run(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--server", srv.URL}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestParseAssignment(t *testing.T) {
	a, err := parseAssignment("abc=1.25")
	require.NoError(t, err)
	assert.Equal(t, "abc", a.SubLedgerID)
	assert.True(t, a.Qty.Equal(decimal.RequireFromString("1.25")))

	for _, bad := range []string{"abc", "=1", "abc=x"} {
		_, err := parseAssignment(bad)
		assert.Error(t, err, bad)
	}
}

func TestReconcileCommand(t *testing.T) {
	svc, srv := newTestServer(t)
	ctx := context.Background()

	sl, err := svc.CreateSubLedger(ctx, ledger.CreateSubLedgerRequest{
		AccountID: "main", Name: "alpha", Symbol: "BTCUSDT", Side: model.Long,
	})
	require.NoError(t, err)
	require.NoError(t, svc.HandleEvent(ctx, &venue.AccountUpdate{
		AccountID: "main",
		Positions: []venue.PositionReport{{
			Symbol: "BTCUSDT", PositionSide: model.Long,
			SignedQty: decimal.RequireFromString("2"), EntryPrice: decimal.RequireFromString("90000"),
		}},
	}))

	out, err := run(t, srv, "consistency", "-a", "main")
	require.NoError(t, err)
	assert.Contains(t, out, "MISMATCH")

	out, err = run(t, srv, "reconcile", "-a", "main", "--symbol", "btcusdt", "--side", "long",
		"--assign", sl.ID+"=2")
	require.NoError(t, err)
	assert.Contains(t, out, sl.ID)

	out, err = run(t, srv, "consistency", "--check", "-a", "main")
	require.NoError(t, err)
	assert.Contains(t, out, "OK")
	assert.NotContains(t, out, "MISMATCH")
}

func TestCommandReportsAPIError(t *testing.T) {
	_, srv := newTestServer(t)

	_, err := run(t, srv, "reconcile", "--symbol", "BTCUSDT", "--side", "LONG", "--assign", "missing=1")
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "NOT_FOUND", apiErr.Code)
	assert.Equal(t, 404, apiErr.Status)
}

func TestFillsCommandUnattributed(t *testing.T) {
	svc, srv := newTestServer(t)
	require.NoError(t, svc.HandleEvent(context.Background(), &venue.OrderUpdate{
		AccountID: "main", Symbol: "BTCUSDT", CorrelationID: "web_1", OrderID: "77",
		Side: model.Sell, PositionSide: model.Short, OrderType: venue.OrderTypeMarket,
		Qty: decimal.RequireFromString("1"), LastFillQty: decimal.RequireFromString("1"),
		LastFillPrice: decimal.RequireFromString("90000"), TradeID: "555",
		Status: model.StatusFilled,
	}))

	out, err := run(t, srv, "fills", "--unattributed")
	require.NoError(t, err)
	assert.Contains(t, out, "555")
	assert.Contains(t, out, "(unattributed)")
}
