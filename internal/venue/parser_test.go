package venue

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/subledger-engine/internal/model"
)

const orderTradeUpdate = `{
  "e": "ORDER_TRADE_UPDATE",
  "E": 1708700123999,
  "T": 1708700123990,
  "o": {
    "s": "BTCUSDT", "c": "ACC-main-VP-abc123-1708700123456-001",
    "S": "BUY", "o": "MARKET", "f": "GTC", "q": "1.000", "p": "0", "ap": "90000",
    "sp": "0", "x": "TRADE", "X": "FILLED", "i": 8886774, "l": "1.000",
    "z": "1.000", "L": "90000.10", "N": "USDT", "n": "36.00004", "T": 1708700123990,
    "t": 91122, "b": "0", "a": "0", "m": false, "R": false, "wt": "CONTRACT_PRICE",
    "ot": "MARKET", "ps": "LONG", "cp": false, "AP": "0", "rp": "0", "pP": false
  }
}`

func TestParseUserData_OrderTradeUpdate(t *testing.T) {
	ev, err := ParseUserData("Main", []byte(orderTradeUpdate))
	require.NoError(t, err)

	u, ok := ev.(*OrderUpdate)
	require.True(t, ok, "expected *OrderUpdate, got %T", ev)

	assert.Equal(t, "main", u.AccountID)
	assert.Equal(t, "BTCUSDT", u.Symbol)
	assert.Equal(t, "ACC-main-VP-abc123-1708700123456-001", u.CorrelationID)
	assert.Equal(t, "8886774", u.OrderID)
	assert.Equal(t, "91122", u.TradeID)
	assert.Equal(t, model.Buy, u.Side)
	assert.Equal(t, model.Long, u.PositionSide)
	assert.Equal(t, model.StatusFilled, u.Status, "X must not be clobbered by x")
	assert.Equal(t, "MARKET", u.OrderType)
	assert.True(t, u.LastFillQty.Equal(decimal.RequireFromString("1")))
	assert.True(t, u.LastFillPrice.Equal(decimal.RequireFromString("90000.10")))
	assert.True(t, u.Commission.Equal(decimal.RequireFromString("36.00004")))
	assert.Equal(t, "USDT", u.CommissionAsset)
	assert.Nil(t, u.Price, "zero price means market")
	assert.Nil(t, u.StopPrice)
	assert.Equal(t, int64(1708700123990), u.TradeTime.UnixMilli())
	assert.True(t, u.IsFill())
}

func TestParseUserData_NewOrderIsNotFill(t *testing.T) {
	raw := `{"e":"ORDER_TRADE_UPDATE","E":1,"T":1,"o":{"s":"BTCUSDT","c":"x","S":"SELL",
	"o":"STOP_MARKET","ot":"STOP_MARKET","q":"0.5","p":"0","sp":"85000","x":"NEW","X":"NEW",
	"i":42,"l":"0","L":"0","n":"0","N":"USDT","T":1,"t":0,"R":true,"ps":"LONG","rp":"0"}}`

	ev, err := ParseUserData("main", []byte(raw))
	require.NoError(t, err)
	u := ev.(*OrderUpdate)

	assert.False(t, u.IsFill())
	assert.Equal(t, "", u.TradeID)
	require.NotNil(t, u.StopPrice)
	assert.True(t, u.StopPrice.Equal(decimal.RequireFromString("85000")))
	assert.True(t, u.ReduceOnly)
}

func TestParseUserData_AccountUpdate(t *testing.T) {
	raw := `{"e":"ACCOUNT_UPDATE","E":1708700124000,"T":1708700124000,"a":{"m":"ORDER",
	"B":[{"a":"USDT","wb":"1000","cw":"1000","bc":"0"}],
	"P":[{"s":"BTCUSDT","pa":"2.5","ep":"90000","bep":"0","cr":"0","up":"12.5","mt":"cross","iw":"0","ps":"LONG"},
	     {"s":"BTCUSDT","pa":"-1","ep":"91000","bep":"0","cr":"0","up":"-3","mt":"cross","iw":"0","ps":"SHORT"}]}}`

	ev, err := ParseUserData("sub-a", []byte(raw))
	require.NoError(t, err)

	u, ok := ev.(*AccountUpdate)
	require.True(t, ok)
	assert.Equal(t, "sub_a", u.AccountID)
	require.Len(t, u.Positions, 2)
	assert.Equal(t, model.Long, u.Positions[0].PositionSide)
	assert.True(t, u.Positions[0].SignedQty.Equal(decimal.RequireFromString("2.5")))
	assert.True(t, u.Positions[1].SignedQty.Equal(decimal.RequireFromString("-1")))
	assert.True(t, u.Positions[1].EntryPrice.Equal(decimal.RequireFromString("91000")))
}

func TestParseUserData_MarkPriceEnvelope(t *testing.T) {
	raw := `{"stream":"btcusdt@markPrice","data":{"e":"markPriceUpdate","E":1562305380000,
	"s":"BTCUSDT","p":"11794.15","i":"11784.62","P":"11784.25","r":"0.00038167","T":1562306400000}}`

	ev, err := ParseUserData("main", []byte(raw))
	require.NoError(t, err)

	m, ok := ev.(*MarkPrice)
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", m.Symbol)
	assert.True(t, m.Price.Equal(decimal.RequireFromString("11794.15")), "P must not overwrite p")
	assert.True(t, m.IndexPrice.Equal(decimal.RequireFromString("11784.62")))
}

func TestParseUserData_Unsupported(t *testing.T) {
	_, err := ParseUserData("main", []byte(`{"e":"listenKeyExpired","E":1}`))
	assert.ErrorIs(t, err, ErrUnsupportedEvent)

	_, err = ParseUserData("main", []byte(`not json`))
	assert.Error(t, err)
}

func TestWorkingType(t *testing.T) {
	assert.Equal(t, WorkingTypeContract, WorkingType(model.TriggerLast))
	assert.Equal(t, WorkingTypeMark, WorkingType(model.TriggerMark))
}
