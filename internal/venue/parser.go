package venue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/subledger-engine/internal/model"
)

// ErrUnsupportedEvent is returned for feed messages the engine ignores.
var ErrUnsupportedEvent = errors.New("venue: unsupported event type")

// Event type discriminators on the user-data and market streams.
const (
	eventOrderTradeUpdate = "ORDER_TRADE_UPDATE"
	eventAccountUpdate    = "ACCOUNT_UPDATE"
	eventMarkPriceUpdate  = "markPriceUpdate"
)

// The venue uses single-letter keys that differ only by case ("s"/"S",
// "x"/"X"). encoding/json falls back to case-insensitive matching, so every
// colliding key is declared even when unused.

type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type header struct {
	Type      string `json:"e"`
	EventTime int64  `json:"E"`
}

type wireOrderTrade struct {
	Type      string    `json:"e"`
	EventTime int64     `json:"E"`
	TxTime    int64     `json:"T"`
	Order     wireOrder `json:"o"`
}

type wireOrder struct {
	Symbol          string          `json:"s"`
	Side            string          `json:"S"`
	ClientOrderID   string          `json:"c"`
	OrderType       string          `json:"o"`
	OrigType        string          `json:"ot"`
	TimeInForce     string          `json:"f"`
	Qty             decimal.Decimal `json:"q"`
	Price           decimal.Decimal `json:"p"`
	AvgPrice        string          `json:"ap"`
	StopPrice       decimal.Decimal `json:"sp"`
	ExecutionType   string          `json:"x"`
	Status          string          `json:"X"`
	OrderID         int64           `json:"i"`
	LastFillQty     decimal.Decimal `json:"l"`
	LastFillPrice   decimal.Decimal `json:"L"`
	CommissionAsset string          `json:"N"`
	Commission      decimal.Decimal `json:"n"`
	TradeTime       int64           `json:"T"`
	TradeID         int64           `json:"t"`
	ReduceOnly      bool            `json:"R"`
	PositionSide    string          `json:"ps"`
	RealizedPnL     decimal.Decimal `json:"rp"`
}

type wireAccountUpdate struct {
	Type      string      `json:"e"`
	EventTime int64       `json:"E"`
	TxTime    int64       `json:"T"`
	Account   wireAccount `json:"a"`
}

type wireAccount struct {
	Reason    string           `json:"m"`
	Balances  json.RawMessage  `json:"B"`
	Positions []wireAccountPos `json:"P"`
}

type wireAccountPos struct {
	Symbol        string          `json:"s"`
	SignedQty     decimal.Decimal `json:"pa"`
	EntryPrice    decimal.Decimal `json:"ep"`
	UnrealizedPnL decimal.Decimal `json:"up"`
	PositionSide  string          `json:"ps"`
}

type wireMarkPrice struct {
	Type        string          `json:"e"`
	EventTime   int64           `json:"E"`
	Symbol      string          `json:"s"`
	Price       decimal.Decimal `json:"p"`
	IndexPrice  decimal.Decimal `json:"i"`
	SettlePrice decimal.Decimal `json:"P"`
	FundingRate string          `json:"r"`
	NextFunding int64           `json:"T"`
}

// ParseUserData decodes one feed message delivered on accountID's stream.
// Combined-stream envelopes ({"stream":..., "data":...}) are unwrapped.
func ParseUserData(accountID string, data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err == nil && len(env.Data) > 0 && env.Stream != "" {
		data = env.Data
	}

	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("venue: decode event header: %w", err)
	}

	account := model.NormalizeAccount(accountID)

	switch h.Type {
	case eventOrderTradeUpdate:
		var w wireOrderTrade
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("venue: decode %s: %w", h.Type, err)
		}
		return w.toEvent(account), nil

	case eventAccountUpdate:
		var w wireAccountUpdate
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("venue: decode %s: %w", h.Type, err)
		}
		return w.toEvent(account), nil

	case eventMarkPriceUpdate:
		var w wireMarkPrice
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("venue: decode %s: %w", h.Type, err)
		}
		return &MarkPrice{
			Symbol:     w.Symbol,
			Price:      w.Price,
			IndexPrice: w.IndexPrice,
			EventTime:  time.UnixMilli(w.EventTime).UTC(),
		}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEvent, h.Type)
	}
}

func (w wireOrderTrade) toEvent(account string) *OrderUpdate {
	o := w.Order
	orderType := o.OrigType
	if orderType == "" {
		orderType = o.OrderType
	}
	tradeID := ""
	if o.TradeID != 0 {
		tradeID = strconv.FormatInt(o.TradeID, 10)
	}
	return &OrderUpdate{
		AccountID:       account,
		Symbol:          o.Symbol,
		CorrelationID:   o.ClientOrderID,
		OrderID:         strconv.FormatInt(o.OrderID, 10),
		Side:            model.OrderSide(o.Side),
		PositionSide:    model.PositionSide(o.PositionSide),
		OrderType:       orderType,
		TimeInForce:     o.TimeInForce,
		Qty:             o.Qty,
		Price:           nonZero(o.Price),
		StopPrice:       nonZero(o.StopPrice),
		LastFillQty:     o.LastFillQty,
		LastFillPrice:   o.LastFillPrice,
		TradeID:         tradeID,
		Commission:      o.Commission,
		CommissionAsset: o.CommissionAsset,
		RealizedPnL:     o.RealizedPnL,
		Status:          o.Status,
		ReduceOnly:      o.ReduceOnly,
		TradeTime:       time.UnixMilli(o.TradeTime).UTC(),
		EventTime:       time.UnixMilli(w.EventTime).UTC(),
	}
}

func (w wireAccountUpdate) toEvent(account string) *AccountUpdate {
	positions := make([]PositionReport, 0, len(w.Account.Positions))
	for _, p := range w.Account.Positions {
		positions = append(positions, PositionReport{
			Symbol:        p.Symbol,
			PositionSide:  model.PositionSide(p.PositionSide),
			SignedQty:     p.SignedQty,
			EntryPrice:    p.EntryPrice,
			UnrealizedPnL: p.UnrealizedPnL,
		})
	}
	return &AccountUpdate{
		AccountID: account,
		Positions: positions,
		EventTime: time.UnixMilli(w.EventTime).UTC(),
	}
}

func nonZero(d decimal.Decimal) *decimal.Decimal {
	if d.IsZero() {
		return nil
	}
	return &d
}
