package venue

import (
	"context"
	"errors"
)

// ErrNoGateway is returned by Offline for every order operation.
var ErrNoGateway = errors.New("venue: no order gateway configured")

// Offline is the Client used when no order gateway is reachable. The ledger
// stays readable and reconcilable; orders are refused.
type Offline struct{}

func (Offline) PlaceOrder(context.Context, OrderRequest) (OrderAck, error) {
	return OrderAck{}, ErrNoGateway
}

func (Offline) CancelOrder(context.Context, string, string, string) (OrderAck, error) {
	return OrderAck{}, ErrNoGateway
}

// Positions reports no rows, so seeding is a no-op.
func (Offline) Positions(context.Context, string) ([]PositionReport, error) {
	return nil, nil
}
