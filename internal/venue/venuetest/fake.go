// Package venuetest provides an in-memory venue.Client for tests.
package venuetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/atmx/subledger-engine/internal/model"
	"github.com/atmx/subledger-engine/internal/venue"
)

// Client is a scripted venue. Placed orders get sequential ids.
type Client struct {
	mu        sync.Mutex
	seq       int
	placed    []venue.OrderRequest
	canceled  []string
	positions map[string][]venue.PositionReport

	// FailPlace, keyed by order type, makes PlaceOrder fail.
	FailPlace map[string]error
	// FailCancel makes every CancelOrder fail.
	FailCancel error
	// OnPlace runs before a placement is acknowledged.
	OnPlace func(req venue.OrderRequest)
}

// NewClient creates an empty fake.
func NewClient() *Client {
	return &Client{
		positions: make(map[string][]venue.PositionReport),
		FailPlace: make(map[string]error),
	}
}

func (c *Client) PlaceOrder(_ context.Context, req venue.OrderRequest) (venue.OrderAck, error) {
	c.mu.Lock()
	hook := c.OnPlace
	err := c.FailPlace[req.Type]
	c.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	if err != nil {
		return venue.OrderAck{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.placed = append(c.placed, req)
	return venue.OrderAck{OrderID: fmt.Sprintf("ord-%d", c.seq), Status: model.StatusNew}, nil
}

func (c *Client) CancelOrder(_ context.Context, _, _, orderID string) (venue.OrderAck, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.canceled = append(c.canceled, orderID)
	if c.FailCancel != nil {
		return venue.OrderAck{}, c.FailCancel
	}
	return venue.OrderAck{OrderID: orderID, Status: model.StatusCanceled}, nil
}

func (c *Client) Positions(_ context.Context, accountID string) ([]venue.PositionReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]venue.PositionReport(nil), c.positions[accountID]...), nil
}

// SetPositions scripts the Positions response for an account.
func (c *Client) SetPositions(accountID string, rows ...venue.PositionReport) {
	c.mu.Lock()
	c.positions[accountID] = rows
	c.mu.Unlock()
}

// SetFailPlace makes placements of orderType fail with err (nil clears).
func (c *Client) SetFailPlace(orderType string, err error) {
	c.mu.Lock()
	if err == nil {
		delete(c.FailPlace, orderType)
	} else {
		c.FailPlace[orderType] = err
	}
	c.mu.Unlock()
}

// Placed returns every acknowledged placement.
func (c *Client) Placed() []venue.OrderRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]venue.OrderRequest(nil), c.placed...)
}

// Canceled returns every order id a cancel was attempted for.
func (c *Client) Canceled() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.canceled...)
}
