package venue

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMsg struct {
	data              []byte
	acks, naks, terms int
}

func (m *fakeMsg) Data() []byte { return m.data }
func (m *fakeMsg) Ack() error   { m.acks++; return nil }
func (m *fakeMsg) Nak() error   { m.naks++; return nil }
func (m *fakeMsg) Term() error  { m.terms++; return nil }

func TestFeedDispatch(t *testing.T) {
	var handled []Event
	handlerErr := error(nil)
	f := NewFeed(nil, []string{"main"}, func(_ context.Context, ev Event) error {
		handled = append(handled, ev)
		return handlerErr
	})
	ctx := context.Background()

	t.Run("handled event is acked", func(t *testing.T) {
		msg := &fakeMsg{data: []byte(orderTradeUpdate)}
		f.dispatch(ctx, "main", msg)
		assert.Equal(t, 1, msg.acks)
		require.Len(t, handled, 1)
		assert.Equal(t, "order_update", EventKind(handled[0]))
	})

	t.Run("handler failure is nak'ed", func(t *testing.T) {
		handlerErr = errors.New("store down")
		defer func() { handlerErr = nil }()
		msg := &fakeMsg{data: []byte(orderTradeUpdate)}
		f.dispatch(ctx, "main", msg)
		assert.Equal(t, 1, msg.naks)
		assert.Zero(t, msg.acks)
	})

	t.Run("unsupported event is acked and skipped", func(t *testing.T) {
		before := len(handled)
		msg := &fakeMsg{data: []byte(`{"e":"listenKeyExpired","E":1}`)}
		f.dispatch(ctx, "main", msg)
		assert.Equal(t, 1, msg.acks)
		assert.Len(t, handled, before)
	})

	t.Run("garbage is terminated", func(t *testing.T) {
		msg := &fakeMsg{data: []byte(`{{{`)}
		f.dispatch(ctx, "main", msg)
		assert.Equal(t, 1, msg.terms)
	})
}

func TestUserDataSubject(t *testing.T) {
	assert.Equal(t, "venue.userdata.sub_a", UserDataSubject("Sub-A"))
}

func TestOfflineRefusesOrders(t *testing.T) {
	var c Client = Offline{}
	_, err := c.PlaceOrder(context.Background(), OrderRequest{})
	assert.ErrorIs(t, err, ErrNoGateway)
	_, err = c.CancelOrder(context.Background(), "main", "BTCUSDT", "1")
	assert.ErrorIs(t, err, ErrNoGateway)

	rows, err := c.Positions(context.Background(), "main")
	require.NoError(t, err)
	assert.Empty(t, rows)
}
