package venue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/atmx/subledger-engine/internal/metrics"
	"github.com/atmx/subledger-engine/internal/model"
)

// Subjects. The order gateway relays each account's user-data stream onto
// venue.userdata.<account> and mark price ticks onto venue.markprice.<symbol>.
const (
	StreamName          = "VENUE_EVENTS"
	userDataPrefix      = "venue.userdata."
	markPricePrefix     = "venue.markprice."
	ordersPrefix        = "venue.orders."
	positionsPrefix     = "venue.positions."
	markPriceConsumer   = "subledger-markprice"
	defaultGatewayLimit = 10 * time.Second
)

// UserDataSubject is the subject carrying accountID's user-data stream.
func UserDataSubject(accountID string) string {
	return userDataPrefix + model.NormalizeAccount(accountID)
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("subledger-engine"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}

// Handler processes one decoded feed event. A non-nil error causes the
// message to be redelivered.
type Handler func(ctx context.Context, ev Event) error

// Feed consumes the venue event stream through durable JetStream consumers,
// one per account plus one for mark prices. Each consumer delivers in order
// on its own goroutine, so events of one account are handled sequentially.
type Feed struct {
	js        jetstream.JetStream
	accounts  []string
	handler   Handler
	consumers []jetstream.ConsumeContext
}

// NewFeed creates a feed for the given accounts.
func NewFeed(js jetstream.JetStream, accounts []string, handler Handler) *Feed {
	return &Feed{js: js, accounts: accounts, handler: handler}
}

// EnsureStream creates the venue event stream if it does not exist.
func (f *Feed) EnsureStream(ctx context.Context) error {
	_, err := f.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{userDataPrefix + ">", markPricePrefix + ">"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", StreamName, err)
	}
	return nil
}

// Start creates the consumers and begins delivering events. Consumers use
// explicit ACK so an event is only acknowledged after it was handled.
func (f *Feed) Start(ctx context.Context) error {
	for _, acct := range f.accounts {
		acct = model.NormalizeAccount(acct)
		if err := f.consume(ctx, "subledger-"+acct, UserDataSubject(acct), acct); err != nil {
			return err
		}
	}
	return f.consume(ctx, markPriceConsumer, markPricePrefix+">", "")
}

func (f *Feed) consume(ctx context.Context, durable, subject, accountID string) error {
	consumer, err := f.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", durable, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		f.dispatch(ctx, accountID, msg)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", durable, err)
	}
	f.consumers = append(f.consumers, cc)
	slog.Info("subscribed to venue feed", "subject", subject, "consumer", durable)
	return nil
}

// ackable is the part of jetstream.Msg the feed needs.
type ackable interface {
	Data() []byte
	Ack() error
	Nak() error
	Term() error
}

// dispatch decodes and handles one message. Undecodable messages are
// terminated, unsupported event kinds are acked and skipped, handler
// failures are nak'ed for redelivery.
func (f *Feed) dispatch(ctx context.Context, accountID string, msg ackable) {
	ev, err := ParseUserData(accountID, msg.Data())
	switch {
	case errors.Is(err, ErrUnsupportedEvent):
		metrics.FeedEventsTotal.WithLabelValues("unsupported", "skipped").Inc()
		_ = msg.Ack()
		return
	case err != nil:
		slog.Warn("dropping undecodable venue event", "account", accountID, "err", err)
		metrics.FeedEventsTotal.WithLabelValues("invalid", "terminated").Inc()
		_ = msg.Term()
		return
	}

	kind := EventKind(ev)
	if err := f.handler(ctx, ev); err != nil {
		slog.Error("venue event handler failed", "account", accountID, "kind", kind, "err", err)
		metrics.FeedEventsTotal.WithLabelValues(kind, "nak").Inc()
		_ = msg.Nak()
		return
	}
	metrics.FeedEventsTotal.WithLabelValues(kind, "ack").Inc()
	_ = msg.Ack()
}

// Stop stops all consumers.
func (f *Feed) Stop() {
	for _, cc := range f.consumers {
		cc.Stop()
	}
	slog.Info("venue feed stopped")
}

// EventKind names an event for logs and metrics.
func EventKind(ev Event) string {
	switch ev.(type) {
	case *OrderUpdate:
		return "order_update"
	case *AccountUpdate:
		return "account_update"
	case *MarkPrice:
		return "mark_price"
	default:
		return "unknown"
	}
}

// NATSClient implements Client over NATS request/reply toward the order
// gateway that holds the venue credentials.
type NATSClient struct {
	nc      *nats.Conn
	timeout time.Duration
}

// NewNATSClient creates a client. A zero timeout uses 10s.
func NewNATSClient(nc *nats.Conn, timeout time.Duration) *NATSClient {
	if timeout <= 0 {
		timeout = defaultGatewayLimit
	}
	return &NATSClient{nc: nc, timeout: timeout}
}

type cancelRequest struct {
	AccountID string `json:"account_id"`
	Symbol    string `json:"symbol"`
	OrderID   string `json:"order_id"`
}

type gatewayReply struct {
	OrderID   string           `json:"order_id"`
	Status    string           `json:"status"`
	Positions []PositionReport `json:"positions,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// ErrGateway wraps errors reported by the order gateway.
var ErrGateway = errors.New("venue: gateway error")

func (c *NATSClient) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	req.AccountID = model.NormalizeAccount(req.AccountID)
	reply, err := c.request(ctx, ordersPrefix+req.AccountID+".place", req)
	if err != nil {
		return OrderAck{}, err
	}
	return OrderAck{OrderID: reply.OrderID, Status: reply.Status}, nil
}

func (c *NATSClient) CancelOrder(ctx context.Context, accountID, symbol, orderID string) (OrderAck, error) {
	accountID = model.NormalizeAccount(accountID)
	reply, err := c.request(ctx, ordersPrefix+accountID+".cancel",
		cancelRequest{AccountID: accountID, Symbol: symbol, OrderID: orderID})
	if err != nil {
		return OrderAck{}, err
	}
	return OrderAck{OrderID: reply.OrderID, Status: reply.Status}, nil
}

func (c *NATSClient) Positions(ctx context.Context, accountID string) ([]PositionReport, error) {
	accountID = model.NormalizeAccount(accountID)
	reply, err := c.request(ctx, positionsPrefix+accountID, struct {
		AccountID string `json:"account_id"`
	}{accountID})
	if err != nil {
		return nil, err
	}
	return reply.Positions, nil
}

func (c *NATSClient) request(ctx context.Context, subject string, body any) (*gatewayReply, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", subject, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := c.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", subject, err)
	}

	var reply gatewayReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("decode %s reply: %w", subject, err)
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrGateway, reply.Error)
	}
	return &reply, nil
}
