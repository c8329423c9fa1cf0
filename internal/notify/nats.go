package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Outbound stream and subject prefix. Events land on ledger.events.<type>.
const (
	OutboundStream = "SUBLEDGER_EVENTS"
	subjectPrefix  = "ledger.events."
)

// Subject returns the outbound subject for an event type.
func Subject(typ string) string {
	return subjectPrefix + typ
}

// NATSPublisher republishes events on JetStream for downstream consumers.
// Publish only enqueues; Run drains the queue.
type NATSPublisher struct {
	js    jetstream.JetStream
	queue chan Event
}

// NewNATSPublisher creates a publisher with a bounded queue.
func NewNATSPublisher(js jetstream.JetStream, buffer int) *NATSPublisher {
	if buffer <= 0 {
		buffer = 1024
	}
	return &NATSPublisher{js: js, queue: make(chan Event, buffer)}
}

func (p *NATSPublisher) Publish(ev Event) {
	select {
	case p.queue <- ev:
	default:
		slog.Warn("outbound queue full, dropping event", "type", ev.Type)
	}
}

// Run publishes queued events until ctx is done.
func (p *NATSPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-p.queue:
			if err := p.publish(ctx, ev); err != nil {
				// Non-fatal: consumers can rebuild from GET /state.
				slog.Warn("outbound publish failed", "type", ev.Type, "err", err)
			}
		}
	}
}

func (p *NATSPublisher) publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = p.js.Publish(ctx, Subject(ev.Type), data)
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      OutboundStream,
		Subjects:  []string{subjectPrefix + ">"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	slog.Info("ensured outbound stream", "stream", OutboundStream)
	return nil
}
