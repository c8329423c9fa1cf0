// Package notify is the engine's output port. Every successful mutation is
// published as an Event after it has been persisted; delivery is
// best-effort and never blocks the caller.
package notify

import (
	"sync"
	"time"
)

// Event types.
const (
	TypeOrderUpsert            = "ORDER_UPSERT"
	TypeFill                   = "FILL"
	TypeSubLedgerUpdate        = "SUB_LEDGER_UPDATE"
	TypeSubLedgerDeleted       = "SUB_LEDGER_DELETED"
	TypeExternalPositionUpdate = "EXTERNAL_POSITION_UPDATE"
	TypeBracketSyncStatus      = "BRACKET_SYNC_STATUS"
	TypeConsistencyStatus      = "CONSISTENCY_STATUS"
	TypeMarkPrice              = "MARK_PRICE"
)

// Event is one notification. Payload is JSON-encodable.
type Event struct {
	Type    string    `json:"type"`
	Payload any       `json:"payload"`
	TS      time.Time `json:"ts"`
}

// New stamps an event with the current time.
func New(typ string, payload any) Event {
	return Event{Type: typ, Payload: payload, TS: time.Now().UTC()}
}

// Publisher receives events. Implementations must not block.
type Publisher interface {
	Publish(ev Event)
}

// Multi fans an event out to several publishers.
type Multi []Publisher

func (m Multi) Publish(ev Event) {
	for _, p := range m {
		p.Publish(ev)
	}
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events with the given type.
func (r *Recorder) OfType(typ string) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
