package model

import "github.com/shopspring/decimal"

// Trigger selects the reference price a conditional order watches.
type Trigger string

const (
	TriggerLast Trigger = "LAST"
	TriggerMark Trigger = "MARK"
)

// Valid reports whether t is a known trigger.
func (t Trigger) Valid() bool { return t == TriggerLast || t == TriggerMark }

// SyncState is the lifecycle state of a sub-ledger's bracket.
// NONE -> SYNCING -> {OK, ERROR}; OK/ERROR -> SYNCING on every set/clear;
// OK/ERROR -> NONE when both legs have filled.
type SyncState string

const (
	SyncNone    SyncState = "NONE"
	SyncSyncing SyncState = "SYNCING"
	SyncOK      SyncState = "OK"
	SyncError   SyncState = "ERROR"
)

var syncTransitions = map[SyncState][]SyncState{
	SyncNone:    {SyncSyncing},
	SyncSyncing: {SyncOK, SyncError, SyncNone},
	SyncOK:      {SyncSyncing, SyncNone},
	SyncError:   {SyncSyncing, SyncNone},
}

// CanTransitionTo validates bracket state transitions. Staying in the
// same state is not a transition.
func (s SyncState) CanTransitionTo(next SyncState) bool {
	for _, allowed := range syncTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// BracketConfig is the take-profit/stop-loss pair attached to one
// sub-ledger. A nil config means state NONE.
type BracketConfig struct {
	TPPrice    *decimal.Decimal `json:"tp_price"`
	TPTrigger  Trigger          `json:"tp_trigger"`
	TPOrderID  string           `json:"tp_order_id,omitempty"`
	SLPrice    *decimal.Decimal `json:"sl_price"`
	SLTrigger  Trigger          `json:"sl_trigger"`
	SLOrderID  string           `json:"sl_order_id,omitempty"`
	Qty        decimal.Decimal  `json:"qty"`
	SyncStatus SyncState        `json:"sync_status"`
}

// State returns the bracket state, treating nil as NONE.
func (b *BracketConfig) State() SyncState {
	if b == nil {
		return SyncNone
	}
	return b.SyncStatus
}

// References reports whether either leg is the given order.
func (b *BracketConfig) References(orderID string) bool {
	if b == nil || orderID == "" {
		return false
	}
	return b.TPOrderID == orderID || b.SLOrderID == orderID
}
