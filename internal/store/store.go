// Package store defines the persistence interface for the sub-ledger engine.
// Implementations include PostgreSQL and SQLite (durable), Redis (read-through
// cache over either), and in-memory (for testing).
package store

import (
	"context"

	"github.com/atmx/subledger-engine/internal/model"
)

// Store is the persistence interface. The durable backend is the source of
// truth; every read goes to it (or its cache), so a restarted process is
// rehydrated without an explicit load step.
//
// Lookups of missing rows return an error wrapping model.ErrNotFound.
type Store interface {
	// --- Sub-ledgers ---

	// CreateSubLedger persists a new sub-ledger. Returns model.ErrConflict
	// if the id or (account, symbol, side, name) is taken.
	CreateSubLedger(ctx context.Context, sl *model.SubLedger) error

	// GetSubLedger retrieves a sub-ledger by id.
	GetSubLedger(ctx context.Context, id string) (*model.SubLedger, error)

	// ListSubLedgers returns the sub-ledgers matching the filter, ordered by
	// creation time.
	ListSubLedgers(ctx context.Context, f model.Filter) ([]model.SubLedger, error)

	// SaveSubLedger overwrites the mutable state of an existing sub-ledger.
	SaveSubLedger(ctx context.Context, sl *model.SubLedger) error

	// SaveSubLedgers upserts every sub-ledger in one transaction: either all
	// rows are written or none are.
	SaveSubLedgers(ctx context.Context, sls []model.SubLedger) error

	// DeleteSubLedger removes a sub-ledger.
	DeleteSubLedger(ctx context.Context, id string) error

	// --- Correlation mappings ---

	// SaveMapping upserts a correlation mapping.
	SaveMapping(ctx context.Context, m *model.CorrelationMapping) error

	// GetMapping retrieves the mapping for a correlation id.
	GetMapping(ctx context.Context, correlationID string) (*model.CorrelationMapping, error)

	// --- Immutable fill journal ---

	// InsertFill appends a fill unless its trade id was already recorded.
	// inserted is false for a duplicate.
	InsertFill(ctx context.Context, f *model.Fill) (inserted bool, err error)

	// ListFills returns fills matching the filter, newest first.
	ListFills(ctx context.Context, f model.FillFilter) ([]model.Fill, error)

	// --- Orders ---

	// UpsertOrder inserts or replaces an order record.
	UpsertOrder(ctx context.Context, o *model.Order) error

	// GetOrder retrieves an order by venue order id.
	GetOrder(ctx context.Context, orderID string) (*model.Order, error)

	// ListOpenOrders returns orders in a non-terminal status.
	ListOpenOrders(ctx context.Context, f model.Filter) ([]model.Order, error)

	// --- External positions ---

	// SetExternalPosition replaces the snapshot row for the position's key.
	SetExternalPosition(ctx context.Context, p *model.ExternalPosition) error

	// GetExternalPosition retrieves the snapshot for one key.
	GetExternalPosition(ctx context.Context, key model.PositionKey) (*model.ExternalPosition, error)

	// ListExternalPositions returns snapshots matching the filter.
	ListExternalPositions(ctx context.Context, f model.Filter) ([]model.ExternalPosition, error)
}
