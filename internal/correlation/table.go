package correlation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/atmx/subledger-engine/internal/model"
)

// MappingStore is the durable side of the table.
type MappingStore interface {
	SaveMapping(ctx context.Context, m *model.CorrelationMapping) error
	GetMapping(ctx context.Context, correlationID string) (*model.CorrelationMapping, error)
}

// Table maps correlation ids to (account, sub-ledger). Mappings are never
// mutated once written, so the in-process cache needs no invalidation.
type Table struct {
	store MappingStore

	mu    sync.RWMutex
	cache map[string]model.CorrelationMapping
}

// NewTable creates a table over the given store.
func NewTable(store MappingStore) *Table {
	return &Table{
		store: store,
		cache: make(map[string]model.CorrelationMapping),
	}
}

// Register records the mapping. It must return before the order is sent so
// that a fill racing the placement response still resolves.
func (t *Table) Register(ctx context.Context, correlationID, accountID, subLedgerID string) error {
	if correlationID == "" || subLedgerID == "" {
		return fmt.Errorf("%w: correlation id and sub-ledger id are required", model.ErrInvalidRequest)
	}
	m := model.CorrelationMapping{
		CorrelationID: correlationID,
		AccountID:     model.NormalizeAccount(accountID),
		SubLedgerID:   subLedgerID,
		CreatedAt:     time.Now().UTC(),
	}
	if err := t.store.SaveMapping(ctx, &m); err != nil {
		return fmt.Errorf("save mapping %s: %w", correlationID, err)
	}

	t.mu.Lock()
	t.cache[correlationID] = m
	t.mu.Unlock()
	return nil
}

// Resolve returns the mapping for correlationID. ok is false when no
// mapping exists (orders placed outside the engine).
func (t *Table) Resolve(ctx context.Context, correlationID string) (m model.CorrelationMapping, ok bool, err error) {
	if correlationID == "" {
		return m, false, nil
	}

	t.mu.RLock()
	m, ok = t.cache[correlationID]
	t.mu.RUnlock()
	if ok {
		return m, true, nil
	}

	stored, err := t.store.GetMapping(ctx, correlationID)
	if errors.Is(err, model.ErrNotFound) {
		return m, false, nil
	}
	if err != nil {
		return m, false, fmt.Errorf("get mapping %s: %w", correlationID, err)
	}

	t.mu.Lock()
	t.cache[correlationID] = *stored
	t.mu.Unlock()
	return *stored, true, nil
}
