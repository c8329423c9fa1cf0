package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/subledger-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	subLedgers map[string]model.SubLedger
	mappings   map[string]model.CorrelationMapping
	fills      []model.Fill
	tradeIDs   map[string]bool
	orders     map[string]model.Order
	external   map[model.PositionKey]model.ExternalPosition
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subLedgers: make(map[string]model.SubLedger),
		mappings:   make(map[string]model.CorrelationMapping),
		tradeIDs:   make(map[string]bool),
		orders:     make(map[string]model.Order),
		external:   make(map[model.PositionKey]model.ExternalPosition),
	}
}

func (s *MemoryStore) CreateSubLedger(_ context.Context, sl *model.SubLedger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subLedgers[sl.ID]; ok {
		return fmt.Errorf("%w: sub-ledger %s", model.ErrConflict, sl.ID)
	}
	for _, existing := range s.subLedgers {
		if existing.Key() == sl.Key() && existing.Name == sl.Name {
			return fmt.Errorf("%w: sub-ledger named %q on %s", model.ErrConflict, sl.Name, sl.Key())
		}
	}

	// Store a copy to avoid external mutation.
	s.subLedgers[sl.ID] = sl.Clone()
	return nil
}

func (s *MemoryStore) GetSubLedger(_ context.Context, id string) (*model.SubLedger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sl, ok := s.subLedgers[id]
	if !ok {
		return nil, fmt.Errorf("%w: sub-ledger %s", model.ErrNotFound, id)
	}
	c := sl.Clone()
	return &c, nil
}

func (s *MemoryStore) ListSubLedgers(_ context.Context, f model.Filter) ([]model.SubLedger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.SubLedger, 0, len(s.subLedgers))
	for _, sl := range s.subLedgers {
		if f.Match(sl.AccountID, sl.Symbol, sl.Side) {
			result = append(result, sl.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) SaveSubLedger(_ context.Context, sl *model.SubLedger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subLedgers[sl.ID]; !ok {
		return fmt.Errorf("%w: sub-ledger %s", model.ErrNotFound, sl.ID)
	}
	s.subLedgers[sl.ID] = sl.Clone()
	return nil
}

func (s *MemoryStore) SaveSubLedgers(_ context.Context, sls []model.SubLedger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sl := range sls {
		s.subLedgers[sl.ID] = sl.Clone()
	}
	return nil
}

func (s *MemoryStore) DeleteSubLedger(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subLedgers[id]; !ok {
		return fmt.Errorf("%w: sub-ledger %s", model.ErrNotFound, id)
	}
	delete(s.subLedgers, id)
	return nil
}

func (s *MemoryStore) SaveMapping(_ context.Context, m *model.CorrelationMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mappings[m.CorrelationID] = *m
	return nil
}

func (s *MemoryStore) GetMapping(_ context.Context, correlationID string) (*model.CorrelationMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.mappings[correlationID]
	if !ok {
		return nil, fmt.Errorf("%w: mapping %s", model.ErrNotFound, correlationID)
	}
	return &m, nil
}

func (s *MemoryStore) InsertFill(_ context.Context, f *model.Fill) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tradeIDs[f.TradeID] {
		return false, nil
	}
	s.tradeIDs[f.TradeID] = true
	s.fills = append(s.fills, *f)
	return true, nil
}

func (s *MemoryStore) ListFills(_ context.Context, f model.FillFilter) ([]model.Fill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Fill
	for i := len(s.fills) - 1; i >= 0; i-- {
		if !f.Match(s.fills[i]) {
			continue
		}
		result = append(result, s.fills[i])
		if f.Limit > 0 && len(result) == f.Limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) UpsertOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.orders[o.OrderID] = *o
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, orderID string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", model.ErrNotFound, orderID)
	}
	return &o, nil
}

func (s *MemoryStore) ListOpenOrders(_ context.Context, f model.Filter) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if model.IsTerminalStatus(o.Status) || !f.Match(o.AccountID, o.Symbol, o.PositionSide) {
			continue
		}
		result = append(result, o)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) SetExternalPosition(_ context.Context, p *model.ExternalPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.external[p.Key()] = *p
	return nil
}

func (s *MemoryStore) GetExternalPosition(_ context.Context, key model.PositionKey) (*model.ExternalPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.external[key]
	if !ok {
		return nil, fmt.Errorf("%w: external position %s", model.ErrNotFound, key)
	}
	return &p, nil
}

func (s *MemoryStore) ListExternalPositions(_ context.Context, f model.Filter) ([]model.ExternalPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.ExternalPosition
	for _, p := range s.external {
		if f.Match(p.AccountID, p.Symbol, p.Side) {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key().String() < result[j].Key().String() })
	return result, nil
}
