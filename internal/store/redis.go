package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/subledger-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL or SQLite) with a Redis
// read-through cache. Writes go to the primary store and refresh or
// invalidate the cache; reads check Redis first then fall back to the
// primary. Only point lookups are cached: sub-ledgers, correlation mappings
// and external positions. List queries always hit the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, then refresh or invalidate) ---

func (s *CachedStore) CreateSubLedger(ctx context.Context, sl *model.SubLedger) error {
	if err := s.primary.CreateSubLedger(ctx, sl); err != nil {
		return err
	}
	s.cache(ctx, subLedgerKey(sl.ID), sl)
	return nil
}

func (s *CachedStore) SaveSubLedger(ctx context.Context, sl *model.SubLedger) error {
	if err := s.primary.SaveSubLedger(ctx, sl); err != nil {
		// The primary may or may not have applied it; drop the entry.
		s.rdb.Del(ctx, subLedgerKey(sl.ID))
		return err
	}
	s.cache(ctx, subLedgerKey(sl.ID), sl)
	return nil
}

func (s *CachedStore) SaveSubLedgers(ctx context.Context, sls []model.SubLedger) error {
	keys := make([]string, 0, len(sls))
	for _, sl := range sls {
		keys = append(keys, subLedgerKey(sl.ID))
	}
	err := s.primary.SaveSubLedgers(ctx, sls)
	if len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
	return err
}

func (s *CachedStore) DeleteSubLedger(ctx context.Context, id string) error {
	if err := s.primary.DeleteSubLedger(ctx, id); err != nil {
		return err
	}
	s.rdb.Del(ctx, subLedgerKey(id))
	return nil
}

func (s *CachedStore) SaveMapping(ctx context.Context, m *model.CorrelationMapping) error {
	if err := s.primary.SaveMapping(ctx, m); err != nil {
		return err
	}
	s.cache(ctx, mappingKey(m.CorrelationID), m)
	return nil
}

func (s *CachedStore) SetExternalPosition(ctx context.Context, p *model.ExternalPosition) error {
	if err := s.primary.SetExternalPosition(ctx, p); err != nil {
		s.rdb.Del(ctx, externalKey(p.Key()))
		return err
	}
	s.cache(ctx, externalKey(p.Key()), p)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetSubLedger(ctx context.Context, id string) (*model.SubLedger, error) {
	var sl model.SubLedger
	if s.lookup(ctx, subLedgerKey(id), &sl) {
		return &sl, nil
	}

	got, err := s.primary.GetSubLedger(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, subLedgerKey(id), got)
	return got, nil
}

func (s *CachedStore) GetMapping(ctx context.Context, correlationID string) (*model.CorrelationMapping, error) {
	var m model.CorrelationMapping
	if s.lookup(ctx, mappingKey(correlationID), &m) {
		return &m, nil
	}

	got, err := s.primary.GetMapping(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, mappingKey(correlationID), got)
	return got, nil
}

func (s *CachedStore) GetExternalPosition(ctx context.Context, key model.PositionKey) (*model.ExternalPosition, error) {
	var p model.ExternalPosition
	if s.lookup(ctx, externalKey(key), &p) {
		return &p, nil
	}

	got, err := s.primary.GetExternalPosition(ctx, key)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, externalKey(key), got)
	return got, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListSubLedgers(ctx context.Context, f model.Filter) ([]model.SubLedger, error) {
	return s.primary.ListSubLedgers(ctx, f)
}

func (s *CachedStore) InsertFill(ctx context.Context, f *model.Fill) (bool, error) {
	return s.primary.InsertFill(ctx, f)
}

func (s *CachedStore) ListFills(ctx context.Context, f model.FillFilter) ([]model.Fill, error) {
	return s.primary.ListFills(ctx, f)
}

func (s *CachedStore) UpsertOrder(ctx context.Context, o *model.Order) error {
	return s.primary.UpsertOrder(ctx, o)
}

func (s *CachedStore) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, orderID)
}

func (s *CachedStore) ListOpenOrders(ctx context.Context, f model.Filter) ([]model.Order, error) {
	return s.primary.ListOpenOrders(ctx, f)
}

func (s *CachedStore) ListExternalPositions(ctx context.Context, f model.Filter) ([]model.ExternalPosition, error) {
	return s.primary.ListExternalPositions(ctx, f)
}

// --- Cache helpers ---

func (s *CachedStore) lookup(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func subLedgerKey(id string) string          { return fmt.Sprintf("subledger:%s", id) }
func mappingKey(id string) string            { return fmt.Sprintf("correlation:%s", id) }
func externalKey(k model.PositionKey) string { return fmt.Sprintf("external:%s", k) }
