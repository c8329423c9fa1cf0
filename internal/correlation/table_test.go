package correlation

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/subledger-engine/internal/model"
)

type fakeMappings struct {
	mu   sync.Mutex
	rows map[string]model.CorrelationMapping
	gets int
	fail error
}

func newFakeMappings() *fakeMappings {
	return &fakeMappings{rows: make(map[string]model.CorrelationMapping)}
}

func (f *fakeMappings) SaveMapping(_ context.Context, m *model.CorrelationMapping) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.rows[m.CorrelationID] = *m
	return nil
}

func (f *fakeMappings) GetMapping(_ context.Context, id string) (*model.CorrelationMapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	m, ok := f.rows[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &m, nil
}

func TestTable_RegisterThenResolve(t *testing.T) {
	ctx := context.Background()
	fs := newFakeMappings()
	tbl := NewTable(fs)

	require.NoError(t, tbl.Register(ctx, "ACC-sub_a-VP-abc123-1-001", "Sub-A", "abc123-full"))

	m, ok, err := tbl.Resolve(ctx, "ACC-sub_a-VP-abc123-1-001")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "sub_a", m.AccountID)
	assert.Equal(t, "abc123-full", m.SubLedgerID)
	assert.Equal(t, 0, fs.gets, "registered mappings are served from cache")
}

func TestTable_ReadThrough(t *testing.T) {
	ctx := context.Background()
	fs := newFakeMappings()
	fs.rows["c1"] = model.CorrelationMapping{CorrelationID: "c1", AccountID: "main", SubLedgerID: "sl-1"}
	tbl := NewTable(fs)

	for i := 0; i < 3; i++ {
		m, ok, err := tbl.Resolve(ctx, "c1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "sl-1", m.SubLedgerID)
	}
	assert.Equal(t, 1, fs.gets, "store is only read on the first miss")
}

func TestTable_Unknown(t *testing.T) {
	tbl := NewTable(newFakeMappings())
	_, ok, err := tbl.Resolve(context.Background(), "external-123")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = tbl.Resolve(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTable_RegisterIdempotent(t *testing.T) {
	ctx := context.Background()
	tbl := NewTable(newFakeMappings())
	require.NoError(t, tbl.Register(ctx, "c1", "main", "sl-1"))
	require.NoError(t, tbl.Register(ctx, "c1", "main", "sl-1"))

	m, ok, err := tbl.Resolve(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "sl-1", m.SubLedgerID)
}

func TestTable_RegisterStoreFailureNotCached(t *testing.T) {
	ctx := context.Background()
	fs := newFakeMappings()
	fs.fail = errors.New("disk full")
	tbl := NewTable(fs)

	err := tbl.Register(ctx, "c1", "main", "sl-1")
	require.Error(t, err)

	_, ok, err := tbl.Resolve(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTable_RegisterValidates(t *testing.T) {
	tbl := NewTable(newFakeMappings())
	err := tbl.Register(context.Background(), "", "main", "sl-1")
	assert.ErrorIs(t, err, model.ErrInvalidRequest)
}
