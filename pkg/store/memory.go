package store

import (
	"context"
	"sync"

	"github.com/juanpablocruz/blesync/pkg/model"
)

// Memory keeps the index and the payloads in maps.
type Memory struct {
	mu      sync.RWMutex
	index   map[model.ID]model.Item
	records map[model.ID]*model.Record
}

func NewMemory() *Memory {
	return &Memory{
		index:   make(map[model.ID]model.Item),
		records: make(map[model.ID]*model.Record),
	}
}

func (m *Memory) Exists(_ context.Context, id model.ID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.index[id]
	return ok, nil
}

func (m *Memory) Insert(_ context.Context, rec *model.Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.index[rec.ID]; ok {
		return false, nil // idempotent
	}
	m.index[rec.ID] = rec.Item()
	return true, nil
}

func (m *Memory) AllIDs(_ context.Context) ([]model.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Item, 0, len(m.index))
	for _, it := range m.index {
		out = append(out, it)
	}
	model.SortItems(out)
	return out, nil
}

// ClearAll drops the index. Payloads stay fetchable.
func (m *Memory) ClearAll(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.index = make(map[model.ID]model.Item)
	return nil
}

func (m *Memory) Fetch(ctx context.Context, id model.ID) (*model.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *Memory) Publish(_ context.Context, rec *model.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ID]; !ok {
		cp := *rec
		m.records[rec.ID] = &cp
	}
	return nil
}

// Len is the number of indexed records.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.index)
}
