package store

import (
	"context"
	"sync"

	"github.com/zhejian/url-shortener/registry/internal/model"
)

// MemoryCollection keeps the serialized collection in process memory.
// Values are stored encoded so callers never share records with the store.
type MemoryCollection struct {
	mu   sync.Mutex
	key  string
	data map[string][]byte
}

// NewMemoryCollection creates an empty in-memory collection under key
func NewMemoryCollection(key string) *MemoryCollection {
	if key == "" {
		key = DefaultKey
	}
	return &MemoryCollection{key: key, data: make(map[string][]byte)}
}

// LoadAll decodes the current collection
func (m *MemoryCollection) LoadAll(ctx context.Context) ([]*model.LinkRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return decode(m.data[m.key])
}

// SaveAll replaces the collection
func (m *MemoryCollection) SaveAll(ctx context.Context, links []*model.LinkRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked(links)
}

// Update applies fn while holding the lock
func (m *MemoryCollection) Update(ctx context.Context, fn UpdateFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	links, err := decode(m.data[m.key])
	if err != nil {
		return err
	}
	next, err := fn(links)
	if err != nil {
		return err
	}
	return m.saveLocked(next)
}

func (m *MemoryCollection) saveLocked(links []*model.LinkRecord) error {
	data, err := encode(links)
	if err != nil {
		return err
	}
	m.data[m.key] = data
	return nil
}

var _ Collection = (*MemoryCollection)(nil)
