package memstorage

import (
	"context"
	"sync"

	"github.com/jrsteele09/jobboard-client/storage"
)

var _ storage.Storage = (*MemStorage)(nil)

// MemStorage is an in-memory Storage for tests and ephemeral sessions.
type MemStorage struct {
	values map[string]string
	lock   sync.RWMutex
}

func New() *MemStorage {
	return &MemStorage{
		values: make(map[string]string),
	}
}

func (m *MemStorage) Get(_ context.Context, key string) (string, bool, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemStorage) Set(_ context.Context, key, value string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.values[key] = value
	return nil
}

func (m *MemStorage) Remove(_ context.Context, key string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.values, key)
	return nil
}

// Len returns the number of stored keys.
func (m *MemStorage) Len() int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return len(m.values)
}
