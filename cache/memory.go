package cache

import (
	"context"
	"sort"
	"sync"
)

type memStore struct {
	name    string
	entries map[string][]byte
	deleted bool
}

// MemStorage keeps all stores in memory.
// It is mostly useful for tests and for running without a database file.
type MemStorage struct {
	mutex  *sync.RWMutex
	stores []*memStore
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		mutex: &sync.RWMutex{},
	}
}

func (m *MemStorage) find(name string) *memStore {
	for _, s := range m.stores {
		if s.name == name {
			return s
		}
	}
	return nil
}

func (m *MemStorage) Open(ctx context.Context, name string) (Store, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	s := m.find(name)
	if s == nil {
		s = &memStore{name: name, entries: make(map[string][]byte)}
		m.stores = append(m.stores, s)
	}
	return memStoreHandle{m, s}, nil
}

func (m *MemStorage) Has(ctx context.Context, name string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.find(name) != nil, nil
}

func (m *MemStorage) Keys(ctx context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.stores))
	for _, s := range m.stores {
		names = append(names, s.name)
	}
	return names, nil
}

func (m *MemStorage) Delete(ctx context.Context, name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for i, s := range m.stores {
		if s.name == name {
			s.deleted = true
			m.stores = append(m.stores[:i], m.stores[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (m *MemStorage) Match(ctx context.Context, key string) ([]byte, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	for _, s := range m.stores {
		if b, ok := s.entries[key]; ok {
			return b, true, nil
		}
	}
	return nil, false, nil
}

// memStoreHandle is a Store backed by one memStore.
// All access goes through the storage mutex.
type memStoreHandle struct {
	m *MemStorage
	s *memStore
}

func (h memStoreHandle) Name() string {
	return h.s.name
}

func (h memStoreHandle) Match(ctx context.Context, key string) ([]byte, bool, error) {
	h.m.mutex.RLock()
	defer h.m.mutex.RUnlock()
	b, ok := h.s.entries[key]
	return b, ok, nil
}

func (h memStoreHandle) Put(ctx context.Context, key string, bytes []byte) error {
	return h.PutAll(ctx, []Entry{{Key: key, Bytes: bytes}})
}

func (h memStoreHandle) PutAll(ctx context.Context, entries []Entry) error {
	h.m.mutex.Lock()
	defer h.m.mutex.Unlock()
	if h.s.deleted {
		return ErrStoreDeleted
	}
	for _, e := range entries {
		h.s.entries[e.Key] = e.Bytes
	}
	return nil
}

func (h memStoreHandle) Keys(ctx context.Context) ([]string, error) {
	h.m.mutex.RLock()
	defer h.m.mutex.RUnlock()
	keys := make([]string, 0, len(h.s.entries))
	for k := range h.s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (h memStoreHandle) Delete(ctx context.Context, key string) (bool, error) {
	h.m.mutex.Lock()
	defer h.m.mutex.Unlock()
	_, ok := h.s.entries[key]
	delete(h.s.entries, key)
	return ok, nil
}
