package cache

import (
	"context"
	"sort"
	"sync"
)

// MemStorage keeps all stores in process memory.
// It is mostly useful for tests and for throwaway instances.
type MemStorage struct {
	mutex  *sync.RWMutex
	stores map[string]map[string]Entry
}

func NewMemStorage() MemStorage {
	return MemStorage{
		mutex:  &sync.RWMutex{},
		stores: make(map[string]map[string]Entry),
	}
}

func (m MemStorage) Open(ctx context.Context, store string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.open(store)
	return nil
}

// open must be called with the write lock held.
func (m MemStorage) open(store string) map[string]Entry {
	entries, ok := m.stores[store]
	if !ok {
		entries = make(map[string]Entry)
		m.stores[store] = entries
	}
	return entries
}

func (m MemStorage) Names(ctx context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.stores))
	for name := range m.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m MemStorage) Delete(ctx context.Context, store string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	_, ok := m.stores[store]
	delete(m.stores, store)
	return ok, nil
}

func (m MemStorage) Match(ctx context.Context, store, key string) (Entry, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entry, ok := m.stores[store][key]
	return entry, ok, nil
}

func (m MemStorage) Put(ctx context.Context, store string, entry Entry) error {
	return m.PutAll(ctx, store, []Entry{entry})
}

func (m MemStorage) PutAll(ctx context.Context, store string, entries []Entry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	s := m.open(store)
	for _, e := range entries {
		s[e.Key] = e
	}
	return nil
}

func (m MemStorage) Keys(ctx context.Context, store string, cb func(string)) error {
	m.mutex.RLock()
	keys := make([]string, 0, len(m.stores[store]))
	for key := range m.stores[store] {
		keys = append(keys, key)
	}
	m.mutex.RUnlock()
	sort.Strings(keys)
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (m MemStorage) Size(ctx context.Context, store string) (int, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.stores[store]), nil
}
