package cache

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	storedAt time.Time
	bytes    []byte
}

type memCollection struct {
	name    string
	entries map[string]memEntry
}

// MemStore keeps all collections in process memory.
// Stored bytes are copied on the way in and out, so callers cannot mutate a snapshot.
type MemStore struct {
	mutex       *sync.RWMutex
	collections map[string]*memCollection
	order       *[]string
}

func NewMemStore() MemStore {
	return MemStore{
		mutex:       &sync.RWMutex{},
		collections: make(map[string]*memCollection),
		order:       &[]string{},
	}
}

func (m MemStore) Open(ctx context.Context, name string) (Collection, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.collections[name]; !ok {
		m.collections[name] = &memCollection{name: name, entries: make(map[string]memEntry)}
		*m.order = append(*m.order, name)
	}
	return memHandle{m, name}, nil
}

func (m MemStore) Has(ctx context.Context, name string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.collections[name]
	return ok, nil
}

func (m MemStore) Delete(ctx context.Context, name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.collections[name]; !ok {
		return false, nil
	}
	delete(m.collections, name)
	order := (*m.order)[:0]
	for _, n := range *m.order {
		if n != name {
			order = append(order, n)
		}
	}
	*m.order = order
	return true, nil
}

func (m MemStore) Names(ctx context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, len(*m.order))
	copy(names, *m.order)
	return names, nil
}

func (m MemStore) Close() error {
	return nil
}

// memHandle looks the collection up on every call,
// so a handle to a deleted collection never resurrects it.
type memHandle struct {
	m    MemStore
	name string
}

func (h memHandle) Name() string {
	return h.name
}

func (h memHandle) Match(ctx context.Context, key string) ([]byte, bool, error) {
	h.m.mutex.RLock()
	defer h.m.mutex.RUnlock()
	c, ok := h.m.collections[h.name]
	if !ok {
		return nil, false, nil
	}
	entry, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	return copyBytes(entry.bytes), true, nil
}

func (h memHandle) Put(ctx context.Context, key string, bytes []byte) error {
	return h.PutAll(ctx, []Entry{{Key: key, StoredAt: time.Now(), Bytes: bytes}})
}

func (h memHandle) PutAll(ctx context.Context, entries []Entry) error {
	h.m.mutex.Lock()
	defer h.m.mutex.Unlock()
	c, ok := h.m.collections[h.name]
	if !ok {
		return ErrNoSuchCollection
	}
	for _, e := range entries {
		c.entries[e.Key] = memEntry{e.StoredAt, copyBytes(e.Bytes)}
	}
	return nil
}

func (h memHandle) Delete(ctx context.Context, key string) error {
	h.m.mutex.Lock()
	defer h.m.mutex.Unlock()
	if c, ok := h.m.collections[h.name]; ok {
		delete(c.entries, key)
	}
	return nil
}

func (h memHandle) Keys(ctx context.Context, cb func(string)) error {
	h.m.mutex.RLock()
	keys := make([]string, 0)
	if c, ok := h.m.collections[h.name]; ok {
		for key := range c.entries {
			keys = append(keys, key)
		}
	}
	h.m.mutex.RUnlock()
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func copyBytes(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
