package storage

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore provides an in-memory map store. A single instance shared by
// several in-process nodes behaves as a fully consistent cluster substrate.
type MemoryStore struct {
	mu     sync.RWMutex
	maps   map[string]map[string][]byte
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{maps: make(map[string]map[string][]byte)}
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MemoryStore) Put(ctx context.Context, mapName, key string, value []byte) error {
	_ = ctx
	if mapName == "" {
		return ErrEmptyMapName
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	mp, ok := m.maps[mapName]
	if !ok {
		mp = make(map[string][]byte)
		m.maps[mapName] = mp
	}
	mp[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, mapName, key string) ([]byte, bool, error) {
	_ = ctx
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	v, ok := m.maps[mapName][key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *MemoryStore) Delete(ctx context.Context, mapName string, keys ...string) (int, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	mp := m.maps[mapName]
	cnt := 0
	for _, k := range keys {
		if _, ok := mp[k]; ok {
			delete(mp, k)
			cnt++
		}
	}
	if mp != nil && len(mp) == 0 {
		delete(m.maps, mapName)
	}
	return cnt, nil
}

func (m *MemoryStore) Keys(ctx context.Context, mapName string) ([]string, error) {
	_ = ctx
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	res := make([]string, 0, len(m.maps[mapName]))
	for k := range m.maps[mapName] {
		res = append(res, k)
	}
	sort.Strings(res)
	return res, nil
}

func (m *MemoryStore) Entries(ctx context.Context, mapName string) (map[string][]byte, error) {
	_ = ctx
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	res := make(map[string][]byte, len(m.maps[mapName]))
	for k, v := range m.maps[mapName] {
		res[k] = append([]byte(nil), v...)
	}
	return res, nil
}

func (m *MemoryStore) Drop(ctx context.Context, mapName string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.maps, mapName)
	return nil
}

func (m *MemoryStore) Dump(ctx context.Context) (map[string]map[string][]byte, error) {
	_ = ctx
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make(map[string]map[string][]byte, len(m.maps))
	for name, mp := range m.maps {
		cp := make(map[string][]byte, len(mp))
		for k, v := range mp {
			cp[k] = append([]byte(nil), v...)
		}
		out[name] = cp
	}
	return out, nil
}

// Load replaces the whole content of the store.
func (m *MemoryStore) Load(ctx context.Context, maps map[string]map[string][]byte) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.maps = make(map[string]map[string][]byte, len(maps))
	for name, mp := range maps {
		cp := make(map[string][]byte, len(mp))
		for k, v := range mp {
			cp[k] = append([]byte(nil), v...)
		}
		m.maps[name] = cp
	}
	return nil
}
