package assetcache

import (
	"context"
	"sync"
)

// MemoryBackend keeps entries in process memory. Used by tests and by
// `serve --cache-backend memory`.
type MemoryBackend struct {
	mu     sync.RWMutex
	caches map[string]map[string]Entry
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{caches: make(map[string]map[string]Entry)}
}

// Get implements Backend.
func (m *MemoryBackend) Get(_ context.Context, cache, key string) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.caches[cache][key]
	if ok {
		e.Body = append([]byte(nil), e.Body...)
		e.Header = e.Header.Clone()
	}
	return e, ok, nil
}

// Put implements Backend.
func (m *MemoryBackend) Put(_ context.Context, cache, key string, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.caches[cache]
	if !ok {
		c = make(map[string]Entry)
		m.caches[cache] = c
	}
	entry.Body = append([]byte(nil), entry.Body...)
	entry.Header = entry.Header.Clone()
	c[key] = entry
	return nil
}

// Delete implements Backend.
func (m *MemoryBackend) Delete(_ context.Context, cache, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.caches[cache], key)
	return nil
}

// Caches implements Backend.
func (m *MemoryBackend) Caches(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.caches))
	for name := range m.caches {
		names = append(names, name)
	}
	return names, nil
}

// Drop implements Backend.
func (m *MemoryBackend) Drop(_ context.Context, cache string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.caches, cache)
	return nil
}

// Close implements Backend.
func (m *MemoryBackend) Close() error {
	return nil
}
