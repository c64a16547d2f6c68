package cache

import (
	"sync"
	"time"
)

// Entry is a cached value with its absolute expiry. A zero ExpiresAt never expires.
type Entry[V any] struct {
	Value     V         `json:"value"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

func (e Entry[V]) FreshAt(now time.Time) bool {
	return e.ExpiresAt.IsZero() || now.Before(e.ExpiresAt)
}

type TTLMap[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]Entry[V]
}

func NewTTLMap[K comparable, V any]() *TTLMap[K, V] {
	return &TTLMap[K, V]{items: map[K]Entry[V]{}}
}

func (m *TTLMap[K, V]) Get(key K) (Entry[V], bool) {
	if m == nil {
		return Entry[V]{}, false
	}
	m.mu.RLock()
	e, ok := m.items[key]
	m.mu.RUnlock()
	return e, ok
}

func (m *TTLMap[K, V]) GetFresh(key K, now time.Time) (V, bool) {
	var zero V
	e, ok := m.Get(key)
	if !ok || !e.FreshAt(now) {
		return zero, false
	}
	return e.Value, true
}

func (m *TTLMap[K, V]) SetWithExpiry(key K, value V, expiresAt time.Time) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.items[key] = Entry[V]{Value: value, ExpiresAt: expiresAt}
	m.mu.Unlock()
}

func (m *TTLMap[K, V]) Delete(key K) {
	if m == nil {
		return
	}
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
}

// Purge drops every entry that is stale at now and returns how many were removed.
func (m *TTLMap[K, V]) Purge(now time.Time) int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, e := range m.items {
		if !e.FreshAt(now) {
			delete(m.items, k)
			n++
		}
	}
	return n
}

func (m *TTLMap[K, V]) Len() int {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

func (m *TTLMap[K, V]) Entries() map[K]Entry[V] {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[K]Entry[V], len(m.items))
	for k, e := range m.items {
		out[k] = e
	}
	return out
}

// Restore replaces the map contents with entries, typically read back from disk.
func (m *TTLMap[K, V]) Restore(entries map[K]Entry[V]) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[K]Entry[V], len(entries))
	for k, e := range entries {
		m.items[k] = e
	}
}
