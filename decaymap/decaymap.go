package decaymap

import (
	"container/heap"
	"sync"
	"time"
)

func Zilch[T any]() T {
	var zero T
	return zero
}

// Impl is a lazy key->value map with per-entry expiry. Expired values are
// invisible to readers immediately and are pruned by Cleanup, which walks a
// min-heap of expiry times instead of scanning the whole map.
type Impl[K comparable, V any] struct {
	data   map[K]decayMapEntry[V]
	expiry expiryHeap[K]
	lock   sync.RWMutex
	now    func() time.Time
}

type decayMapEntry[V any] struct {
	Value  V
	expiry time.Time
}

// New creates a new DecayMap of key type K and value type V.
//
// Key types must be comparable to work with maps.
func New[K comparable, V any]() *Impl[K, V] {
	return &Impl[K, V]{
		data: make(map[K]decayMapEntry[V]),
		now:  time.Now,
	}
}

// Delete a value from the DecayMap by key.
//
// If the value does not exist or has already expired, return false.
func (m *Impl[K, V]) Delete(key K) bool {
	m.lock.Lock()
	defer m.lock.Unlock()

	entry, ok := m.data[key]
	if !ok {
		return false
	}
	delete(m.data, key)

	return m.now().Before(entry.expiry)
}

// Get gets a value from the DecayMap by key.
func (m *Impl[K, V]) Get(key K) (V, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	value, ok := m.data[key]
	if !ok || !m.now().Before(value.expiry) {
		return Zilch[V](), false
	}

	return value.Value, true
}

// Set sets a key value pair in the map.
func (m *Impl[K, V]) Set(key K, value V, ttl time.Duration) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.setLocked(key, value, ttl)
}

// SetIfAbsent stores value under key only if no live value exists for key. It
// reports whether the value was stored. The check and the write happen under
// one lock, so concurrent callers racing on the same key see exactly one
// success.
func (m *Impl[K, V]) SetIfAbsent(key K, value V, ttl time.Duration) bool {
	m.lock.Lock()
	defer m.lock.Unlock()

	if entry, ok := m.data[key]; ok && m.now().Before(entry.expiry) {
		return false
	}

	m.setLocked(key, value, ttl)
	return true
}

func (m *Impl[K, V]) setLocked(key K, value V, ttl time.Duration) {
	expiry := m.now().Add(ttl)
	m.data[key] = decayMapEntry[V]{
		Value:  value,
		expiry: expiry,
	}
	heap.Push(&m.expiry, expiryItem[K]{key: key, expiry: expiry})
}

// Cleanup removes all expired entries from the DecayMap.
func (m *Impl[K, V]) Cleanup() {
	m.lock.Lock()
	defer m.lock.Unlock()

	now := m.now()
	for m.expiry.Len() > 0 {
		next := m.expiry[0]
		if now.Before(next.expiry) {
			return
		}
		heap.Pop(&m.expiry)

		// The heap may hold stale items for keys that were re-set or deleted.
		if entry, ok := m.data[next.key]; ok && entry.expiry.Equal(next.expiry) {
			delete(m.data, next.key)
		}
	}
}

// Len returns the number of entries in the DecayMap, including expired entries
// that have not been cleaned up yet.
func (m *Impl[K, V]) Len() int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return len(m.data)
}

type expiryItem[K comparable] struct {
	key    K
	expiry time.Time
}

type expiryHeap[K comparable] []expiryItem[K]

func (h expiryHeap[K]) Len() int           { return len(h) }
func (h expiryHeap[K]) Less(i, j int) bool { return h[i].expiry.Before(h[j].expiry) }
func (h expiryHeap[K]) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *expiryHeap[K]) Push(x any) { *h = append(*h, x.(expiryItem[K])) }

func (h *expiryHeap[K]) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
