package nonce

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	defaultCapacity = 1 << 16
	maxCapacity     = 1 << 20
)

// MemoryStore is an in-process Store. It is only safe as the replay guard of a
// single gateway instance.
//
// Nonces are recorded before credentials are looked up, so unauthenticated
// callers can occupy entries. Run it behind the rate limiter, and use
// LimitPerKey to stop one key identifier from filling the store.
type MemoryStore struct {
	ttl      time.Duration
	capacity int
	perKey   int
	nowFn    func() time.Time

	mu      sync.Mutex
	entries map[string]*list.Element
	perID   map[string]int
	order   *list.List
}

type memoryEntry struct {
	key string
	id  string
	ts  time.Time
}

// NewMemoryStore builds a store that forgets entries after ttl and holds at
// most capacity unexpired entries.
func NewMemoryStore(ttl time.Duration, capacity int, nowFn func() time.Time) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if capacity > maxCapacity {
		capacity = maxCapacity
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &MemoryStore{
		ttl:      ttl,
		capacity: capacity,
		nowFn:    nowFn,
		entries:  make(map[string]*list.Element),
		perID:    make(map[string]int),
		order:    list.New(),
	}
}

// LimitPerKey caps the live entries a single key identifier may hold. Zero
// leaves only the store-wide capacity.
func (m *MemoryStore) LimitPerKey(n int) *MemoryStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n < 0 {
		n = 0
	}
	m.perKey = n
	return m
}

// Check implements Store.
func (m *MemoryStore) Check(ctx context.Context, keyIdentifier, nonce string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key := Key(keyIdentifier, nonce)
	now := m.nowFn()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictExpired(now.Add(-m.ttl))
	if _, exists := m.entries[key]; exists {
		return false, nil
	}
	// Evicting a live entry would reopen its replay window.
	if m.order.Len() >= m.capacity {
		return false, fmt.Errorf("%w: memory store full (%d entries)", ErrUnavailable, m.capacity)
	}
	if m.perKey > 0 && m.perID[keyIdentifier] >= m.perKey {
		return false, fmt.Errorf("%w: key identifier %q holds %d live nonces", ErrUnavailable, keyIdentifier, m.perKey)
	}
	elem := m.order.PushBack(memoryEntry{key: key, id: keyIdentifier, ts: now})
	m.entries[key] = elem
	m.perID[keyIdentifier]++
	return true, nil
}

// Len reports the number of live entries.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

func (m *MemoryStore) evictExpired(cutoff time.Time) {
	for {
		front := m.order.Front()
		if front == nil {
			return
		}
		entry := front.Value.(memoryEntry)
		if !entry.ts.Before(cutoff) {
			return
		}
		m.order.Remove(front)
		delete(m.entries, entry.key)
		if m.perID[entry.id] <= 1 {
			delete(m.perID, entry.id)
		} else {
			m.perID[entry.id]--
		}
	}
}
