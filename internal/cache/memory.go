package cache

import (
	"container/list"
	"sync"
	"time"
)

type memoryEntry struct {
	key     string
	value   []byte
	written time.Time
	// position of this key in Memory.order; there is exactly one per key
	elem *list.Element
}

// DefaultRetention is how long Memory keeps an entry when no retention is set
const DefaultRetention = 10 * time.Minute

// Memory is the in-process store. Entries live in a map and, at the same
// time, in a list ordered by write time (oldest first). Rewriting a key moves
// its single list element to the back, so an expiry sweep driven by an older
// write can never remove the newer value.
//
// The sweep only drops entries older than the store's retention. Whether an
// entry is fresh enough for one read is checked against its own write time.
type Memory struct {
	mu        sync.Mutex
	entries   map[string]*memoryEntry
	order     *list.List
	now       func() time.Time
	retention time.Duration
}

// MemoryOption configures a Memory store
type MemoryOption func(*Memory)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// WithRetention sets how long entries are kept at all. Reads asking for a
// longer window than this see at most retention-old values.
func WithRetention(retention time.Duration) MemoryOption {
	return func(m *Memory) {
		if retention > 0 {
			m.retention = retention
		}
	}
}

// NewMemory creates an empty in-memory store
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		entries:   make(map[string]*memoryEntry),
		order:     list.New(),
		now:       time.Now,
		retention: DefaultRetention,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns the value for key if it was written within freshness.
// Entries past retention are swept from the front of the index first.
func (m *Memory) Get(key Key, freshness time.Duration) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cutoff := now.Add(-m.retention)
	for front := m.order.Front(); front != nil; front = m.order.Front() {
		e := front.Value.(*memoryEntry)
		if !e.written.Before(cutoff) {
			break
		}
		m.order.Remove(front)
		delete(m.entries, e.key)
	}

	e, ok := m.entries[string(key)]
	if !ok || now.Sub(e.written) > freshness {
		return nil, nil
	}
	return e.value, nil
}

// Set stores value under key and records the write as now
func (m *Memory) Set(key Key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// read under the lock so the index stays in write order
	now := m.now()

	if e, ok := m.entries[string(key)]; ok {
		e.value = value
		e.written = now
		m.order.MoveToBack(e.elem)
		return nil
	}

	e := &memoryEntry{
		key:     string(key),
		value:   value,
		written: now,
	}
	e.elem = m.order.PushBack(e)
	m.entries[e.key] = e
	return nil
}

// Clear removes all entries
func (m *Memory) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = make(map[string]*memoryEntry)
	m.order.Init()
	return nil
}

func (m *Memory) Init() error {
	return nil
}

// Len returns the number of entries, including ones not yet swept
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
