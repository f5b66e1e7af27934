package cache

import (
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"
)

// boundedEntry wraps a stored value with its write time.
type boundedEntry struct {
	value   []byte
	written time.Time
}

// Bounded is a size-bounded in-memory W-TinyLFU store backed by otter.
// Freshness is still checked per read against the entry's own write time;
// retention only bounds how long otter keeps an entry around at all.
type Bounded struct {
	cache *otter.Cache[string, boundedEntry]
	now   func() time.Time
}

// NewBounded creates a store holding at most maxEntries values. Entries older
// than retention are dropped by otter; 0 keeps them until evicted by size.
func NewBounded(maxEntries int, retention time.Duration) (*Bounded, error) {
	opts := &otter.Options[string, boundedEntry]{
		MaximumSize: maxEntries,
	}
	if retention > 0 {
		opts.ExpiryCalculator = otter.ExpiryWriting[string, boundedEntry](retention)
	}
	c, err := otter.New[string, boundedEntry](opts)
	if err != nil {
		return nil, fmt.Errorf("create bounded cache: %w", err)
	}
	return &Bounded{cache: c, now: time.Now}, nil
}

// Get returns the value if present and written within freshness.
func (b *Bounded) Get(key Key, freshness time.Duration) ([]byte, error) {
	e, ok := b.cache.GetIfPresent(string(key))
	if !ok {
		return nil, nil
	}
	if b.now().Sub(e.written) > freshness {
		return nil, nil
	}
	return e.value, nil
}

// Set replaces value and write time in one otter write.
func (b *Bounded) Set(key Key, value []byte) error {
	b.cache.Set(string(key), boundedEntry{
		value:   value,
		written: b.now(),
	})
	return nil
}

func (b *Bounded) Clear() error {
	b.cache.InvalidateAll()
	return nil
}

func (b *Bounded) Init() error {
	return nil
}

func (b *Bounded) Len() int {
	return b.cache.EstimatedSize()
}
