// Handles storage of fetched upstream responses
package cache

import (
	"encoding/hex"
	"time"
)

// Key identifies a stored value. Equality is byte-exact.
type Key []byte

func (k Key) String() string {
	return hex.EncodeToString(k)
}

// Store is a key/value store whose freshness is decided at read time
type Store interface {
	// retrieves the value for key if it was written within the last freshness.
	// returns nil, nil when not found or not fresh enough
	Get(key Key, freshness time.Duration) ([]byte, error)
	// stores value under key, replacing any previous value and its write time
	Set(key Key, value []byte) error
	// removes every stored value
	Clear() error
	// initializes the store (e.g., creates necessary directories)
	Init() error
	// returns the number of values currently held
	Len() int
}
