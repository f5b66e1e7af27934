package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoundedSetAndGet(t *testing.T) {
	store, err := NewBounded(100, time.Minute)
	require.NoError(t, err)

	data, err := store.Get(Key("missing"), time.Minute)
	require.NoError(t, err)
	assert.Nil(t, data)

	require.NoError(t, store.Set(Key("k1"), []byte("v1")))
	require.Eventually(t, func() bool {
		data, _ := store.Get(Key("k1"), time.Minute)
		return string(data) == "v1"
	}, time.Second, 10*time.Millisecond)
}

func TestBoundedFreshness(t *testing.T) {
	store, err := NewBounded(100, time.Hour)
	require.NoError(t, err)
	clock := newFakeClock()
	store.now = clock.Now

	require.NoError(t, store.Set(Key("k"), []byte("v")))
	clock.Advance(5 * time.Second)

	require.Eventually(t, func() bool {
		data, _ := store.Get(Key("k"), 10*time.Second)
		return string(data) == "v"
	}, time.Second, 10*time.Millisecond)

	data, err := store.Get(Key("k"), 2*time.Second)
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestBoundedOverwriteResetsWriteTime(t *testing.T) {
	store, err := NewBounded(100, time.Hour)
	require.NoError(t, err)
	clock := newFakeClock()
	store.now = clock.Now

	require.NoError(t, store.Set(Key("K"), []byte("V1")))
	clock.Advance(3 * time.Second)
	require.NoError(t, store.Set(Key("K"), []byte("V2")))
	clock.Advance(8 * time.Second)

	require.Eventually(t, func() bool {
		data, _ := store.Get(Key("K"), 10*time.Second)
		return string(data) == "V2"
	}, time.Second, 10*time.Millisecond)
}

func TestBoundedClear(t *testing.T) {
	store, err := NewBounded(100, 0)
	require.NoError(t, err)

	require.NoError(t, store.Set(Key("a"), []byte("1")))
	require.NoError(t, store.Clear())

	data, err := store.Get(Key("a"), time.Hour)
	require.NoError(t, err)
	assert.Nil(t, data)
}
