package cache

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestVolatile(t *testing.T, maxBytes int64, clock *fakeClock) *VolatileStore {
	t.Helper()
	store := NewVolatile(VolatileConfig{MaxBytes: maxBytes, SweepInterval: -1, Now: clock.Now}, nil)
	t.Cleanup(store.Close)
	return store
}

func TestVolatileStoreRoundTrip(t *testing.T) {
	store := newTestVolatile(t, 1<<20, newFakeClock())

	payload, err := JSONPayload(map[string]any{"tags": []string{"story book"}})
	require.NoError(t, err)
	require.NoError(t, store.Set("tags:abc", payload, time.Minute))

	got, ok := store.Get("tags:abc")
	require.True(t, ok)
	var decoded map[string][]string
	require.NoError(t, got.Unmarshal(&decoded))
	require.Equal(t, []string{"story book"}, decoded["tags"])

	store.Delete("tags:abc")
	_, ok = store.Get("tags:abc")
	require.False(t, ok)
	require.Equal(t, int64(0), store.Stats().Bytes)
}

func TestVolatileStoreExpiresOnRead(t *testing.T) {
	clock := newFakeClock()
	store := newTestVolatile(t, 1<<20, clock)

	require.NoError(t, store.Set("k", BinaryPayload([]byte("v")), time.Second))
	_, ok := store.Get("k")
	require.True(t, ok, "entry should be readable before expiry")

	clock.Advance(2 * time.Second)
	_, ok = store.Get("k")
	require.False(t, ok, "entry should expire")
	require.Equal(t, 0, store.Stats().Entries, "expired entry should be evicted on read")
}

func TestVolatileStoreSweepRemovesExpired(t *testing.T) {
	clock := newFakeClock()
	store := newTestVolatile(t, 1<<20, clock)

	require.NoError(t, store.Set("short", BinaryPayload([]byte("a")), time.Second))
	require.NoError(t, store.Set("long", BinaryPayload([]byte("b")), time.Hour))

	clock.Advance(time.Minute)
	require.Equal(t, 1, store.Sweep())
	stats := store.Stats()
	require.Equal(t, 1, stats.Entries)
	_, ok := store.Get("long")
	require.True(t, ok)
}

func TestVolatileStoreEvictsSoonestExpiry(t *testing.T) {
	clock := newFakeClock()
	entrySize := int64(len("key-00") + len(BinaryPayload([]byte("0123456789")).Encode()))
	budget := entrySize * 5
	store := newTestVolatile(t, budget, clock)

	// Later keys live longer, so key-00 is always the soonest to expire.
	for i := range 12 {
		key := fmt.Sprintf("key-%02d", i)
		require.NoError(t, store.Set(key, BinaryPayload([]byte("0123456789")), time.Duration(i+1)*time.Minute))
		require.LessOrEqual(t, store.Stats().Bytes, budget)
	}

	stats := store.Stats()
	require.Equal(t, 5, stats.Entries)
	require.LessOrEqual(t, stats.Bytes, budget)
	for i := range 7 {
		_, ok := store.Get(fmt.Sprintf("key-%02d", i))
		require.False(t, ok, "key-%02d should have been evicted", i)
	}
	for i := 7; i < 12; i++ {
		_, ok := store.Get(fmt.Sprintf("key-%02d", i))
		require.True(t, ok, "key-%02d should survive", i)
	}
}

func TestVolatileStoreEvictionPrefersShortTTLOverInsertionOrder(t *testing.T) {
	clock := newFakeClock()
	entrySize := int64(len("a") + len(BinaryPayload([]byte("xxxx")).Encode()))
	store := newTestVolatile(t, entrySize*2, clock)

	require.NoError(t, store.Set("a", BinaryPayload([]byte("xxxx")), time.Hour))
	require.NoError(t, store.Set("b", BinaryPayload([]byte("xxxx")), time.Minute))
	require.NoError(t, store.Set("c", BinaryPayload([]byte("xxxx")), time.Hour))

	_, ok := store.Get("b")
	require.False(t, ok, "b expires soonest and should be evicted")
	_, ok = store.Get("a")
	require.True(t, ok)
	_, ok = store.Get("c")
	require.True(t, ok)
}

func TestVolatileStoreRejectsOversizedEntry(t *testing.T) {
	store := newTestVolatile(t, 64, newFakeClock())
	require.NoError(t, store.Set("small", BinaryPayload([]byte("ok")), time.Minute))

	err := store.Set("huge", BinaryPayload(make([]byte, 128)), time.Minute)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrEntryTooLarge))

	_, ok := store.Get("huge")
	require.False(t, ok, "oversized entry must not be stored")
	_, ok = store.Get("small")
	require.True(t, ok, "existing entries must be untouched")
}

func TestVolatileStoreOverwriteReplacesSize(t *testing.T) {
	store := newTestVolatile(t, 1<<10, newFakeClock())
	require.NoError(t, store.Set("k", BinaryPayload(make([]byte, 100)), time.Minute))
	require.NoError(t, store.Set("k", BinaryPayload(make([]byte, 10)), time.Minute))

	stats := store.Stats()
	require.Equal(t, 1, stats.Entries)
	require.Equal(t, int64(len("k")+len(BinaryPayload(make([]byte, 10)).Encode())), stats.Bytes)
}

func TestVolatileStoreConcurrentAccess(t *testing.T) {
	store := newTestVolatile(t, 4<<10, newFakeClock())
	var wg sync.WaitGroup
	for worker := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 200 {
				key := fmt.Sprintf("w%d-%d", worker, i%20)
				_ = store.Set(key, BinaryPayload([]byte(key)), time.Minute)
				store.Get(key)
			}
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, store.Stats().Bytes, int64(4<<10))
}

func TestVolatileStoreSweepLoopStops(t *testing.T) {
	store := NewVolatile(VolatileConfig{MaxBytes: 1 << 10, SweepInterval: 5 * time.Millisecond}, nil)
	require.NoError(t, store.Set("k", BinaryPayload([]byte("v")), 10*time.Millisecond))
	require.Eventually(t, func() bool {
		return store.Stats().Entries == 0
	}, time.Second, 5*time.Millisecond)
	store.Close()
	store.Close()
}
