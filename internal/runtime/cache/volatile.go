package cache

import (
	"container/heap"
	"fmt"
	"log/slog"
	"sync"
	"time"

	humanize "github.com/dustin/go-humanize"
)

const (
	defaultVolatileMaxBytes = 64 << 20
	defaultSweepInterval    = 5 * time.Minute
)

// VolatileConfig bounds the in-process fallback store.
type VolatileConfig struct {
	// MaxBytes caps the aggregate size of keys plus encoded values.
	MaxBytes int64
	// SweepInterval controls the background expiry sweep. Negative disables it.
	SweepInterval time.Duration
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// VolatileStats summarizes the store for diagnostics.
type VolatileStats struct {
	Entries  int   `json:"entries"`
	Bytes    int64 `json:"bytes"`
	MaxBytes int64 `json:"maxBytes"`
}

// VolatileStore is a size-bounded in-process key/value store with per-entry
// expiry. When a write would exceed the budget the entries closest to expiry
// are evicted first.
type VolatileStore struct {
	maxBytes int64
	now      func() time.Time
	logger   *slog.Logger

	mu       sync.Mutex
	entries  map[string]*volatileEntry
	expiries expiryHeap
	size     int64
	seq      uint64

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type volatileEntry struct {
	key       string
	value     string
	size      int64
	expiresAt time.Time
	seq       uint64
	index     int
}

// NewVolatile constructs the store and starts its sweep loop.
func NewVolatile(cfg VolatileConfig, logger *slog.Logger) *VolatileStore {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultVolatileMaxBytes
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &VolatileStore{
		maxBytes: cfg.MaxBytes,
		now:      cfg.Now,
		logger:   logger.With(slog.String("agent", "volatile_store")),
		entries:  make(map[string]*volatileEntry),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if cfg.SweepInterval > 0 {
		go s.sweepLoop(cfg.SweepInterval)
	} else {
		close(s.done)
	}
	return s
}

// Set stores payload under key for ttl. An entry that alone exceeds the whole
// budget is rejected with ErrEntryTooLarge and nothing is modified.
func (s *VolatileStore) Set(key string, payload Payload, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	value := payload.Encode()
	size := int64(len(key) + len(value))
	if size > s.maxBytes {
		return fmt.Errorf("%w: key %q needs %s, budget %s", ErrEntryTooLarge, key,
			humanize.IBytes(uint64(size)), humanize.IBytes(uint64(s.maxBytes)))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[key]; ok {
		s.removeLocked(existing)
	}
	evicted := 0
	for s.size+size > s.maxBytes && s.expiries.Len() > 0 {
		s.removeLocked(s.expiries[0])
		evicted++
	}
	if evicted > 0 {
		s.logger.Debug("volatile store evicted entries",
			slog.Int("evicted", evicted),
			slog.String("used", humanize.IBytes(uint64(s.size))),
		)
	}

	s.seq++
	entry := &volatileEntry{
		key:       key,
		value:     value,
		size:      size,
		expiresAt: s.now().Add(ttl),
		seq:       s.seq,
	}
	heap.Push(&s.expiries, entry)
	s.entries[key] = entry
	s.size += size
	return nil
}

// Get returns the payload for key. Expired entries are dropped on read and
// reported as a miss.
func (s *VolatileStore) Get(key string) (Payload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return Payload{}, false
	}
	if !s.now().Before(entry.expiresAt) {
		s.removeLocked(entry)
		return Payload{}, false
	}
	payload, err := DecodePayload(entry.value)
	if err != nil {
		s.removeLocked(entry)
		s.logger.Warn("volatile store dropped undecodable entry", slog.String("key", key), slog.Any("error", err))
		return Payload{}, false
	}
	return payload, true
}

// Delete removes key if present.
func (s *VolatileStore) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[key]; ok {
		s.removeLocked(entry)
	}
}

// Sweep evicts every expired entry and returns how many were removed.
func (s *VolatileStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for s.expiries.Len() > 0 && !now.Before(s.expiries[0].expiresAt) {
		s.removeLocked(s.expiries[0])
		removed++
	}
	return removed
}

// Stats reports the current occupancy.
func (s *VolatileStore) Stats() VolatileStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return VolatileStats{Entries: len(s.entries), Bytes: s.size, MaxBytes: s.maxBytes}
}

// Close stops the sweep loop.
func (s *VolatileStore) Close() {
	s.closeOnce.Do(func() {
		close(s.stop)
	})
	<-s.done
}

func (s *VolatileStore) sweepLoop(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if removed := s.Sweep(); removed > 0 {
				s.logger.Debug("volatile store sweep", slog.Int("expired", removed))
			}
		}
	}
}

func (s *VolatileStore) removeLocked(entry *volatileEntry) {
	heap.Remove(&s.expiries, entry.index)
	delete(s.entries, entry.key)
	s.size -= entry.size
}

// expiryHeap orders entries by expiry, then by insertion so equal expiries
// evict oldest first.
type expiryHeap []*volatileEntry

func (h expiryHeap) Len() int { return len(h) }

func (h expiryHeap) Less(i, j int) bool {
	if h[i].expiresAt.Equal(h[j].expiresAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].expiresAt.Before(h[j].expiresAt)
}

func (h expiryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *expiryHeap) Push(x any) {
	entry := x.(*volatileEntry)
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*h = old[:n-1]
	return entry
}
