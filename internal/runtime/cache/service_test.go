package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type listing struct {
	Tags  []string `json:"tags"`
	Score int      `json:"score"`
}

// failingExternal reports Connected until an error is reported and fails every
// operation.
type failingExternal struct {
	mu       sync.Mutex
	state    State
	reported []error
}

func (f *failingExternal) Get(context.Context, string) (string, error) {
	return "", errors.New("connection refused")
}

func (f *failingExternal) Set(context.Context, string, string, time.Duration) error {
	return errors.New("connection refused")
}

func (f *failingExternal) Delete(context.Context, string) error {
	return errors.New("connection refused")
}

func (f *failingExternal) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *failingExternal) LastError() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reported) == 0 {
		return ""
	}
	return f.reported[len(f.reported)-1].Error()
}

func (f *failingExternal) ReportError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reported = append(f.reported, err)
	f.state = StateDegraded
}

func (f *failingExternal) Close() error { return nil }

type recordingObserver struct {
	mu    sync.Mutex
	ops   []string
	tiers []string
}

func (r *recordingObserver) ObserveCacheOperation(tier, operation, result string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, tier+"/"+operation+"/"+result)
}

func (r *recordingObserver) ObserveCacheTier(tier string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tiers = append(r.tiers, tier)
}

func newMemoryOnlyService(t *testing.T, clock *fakeClock, maxBytes int64) *Service {
	t.Helper()
	memory := NewVolatile(VolatileConfig{MaxBytes: maxBytes, SweepInterval: -1, Now: clock.Now}, nil)
	external, err := NewExternal(ExternalConfig{}, nil)
	require.NoError(t, err)
	svc := NewService(nil, Options{External: external, Memory: memory})
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc
}

func newExternalService(t *testing.T) (*Service, *ExternalCache) {
	t.Helper()
	server := startMiniredis(t)
	external := newConnectedExternal(t, server)
	svc := NewService(nil, Options{
		External:    external,
		Memory:      NewVolatile(VolatileConfig{SweepInterval: -1}, nil),
		ReadTimeout: 500 * time.Millisecond,
	})
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc, external
}

func TestServiceJSONRoundTripBothTiers(t *testing.T) {
	want := listing{Tags: []string{"story book", "personalized gift"}, Score: 9}

	t.Run("memory", func(t *testing.T) {
		svc := newMemoryOnlyService(t, newFakeClock(), 1<<20)
		ctx := context.Background()
		svc.SetJSON(ctx, "tags:k", want, time.Minute)

		var got listing
		require.True(t, svc.GetJSON(ctx, "tags:k", &got))
		require.Equal(t, want, got)
		require.Equal(t, TierMemory, svc.Status().Using)
	})

	t.Run("external", func(t *testing.T) {
		svc, _ := newExternalService(t)
		ctx := context.Background()
		svc.SetJSON(ctx, "tags:k", want, time.Minute)

		var got listing
		require.True(t, svc.GetJSON(ctx, "tags:k", &got))
		require.Equal(t, want, got)
		require.Equal(t, TierExternal, svc.Status().Using)
		require.Equal(t, 0, svc.Status().Store.Entries, "memory tier should stay empty while external serves")
	})
}

func TestServiceBinaryRoundTripIsExact(t *testing.T) {
	data := make([]byte, 256)
	for i := range data {
		data[i] = byte(i)
	}

	t.Run("memory", func(t *testing.T) {
		svc := newMemoryOnlyService(t, newFakeClock(), 1<<20)
		svc.SetBinary(context.Background(), "watermark:k", data, time.Minute)
		got, ok := svc.GetBinary(context.Background(), "watermark:k")
		require.True(t, ok)
		require.Equal(t, data, got)
	})

	t.Run("external", func(t *testing.T) {
		svc, _ := newExternalService(t)
		svc.SetBinary(context.Background(), "watermark:k", data, time.Minute)
		got, ok := svc.GetBinary(context.Background(), "watermark:k")
		require.True(t, ok)
		require.Equal(t, data, got)
	})
}

func TestServiceMissReturnsFalse(t *testing.T) {
	svc := newMemoryOnlyService(t, newFakeClock(), 1<<20)
	var got listing
	require.False(t, svc.GetJSON(context.Background(), "tags:absent", &got))
	_, ok := svc.GetBinary(context.Background(), "watermark:absent")
	require.False(t, ok)
}

func TestServiceExpiryOnMemoryTier(t *testing.T) {
	clock := newFakeClock()
	svc := newMemoryOnlyService(t, clock, 1<<20)
	ctx := context.Background()

	svc.SetJSON(ctx, "tags:k", listing{Score: 1}, time.Second)
	clock.Advance(2 * time.Second)

	var got listing
	require.False(t, svc.GetJSON(ctx, "tags:k", &got))
}

func TestServiceFallbackIsTransparent(t *testing.T) {
	external := &failingExternal{state: StateConnected}
	observer := &recordingObserver{}
	svc := NewService(nil, Options{
		External: external,
		Memory:   NewVolatile(VolatileConfig{SweepInterval: -1}, nil),
		Observer: observer,
	})
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	ctx := context.Background()

	svc.SetJSON(ctx, "tags:k", listing{Score: 4}, time.Minute)
	var got listing
	require.True(t, svc.GetJSON(ctx, "tags:k", &got), "write should have fallen through to memory")
	require.Equal(t, 4, got.Score)

	require.True(t, svc.HealthCheck(ctx))

	status := svc.Status()
	require.Equal(t, TierMemory, status.Using)
	require.Equal(t, "connection refused", status.Error)
	require.Equal(t, StateDegraded.String(), status.State)

	external.mu.Lock()
	reported := len(external.reported)
	external.mu.Unlock()
	require.Equal(t, 1, reported, "degraded tier should not be retried per call")

	observer.mu.Lock()
	defer observer.mu.Unlock()
	require.Equal(t, []string{TierExternal, TierMemory}, observer.tiers)
	require.Contains(t, observer.ops, "external/set/error")
	require.Contains(t, observer.ops, "memory/get/hit")
}

func TestServiceWithoutExternalUsesMemory(t *testing.T) {
	svc := NewService(nil, Options{})
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	status := svc.Status()
	require.Equal(t, TierMemory, status.Using)
	require.Equal(t, "degraded", status.State)
	require.Contains(t, status.Error, "not configured")
	require.True(t, svc.HealthCheck(context.Background()))
}

func TestServiceSwitchesTiersOnOutageAndRecovery(t *testing.T) {
	server := startMiniredis(t)
	external := newConnectedExternal(t, server)
	svc := NewService(nil, Options{
		External:    external,
		Memory:      NewVolatile(VolatileConfig{SweepInterval: -1}, nil),
		ReadTimeout: 300 * time.Millisecond,
	})
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	ctx := context.Background()

	svc.SetJSON(ctx, "tags:before", listing{Score: 1}, time.Minute)
	require.Equal(t, TierExternal, svc.Status().Using)

	server.Close()
	var got listing
	require.False(t, svc.GetJSON(ctx, "tags:before", &got), "outage reads as a miss")
	require.Equal(t, TierMemory, svc.Status().Using)

	svc.SetJSON(ctx, "tags:during", listing{Score: 2}, time.Minute)
	require.True(t, svc.GetJSON(ctx, "tags:during", &got))
	require.Equal(t, 2, got.Score)

	require.NoError(t, server.Restart())
	require.Equal(t, TierMemory, svc.Status().Using, "degraded stays latched until a connect succeeds")
	require.NoError(t, external.Connect(ctx))
	require.Equal(t, TierExternal, svc.Status().Using)

	require.True(t, svc.GetJSON(ctx, "tags:before", &got), "external data survives the outage")
	require.Equal(t, 1, got.Score)
	require.False(t, svc.GetJSON(ctx, "tags:during", &got), "memory entries are not replayed into the external tier")
}

func TestServiceOversizedWriteIsSkipped(t *testing.T) {
	svc := newMemoryOnlyService(t, newFakeClock(), 64)
	ctx := context.Background()

	require.NotPanics(t, func() {
		svc.SetBinary(ctx, "watermark:big", make([]byte, 1024), time.Minute)
	})
	_, ok := svc.GetBinary(ctx, "watermark:big")
	require.False(t, ok)
}

func TestServiceHealthCheckCleansUpProbe(t *testing.T) {
	server := startMiniredis(t)
	external := newConnectedExternal(t, server)
	svc := NewService(nil, Options{External: external, Memory: NewVolatile(VolatileConfig{SweepInterval: -1}, nil)})
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	require.True(t, svc.HealthCheck(context.Background()))
	require.Empty(t, server.Keys(), "probe key should be removed")
}

func TestServiceDeleteRemovesFromBothTiers(t *testing.T) {
	svc, _ := newExternalService(t)
	ctx := context.Background()
	svc.SetBinary(ctx, "watermark:k", []byte("v"), time.Minute)
	svc.Delete(ctx, "watermark:k")
	_, ok := svc.GetBinary(ctx, "watermark:k")
	require.False(t, ok)
}
