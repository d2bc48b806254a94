package cache

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	TierExternal = "external"
	TierMemory   = "memory"

	defaultReadTimeout = 2 * time.Second
	probeTTL           = 10 * time.Second
	probePrefix        = "health:probe:"
)

// External is the networked tier as seen by Service.
type External interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	State() State
	LastError() string
	ReportError(err error)
	Close() error
}

// Observer receives cache instrumentation. metrics.Recorder satisfies it.
type Observer interface {
	ObserveCacheOperation(tier, operation, result string, duration time.Duration)
	ObserveCacheTier(tier string)
}

// StoreStatus is the diagnostic view of the active tier.
type StoreStatus struct {
	Using string        `json:"using"`
	Error string        `json:"error,omitempty"`
	State string        `json:"externalState"`
	Store VolatileStats `json:"memory"`
}

type Options struct {
	External    External
	Memory      *VolatileStore
	DefaultTTL  time.Duration
	ReadTimeout time.Duration
	Observer    Observer
}

// Service is the single entry point for cached reads and writes. It selects
// the tier on every call and never surfaces cache faults to callers: a miss and
// an outage both read as "not cached".
type Service struct {
	external    External
	memory      *VolatileStore
	defaultTTL  time.Duration
	readTimeout time.Duration
	observer    Observer
	logger      *slog.Logger
	tracer      trace.Tracer

	tierMu   sync.Mutex
	lastTier string
}

// NewService composes the tiers. A nil External behaves as an unconfigured one.
func NewService(logger *slog.Logger, opts Options) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Memory == nil {
		opts.Memory = NewVolatile(VolatileConfig{}, logger)
	}
	if opts.External == nil {
		external, _ := NewExternal(ExternalConfig{}, logger)
		opts.External = external
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
	return &Service{
		external:    opts.External,
		memory:      opts.Memory,
		defaultTTL:  opts.DefaultTTL,
		readTimeout: opts.ReadTimeout,
		observer:    opts.Observer,
		logger:      logger.With(slog.String("agent", "cache_service")),
		tracer:      otel.Tracer("github.com/l0p7/listingkit/internal/runtime/cache"),
	}
}

// GetJSON decodes the cached JSON document for key into dst.
func (s *Service) GetJSON(ctx context.Context, key string, dst any) bool {
	payload, ok := s.get(ctx, key)
	if !ok {
		return false
	}
	if err := payload.Unmarshal(dst); err != nil {
		s.logger.Warn("cached json payload unusable", slog.String("key", key), slog.Any("error", err))
		return false
	}
	return true
}

// SetJSON caches v as JSON. A non-positive ttl uses the default.
func (s *Service) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) {
	payload, err := JSONPayload(v)
	if err != nil {
		s.logger.Warn("cache write skipped", slog.String("key", key), slog.Any("error", err))
		return
	}
	s.set(ctx, key, payload, ttl)
}

// GetBinary returns the cached bytes for key.
func (s *Service) GetBinary(ctx context.Context, key string) ([]byte, bool) {
	payload, ok := s.get(ctx, key)
	if !ok {
		return nil, false
	}
	data, err := payload.Bytes()
	if err != nil {
		s.logger.Warn("cached binary payload unusable", slog.String("key", key), slog.Any("error", err))
		return nil, false
	}
	return data, true
}

// SetBinary caches the complete buffer b.
func (s *Service) SetBinary(ctx context.Context, key string, b []byte, ttl time.Duration) {
	s.set(ctx, key, BinaryPayload(b), ttl)
}

// Delete removes key from the active external tier and from memory.
func (s *Service) Delete(ctx context.Context, key string) {
	if s.useExternal() {
		deleteCtx, cancel := context.WithTimeout(ctx, s.readTimeout)
		err := s.external.Delete(deleteCtx, key)
		cancel()
		if err != nil && ctx.Err() == nil {
			s.external.ReportError(err)
		}
	}
	s.memory.Delete(key)
}

// HealthCheck round-trips a short-lived probe through the normal tier
// selection. It is meant for monitoring, not the request path.
func (s *Service) HealthCheck(ctx context.Context) bool {
	key := probePrefix + uuid.NewString()
	want := []byte(key)
	s.SetBinary(ctx, key, want, probeTTL)
	got, ok := s.GetBinary(ctx, key)
	s.Delete(ctx, key)
	return ok && bytes.Equal(got, want)
}

// Status reports which tier would serve the next call.
func (s *Service) Status() StoreStatus {
	status := StoreStatus{
		Using: TierMemory,
		Error: s.external.LastError(),
		State: s.external.State().String(),
		Store: s.memory.Stats(),
	}
	if s.useExternal() {
		status.Using = TierExternal
	}
	return status
}

// Close tears down both tiers.
func (s *Service) Close(context.Context) error {
	s.memory.Close()
	return s.external.Close()
}

func (s *Service) useExternal() bool {
	return s.external.State() != StateDegraded
}

func (s *Service) get(ctx context.Context, key string) (Payload, bool) {
	ctx, span := s.tracer.Start(ctx, "cache.get")
	defer span.End()

	if s.useExternal() {
		s.noteTier(TierExternal)
		start := time.Now()
		readCtx, cancel := context.WithTimeout(ctx, s.readTimeout)
		raw, err := s.external.Get(readCtx, key)
		cancel()
		switch {
		case err == nil:
			payload, decodeErr := DecodePayload(raw)
			if decodeErr != nil {
				s.logger.Warn("external cache value undecodable", slog.String("key", key), slog.Any("error", decodeErr))
				s.observe(TierExternal, "get", "miss", start)
				span.SetAttributes(attribute.String("cache.tier", TierExternal), attribute.Bool("cache.hit", false))
				return Payload{}, false
			}
			s.observe(TierExternal, "get", "hit", start)
			span.SetAttributes(attribute.String("cache.tier", TierExternal), attribute.Bool("cache.hit", true))
			return payload, true
		case errors.Is(err, ErrMiss):
			s.observe(TierExternal, "get", "miss", start)
			span.SetAttributes(attribute.String("cache.tier", TierExternal), attribute.Bool("cache.hit", false))
			return Payload{}, false
		case ctx.Err() != nil:
			// The caller went away; the external tier is not to blame.
			s.observe(TierExternal, "get", "canceled", start)
			return Payload{}, false
		default:
			s.observe(TierExternal, "get", "error", start)
			span.RecordError(err)
			s.external.ReportError(err)
		}
	}

	s.noteTier(TierMemory)
	start := time.Now()
	payload, ok := s.memory.Get(key)
	result := "miss"
	if ok {
		result = "hit"
	}
	s.observe(TierMemory, "get", result, start)
	span.SetAttributes(attribute.String("cache.tier", TierMemory), attribute.Bool("cache.hit", ok))
	return payload, ok
}

func (s *Service) set(ctx context.Context, key string, payload Payload, ttl time.Duration) {
	ctx, span := s.tracer.Start(ctx, "cache.set")
	defer span.End()
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	if s.useExternal() {
		s.noteTier(TierExternal)
		start := time.Now()
		writeCtx, cancel := context.WithTimeout(ctx, s.readTimeout)
		err := s.external.Set(writeCtx, key, payload.Encode(), ttl)
		cancel()
		if err == nil {
			s.observe(TierExternal, "set", "stored", start)
			span.SetAttributes(attribute.String("cache.tier", TierExternal))
			return
		}
		if ctx.Err() != nil {
			s.observe(TierExternal, "set", "canceled", start)
			return
		}
		s.observe(TierExternal, "set", "error", start)
		span.RecordError(err)
		s.external.ReportError(err)
	}

	s.noteTier(TierMemory)
	start := time.Now()
	span.SetAttributes(attribute.String("cache.tier", TierMemory))
	if err := s.memory.Set(key, payload, ttl); err != nil {
		s.observe(TierMemory, "set", "skipped", start)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("cache write skipped", slog.String("key", key), slog.Any("error", err))
		return
	}
	s.observe(TierMemory, "set", "stored", start)
}

// noteTier logs only when the serving tier changes, so an outage produces one
// line instead of one per request.
func (s *Service) noteTier(tier string) {
	s.tierMu.Lock()
	prev := s.lastTier
	s.lastTier = tier
	s.tierMu.Unlock()
	if prev == tier {
		return
	}
	if s.observer != nil {
		s.observer.ObserveCacheTier(tier)
	}
	if prev == "" {
		s.logger.Info("cache tier selected", slog.String("tier", tier))
		return
	}
	if tier == TierMemory {
		s.logger.Warn("cache tier switched to memory fallback",
			slog.String("from", prev),
			slog.String("error", s.external.LastError()),
		)
		return
	}
	s.logger.Info("cache tier restored", slog.String("from", prev), slog.String("tier", tier))
}

func (s *Service) observe(tier, operation, result string, start time.Time) {
	if s.observer == nil {
		return
	}
	s.observer.ObserveCacheOperation(tier, operation, result, time.Since(start))
}
