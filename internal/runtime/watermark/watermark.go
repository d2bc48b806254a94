package watermark

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/l0p7/listingkit/internal/runtime/cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrInvalidAsset reports an upload whose sniffed type is not an image or video.
	ErrInvalidAsset = errors.New("watermark: unsupported asset type")
	// ErrInvalidParams reports watermark parameters outside their allowed ranges.
	ErrInvalidParams = errors.New("watermark: invalid parameters")
	// ErrComputeTimeout reports a render that did not finish within the timeout.
	ErrComputeTimeout = errors.New("watermark: render timed out")
	// ErrUpstreamRender reports a failure inside the render transform.
	ErrUpstreamRender = errors.New("watermark: render failed")
)

const (
	DefaultTimeout = 10 * time.Second
	MaxTextLength  = 100
)

type Position string

const (
	TopLeft     Position = "top-left"
	TopRight    Position = "top-right"
	BottomLeft  Position = "bottom-left"
	BottomRight Position = "bottom-right"
	Center      Position = "center"
)

var positions = []Position{TopLeft, TopRight, BottomLeft, BottomRight, Center}

// ParsePosition accepts the canonical names case-insensitively.
func ParsePosition(raw string) (Position, error) {
	candidate := Position(strings.ToLower(strings.TrimSpace(raw)))
	for _, p := range positions {
		if p == candidate {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: position %q", ErrInvalidParams, raw)
}

// Kind is the broad media family of an asset.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// Params is what the render transform receives alongside the asset bytes.
type Params struct {
	Text     string
	Position Position
	Opacity  float64
	MIMEType string
}

// Renderer is the opaque render transform.
type Renderer interface {
	RenderImage(ctx context.Context, data []byte, params Params) ([]byte, error)
	RenderVideo(ctx context.Context, data []byte, params Params) ([]byte, error)
}

// Cache is the binary cache surface the service needs. cache.Service satisfies it.
type Cache interface {
	GetBinary(ctx context.Context, key string) ([]byte, bool)
	SetBinary(ctx context.Context, key string, b []byte, ttl time.Duration)
}

// Observer receives render instrumentation. metrics.Recorder satisfies it.
type Observer interface {
	ObserveRender(kind, outcome string, duration time.Duration)
}

type Request struct {
	File     []byte
	Text     string
	Position Position
	Opacity  float64
}

type Result struct {
	Data      []byte
	MIMEType  string
	FromCache bool
	// Shared is true when the bytes came from a render started by another request.
	Shared bool
}

// Sniff returns the detected MIME type of data without parameters.
func Sniff(data []byte) string {
	detected := mimetype.Detect(data).String()
	if idx := strings.IndexByte(detected, ';'); idx >= 0 {
		detected = detected[:idx]
	}
	return strings.TrimSpace(detected)
}

// Classify maps a MIME type to its media kind.
func Classify(mimeType string) (Kind, error) {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return KindImage, nil
	case strings.HasPrefix(mimeType, "video/"):
		return KindVideo, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrInvalidAsset, mimeType)
	}
}

type Options struct {
	Cache    Cache
	Renderer Renderer
	Timeout  time.Duration
	TTL      time.Duration
	Observer Observer
}

// flight tracks the callers waiting on one render so the render is cancelled
// once nobody is left to receive it.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// Service caches rendered watermarks by content hash and parameters. Identical
// concurrent requests share a single render.
type Service struct {
	cache    Cache
	renderer Renderer
	timeout  time.Duration
	ttl      time.Duration
	observer Observer
	logger   *slog.Logger
	tracer   trace.Tracer

	group   singleflight.Group
	mu      sync.Mutex
	flights map[string]*flight
}

func NewService(logger *slog.Logger, opts Options) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Service{
		cache:    opts.Cache,
		renderer: opts.Renderer,
		timeout:  opts.Timeout,
		ttl:      opts.TTL,
		observer: opts.Observer,
		logger:   logger.With(slog.String("agent", "watermark")),
		tracer:   otel.Tracer("github.com/l0p7/listingkit/internal/runtime/watermark"),
		flights:  make(map[string]*flight),
	}
}

// Apply returns the watermarked asset, rendering it on a cache miss.
func (s *Service) Apply(ctx context.Context, req Request) (Result, error) {
	if len(req.File) == 0 {
		return Result{}, fmt.Errorf("%w: empty upload", ErrInvalidAsset)
	}
	mimeType := Sniff(req.File)
	kind, err := Classify(mimeType)
	if err != nil {
		return Result{}, err
	}
	if err := validateParams(req); err != nil {
		return Result{}, err
	}

	key := cache.WatermarkKey(cache.ContentHash(req.File), req.Text, string(req.Position), req.Opacity)
	if data, ok := s.cache.GetBinary(ctx, key); ok {
		return Result{Data: data, MIMEType: mimeType, FromCache: true}, nil
	}

	params := Params{Text: req.Text, Position: req.Position, Opacity: req.Opacity, MIMEType: mimeType}
	f, ch := s.join(key, func(renderCtx context.Context) (any, error) {
		return s.render(renderCtx, kind, key, req.File, params)
	})
	defer s.leave(key, f)

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Result{}, res.Err
		}
		return Result{Data: res.Val.([]byte), MIMEType: mimeType, Shared: res.Shared}, nil
	}
}

func (s *Service) render(ctx context.Context, kind Kind, key string, data []byte, params Params) ([]byte, error) {
	ctx, span := s.tracer.Start(ctx, "watermark.render",
		trace.WithAttributes(
			attribute.String("watermark.kind", string(kind)),
			attribute.String("watermark.mime", params.MIMEType),
			attribute.Int("watermark.input_bytes", len(data)),
		),
	)
	defer span.End()

	start := time.Now()
	var out []byte
	var err error
	switch kind {
	case KindVideo:
		out, err = s.renderer.RenderVideo(ctx, data, params)
	default:
		out, err = s.renderer.RenderImage(ctx, data, params)
	}
	elapsed := time.Since(start)

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		err = fmt.Errorf("%w after %s", ErrComputeTimeout, s.timeout)
	case ctx.Err() != nil:
		err = fmt.Errorf("watermark: render abandoned: %w", ctx.Err())
	case err != nil:
		err = fmt.Errorf("%w: %v", ErrUpstreamRender, err)
	case len(out) == 0:
		err = fmt.Errorf("%w: empty output", ErrUpstreamRender)
	}
	if err != nil {
		s.observe(kind, outcomeFor(err), elapsed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("watermark render failed",
			slog.String("kind", string(kind)),
			slog.Duration("elapsed", elapsed),
			slog.Any("error", err),
		)
		return nil, err
	}

	s.observe(kind, "rendered", elapsed)
	s.logger.Debug("watermark rendered",
		slog.String("kind", string(kind)),
		slog.String("input", humanize.IBytes(uint64(len(data)))),
		slog.String("output", humanize.IBytes(uint64(len(out)))),
		slog.Duration("elapsed", elapsed),
	)
	// The cache write must not inherit the render deadline.
	s.cache.SetBinary(context.WithoutCancel(ctx), key, out, s.ttl)
	return out, nil
}

// join registers a waiter and attaches it to the render for key, starting one
// if none is running.
func (s *Service) join(key string, fn func(context.Context) (any, error)) (*flight, <-chan singleflight.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flights[key]
	if !ok {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		f = &flight{ctx: ctx, cancel: cancel}
		s.flights[key] = f
	}
	f.waiters++
	ch := s.group.DoChan(key, func() (any, error) {
		defer s.retire(key, f)
		return fn(f.ctx)
	})
	return f, ch
}

// retire detaches a finished flight so a caller arriving before the previous
// waiters have left starts a fresh render with its own deadline.
func (s *Service) retire(key string, f *flight) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flights[key] == f {
		delete(s.flights, key)
		s.group.Forget(key)
	}
}

// leave releases a waiter. The last waiter out cancels the render and makes
// the key available for a fresh one.
func (s *Service) leave(key string, f *flight) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if s.flights[key] == f {
		delete(s.flights, key)
		s.group.Forget(key)
	}
}

func (s *Service) observe(kind Kind, outcome string, elapsed time.Duration) {
	if s.observer == nil {
		return
	}
	s.observer.ObserveRender(string(kind), outcome, elapsed)
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, ErrComputeTimeout):
		return "timeout"
	case errors.Is(err, ErrUpstreamRender):
		return "error"
	default:
		return "abandoned"
	}
}

func validateParams(req Request) error {
	if _, err := ParsePosition(string(req.Position)); err != nil {
		return err
	}
	if n := len([]rune(req.Text)); n == 0 || n > MaxTextLength {
		return fmt.Errorf("%w: text must be 1..%d characters", ErrInvalidParams, MaxTextLength)
	}
	if req.Opacity < 0 || req.Opacity > 1 {
		return fmt.Errorf("%w: opacity %v outside 0..1", ErrInvalidParams, req.Opacity)
	}
	return nil
}
