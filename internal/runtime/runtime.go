package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/l0p7/listingkit/internal/config"
	"github.com/l0p7/listingkit/internal/expr"
	"github.com/l0p7/listingkit/internal/metrics"
	"github.com/l0p7/listingkit/internal/runtime/cache"
	"github.com/l0p7/listingkit/internal/runtime/tags"
	"github.com/l0p7/listingkit/internal/runtime/watermark"
)

const (
	RouteTags        = "tags"
	RouteWatermark   = "watermark"
	RouteHealth      = "healthz"
	RouteCacheStatus = "health_cache"

	cacheHeader = "X-Cache"

	defaultMaxUpload   = 50 << 20
	multipartOverhead  = 1 << 20
	multipartMemory    = 8 << 20
	defaultOpacity     = 0.5
	defaultCorrelation = "X-Request-ID"
)

// Cache is the cache surface the pipeline needs. cache.Service satisfies it.
type Cache interface {
	GetJSON(ctx context.Context, key string, dst any) bool
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration)
	HealthCheck(ctx context.Context) bool
	Status() cache.StoreStatus
	Close(ctx context.Context) error
}

// Watermarker applies watermarks. watermark.Service satisfies it.
type Watermarker interface {
	Apply(ctx context.Context, req watermark.Request) (watermark.Result, error)
}

type PipelineOptions struct {
	Cache              Cache
	Scorer             *tags.Scorer
	Watermark          Watermarker
	Environment        *expr.Environment
	TagTTL             time.Duration
	MaxUploadBytes     int64
	CorrelationHeader  string
	Metrics            *metrics.Recorder
	RuleSources        []string
	SkippedDefinitions []config.DefinitionSkip
}

// Pipeline binds the HTTP surface to the tag scorer, the watermark service and
// the cache.
type Pipeline struct {
	logger            *slog.Logger
	cache             Cache
	scorer            *tags.Scorer
	watermark         Watermarker
	env               *expr.Environment
	tagTTL            time.Duration
	maxUpload         int64
	correlationHeader string
	metrics           *metrics.Recorder

	mu          sync.RWMutex
	ruleSources []string
	skipped     []config.DefinitionSkip
}

func NewPipeline(logger *slog.Logger, opts PipelineOptions) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Cache == nil {
		opts.Cache = cache.NewService(logger, cache.Options{})
	}
	if opts.Scorer == nil {
		opts.Scorer = tags.NewScorer(logger, nil, nil)
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUpload
	}
	header := strings.TrimSpace(opts.CorrelationHeader)
	if header == "" {
		header = defaultCorrelation
	}
	return &Pipeline{
		logger:            logger.With(slog.String("agent", "pipeline")),
		cache:             opts.Cache,
		scorer:            opts.Scorer,
		watermark:         opts.Watermark,
		env:               opts.Environment,
		tagTTL:            opts.TagTTL,
		maxUpload:         opts.MaxUploadBytes,
		correlationHeader: header,
		metrics:           opts.Metrics,
		ruleSources:       cloneStringSlice(opts.RuleSources),
		skipped:           cloneDefinitionSkips(opts.SkippedDefinitions),
	}
}

func (p *Pipeline) Close(ctx context.Context) error {
	if p.cache == nil {
		return nil
	}
	return p.cache.Close(ctx)
}

// WriteError emits a JSON error payload.
func (p *Pipeline) WriteError(w http.ResponseWriter, status int, message string) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	p.writeJSON(w, status, map[string]any{"error": message})
}

type tagsRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// ServeTags scores a listing, serving repeated listings from the cache.
func (p *Pipeline) ServeTags(w http.ResponseWriter, r *http.Request) {
	rc := p.begin(w, r, RouteTags)

	r.Body = http.MaxBytesReader(w, r.Body, maxTagsBody)
	var req tagsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		p.fail(w, rc, status, "request body must be a JSON object with title, description and category")
		return
	}
	if err := validateTagsRequest(req); err != nil {
		p.fail(w, rc, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	key := cache.TagKey(req.Title, req.Description, req.Category)
	var result tags.Result
	rc.fromCache = p.cache.GetJSON(ctx, key, &result)
	if !rc.fromCache {
		result = p.scorer.Generate(req.Title, req.Description, req.Category)
		p.cache.SetJSON(ctx, key, result, p.tagTTL)
	}

	w.Header().Set(cacheHeader, cacheHeaderValue(rc.fromCache))
	p.writeJSON(w, http.StatusOK, result)
	p.finish(rc, http.StatusOK,
		slog.Int("tag_count", len(result.Tags)),
		slog.String("category", req.Category),
	)
}

// ServeWatermark applies a watermark to a multipart upload and returns the
// rendered asset.
func (p *Pipeline) ServeWatermark(w http.ResponseWriter, r *http.Request) {
	rc := p.begin(w, r, RouteWatermark)
	if p.watermark == nil {
		p.fail(w, rc, http.StatusServiceUnavailable, "watermarking is not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, p.maxUpload+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			p.fail(w, rc, http.StatusRequestEntityTooLarge, "upload exceeds the maximum size")
			return
		}
		p.fail(w, rc, http.StatusBadRequest, "request must be multipart/form-data")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	req, status, err := p.watermarkRequest(r)
	if err != nil {
		p.fail(w, rc, status, err.Error())
		return
	}

	result, err := p.watermark.Apply(r.Context(), req)
	if err != nil {
		if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
			rc.logger.Info("client disconnected during watermark render")
			p.finish(rc, statusClientClosed)
			return
		}
		p.fail(w, rc, watermarkErrorStatus(err), err.Error())
		return
	}

	rc.fromCache = result.FromCache
	w.Header().Set("Content-Type", result.MIMEType)
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))
	w.Header().Set(cacheHeader, cacheHeaderValue(result.FromCache))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(result.Data); err != nil {
		rc.logger.Error("watermark response write failed", slog.Any("error", err))
	}
	p.finish(rc, http.StatusOK,
		slog.String("mime", result.MIMEType),
		slog.Int("bytes", len(result.Data)),
		slog.Bool("shared_render", result.Shared),
	)
}

func (p *Pipeline) watermarkRequest(r *http.Request) (watermark.Request, int, error) {
	file, header, err := r.FormFile("file")
	if err != nil {
		return watermark.Request{}, http.StatusBadRequest, errors.New("file is required")
	}
	defer file.Close()
	if header.Size > p.maxUpload {
		return watermark.Request{}, http.StatusRequestEntityTooLarge, errors.New("upload exceeds the maximum size")
	}
	data, err := io.ReadAll(io.LimitReader(file, p.maxUpload+1))
	if err != nil {
		return watermark.Request{}, http.StatusBadRequest, errors.New("upload could not be read")
	}
	if int64(len(data)) > p.maxUpload {
		return watermark.Request{}, http.StatusRequestEntityTooLarge, errors.New("upload exceeds the maximum size")
	}

	req, err := parseWatermarkFields(r.FormValue("text"), r.FormValue("position"), r.FormValue("opacity"))
	if err != nil {
		return watermark.Request{}, http.StatusBadRequest, err
	}
	req.File = data
	return req, http.StatusOK, nil
}

func watermarkErrorStatus(err error) int {
	switch {
	case errors.Is(err, watermark.ErrInvalidAsset):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, watermark.ErrInvalidParams):
		return http.StatusBadRequest
	case errors.Is(err, watermark.ErrComputeTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, watermark.ErrUpstreamRender):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ServeHealth probes the active cache tier and reports the rule provenance.
// It answers 503 when the probe round trip fails.
func (p *Pipeline) ServeHealth(w http.ResponseWriter, r *http.Request) {
	rc := p.begin(w, r, RouteHealth)
	healthy := p.cache.HealthCheck(r.Context())
	sources, skipped := p.ruleSnapshot()

	status := http.StatusOK
	label := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		label = "degraded"
	}
	payload := map[string]any{
		"status":     label,
		"healthy":    healthy,
		"cache":      p.cache.Status(),
		"rules":      map[string]any{"count": p.scorer.Rules().RuleCount()},
		"observedAt": time.Now().UTC(),
	}
	if len(sources) > 0 {
		payload["ruleSources"] = sources
	}
	if len(skipped) > 0 {
		payload["skippedDefinitions"] = skipped
	}
	p.writeJSON(w, status, payload)
	p.finish(rc, status)
}

// ServeCacheStatus reports which tier serves traffic without probing it.
func (p *Pipeline) ServeCacheStatus(w http.ResponseWriter, r *http.Request) {
	rc := p.begin(w, r, RouteCacheStatus)
	p.writeJSON(w, http.StatusOK, p.cache.Status())
	p.finish(rc, http.StatusOK)
}

// Reload layers a freshly loaded rule bundle over the built-in tables and
// swaps it into the scorer. Cached tag results are left to expire.
func (p *Pipeline) Reload(ctx context.Context, bundle config.TagRuleBundle) error {
	rs, err := tags.Extend(tags.Builtin(), bundle, p.env)
	if err != nil {
		p.logger.Warn("tag rules reload rejected", slog.String("event", "rules_reload"), slog.Any("error", err))
		p.metrics.ObserveRulesReload(false, 0)
		return err
	}
	p.scorer.Swap(rs)

	p.mu.Lock()
	p.ruleSources = cloneStringSlice(bundle.Sources)
	p.skipped = cloneDefinitionSkips(bundle.Skipped)
	p.mu.Unlock()

	p.metrics.ObserveRulesReload(true, rs.RuleCount())
	p.logger.LogAttrs(ctx, slog.LevelInfo, "tag rules reloaded",
		slog.String("event", "rules_reload"),
		slog.Int("rule_count", rs.RuleCount()),
		slog.Int("custom_rules", bundle.RuleCount()),
		slog.Int("skipped", len(bundle.Skipped)),
	)
	return nil
}

func (p *Pipeline) ruleSnapshot() ([]string, []config.DefinitionSkip) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return cloneStringSlice(p.ruleSources), cloneDefinitionSkips(p.skipped)
}

func (p *Pipeline) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		p.logger.Error("response encode failed", slog.Any("error", err))
	}
}

func (p *Pipeline) requestCorrelationID(r *http.Request) string {
	if r != nil {
		if candidate := strings.TrimSpace(r.Header.Get(p.correlationHeader)); candidate != "" {
			return candidate
		}
	}
	return uuid.NewString()
}

func cacheHeaderValue(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}

func cloneStringSlice(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneDefinitionSkips(in []config.DefinitionSkip) []config.DefinitionSkip {
	if len(in) == 0 {
		return nil
	}
	out := make([]config.DefinitionSkip, len(in))
	for i, skip := range in {
		out[i] = skip
		out[i].Sources = cloneStringSlice(skip.Sources)
	}
	return out
}
