package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "listingkit"

// Recorder publishes Prometheus metrics for request handling, the cache tiers,
// watermark renders and rule reloads.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler
	registry *prometheus.Registry

	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec
	externalActive  prometheus.Gauge

	renders       *prometheus.CounterVec
	renderLatency *prometheus.HistogramVec

	ruleReloads *prometheus.CounterVec
	activeRules prometheus.Gauge
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total API requests handled, by route and status.",
	}, []string{"route", "status_code", "from_cache"})

	requestLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for completed API requests.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"route"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Cache operations executed, by serving tier.",
	}, []string{"tier", "operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for cache operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
	}, []string{"tier", "operation", "result"})

	externalActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "external_active",
		Help:      "1 while the external tier serves cache traffic, 0 while the memory fallback does.",
	})

	renders := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "watermark",
		Name:      "renders_total",
		Help:      "Watermark renders executed, by media kind and outcome.",
	}, []string{"kind", "outcome"})

	renderLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "watermark",
		Name:      "render_duration_seconds",
		Help:      "Latency distribution for watermark renders.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"kind", "outcome"})

	ruleReloads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tags",
		Name:      "rule_reloads_total",
		Help:      "Custom tag rule reloads, by result.",
	}, []string{"result"})

	activeRules := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "tags",
		Name:      "active_rules",
		Help:      "Number of tag rules in the active ruleset.",
	})

	reg.MustRegister(
		requests, requestLatency,
		cacheOperations, cacheLatency, externalActive,
		renders, renderLatency,
		ruleReloads, activeRules,
	)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:        reg,
		handler:         handler,
		registry:        reg,
		requests:        requests,
		requestLatency:  requestLatency,
		cacheOperations: cacheOperations,
		cacheLatency:    cacheLatency,
		externalActive:  externalActive,
		renders:         renders,
		renderLatency:   renderLatency,
		ruleReloads:     ruleReloads,
		activeRules:     activeRules,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRequest records the status and latency of a completed API request.
func (r *Recorder) ObserveRequest(route string, statusCode int, fromCache bool, duration time.Duration) {
	if r == nil {
		return
	}
	routeLabel := normalizeLabel(route)
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	r.requests.WithLabelValues(routeLabel, statusLabel, strconv.FormatBool(fromCache)).Inc()
	r.requestLatency.WithLabelValues(routeLabel).Observe(duration.Seconds())
}

// ObserveCacheOperation records one cache call against the tier that served it.
func (r *Recorder) ObserveCacheOperation(tier, operation, result string, duration time.Duration) {
	if r == nil {
		return
	}
	tierLabel := normalizeLabel(tier)
	opLabel := normalizeLabel(operation)
	resLabel := normalizeLabel(result)
	r.cacheOperations.WithLabelValues(tierLabel, opLabel, resLabel).Inc()
	r.cacheLatency.WithLabelValues(tierLabel, opLabel, resLabel).Observe(duration.Seconds())
}

// ObserveCacheTier records which tier currently serves traffic.
func (r *Recorder) ObserveCacheTier(tier string) {
	if r == nil {
		return
	}
	if strings.TrimSpace(tier) == "external" {
		r.externalActive.Set(1)
		return
	}
	r.externalActive.Set(0)
}

// TrackMemoryUsage exposes the fallback store occupancy. stats is sampled at
// scrape time.
func (r *Recorder) TrackMemoryUsage(stats func() (entries int, bytes int64)) {
	if r == nil || stats == nil {
		return
	}
	r.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "memory_entries",
			Help:      "Entries held by the in-process fallback store.",
		}, func() float64 {
			entries, _ := stats()
			return float64(entries)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "memory_bytes",
			Help:      "Bytes held by the in-process fallback store.",
		}, func() float64 {
			_, bytes := stats()
			return float64(bytes)
		}),
	)
}

// ObserveRender records a watermark render attempt.
func (r *Recorder) ObserveRender(kind, outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	kindLabel := normalizeLabel(kind)
	outcomeLabel := normalizeLabel(outcome)
	r.renders.WithLabelValues(kindLabel, outcomeLabel).Inc()
	r.renderLatency.WithLabelValues(kindLabel, outcomeLabel).Observe(duration.Seconds())
}

// ObserveRulesReload records a reload attempt and, on success, the size of
// the ruleset now active.
func (r *Recorder) ObserveRulesReload(success bool, ruleCount int) {
	if r == nil {
		return
	}
	if !success {
		r.ruleReloads.WithLabelValues("error").Inc()
		return
	}
	r.ruleReloads.WithLabelValues("success").Inc()
	r.activeRules.Set(float64(ruleCount))
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
