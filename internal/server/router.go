package server

import (
	"net/http"
	"strings"
)

// PipelineHTTP defines the minimal surface the router needs from the runtime
// pipeline to serve HTTP requests.
type PipelineHTTP interface {
	ServeTags(http.ResponseWriter, *http.Request)
	ServeWatermark(http.ResponseWriter, *http.Request)
	ServeHealth(http.ResponseWriter, *http.Request)
	ServeCacheStatus(http.ResponseWriter, *http.Request)
	WriteError(http.ResponseWriter, int, string)
}

const (
	routeTags        = "tags"
	routeWatermark   = "watermark"
	routeHealth      = "healthz"
	routeCacheStatus = "cache"
	routeMetrics     = "metrics"
)

var routeMethods = map[string][]string{
	routeTags:        {http.MethodPost},
	routeWatermark:   {http.MethodPost},
	routeHealth:      {http.MethodGet, http.MethodHead},
	routeCacheStatus: {http.MethodGet, http.MethodHead},
	routeMetrics:     {http.MethodGet},
}

// NewPipelineHandler dispatches API routes to the pipeline and /metrics to
// metricsHandler. A nil metricsHandler leaves /metrics unrouted.
func NewPipelineHandler(p PipelineHTTP, metricsHandler http.Handler) http.Handler {
	if p == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "pipeline unavailable", http.StatusServiceUnavailable)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, ok := parseRoute(r.URL.Path)
		if !ok || (route == routeMetrics && metricsHandler == nil) {
			http.NotFound(w, r)
			return
		}
		if !methodAllowed(route, r.Method) {
			w.Header().Set("Allow", strings.Join(routeMethods[route], ", "))
			p.WriteError(w, http.StatusMethodNotAllowed, "method "+r.Method+" not allowed")
			return
		}

		switch route {
		case routeTags:
			p.ServeTags(w, r)
		case routeWatermark:
			p.ServeWatermark(w, r)
		case routeHealth:
			p.ServeHealth(w, r)
		case routeCacheStatus:
			p.ServeCacheStatus(w, r)
		case routeMetrics:
			metricsHandler.ServeHTTP(w, r)
		}
	})
}

func parseRoute(path string) (string, bool) {
	trimmed := strings.ToLower(strings.Trim(path, "/"))
	switch trimmed {
	case "tags":
		return routeTags, true
	case "watermark":
		return routeWatermark, true
	case "health", "healthz":
		return routeHealth, true
	case "health/cache":
		return routeCacheStatus, true
	case "metrics":
		return routeMetrics, true
	}
	return "", false
}

func methodAllowed(route, method string) bool {
	for _, allowed := range routeMethods[route] {
		if allowed == method {
			return true
		}
	}
	return false
}
