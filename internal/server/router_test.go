package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubPipeline struct {
	calls             map[string]int
	writeErrorCalled  bool
	writeErrorStatus  int
	writeErrorMessage string
}

func newStubPipeline() *stubPipeline {
	return &stubPipeline{calls: make(map[string]int)}
}

func (s *stubPipeline) ServeTags(w http.ResponseWriter, _ *http.Request) {
	s.calls[routeTags]++
	w.WriteHeader(http.StatusOK)
}

func (s *stubPipeline) ServeWatermark(w http.ResponseWriter, _ *http.Request) {
	s.calls[routeWatermark]++
	w.WriteHeader(http.StatusOK)
}

func (s *stubPipeline) ServeHealth(w http.ResponseWriter, _ *http.Request) {
	s.calls[routeHealth]++
	w.WriteHeader(http.StatusOK)
}

func (s *stubPipeline) ServeCacheStatus(w http.ResponseWriter, _ *http.Request) {
	s.calls[routeCacheStatus]++
	w.WriteHeader(http.StatusOK)
}

func (s *stubPipeline) WriteError(w http.ResponseWriter, status int, message string) {
	s.writeErrorCalled = true
	s.writeErrorStatus = status
	s.writeErrorMessage = message
	w.WriteHeader(status)
	_, _ = w.Write([]byte(message))
}

func (s *stubPipeline) total() int {
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

func TestParseRoute(t *testing.T) {
	cases := map[string]struct {
		path  string
		route string
		ok    bool
	}{
		"tags":             {path: "/tags", route: routeTags, ok: true},
		"tags trailing":    {path: "/tags/", route: routeTags, ok: true},
		"watermark":        {path: "/watermark", route: routeWatermark, ok: true},
		"health alias":     {path: "/health", route: routeHealth, ok: true},
		"healthz":          {path: "/healthz", route: routeHealth, ok: true},
		"cache status":     {path: "/health/cache", route: routeCacheStatus, ok: true},
		"metrics":          {path: "/metrics", route: routeMetrics, ok: true},
		"mixed case":       {path: "/Tags", route: routeTags, ok: true},
		"nested unknown":   {path: "/tags/extra", ok: false},
		"unknown root":     {path: "/unknown", ok: false},
		"empty path":       {path: "/", ok: false},
		"blank path":       {path: "", ok: false},
		"healthz subroute": {path: "/healthz/cache", ok: false},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			route, ok := parseRoute(tc.path)
			if route != tc.route || ok != tc.ok {
				t.Fatalf("parseRoute(%q) = (%q, %t), want (%q, %t)", tc.path, route, ok, tc.route, tc.ok)
			}
		})
	}
}

func TestNewPipelineHandlerNilPipeline(t *testing.T) {
	handler := NewPipelineHandler(nil, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/tags", http.NoBody)

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503 when pipeline unavailable, got %d", rec.Code)
	}
}

func TestPipelineHandlerDispatchesRoutes(t *testing.T) {
	metricsCalls := 0
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		metricsCalls++
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name   string
		method string
		path   string
		route  string
	}{
		{name: "tags", method: http.MethodPost, path: "/tags", route: routeTags},
		{name: "watermark", method: http.MethodPost, path: "/watermark", route: routeWatermark},
		{name: "health", method: http.MethodGet, path: "/healthz", route: routeHealth},
		{name: "health head", method: http.MethodHead, path: "/health", route: routeHealth},
		{name: "cache status", method: http.MethodGet, path: "/health/cache", route: routeCacheStatus},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			stub := newStubPipeline()
			handler := NewPipelineHandler(stub, metricsHandler)

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, http.NoBody))

			if rec.Code != http.StatusOK {
				t.Fatalf("expected status 200, got %d", rec.Code)
			}
			if stub.calls[tc.route] != 1 || stub.total() != 1 {
				t.Fatalf("expected exactly one %s call, got %v", tc.route, stub.calls)
			}
		})
	}

	stub := newStubPipeline()
	rec := httptest.NewRecorder()
	NewPipelineHandler(stub, metricsHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	if metricsCalls != 1 || stub.total() != 0 {
		t.Fatalf("expected /metrics to reach the metrics handler only, got metrics=%d pipeline=%v", metricsCalls, stub.calls)
	}
}

func TestPipelineHandlerRejectsWrongMethod(t *testing.T) {
	stub := newStubPipeline()
	handler := NewPipelineHandler(stub, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tags", http.NoBody))

	if !stub.writeErrorCalled || stub.writeErrorStatus != http.StatusMethodNotAllowed {
		t.Fatalf("expected WriteError with 405, got called=%t status=%d", stub.writeErrorCalled, stub.writeErrorStatus)
	}
	if got := rec.Header().Get("Allow"); got != http.MethodPost {
		t.Fatalf("expected Allow header %q, got %q", http.MethodPost, got)
	}
	if stub.total() != 0 {
		t.Fatalf("expected no pipeline calls for rejected method, got %v", stub.calls)
	}
}

func TestPipelineHandlerNotFound(t *testing.T) {
	stub := newStubPipeline()
	handler := NewPipelineHandler(stub, nil)

	for _, path := range []string{"/unsupported/path", "/metrics"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, http.NoBody))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404 for %s, got %d", path, rec.Code)
		}
	}
	if stub.total() != 0 {
		t.Fatalf("expected no pipeline calls for unsupported routes")
	}
}
