package runtime

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// statusClientClosed is recorded, never written, when the caller goes away
// before a response is ready.
const statusClientClosed = 499

type requestContext struct {
	ctx           context.Context
	route         string
	correlationID string
	start         time.Time
	fromCache     bool
	logger        *slog.Logger
}

func (p *Pipeline) begin(w http.ResponseWriter, r *http.Request, route string) *requestContext {
	correlationID := p.requestCorrelationID(r)
	w.Header().Set(p.correlationHeader, correlationID)
	return &requestContext{
		ctx:           r.Context(),
		route:         route,
		correlationID: correlationID,
		start:         time.Now(),
		logger: p.logger.With(
			slog.String("route", route),
			slog.String("correlation_id", correlationID),
		),
	}
}

func (p *Pipeline) fail(w http.ResponseWriter, rc *requestContext, status int, message string) {
	p.WriteError(w, status, message)
	p.finish(rc, status, slog.String("error", message))
}

// finish logs the request summary and records request metrics.
func (p *Pipeline) finish(rc *requestContext, status int, extra ...slog.Attr) {
	duration := time.Since(rc.start)
	attrs := []slog.Attr{
		slog.Int("http_status", status),
		slog.Bool("from_cache", rc.fromCache),
		slog.Float64("latency_ms", float64(duration)/float64(time.Millisecond)),
	}
	attrs = append(attrs, extra...)

	level := slog.LevelInfo
	if status >= http.StatusInternalServerError {
		level = slog.LevelWarn
	}
	rc.logger.LogAttrs(rc.ctx, level, "request completed", attrs...)
	p.metrics.ObserveRequest(rc.route, status, rc.fromCache, duration)
}
