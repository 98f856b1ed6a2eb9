package middleware

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	telemetry "d2dtreasury/observability/otel"
)

// HTTPObserver records the outcome of a served request.
type HTTPObserver interface {
	ObserveHTTP(route, method string, status int, duration time.Duration)
}

type ObservabilityConfig struct {
	ServiceName string
	LogRequests bool
}

type Observability struct {
	cfg      ObservabilityConfig
	logger   *slog.Logger
	tracer   trace.Tracer
	observer HTTPObserver
}

func NewObservability(cfg ObservabilityConfig, observer HTTPObserver, logger *slog.Logger) *Observability {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "treasuryd"
	}
	return &Observability{
		cfg:      cfg,
		logger:   logger,
		tracer:   telemetry.Tracer(cfg.ServiceName),
		observer: observer,
	}
}

// Middleware traces the request and reports it under the chi route pattern
// so metrics stay bounded regardless of path parameters.
func (o *Observability) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := o.tracer.Start(r.Context(), r.Method+" "+r.URL.Path, trace.WithAttributes(
			attribute.String("http.method", r.Method),
		))
		defer span.End()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r.WithContext(ctx))

		route := routePattern(r)
		elapsed := time.Since(start)
		span.SetName(r.Method + " " + route)
		span.SetAttributes(
			attribute.String("http.route", route),
			attribute.Int("http.status_code", recorder.status),
		)
		if o.observer != nil {
			o.observer.ObserveHTTP(route, r.Method, recorder.status, elapsed)
		}
		if o.cfg.LogRequests {
			o.logger.Info("http request",
				"method", r.Method,
				"route", route,
				"status", recorder.status,
				"duration_ms", float64(elapsed.Microseconds())/1000,
				"request_id", RequestIDFromContext(r.Context()))
		}
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wroteHeader = true
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// Hijack exposes the underlying connection for websocket upgrades.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	s.wroteHeader = true
	return hj.Hijack()
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
