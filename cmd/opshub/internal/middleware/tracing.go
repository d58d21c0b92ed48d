package middleware

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ledgerline/opshub/internal/metrics"
	"github.com/ledgerline/opshub/internal/tracing"
)

// Tracing opens a server span per request, echoes the trace id and records
// request metrics.
type Tracing struct {
	logger *zap.Logger
}

func NewTracing(logger *zap.Logger) *Tracing {
	return &Tracing{logger: logger}
}

func (t *Tracing) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		route := RouteLabel(r.URL.Path)
		ctx, span := tracing.StartServerSpan(r, route)

		traceID := tracing.TraceID(ctx)
		if traceID == "" {
			traceID = requestTraceID(r)
		}
		w.Header().Set("X-Trace-ID", traceID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.response.status_code", rec.status))
		var spanErr error
		if rec.status >= 500 {
			spanErr = errors.New(http.StatusText(rec.status))
		}
		tracing.EndSpan(span, spanErr)

		elapsed := time.Since(start)
		metrics.RecordHTTPRequest(r.Method, route, rec.status, elapsed)
		t.logger.Debug("Request served",
			zap.String("trace_id", traceID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", elapsed),
		)
	})
}

// requestTraceID falls back to caller supplied ids when tracing is off.
func requestTraceID(r *http.Request) string {
	if tp := r.Header.Get("traceparent"); tp != "" {
		if parts := strings.Split(tp, "-"); len(parts) >= 2 && parts[1] != "" {
			return parts[1]
		}
	}
	if id := r.Header.Get("X-Request-ID"); id != "" && len(id) <= 128 {
		return id
	}
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// RouteLabel collapses id path segments so metric cardinality stays bounded.
func RouteLabel(path string) string {
	segs := strings.Split(path, "/")
	for i, s := range segs {
		if _, err := uuid.Parse(s); err == nil {
			segs[i] = "{id}"
		}
	}
	return strings.Join(segs, "/")
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

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the chat WebSocket upgrade pass through.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }
