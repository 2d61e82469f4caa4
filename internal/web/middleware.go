package web

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/coderelay/relay/internal/apperr"
	"github.com/coderelay/relay/internal/observability"
)

// RequestIDHeader carries the correlation id in both directions: an
// inbound value is honored, otherwise one is generated; either way it
// is echoed on the response.
const RequestIDHeader = "X-Request-ID"

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack forwards to the underlying writer so the websocket upgrade
// can take over the connection through the middleware chain.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

// traceContext extracts W3C traceparent/tracestate headers.
var traceContext propagation.TraceContext

// withRequestID binds the correlation ids to the request context and
// echoes the request id on the response. An inbound traceparent binds
// its trace id so log lines correlate across services.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		ctx := observability.WithRequestID(r.Context(), id)
		ctx = traceContext.Extract(ctx, propagation.HeaderCarrier(r.Header))
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			ctx = observability.WithTraceID(ctx, sc.TraceID().String())
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withAccessLog records per-request log lines and metrics.
func (s *Server) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		took := time.Since(started)

		if s.metrics != nil {
			s.metrics.HTTPRequestCounter.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rec.status)).Inc()
			s.metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(took.Seconds())
		}
		s.logger.Info(r.Context(), "http request",
			"method", r.Method, "path", r.URL.Path, "status", rec.status,
			"took_ms", took.Milliseconds(), "remote", clientIP(r))
	})
}

// withCORS applies the exact-origin whitelist. An empty whitelist
// means no CORS headers at all; there is no wildcard fallback.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == origin {
			return true
		}
	}
	return false
}

// withRateLimit enforces the sliding window per client IP. Applied to
// the /mcp/ surface only.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision := s.limiter.Allow(clientIP(r))
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		if !decision.Allowed {
			retryAfter := int(decision.RetryAfter.Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			if s.metrics != nil {
				s.metrics.RateLimitRejections.Inc()
			}
			s.writeError(r.Context(), w, apperr.Newf(apperr.KindRateLimited,
				"rate limit exceeded, retry in %ds", retryAfter))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// readBody drains the request body under the configured cap, writing
// the error response itself when the body is unusable. The raw bytes
// are returned so webhook signatures verify over the exact payload.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeJSON(w, http.StatusRequestEntityTooLarge, envelope{Success: false, Error: &errorBody{
				Message:    fmt.Sprintf("request body exceeds %d bytes", s.maxBodyBytes),
				RequestID:  observability.RequestID(r.Context()),
				StatusCode: http.StatusRequestEntityTooLarge,
			}})
			return nil, false
		}
		s.writeError(r.Context(), w, apperr.Wrap(apperr.KindValidation, "unreadable request body", err))
		return nil, false
	}
	return body, true
}

// clientIP strips the port from RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
