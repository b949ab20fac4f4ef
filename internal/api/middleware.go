package api

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/meltsec/meltscan/internal/auth"
	"github.com/meltsec/meltscan/internal/logging"
	"github.com/meltsec/meltscan/internal/metrics"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// Endpoints exempt from API key auth so probes and scrapers keep
// working when auth is enabled.
var authExemptPaths = map[string]bool{
	"/api/v1/liveness": true,
	"/api/v1/health":   true,
	"/api/v1/version":  true,
	"/metrics":         true,
}

// Recovery catches handler panics and turns them into 500 responses.
func Recovery(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("HTTP request panic recovered",
						"request_id", RequestID(r),
						"method", r.Method,
						"path", r.URL.Path,
						"panic", err,
						"stack", string(debug.Stack()))

					writeMiddlewareError(w, http.StatusInternalServerError,
						"Erro interno do servidor", RequestID(r))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogging tags each request with an ID, logs it, and records
// request metrics.
func RequestLogging(logger *logging.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := newRequestID()
			r = r.WithContext(context.WithValue(r.Context(), requestIDKey, requestID))
			w.Header().Set("X-Request-ID", requestID)

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)
			logger.Info("HTTP request",
				"request_id", requestID,
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.statusCode,
				"size", wrapped.size,
				"duration_ms", duration.Milliseconds(),
				"remote_addr", clientIP(r))

			if m != nil {
				m.IncrementHTTPRequests(r.Method, r.URL.Path, strconv.Itoa(wrapped.statusCode))
				m.RecordHTTPDuration(r.Method, r.URL.Path, duration)
			}
		})
	}
}

// RequestTimeout bounds handler execution through the request context.
func RequestTimeout(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// APIKeyAuth rejects requests that do not carry a key matching the
// keyring. Keys arrive in X-API-Key or as an Authorization bearer token.
func APIKeyAuth(keyring *auth.Keyring, logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if authExemptPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get("X-API-Key")
			if key == "" {
				if bearer := r.Header.Get("Authorization"); strings.HasPrefix(bearer, "Bearer ") {
					key = strings.TrimPrefix(bearer, "Bearer ")
				}
			}

			if key == "" {
				logger.Warn("API request without credentials",
					"request_id", RequestID(r),
					"path", r.URL.Path,
					"remote_addr", clientIP(r))
				writeMiddlewareError(w, http.StatusUnauthorized,
					"Autenticação necessária", RequestID(r))
				return
			}

			if !keyring.Verify(key) {
				logger.Warn("API request with invalid key",
					"request_id", RequestID(r),
					"path", r.URL.Path,
					"key_prefix", auth.DisplayPrefix(key),
					"remote_addr", clientIP(r))
				writeMiddlewareError(w, http.StatusUnauthorized,
					"Chave de API inválida", RequestID(r))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequestID returns the ID assigned by RequestLogging, if any.
func RequestID(r *http.Request) string {
	if id, ok := r.Context().Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

func newRequestID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("req_%d", time.Now().UnixNano())
	}
	return "req_" + hex.EncodeToString(buf)
}

// clientIP resolves the originating address, honoring proxy headers.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if parts := strings.Split(xff, ","); len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func writeMiddlewareError(w http.ResponseWriter, statusCode int, message, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:     message,
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
	})
}

// responseWriter captures status and size for logging and metrics.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// Hijack passes WebSocket upgrades through to the wrapped writer.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
