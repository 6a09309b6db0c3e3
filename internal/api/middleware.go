package api

import (
	"autofigure/internal/observability"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"
)

const eventStreamType = "text/event-stream"

// LoggingMiddleware logs one line per request, tagged with the job it
// touched. Event streams are logged when they close, with how long the
// observer stayed attached.
func LoggingMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := newResponseWriter(w)

			next.ServeHTTP(wrapped, r)

			attrs := []any{
				"method", r.Method,
				"route", route(r),
				"status", wrapped.statusCode,
				"duration", time.Since(start),
			}
			// The mux records path values on the request it was handed.
			if jobID := r.PathValue("jobId"); jobID != "" {
				attrs = append(attrs, "jobId", jobID)
			}

			switch {
			case wrapped.stream:
				slog.InfoContext(r.Context(), "Event stream closed", append(attrs, "bytes", wrapped.bytes)...)
			case wrapped.statusCode >= http.StatusInternalServerError:
				slog.ErrorContext(r.Context(), "HTTP request", attrs...)
			default:
				slog.InfoContext(r.Context(), "HTTP request", attrs...)
			}
		})
	}
}

// MetricsMiddleware records HTTP request metrics (latency, traffic, errors).
// Event streams get their own duration histogram.
func MetricsMiddleware(metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := newResponseWriter(w)

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start).Seconds()
			if wrapped.stream {
				metrics.RecordEventStream(r.Context(), r.Method, route(r), wrapped.statusCode, duration)
				return
			}
			metrics.RecordHTTPRequest(r.Context(), r.Method, route(r), wrapped.statusCode, duration)
		})
	}
}

// route returns the matched route pattern without its method, or the raw
// path when nothing matched.
func route(r *http.Request) string {
	if r.Pattern == "" {
		return r.URL.Path
	}
	if _, path, ok := strings.Cut(r.Pattern, " "); ok {
		return path
	}
	return r.Pattern
}

// RecoveryMiddleware recovers from panics
func RecoveryMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					slog.ErrorContext(r.Context(), "Panic recovered", "error", err, "path", r.URL.Path)
					writeError(w, http.StatusInternalServerError, "Internal server error")
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// ContentTypeMiddleware checks request bodies: uploads must be multipart
// forms, every other POST must be JSON. A missing Content-Type is accepted.
func ContentTypeMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}

			want := "application/json"
			if strings.HasPrefix(r.URL.Path, "/v1/uploads") {
				want = "multipart/form-data"
			}

			if ct := r.Header.Get("Content-Type"); ct != "" {
				mediaType, _, err := mime.ParseMediaType(ct)
				if err != nil || mediaType != want {
					writeError(w, http.StatusUnsupportedMediaType, fmt.Sprintf("Content-Type must be %s", want))
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// CORSMiddleware adds CORS headers
func CORSMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Last-Event-ID")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// AuthMiddleware validates Bearer token authentication.
// If apiKey is empty, authentication is disabled.
//
// Browsers cannot set headers on an EventSource, so event stream requests
// may carry the key in the access_token query parameter instead.
func AuthMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			token, msg := bearerToken(r)
			if token == "" && r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/events") {
				token = r.URL.Query().Get("access_token")
			}
			if token == "" {
				writeError(w, http.StatusUnauthorized, msg)
				return
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
				writeError(w, http.StatusUnauthorized, "Invalid API key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken extracts the token from the Authorization header. When there
// is none it returns the reason.
func bearerToken(r *http.Request) (string, string) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", "Authorization header required"
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", "Invalid authorization header format"
	}
	return token, ""
}

// responseWriter records what a handler sent: the status, the body size,
// and whether the response is an event stream.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
	stream      bool
	bytes       int64
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.wroteHeader = true
		rw.statusCode = code
		rw.stream = strings.HasPrefix(rw.Header().Get("Content-Type"), eventStreamType)
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += int64(n)
	return n, err
}

// Unwrap exposes the underlying writer to http.ResponseController so event
// streams can flush through the middleware chain.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
