// Package middleware holds the HTTP cross-cutting layers: correlation IDs,
// request logging, body size caps, and the per-client rate limiter.
package middleware

import (
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sehha/claimsbridge/internal/envelope"
)

// Correlation assigns or propagates the request correlation ID and echoes it
// on the response.
func Correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(envelope.HeaderCorrelationID)
		if id == "" {
			id = envelope.NewCorrelationID()
		}
		ctx := envelope.WithCorrelation(r.Context(), id)
		w.Header().Set(envelope.HeaderCorrelationID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusRecorder captures the response code for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Logging writes one access log line per request.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Printf("[HTTP] %s %s %d %s corr=%s ip=%s",
			r.Method, r.URL.Path, rec.status, time.Since(start),
			envelope.CorrelationFrom(r.Context()), ClientIP(r))
	})
}

// BodyCap rejects request bodies above maxBytes before any parsing happens.
func BodyCap(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > maxBytes {
			envelope.WriteHTTP(w, r, envelope.New(envelope.KindInvalidInput, "API_BODY_TOO_LARGE",
				"request body exceeds the configured limit"))
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		next.ServeHTTP(w, r)
	})
}

// ClientIP resolves the caller address, honoring the first X-Forwarded-For
// hop when present.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
