package httpx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/voolyvex/Local-LLM/internal/logger"
	"github.com/voolyvex/Local-LLM/internal/metrics"
)

// RequestIDHeader carries the per-request correlation ID.
const RequestIDHeader = "X-Request-ID"

// quietPaths are polled constantly and logged at debug only.
var quietPaths = map[string]bool{
	"/health":      true,
	"/healthz":     true,
	"/readyz":      true,
	"/metrics":     true,
	"/favicon.ico": true,
}

// Middleware tags each request with an ID, logs it and records Prometheus
// request metrics under the given server label. prom may be nil.
func Middleware(server string, log *logger.Logger, prom *metrics.Prom, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(RequestIDHeader, id)
		}
		w.Header().Set(RequestIDHeader, id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		// ServeMux fills in Pattern while routing.
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		if prom != nil {
			prom.HTTPRequests.WithLabelValues(server, route, r.Method, strconv.Itoa(rec.status)).Inc()
			prom.HTTPDuration.WithLabelValues(server, route).Observe(elapsed.Seconds())
		}

		fields := []interface{}{
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"bytes", rec.bytes,
			"duration_ms", float64(elapsed.Microseconds()) / 1000,
			"remote", r.RemoteAddr,
		}
		switch {
		case rec.status >= 500:
			log.Error("http request", fields...)
		case quietPaths[r.URL.Path]:
			log.Debug("http request", fields...)
		default:
			log.Info("http request", fields...)
		}
	})
}

// statusRecorder captures the status code and size while still letting SSE
// handlers flush.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
