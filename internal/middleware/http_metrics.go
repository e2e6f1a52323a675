package middleware

import (
	"net/http"
	"strconv"
	"time"
)

// HTTPMetrics records duration, body sizes and counts per normalized route,
// plus the number of requests in flight. Probe endpoints (/health, /ready)
// are not recorded.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isProbe(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			done := metrics.trackInFlight()
			defer done()

			start := time.Now()
			rec := newStatusRecorder(w)

			// ContentLength is -1 for chunked bodies.
			requestSize := r.ContentLength
			if requestSize < 0 {
				requestSize = 0
			}

			next.ServeHTTP(rec, r)

			metrics.ObserveHTTPRequest(
				r.Method,
				normalizePath(r.URL.Path),
				strconv.Itoa(rec.status),
				time.Since(start).Seconds(),
				requestSize,
				rec.bytes,
			)
		})
	}
}
