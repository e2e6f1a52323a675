package middleware

import (
	"context"
	"net/http"
)

// statusRecorder captures what a handler wrote, plus the error code and
// operator it reported through UpdateResponseContext.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool

	errorCode string
	operator  string
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

// WriteHeader keeps the first status; later calls are dropped like net/http does.
func (s *statusRecorder) WriteHeader(code int) {
	if s.wroteHeader {
		return
	}
	s.status = code
	s.wroteHeader = true
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wroteHeader = true
	n, err := s.ResponseWriter.Write(b)
	s.bytes += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func (s *statusRecorder) updateContext(ctx context.Context) {
	if code := GetErrorCode(ctx); code != "" {
		s.errorCode = code
	}
	if op := GetOperator(ctx); op != "" {
		s.operator = op
	}
}

// UpdateResponseContext copies the error code and operator a handler stored
// on its context into every statusRecorder wrapping w. The middleware only
// sees the original request context, so this is how they reach the log.
func UpdateResponseContext(w http.ResponseWriter, ctx context.Context) {
	for w != nil {
		if rec, ok := w.(*statusRecorder); ok {
			rec.updateContext(ctx)
		}
		uw, ok := w.(interface{ Unwrap() http.ResponseWriter })
		if !ok {
			return
		}
		w = uw.Unwrap()
	}
}
