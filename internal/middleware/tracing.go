package middleware

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/onnwee/paycapture/internal/tracing"
)

// Tracing instruments requests with an OpenTelemetry server span using W3C
// trace context propagation. Span names use the normalized route, e.g.
// "GET /orders/{id}/payment-logs", so order ids never become span names.
//
// The span is tagged with the request ID (place Tracing after RequestID) and
// with the Idempotency-Key when one was sent, which ties a retried checkout
// call to every attempt it produced.
func Tracing(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(annotateSpan(next), serviceName,
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + normalizePath(r.URL.Path)
			}),
		)
	}
}

func annotateSpan(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		span := trace.SpanFromContext(r.Context())
		if span.IsRecording() {
			if id := GetRequestID(r.Context()); id != "" {
				span.SetAttributes(attribute.String("request.id", id))
			}
			if key := r.Header.Get(IdempotencyKeyHeader); key != "" {
				span.SetAttributes(tracing.AttrIdempotencyKey.String(key))
			}
		}
		next.ServeHTTP(w, r)
	})
}

// GetTraceID returns the hex trace ID of the request's span, or "" when the
// request is not traced.
func GetTraceID(r *http.Request) string {
	spanCtx := trace.SpanContextFromContext(r.Context())
	if spanCtx.IsValid() {
		return spanCtx.TraceID().String()
	}
	return ""
}
