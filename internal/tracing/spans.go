package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/onnwee/paycapture"

// Span attribute keys shared by handlers, the coordinator and the reconciler.
const (
	AttrOrderID        = attribute.Key("order.id")
	AttrIdempotencyKey = attribute.Key("payment.idempotency_key")
	AttrAmountCents    = attribute.Key("payment.amount_cents")
	AttrGatewayOp      = attribute.Key("gateway.operation")
)

// DBOperation names the kind of statement a store span wraps.
type DBOperation string

const (
	DBOperationQuery  DBOperation = "query"
	DBOperationInsert DBOperation = "insert"
	DBOperationUpdate DBOperation = "update"
	DBOperationDelete DBOperation = "delete"
	DBOperationExec   DBOperation = "exec"
)

// EndFunc ends a span, recording err first when it is non-nil.
type EndFunc func(err error)

func endWith(span trace.Span) EndFunc {
	return func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// StartSpan opens an internal span such as "payment.process" or "reconcile.sweep".
//
//	ctx, end := tracing.StartSpan(ctx, "payment.refund", tracing.AttrOrderID.String(id))
//	defer func() { end(err) }()
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, EndFunc) {
	ctx, span := otel.Tracer(instrumentation).Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, endWith(span)
}

// StartDBSpan opens a client span named "<operation> <table>" around one
// PostgreSQL statement.
func StartDBSpan(ctx context.Context, table string, operation DBOperation) (context.Context, EndFunc) {
	name := string(operation)
	attrs := []attribute.KeyValue{
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", string(operation)),
	}
	if table != "" {
		name += " " + table
		attrs = append(attrs, attribute.String("db.sql.table", table))
	}
	ctx, span := otel.Tracer(instrumentation+"/store").Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	return ctx, endWith(span)
}

// StartGatewaySpan opens a client span around one call to the payment gateway.
func StartGatewaySpan(ctx context.Context, operation string) (context.Context, EndFunc) {
	ctx, span := otel.Tracer(instrumentation+"/gateway").Start(ctx, "gateway "+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("peer.service", "payment-gateway"),
			AttrGatewayOp.String(operation),
		),
	)
	return ctx, endWith(span)
}

// AddEvent records a point-in-time event, such as a retry or a breaker
// rejection, on the span in ctx.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}
