package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// record installs a recording global provider for the duration of the test.
func record(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})
	return rec
}

func onlySpan(t *testing.T, rec *tracetest.SpanRecorder) sdktrace.ReadOnlySpan {
	t.Helper()
	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 ended span, got %d", len(spans))
	}
	return spans[0]
}

func attrMap(kvs []attribute.KeyValue) map[attribute.Key]string {
	m := make(map[attribute.Key]string, len(kvs))
	for _, kv := range kvs {
		m[kv.Key] = kv.Value.Emit()
	}
	return m
}

func TestStartDBSpan(t *testing.T) {
	tests := []struct {
		table     string
		operation DBOperation
		wantName  string
	}{
		{"orders", DBOperationQuery, "query orders"},
		{"payment_logs", DBOperationInsert, "insert payment_logs"},
		{"refund_logs", DBOperationUpdate, "update refund_logs"},
		{"webhook_events", DBOperationDelete, "delete webhook_events"},
		{"", DBOperationExec, "exec"},
	}

	for _, tt := range tests {
		t.Run(tt.wantName, func(t *testing.T) {
			rec := record(t)
			_, end := StartDBSpan(context.Background(), tt.table, tt.operation)
			end(nil)

			span := onlySpan(t, rec)
			if span.Name() != tt.wantName {
				t.Errorf("name = %q, want %q", span.Name(), tt.wantName)
			}
			if span.SpanKind() != trace.SpanKindClient {
				t.Errorf("kind = %s, want client", span.SpanKind())
			}
			attrs := attrMap(span.Attributes())
			if attrs["db.system"] != "postgresql" || attrs["db.operation"] != string(tt.operation) {
				t.Errorf("unexpected attributes %v", attrs)
			}
			table, ok := attrs["db.sql.table"]
			if tt.table == "" && ok {
				t.Errorf("unexpected db.sql.table %q", table)
			}
			if tt.table != "" && table != tt.table {
				t.Errorf("db.sql.table = %q, want %q", table, tt.table)
			}
		})
	}
}

func TestEndFunc_RecordsError(t *testing.T) {
	starters := map[string]func(context.Context) (context.Context, EndFunc){
		"internal": func(ctx context.Context) (context.Context, EndFunc) { return StartSpan(ctx, "payment.process") },
		"db": func(ctx context.Context) (context.Context, EndFunc) {
			return StartDBSpan(ctx, "orders", DBOperationUpdate)
		},
		"gateway": func(ctx context.Context) (context.Context, EndFunc) { return StartGatewaySpan(ctx, "refund") },
	}

	for name, start := range starters {
		t.Run(name, func(t *testing.T) {
			rec := record(t)
			_, end := start(context.Background())
			end(errors.New("card_declined"))

			span := onlySpan(t, rec)
			if span.Status().Code != codes.Error || span.Status().Description != "card_declined" {
				t.Errorf("status = %v %q", span.Status().Code, span.Status().Description)
			}
			if len(span.Events()) != 1 || span.Events()[0].Name != "exception" {
				t.Errorf("expected one exception event, got %v", span.Events())
			}
		})
	}
}

func TestStartSpan_Success(t *testing.T) {
	rec := record(t)
	_, end := StartSpan(context.Background(), "reconcile.sweep", AttrOrderID.String("ord_9"))
	end(nil)

	span := onlySpan(t, rec)
	if span.Status().Code != codes.Unset {
		t.Errorf("status = %v, want Unset", span.Status().Code)
	}
	if got := attrMap(span.Attributes())[AttrOrderID]; got != "ord_9" {
		t.Errorf("order.id = %q", got)
	}
}

func TestStartGatewaySpan(t *testing.T) {
	rec := record(t)
	ctx, end := StartSpan(context.Background(), "payment.process")
	_, endGateway := StartGatewaySpan(ctx, "charge")
	endGateway(nil)
	end(nil)

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	gw, parent := spans[0], spans[1]
	if gw.Name() != "gateway charge" {
		t.Errorf("name = %q", gw.Name())
	}
	if gw.Parent().SpanID() != parent.SpanContext().SpanID() {
		t.Error("gateway span is not a child of payment.process")
	}
	attrs := attrMap(gw.Attributes())
	if attrs[AttrGatewayOp] != "charge" || attrs["peer.service"] != "payment-gateway" {
		t.Errorf("unexpected attributes %v", attrs)
	}
}

func TestAddEventAndSetAttributes(t *testing.T) {
	rec := record(t)
	ctx, end := StartSpan(context.Background(), "payment.process")
	SetAttributes(ctx, AttrIdempotencyKey.String("K1"), AttrAmountCents.Int64(1000))
	AddEvent(ctx, "payment.retry", attribute.Int("attempt", 2))
	end(nil)

	span := onlySpan(t, rec)
	attrs := attrMap(span.Attributes())
	if attrs[AttrIdempotencyKey] != "K1" || attrs[AttrAmountCents] != "1000" {
		t.Errorf("unexpected attributes %v", attrs)
	}
	events := span.Events()
	if len(events) != 1 || events[0].Name != "payment.retry" {
		t.Fatalf("unexpected events %v", events)
	}
	if got := attrMap(events[0].Attributes)["attempt"]; got != "2" {
		t.Errorf("attempt = %q", got)
	}
}

func TestHelpers_NoSpanInContext(t *testing.T) {
	// Without a span in ctx these must be no-ops rather than panics.
	SetAttributes(context.Background(), AttrOrderID.String("ord_1"))
	AddEvent(context.Background(), "ignored")
}
