package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStatusRecorder(t *testing.T) {
	rec := newStatusRecorder(httptest.NewRecorder())
	rec.WriteHeader(http.StatusCreated)
	rec.WriteHeader(http.StatusInternalServerError)
	_, _ = rec.Write([]byte("ch_"))
	_, _ = rec.Write([]byte("123"))

	if rec.status != http.StatusCreated {
		t.Errorf("status = %d, want first status 201", rec.status)
	}
	if rec.bytes != 6 {
		t.Errorf("bytes = %d, want 6", rec.bytes)
	}
}

func TestStatusRecorder_WriteImpliesOK(t *testing.T) {
	underlying := httptest.NewRecorder()
	rec := newStatusRecorder(underlying)
	_, _ = rec.Write([]byte("ok"))
	rec.WriteHeader(http.StatusTeapot)

	if rec.status != http.StatusOK || underlying.Code != http.StatusOK {
		t.Errorf("status = %d (underlying %d), want 200", rec.status, underlying.Code)
	}
}

func TestUpdateResponseContext_ReachesEveryRecorder(t *testing.T) {
	outer := newStatusRecorder(httptest.NewRecorder())
	inner := newStatusRecorder(outer)

	ctx := SetErrorCode(SetOperator(context.Background(), "ops-dana"), "order_not_found")
	UpdateResponseContext(inner, ctx)

	for name, rec := range map[string]*statusRecorder{"inner": inner, "outer": outer} {
		if rec.errorCode != "order_not_found" || rec.operator != "ops-dana" {
			t.Errorf("%s recorder = %q/%q", name, rec.errorCode, rec.operator)
		}
	}
}

func TestUpdateResponseContext_PlainWriter(t *testing.T) {
	// No recorder in the chain: must not panic.
	UpdateResponseContext(httptest.NewRecorder(), SetErrorCode(context.Background(), "x"))
	UpdateResponseContext(nil, context.Background())
}
