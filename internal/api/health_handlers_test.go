package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/onnwee/paycapture/internal/breaker"
)

// mockHealthChecker is a mock implementation of HealthChecker for testing.
type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) HealthCheck(ctx context.Context) error {
	return m.err
}

func TestHealth(t *testing.T) {
	h := NewHealthHandlers(HealthHandlersConfig{})

	rr := httptest.NewRecorder()
	h.Health(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "healthy" || resp.Checks["runtime"] != "ok" {
		t.Errorf("unexpected response %+v", resp)
	}

	rr = httptest.NewRecorder()
	h.Health(rr, httptest.NewRequest(http.MethodPost, "/health", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rr.Code)
	}
}

func TestReady(t *testing.T) {
	failing := &mockHealthChecker{err: errors.New("connection refused")}
	ok := &mockHealthChecker{}

	tests := []struct {
		name       string
		db         HealthChecker
		redis      HealthChecker
		wantStatus int
		wantChecks map[string]string
	}{
		{"all healthy", ok, ok, http.StatusOK, map[string]string{"database": "ok", "redis": "ok"}},
		{"redis not configured", ok, nil, http.StatusOK, map[string]string{"database": "ok", "redis": "not_configured"}},
		{"database down", failing, ok, http.StatusServiceUnavailable, map[string]string{"database": "error", "redis": "ok"}},
		{"redis down", ok, failing, http.StatusServiceUnavailable, map[string]string{"database": "ok", "redis": "error"}},
		{"no database", nil, nil, http.StatusServiceUnavailable, map[string]string{"database": "not_configured"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandlers(HealthHandlersConfig{DBChecker: tt.db, RedisChecker: tt.redis})
			rr := httptest.NewRecorder()
			h.Ready(rr, httptest.NewRequest(http.MethodGet, "/ready", nil))

			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			var resp HealthResponse
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			for k, v := range tt.wantChecks {
				if resp.Checks[k] != v {
					t.Errorf("checks[%q] = %q, want %q", k, resp.Checks[k], v)
				}
			}
		})
	}
}

func TestReady_ReportsBreakersWithoutFailing(t *testing.T) {
	breakers := breaker.NewRegistry(breaker.Settings{FailureThreshold: 1})
	gw := breakers.Get("stripe")
	if err := gw.Allow(); err != nil {
		t.Fatalf("Allow: %v", err)
	}
	gw.Failure()

	h := NewHealthHandlers(HealthHandlersConfig{DBChecker: &mockHealthChecker{}, Breakers: breakers})
	rr := httptest.NewRecorder()
	h.Ready(rr, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with an open breaker", rr.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Checks["breaker:stripe"] != "open" {
		t.Errorf("breaker:stripe = %q, want open", resp.Checks["breaker:stripe"])
	}
}
