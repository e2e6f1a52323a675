package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func registeredMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	m := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}
	return m, reg
}

func family(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() failed: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func TestHTTPMetrics_RouteLabels(t *testing.T) {
	tests := []struct {
		method    string
		path      string
		status    int
		wantRoute string
	}{
		{http.MethodPost, "/payments", http.StatusOK, "/payments"},
		{http.MethodPost, "/refunds", http.StatusAccepted, "/refunds"},
		{http.MethodGet, "/orders/ord_1", http.StatusOK, "/orders/{id}"},
		{http.MethodGet, "/orders/ord_2/payment-logs", http.StatusOK, "/orders/{id}/payment-logs"},
		{http.MethodPost, "/webhooks/gateway", http.StatusUnauthorized, "/webhooks/gateway"},
		{http.MethodGet, "/wp-login.php", http.StatusNotFound, "other"},
	}

	m, _ := registeredMetrics(t)
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			h := HTTPMetrics(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(tt.method, tt.path, nil))

			got := testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues(tt.method, tt.wantRoute, strconv.Itoa(tt.status)))
			if got != 1 {
				t.Errorf("requests_total{%s,%s,%d} = %v, want 1", tt.method, tt.wantRoute, tt.status, got)
			}
		})
	}
}

func TestHTTPMetrics_SkipsProbes(t *testing.T) {
	m, reg := registeredMetrics(t)
	h := HTTPMetrics(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	for _, path := range []string{"/health", "/ready"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	for _, name := range []string{MetricHTTPRequestsTotal, MetricHTTPRequestDuration} {
		if mf := family(t, reg, name); mf != nil && len(mf.GetMetric()) > 0 {
			t.Errorf("%s recorded probe traffic", name)
		}
	}
}

func TestHTTPMetrics_BodySizes(t *testing.T) {
	m, reg := registeredMetrics(t)
	reqBody := `{"order_id":"ord_1","amount_cents":1000}`
	respBody := `{"order_id":"ord_1","status":"completed"}`
	h := HTTPMetrics(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(respBody))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/payments", strings.NewReader(reqBody)))

	for name, want := range map[string]float64{
		MetricHTTPRequestSizeBytes:  float64(len(reqBody)),
		MetricHTTPResponseSizeBytes: float64(len(respBody)),
	} {
		mf := family(t, reg, name)
		if mf == nil || len(mf.GetMetric()) != 1 {
			t.Fatalf("%s: expected one series", name)
		}
		hist := mf.GetMetric()[0].GetHistogram()
		if hist.GetSampleCount() != 1 || hist.GetSampleSum() != want {
			t.Errorf("%s count/sum = %d/%v, want 1/%v", name, hist.GetSampleCount(), hist.GetSampleSum(), want)
		}
	}
}

func TestHTTPMetrics_ChunkedRequestSize(t *testing.T) {
	m, reg := registeredMetrics(t)
	h := HTTPMetrics(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodPost, "/refunds", strings.NewReader("{}"))
	req.ContentLength = -1
	h.ServeHTTP(httptest.NewRecorder(), req)

	hist := family(t, reg, MetricHTTPRequestSizeBytes).GetMetric()[0].GetHistogram()
	if hist.GetSampleSum() != 0 {
		t.Errorf("unknown length recorded as %v, want 0", hist.GetSampleSum())
	}
}

func TestObserveHTTPRequest_Series(t *testing.T) {
	m, reg := registeredMetrics(t)
	m.ObserveHTTPRequest("POST", "/payments", "200", 0.12, 100, 500)
	m.ObserveHTTPRequest("POST", "/payments", "409", 0.01, 100, 80)
	m.ObserveHTTPRequest("POST", "/payments", "200", 0.30, 120, 500)

	if n := testutil.CollectAndCount(m.httpRequestsTotal); n != 2 {
		t.Errorf("requests_total series = %d, want 2", n)
	}
	if got := testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("POST", "/payments", "200")); got != 2 {
		t.Errorf("200 count = %v, want 2", got)
	}
	for _, name := range []string{MetricHTTPRequestDuration, MetricHTTPRequestSizeBytes, MetricHTTPResponseSizeBytes} {
		if family(t, reg, name) == nil {
			t.Errorf("metric %s not gathered", name)
		}
	}
}

func TestHTTPMetrics_InFlight(t *testing.T) {
	m, _ := registeredMetrics(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	h := HTTPMetrics(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
	}))

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/payments", nil))
		close(done)
	}()

	<-entered
	if got := testutil.ToFloat64(m.httpInFlight); got != 1 {
		t.Errorf("in-flight during request = %v, want 1", got)
	}
	close(release)
	<-done
	if got := testutil.ToFloat64(m.httpInFlight); got != 0 {
		t.Errorf("in-flight after request = %v, want 0", got)
	}
}

func TestHTTPMetrics_NilMetrics(t *testing.T) {
	h := HTTPMetrics(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/refunds", strings.NewReader(`{}`)))
	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}
}
