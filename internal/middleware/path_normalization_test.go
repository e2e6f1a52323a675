package middleware

import "testing"

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		expected string
	}{
		{"root", "/", "/"},
		{"payments", "/payments", "/payments"},
		{"refunds", "/refunds", "/refunds"},
		{"webhook", "/webhooks/gateway", "/webhooks/gateway"},
		{"admin reconcile", "/admin/reconcile", "/admin/reconcile"},
		{"health", "/health", "/health"},
		{"ready", "/ready", "/ready"},
		{"metrics", "/metrics", "/metrics"},
		{"order by id", "/orders/ord_123", "/orders/{id}"},
		{"order by uuid", "/orders/550e8400-e29b-41d4-a716-446655440000", "/orders/{id}"},
		{"payment logs", "/orders/ord_123/payment-logs", "/orders/{id}/payment-logs"},
		{"orders collection", "/orders/", "other"},
		{"empty order id", "/orders//payment-logs", "other"},
		{"unknown order subresource", "/orders/ord_1/refunds", "other"},
		{"deep order path", "/orders/ord_1/payment-logs/extra", "other"},
		{"unknown", "/wp-admin/login.php", "other"},
		{"trailing slash", "/payments/", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := normalizePath(tt.path); got != tt.expected {
				t.Errorf("normalizePath(%q) = %q, want %q", tt.path, got, tt.expected)
			}
		})
	}
}

func TestNormalizePath_CardinalityControl(t *testing.T) {
	paths := []string{
		"/orders/1/payment-logs",
		"/orders/2/payment-logs",
		"/orders/550e8400-e29b-41d4-a716-446655440000/payment-logs",
		"/orders/abc-def-ghi/payment-logs",
	}

	seen := make(map[string]bool)
	for _, path := range paths {
		seen[normalizePath(path)] = true
	}
	if len(seen) != 1 || !seen["/orders/{id}/payment-logs"] {
		t.Errorf("expected a single normalized pattern, got %v", seen)
	}

	probes := make(map[string]bool)
	for _, path := range []string{"/a", "/b/c", "/.env", "/admin"} {
		probes[normalizePath(path)] = true
	}
	if len(probes) != 1 {
		t.Errorf("expected unknown paths to share one label, got %v", probes)
	}
}
