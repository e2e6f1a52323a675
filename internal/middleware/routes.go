package middleware

import "strings"

// staticRoutes are reported under their own path.
var staticRoutes = map[string]bool{
	"/":                 true,
	"/payments":         true,
	"/refunds":          true,
	"/webhooks/gateway": true,
	"/admin/reconcile":  true,
	"/health":           true,
	"/ready":            true,
	"/metrics":          true,
}

// normalizePath maps a request path to its route pattern for metric labels,
// span names and logs: /orders/ord_9/payment-logs becomes
// /orders/{id}/payment-logs. Anything that is not a route becomes "other".
func normalizePath(path string) string {
	if staticRoutes[path] {
		return path
	}
	rest, ok := strings.CutPrefix(path, "/orders/")
	if !ok {
		return "other"
	}
	id, sub, nested := strings.Cut(rest, "/")
	switch {
	case id == "":
		return "other"
	case !nested:
		return "/orders/{id}"
	case sub == "payment-logs":
		return "/orders/{id}/payment-logs"
	default:
		return "other"
	}
}

func isProbe(path string) bool {
	return path == "/health" || path == "/ready"
}
