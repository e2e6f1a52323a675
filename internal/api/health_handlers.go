package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/paycapture/internal/breaker"
)

// HealthChecker is implemented by dependencies the readiness probe pings.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// BreakerSnapshots exposes gateway circuit breaker state to /ready.
type BreakerSnapshots interface {
	Snapshots() []breaker.Snapshot
}

// HealthHandlersConfig configures the liveness and readiness endpoints.
type HealthHandlersConfig struct {
	DBChecker HealthChecker
	// RedisChecker is nil when Redis is not configured (single replica).
	RedisChecker HealthChecker
	// Breakers, when set, reports breaker states. An open breaker does not
	// fail readiness: the service still answers with 503 service_unavailable
	// and should stay in rotation for replays and reads.
	Breakers BreakerSnapshots
	// Timeout bounds the whole readiness check. Defaults to 5s.
	Timeout time.Duration
	Now     func() time.Time
}

type dependency struct {
	name    string
	checker HealthChecker
	// required dependencies fail readiness when missing.
	required bool
}

// HealthHandlers serves GET /health and GET /ready.
type HealthHandlers struct {
	deps     []dependency
	breakers BreakerSnapshots
	timeout  time.Duration
	now      func() time.Time
}

func NewHealthHandlers(config HealthHandlersConfig) *HealthHandlers {
	h := &HealthHandlers{
		deps: []dependency{
			{name: "database", checker: config.DBChecker, required: true},
			{name: "redis", checker: config.RedisChecker},
		},
		breakers: config.Breakers,
		timeout:  config.Timeout,
		now:      config.Now,
	}
	if h.timeout <= 0 {
		h.timeout = 5 * time.Second
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// HealthResponse is the body of both probes.
type HealthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Health is the liveness probe: 200 whenever the process can serve requests.
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, r.Context(), http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "Method not allowed")
		return
	}
	h.respond(w, r.Context(), true, map[string]string{"runtime": "ok"})
}

// Ready is the readiness probe. The database must answer; Redis must answer
// when configured. Breaker states are reported as "breaker:<name>".
func (h *HealthHandlers) Ready(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, r.Context(), http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "Method not allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := make(map[string]string, len(h.deps)+1)
	ready := true
	for _, dep := range h.deps {
		switch {
		case dep.checker == nil:
			checks[dep.name] = "not_configured"
			if dep.required {
				ready = false
			}
		default:
			if err := dep.checker.HealthCheck(ctx); err != nil {
				checks[dep.name] = "error"
				ready = false
				slog.WarnContext(ctx, "readiness check failed", "dependency", dep.name, "error", err)
				continue
			}
			checks[dep.name] = "ok"
		}
	}

	if h.breakers != nil {
		for _, snap := range h.breakers.Snapshots() {
			checks["breaker:"+snap.Name] = snap.State.String()
		}
	}

	h.respond(w, r.Context(), ready, checks)
}

func (h *HealthHandlers) respond(w http.ResponseWriter, ctx context.Context, ok bool, checks map[string]string) {
	status, code := "healthy", http.StatusOK
	if !ok {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	writeJSON(w, ctx, code, HealthResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: h.now().UTC().Format(time.RFC3339),
	})
}
