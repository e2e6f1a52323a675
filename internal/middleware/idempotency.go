package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/onnwee/paycapture/internal/idempotency"
)

const IdempotencyKeyHeader = "Idempotency-Key"

// RequireIdempotencyKey rejects a POST to any of paths unless it carries a
// well-formed Idempotency-Key, and stores the key on the request context for
// GetIdempotencyKey. It only checks the header; deduplication and replay
// happen in the payment coordinator.
func RequireIdempotencyKey(paths ...string) func(http.Handler) http.Handler {
	guarded := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		guarded[p] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := guarded[r.URL.Path]; !ok || r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get(IdempotencyKeyHeader)
			if key == "" {
				writeError(w, r.Context(), http.StatusBadRequest, "missing_idempotency_key",
					"Idempotency-Key header is required for this request")
				return
			}
			if err := idempotency.ValidateKey(key); err != nil {
				code := "invalid_idempotency_key"
				if errors.Is(err, idempotency.ErrKeyTooLong) {
					code = "idempotency_key_too_long"
				}
				writeError(w, r.Context(), http.StatusBadRequest, code, "Idempotency-Key: "+err.Error())
				return
			}

			next.ServeHTTP(w, r.WithContext(SetIdempotencyKey(r.Context(), key)))
		})
	}
}

// writeError mirrors the API error envelope {"error":{"code","message"}} for
// rejections raised before a handler runs.
func writeError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	UpdateResponseContext(w, SetErrorCode(ctx, code))
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]map[string]string{
		"error": {"code": code, "message": message},
	})
}
