package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/onnwee/paycapture/internal/auth"
)

// TokenAuthorizer validates a bearer token and checks it carries scope.
type TokenAuthorizer interface {
	Authorize(token, scope string) (*auth.Claims, error)
}

// RequireOperator guards a handler behind an operator bearer token holding
// scope. The token subject is stored with SetOperator and surfaces in the
// access log.
func RequireOperator(authz TokenAuthorizer, scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="operator"`)
				writeError(w, r.Context(), http.StatusUnauthorized, "unauthorized", "Bearer token required")
				return
			}

			claims, err := authz.Authorize(token, scope)
			switch {
			case err == nil:
			case errors.Is(err, auth.ErrMissingScope):
				ctx := SetOperator(r.Context(), claims.Subject)
				writeError(w, ctx, http.StatusForbidden, "forbidden", "Token lacks the "+scope+" scope")
				return
			default:
				w.Header().Set("WWW-Authenticate", `Bearer realm="operator", error="invalid_token"`)
				writeError(w, r.Context(), http.StatusUnauthorized, "unauthorized", "Invalid or expired token")
				return
			}

			ctx := SetOperator(r.Context(), claims.Subject)
			UpdateResponseContext(w, ctx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
