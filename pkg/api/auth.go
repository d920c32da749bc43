package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/platinummonkey/backoffice/pkg/httputil"
	"github.com/platinummonkey/backoffice/pkg/observability"
	"github.com/platinummonkey/backoffice/pkg/rbac"
)

// tokenFromRequest reads the bearer token, falling back to the session cookie
func tokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		return cookie.Value
	}
	return ""
}

// AuthMiddleware resolves the session token to an actor and stores it in
// the request context. Requests without a valid session get a 401.
func AuthMiddleware(resolver ActorResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := tokenFromRequest(r)
			if token == "" {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}

			actor, err := resolver.ResolveActor(r.Context(), token)
			if errors.Is(err, ErrUnauthenticated) {
				httputil.WriteUnauthorized(w, "invalid or expired session")
				return
			}
			if err != nil {
				observability.FromContext(r.Context()).WithError(err).Error("failed to resolve session")
				httputil.WriteErrorMessage(w, http.StatusServiceUnavailable, "session store unavailable")
				return
			}
			if !actor.IsAuthenticated() {
				httputil.WriteUnauthorized(w, "invalid or expired session")
				return
			}

			ctx := rbac.WithActor(r.Context(), actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
