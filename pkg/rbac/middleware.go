package rbac

import (
	"net/http"

	"github.com/gorilla/mux"
)

// ScopeFunc derives the authorization scope from a request
type ScopeFunc func(r *http.Request) Scope

// SystemScopeFunc always returns the system scope
func SystemScopeFunc(*http.Request) Scope {
	return SystemScope()
}

// OrgScopeFromPath reads the organization id from a gorilla/mux path variable
func OrgScopeFromPath(varName string) ScopeFunc {
	return func(r *http.Request) Scope {
		return OrgScope(mux.Vars(r)[varName])
	}
}

// DecisionHook observes every decision made by the middleware
type DecisionHook func(r *http.Request, actor Actor, d Decision)

// PermissionMiddleware provides middleware for permission checking
type PermissionMiddleware struct {
	engine *Engine
	source MembershipSource
	hooks  []DecisionHook
}

// NewPermissionMiddleware creates a new permission middleware
func NewPermissionMiddleware(engine *Engine, source MembershipSource, hooks ...DecisionHook) *PermissionMiddleware {
	return &PermissionMiddleware{
		engine: engine,
		source: source,
		hooks:  hooks,
	}
}

// RequirePermission creates middleware that requires a specific permission
func (pm *PermissionMiddleware) RequirePermission(resource Resource, action Action, scope ScopeFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := ActorFromContext(r.Context())
			if !actor.IsAuthenticated() {
				http.Error(w, "Authentication required", http.StatusUnauthorized)
				return
			}

			decision, err := pm.engine.Check(r.Context(), pm.source, actor, resource, action, scope(r))
			for _, hook := range pm.hooks {
				hook(r, actor, decision)
			}
			if err != nil {
				http.Error(w, "Permission check failed", http.StatusServiceUnavailable)
				return
			}

			if !decision.Allowed {
				if decision.Reason == ReasonOrgNotFound {
					http.Error(w, "Organization not found", http.StatusNotFound)
					return
				}
				http.Error(w, "Insufficient permissions: "+decision.Reason, http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireSystemAdmin creates middleware that only admits system admins
func (pm *PermissionMiddleware) RequireSystemAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := ActorFromContext(r.Context())
			if !actor.IsAuthenticated() {
				http.Error(w, "Authentication required", http.StatusUnauthorized)
				return
			}
			if !actor.IsSystemAdmin() {
				http.Error(w, "Administrator access required", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
