package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/backoffice/pkg/audit"
	"github.com/platinummonkey/backoffice/pkg/httputil"
	"github.com/platinummonkey/backoffice/pkg/magiclink"
	"github.com/platinummonkey/backoffice/pkg/observability"
	"github.com/platinummonkey/backoffice/pkg/orgs"
	"github.com/platinummonkey/backoffice/pkg/provisioning"
	"github.com/platinummonkey/backoffice/pkg/rbac"
)

// APIPrefix is the path prefix of every API route
const APIPrefix = "/api/v1"

// TokenRedeemer consumes single-use link tokens
type TokenRedeemer interface {
	Redeem(ctx context.Context, purpose magiclink.Purpose, token string) (*magiclink.Grant, error)
}

// AuditSearcher queries stored audit events
type AuditSearcher interface {
	Search(ctx context.Context, filter audit.SearchFilter) ([]*audit.Event, error)
}

// SessionStore creates and ends sessions
type SessionStore interface {
	ActorResolver
	Create(ctx context.Context, actor rbac.Actor) (string, *Session, error)
	SetActiveOrganization(ctx context.Context, token, organizationID string) error
	Delete(ctx context.Context, token string) error
}

// Deps holds everything the API handlers call into. Audit, RateLimiter and
// Metrics are optional.
type Deps struct {
	Service     *orgs.Service
	Provisioner *provisioning.Provisioner
	Users       provisioning.UserDirectory
	Links       TokenRedeemer
	Sessions    SessionStore
	Audit       AuditSearcher
	RateLimiter *RateLimiter
	Metrics     *observability.Metrics
	Logger      *observability.Logger

	// SecureCookies marks the session cookie Secure
	SecureCookies bool
	// SessionTTL sets the session cookie lifetime
	SessionTTL time.Duration
}

// NewRouter builds the API router
func NewRouter(deps Deps) *mux.Router {
	if deps.Logger == nil {
		deps.Logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	if deps.SessionTTL <= 0 {
		deps.SessionTTL = DefaultSessionTTL
	}

	router := mux.NewRouter()
	router.Use(observability.HTTPMetricsMiddleware(deps.Metrics))
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteNotFound(w, "not found")
	})

	api := router.PathPrefix(APIPrefix).Subrouter()

	auth := &AuthHandlers{deps: deps}
	auth.RegisterPublicRoutes(api)

	authed := api.NewRoute().Subrouter()
	authed.Use(AuthMiddleware(deps.Sessions))
	auth.RegisterRoutes(authed)

	permissions := rbac.NewPermissionMiddleware(deps.Service.Engine(), deps.Service.MembershipSource(), decisionHook(deps.Metrics))
	orgHandlers := &OrgHandlers{service: deps.Service, provisioner: deps.Provisioner, permissions: permissions}
	orgHandlers.RegisterRoutes(authed)

	admin := authed.PathPrefix("/admin").Subrouter()
	admin.Use(permissions.RequireSystemAdmin())
	adminHandlers := &AdminHandlers{
		service:     deps.Service,
		provisioner: deps.Provisioner,
		audit:       deps.Audit,
	}
	adminHandlers.RegisterRoutes(admin)

	return router
}

// decisionHook reports middleware decisions to metrics
func decisionHook(metrics *observability.Metrics) rbac.DecisionHook {
	return func(r *http.Request, actor rbac.Actor, d rbac.Decision) {
		metrics.RecordDecision(r.Context(), string(d.Permission.Resource), string(d.Permission.Action), d.Allowed, d.Reason)
	}
}

// rateLimited wraps h with the limiter when one is configured
func (d Deps) rateLimited(h http.HandlerFunc) http.Handler {
	if d.RateLimiter == nil {
		return h
	}
	return d.RateLimiter.Middleware(h)
}
