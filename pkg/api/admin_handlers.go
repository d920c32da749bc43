package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/backoffice/pkg/audit"
	"github.com/platinummonkey/backoffice/pkg/httputil"
	"github.com/platinummonkey/backoffice/pkg/orgs"
	"github.com/platinummonkey/backoffice/pkg/provisioning"
	"github.com/platinummonkey/backoffice/pkg/rbac"
)

// AdminHandlers serves the system-admin routes. The router gates every
// route on RequireSystemAdmin.
type AdminHandlers struct {
	service     *orgs.Service
	provisioner *provisioning.Provisioner
	audit       AuditSearcher
}

// RegisterRoutes registers admin routes on a router already mounted at /admin
func (h *AdminHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/users", h.ListUsers).Methods("GET")
	router.HandleFunc("/users", h.CreateUser).Methods("POST")
	router.HandleFunc("/users/{userID}", h.GetUser).Methods("GET")
	router.HandleFunc("/audit", h.SearchAudit).Methods("GET")
	router.HandleFunc("/invitations/sweep", h.SweepInvitations).Methods("POST")
}

// ListUsers handles GET /admin/users
func (h *AdminHandlers) ListUsers(w http.ResponseWriter, r *http.Request) {
	limit, err := httputil.ParseQueryInt(r, "limit", 50)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	offset, err := httputil.ParseQueryInt(r, "offset", 0)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	users, total, err := h.provisioner.ListUsers(r.Context(), rbac.ActorFromContext(r.Context()), limit, offset)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"users":  users,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// CreateUser handles POST /admin/users
func (h *AdminHandlers) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req provisioning.Request
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	result, err := h.provisioner.ProvisionUser(r.Context(), rbac.ActorFromContext(r.Context()), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeProvisionResult(w, result)
}

// GetUser handles GET /admin/users/{userID}
func (h *AdminHandlers) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.provisioner.GetUser(r.Context(), rbac.ActorFromContext(r.Context()), httputil.PathParam(r, "userID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, user)
}

// SearchAudit handles GET /admin/audit
func (h *AdminHandlers) SearchAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		httputil.WriteErrorMessage(w, http.StatusNotImplemented, "audit search is not configured")
		return
	}

	filter, err := parseAuditFilter(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	events, err := h.audit.Search(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, &orgs.Error{Kind: orgs.KindDependencyFailure, Op: "SearchAudit", Err: err})
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"events": events})
}

// SweepInvitations handles POST /admin/invitations/sweep
func (h *AdminHandlers) SweepInvitations(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.CleanupExpiredInvitations(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]int64{"expired": n})
}

func parseAuditFilter(r *http.Request) (audit.SearchFilter, error) {
	q := r.URL.Query()
	filter := audit.SearchFilter{
		ActorID:        q.Get("actor_id"),
		OrganizationID: q.Get("organization_id"),
		ResourceType:   audit.ResourceType(q.Get("resource_type")),
		ResourceID:     q.Get("resource_id"),
	}
	for _, t := range q["event_type"] {
		filter.EventTypes = append(filter.EventTypes, audit.EventType(t))
	}
	if status := q.Get("status"); status != "" {
		s := audit.EventStatus(status)
		filter.Status = &s
	}

	for key, dest := range map[string]**time.Time{"start": &filter.StartTime, "end": &filter.EndTime} {
		if raw := q.Get(key); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return filter, fmt.Errorf("invalid %s: expected an RFC 3339 timestamp", key)
			}
			*dest = &t
		}
	}

	var err error
	if filter.Limit, err = httputil.ParseQueryInt(r, "limit", 100); err != nil {
		return filter, err
	}
	if filter.Offset, err = httputil.ParseQueryInt(r, "offset", 0); err != nil {
		return filter, err
	}
	if filter.Limit <= 0 || filter.Limit > 1000 {
		filter.Limit = 100
	}
	return filter, nil
}
