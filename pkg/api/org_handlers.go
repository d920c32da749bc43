package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/backoffice/pkg/httputil"
	"github.com/platinummonkey/backoffice/pkg/orgs"
	"github.com/platinummonkey/backoffice/pkg/provisioning"
	"github.com/platinummonkey/backoffice/pkg/rbac"
)

// OrgHandlers handles organization, membership and invitation requests
type OrgHandlers struct {
	service     *orgs.Service
	provisioner *provisioning.Provisioner
	permissions *rbac.PermissionMiddleware
}

// RegisterRoutes registers organization routes
func (h *OrgHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/orgs", h.ListOrganizations).Methods("GET")
	router.HandleFunc("/orgs", h.CreateOrganization).Methods("POST")
	router.HandleFunc("/orgs/by-slug/{slug}", h.GetOrganizationBySlug).Methods("GET")
	router.HandleFunc("/orgs/{orgID}", h.GetOrganization).Methods("GET")
	router.HandleFunc("/orgs/{orgID}", h.UpdateOrganization).Methods("PATCH")
	router.HandleFunc("/orgs/{orgID}", h.DeleteOrganization).Methods("DELETE")

	// Members
	router.HandleFunc("/orgs/{orgID}/members", h.ListMembers).Methods("GET")
	router.HandleFunc("/orgs/{orgID}/members/{userID}", h.ChangeRole).Methods("PATCH")
	router.HandleFunc("/orgs/{orgID}/members/{userID}", h.RemoveMember).Methods("DELETE")
	router.HandleFunc("/orgs/{orgID}/leave", h.LeaveOrganization).Methods("POST")
	router.HandleFunc("/orgs/{orgID}/users", h.ProvisionUser).Methods("POST")

	// Invitations
	router.HandleFunc("/orgs/{orgID}/invitations", h.ListInvitations).Methods("GET")
	router.HandleFunc("/orgs/{orgID}/invitations", h.InviteMember).Methods("POST")
	router.HandleFunc("/orgs/{orgID}/invitations/{invitationID}", h.RevokeInvitation).Methods("DELETE")
	router.HandleFunc("/invitations/{invitationID}", h.GetInvitation).Methods("GET")
	router.HandleFunc("/invitations/{invitationID}/accept", h.AcceptInvitation).Methods("POST")

	// Permissions
	router.Handle("/orgs/{orgID}/permissions",
		h.permissions.RequirePermission(rbac.ResourceOrganization, rbac.ActionRead, rbac.OrgScopeFromPath("orgID"))(http.HandlerFunc(h.EffectivePermissions)),
	).Methods("GET")
	router.HandleFunc("/authz/check", h.CheckPermission).Methods("POST")
}

type createOrganizationRequest struct {
	Name        string `json:"name"`
	OwnerUserID string `json:"owner_user_id,omitempty"`
	OwnerEmail  string `json:"owner_email,omitempty"`
}

type updateOrganizationRequest struct {
	Name string `json:"name"`
}

type changeRoleRequest struct {
	Role rbac.RoleName `json:"role"`
}

type inviteRequest struct {
	Email  string        `json:"email"`
	Role   rbac.RoleName `json:"role"`
	Resend bool          `json:"resend,omitempty"`
}

type checkRequest struct {
	Resource       rbac.Resource `json:"resource"`
	Action         rbac.Action   `json:"action"`
	OrganizationID string        `json:"organization_id,omitempty"`
}

// InvitationResponse reports a stored invitation and whether its email
// went out
type InvitationResponse struct {
	Invitation    *orgs.Invitation `json:"invitation"`
	URL           string           `json:"url"`
	Resent        bool             `json:"resent"`
	Delivered     bool             `json:"delivered"`
	DeliveryError string           `json:"delivery_error,omitempty"`
}

func newInvitationResponse(result *orgs.InviteResult) *InvitationResponse {
	if result == nil {
		return nil
	}
	resp := &InvitationResponse{
		Invitation: result.Invitation,
		URL:        result.URL,
		Resent:     result.Resent,
		Delivered:  result.Delivered(),
	}
	if !resp.Delivered {
		resp.DeliveryError = "invitation email could not be delivered"
	}
	return resp
}

// ListOrganizations handles GET /orgs
func (h *OrgHandlers) ListOrganizations(w http.ResponseWriter, r *http.Request) {
	limit, err := httputil.ParseQueryInt(r, "limit", orgs.DefaultListLimit)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	offset, err := httputil.ParseQueryInt(r, "offset", 0)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	page, err := h.service.ListOrganizations(r.Context(), rbac.ActorFromContext(r.Context()), orgs.ListOptions{Limit: limit, Offset: offset})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, page)
}

// CreateOrganization handles POST /orgs. The owner is either an existing
// user or an email address that receives an owner invitation.
func (h *OrgHandlers) CreateOrganization(w http.ResponseWriter, r *http.Request) {
	var req createOrganizationRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if (req.OwnerUserID == "") == (req.OwnerEmail == "") {
		httputil.WriteBadRequest(w, "exactly one of owner_user_id or owner_email is required")
		return
	}

	actor := rbac.ActorFromContext(r.Context())
	if req.OwnerUserID != "" {
		org, err := h.service.CreateOrganizationWithOwner(r.Context(), actor, req.Name, req.OwnerUserID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		httputil.WriteCreated(w, map[string]interface{}{"organization": org})
		return
	}

	org, result, err := h.service.CreateOrganizationWithInvitation(r.Context(), actor, req.Name, req.OwnerEmail)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	body := map[string]interface{}{
		"organization": org,
		"invitation":   newInvitationResponse(result),
	}
	if result != nil && !result.Delivered() {
		httputil.WriteAccepted(w, body)
		return
	}
	httputil.WriteCreated(w, body)
}

// GetOrganization handles GET /orgs/{orgID}
func (h *OrgHandlers) GetOrganization(w http.ResponseWriter, r *http.Request) {
	org, err := h.service.GetOrganization(r.Context(), rbac.ActorFromContext(r.Context()), httputil.PathParam(r, "orgID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, org)
}

// GetOrganizationBySlug handles GET /orgs/by-slug/{slug}
func (h *OrgHandlers) GetOrganizationBySlug(w http.ResponseWriter, r *http.Request) {
	org, err := h.service.GetOrganizationBySlug(r.Context(), rbac.ActorFromContext(r.Context()), httputil.PathParam(r, "slug"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, org)
}

// UpdateOrganization handles PATCH /orgs/{orgID}. Only the name changes;
// the slug is permanent.
func (h *OrgHandlers) UpdateOrganization(w http.ResponseWriter, r *http.Request) {
	var req updateOrganizationRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	org, err := h.service.UpdateOrganization(r.Context(), rbac.ActorFromContext(r.Context()), httputil.PathParam(r, "orgID"), req.Name)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, org)
}

// DeleteOrganization handles DELETE /orgs/{orgID}
func (h *OrgHandlers) DeleteOrganization(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteOrganization(r.Context(), rbac.ActorFromContext(r.Context()), httputil.PathParam(r, "orgID")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// ListMembers handles GET /orgs/{orgID}/members
func (h *OrgHandlers) ListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.service.ListMembers(r.Context(), rbac.ActorFromContext(r.Context()), httputil.PathParam(r, "orgID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"members": members})
}

// ChangeRole handles PATCH /orgs/{orgID}/members/{userID}
func (h *OrgHandlers) ChangeRole(w http.ResponseWriter, r *http.Request) {
	var req changeRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	membership, err := h.service.ChangeRole(r.Context(), rbac.ActorFromContext(r.Context()),
		httputil.PathParam(r, "orgID"), httputil.PathParam(r, "userID"), req.Role)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, membership)
}

// RemoveMember handles DELETE /orgs/{orgID}/members/{userID}
func (h *OrgHandlers) RemoveMember(w http.ResponseWriter, r *http.Request) {
	err := h.service.RemoveMember(r.Context(), rbac.ActorFromContext(r.Context()),
		httputil.PathParam(r, "orgID"), httputil.PathParam(r, "userID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// LeaveOrganization handles POST /orgs/{orgID}/leave
func (h *OrgHandlers) LeaveOrganization(w http.ResponseWriter, r *http.Request) {
	if err := h.service.LeaveOrganization(r.Context(), rbac.ActorFromContext(r.Context()), httputil.PathParam(r, "orgID")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// ListInvitations handles GET /orgs/{orgID}/invitations
func (h *OrgHandlers) ListInvitations(w http.ResponseWriter, r *http.Request) {
	includeExpired, err := httputil.ParseQueryBool(r, "include_expired", false)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	invitations, err := h.service.ListInvitations(r.Context(), rbac.ActorFromContext(r.Context()), httputil.PathParam(r, "orgID"), includeExpired)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"invitations": invitations})
}

// InviteMember handles POST /orgs/{orgID}/invitations. A stored invitation
// whose email failed returns 202.
func (h *OrgHandlers) InviteMember(w http.ResponseWriter, r *http.Request) {
	var req inviteRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	result, err := h.service.InviteMember(r.Context(), rbac.ActorFromContext(r.Context()),
		httputil.PathParam(r, "orgID"), req.Email, req.Role, orgs.InviteOptions{Resend: req.Resend})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	resp := newInvitationResponse(result)
	switch {
	case !result.Delivered():
		httputil.WriteAccepted(w, resp)
	case result.Resent:
		httputil.WriteSuccess(w, resp)
	default:
		httputil.WriteCreated(w, resp)
	}
}

// ProvisionUser handles POST /orgs/{orgID}/users. The new account is
// invited into the organization from the path.
func (h *OrgHandlers) ProvisionUser(w http.ResponseWriter, r *http.Request) {
	var req provisioning.Request
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	req.OrganizationID = httputil.PathParam(r, "orgID")
	req.OrganizationName = ""

	result, err := h.provisioner.ProvisionUser(r.Context(), rbac.ActorFromContext(r.Context()), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeProvisionResult(w, result)
}

// RevokeInvitation handles DELETE /orgs/{orgID}/invitations/{invitationID}
func (h *OrgHandlers) RevokeInvitation(w http.ResponseWriter, r *http.Request) {
	err := h.service.RevokeInvitation(r.Context(), rbac.ActorFromContext(r.Context()),
		httputil.PathParam(r, "orgID"), httputil.PathParam(r, "invitationID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// GetInvitation handles GET /invitations/{invitationID}
func (h *OrgHandlers) GetInvitation(w http.ResponseWriter, r *http.Request) {
	inv, err := h.service.GetInvitation(r.Context(), rbac.ActorFromContext(r.Context()), httputil.PathParam(r, "invitationID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, inv)
}

// AcceptInvitation handles POST /invitations/{invitationID}/accept
func (h *OrgHandlers) AcceptInvitation(w http.ResponseWriter, r *http.Request) {
	membership, err := h.service.AcceptInvitation(r.Context(), rbac.ActorFromContext(r.Context()), httputil.PathParam(r, "invitationID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, membership)
}

// EffectivePermissions handles GET /orgs/{orgID}/permissions
func (h *OrgHandlers) EffectivePermissions(w http.ResponseWriter, r *http.Request) {
	orgID := httputil.PathParam(r, "orgID")
	perms, err := h.service.EffectivePermissions(r.Context(), rbac.ActorFromContext(r.Context()), orgID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"organization_id": orgID,
		"permissions":     perms,
	})
}

// CheckPermission handles POST /authz/check. The decision is returned as
// data; a denial is still a 200.
func (h *OrgHandlers) CheckPermission(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Resource == "" || req.Action == "" {
		httputil.WriteBadRequest(w, "resource and action are required")
		return
	}
	decision, err := h.service.CheckPermission(r.Context(), rbac.ActorFromContext(r.Context()), req.Resource, req.Action, req.OrganizationID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, decision)
}
