package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/backoffice/pkg/httputil"
	"github.com/platinummonkey/backoffice/pkg/magiclink"
	"github.com/platinummonkey/backoffice/pkg/notify"
	"github.com/platinummonkey/backoffice/pkg/observability"
	"github.com/platinummonkey/backoffice/pkg/orgs"
	"github.com/platinummonkey/backoffice/pkg/provisioning"
	"github.com/platinummonkey/backoffice/pkg/rbac"
)

// AuthHandlers serves first-admin setup, link sign-in and the session
type AuthHandlers struct {
	deps Deps
}

// RegisterPublicRoutes registers routes that do not need a session
func (h *AuthHandlers) RegisterPublicRoutes(router *mux.Router) {
	router.Handle("/setup/first-admin", h.deps.rateLimited(h.SetupFirstAdmin)).Methods("POST")
	router.Handle("/auth/magic-link", h.deps.rateLimited(h.RequestMagicLink)).Methods("POST")
	router.Handle("/auth/magic-link/verify", h.deps.rateLimited(h.VerifyMagicLink)).Methods("POST")
	router.Handle("/auth/password-reset", h.deps.rateLimited(h.RequestPasswordReset)).Methods("POST")
	router.Handle("/auth/password-reset/verify", h.deps.rateLimited(h.VerifyPasswordReset)).Methods("POST")
}

// RegisterRoutes registers routes for the signed-in actor
func (h *AuthHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/me", h.Me).Methods("GET")
	router.HandleFunc("/auth/logout", h.Logout).Methods("POST")
	router.HandleFunc("/session/active-organization", h.SetActiveOrganization).Methods("POST")
}

type emailRequest struct {
	Email string `json:"email"`
}

type firstAdminRequest struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type activeOrganizationRequest struct {
	OrganizationID string `json:"organization_id"`
}

// SessionResponse is returned when a link is redeemed
type SessionResponse struct {
	Token         string             `json:"token"`
	ExpiresAt     time.Time          `json:"expires_at"`
	User          *provisioning.User `json:"user"`
	PasswordReset bool               `json:"password_reset,omitempty"`
}

// ProvisionResponse is returned by account creation endpoints
type ProvisionResponse struct {
	*provisioning.Result
	Delivered     bool   `json:"delivered"`
	DeliveryError string `json:"delivery_error,omitempty"`
}

func writeProvisionResult(w http.ResponseWriter, result *provisioning.Result) {
	resp := ProvisionResponse{Result: result, Delivered: result.DeliveryErr == nil}
	if result.DeliveryErr != nil {
		resp.DeliveryError = "link could not be delivered"
		httputil.WriteAccepted(w, resp)
		return
	}
	httputil.WriteCreated(w, resp)
}

// SetupFirstAdmin handles POST /setup/first-admin
func (h *AuthHandlers) SetupFirstAdmin(w http.ResponseWriter, r *http.Request) {
	var req firstAdminRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	result, err := h.deps.Provisioner.BootstrapFirstAdmin(r.Context(), req.Email, req.Name)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeProvisionResult(w, result)
}

// RequestMagicLink handles POST /auth/magic-link. The response is the same
// whether or not the email belongs to an account.
func (h *AuthHandlers) RequestMagicLink(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if err := h.deps.Provisioner.SendSignInLink(r.Context(), req.Email); err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteAccepted(w, map[string]string{"status": "sent"})
}

// RequestPasswordReset handles POST /auth/password-reset
func (h *AuthHandlers) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if err := h.deps.Provisioner.SendPasswordReset(r.Context(), req.Email); err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteAccepted(w, map[string]string{"status": "sent"})
}

// VerifyMagicLink handles POST /auth/magic-link/verify
func (h *AuthHandlers) VerifyMagicLink(w http.ResponseWriter, r *http.Request) {
	h.redeem(w, r, notify.PurposeMagicLink)
}

// VerifyPasswordReset handles POST /auth/password-reset/verify. Passwords
// are stored outside this service; the session it returns is flagged so the
// client can complete the reset with the credential service.
func (h *AuthHandlers) VerifyPasswordReset(w http.ResponseWriter, r *http.Request) {
	h.redeem(w, r, notify.PurposePasswordReset)
}

func (h *AuthHandlers) redeem(w http.ResponseWriter, r *http.Request, purpose magiclink.Purpose) {
	var req tokenRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	grant, err := h.deps.Links.Redeem(r.Context(), purpose, req.Token)
	if errors.Is(err, magiclink.ErrInvalidToken) {
		httputil.WriteUnauthorized(w, "invalid or expired link")
		return
	}
	if err != nil {
		writeServiceError(w, r, &orgs.Error{Kind: orgs.KindDependencyFailure, Op: "RedeemLink", Err: err})
		return
	}

	user, err := h.deps.Users.GetUser(r.Context(), grant.UserID)
	if errors.Is(err, provisioning.ErrUserNotFound) {
		httputil.WriteUnauthorized(w, "invalid or expired link")
		return
	}
	if err != nil {
		writeServiceError(w, r, &orgs.Error{Kind: orgs.KindDependencyFailure, Op: "RedeemLink", Err: err})
		return
	}

	actor := rbac.Actor{UserID: user.ID, Email: user.Email, SystemRole: user.SystemRole}
	token, session, err := h.deps.Sessions.Create(r.Context(), actor)
	if err != nil {
		writeServiceError(w, r, &orgs.Error{Kind: orgs.KindDependencyFailure, Op: "CreateSession", Err: err})
		return
	}

	observability.FromContext(r.Context()).
		WithActor(user.ID, string(user.SystemRole)).
		WithField("purpose", string(purpose)).
		Info("link redeemed, session created")

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		Secure:   h.deps.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	httputil.WriteSuccess(w, SessionResponse{
		Token:         token,
		ExpiresAt:     session.ExpiresAt,
		User:          user,
		PasswordReset: purpose == notify.PurposePasswordReset,
	})
}

// Me handles GET /me
func (h *AuthHandlers) Me(w http.ResponseWriter, r *http.Request) {
	actor := rbac.ActorFromContext(r.Context())

	user, err := h.deps.Users.GetUser(r.Context(), actor.UserID)
	if errors.Is(err, provisioning.ErrUserNotFound) {
		httputil.WriteUnauthorized(w, "account no longer exists")
		return
	}
	if err != nil {
		writeServiceError(w, r, &orgs.Error{Kind: orgs.KindDependencyFailure, Op: "Me", Err: err})
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"user":                   user,
		"active_organization_id": actor.ActiveOrganizationID,
	})
}

// Logout handles POST /auth/logout
func (h *AuthHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Sessions.Delete(r.Context(), tokenFromRequest(r)); err != nil {
		writeServiceError(w, r, &orgs.Error{Kind: orgs.KindDependencyFailure, Op: "Logout", Err: err})
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.deps.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	httputil.WriteNoContent(w)
}

// SetActiveOrganization handles POST /session/active-organization. An empty
// organization id clears the selection.
func (h *AuthHandlers) SetActiveOrganization(w http.ResponseWriter, r *http.Request) {
	var req activeOrganizationRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	actor := rbac.ActorFromContext(r.Context())
	if req.OrganizationID != "" {
		if _, err := h.deps.Service.GetOrganization(r.Context(), actor, req.OrganizationID); err != nil {
			writeServiceError(w, r, err)
			return
		}
	}

	if err := h.deps.Sessions.SetActiveOrganization(r.Context(), tokenFromRequest(r), req.OrganizationID); err != nil {
		if errors.Is(err, ErrUnauthenticated) {
			httputil.WriteUnauthorized(w, "invalid or expired session")
			return
		}
		writeServiceError(w, r, &orgs.Error{Kind: orgs.KindDependencyFailure, Op: "SetActiveOrganization", Err: err})
		return
	}
	httputil.WriteSuccess(w, activeOrganizationRequest{OrganizationID: req.OrganizationID})
}
