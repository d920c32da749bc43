package api

import (
	"errors"
	"net/http"

	"github.com/platinummonkey/backoffice/pkg/httputil"
	"github.com/platinummonkey/backoffice/pkg/observability"
	"github.com/platinummonkey/backoffice/pkg/orgs"
	"github.com/platinummonkey/backoffice/pkg/rbac"
)

// statusForKind maps a service error kind to an HTTP status
func statusForKind(kind orgs.Kind) int {
	switch kind {
	case orgs.KindAuthorizationDenied:
		return http.StatusForbidden
	case orgs.KindValidation:
		return http.StatusBadRequest
	case orgs.KindConflict:
		return http.StatusConflict
	case orgs.KindExpired:
		return http.StatusGone
	case orgs.KindInvariantViolation:
		return http.StatusUnprocessableEntity
	case orgs.KindNotFound:
		return http.StatusNotFound
	case orgs.KindDependencyFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError writes err as a JSON error. Dependency failures and
// unclassified errors are logged and hidden from the caller.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	logger := observability.FromContext(r.Context())

	var e *orgs.Error
	if !errors.As(err, &e) {
		logger.WithError(err).Error("unhandled error")
		httputil.WriteInternalError(w)
		return
	}

	message := string(e.Kind)
	if e.Err != nil {
		message = e.Err.Error()
	}

	switch e.Kind {
	case orgs.KindAuthorizationDenied:
		switch e.Reason {
		case rbac.ReasonUnauthenticated:
			httputil.WriteUnauthorized(w, "authentication required")
		case rbac.ReasonOrgNotFound:
			httputil.WriteNotFound(w, orgs.ErrOrganizationNotFound.Error())
		default:
			if e.Err == nil {
				message = "permission denied"
			}
			httputil.WriteDenied(w, message, e.Reason)
		}
	case orgs.KindDependencyFailure:
		logger.WithError(err).WithOp(e.Op).Error("dependency failure")
		httputil.WriteErrorMessage(w, http.StatusServiceUnavailable, "service temporarily unavailable")
	default:
		httputil.WriteErrorMessage(w, statusForKind(e.Kind), message)
	}
}
