package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/platinummonkey/backoffice/pkg/orgs"
	"github.com/platinummonkey/backoffice/pkg/rbac"
)

func TestWriteServiceError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantReason string
		wantBody   string
	}{
		{
			name:       "denied",
			err:        &orgs.Error{Kind: orgs.KindAuthorizationDenied, Op: "InviteMember", Reason: rbac.ReasonRoleInsufficient},
			wantStatus: http.StatusForbidden,
			wantReason: rbac.ReasonRoleInsufficient,
			wantBody:   "permission denied",
		},
		{
			name:       "unauthenticated",
			err:        &orgs.Error{Kind: orgs.KindAuthorizationDenied, Reason: rbac.ReasonUnauthenticated},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "organization not found",
			err:        &orgs.Error{Kind: orgs.KindAuthorizationDenied, Reason: rbac.ReasonOrgNotFound, Err: orgs.ErrOrganizationNotFound},
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "validation",
			err:        &orgs.Error{Kind: orgs.KindValidation, Err: orgs.ErrInvalidEmail},
			wantStatus: http.StatusBadRequest,
			wantBody:   orgs.ErrInvalidEmail.Error(),
		},
		{
			name:       "conflict",
			err:        &orgs.Error{Kind: orgs.KindConflict, Err: orgs.ErrDuplicatePendingInvitation},
			wantStatus: http.StatusConflict,
		},
		{
			name:       "expired",
			err:        &orgs.Error{Kind: orgs.KindExpired, Err: orgs.ErrInvitationExpired},
			wantStatus: http.StatusGone,
		},
		{
			name:       "last owner",
			err:        &orgs.Error{Kind: orgs.KindInvariantViolation, Err: orgs.ErrLastOwner},
			wantStatus: http.StatusUnprocessableEntity,
			wantBody:   orgs.ErrLastOwner.Error(),
		},
		{
			name:       "not found",
			err:        &orgs.Error{Kind: orgs.KindNotFound, Err: orgs.ErrInvitationNotFound},
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "dependency failure hides cause",
			err:        &orgs.Error{Kind: orgs.KindDependencyFailure, Err: errors.New("dial tcp: connection refused")},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   "service temporarily unavailable",
		},
		{
			name:       "unclassified",
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			wantBody:   "internal server error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeServiceError(rec, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			if tt.wantReason != "" {
				assert.Contains(t, rec.Body.String(), tt.wantReason)
			}
			if tt.wantBody != "" {
				assert.Contains(t, rec.Body.String(), tt.wantBody)
			}
			assert.NotContains(t, rec.Body.String(), "connection refused")
		})
	}
}
