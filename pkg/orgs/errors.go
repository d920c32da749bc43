package orgs

import (
	"errors"
	"fmt"
)

// Kind classifies service errors for callers
type Kind string

const (
	KindAuthorizationDenied Kind = "authorization_denied"
	KindValidation          Kind = "validation"
	KindConflict            Kind = "conflict"
	KindExpired             Kind = "expired"
	KindInvariantViolation  Kind = "invariant_violation"
	KindNotFound            Kind = "not_found"
	KindDependencyFailure   Kind = "dependency_failure"
)

var (
	ErrOrganizationNotFound       = errors.New("organization not found")
	ErrMemberNotFound             = errors.New("member not found")
	ErrInvitationNotFound         = errors.New("invitation not found")
	ErrDuplicateSlug              = errors.New("organization slug already exists")
	ErrDuplicatePendingInvitation = errors.New("a pending invitation already exists for this email")
	ErrInvitationExpired          = errors.New("invitation has expired")
	ErrInvitationRevoked          = errors.New("invitation has been revoked")
	ErrInvitationNotPending       = errors.New("invitation is no longer pending")
	ErrInvitationEmailMismatch    = errors.New("invitation was issued to a different email")
	ErrLastOwner                  = errors.New("cannot remove the only owner - assign a new owner first")
	ErrOrganizationCreationFailed = errors.New("organization creation failed")
	ErrRoleAssignmentNotAllowed   = errors.New("role assignment not permitted")
	ErrInvalidRole                = errors.New("invalid organization role")
	ErrInvalidEmail               = errors.New("invalid email address")
	ErrInvalidName                = errors.New("organization name is required")
	ErrAlreadyMember              = errors.New("user is already a member")
	ErrAdminMembership            = errors.New("system admins are not organization members")
)

// Error is the error type returned by Service operations
type Error struct {
	Kind   Kind
	Op     string
	Reason string // safe to show to the caller, set for denials
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Reason != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Reason, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Reason != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Reason)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of err, or an empty Kind when err is not an *Error
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries kind
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// ReasonOf returns the caller-safe reason carried by err
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

func denied(op, reason string) error {
	return &Error{Kind: KindAuthorizationDenied, Op: op, Reason: reason}
}

func invalid(op string, err error) error {
	return &Error{Kind: KindValidation, Op: op, Err: err}
}

func conflict(op string, err error) error {
	return &Error{Kind: KindConflict, Op: op, Err: err}
}

func notFound(op string, err error) error {
	return &Error{Kind: KindNotFound, Op: op, Err: err}
}

func dependency(op string, err error) error {
	return &Error{Kind: KindDependencyFailure, Op: op, Err: err}
}

// classify wraps a store error with the matching kind. Errors that are
// already classified pass through untouched.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	switch {
	case errors.Is(err, ErrOrganizationNotFound),
		errors.Is(err, ErrMemberNotFound),
		errors.Is(err, ErrInvitationNotFound):
		return notFound(op, err)
	case errors.Is(err, ErrDuplicateSlug),
		errors.Is(err, ErrDuplicatePendingInvitation),
		errors.Is(err, ErrAlreadyMember):
		return conflict(op, err)
	case errors.Is(err, ErrInvitationExpired), errors.Is(err, ErrInvitationRevoked):
		return &Error{Kind: KindExpired, Op: op, Err: err}
	case errors.Is(err, ErrLastOwner):
		return &Error{Kind: KindInvariantViolation, Op: op, Err: err}
	case errors.Is(err, ErrInvitationNotPending):
		return conflict(op, err)
	default:
		return dependency(op, err)
	}
}
