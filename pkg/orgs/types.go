package orgs

import (
	"time"

	"github.com/platinummonkey/backoffice/pkg/rbac"
)

// Organization represents a tenant
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OrganizationSummary is an organization with listing counters
type OrganizationSummary struct {
	Organization
	MemberCount            int           `json:"member_count"`
	PendingInvitationCount int           `json:"pending_invitations_count"`
	Role                   rbac.RoleName `json:"role,omitempty"` // caller's role, empty for admins
}

// Membership links a user to an organization with a role. At most one row
// exists per (user, organization).
type Membership struct {
	UserID         string        `json:"user_id"`
	OrganizationID string        `json:"organization_id"`
	Role           rbac.RoleName `json:"role"`
	JoinedAt       time.Time     `json:"joined_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// InvitationStatus is the persisted state of an invitation
type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
	InvitationExpired  InvitationStatus = "expired"
	InvitationRevoked  InvitationStatus = "revoked"
)

// IsTerminal reports whether no further transitions are possible
func (s InvitationStatus) IsTerminal() bool {
	return s == InvitationAccepted || s == InvitationExpired || s == InvitationRevoked
}

// Invitation is a pending offer of a membership
type Invitation struct {
	ID             string           `json:"id"`
	OrganizationID string           `json:"organization_id"`
	Email          string           `json:"email"`
	Role           rbac.RoleName    `json:"role"`
	Status         InvitationStatus `json:"status"`
	InvitedBy      string           `json:"invited_by"`
	CreatedAt      time.Time        `json:"created_at"`
	ExpiresAt      time.Time        `json:"expires_at"`
	AcceptedAt     *time.Time       `json:"accepted_at,omitempty"`
	AcceptedBy     *string          `json:"accepted_by,omitempty"`
}

// IsExpired reports whether a pending invitation is past its expiry at now
func (i *Invitation) IsExpired(now time.Time) bool {
	return i.Status == InvitationPending && now.After(i.ExpiresAt)
}

// EffectiveStatus projects lazy expiry onto the stored status
func (i *Invitation) EffectiveStatus(now time.Time) InvitationStatus {
	if i.IsExpired(now) {
		return InvitationExpired
	}
	return i.Status
}

// IsActive reports whether the invitation can still be accepted at now
func (i *Invitation) IsActive(now time.Time) bool {
	return i.Status == InvitationPending && !now.After(i.ExpiresAt)
}

// ListOptions paginates listings
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListLimit is used when ListOptions.Limit is zero
const DefaultListLimit = 100

func (o ListOptions) normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = DefaultListLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}

// OrganizationPage is one page of organizations
type OrganizationPage struct {
	Organizations []*OrganizationSummary `json:"organizations"`
	Total         int                    `json:"total"`
	Limit         int                    `json:"limit"`
	Offset        int                    `json:"offset"`
}

// InviteOptions modifies InviteMember
type InviteOptions struct {
	// Resend extends the expiry of an existing active invitation for the
	// same email and organization instead of failing.
	Resend bool
}

// InviteResult reports the outcome of an invitation. A non-nil DeliveryErr
// means the invitation was stored but the email could not be sent.
type InviteResult struct {
	Invitation  *Invitation `json:"invitation"`
	URL         string      `json:"url"`
	Resent      bool        `json:"resent"`
	DeliveryErr error       `json:"-"`
}

// Delivered reports whether the invitation email was dispatched
func (r *InviteResult) Delivered() bool {
	return r.DeliveryErr == nil
}
