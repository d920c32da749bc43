package orgs

import (
	"context"
	"time"

	"github.com/platinummonkey/backoffice/pkg/rbac"
)

// Store persists organizations, memberships and invitations. Methods return
// the package sentinel errors (ErrOrganizationNotFound, ErrDuplicateSlug, ...)
// so the service can classify them.
type Store interface {
	// WithTx runs fn in a transaction. The Store passed to fn is bound to
	// the transaction; fn's error rolls it back.
	WithTx(ctx context.Context, fn func(tx Store) error) error

	// Organizations
	CreateOrganization(ctx context.Context, org *Organization) error
	GetOrganization(ctx context.Context, id string) (*Organization, error)
	GetOrganizationBySlug(ctx context.Context, slug string) (*Organization, error)
	// LockOrganization loads the organization and holds a lock on it until
	// the surrounding transaction ends.
	LockOrganization(ctx context.Context, id string) (*Organization, error)
	UpdateOrganizationName(ctx context.Context, id, name string) (*Organization, error)
	DeleteOrganization(ctx context.Context, id string) error
	ListOrganizations(ctx context.Context, now time.Time, opts ListOptions) ([]*OrganizationSummary, int, error)
	ListOrganizationsForUser(ctx context.Context, userID string, now time.Time, opts ListOptions) ([]*OrganizationSummary, int, error)

	// Memberships
	LookupMembership(ctx context.Context, organizationID, userID string) (rbac.MembershipLookup, error)
	GetMembership(ctx context.Context, organizationID, userID string) (*Membership, error)
	UpsertMembership(ctx context.Context, m *Membership) error
	UpdateMembershipRole(ctx context.Context, organizationID, userID string, role rbac.RoleName) error
	DeleteMembership(ctx context.Context, organizationID, userID string) error
	ListMemberships(ctx context.Context, organizationID string) ([]*Membership, error)
	ListMembershipsForUser(ctx context.Context, userID string) ([]*Membership, error)
	CountMembersWithRole(ctx context.Context, organizationID string, role rbac.RoleName) (int, error)

	// Invitations
	CreateInvitation(ctx context.Context, inv *Invitation) error
	GetInvitation(ctx context.Context, id string) (*Invitation, error)
	// LockInvitation loads the invitation and holds a lock on it until the
	// surrounding transaction ends.
	LockInvitation(ctx context.Context, id string) (*Invitation, error)
	// FindPendingInvitation returns the invitation stored as pending for
	// (organization, email), expired or not, or ErrInvitationNotFound.
	FindPendingInvitation(ctx context.Context, organizationID, email string) (*Invitation, error)
	// CountActiveInvitations counts pending, unexpired invitations
	// addressed to email across all organizations.
	CountActiveInvitations(ctx context.Context, email string, now time.Time) (int, error)
	UpdateInvitation(ctx context.Context, inv *Invitation) error
	ListInvitations(ctx context.Context, organizationID string) ([]*Invitation, error)
	// ExpireInvitations marks pending invitations past their expiry as
	// expired and returns how many were changed.
	ExpireInvitations(ctx context.Context, now time.Time) (int64, error)
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
	_ Store = (*memTx)(nil)
)
