package rbac

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	roles, err := DefaultRoleSet()
	require.NoError(t, err)
	return NewEngine(roles)
}

func TestAuthorize_SystemAdminBypass(t *testing.T) {
	engine := newTestEngine(t)
	admin := Actor{UserID: "admin-1", SystemRole: RoleAdmin}

	scopes := []struct {
		name       string
		scope      Scope
		membership MembershipLookup
	}{
		{"system scope", SystemScope(), MembershipLookup{}},
		{"org not found", OrgScope("missing"), MembershipLookup{OrganizationFound: false}},
		{"org without membership", OrgScope("org-1"), MembershipLookup{OrganizationFound: true}},
		{"org as employee", OrgScope("org-1"), MembershipLookup{OrganizationFound: true, Role: RoleEmployee}},
	}

	for _, st := range engine.Roles().Registry().Statements() {
		for _, action := range st.Actions {
			for _, sc := range scopes {
				d := engine.Authorize(admin, st.Resource, action, sc.scope, sc.membership)
				assert.True(t, d.Allowed, "%s:%s in %s", st.Resource, action, sc.name)
				assert.Equal(t, ReasonSystemAdminBypass, d.Reason)
			}
		}
	}

	t.Run("undeclared permission", func(t *testing.T) {
		d := engine.Authorize(admin, Resource("billing"), Action("refund"), SystemScope(), MembershipLookup{})
		assert.True(t, d.Allowed)
	})
}

func TestAuthorize_Unauthenticated(t *testing.T) {
	engine := newTestEngine(t)

	d := engine.Authorize(Actor{}, ResourceOrganization, ActionRead, OrgScope("org-1"),
		MembershipLookup{OrganizationFound: true, Role: RoleOwner})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonUnauthenticated, d.Reason)
}

func TestAuthorize_MembershipRequired(t *testing.T) {
	engine := newTestEngine(t)
	user := Actor{UserID: "u-1", SystemRole: RoleUser}

	for _, st := range engine.Roles().Registry().Statements() {
		for _, action := range st.Actions {
			d := engine.Authorize(user, st.Resource, action, OrgScope("org-1"), MembershipLookup{OrganizationFound: true})
			assert.False(t, d.Allowed, "%s:%s", st.Resource, action)
			assert.Equal(t, ReasonNotMember, d.Reason)
		}
	}

	t.Run("organization not found", func(t *testing.T) {
		d := engine.Authorize(user, ResourceOrganization, ActionRead, OrgScope("gone"), MembershipLookup{})
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonOrgNotFound, d.Reason)
	})
}

func TestAuthorize_OrganizationRoles(t *testing.T) {
	engine := newTestEngine(t)
	user := Actor{UserID: "u-1", SystemRole: RoleUser}

	tests := []struct {
		name     string
		role     RoleName
		resource Resource
		action   Action
		allowed  bool
	}{
		{"owner updates organization", RoleOwner, ResourceOrganization, ActionUpdate, true},
		{"owner cannot delete organization", RoleOwner, ResourceOrganization, ActionDelete, false},
		{"owner cancels invitation", RoleOwner, ResourceInvitation, ActionCancel, true},
		{"owner removes member", RoleOwner, ResourceMember, ActionDelete, true},
		{"owner cannot ban users", RoleOwner, ResourceUser, ActionBan, false},
		{"supervisor creates invitation", RoleSupervisor, ResourceInvitation, ActionCreate, true},
		{"supervisor cannot cancel invitation", RoleSupervisor, ResourceInvitation, ActionCancel, false},
		{"supervisor cannot remove member", RoleSupervisor, ResourceMember, ActionDelete, false},
		{"employee lists members", RoleEmployee, ResourceMember, ActionList, true},
		{"employee cannot invite", RoleEmployee, ResourceInvitation, ActionCreate, false},
		{"system role is not an org role", RoleAdmin, ResourceMember, ActionList, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := engine.Authorize(user, tt.resource, tt.action, OrgScope("org-1"),
				MembershipLookup{OrganizationFound: true, Role: tt.role})
			assert.Equal(t, tt.allowed, d.Allowed)
			if tt.allowed {
				assert.Equal(t, ReasonGranted, d.Reason)
			} else {
				assert.Equal(t, ReasonRoleInsufficient, d.Reason)
			}
			assert.Equal(t, tt.role, d.Role)
		})
	}
}

func TestAuthorize_SystemScope(t *testing.T) {
	engine := newTestEngine(t)

	d := engine.Authorize(Actor{UserID: "u-1", SystemRole: RoleUser}, ResourceOrganization, ActionCreate, SystemScope(), MembershipLookup{})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonRoleInsufficient, d.Reason)

	// an org role carried as system role grants nothing
	d = engine.Authorize(Actor{UserID: "u-1", SystemRole: RoleOwner}, ResourceOrganization, ActionRead, SystemScope(), MembershipLookup{})
	assert.False(t, d.Allowed)
}

func TestCheck(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	t.Run("single lookup for org scope", func(t *testing.T) {
		calls := 0
		src := MembershipSourceFunc(func(ctx context.Context, orgID, userID string) (MembershipLookup, error) {
			calls++
			assert.Equal(t, "org-1", orgID)
			assert.Equal(t, "u-1", userID)
			return MembershipLookup{OrganizationFound: true, Role: RoleSupervisor}, nil
		})

		d, err := engine.Check(ctx, src, Actor{UserID: "u-1", SystemRole: RoleUser}, ResourceInvitation, ActionCreate, OrgScope("org-1"))
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 1, calls)
	})

	t.Run("admin skips lookup", func(t *testing.T) {
		src := MembershipSourceFunc(func(ctx context.Context, orgID, userID string) (MembershipLookup, error) {
			t.Fatal("lookup should not be called")
			return MembershipLookup{}, nil
		})

		d, err := engine.Check(ctx, src, Actor{UserID: "a", SystemRole: RoleAdmin}, ResourceMember, ActionDelete, OrgScope("org-1"))
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})

	t.Run("lookup failure denies", func(t *testing.T) {
		boom := errors.New("connection refused")
		src := MembershipSourceFunc(func(ctx context.Context, orgID, userID string) (MembershipLookup, error) {
			return MembershipLookup{}, boom
		})

		d, err := engine.Check(ctx, src, Actor{UserID: "u-1", SystemRole: RoleUser}, ResourceMember, ActionList, OrgScope("org-1"))
		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonLookupFailed, d.Reason)
	})
}

func TestEffectivePermissions(t *testing.T) {
	engine := newTestEngine(t)

	perms := engine.EffectivePermissions(Actor{UserID: "u", SystemRole: RoleUser}, OrgScope("o"),
		MembershipLookup{OrganizationFound: true, Role: RoleEmployee})
	assert.Contains(t, perms, Permission{Resource: ResourceMember, Action: ActionList})
	assert.NotContains(t, perms, Permission{Resource: ResourceInvitation, Action: ActionCreate})

	assert.Empty(t, engine.EffectivePermissions(Actor{UserID: "u", SystemRole: RoleUser}, OrgScope("o"),
		MembershipLookup{OrganizationFound: true}))

	all := engine.EffectivePermissions(Actor{UserID: "a", SystemRole: RoleAdmin}, SystemScope(), MembershipLookup{})
	assert.Len(t, all, 10+3+5+5+6)
}
