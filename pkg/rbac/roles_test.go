package rbac

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		r, err := NewRegistry(DefaultStatements()...)
		require.NoError(t, err)

		actions, err := r.GetActions(ResourceInvitation)
		require.NoError(t, err)
		assert.Equal(t, []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionList, ActionCancel}, actions)
		assert.True(t, r.HasAction(ResourceSession, ActionRevoke))
		assert.False(t, r.HasAction(ResourceSession, ActionCreate))
	})

	tests := []struct {
		name       string
		statements []Statement
	}{
		{"empty actions", []Statement{{Resource: "report", Actions: nil}}},
		{"duplicate action", []Statement{{Resource: "report", Actions: []Action{"read", "read"}}}},
		{"empty resource", []Statement{{Resource: "", Actions: []Action{"read"}}}},
		{"resource twice", []Statement{
			{Resource: "report", Actions: []Action{"read"}},
			{Resource: "report", Actions: []Action{"list"}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.statements...)
			var invalid *InvalidStatementError
			assert.True(t, errors.As(err, &invalid))
		})
	}

	t.Run("unknown resource", func(t *testing.T) {
		r, err := NewRegistry(DefaultStatements()...)
		require.NoError(t, err)

		_, err = r.GetActions("billing")
		var unknown *UnknownResourceError
		require.True(t, errors.As(err, &unknown))
		assert.Equal(t, Resource("billing"), unknown.Resource)
	})

	t.Run("returned actions are copies", func(t *testing.T) {
		r, err := NewRegistry(DefaultStatements()...)
		require.NoError(t, err)

		actions, _ := r.GetActions(ResourceSession)
		actions[0] = "tampered"
		again, _ := r.GetActions(ResourceSession)
		assert.Equal(t, ActionList, again[0])
	})
}

func TestRoleSet_DefineRole(t *testing.T) {
	registry, err := NewRegistry(DefaultStatements()...)
	require.NoError(t, err)

	t.Run("undeclared action", func(t *testing.T) {
		rs := NewRoleSet(registry)
		err := rs.DefineRole(KindOrganization, "auditor", Grants{ResourceSession: {ActionCreate}})

		var undeclared *UndeclaredActionError
		require.True(t, errors.As(err, &undeclared))
		assert.Equal(t, ResourceSession, undeclared.Resource)
		assert.Equal(t, ActionCreate, undeclared.Action)
	})

	t.Run("unknown resource", func(t *testing.T) {
		rs := NewRoleSet(registry)
		err := rs.DefineRole(KindOrganization, "auditor", Grants{"billing": {ActionRead}})

		var undeclared *UndeclaredActionError
		assert.True(t, errors.As(err, &undeclared))
	})

	t.Run("duplicate across namespaces", func(t *testing.T) {
		rs := NewRoleSet(registry)
		require.NoError(t, rs.DefineRole(KindSystem, "auditor", Grants{}))

		err := rs.DefineRole(KindOrganization, "auditor", Grants{})
		var dup *DuplicateRoleNameError
		require.True(t, errors.As(err, &dup))
		assert.Equal(t, KindSystem, dup.Existing)
	})

	t.Run("sealed", func(t *testing.T) {
		rs := NewRoleSet(registry)
		rs.Seal()
		assert.ErrorIs(t, rs.DefineRole(KindSystem, "auditor", Grants{}), ErrRoleSetSealed)
	})

	t.Run("invalid kind", func(t *testing.T) {
		rs := NewRoleSet(registry)
		assert.Error(t, rs.DefineRole("team", "auditor", Grants{}))
	})
}

func TestDefaultRoleSet(t *testing.T) {
	rs, err := DefaultRoleSet()
	require.NoError(t, err)

	assert.True(t, rs.IsSystemRole(RoleAdmin))
	assert.True(t, rs.IsSystemRole(RoleUser))
	assert.True(t, rs.IsOrganizationRole(RoleOwner))
	assert.True(t, rs.IsOrganizationRole(RoleSupervisor))
	assert.True(t, rs.IsOrganizationRole(RoleEmployee))
	assert.False(t, rs.IsOrganizationRole(RoleAdmin))

	kind, err := rs.Kind(RoleEmployee)
	require.NoError(t, err)
	assert.Equal(t, KindOrganization, kind)

	_, err = rs.Kind("intern")
	var unknown *UnknownRoleError
	assert.True(t, errors.As(err, &unknown))

	grants, err := rs.GetGrants(RoleAdmin)
	require.NoError(t, err)
	assert.True(t, grants.Allows(ResourceUser, ActionImpersonate))

	userGrants, err := rs.GetGrants(RoleUser)
	require.NoError(t, err)
	assert.Empty(t, userGrants.Permissions())

	// mutating returned grants does not leak into the set
	grants[ResourceUser] = nil
	again, _ := rs.GetGrants(RoleAdmin)
	assert.True(t, again.Allows(ResourceUser, ActionImpersonate))

	assert.Len(t, rs.Roles(KindOrganization), 3)
	assert.Len(t, rs.Roles(KindSystem), 2)
}

func TestRoleAssignmentAllowed(t *testing.T) {
	all := []RoleName{RoleAdmin, RoleOwner, RoleSupervisor, RoleEmployee, RoleUser}

	for _, target := range all {
		assert.False(t, RoleAssignmentAllowed(RoleEmployee, target), "employee -> %s", target)
	}
	assert.True(t, RoleAssignmentAllowed(RoleAdmin, RoleAdmin))

	tests := []struct {
		creator RoleName
		target  RoleName
		allowed bool
	}{
		{RoleAdmin, RoleOwner, true},
		{RoleAdmin, RoleEmployee, true},
		{RoleOwner, RoleOwner, false},
		{RoleOwner, RoleAdmin, false},
		{RoleOwner, RoleSupervisor, true},
		{RoleOwner, RoleEmployee, true},
		{RoleSupervisor, RoleSupervisor, false},
		{RoleSupervisor, RoleOwner, false},
		{RoleSupervisor, RoleEmployee, true},
		{RoleUser, RoleEmployee, false},
		{"", RoleEmployee, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.creator)+"->"+string(tt.target), func(t *testing.T) {
			assert.Equal(t, tt.allowed, RoleAssignmentAllowed(tt.creator, tt.target))
		})
	}

	assert.Equal(t, []RoleName{RoleSupervisor, RoleEmployee}, AssignableRoles(RoleOwner))
	assert.Empty(t, AssignableRoles(RoleEmployee))
	assert.Equal(t, RoleAdmin, EffectiveCreatorRole(Actor{SystemRole: RoleAdmin}, ""))
	assert.Equal(t, RoleOwner, EffectiveCreatorRole(Actor{SystemRole: RoleUser}, RoleOwner))
}
