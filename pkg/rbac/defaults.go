package rbac

import "fmt"

// DefaultStatements returns the built-in resource vocabulary
func DefaultStatements() []Statement {
	return []Statement{
		{
			Resource: ResourceUser,
			Actions: []Action{
				ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionList,
				ActionBan, ActionUnban, ActionImpersonate, ActionSetRole, ActionSetPassword,
			},
		},
		{
			Resource: ResourceSession,
			Actions:  []Action{ActionList, ActionRevoke, ActionDelete},
		},
		{
			Resource: ResourceOrganization,
			Actions:  []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionList},
		},
		{
			Resource: ResourceMember,
			Actions:  []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionList},
		},
		{
			Resource: ResourceInvitation,
			Actions:  []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionList, ActionCancel},
		},
	}
}

// RoleDefinition is a role to be registered at startup
type RoleDefinition struct {
	Name RoleName
	Kind RoleKind
	// All grants every action in the registry
	All    bool
	Grants Grants
}

// BuiltInRoles returns all built-in role definitions
func BuiltInRoles() []RoleDefinition {
	return []RoleDefinition{
		{
			Name: RoleAdmin,
			Kind: KindSystem,
			All:  true,
		},
		{
			Name:   RoleUser,
			Kind:   KindSystem,
			Grants: Grants{},
		},
		{
			Name: RoleOwner,
			Kind: KindOrganization,
			Grants: Grants{
				ResourceUser:         {ActionCreate, ActionRead, ActionUpdate, ActionList},
				ResourceOrganization: {ActionCreate, ActionRead, ActionUpdate, ActionList},
				ResourceMember:       {ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionList},
				ResourceInvitation:   {ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionList, ActionCancel},
			},
		},
		{
			Name: RoleSupervisor,
			Kind: KindOrganization,
			Grants: Grants{
				ResourceUser:         {ActionRead, ActionUpdate, ActionList},
				ResourceOrganization: {ActionRead},
				ResourceMember:       {ActionRead, ActionList},
				ResourceInvitation:   {ActionCreate, ActionRead, ActionList},
			},
		},
		{
			Name: RoleEmployee,
			Kind: KindOrganization,
			Grants: Grants{
				ResourceUser:         {ActionRead, ActionList},
				ResourceOrganization: {ActionRead},
				ResourceMember:       {ActionRead, ActionList},
			},
		},
	}
}

// BuildRoleSet validates statements and role definitions and returns a
// sealed role set
func BuildRoleSet(statements []Statement, roles []RoleDefinition) (*RoleSet, error) {
	registry, err := NewRegistry(statements...)
	if err != nil {
		return nil, err
	}

	rs := NewRoleSet(registry)
	for _, def := range roles {
		grants := def.Grants
		if def.All {
			grants = registry.All()
		}
		if err := rs.DefineRole(def.Kind, def.Name, grants); err != nil {
			return nil, fmt.Errorf("failed to define role %s: %w", def.Name, err)
		}
	}
	rs.Seal()

	return rs, nil
}

// DefaultRoleSet returns the sealed built-in role set
func DefaultRoleSet() (*RoleSet, error) {
	return BuildRoleSet(DefaultStatements(), BuiltInRoles())
}
