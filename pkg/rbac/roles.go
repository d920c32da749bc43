package rbac

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrRoleSetSealed is returned when a role is defined after startup
var ErrRoleSetSealed = errors.New("role set is sealed")

// UndeclaredActionError is returned when a role grants an action the
// registry does not declare for that resource
type UndeclaredActionError struct {
	Role     RoleName
	Resource Resource
	Action   Action
}

func (e *UndeclaredActionError) Error() string {
	return fmt.Sprintf("role %q grants undeclared action %q on resource %q", e.Role, e.Action, e.Resource)
}

// DuplicateRoleNameError is returned when a role name is already taken in
// either namespace
type DuplicateRoleNameError struct {
	Name     RoleName
	Existing RoleKind
}

func (e *DuplicateRoleNameError) Error() string {
	return fmt.Sprintf("role %q already defined as a %s role", e.Name, e.Existing)
}

// UnknownRoleError is returned when a role was never defined
type UnknownRoleError struct {
	Name RoleName
}

func (e *UnknownRoleError) Error() string {
	return fmt.Sprintf("unknown role %q", e.Name)
}

// Role represents a role with its grants
type Role struct {
	Name        RoleName `json:"name"`
	Kind        RoleKind `json:"kind"`
	DisplayName string   `json:"display_name,omitempty"`
	Grants      Grants   `json:"grants"`
}

// RoleSet holds the system and organization role definitions
type RoleSet struct {
	registry *Registry

	mu     sync.RWMutex
	roles  map[RoleName]Role
	sealed bool
}

// NewRoleSet creates an empty role set validated against registry
func NewRoleSet(registry *Registry) *RoleSet {
	return &RoleSet{
		registry: registry,
		roles:    make(map[RoleName]Role),
	}
}

// Registry returns the statement registry the roles are validated against
func (rs *RoleSet) Registry() *Registry {
	return rs.registry
}

// DefineRole registers a role. It is meant for startup composition only;
// once the set is sealed it fails with ErrRoleSetSealed.
func (rs *RoleSet) DefineRole(kind RoleKind, name RoleName, grants Grants) error {
	if name == "" {
		return fmt.Errorf("role name is required")
	}
	if kind != KindSystem && kind != KindOrganization {
		return fmt.Errorf("invalid role kind %q for role %q", kind, name)
	}

	for resource, actions := range grants {
		for _, action := range actions {
			if !rs.registry.HasAction(resource, action) {
				return &UndeclaredActionError{Role: name, Resource: resource, Action: action}
			}
		}
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.sealed {
		return ErrRoleSetSealed
	}
	if existing, ok := rs.roles[name]; ok {
		return &DuplicateRoleNameError{Name: name, Existing: existing.Kind}
	}

	rs.roles[name] = Role{Name: name, Kind: kind, Grants: grants.clone()}
	return nil
}

// Seal prevents any further role definitions
func (rs *RoleSet) Seal() {
	rs.mu.Lock()
	rs.sealed = true
	rs.mu.Unlock()
}

// GetGrants returns a copy of the grants for a role
func (rs *RoleSet) GetGrants(name RoleName) (Grants, error) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	role, ok := rs.roles[name]
	if !ok {
		return nil, &UnknownRoleError{Name: name}
	}
	return role.Grants.clone(), nil
}

// Get returns a role definition
func (rs *RoleSet) Get(name RoleName) (Role, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	role, ok := rs.roles[name]
	if !ok {
		return Role{}, false
	}
	role.Grants = role.Grants.clone()
	return role, true
}

// Kind returns the namespace a role is defined in
func (rs *RoleSet) Kind(name RoleName) (RoleKind, error) {
	role, ok := rs.Get(name)
	if !ok {
		return "", &UnknownRoleError{Name: name}
	}
	return role.Kind, nil
}

// IsSystemRole reports whether name is a defined system role
func (rs *RoleSet) IsSystemRole(name RoleName) bool {
	role, ok := rs.Get(name)
	return ok && role.Kind == KindSystem
}

// IsOrganizationRole reports whether name is a defined organization role
func (rs *RoleSet) IsOrganizationRole(name RoleName) bool {
	role, ok := rs.Get(name)
	return ok && role.Kind == KindOrganization
}

// allows checks a grant without copying it
func (rs *RoleSet) allows(name RoleName, kind RoleKind, resource Resource, action Action) bool {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	role, ok := rs.roles[name]
	if !ok || role.Kind != kind {
		return false
	}
	return role.Grants.Allows(resource, action)
}

// Roles returns all roles of a kind sorted by name
func (rs *RoleSet) Roles(kind RoleKind) []Role {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	out := make([]Role, 0, len(rs.roles))
	for _, role := range rs.roles {
		if role.Kind == kind {
			role.Grants = role.Grants.clone()
			out = append(out, role)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
