package rbac

import (
	"context"
	"fmt"
)

// MembershipSource resolves an actor's membership in an organization.
// Implementations report a missing organization through
// MembershipLookup.OrganizationFound rather than an error.
type MembershipSource interface {
	LookupMembership(ctx context.Context, organizationID, userID string) (MembershipLookup, error)
}

// MembershipSourceFunc adapts a function to MembershipSource
type MembershipSourceFunc func(ctx context.Context, organizationID, userID string) (MembershipLookup, error)

// LookupMembership calls f
func (f MembershipSourceFunc) LookupMembership(ctx context.Context, organizationID, userID string) (MembershipLookup, error) {
	return f(ctx, organizationID, userID)
}

// Engine evaluates authorization decisions against a sealed role set
type Engine struct {
	roles *RoleSet
}

// NewEngine creates a decision engine
func NewEngine(roles *RoleSet) *Engine {
	return &Engine{roles: roles}
}

// Roles returns the role set the engine evaluates against
func (e *Engine) Roles() *RoleSet {
	return e.roles
}

// Authorize decides whether actor may perform action on resource within
// scope. The membership lookup for organization scopes is supplied by the
// caller; it is ignored for system scopes. Authorize has no side effects.
func (e *Engine) Authorize(actor Actor, resource Resource, action Action, scope Scope, membership MembershipLookup) Decision {
	d := Decision{
		Permission: Permission{Resource: resource, Action: action},
		Scope:      scope,
	}

	if actor.IsSystemAdmin() {
		d.Allowed = true
		d.Reason = ReasonSystemAdminBypass
		d.Role = RoleAdmin
		return d
	}

	if !actor.IsAuthenticated() {
		d.Reason = ReasonUnauthenticated
		return d
	}

	if scope.IsOrganization() {
		if !membership.OrganizationFound {
			d.Reason = ReasonOrgNotFound
			return d
		}
		if !membership.IsMember() {
			d.Reason = ReasonNotMember
			return d
		}
		d.Role = membership.Role
		if e.roles.allows(membership.Role, KindOrganization, resource, action) {
			d.Allowed = true
			d.Reason = ReasonGranted
			return d
		}
		d.Reason = ReasonRoleInsufficient
		return d
	}

	d.Role = actor.SystemRole
	if e.roles.allows(actor.SystemRole, KindSystem, resource, action) {
		d.Allowed = true
		d.Reason = ReasonGranted
		return d
	}
	d.Reason = ReasonRoleInsufficient
	return d
}

// Check performs the single membership lookup an organization scoped
// decision needs and delegates to Authorize. A failed lookup yields a
// denial together with the error.
func (e *Engine) Check(ctx context.Context, src MembershipSource, actor Actor, resource Resource, action Action, scope Scope) (Decision, error) {
	if actor.IsSystemAdmin() || !actor.IsAuthenticated() || !scope.IsOrganization() {
		return e.Authorize(actor, resource, action, scope, MembershipLookup{}), nil
	}

	membership, err := src.LookupMembership(ctx, scope.OrganizationID, actor.UserID)
	if err != nil {
		return Decision{
			Allowed:    false,
			Reason:     ReasonLookupFailed,
			Permission: Permission{Resource: resource, Action: action},
			Scope:      scope,
		}, fmt.Errorf("failed to look up membership: %w", err)
	}

	return e.Authorize(actor, resource, action, scope, membership), nil
}

// EffectivePermissions returns what actor may do in scope given membership
func (e *Engine) EffectivePermissions(actor Actor, scope Scope, membership MembershipLookup) []Permission {
	if actor.IsSystemAdmin() {
		return e.roles.Registry().All().Permissions()
	}
	if !actor.IsAuthenticated() {
		return []Permission{}
	}

	var grants Grants
	var err error
	if scope.IsOrganization() {
		if !membership.IsMember() {
			return []Permission{}
		}
		grants, err = e.roles.GetGrants(membership.Role)
	} else {
		grants, err = e.roles.GetGrants(actor.SystemRole)
	}
	if err != nil {
		return []Permission{}
	}
	return grants.Permissions()
}
