package rbac

import (
	"sort"
)

// Resource represents a resource type in the system
type Resource string

const (
	ResourceUser         Resource = "user"
	ResourceSession      Resource = "session"
	ResourceOrganization Resource = "organization"
	ResourceMember       Resource = "organization:member"
	ResourceInvitation   Resource = "organization:invitation"
)

// Action represents an action that can be performed on a resource
type Action string

const (
	ActionCreate      Action = "create"
	ActionRead        Action = "read"
	ActionUpdate      Action = "update"
	ActionDelete      Action = "delete"
	ActionList        Action = "list"
	ActionBan         Action = "ban"
	ActionUnban       Action = "unban"
	ActionImpersonate Action = "impersonate"
	ActionSetRole     Action = "set-role"
	ActionSetPassword Action = "set-password"
	ActionRevoke      Action = "revoke"
	ActionCancel      Action = "cancel"
)

// Permission represents a specific permission (resource + action)
type Permission struct {
	Resource Resource `json:"resource"`
	Action   Action   `json:"action"`
}

// String returns a string representation of the permission
func (p Permission) String() string {
	return string(p.Resource) + ":" + string(p.Action)
}

// RoleName names a system or organization role
type RoleName string

// Built-in role names. System roles and organization roles live in
// disjoint namespaces; a name is never defined in both.
const (
	RoleAdmin RoleName = "admin"
	RoleUser  RoleName = "user"

	RoleOwner      RoleName = "owner"
	RoleSupervisor RoleName = "supervisor"
	RoleEmployee   RoleName = "employee"
)

// RoleKind distinguishes system roles from organization roles
type RoleKind string

const (
	KindSystem       RoleKind = "system"
	KindOrganization RoleKind = "organization"
)

// Grants maps a resource to the actions a role may perform on it
type Grants map[Resource][]Action

// Allows reports whether the grants include action on resource
func (g Grants) Allows(resource Resource, action Action) bool {
	for _, a := range g[resource] {
		if a == action {
			return true
		}
	}
	return false
}

// Permissions flattens the grants into a sorted permission list
func (g Grants) Permissions() []Permission {
	perms := make([]Permission, 0)
	for resource, actions := range g {
		for _, action := range actions {
			perms = append(perms, Permission{Resource: resource, Action: action})
		}
	}
	sort.Slice(perms, func(i, j int) bool {
		return perms[i].String() < perms[j].String()
	})
	return perms
}

func (g Grants) clone() Grants {
	out := make(Grants, len(g))
	for resource, actions := range g {
		out[resource] = append([]Action(nil), actions...)
	}
	return out
}

// Actor is the resolved identity for one request. It is built by the
// session layer and never changes while the request is served.
type Actor struct {
	UserID               string   `json:"user_id"`
	Email                string   `json:"email,omitempty"`
	SystemRole           RoleName `json:"system_role,omitempty"`
	ActiveOrganizationID string   `json:"active_organization_id,omitempty"`
}

// IsAuthenticated reports whether the actor carries a system role
func (a Actor) IsAuthenticated() bool {
	return a.SystemRole != ""
}

// IsSystemAdmin reports whether the actor is a system administrator
func (a Actor) IsSystemAdmin() bool {
	return a.SystemRole == RoleAdmin
}

// Scope is the target of an authorization check. An empty
// OrganizationID means the check is system scoped.
type Scope struct {
	OrganizationID string `json:"organization_id,omitempty"`
}

// SystemScope returns a scope that is not tied to an organization
func SystemScope() Scope {
	return Scope{}
}

// OrgScope returns a scope for a single organization
func OrgScope(organizationID string) Scope {
	return Scope{OrganizationID: organizationID}
}

// IsOrganization reports whether the scope targets an organization
func (s Scope) IsOrganization() bool {
	return s.OrganizationID != ""
}

// MembershipLookup is the result of looking up an actor's membership in
// the organization named by a scope.
type MembershipLookup struct {
	OrganizationFound bool     `json:"organization_found"`
	Role              RoleName `json:"role,omitempty"` // empty when not a member
}

// IsMember reports whether the lookup found a membership row
func (m MembershipLookup) IsMember() bool {
	return m.OrganizationFound && m.Role != ""
}

// Decision reasons. They are safe to show to the caller.
const (
	ReasonSystemAdminBypass = "system admin bypass"
	ReasonUnauthenticated   = "unauthenticated"
	ReasonOrgNotFound       = "organization not found"
	ReasonNotMember         = "not a member"
	ReasonRoleInsufficient  = "role insufficient"
	ReasonGranted           = "granted by role"
	ReasonLookupFailed      = "membership lookup failed"
	ReasonAssignmentDenied  = "role assignment not permitted"
)

// Decision is the result of an authorization check
type Decision struct {
	Allowed    bool       `json:"allowed"`
	Reason     string     `json:"reason"`
	Role       RoleName   `json:"role,omitempty"`
	Permission Permission `json:"permission"`
	Scope      Scope      `json:"scope"`
}
