package rbac

// assignable lists which roles a creator may grant to someone else. The
// system admin role appears as a creator because admins provision every
// organization role and may appoint other admins.
var assignable = map[RoleName][]RoleName{
	RoleAdmin:      {RoleAdmin, RoleOwner, RoleSupervisor, RoleEmployee},
	RoleOwner:      {RoleSupervisor, RoleEmployee},
	RoleSupervisor: {RoleEmployee},
	RoleEmployee:   {},
}

// RoleAssignmentAllowed reports whether a creator holding creator may assign
// target. It is checked in addition to the engine decision.
func RoleAssignmentAllowed(creator, target RoleName) bool {
	for _, r := range assignable[creator] {
		if r == target {
			return true
		}
	}
	return false
}

// AssignableRoles returns the roles creator may assign
func AssignableRoles(creator RoleName) []RoleName {
	return append([]RoleName(nil), assignable[creator]...)
}

// EffectiveCreatorRole returns the role used as creator for assignment
// checks: admin for system admins, otherwise the actor's organization role.
func EffectiveCreatorRole(actor Actor, orgRole RoleName) RoleName {
	if actor.IsSystemAdmin() {
		return RoleAdmin
	}
	return orgRole
}
