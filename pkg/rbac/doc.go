// Package rbac provides access control for the backoffice: the statement
// registry, system and organization roles, the authorization decision engine
// and the role assignment policy.
//
// # Overview
//
// Every protected operation is a (resource, action) pair checked against a
// scope. The vocabulary of resources and actions is declared once at startup
// in a Registry; roles are named grant sets validated against it.
//
// # Resources and Actions
//
//	user                     create read update delete list ban unban impersonate set-role set-password
//	session                  list revoke delete
//	organization             create read update delete list
//	organization:member      create read update delete list
//	organization:invitation  create read update delete list cancel
//
// # Roles
//
// Roles live in two disjoint namespaces:
//
// System roles:
//
//	admin - every action in the registry, in every scope
//	user  - no administrative grants
//
// Organization roles:
//
//	owner      - manages the organization, its members and invitations
//	supervisor - reads members, creates invitations
//	employee   - reads the organization and its members
//
// The built-in set is returned sealed by DefaultRoleSet. A YAML policy may
// replace it at startup:
//
//	roles, err := rbac.LoadPolicyFile("/etc/backoffice/policy.yaml")
//
// # Decisions
//
// Engine.Authorize is a pure function of the actor, the requested permission,
// the scope and a membership lookup supplied by the caller:
//
//	engine := rbac.NewEngine(roles)
//	d := engine.Authorize(actor, rbac.ResourceMember, rbac.ActionList,
//		rbac.OrgScope(orgID), rbac.MembershipLookup{OrganizationFound: true, Role: rbac.RoleEmployee})
//	if !d.Allowed {
//		return fmt.Errorf("denied: %s", d.Reason)
//	}
//
// Engine.Check performs the lookup through a MembershipSource. System admins
// bypass every check; actors without a system role are denied. Denials are
// values carrying a reason that is safe to return to the caller.
//
// # Role Assignment
//
// RoleAssignmentAllowed is checked in addition to a decision whenever a role
// is granted to someone else:
//
//	admin      -> admin, owner, supervisor, employee
//	owner      -> supervisor, employee
//	supervisor -> employee
//	employee   -> (none)
//
// # HTTP Middleware
//
//	pm := rbac.NewPermissionMiddleware(engine, membershipSource)
//	router.Handle("/orgs/{org_id}/members",
//		pm.RequirePermission(rbac.ResourceMember, rbac.ActionList, rbac.OrgScopeFromPath("org_id"))(handler))
package rbac
