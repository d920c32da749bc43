// Package provisioning creates user accounts on behalf of system admins.
//
// Two flows exist. BootstrapFirstAdmin creates the first system admin on an
// empty installation and refuses once any admin exists. ProvisionUser lets
// an admin create an account for someone else and, depending on the
// requested role, also onboards them into an organization:
//
//	user (default)     plain account, no organization
//	admin              system admin account, no organization
//	owner              new organization created with an owner invitation,
//	                   or an owner invitation to an existing organization
//	supervisor         invitation to an existing organization
//	employee           invitation to an existing organization
//
// Every provisioned user receives a sign-in link. Passwords are never
// handled here: the first admin receives a password-reset link instead.
//
// Account records live behind the UserDirectory interface. PostgresDirectory
// and MemoryDirectory implement it.
package provisioning
