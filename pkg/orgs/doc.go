// Package orgs manages organizations, memberships and invitations.
//
// # Overview
//
// Every organization has at least one owner. Members hold exactly one
// organization role (owner, supervisor or employee). System admins manage
// organizations without being members of them.
//
// Service operations authorize through an rbac.Engine and then apply the
// role assignment table: an actor can only invite, promote, demote or
// remove members into or out of roles they are allowed to assign.
//
// # Invitations
//
// An invitation moves from pending to exactly one of accepted, revoked or
// expired. Expiry is lazy: a pending invitation whose ExpiresAt has passed
// reads as expired everywhere, and CleanupExpiredInvitations only persists
// that status.
//
//	pending --accept--> accepted
//	pending --revoke--> revoked
//	pending --(now > expires_at)--> expired
//
// Accepting an invitation the actor already accepted returns the existing
// membership. Invitation emails are dispatched after the transaction
// commits; a failed dispatch is reported in InviteResult.DeliveryErr.
//
// # Concurrency
//
// Membership mutations lock the organization row (SELECT ... FOR UPDATE in
// PostgresStore) so the last-owner check cannot race with another removal
// or demotion.
//
// # Usage
//
//	store := orgs.NewPostgresStore(db)
//	svc := orgs.NewService(store, engine, orgs.DefaultConfig(),
//		orgs.WithDispatcher(dispatcher),
//		orgs.WithCache(orgs.NewCachedLookup(store, orgs.DefaultCacheConfig())),
//	)
//
//	org, err := svc.CreateOrganizationWithOwner(ctx, actor, "Acme", ownerID)
//	if orgs.IsKind(err, orgs.KindAuthorizationDenied) {
//		// orgs.ReasonOf(err) is safe to show
//	}
package orgs
