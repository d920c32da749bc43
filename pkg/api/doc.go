// Package api exposes the backoffice over HTTP with gorilla/mux.
//
// Handlers are thin: they decode the request, resolve the actor placed in
// the context by AuthMiddleware, call orgs.Service or
// provisioning.Provisioner, and map the result. Authorization decisions
// happen in the service layer; the router only adds coarse gates such as
// RequireSystemAdmin on /admin routes.
//
// # Sessions
//
// Requests authenticate with a bearer token or the backoffice_session
// cookie. RedisSessionStore resolves tokens to actors; sessions are created
// when a magic link is redeemed.
//
// # Errors
//
// Service errors map to status codes by kind:
//
//	authorization_denied   403 (401 when unauthenticated, 404 for a missing organization)
//	validation             400
//	conflict               409
//	expired                410
//	invariant_violation    422
//	not_found              404
//	dependency_failure     503
package api
