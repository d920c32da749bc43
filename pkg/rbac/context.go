package rbac

import (
	"context"

	"github.com/platinummonkey/backoffice/pkg/contextkeys"
)

// WithActor stores the resolved actor in the context
func WithActor(ctx context.Context, actor Actor) context.Context {
	ctx = contextkeys.WithActor(ctx, actor)
	return contextkeys.WithUserID(ctx, actor.UserID)
}

// ActorFromContext returns the actor stored in the context. The zero Actor
// is unauthenticated.
func ActorFromContext(ctx context.Context) Actor {
	if actor, ok := ctx.Value(contextkeys.ActorKey).(Actor); ok {
		return actor
	}
	return Actor{}
}
