// Package auth issues and verifies bearer tokens for back-office users and
// exposes the authenticated caller as a request-scoped Actor.
package auth

import (
	"context"

	"github.com/tbourn/go-waybill-backend/internal/domain"
)

// Actor is the authenticated caller of an operation. Services receive it as
// an explicit argument.
type Actor struct {
	UserID   uint
	Username string
	Role     domain.Role
	// IP is the client address, recorded alongside rate-limit events.
	IP string
}

// IsAdmin reports whether the actor holds the admin role.
func (a Actor) IsAdmin() bool { return a.Role == domain.RoleAdmin }

type actorKey struct{}

// WithActor returns a copy of ctx carrying a.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom extracts the actor stored by WithActor.
func ActorFrom(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}
