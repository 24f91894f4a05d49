package auth

import (
	"context"
	"slices"
	"strings"
	"time"
)

const (
	RoleUser  = "user"
	RoleStaff = "staff"
	RoleAdmin = "admin"
)

// Actor is anything that can be recorded as the author of an order event or
// an idempotent request: a shopper, a staff member or a service account.
type Actor interface {
	ActorID() string
}

// Identity is a shopper or staff member authenticated with a Firebase ID token.
// Roles are stored lowercased.
type Identity struct {
	UID      string
	Email    string
	Roles    []string
	Locale   string
	AuthTime time.Time
}

func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	role = normaliseRole(role)
	return role != "" && slices.Contains(i.Roles, role)
}

func (i *Identity) HasAnyRole(roles ...string) bool {
	return slices.ContainsFunc(roles, i.HasRole)
}

// ActorID is the Firebase uid; staff transitions are attributed to it.
func (i *Identity) ActorID() string {
	if i == nil {
		return ""
	}
	return strings.TrimSpace(i.UID)
}

type identityKey struct{}

func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	if ctx == nil {
		return nil, false
	}
	identity, ok := ctx.Value(identityKey{}).(*Identity)
	return identity, ok && identity != nil
}

// ActorFromContext prefers a Firebase identity over a service identity. Both
// can only coexist when a route stacks the two middlewares, which none does.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	if identity, ok := IdentityFromContext(ctx); ok && identity.ActorID() != "" {
		return identity, true
	}
	if service, ok := ServiceIdentityFromContext(ctx); ok {
		return service, true
	}
	return nil, false
}
