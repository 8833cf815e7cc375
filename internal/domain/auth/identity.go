// Package auth holds the caller identity resolved from a bearer token.
package auth

import "context"

// Role is the coarse permission level of a caller.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Identity is the authenticated caller of an operation.
type Identity struct {
	UserID string
	Role   Role
}

// IsAdmin reports whether the caller has operator rights.
func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

// CanAccess reports whether the caller may see a record owned by ownerID.
func (i Identity) CanAccess(ownerID string) bool {
	return i.IsAdmin() || (i.UserID != "" && i.UserID == ownerID)
}

type contextKey struct{}

// NewContext returns a copy of ctx carrying id.
func NewContext(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity stored in ctx, if any.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}
