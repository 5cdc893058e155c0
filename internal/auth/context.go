package auth

import (
	"context"
	"strings"
)

type ctxKey string

const (
	userKey  ctxKey = "auth_user"
	rolesKey ctxKey = "auth_roles"
)

// ContextWithUser stores user identity and roles in the context.
func ContextWithUser(ctx context.Context, user User, roles []string) context.Context {
	user.ID = strings.TrimSpace(user.ID)
	ctx = context.WithValue(ctx, userKey, user)
	if len(roles) > 0 {
		ctx = context.WithValue(ctx, rolesKey, dedupeRoles(roles))
	}
	return ctx
}

// CurrentUser returns the authenticated user or ErrUnauthenticated.
func CurrentUser(ctx context.Context) (User, error) {
	if ctx == nil {
		return User{}, ErrUnauthenticated
	}
	u, ok := ctx.Value(userKey).(User)
	if !ok || u.ID == "" {
		return User{}, ErrUnauthenticated
	}
	return u, nil
}

// UserIDFromContext extracts the authenticated user ID from context.
func UserIDFromContext(ctx context.Context) (string, bool) {
	u, err := CurrentUser(ctx)
	if err != nil {
		return "", false
	}
	return u.ID, true
}

// RolesFromContext returns the roles stored in context (deduplicated and lower-cased).
func RolesFromContext(ctx context.Context) []string {
	v, ok := ctx.Value(rolesKey).([]string)
	if !ok || len(v) == 0 {
		return nil
	}
	out := make([]string, len(v))
	copy(out, v)
	return out
}

// HasRole checks whether the context contains the specified role.
func HasRole(ctx context.Context, role string) bool {
	role = strings.TrimSpace(strings.ToLower(role))
	if role == "" {
		return false
	}
	for _, r := range RolesFromContext(ctx) {
		if r == role {
			return true
		}
	}
	return false
}
