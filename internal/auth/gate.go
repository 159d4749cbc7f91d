package auth

import (
	"context"
	"fmt"
)

// Authorize checks that ctx carries an authorization context holding at least
// one of the required authorities. With no required authorities any
// authenticated caller passes.
func Authorize(ctx context.Context, required ...string) (AuthorizationContext, error) {
	authz, ok := AuthorizationFromContext(ctx)
	if !ok {
		return AuthorizationContext{}, ErrUnauthenticated
	}
	if len(required) == 0 || authz.Authorities.HasAny(required...) {
		return authz, nil
	}
	return AuthorizationContext{}, fmt.Errorf("%w: requires one of %v", ErrForbidden, required)
}

// RequireRoles is Authorize with role names instead of authority strings.
func RequireRoles(ctx context.Context, roles ...string) (AuthorizationContext, error) {
	required := make([]string, 0, len(roles))
	for _, r := range roles {
		required = append(required, RoleAuthority(r))
	}
	return Authorize(ctx, required...)
}
