package auth

import "context"

type authzContextKey struct{}
type tokenContextKey struct{}

// AuthorizationContext is the per-request result of token verification and
// claim mapping.
type AuthorizationContext struct {
	Subject     string
	Authorities Authorities
	Claims      Claims
}

// ContextWithAuthorization attaches the authorization context to ctx.
func ContextWithAuthorization(ctx context.Context, authz AuthorizationContext) context.Context {
	return context.WithValue(ctx, authzContextKey{}, &authz)
}

// AuthorizationFromContext extracts the authorization context from ctx.
func AuthorizationFromContext(ctx context.Context) (AuthorizationContext, bool) {
	if ctx == nil {
		return AuthorizationContext{}, false
	}
	v, ok := ctx.Value(authzContextKey{}).(*AuthorizationContext)
	if !ok || v == nil || v.Subject == "" {
		return AuthorizationContext{}, false
	}
	return *v, true
}

// ContextWithToken stores the raw bearer token inside the context.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext returns the bearer token if it was previously attached.
func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tokenContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
