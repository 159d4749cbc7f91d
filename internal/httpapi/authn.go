package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"itcenter.org/staffauth/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
}

// withAuth verifies the bearer token and attaches the mapped authorities.
// Authorization decisions are left to the per-route gate.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if a.verifier == nil {
			writeError(w, r, http.StatusServiceUnavailable, "authentication unavailable")
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			challenge(w, "")
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		claims, err := a.verifier.Verify(r.Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) {
				challenge(w, "invalid_token")
				writeError(w, r, http.StatusUnauthorized, "invalid token")
				return
			}
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}

		authz := auth.AuthorizationContext{
			Subject:     claims.Subject(),
			Authorities: a.mapper.Map(claims),
			Claims:      claims,
		}
		ctx := auth.ContextWithAuthorization(r.Context(), authz)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// gate wraps h so it runs only when the caller holds one of roles. With no
// roles any authenticated caller passes.
func (a *API) gate(h http.HandlerFunc, roles ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := auth.RequireRoles(r.Context(), roles...); err != nil {
			if errors.Is(err, auth.ErrForbidden) {
				challenge(w, "insufficient_scope")
			}
			handleError(w, r, err)
			return
		}
		h(w, r)
	})
}

func challenge(w http.ResponseWriter, code string) {
	v := `Bearer realm="staffauth"`
	if code != "" {
		v += `, error="` + code + `"`
	}
	w.Header().Set("WWW-Authenticate", v)
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
