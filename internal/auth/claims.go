package auth

import "strings"

const (
	// RolePrefix marks an authority derived from a role or group.
	RolePrefix = "ROLE_"
	// ScopePrefix marks an authority derived from an OAuth scope.
	ScopePrefix = "SCOPE_"

	DefaultGroupsClaim      = "cognito:groups"
	DefaultCustomRolesClaim = "custom:roles"

	// DefaultAuthority is granted when a token yields no other authority.
	DefaultAuthority = RolePrefix + RoleStaff
)

// Claims is a verified claim set.
type Claims map[string]any

// Subject returns the "sub" claim.
func (c Claims) Subject() string {
	return c.StringClaim("sub")
}

// StringClaim returns the named claim when it is a string.
func (c Claims) StringClaim(name string) string {
	v, _ := c[name].(string)
	return strings.TrimSpace(v)
}

// StringList returns the named claim as a list of strings. A claim that is
// not list-typed is reported as absent; non-string items are skipped.
func (c Claims) StringList(name string) ([]string, bool) {
	raw, ok := c[name]
	if !ok || raw == nil {
		return nil, false
	}
	switch list := raw.(type) {
	case []string:
		return list, true
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out, true
	default:
		return nil, false
	}
}

// Authorities is an ordered set of authority strings.
type Authorities []string

// Has reports whether authority is present.
func (a Authorities) Has(authority string) bool {
	for _, v := range a {
		if v == authority {
			return true
		}
	}
	return false
}

// HasAny reports whether any of the given authorities is present.
func (a Authorities) HasAny(authorities ...string) bool {
	for _, want := range authorities {
		if a.Has(want) {
			return true
		}
	}
	return false
}

// ClaimsMapper turns verified claims into authorities.
type ClaimsMapper struct {
	GroupsClaim      string
	CustomRolesClaim string
}

// NewClaimsMapper returns a mapper reading the default claim names.
func NewClaimsMapper() ClaimsMapper {
	return ClaimsMapper{
		GroupsClaim:      DefaultGroupsClaim,
		CustomRolesClaim: DefaultCustomRolesClaim,
	}
}

// MapClaims maps claims with the default claim names.
func MapClaims(claims Claims) Authorities {
	return NewClaimsMapper().Map(claims)
}

// Map derives the authority set: scope authorities first, then groups and
// custom roles as ROLE_<UPPER>. The result is never empty.
func (m ClaimsMapper) Map(claims Claims) Authorities {
	set := newAuthoritySet()
	for _, scope := range scopes(claims) {
		set.add(ScopePrefix + scope)
	}
	for _, name := range []string{m.GroupsClaim, m.CustomRolesClaim} {
		if name == "" {
			continue
		}
		values, ok := claims.StringList(name)
		if !ok {
			continue
		}
		for _, v := range values {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			set.add(RoleAuthority(v))
		}
	}
	if len(set.items) == 0 {
		return Authorities{DefaultAuthority}
	}
	return set.items
}

// RoleAuthority formats a role or group name as an authority.
func RoleAuthority(role string) string {
	return RolePrefix + strings.ToUpper(strings.TrimSpace(role))
}

// scopes reads "scope", falling back to "scp". Both accept a
// space-delimited string or a string list.
func scopes(claims Claims) []string {
	for _, name := range []string{"scope", "scp"} {
		raw, ok := claims[name]
		if !ok || raw == nil {
			continue
		}
		if s, ok := raw.(string); ok {
			return strings.Fields(s)
		}
		if list, ok := claims.StringList(name); ok {
			out := make([]string, 0, len(list))
			for _, s := range list {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
			return out
		}
		return nil
	}
	return nil
}

type authoritySet struct {
	seen  map[string]struct{}
	items Authorities
}

func newAuthoritySet() *authoritySet {
	return &authoritySet{seen: make(map[string]struct{})}
}

func (s *authoritySet) add(v string) {
	if _, ok := s.seen[v]; ok {
		return
	}
	s.seen[v] = struct{}{}
	s.items = append(s.items, v)
}
