package auth

import (
	"context"
	"fmt"
	"strings"

	"itcenter.org/staffauth/internal/page"
)

// RegistryStore persists users, roles and the user/role assignment table.
// Assignments live in a single table keyed by (user, role); the roles of a
// user and the members of a role are both queries over it.
type RegistryStore interface {
	CreateUser(ctx context.Context, u User) (User, error)
	GetUser(ctx context.Context, userID string) (User, error)
	// UpdateUser applies upd and runs audit before the change is committed.
	UpdateUser(ctx context.Context, userID string, upd ProfileUpdate, audit AuditFunc) (User, error)

	GetRole(ctx context.Context, name string) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)

	// AssignRole inserts the pair unless it exists; created reports whether a
	// row was added. audit runs only for a new pair.
	AssignRole(ctx context.Context, userID, roleName string, audit AuditFunc) (a RoleAssignment, created bool, err error)
	// ReplaceRoles validates every role name, then swaps the user's full
	// assignment set in one atomic step serialized per user.
	ReplaceRoles(ctx context.Context, userID string, roleNames []string, audit AuditFunc) ([]RoleAssignment, error)
	// RemoveRole deletes the pair; removed is false when it did not exist.
	// audit runs only when a pair was removed.
	RemoveRole(ctx context.Context, userID, roleName string, audit AuditFunc) (removed bool, err error)
	UserRoles(ctx context.Context, userID string) ([]RoleAssignment, error)
	RoleMembers(ctx context.Context, roleName string) ([]RoleAssignment, error)

	SearchUsers(ctx context.Context, q UserQuery) ([]UserSummary, int64, error)
}

// AuditFunc records the audit event of a registry mutation. Stores call it
// inside the mutation's unit of work: when it fails the mutation is not
// applied. A nil AuditFunc is skipped.
type AuditFunc func(ctx context.Context) error

// Run calls fn if it is set.
func (fn AuditFunc) Run(ctx context.Context) error {
	if fn == nil {
		return nil
	}
	return fn(ctx)
}

// EventRecorder appends audit events.
type EventRecorder interface {
	Record(ctx context.Context, rec EventRecord) (AuditEvent, error)
}

// SortField names a sortable user attribute.
type SortField string

const (
	SortCreatedAt   SortField = "createdAt"
	SortUpdatedAt   SortField = "updatedAt"
	SortEmail       SortField = "email"
	SortDisplayName SortField = "displayName"
)

// ParseSortField maps a request value to a SortField. Blank selects createdAt.
func ParseSortField(raw string) (SortField, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return SortCreatedAt, nil
	}
	for _, f := range []SortField{SortCreatedAt, SortUpdatedAt, SortEmail, SortDisplayName} {
		if strings.EqualFold(raw, string(f)) {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: unsupported sort field %q", ErrInvalidInput, raw)
}

// SortDirection is asc or desc.
type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// ParseSortDirection accepts "asc" case-insensitively; anything else is desc.
func ParseSortDirection(raw string) SortDirection {
	if strings.EqualFold(strings.TrimSpace(raw), string(SortAsc)) {
		return SortAsc
	}
	return SortDesc
}

// UserQuery selects a page of users.
type UserQuery struct {
	Text      string
	Page      page.Request
	Sort      SortField
	Direction SortDirection
}
