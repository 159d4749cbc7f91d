package auth

import (
	"strings"
	"time"
)

// DefaultLocale is assigned to users that do not carry a locale claim.
const DefaultLocale = "en-US"

// Built-in role names seeded by migrations.
const (
	RoleAdmin = "ADMIN"
	RoleStaff = "STAFF"
)

// User is a staff account. ID is the identity provider's subject.
type User struct {
	ID          string    `json:"user_id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	Locale      string    `json:"locale"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Role is reference data; the core never creates or deletes roles.
type Role struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// RoleAssignment links one user to one role. The pair is unique.
type RoleAssignment struct {
	UserID     string    `json:"user_id"`
	RoleName   string    `json:"role"`
	AssignedAt time.Time `json:"assigned_at"`
}

// UserSummary is a user together with the names of its assigned roles.
type UserSummary struct {
	User
	Roles []string `json:"roles"`
}

// EventType is the closed vocabulary of audit event tags.
type EventType string

const (
	EventLogin          EventType = "LOGIN"
	EventLogout         EventType = "LOGOUT"
	EventLoginFailed    EventType = "LOGIN_FAILED"
	EventMFASuccess     EventType = "MFA_SUCCESS"
	EventMFAFailed      EventType = "MFA_FAILED"
	EventPasswordReset  EventType = "PASSWORD_RESET"
	EventRoleAssigned   EventType = "ROLE_ASSIGNED"
	EventRoleRemoved    EventType = "ROLE_REMOVED"
	EventProfileUpdated EventType = "PROFILE_UPDATED"
)

var eventTypes = map[EventType]struct{}{
	EventLogin:          {},
	EventLogout:         {},
	EventLoginFailed:    {},
	EventMFASuccess:     {},
	EventMFAFailed:      {},
	EventPasswordReset:  {},
	EventRoleAssigned:   {},
	EventRoleRemoved:    {},
	EventProfileUpdated: {},
}

// ParseEventType normalizes raw to an EventType and reports whether it is known.
func ParseEventType(raw string) (EventType, bool) {
	t := EventType(strings.ToUpper(strings.TrimSpace(raw)))
	_, ok := eventTypes[t]
	return t, ok
}

// Valid reports whether t belongs to the vocabulary.
func (t EventType) Valid() bool {
	_, ok := eventTypes[t]
	return ok
}

// AuditEvent is an immutable audit record.
type AuditEvent struct {
	ID            int64     `json:"id"`
	UserID        string    `json:"user_id"`
	EventType     EventType `json:"event_type"`
	IPAddress     string    `json:"ip_address,omitempty"`
	UserAgent     string    `json:"user_agent,omitempty"`
	Success       bool      `json:"success"`
	FailureReason string    `json:"failure_reason,omitempty"`
	SessionID     string    `json:"session_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// EventRecord is the input for appending one audit event.
type EventRecord struct {
	UserID        string
	Type          EventType
	IPAddress     string
	UserAgent     string
	Success       bool
	FailureReason string
}

// Actor identifies who performs an administrative or self-service operation.
type Actor struct {
	UserID    string
	IPAddress string
	UserAgent string
}

func (a Actor) valid() bool {
	return strings.TrimSpace(a.UserID) != ""
}

// Identity is the subset of verified claims used to provision a user.
type Identity struct {
	Subject     string
	Username    string
	Email       string
	DisplayName string
	Locale      string
}

// ProfileUpdate carries self-service profile changes. Nil fields are untouched.
type ProfileUpdate struct {
	DisplayName *string
	Locale      *string
}
