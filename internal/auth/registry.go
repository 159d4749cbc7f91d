package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/sirupsen/logrus"

	"itcenter.org/staffauth/internal/obs"
	"itcenter.org/staffauth/internal/page"
)

const (
	displayNameMin = 2
	displayNameMax = 50

	// PlaceholderEmailDomain completes the address of users whose token
	// carries no email claim, such as Cognito access tokens.
	PlaceholderEmailDomain = "users.invalid"
)

var localePattern = regexp.MustCompile(`^[A-Za-z]{2,3}(-[A-Za-z0-9]{2,8})*$`)

// Registry manages users and their role assignments. Every mutation is
// written through to the audit log; a failed audit write fails the call and
// leaves the mutation unapplied.
type Registry struct {
	store RegistryStore
	audit EventRecorder
	now   func() time.Time
}

// RegistryOption configures Registry behavior.
type RegistryOption func(*Registry)

// WithRegistryClock overrides the time source (useful for tests).
func WithRegistryClock(fn func() time.Time) RegistryOption {
	return func(r *Registry) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewRegistry constructs a Registry.
func NewRegistry(store RegistryStore, recorder EventRecorder, opts ...RegistryOption) (*Registry, error) {
	if store == nil {
		return nil, errors.New("registry store is required")
	}
	if recorder == nil {
		return nil, errors.New("audit recorder is required")
	}
	r := &Registry{store: store, audit: recorder, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// AssignRole gives userID the named role. Assigning an existing pair is a
// no-op and records nothing.
func (r *Registry) AssignRole(ctx context.Context, actor Actor, userID, roleName string) (RoleAssignment, error) {
	if !actor.valid() {
		return RoleAssignment{}, ErrUnauthenticated
	}
	userID = strings.TrimSpace(userID)
	roleName = normalizeRoleName(roleName)
	if userID == "" || roleName == "" {
		return RoleAssignment{}, fmt.Errorf("%w: user_id and role are required", ErrInvalidInput)
	}
	reason := fmt.Sprintf("assigned role %s to user %s", roleName, userID)
	assignment, created, err := r.store.AssignRole(ctx, userID, roleName, r.recorder(actor, EventRoleAssigned, reason))
	if err != nil {
		return RoleAssignment{}, err
	}
	if !created {
		return assignment, nil
	}
	obs.ObserveRoleMutation("assign")
	obs.Logger().WithFields(logrus.Fields{
		"user_id": userID,
		"role":    roleName,
		"actor":   actor.UserID,
	}).Info("role assigned")
	return assignment, nil
}

// ReplaceRoles installs exactly roleNames for userID. An unknown role name
// aborts the whole replacement and leaves prior assignments untouched.
func (r *Registry) ReplaceRoles(ctx context.Context, actor Actor, userID string, roleNames []string) ([]RoleAssignment, error) {
	if !actor.valid() {
		return nil, ErrUnauthenticated
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	names := normalizeRoleNames(roleNames)
	reason := fmt.Sprintf("updated roles for user %s: [%s]", userID, strings.Join(names, ","))
	assignments, err := r.store.ReplaceRoles(ctx, userID, names, r.recorder(actor, EventRoleAssigned, reason))
	if err != nil {
		return nil, err
	}
	obs.ObserveRoleMutation("replace")
	obs.Logger().WithFields(logrus.Fields{
		"user_id": userID,
		"roles":   names,
		"actor":   actor.UserID,
	}).Info("roles replaced")
	return assignments, nil
}

// RemoveRole detaches the named role from userID. Missing pairs are a no-op.
func (r *Registry) RemoveRole(ctx context.Context, actor Actor, userID, roleName string) error {
	if !actor.valid() {
		return ErrUnauthenticated
	}
	userID = strings.TrimSpace(userID)
	roleName = normalizeRoleName(roleName)
	if userID == "" || roleName == "" {
		return fmt.Errorf("%w: user_id and role are required", ErrInvalidInput)
	}
	reason := fmt.Sprintf("removed role %s from user %s", roleName, userID)
	removed, err := r.store.RemoveRole(ctx, userID, roleName, r.recorder(actor, EventRoleRemoved, reason))
	if err != nil {
		return err
	}
	if !removed {
		return nil
	}
	obs.ObserveRoleMutation("remove")
	obs.Logger().WithFields(logrus.Fields{
		"user_id": userID,
		"role":    roleName,
		"actor":   actor.UserID,
	}).Info("role removed")
	return nil
}

// HasRole reports whether userID currently holds roleName.
func (r *Registry) HasRole(ctx context.Context, userID, roleName string) (bool, error) {
	roleName = normalizeRoleName(roleName)
	assignments, err := r.store.UserRoles(ctx, strings.TrimSpace(userID))
	if err != nil {
		return false, err
	}
	for _, a := range assignments {
		if a.RoleName == roleName {
			return true, nil
		}
	}
	return false, nil
}

// Search returns a page of users whose display name or email contains the
// query text, case-insensitively. Blank text matches every user.
func (r *Registry) Search(ctx context.Context, q UserQuery) (page.Page[UserSummary], error) {
	if err := q.Page.Validate(); err != nil {
		return page.Page[UserSummary]{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	q.Text = strings.TrimSpace(q.Text)
	if q.Sort == "" {
		q.Sort = SortCreatedAt
	}
	if q.Direction == "" {
		q.Direction = SortDesc
	}
	items, total, err := r.store.SearchUsers(ctx, q)
	if err != nil {
		return page.Page[UserSummary]{}, err
	}
	return page.New(items, q.Page, total, r.now()), nil
}

// GetUser returns a user with its role names.
func (r *Registry) GetUser(ctx context.Context, userID string) (UserSummary, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return UserSummary{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	u, err := r.store.GetUser(ctx, userID)
	if err != nil {
		return UserSummary{}, err
	}
	assignments, err := r.store.UserRoles(ctx, userID)
	if err != nil {
		return UserSummary{}, err
	}
	return UserSummary{User: u, Roles: RoleNames(assignments)}, nil
}

// Roles lists the role catalog.
func (r *Registry) Roles(ctx context.Context) ([]Role, error) {
	return r.store.ListRoles(ctx)
}

// Role looks up one catalog entry by name.
func (r *Registry) Role(ctx context.Context, roleName string) (Role, error) {
	return r.store.GetRole(ctx, normalizeRoleName(roleName))
}

// UserRoles lists the assignments held by userID.
func (r *Registry) UserRoles(ctx context.Context, userID string) ([]RoleAssignment, error) {
	return r.store.UserRoles(ctx, strings.TrimSpace(userID))
}

// RoleMembers lists the assignments of roleName.
func (r *Registry) RoleMembers(ctx context.Context, roleName string) ([]RoleAssignment, error) {
	roleName = normalizeRoleName(roleName)
	if _, err := r.store.GetRole(ctx, roleName); err != nil {
		return nil, err
	}
	return r.store.RoleMembers(ctx, roleName)
}

// ProvisionUser returns the user for id.Subject, creating it from the
// identity claims on first sight.
func (r *Registry) ProvisionUser(ctx context.Context, id Identity) (User, error) {
	id.Subject = strings.TrimSpace(id.Subject)
	if id.Subject == "" {
		return User{}, ErrUnauthenticated
	}
	existing, err := r.store.GetUser(ctx, id.Subject)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return User{}, err
	}

	if strings.TrimSpace(id.Email) == "" {
		id.Email = id.Subject + "@" + PlaceholderEmailDomain
	}
	u := User{
		ID:          id.Subject,
		Email:       strings.ToLower(strings.TrimSpace(id.Email)),
		DisplayName: provisionalDisplayName(id),
		Locale:      strings.TrimSpace(id.Locale),
	}
	if u.Locale == "" {
		u.Locale = DefaultLocale
	}
	if err := (validation.Errors{
		"email":        validation.Validate(u.Email, validation.Required, is.Email),
		"display_name": validateDisplayName(u.DisplayName),
		"locale":       validateLocale(u.Locale),
	}).Filter(); err != nil {
		return User{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	created, err := r.store.CreateUser(ctx, u)
	if errors.Is(err, ErrConflict) {
		// Lost a race with a concurrent first request for the same subject.
		if again, getErr := r.store.GetUser(ctx, u.ID); getErr == nil {
			return again, nil
		}
	}
	if err != nil {
		return User{}, err
	}
	obs.Logger().WithFields(logrus.Fields{"user_id": created.ID}).Info("user provisioned")
	return created, nil
}

// UpdateProfile applies self-service changes to the actor's own profile.
func (r *Registry) UpdateProfile(ctx context.Context, actor Actor, upd ProfileUpdate) (User, error) {
	if !actor.valid() {
		return User{}, ErrUnauthenticated
	}
	errs := validation.Errors{}
	if upd.DisplayName != nil {
		name := strings.TrimSpace(*upd.DisplayName)
		upd.DisplayName = &name
		errs["display_name"] = validateDisplayName(name)
	}
	if upd.Locale != nil {
		locale := strings.TrimSpace(*upd.Locale)
		upd.Locale = &locale
		errs["locale"] = validateLocale(locale)
	}
	if err := errs.Filter(); err != nil {
		return User{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return r.store.UpdateUser(ctx, actor.UserID, upd, r.recorder(actor, EventProfileUpdated, ""))
}

// recorder binds the audit event of a mutation. The store runs it inside the
// mutation so a failed append leaves the registry unchanged.
func (r *Registry) recorder(actor Actor, t EventType, reason string) AuditFunc {
	return func(ctx context.Context) error {
		_, err := r.audit.Record(ctx, EventRecord{
			UserID:        actor.UserID,
			Type:          t,
			IPAddress:     actor.IPAddress,
			UserAgent:     actor.UserAgent,
			Success:       true,
			FailureReason: reason,
		})
		if err != nil {
			return fmt.Errorf("record %s: %w", t, err)
		}
		return nil
	}
}

// RoleNames returns the sorted role names of assignments.
func RoleNames(assignments []RoleAssignment) []string {
	names := make([]string, 0, len(assignments))
	for _, a := range assignments {
		names = append(names, a.RoleName)
	}
	sort.Strings(names)
	return names
}

func validateDisplayName(name string) error {
	return validation.Validate(name, validation.Required, validation.RuneLength(displayNameMin, displayNameMax))
}

func validateLocale(locale string) error {
	return validation.Validate(locale, validation.Required, validation.Length(2, 10), validation.Match(localePattern))
}

func provisionalDisplayName(id Identity) string {
	name := strings.TrimSpace(id.DisplayName)
	if name == "" {
		name = strings.TrimSpace(id.Username)
	}
	if name == "" {
		name, _, _ = strings.Cut(strings.TrimSpace(id.Email), "@")
	}
	if utf8.RuneCountInString(name) > displayNameMax {
		name = string([]rune(name)[:displayNameMax])
	}
	return name
}

func normalizeRoleName(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

func normalizeRoleNames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = normalizeRoleName(n)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
