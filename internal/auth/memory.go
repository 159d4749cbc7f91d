package auth

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"itcenter.org/staffauth/internal/page"
)

type assignmentKey struct {
	userID string
	role   string
}

// MemoryStore is an in-process RegistryStore used by tests and by the API
// when no database DSN is configured.
//
// Mutations hold writeMu throughout: validate under mu, run the audit hook
// with mu released, then apply under mu. The hook may read this store.
type MemoryStore struct {
	writeMu     sync.Mutex
	mu          sync.RWMutex
	users       map[string]User
	emails      map[string]string
	roles       map[string]Role
	assignments map[assignmentKey]time.Time
	nextRoleID  int64
	now         func() time.Time
}

// NewMemoryStore returns a store seeded with the ADMIN and STAFF roles.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	s := &MemoryStore{
		users:       make(map[string]User),
		emails:      make(map[string]string),
		roles:       make(map[string]Role),
		assignments: make(map[assignmentKey]time.Time),
		now:         now,
	}
	s.AddRole(RoleAdmin, "Administrator")
	s.AddRole(RoleStaff, "Staff member")
	return s
}

// AddRole inserts a catalog role. Existing names are left as they are.
func (s *MemoryStore) AddRole(name, description string) Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	name = normalizeRoleName(name)
	if r, ok := s.roles[name]; ok {
		return r
	}
	s.nextRoleID++
	r := Role{ID: s.nextRoleID, Name: name, Description: description}
	s.roles[name] = r
	return r
}

func (s *MemoryStore) CreateUser(_ context.Context, u User) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; ok {
		return User{}, fmt.Errorf("%w: user %s exists", ErrConflict, u.ID)
	}
	email := strings.ToLower(u.Email)
	if _, ok := s.emails[email]; ok {
		return User{}, fmt.Errorf("%w: email %s in use", ErrConflict, email)
	}
	now := s.now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	s.users[u.ID] = u
	s.emails[email] = u.ID
	return u, nil
}

func (s *MemoryStore) GetUser(_ context.Context, userID string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return User{}, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	return u, nil
}

func (s *MemoryStore) UpdateUser(ctx context.Context, userID string, upd ProfileUpdate, audit AuditFunc) (User, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.GetUser(ctx, userID); err != nil {
		return User{}, err
	}
	if err := audit.Run(ctx); err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[userID]
	if upd.DisplayName != nil {
		u.DisplayName = *upd.DisplayName
	}
	if upd.Locale != nil {
		u.Locale = *upd.Locale
	}
	u.UpdatedAt = s.now().UTC()
	s.users[userID] = u
	return u, nil
}

func (s *MemoryStore) GetRole(_ context.Context, name string) (Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[name]
	if !ok {
		return Role{}, fmt.Errorf("%w: role %s", ErrNotFound, name)
	}
	return r, nil
}

func (s *MemoryStore) ListRoles(_ context.Context) ([]Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) AssignRole(ctx context.Context, userID, roleName string, audit AuditFunc) (RoleAssignment, bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	key := assignmentKey{userID: userID, role: roleName}

	s.mu.RLock()
	err := s.checkPairLocked(userID, roleName)
	at, exists := s.assignments[key]
	s.mu.RUnlock()
	if err != nil {
		return RoleAssignment{}, false, err
	}
	if exists {
		return RoleAssignment{UserID: userID, RoleName: roleName, AssignedAt: at}, false, nil
	}
	if err := audit.Run(ctx); err != nil {
		return RoleAssignment{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	at = s.now().UTC()
	s.assignments[key] = at
	return RoleAssignment{UserID: userID, RoleName: roleName, AssignedAt: at}, true, nil
}

func (s *MemoryStore) ReplaceRoles(ctx context.Context, userID string, roleNames []string, audit AuditFunc) ([]RoleAssignment, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.checkReplace(userID, roleNames); err != nil {
		return nil, err
	}
	if err := audit.Run(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prior := make(map[string]time.Time)
	for key, at := range s.assignments {
		if key.userID == userID {
			prior[key.role] = at
			delete(s.assignments, key)
		}
	}
	now := s.now().UTC()
	for _, name := range roleNames {
		at, kept := prior[name]
		if !kept {
			at = now
		}
		s.assignments[assignmentKey{userID: userID, role: name}] = at
	}
	return s.userRolesLocked(userID), nil
}

func (s *MemoryStore) RemoveRole(ctx context.Context, userID, roleName string, audit AuditFunc) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	key := assignmentKey{userID: userID, role: roleName}

	s.mu.RLock()
	err := s.checkPairLocked(userID, roleName)
	_, exists := s.assignments[key]
	s.mu.RUnlock()
	if err != nil || !exists {
		return false, err
	}
	if err := audit.Run(ctx); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.assignments, key)
	return true, nil
}

func (s *MemoryStore) UserRoles(_ context.Context, userID string) ([]RoleAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.users[userID]; !ok {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	return s.userRolesLocked(userID), nil
}

func (s *MemoryStore) RoleMembers(_ context.Context, roleName string) ([]RoleAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.roles[roleName]; !ok {
		return nil, fmt.Errorf("%w: role %s", ErrNotFound, roleName)
	}
	out := make([]RoleAssignment, 0)
	for key, at := range s.assignments {
		if key.role == roleName {
			out = append(out, RoleAssignment{UserID: key.userID, RoleName: key.role, AssignedAt: at})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryStore) SearchUsers(_ context.Context, q UserQuery) ([]UserSummary, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	text := strings.ToLower(strings.TrimSpace(q.Text))
	matched := make([]User, 0, len(s.users))
	for _, u := range s.users {
		if text == "" ||
			strings.Contains(strings.ToLower(u.DisplayName), text) ||
			strings.Contains(strings.ToLower(u.Email), text) {
			matched = append(matched, u)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		c := compareUsers(matched[i], matched[j], q.Sort)
		if c == 0 {
			return matched[i].ID < matched[j].ID
		}
		if q.Direction == SortAsc {
			return c < 0
		}
		return c > 0
	})
	window := page.Slice(matched, q.Page)
	out := make([]UserSummary, 0, len(window))
	for _, u := range window {
		out = append(out, UserSummary{User: u, Roles: RoleNames(s.userRolesLocked(u.ID))})
	}
	return out, int64(len(matched)), nil
}

func (s *MemoryStore) checkReplace(userID string, roleNames []string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.users[userID]; !ok {
		return fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	for _, name := range roleNames {
		if _, ok := s.roles[name]; !ok {
			return fmt.Errorf("%w: role %s", ErrNotFound, name)
		}
	}
	return nil
}

func (s *MemoryStore) checkPairLocked(userID, roleName string) error {
	if _, ok := s.users[userID]; !ok {
		return fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	if _, ok := s.roles[roleName]; !ok {
		return fmt.Errorf("%w: role %s", ErrNotFound, roleName)
	}
	return nil
}

func (s *MemoryStore) userRolesLocked(userID string) []RoleAssignment {
	out := make([]RoleAssignment, 0)
	for key, at := range s.assignments {
		if key.userID == userID {
			out = append(out, RoleAssignment{UserID: userID, RoleName: key.role, AssignedAt: at})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoleName < out[j].RoleName })
	return out
}

func compareUsers(a, b User, field SortField) int {
	switch field {
	case SortUpdatedAt:
		return a.UpdatedAt.Compare(b.UpdatedAt)
	case SortEmail:
		return strings.Compare(strings.ToLower(a.Email), strings.ToLower(b.Email))
	case SortDisplayName:
		return strings.Compare(strings.ToLower(a.DisplayName), strings.ToLower(b.DisplayName))
	default:
		return a.CreatedAt.Compare(b.CreatedAt)
	}
}
