package auth

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"itcenter.org/staffauth/internal/page"
)

type recordingRecorder struct {
	mu      sync.Mutex
	records []EventRecord
	err     error
}

func (r *recordingRecorder) Record(_ context.Context, rec EventRecord) (AuditEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return AuditEvent{}, r.err
	}
	r.records = append(r.records, rec)
	return AuditEvent{ID: int64(len(r.records)), UserID: rec.UserID, EventType: rec.Type, Success: rec.Success}, nil
}

func (r *recordingRecorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Type)
	}
	return out
}

var admin = Actor{UserID: "admin-1", IPAddress: "10.0.0.1", UserAgent: "test"}

func newTestRegistry(t *testing.T) (*Registry, *MemoryStore, *recordingRecorder) {
	t.Helper()
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	store := NewMemoryStore(now)
	rec := &recordingRecorder{}
	reg, err := NewRegistry(store, rec, WithRegistryClock(now))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	for _, u := range []User{
		{ID: "admin-1", Email: "root@example.com", DisplayName: "Root Admin", Locale: DefaultLocale},
		{ID: "u1", Email: "alice@example.com", DisplayName: "Alice Smith", Locale: DefaultLocale},
		{ID: "u2", Email: "bob@example.com", DisplayName: "Bob Jones", Locale: DefaultLocale},
	} {
		if _, err := store.CreateUser(context.Background(), u); err != nil {
			t.Fatalf("seed %s: %v", u.ID, err)
		}
	}
	return reg, store, rec
}

func TestAssignRoleIsIdempotent(t *testing.T) {
	reg, _, rec := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.AssignRole(ctx, admin, "u1", "admin"); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	if _, err := reg.AssignRole(ctx, admin, "u1", "ADMIN"); err != nil {
		t.Fatalf("second AssignRole: %v", err)
	}
	roles, err := reg.UserRoles(ctx, "u1")
	if err != nil {
		t.Fatalf("UserRoles: %v", err)
	}
	if len(roles) != 1 || roles[0].RoleName != RoleAdmin {
		t.Fatalf("expected a single ADMIN assignment, got %+v", roles)
	}
	if got := rec.types(); !reflect.DeepEqual(got, []EventType{EventRoleAssigned}) {
		t.Fatalf("expected exactly one ROLE_ASSIGNED, got %v", got)
	}
	if rec.records[0].UserID != admin.UserID {
		t.Fatalf("audit subject must be the actor, got %q", rec.records[0].UserID)
	}
}

func TestAssignRoleUnknownUserOrRole(t *testing.T) {
	reg, _, rec := newTestRegistry(t)
	ctx := context.Background()
	if _, err := reg.AssignRole(ctx, admin, "ghost", RoleStaff); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown user, got %v", err)
	}
	if _, err := reg.AssignRole(ctx, admin, "u1", "BOGUS"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown role, got %v", err)
	}
	if _, err := reg.AssignRole(ctx, Actor{}, "u1", RoleStaff); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated for empty actor, got %v", err)
	}
	if len(rec.types()) != 0 {
		t.Fatalf("failed operations must not audit, got %v", rec.types())
	}
}

func TestReplaceRolesUnknownNameLeavesAssignments(t *testing.T) {
	reg, _, rec := newTestRegistry(t)
	ctx := context.Background()
	if _, err := reg.AssignRole(ctx, admin, "u1", RoleStaff); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}

	_, err := reg.ReplaceRoles(ctx, admin, "u1", []string{RoleAdmin, "BOGUS"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	ok, err := reg.HasRole(ctx, "u1", RoleStaff)
	if err != nil || !ok {
		t.Fatalf("STAFF must survive a failed replace: ok=%v err=%v", ok, err)
	}
	ok, _ = reg.HasRole(ctx, "u1", RoleAdmin)
	if ok {
		t.Fatal("ADMIN must not be assigned by a failed replace")
	}
	if got := len(rec.types()); got != 1 {
		t.Fatalf("failed replace must not audit, got %d records", got)
	}
}

func TestReplaceRolesScenario(t *testing.T) {
	reg, _, rec := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.ReplaceRoles(ctx, admin, "u1", []string{"admin", "staff", "ADMIN"}); err != nil {
		t.Fatalf("ReplaceRoles: %v", err)
	}
	members, err := reg.RoleMembers(ctx, RoleAdmin)
	if err != nil {
		t.Fatalf("RoleMembers: %v", err)
	}
	if len(members) != 1 || members[0].UserID != "u1" {
		t.Fatalf("unexpected ADMIN members: %+v", members)
	}

	if err := reg.RemoveRole(ctx, admin, "u1", RoleAdmin); err != nil {
		t.Fatalf("RemoveRole: %v", err)
	}
	members, _ = reg.RoleMembers(ctx, RoleAdmin)
	if len(members) != 0 {
		t.Fatalf("u1 must leave ADMIN members, got %+v", members)
	}
	ok, _ := reg.HasRole(ctx, "u1", RoleAdmin)
	if ok {
		t.Fatal("u1 must not hold ADMIN after removal")
	}

	if err := reg.RemoveRole(ctx, admin, "u1", RoleAdmin); err != nil {
		t.Fatalf("removing an absent pair is a no-op: %v", err)
	}

	assignments, err := reg.ReplaceRoles(ctx, admin, "u1", nil)
	if err != nil {
		t.Fatalf("clearing roles: %v", err)
	}
	if len(assignments) != 0 {
		t.Fatalf("expected no roles, got %+v", assignments)
	}

	want := []EventType{EventRoleAssigned, EventRoleRemoved, EventRoleAssigned}
	if got := rec.types(); !reflect.DeepEqual(got, want) {
		t.Fatalf("audit trail=%v, want %v", got, want)
	}
	if !strings.Contains(rec.records[0].FailureReason, "ADMIN,STAFF") {
		t.Fatalf("replace reason should list the roles, got %q", rec.records[0].FailureReason)
	}
}

func TestReplaceRolesConcurrentSameUser(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	sets := [][]string{{RoleAdmin}, {RoleStaff}, {RoleAdmin, RoleStaff}}

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(set []string) {
			defer wg.Done()
			if _, err := reg.ReplaceRoles(ctx, admin, "u1", set); err != nil {
				t.Errorf("ReplaceRoles: %v", err)
			}
		}(sets[i%len(sets)])
	}
	wg.Wait()

	got, err := reg.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	matched := false
	for _, set := range sets {
		want := append([]string(nil), set...)
		if reflect.DeepEqual(got.Roles, RoleNames(assignmentsFor(want))) {
			matched = true
		}
	}
	if !matched {
		t.Fatalf("final roles %v are not one of the submitted sets", got.Roles)
	}
}

func assignmentsFor(names []string) []RoleAssignment {
	out := make([]RoleAssignment, 0, len(names))
	for _, n := range names {
		out = append(out, RoleAssignment{RoleName: n})
	}
	return out
}

func TestAuditFailureFailsMutation(t *testing.T) {
	reg, _, rec := newTestRegistry(t)
	ctx := context.Background()
	if _, err := reg.ReplaceRoles(ctx, admin, "u2", []string{RoleStaff}); err != nil {
		t.Fatalf("seed u2 roles: %v", err)
	}
	if _, err := reg.AssignRole(ctx, admin, "u1", RoleAdmin); err != nil {
		t.Fatalf("seed u1 roles: %v", err)
	}
	rec.err = errors.New("audit down")

	if _, err := reg.AssignRole(ctx, admin, "u1", RoleStaff); err == nil {
		t.Fatal("expected audit failure to surface")
	}
	if has, _ := reg.HasRole(ctx, "u1", RoleStaff); has {
		t.Fatal("assignment applied although its audit failed")
	}
	if _, err := reg.ReplaceRoles(ctx, admin, "u2", []string{RoleAdmin}); err == nil {
		t.Fatal("expected ReplaceRoles audit failure to surface")
	}
	if got, _ := reg.GetUser(ctx, "u2"); !reflect.DeepEqual(got.Roles, []string{RoleStaff}) {
		t.Fatalf("replacement applied although its audit failed: %v", got.Roles)
	}
	if err := reg.RemoveRole(ctx, admin, "u1", RoleAdmin); err == nil {
		t.Fatal("expected RemoveRole audit failure to surface")
	}
	if has, _ := reg.HasRole(ctx, "u1", RoleAdmin); !has {
		t.Fatal("removal applied although its audit failed")
	}
	name := "Changed Name"
	if _, err := reg.UpdateProfile(ctx, Actor{UserID: "u1"}, ProfileUpdate{DisplayName: &name}); err == nil {
		t.Fatal("expected UpdateProfile audit failure to surface")
	}
	if got, _ := reg.GetUser(ctx, "u1"); got.DisplayName != "Alice Smith" {
		t.Fatalf("profile changed although its audit failed: %q", got.DisplayName)
	}

	// Once the audit log recovers, a retry is applied and recorded.
	rec.mu.Lock()
	rec.err = nil
	rec.records = nil
	rec.mu.Unlock()
	if _, err := reg.AssignRole(ctx, admin, "u1", RoleStaff); err != nil {
		t.Fatalf("retry AssignRole: %v", err)
	}
	if got := rec.types(); !reflect.DeepEqual(got, []EventType{EventRoleAssigned}) {
		t.Fatalf("retry should record one ROLE_ASSIGNED, got %v", got)
	}
	if has, _ := reg.HasRole(ctx, "u1", RoleStaff); !has {
		t.Fatal("retry did not apply the assignment")
	}
}

// lookupRecorder reads the user back through the registry store, as the
// audit engine does, while the mutation is in flight.
type lookupRecorder struct {
	store *MemoryStore
	seen  int
}

func (l *lookupRecorder) Record(ctx context.Context, rec EventRecord) (AuditEvent, error) {
	if _, err := l.store.GetUser(ctx, rec.UserID); err != nil {
		return AuditEvent{}, err
	}
	l.seen++
	return AuditEvent{UserID: rec.UserID, EventType: rec.Type}, nil
}

func TestMutationAuditMayReadStore(t *testing.T) {
	_, store, _ := newTestRegistry(t)
	rec := &lookupRecorder{store: store}
	reg, err := NewRegistry(store, rec)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := reg.AssignRole(context.Background(), admin, "u1", RoleAdmin)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("AssignRole: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("AssignRole deadlocked while the audit hook read the store")
	}
	if rec.seen != 1 {
		t.Fatalf("expected one audited lookup, got %d", rec.seen)
	}
}

func TestSearch(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	if _, err := reg.AssignRole(ctx, admin, "u1", RoleStaff); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}

	res, err := reg.Search(ctx, UserQuery{Text: "  ALICE ", Page: page.Request{Size: 20}})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.TotalElements != 1 || res.Content[0].ID != "u1" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !reflect.DeepEqual(res.Content[0].Roles, []string{RoleStaff}) {
		t.Fatalf("summary should carry roles, got %v", res.Content[0].Roles)
	}

	byEmail, _ := reg.Search(ctx, UserQuery{Text: "bob@", Page: page.Request{Size: 20}})
	if byEmail.TotalElements != 1 || byEmail.Content[0].ID != "u2" {
		t.Fatalf("email search failed: %+v", byEmail)
	}

	all, _ := reg.Search(ctx, UserQuery{Page: page.Request{Size: 2}})
	if all.TotalElements != 3 || all.TotalPages != 2 || !all.HasNext || all.Content[0].ID != "u2" {
		t.Fatalf("blank query should list everyone newest first: %+v", all)
	}

	asc, _ := reg.Search(ctx, UserQuery{Page: page.Request{Size: 20}, Sort: SortEmail, Direction: SortAsc})
	if got := []string{asc.Content[0].Email, asc.Content[1].Email, asc.Content[2].Email}; !reflect.DeepEqual(got, []string{"alice@example.com", "bob@example.com", "root@example.com"}) {
		t.Fatalf("email asc order: %v", got)
	}

	if _, err := reg.Search(ctx, UserQuery{Page: page.Request{Size: 0}}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for size 0, got %v", err)
	}
}

func TestParseSort(t *testing.T) {
	if f, err := ParseSortField(""); err != nil || f != SortCreatedAt {
		t.Fatalf("blank sort: %v %v", f, err)
	}
	if f, err := ParseSortField("displayname"); err != nil || f != SortDisplayName {
		t.Fatalf("case-insensitive sort: %v %v", f, err)
	}
	if _, err := ParseSortField("password"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if ParseSortDirection("ASC") != SortAsc || ParseSortDirection("sideways") != SortDesc {
		t.Fatal("unexpected direction parsing")
	}
}

func TestProvisionUser(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	u, err := reg.ProvisionUser(ctx, Identity{Subject: "u9", Email: "Carol@Example.com"})
	if err != nil {
		t.Fatalf("ProvisionUser: %v", err)
	}
	if u.Email != "carol@example.com" || u.DisplayName != "Carol" || u.Locale != DefaultLocale {
		t.Fatalf("unexpected provisioned user: %+v", u)
	}

	again, err := reg.ProvisionUser(ctx, Identity{Subject: "u9", Email: "changed@example.com", DisplayName: "Other"})
	if err != nil {
		t.Fatalf("second ProvisionUser: %v", err)
	}
	if again.Email != u.Email || again.DisplayName != u.DisplayName {
		t.Fatalf("existing users must be returned unchanged: %+v", again)
	}

	if _, err := reg.ProvisionUser(ctx, Identity{Subject: "u10", Email: "alice@example.com", DisplayName: "Dup"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate email, got %v", err)
	}
	if _, err := reg.ProvisionUser(ctx, Identity{Subject: "u11", Email: "not-an-email"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for a malformed email, got %v", err)
	}
	if _, err := reg.ProvisionUser(ctx, Identity{Email: "x@example.com"}); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated without subject, got %v", err)
	}
}

func TestProvisionUserWithoutEmailClaim(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	claims := Claims{"sub": "7d3f0c2e-access", "cognito:username": "jdoe", "token_use": "access"}
	u, err := reg.ProvisionUser(ctx, IdentityFromClaims(claims))
	if err != nil {
		t.Fatalf("ProvisionUser: %v", err)
	}
	if u.Email != "7d3f0c2e-access@"+PlaceholderEmailDomain {
		t.Fatalf("unexpected placeholder email %q", u.Email)
	}
	if u.DisplayName != "jdoe" {
		t.Fatalf("display name should fall back to the username, got %q", u.DisplayName)
	}

	bare, err := reg.ProvisionUser(ctx, Identity{Subject: "u12"})
	if err != nil {
		t.Fatalf("ProvisionUser without username: %v", err)
	}
	if bare.Email != "u12@"+PlaceholderEmailDomain || bare.DisplayName != "u12" {
		t.Fatalf("unexpected user: %+v", bare)
	}
}

func TestUpdateProfile(t *testing.T) {
	reg, _, rec := newTestRegistry(t)
	ctx := context.Background()
	self := Actor{UserID: "u1"}

	name := "  Alice Cooper "
	u, err := reg.UpdateProfile(ctx, self, ProfileUpdate{DisplayName: &name})
	if err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	if u.DisplayName != "Alice Cooper" || u.Locale != DefaultLocale {
		t.Fatalf("unexpected user: %+v", u)
	}
	if got := rec.types(); !reflect.DeepEqual(got, []EventType{EventProfileUpdated}) {
		t.Fatalf("expected PROFILE_UPDATED, got %v", got)
	}

	short := "A"
	if _, err := reg.UpdateProfile(ctx, self, ProfileUpdate{DisplayName: &short}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for short name, got %v", err)
	}
	long := strings.Repeat("x", 51)
	if _, err := reg.UpdateProfile(ctx, self, ProfileUpdate{DisplayName: &long}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for long name, got %v", err)
	}
	badLocale := "not a locale"
	if _, err := reg.UpdateProfile(ctx, self, ProfileUpdate{Locale: &badLocale}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for locale, got %v", err)
	}
	if _, err := reg.UpdateProfile(ctx, Actor{UserID: "ghost"}, ProfileUpdate{DisplayName: &name}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown user, got %v", err)
	}
}
