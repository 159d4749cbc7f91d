package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"itcenter.org/staffauth/internal/audit"
	"itcenter.org/staffauth/internal/auth"
	"itcenter.org/staffauth/internal/stream"
)

const testSecret = "test-secret"

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

func newTestAPI(t *testing.T, opts ...Option) *apiClient {
	t.Helper()

	verifier, err := auth.NewVerifier(auth.WithHMACSecret(testSecret))
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	users := auth.NewMemoryStore(nil)
	feed := stream.New(8)
	engine, err := audit.NewEngine(audit.NewMemoryStore(), users, audit.WithPublisher(feed))
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	registry, err := auth.NewRegistry(users, engine)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	api := New(Deps{
		Verifier: verifier,
		Mapper:   auth.NewClaimsMapper(),
		Registry: registry,
		Audit:    engine,
		Stream:   feed,
	}, "test", append([]Option{WithRateLimit(1000, 1000), WithHeartbeat(50 * time.Millisecond)}, opts...)...)

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
	}
}

// token signs an HS256 token the way the identity provider would shape it.
func (c *apiClient) token(sub string, groups ...string) string {
	c.t.Helper()
	claims := jwt.MapClaims{
		"sub":   sub,
		"email": sub + "@example.com",
		"name":  "User " + sub,
		"exp":   time.Now().Add(time.Hour).Unix(),
		"iat":   time.Now().Unix(),
	}
	if len(groups) > 0 {
		list := make([]any, 0, len(groups))
		for _, g := range groups {
			list = append(list, g)
		}
		claims["cognito:groups"] = list
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		c.t.Fatalf("sign token: %v", err)
	}
	return signed
}

func bearerHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	if params != nil {
		path += "?" + params.Encode()
	}
	return c.do(http.MethodGet, path, nil, headers)
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		var body bytes.Buffer
		_, _ = body.ReadFrom(resp.Body)
		resp.Body.Close()
		t.Fatalf("expected %d, got %d: %s", want, resp.StatusCode, body.String())
	}
}

func TestHealthEndpointsArePublic(t *testing.T) {
	api := newTestAPI(t)

	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		resp := api.get(path, nil, nil)
		expectStatus(t, resp, http.StatusOK)
		resp.Body.Close()
	}
}

func TestAPIEnforcesAuth(t *testing.T) {
	api := newTestAPI(t)

	resp := api.get("/admin/users", nil, nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatalf("expected WWW-Authenticate header")
	}
	errBody := decode[map[string]any](t, resp)
	if errBody["error"] == "" || errBody["request_id"] == "" {
		t.Fatalf("expected error and request_id, got %v", errBody)
	}

	resp = api.get("/admin/users", nil, bearerHeader("not-a-jwt"))
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = api.get("/admin/users", nil, bearerHeader(api.token("staff-1", "staff")))
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()
}

func TestTokenWithoutGroupsGetsStaffAccess(t *testing.T) {
	api := newTestAPI(t)
	token := api.token("plain-1")

	resp := api.get("/me", nil, bearerHeader(token))
	expectStatus(t, resp, http.StatusOK)
	me := decode[map[string]any](t, resp)
	if me["user_id"] != "plain-1" || me["email"] != "plain-1@example.com" {
		t.Fatalf("unexpected profile: %v", me)
	}
	authorities, _ := me["authorities"].([]any)
	if len(authorities) != 1 || authorities[0] != "ROLE_STAFF" {
		t.Fatalf("expected [ROLE_STAFF], got %v", me["authorities"])
	}

	resp = api.get("/admin/roles", nil, bearerHeader(token))
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()
}

func TestSessionRecordsLogin(t *testing.T) {
	api := newTestAPI(t)
	admin := bearerHeader(api.token("admin-1", "admin"))

	resp := api.do(http.MethodPost, "/auth/session", nil, admin)
	expectStatus(t, resp, http.StatusOK)
	session := decode[sessionResponse](t, resp)
	if session.User.ID != "admin-1" || session.SessionID == "" {
		t.Fatalf("unexpected session: %+v", session)
	}

	resp = api.get("/admin/audit-log/recent/admin-1", nil, admin)
	expectStatus(t, resp, http.StatusOK)
	events := decode[[]auth.AuditEvent](t, resp)
	if len(events) != 1 || events[0].EventType != auth.EventLogin || !events[0].Success {
		t.Fatalf("expected one successful LOGIN, got %+v", events)
	}
	if events[0].IPAddress != "127.0.0.1" {
		t.Fatalf("expected client ip recorded, got %q", events[0].IPAddress)
	}

	resp = api.do(http.MethodPost, "/auth/logout", nil, admin)
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = api.get("/admin/users/admin-1", nil, admin)
	expectStatus(t, resp, http.StatusOK)
	detail := decode[map[string]any](t, resp)
	if detail["last_login_at"] == nil {
		t.Fatalf("expected last_login_at, got %v", detail)
	}

	resp = api.get("/admin/audit-log/recent/admin-1", url.Values{"limit": {"0"}}, admin)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

// loginIP opens a session with the extra headers and returns the source
// address stored on the resulting LOGIN event.
func (c *apiClient) loginIP(sub string, headers map[string]string) string {
	c.t.Helper()
	h := bearerHeader(c.token(sub, "admin"))
	resp := c.do(http.MethodPost, "/auth/session", nil, mergeHeaders(h, headers))
	expectStatus(c.t, resp, http.StatusOK)
	resp.Body.Close()

	resp = c.get("/admin/audit-log/recent/"+sub, url.Values{"limit": {"1"}}, h)
	expectStatus(c.t, resp, http.StatusOK)
	events := decode[[]auth.AuditEvent](c.t, resp)
	if len(events) != 1 {
		c.t.Fatalf("expected one LOGIN for %s, got %+v", sub, events)
	}
	return events[0].IPAddress
}

func mergeHeaders(sets ...map[string]string) map[string]string {
	out := map[string]string{}
	for _, set := range sets {
		for k, v := range set {
			out[k] = v
		}
	}
	return out
}

func TestSessionIgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	api := newTestAPI(t)

	if got := api.loginIP("spoof-1", map[string]string{"X-Forwarded-For": "6.6.6.6"}); got != "127.0.0.1" {
		t.Fatalf("forged X-Forwarded-For was stored: %q", got)
	}
	if got := api.loginIP("spoof-2", map[string]string{"X-Forwarded-For": strings.Repeat("x", 200)}); got != "127.0.0.1" {
		t.Fatalf("oversized X-Forwarded-For was stored: %.40q", got)
	}
}

func TestSessionHonorsForwardedForFromTrustedProxy(t *testing.T) {
	api := newTestAPI(t, WithTrustedProxies([]netip.Prefix{netip.MustParsePrefix("127.0.0.0/8")}))

	if got := api.loginIP("proxied-1", map[string]string{"X-Forwarded-For": "203.0.113.9, 127.0.0.2"}); got != "203.0.113.9" {
		t.Fatalf("expected forwarded client address, got %q", got)
	}
	if got := api.loginIP("proxied-2", map[string]string{"X-Forwarded-For": strings.Repeat("x", 200)}); got != "127.0.0.1" {
		t.Fatalf("malformed forwarded entry must fall back to the peer, got %.40q", got)
	}
}

func TestSessionWithoutEmailClaim(t *testing.T) {
	api := newTestAPI(t)
	claims := jwt.MapClaims{
		"sub":              "acc-1",
		"cognito:username": "jdoe",
		"cognito:groups":   []any{"staff"},
		"token_use":        "access",
		"exp":              time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	resp := api.get("/me", nil, bearerHeader(token))
	expectStatus(t, resp, http.StatusOK)
	me := decode[meResponse](t, resp)
	if me.Email != "acc-1@"+auth.PlaceholderEmailDomain || me.DisplayName != "jdoe" {
		t.Fatalf("unexpected profile: %+v", me.User)
	}
}

func TestRoleAdministrationFlow(t *testing.T) {
	api := newTestAPI(t)
	admin := bearerHeader(api.token("admin-1", "admin"))

	// Both users exist once they have called /me.
	for _, h := range []map[string]string{admin, bearerHeader(api.token("u2", "staff"))} {
		resp := api.get("/me", nil, h)
		expectStatus(t, resp, http.StatusOK)
		resp.Body.Close()
	}

	resp := api.do(http.MethodPost, "/admin/users/u2/roles/admin", nil, admin)
	expectStatus(t, resp, http.StatusOK)
	assignment := decode[auth.RoleAssignment](t, resp)
	if assignment.RoleName != auth.RoleAdmin {
		t.Fatalf("unexpected assignment: %+v", assignment)
	}

	resp = api.do(http.MethodPut, "/admin/users/u2/roles", map[string]any{"roles": []string{"STAFF", "BOGUS"}}, admin)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = api.get("/admin/users/u2", nil, admin)
	expectStatus(t, resp, http.StatusOK)
	detail := decode[auth.UserSummary](t, resp)
	if len(detail.Roles) != 1 || detail.Roles[0] != auth.RoleAdmin {
		t.Fatalf("failed replace must keep prior roles, got %v", detail.Roles)
	}

	resp = api.do(http.MethodPatch, "/admin/users/u2/roles", map[string]any{"roles": []string{"staff"}}, admin)
	expectStatus(t, resp, http.StatusOK)
	replaced := decode[userRolesResponse](t, resp)
	if len(replaced.Roles) != 1 || replaced.Roles[0] != auth.RoleStaff {
		t.Fatalf("unexpected roles after replace: %v", replaced.Roles)
	}

	resp = api.get("/admin/roles/STAFF", nil, admin)
	expectStatus(t, resp, http.StatusOK)
	members := decode[roleMembersResponse](t, resp)
	if len(members.Members) != 1 || members.Members[0].UserID != "u2" {
		t.Fatalf("unexpected members: %+v", members)
	}

	resp = api.do(http.MethodDelete, "/admin/users/u2/roles/STAFF", nil, admin)
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = api.get("/admin/users/u2", nil, admin)
	expectStatus(t, resp, http.StatusOK)
	if detail := decode[auth.UserSummary](t, resp); len(detail.Roles) != 0 {
		t.Fatalf("expected no roles, got %v", detail.Roles)
	}

	resp = api.get("/admin/audit-log/user/admin-1", nil, admin)
	expectStatus(t, resp, http.StatusOK)
	trail := decode[struct {
		Content       []auth.AuditEvent `json:"content"`
		TotalElements int64             `json:"total_elements"`
	}](t, resp)
	if trail.TotalElements != 3 {
		t.Fatalf("expected 3 audit events for the actor, got %d", trail.TotalElements)
	}
	if trail.Content[0].EventType != auth.EventRoleRemoved {
		t.Fatalf("expected newest event ROLE_REMOVED, got %s", trail.Content[0].EventType)
	}

	resp = api.do(http.MethodPost, "/admin/users/ghost/roles/STAFF", nil, admin)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = api.get("/admin/roles/NOPE", nil, admin)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestSearchUsers(t *testing.T) {
	api := newTestAPI(t)
	admin := bearerHeader(api.token("admin-1", "admin"))
	for _, sub := range []string{"carol", "alice", "bob"} {
		resp := api.get("/me", nil, bearerHeader(api.token(sub)))
		expectStatus(t, resp, http.StatusOK)
		resp.Body.Close()
	}

	resp := api.get("/admin/users", url.Values{
		"query":     {"EXAMPLE.COM"},
		"sort":      {"email"},
		"direction": {"asc"},
		"size":      {"2"},
	}, admin)
	expectStatus(t, resp, http.StatusOK)
	result := decode[struct {
		Content       []auth.UserSummary `json:"content"`
		TotalElements int64              `json:"total_elements"`
		HasNext       bool               `json:"has_next"`
	}](t, resp)
	if result.TotalElements != 3 || !result.HasNext {
		t.Fatalf("unexpected page metadata: %+v", result)
	}
	if len(result.Content) != 2 || result.Content[0].ID != "alice" || result.Content[1].ID != "bob" {
		t.Fatalf("unexpected order: %+v", result.Content)
	}

	resp = api.get("/admin/users", url.Values{"sort": {"password"}}, admin)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = api.get("/admin/users", url.Values{"size": {"0"}}, admin)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestRecordedFailuresMakeUserSuspicious(t *testing.T) {
	api := newTestAPI(t)
	admin := bearerHeader(api.token("admin-1", "admin"))
	resp := api.get("/me", nil, bearerHeader(api.token("u2")))
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	for i := 0; i < audit.DefaultSuspiciousThreshold; i++ {
		resp = api.get("/admin/audit-log/suspicious/u2", nil, admin)
		expectStatus(t, resp, http.StatusOK)
		if got := decode[suspiciousResponse](t, resp); got.Suspicious {
			t.Fatalf("suspicious after %d failures", i)
		}
		resp = api.do(http.MethodPost, "/admin/audit-log", map[string]any{
			"user_id":        "u2",
			"event_type":     "login_failed",
			"failure_reason": "bad password",
		}, admin)
		expectStatus(t, resp, http.StatusCreated)
		resp.Body.Close()
	}

	resp = api.get("/admin/audit-log/suspicious/u2", nil, admin)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[suspiciousResponse](t, resp); !got.Suspicious {
		t.Fatalf("expected suspicious after %d failures", audit.DefaultSuspiciousThreshold)
	}

	resp = api.get("/admin/audit-log", url.Values{"event_type": {"LOGIN_FAILED"}, "size": {"3"}}, admin)
	expectStatus(t, resp, http.StatusOK)
	filtered := decode[struct {
		Content       []auth.AuditEvent `json:"content"`
		TotalElements int64             `json:"total_elements"`
	}](t, resp)
	if filtered.TotalElements != int64(audit.DefaultSuspiciousThreshold) || len(filtered.Content) != 3 {
		t.Fatalf("unexpected filtered page: %+v", filtered)
	}
}

func TestAuditInputValidation(t *testing.T) {
	api := newTestAPI(t)
	admin := bearerHeader(api.token("admin-1", "admin"))

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown type filter", http.MethodGet, "/admin/audit-log?event_type=BOGUS", nil, http.StatusBadRequest},
		{"bad start date", http.MethodGet, "/admin/audit-log?start_date=yesterday&end_date=2024-01-01", nil, http.StatusBadRequest},
		{"inverted range", http.MethodGet, "/admin/audit-log?start_date=2024-02-01&end_date=2024-01-01", nil, http.StatusBadRequest},
		{"unknown type record", http.MethodPost, "/admin/audit-log", map[string]any{"user_id": "admin-1", "event_type": "HACKED"}, http.StatusBadRequest},
		{"unknown user record", http.MethodPost, "/admin/audit-log", map[string]any{"user_id": "ghost", "event_type": "LOGIN"}, http.StatusNotFound},
		{"unknown field", http.MethodPost, "/admin/audit-log", map[string]any{"user": "x"}, http.StatusBadRequest},
		{"ip list record", http.MethodPost, "/admin/audit-log", map[string]any{"user_id": "admin-1", "event_type": "LOGIN", "ip_address": "6.6.6.6, 10.0.0.1"}, http.StatusBadRequest},
		{"oversized ip record", http.MethodPost, "/admin/audit-log", map[string]any{"user_id": "admin-1", "event_type": "LOGIN", "ip_address": strings.Repeat("x", 200)}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := api.do(tc.method, tc.path, tc.body, admin)
			expectStatus(t, resp, tc.want)
			resp.Body.Close()
		})
	}
}

func TestUpdateMe(t *testing.T) {
	api := newTestAPI(t)
	h := bearerHeader(api.token("u3"))

	resp := api.do(http.MethodPatch, "/me", map[string]any{"display_name": "Jane Q", "locale": "kk-KZ"}, h)
	expectStatus(t, resp, http.StatusOK)
	me := decode[meResponse](t, resp)
	if me.DisplayName != "Jane Q" || me.Locale != "kk-KZ" {
		t.Fatalf("profile not updated: %+v", me)
	}

	resp = api.do(http.MethodPatch, "/me", map[string]any{"display_name": "J"}, h)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestAuditStreamDeliversEvents(t *testing.T) {
	api := newTestAPI(t)
	admin := bearerHeader(api.token("admin-1", "admin"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, api.baseURL+"/admin/audit-log/stream", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", admin["Authorization"])
	resp, err := api.client.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	lines := bufio.NewScanner(resp.Body)
	if !lines.Scan() || lines.Text() != ": stream started" {
		t.Fatalf("expected stream preamble, got %q", lines.Text())
	}

	login := api.do(http.MethodPost, "/auth/session", nil, admin)
	expectStatus(t, login, http.StatusOK)
	login.Body.Close()

	for lines.Scan() {
		line := lines.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var evt auth.AuditEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if evt.EventType != auth.EventLogin || evt.UserID != "admin-1" {
			t.Fatalf("unexpected event: %+v", evt)
		}
		return
	}
	t.Fatalf("stream ended without an event: %v", lines.Err())
}
