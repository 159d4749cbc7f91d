package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"itcenter.org/staffauth/internal/audit"
	"itcenter.org/staffauth/internal/auth"
	"itcenter.org/staffauth/internal/obs"
	"itcenter.org/staffauth/internal/page"
	"itcenter.org/staffauth/internal/stream"
)

const serviceName = "staffauth"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// TokenVerifier turns a bearer token into a verified claim set.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (auth.Claims, error)
}

// ReadyProbe checks readiness by pinging the database when one is configured.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Deps are the collaborators the HTTP layer serves.
type Deps struct {
	Ready    readinessChecker
	Verifier TokenVerifier
	Mapper   auth.ClaimsMapper
	Registry *auth.Registry
	Audit    *audit.Engine
	Stream   *stream.Stream
}

// Option tunes an API.
type Option func(*API)

// WithRateLimit sets the per-client token bucket.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		a.limiter = NewRateLimiter(perSecond, burst)
	}
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) { a.maxBody = n }
}

// WithCORSOrigins lists the browser origins allowed to call the API.
func WithCORSOrigins(origins []string) Option {
	return func(a *API) { a.corsOrigins = origins }
}

// WithTrustedProxies lists the proxy networks whose X-Forwarded-For header is
// believed when resolving the client address.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) { a.trustedProxies = prefixes }
}

// WithHeartbeat sets the SSE keep-alive interval.
func WithHeartbeat(d time.Duration) Option {
	return func(a *API) {
		if d > 0 {
			a.heartbeat = d
		}
	}
}

// API is the HTTP layer.
type API struct {
	mux      *http.ServeMux
	ready    readinessChecker
	version  string
	verifier TokenVerifier
	mapper   auth.ClaimsMapper
	registry *auth.Registry
	audit    *audit.Engine
	stream   *stream.Stream

	limiter        *RateLimiter
	maxBody        int64
	corsOrigins    []string
	trustedProxies []netip.Prefix
	heartbeat      time.Duration
}

func New(deps Deps, version string, opts ...Option) *API {
	a := &API{
		mux:       http.NewServeMux(),
		ready:     deps.Ready,
		version:   version,
		verifier:  deps.Verifier,
		mapper:    deps.Mapper,
		registry:  deps.Registry,
		audit:     deps.Audit,
		stream:    deps.Stream,
		limiter:   NewRateLimiter(20, 40),
		maxBody:   1 << 20,
		heartbeat: 15 * time.Second,
	}
	if a.ready == nil {
		a.ready = ReadyProbe{}
	}
	for _, opt := range opts {
		opt(a)
	}

	// health/ready/info
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	staff := []string{auth.RoleAdmin, auth.RoleStaff}
	admin := []string{auth.RoleAdmin}

	// session and self-service
	a.mux.Handle("POST /auth/session", a.gate(a.handleSession))
	a.mux.Handle("POST /auth/logout", a.gate(a.handleLogout))
	a.mux.Handle("GET /me", a.gate(a.handleMe, staff...))
	a.mux.Handle("PATCH /me", a.gate(a.handleUpdateMe, staff...))

	// user and role administration
	a.mux.Handle("GET /admin/users", a.gate(a.handleSearchUsers, admin...))
	a.mux.Handle("GET /admin/users/{id}", a.gate(a.handleGetUser, admin...))
	a.mux.Handle("PUT /admin/users/{id}/roles", a.gate(a.handleReplaceRoles, admin...))
	a.mux.Handle("PATCH /admin/users/{id}/roles", a.gate(a.handleReplaceRoles, admin...))
	a.mux.Handle("POST /admin/users/{id}/roles/{role}", a.gate(a.handleAssignRole, admin...))
	a.mux.Handle("DELETE /admin/users/{id}/roles/{role}", a.gate(a.handleRemoveRole, admin...))
	a.mux.Handle("GET /admin/roles", a.gate(a.handleListRoles, admin...))
	a.mux.Handle("GET /admin/roles/{role}", a.gate(a.handleRoleMembers, admin...))

	// audit log
	a.mux.Handle("GET /admin/audit-log", a.gate(a.handleQueryAudit, admin...))
	a.mux.Handle("POST /admin/audit-log", a.gate(a.handleRecordAudit, admin...))
	a.mux.Handle("GET /admin/audit-log/user/{id}", a.gate(a.handleUserAudit, admin...))
	a.mux.Handle("GET /admin/audit-log/recent/{id}", a.gate(a.handleRecentLogins, admin...))
	a.mux.Handle("GET /admin/audit-log/suspicious/{id}", a.gate(a.handleSuspicious, admin...))
	a.mux.Handle("GET /admin/audit-log/stream", a.gate(a.Stream, admin...))

	return a
}

// Handler returns the fully wrapped handler for the HTTP server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.withAuth(a.mux)
	h = MaxBodyBytes(h, a.maxBody)
	h = a.limiter.Middleware(h)
	h = CORS(h, a.corsOrigins)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	h = RealIP(h, a.trustedProxies)
	return obs.Instrument(h)
}

// Limiter exposes the rate limiter so the caller can run its sweeper.
func (a *API) Limiter() *RateLimiter {
	return a.limiter
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// writeDecodeError answers 413 for oversized bodies and 400 otherwise.
func writeDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, r, http.StatusBadRequest, err.Error())
}

// handleError maps domain sentinels to status codes. Storage details stay in
// the log.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidInput), errors.Is(err, page.ErrInvalidRequest):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrUnauthenticated):
		w.Header().Set("WWW-Authenticate", `Bearer realm="staffauth"`)
		writeError(w, r, http.StatusUnauthorized, "authentication required")
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		obs.Logger().WithError(err).WithField("request_id", RequestIDFromContext(r.Context())).
			Error("request failed")
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func parsePageRequest(r *http.Request) (page.Request, error) {
	req := page.Request{Page: 0, Size: page.DefaultSize}
	q := r.URL.Query()
	if raw := strings.TrimSpace(q.Get("page")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return page.Request{}, errors.New("page must be an integer")
		}
		req.Page = n
	}
	if raw := strings.TrimSpace(q.Get("size")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return page.Request{}, errors.New("size must be an integer")
		}
		req.Size = n
	}
	return req, req.Validate()
}

func actorFrom(r *http.Request, authz auth.AuthorizationContext) auth.Actor {
	return auth.Actor{
		UserID:    authz.Subject,
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	}
}
