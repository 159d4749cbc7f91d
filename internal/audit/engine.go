// Package audit records security-relevant events and answers the queries the
// admin console and the suspicious-activity signal need.
package audit

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"itcenter.org/staffauth/internal/auth"
	"itcenter.org/staffauth/internal/obs"
	"itcenter.org/staffauth/internal/page"
)

const (
	DefaultSuspiciousThreshold = 5
	DefaultSuspiciousWindow    = 24 * time.Hour

	DefaultRecentLimit = 10
	MaxRecentLimit     = 100
)

// Criteria narrows a store lookup. Zero fields do not constrain.
type Criteria struct {
	UserID    string
	EventType auth.EventType
	From      time.Time
	To        time.Time
	Success   *bool
}

// Store is the append-only persistence behind the engine. Find returns
// events newest first (created_at desc, id desc) plus the total match count.
type Store interface {
	Append(ctx context.Context, evt auth.AuditEvent) (auth.AuditEvent, error)
	Find(ctx context.Context, c Criteria, req page.Request) ([]auth.AuditEvent, int64, error)
	Count(ctx context.Context, c Criteria) (int64, error)
}

// UserLookup resolves audit subjects.
type UserLookup interface {
	GetUser(ctx context.Context, userID string) (auth.User, error)
}

// Publisher receives every successfully appended event.
type Publisher interface {
	Publish(evt auth.AuditEvent)
}

// Filter is the admin-facing query. Only one shape is applied; see Query.
type Filter struct {
	UserID    string
	EventType auth.EventType
	From      *time.Time
	To        *time.Time
}

// Engine implements auth.EventRecorder.
type Engine struct {
	store     Store
	users     UserLookup
	publisher Publisher
	now       func() time.Time
	threshold int64
	window    time.Duration
}

// Option configures Engine behavior.
type Option func(*Engine)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// WithPublisher forwards appended events to p.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) {
		e.publisher = p
	}
}

// WithSuspiciousPolicy overrides the failed-login threshold and window.
func WithSuspiciousPolicy(threshold int, window time.Duration) Option {
	return func(e *Engine) {
		if threshold > 0 {
			e.threshold = int64(threshold)
		}
		if window > 0 {
			e.window = window
		}
	}
}

// NewEngine constructs an Engine.
func NewEngine(store Store, users UserLookup, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("audit store is required")
	}
	if users == nil {
		return nil, errors.New("user lookup is required")
	}
	e := &Engine{
		store:     store,
		users:     users,
		now:       time.Now,
		threshold: DefaultSuspiciousThreshold,
		window:    DefaultSuspiciousWindow,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Record appends exactly one event. The session id and creation time are
// assigned here; storage failures are returned, never retried.
func (e *Engine) Record(ctx context.Context, rec auth.EventRecord) (auth.AuditEvent, error) {
	rec.UserID = strings.TrimSpace(rec.UserID)
	if rec.UserID == "" {
		return auth.AuditEvent{}, fmt.Errorf("%w: user_id is required", auth.ErrInvalidInput)
	}
	if !rec.Type.Valid() {
		return auth.AuditEvent{}, fmt.Errorf("%w: unknown event type %q", auth.ErrInvalidInput, rec.Type)
	}
	ip, err := normalizeIP(rec.IPAddress)
	if err != nil {
		return auth.AuditEvent{}, err
	}
	if _, err := e.users.GetUser(ctx, rec.UserID); err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return auth.AuditEvent{}, err
		}
		return auth.AuditEvent{}, fmt.Errorf("%w: lookup user: %v", auth.ErrStorage, err)
	}

	evt := auth.AuditEvent{
		UserID:        rec.UserID,
		EventType:     rec.Type,
		IPAddress:     ip,
		UserAgent:     rec.UserAgent,
		Success:       rec.Success,
		FailureReason: rec.FailureReason,
		SessionID:     uuid.NewString(),
		CreatedAt:     e.now().UTC(),
	}
	stored, err := e.store.Append(ctx, evt)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) || errors.Is(err, auth.ErrStorage) {
			return auth.AuditEvent{}, err
		}
		return auth.AuditEvent{}, fmt.Errorf("%w: append audit event: %v", auth.ErrStorage, err)
	}

	obs.ObserveAuditEvent(string(stored.EventType), stored.Success)
	fields := logrus.Fields{
		"type":       "audit",
		"event":      stored.EventType,
		"audit_id":   stored.ID,
		"user_id":    stored.UserID,
		"success":    stored.Success,
		"session_id": stored.SessionID,
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		fields["request_id"] = rid
	}
	obs.Logger().WithFields(fields).Info("audit event recorded")

	if e.publisher != nil {
		e.publisher.Publish(stored)
	}
	return stored, nil
}

// Query returns a page of events newest first. Exactly one filter shape is
// applied, in this order: user and type, user, type, date range (both bounds
// required), everything.
func (e *Engine) Query(ctx context.Context, f Filter, req page.Request) (page.Page[auth.AuditEvent], error) {
	if err := req.Validate(); err != nil {
		return page.Page[auth.AuditEvent]{}, fmt.Errorf("%w: %v", auth.ErrInvalidInput, err)
	}
	c, err := criteriaFor(f)
	if err != nil {
		return page.Page[auth.AuditEvent]{}, err
	}
	items, total, err := e.store.Find(ctx, c, req)
	if err != nil {
		return page.Page[auth.AuditEvent]{}, storageErr("query audit events", err)
	}
	return page.New(items, req, total, e.now()), nil
}

// RecentSuccessfulLogins returns up to limit successful LOGIN events, newest first.
func (e *Engine) RecentSuccessfulLogins(ctx context.Context, userID string, limit int) ([]auth.AuditEvent, error) {
	if limit < 1 || limit > MaxRecentLimit {
		return nil, fmt.Errorf("%w: limit must be between 1 and %d", auth.ErrInvalidInput, MaxRecentLimit)
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", auth.ErrInvalidInput)
	}
	success := true
	items, _, err := e.store.Find(ctx, Criteria{
		UserID:    userID,
		EventType: auth.EventLogin,
		Success:   &success,
	}, page.Request{Page: 0, Size: limit})
	if err != nil {
		return nil, storageErr("recent logins", err)
	}
	if items == nil {
		items = []auth.AuditEvent{}
	}
	return items, nil
}

// LastLogin returns the time of the newest successful LOGIN, if any.
func (e *Engine) LastLogin(ctx context.Context, userID string) (time.Time, bool, error) {
	items, err := e.RecentSuccessfulLogins(ctx, userID, 1)
	if err != nil || len(items) == 0 {
		return time.Time{}, false, err
	}
	return items[0].CreatedAt, true, nil
}

// IsSuspicious reports whether userID accumulated at least the threshold of
// LOGIN_FAILED events inside the trailing window ending now. Nothing is cached.
func (e *Engine) IsSuspicious(ctx context.Context, userID string) (bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false, fmt.Errorf("%w: user_id is required", auth.ErrInvalidInput)
	}
	now := e.now().UTC()
	n, err := e.store.Count(ctx, Criteria{
		UserID:    userID,
		EventType: auth.EventLoginFailed,
		From:      now.Add(-e.window),
		To:        now,
	})
	if err != nil {
		return false, storageErr("count failed logins", err)
	}
	suspicious := n >= e.threshold
	obs.ObserveSuspiciousCheck(suspicious)
	if suspicious {
		obs.Logger().WithFields(logrus.Fields{
			"user_id":       userID,
			"failed_logins": n,
			"window":        e.window.String(),
		}).Warn("suspicious activity detected")
	}
	return suspicious, nil
}

func criteriaFor(f Filter) (Criteria, error) {
	f.UserID = strings.TrimSpace(f.UserID)
	if f.EventType != "" && !f.EventType.Valid() {
		return Criteria{}, fmt.Errorf("%w: unknown event type %q", auth.ErrInvalidInput, f.EventType)
	}
	switch {
	case f.UserID != "" && f.EventType != "":
		return Criteria{UserID: f.UserID, EventType: f.EventType}, nil
	case f.UserID != "":
		return Criteria{UserID: f.UserID}, nil
	case f.EventType != "":
		return Criteria{EventType: f.EventType}, nil
	case f.From != nil && f.To != nil:
		if f.From.After(*f.To) {
			return Criteria{}, fmt.Errorf("%w: start_date is after end_date", auth.ErrInvalidInput)
		}
		return Criteria{From: f.From.UTC(), To: f.To.UTC()}, nil
	default:
		return Criteria{}, nil
	}
}

func storageErr(op string, err error) error {
	if errors.Is(err, auth.ErrStorage) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", auth.ErrStorage, op, err)
}

// normalizeIP accepts a blank value or a literal IPv4/IPv6 address without a
// zone and returns its canonical text form.
func normalizeIP(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil || addr.Zone() != "" {
		return "", fmt.Errorf("%w: ip_address %q is not an IP address", auth.ErrInvalidInput, truncate(raw, 64))
	}
	return addr.Unmap().String(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
