package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"itcenter.org/staffauth/internal/audit"
	"itcenter.org/staffauth/internal/auth"
)

type recordEventRequest struct {
	UserID        string `json:"user_id"`
	EventType     string `json:"event_type"`
	IPAddress     string `json:"ip_address"`
	UserAgent     string `json:"user_agent"`
	Success       bool   `json:"success"`
	FailureReason string `json:"failure_reason"`
}

type suspiciousResponse struct {
	UserID     string `json:"user_id"`
	Suspicious bool   `json:"suspicious"`
}

func (a *API) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	req, err := parsePageRequest(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	f := audit.Filter{UserID: strings.TrimSpace(q.Get("user_id"))}
	if raw := strings.TrimSpace(q.Get("event_type")); raw != "" {
		t, ok := auth.ParseEventType(raw)
		if !ok {
			writeError(w, r, http.StatusBadRequest, "unknown event_type "+strconv.Quote(raw))
			return
		}
		f.EventType = t
	}
	if f.From, err = parseTimeParam(q.Get("start_date"), false); err != nil {
		writeError(w, r, http.StatusBadRequest, "start_date: "+err.Error())
		return
	}
	if f.To, err = parseTimeParam(q.Get("end_date"), true); err != nil {
		writeError(w, r, http.StatusBadRequest, "end_date: "+err.Error())
		return
	}
	result, err := a.audit.Query(r.Context(), f, req)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleRecordAudit lets trusted collaborators (the sign-in front end, MFA
// service) report events such as LOGIN_FAILED.
func (a *API) handleRecordAudit(w http.ResponseWriter, r *http.Request) {
	var req recordEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	t, ok := auth.ParseEventType(req.EventType)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "unknown event_type "+strconv.Quote(req.EventType))
		return
	}
	rec := auth.EventRecord{
		UserID:        strings.TrimSpace(req.UserID),
		Type:          t,
		IPAddress:     strings.TrimSpace(req.IPAddress),
		UserAgent:     strings.TrimSpace(req.UserAgent),
		Success:       req.Success,
		FailureReason: strings.TrimSpace(req.FailureReason),
	}
	if rec.IPAddress == "" {
		rec.IPAddress = clientIP(r)
	}
	if rec.UserAgent == "" {
		rec.UserAgent = r.UserAgent()
	}
	evt, err := a.audit.Record(r.Context(), rec)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, evt)
}

func (a *API) handleUserAudit(w http.ResponseWriter, r *http.Request) {
	req, err := parsePageRequest(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	result, err := a.audit.Query(r.Context(), audit.Filter{UserID: r.PathValue("id")}, req)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleRecentLogins(w http.ResponseWriter, r *http.Request) {
	limit := audit.DefaultRecentLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}
	events, err := a.audit.RecentSuccessfulLogins(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (a *API) handleSuspicious(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	suspicious, err := a.audit.IsSuspicious(r.Context(), userID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, suspiciousResponse{UserID: userID, Suspicious: suspicious})
}

// parseTimeParam accepts RFC 3339 timestamps or plain dates. A plain end date
// covers the whole day.
func parseTimeParam(raw string, endOfDay bool) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	d, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil, errors.New("expected RFC 3339 timestamp or YYYY-MM-DD date")
	}
	if endOfDay {
		d = d.Add(24*time.Hour - time.Nanosecond)
	}
	return &d, nil
}
