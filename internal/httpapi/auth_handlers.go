package httpapi

import (
	"net/http"

	"itcenter.org/staffauth/internal/auth"
)

type sessionResponse struct {
	User        auth.UserSummary `json:"user"`
	Authorities []string         `json:"authorities"`
	SessionID   string           `json:"session_id"`
}

type meResponse struct {
	auth.UserSummary
	Authorities []string `json:"authorities"`
}

type updateProfileRequest struct {
	DisplayName *string `json:"display_name"`
	Locale      *string `json:"locale"`
}

// handleSession is called by the console right after sign-in: it provisions
// the caller and records a successful LOGIN.
func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	authz, _ := auth.AuthorizationFromContext(r.Context())
	summary, err := a.provision(r, authz)
	if err != nil {
		handleError(w, r, err)
		return
	}
	actor := actorFrom(r, authz)
	evt, err := a.audit.Record(r.Context(), auth.EventRecord{
		UserID:    actor.UserID,
		Type:      auth.EventLogin,
		IPAddress: actor.IPAddress,
		UserAgent: actor.UserAgent,
		Success:   true,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		User:        summary,
		Authorities: authz.Authorities,
		SessionID:   evt.SessionID,
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	authz, _ := auth.AuthorizationFromContext(r.Context())
	actor := actorFrom(r, authz)
	if _, err := a.audit.Record(r.Context(), auth.EventRecord{
		UserID:    actor.UserID,
		Type:      auth.EventLogout,
		IPAddress: actor.IPAddress,
		UserAgent: actor.UserAgent,
		Success:   true,
	}); err != nil {
		handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	authz, _ := auth.AuthorizationFromContext(r.Context())
	summary, err := a.provision(r, authz)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, meResponse{UserSummary: summary, Authorities: authz.Authorities})
}

func (a *API) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	authz, _ := auth.AuthorizationFromContext(r.Context())
	var req updateProfileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	if _, err := a.provision(r, authz); err != nil {
		handleError(w, r, err)
		return
	}
	if _, err := a.registry.UpdateProfile(r.Context(), actorFrom(r, authz), auth.ProfileUpdate{
		DisplayName: req.DisplayName,
		Locale:      req.Locale,
	}); err != nil {
		handleError(w, r, err)
		return
	}
	summary, err := a.registry.GetUser(r.Context(), authz.Subject)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, meResponse{UserSummary: summary, Authorities: authz.Authorities})
}

// provision makes sure the caller has a user row and returns it with roles.
func (a *API) provision(r *http.Request, authz auth.AuthorizationContext) (auth.UserSummary, error) {
	if _, err := a.registry.ProvisionUser(r.Context(), auth.IdentityFromClaims(authz.Claims)); err != nil {
		return auth.UserSummary{}, err
	}
	return a.registry.GetUser(r.Context(), authz.Subject)
}
