package httpapi

import (
	"net/http"
	"time"

	"itcenter.org/staffauth/internal/auth"
)

type replaceRolesRequest struct {
	Roles []string `json:"roles"`
}

type userRolesResponse struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
}

type userDetailResponse struct {
	auth.UserSummary
	LastLoginAt *time.Time `json:"last_login_at"`
}

type roleMembersResponse struct {
	Role    auth.Role             `json:"role"`
	Members []auth.RoleAssignment `json:"members"`
}

func (a *API) handleSearchUsers(w http.ResponseWriter, r *http.Request) {
	req, err := parsePageRequest(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	sort, err := auth.ParseSortField(q.Get("sort"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	result, err := a.registry.Search(r.Context(), auth.UserQuery{
		Text:      q.Get("query"),
		Page:      req,
		Sort:      sort,
		Direction: auth.ParseSortDirection(q.Get("direction")),
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	summary, err := a.registry.GetUser(r.Context(), userID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	resp := userDetailResponse{UserSummary: summary}
	last, ok, err := a.audit.LastLogin(r.Context(), userID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if ok {
		resp.LastLoginAt = &last
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleReplaceRoles(w http.ResponseWriter, r *http.Request) {
	authz, _ := auth.AuthorizationFromContext(r.Context())
	var req replaceRolesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	if req.Roles == nil {
		writeError(w, r, http.StatusBadRequest, "roles are required")
		return
	}
	userID := r.PathValue("id")
	assignments, err := a.registry.ReplaceRoles(r.Context(), actorFrom(r, authz), userID, req.Roles)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, userRolesResponse{UserID: userID, Roles: auth.RoleNames(assignments)})
}

func (a *API) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	authz, _ := auth.AuthorizationFromContext(r.Context())
	assignment, err := a.registry.AssignRole(r.Context(), actorFrom(r, authz), r.PathValue("id"), r.PathValue("role"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, assignment)
}

func (a *API) handleRemoveRole(w http.ResponseWriter, r *http.Request) {
	authz, _ := auth.AuthorizationFromContext(r.Context())
	if err := a.registry.RemoveRole(r.Context(), actorFrom(r, authz), r.PathValue("id"), r.PathValue("role")); err != nil {
		handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := a.registry.Roles(r.Context())
	if err != nil {
		handleError(w, r, err)
		return
	}
	if roles == nil {
		roles = []auth.Role{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (a *API) handleRoleMembers(w http.ResponseWriter, r *http.Request) {
	role, err := a.registry.Role(r.Context(), r.PathValue("role"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	members, err := a.registry.RoleMembers(r.Context(), role.Name)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if members == nil {
		members = []auth.RoleAssignment{}
	}
	writeJSON(w, http.StatusOK, roleMembersResponse{Role: role, Members: members})
}
