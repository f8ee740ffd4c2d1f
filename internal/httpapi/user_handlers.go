package httpapi

import (
	"net/http"
	"strings"
	"time"

	"calibra.org/internal/auth"
)

type createUserRequest struct {
	Email              string   `json:"email"`
	Password           string   `json:"password"`
	FirstName          string   `json:"first_name"`
	LastName           string   `json:"last_name"`
	Department         string   `json:"department"`
	RoleIDs            []string `json:"role_ids"`
	MustChangePassword bool     `json:"must_change_password"`
}

type updateUserRequest struct {
	FirstName          *string `json:"first_name"`
	LastName           *string `json:"last_name"`
	Department         *string `json:"department"`
	Active             *bool   `json:"active"`
	MustChangePassword *bool   `json:"must_change_password"`
	Password           *string `json:"password"`
}

type assignRoleRequest struct {
	RoleID    string     `json:"role_id"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (a *API) handleUsersCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listUsers(w, r)
	case http.MethodPost:
		a.createUser(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) listUsers(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireRoles(w, r, "admin"); !ok {
		return
	}
	users, err := a.auth.ListIdentities(r.Context())
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"users": users,
	})
}

func (a *API) createUser(w http.ResponseWriter, r *http.Request) {
	p, ok := a.requireRoles(w, r, "admin")
	if !ok {
		return
	}
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	summary, err := a.auth.CreateIdentity(r.Context(), p, auth.CreateIdentityInput{
		Email:              req.Email,
		Password:           req.Password,
		FirstName:          req.FirstName,
		LastName:           req.LastName,
		Department:         req.Department,
		RoleIDs:            req.RoleIDs,
		MustChangePassword: req.MustChangePassword,
	})
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/users/"+summary.ID)
	writeJSON(w, http.StatusCreated, summary)
}

// handleUsersItem dispatches /v1/users/{id} and /v1/users/{id}/roles[/{roleID}].
func (a *API) handleUsersItem(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/users/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	switch {
	case len(parts) == 1:
		a.handleUser(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "roles":
		a.handleUserRoles(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "roles":
		a.handleUserRole(w, r, parts[0], parts[2])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleUser(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		if _, ok := a.requireRoles(w, r, "admin"); !ok {
			return
		}
		summary, err := a.auth.Profile(r.Context(), id)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	case http.MethodPut:
		if _, ok := a.requireRoles(w, r, "admin"); !ok {
			return
		}
		var req updateUserRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		updated, err := a.auth.UpdateIdentity(r.Context(), id, auth.UpdateIdentityInput{
			FirstName:          req.FirstName,
			LastName:           req.LastName,
			Department:         req.Department,
			Active:             req.Active,
			MustChangePassword: req.MustChangePassword,
			Password:           req.Password,
		})
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	case http.MethodDelete:
		if _, ok := a.requireRoles(w, r, "admin"); !ok {
			return
		}
		if err := a.auth.DeactivateIdentity(r.Context(), id); err != nil {
			handleAuthError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

func (a *API) handleUserRoles(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := a.requireRoles(w, r, "admin")
	if !ok {
		return
	}
	var req assignRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	assignment, err := a.auth.AssignRole(r.Context(), p, userID, req.RoleID, req.ExpiresAt)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, assignment)
}

func (a *API) handleUserRole(w http.ResponseWriter, r *http.Request, userID, roleID string) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	p, ok := a.requireRoles(w, r, "admin")
	if !ok {
		return
	}
	if err := a.auth.UnassignRole(r.Context(), p, userID, roleID); err != nil {
		handleAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRoles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := a.requireSession(w, r); !ok {
		return
	}
	roles, err := a.auth.ListRoles(r.Context())
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"roles": roles,
	})
}
