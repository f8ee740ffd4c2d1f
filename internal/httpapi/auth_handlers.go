package httpapi

import (
	"net/http"
	"time"

	"calibra.org/internal/auth"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	result, err := a.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleLogout is declarative: tokens stay valid until expiry, the client
// simply discards its copy. Reaching this handler already required a valid
// token, so the only work left is the audit entry the route wrapper records.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if _, ok := a.requireSession(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Logout successful",
	})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := a.requireSession(w, r)
	if !ok {
		return
	}
	result, err := a.auth.Refresh(r.Context(), p.ID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	p, ok := a.requireSession(w, r)
	if !ok {
		return
	}
	summary, err := a.auth.Profile(r.Context(), p.ID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) handleCheckSuperusers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	has, err := a.auth.HasSuperusers(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"has_superusers": has,
	})
}

func (a *API) handleInitialSuperuser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req auth.InitialSuperuserInput
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id, err := a.auth.CreateInitialSuperuser(r.Context(), req)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id": id,
	})
}

type auditorTokenRequest struct {
	Auditor string   `json:"auditor"`
	Scopes  []string `json:"scopes"`
	TTL     string   `json:"ttl,omitempty"`
}

type auditorTokenResponse struct {
	Token     string    `json:"token"`
	Auditor   string    `json:"auditor"`
	Scopes    []string  `json:"scopes"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleAuditorTokens mints read-only auditor tokens. Superusers only.
func (a *API) handleAuditorTokens(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.auditors == nil {
		writeError(w, r, http.StatusServiceUnavailable, "auditor access is not configured")
		return
	}
	if _, ok := a.requireSuperuser(w, r); !ok {
		return
	}
	var req auditorTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var ttl time.Duration
	if req.TTL != "" {
		parsed, err := time.ParseDuration(req.TTL)
		if err != nil || parsed <= 0 {
			writeError(w, r, http.StatusBadRequest, "ttl must be a positive duration")
			return
		}
		ttl = parsed
	}
	token, expiresAt, err := a.auditors.Sign(req.Auditor, req.Scopes, ttl)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, auditorTokenResponse{
		Token:     token,
		Auditor:   req.Auditor,
		Scopes:    req.Scopes,
		ExpiresAt: expiresAt,
	})
}
