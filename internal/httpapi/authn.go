package httpapi

import (
	"context"
	"net/http"
	"strings"

	"calibra.org/internal/auth"
)

const authHeader = "Authorization"

var publicPaths = []string{
	"/",
	"/healthz",
	"/readyz",
	"/metrics",
	"/v1/info",
	"/v1/auth/login",
	"/v1/auth/check-superusers",
	"/v1/auth/initial-superuser",
}

// authenticator turns one credential kind into a principal. The scheme
// parsed from the Authorization header picks which one runs.
type authenticator interface {
	authenticate(ctx context.Context, credential string) (auth.Principal, error)
}

type sessionAuthenticator struct {
	codec *auth.TokenCodec
}

func (s sessionAuthenticator) authenticate(ctx context.Context, credential string) (auth.Principal, error) {
	claims, err := s.codec.Verify(credential)
	if err != nil {
		return auth.Principal{}, err
	}
	return auth.SessionPrincipal(claims), nil
}

type auditorAuthenticator struct {
	codec *auth.AuditorCodec
}

func (s auditorAuthenticator) authenticate(ctx context.Context, credential string) (auth.Principal, error) {
	claims, err := s.codec.Verify(credential)
	if err != nil {
		return auth.Principal{}, err
	}
	return auth.AuditorPrincipal(claims), nil
}

// withAuth authenticates every non-public request. The header must carry a
// known scheme and a credential the matching verifier accepts; a header that
// cannot even be parsed is reported differently from a rejected credential.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		scheme, credential, ok := splitAuthHeader(r.Header.Get(authHeader))
		if !ok {
			writeError(w, r, http.StatusUnauthorized, "Access token required")
			return
		}
		verifier, known := a.schemes[scheme]
		if !known {
			writeError(w, r, http.StatusUnauthorized, "Access token required")
			return
		}
		principal, err := verifier.authenticate(r.Context(), credential)
		if err != nil {
			writeError(w, r, http.StatusForbidden, "Invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithPrincipal(r.Context(), principal)))
	})
}

func splitAuthHeader(header string) (scheme, credential string, ok bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", "", false
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return "", "", false
	}
	return strings.ToLower(parts[0]), parts[1], true
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// principal fetches the authenticated principal or fails the request.
func (a *API) principal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "Access token required")
		return auth.Principal{}, false
	}
	return p, true
}

// requireSession fails the request unless the caller is a session principal.
// Auditor tokens never reach session-only routes.
func (a *API) requireSession(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, ok := a.principal(w, r)
	if !ok {
		return auth.Principal{}, false
	}
	if p.Kind != auth.PrincipalSession {
		writeError(w, r, http.StatusForbidden, "Access denied: insufficient permissions")
		return auth.Principal{}, false
	}
	return p, true
}

// requireRoles fails the request unless the caller is a session principal
// holding at least one of the named roles. Role names match exactly.
func (a *API) requireRoles(w http.ResponseWriter, r *http.Request, roles ...string) (auth.Principal, bool) {
	p, ok := a.requireSession(w, r)
	if !ok {
		return auth.Principal{}, false
	}
	if !p.HasAnyRole(roles...) {
		writeError(w, r, http.StatusForbidden, "Access denied: insufficient permissions")
		return auth.Principal{}, false
	}
	return p, true
}

// requireReadAccess admits sessions holding one of the roles as well as
// auditor tokens carrying the scope. Used by the read-only surfaces auditors
// may inspect. When no roles are named, any session with at least one role
// passes; a token whose assignments have all expired does not.
func (a *API) requireReadAccess(w http.ResponseWriter, r *http.Request, scope string, roles ...string) (auth.Principal, bool) {
	p, ok := a.principal(w, r)
	if !ok {
		return auth.Principal{}, false
	}
	if p.Kind == auth.PrincipalAuditor {
		if !p.HasScope(scope) {
			writeError(w, r, http.StatusForbidden, "Access denied: insufficient permissions")
			return auth.Principal{}, false
		}
		return p, true
	}
	if len(p.RoleNames) == 0 {
		writeError(w, r, http.StatusForbidden, "Access denied: insufficient permissions")
		return auth.Principal{}, false
	}
	if len(roles) > 0 && !p.HasAnyRole(roles...) {
		writeError(w, r, http.StatusForbidden, "Access denied: insufficient permissions")
		return auth.Principal{}, false
	}
	return p, true
}

// requireSuperuser resolves the caller's roles against the catalog and fails
// the request unless one is superuser-flagged.
func (a *API) requireSuperuser(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, ok := a.requireSession(w, r)
	if !ok {
		return auth.Principal{}, false
	}
	is, err := a.auth.IsSuperuser(r.Context(), p)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return auth.Principal{}, false
	}
	if !is {
		writeError(w, r, http.StatusForbidden, "Access denied: insufficient permissions")
		return auth.Principal{}, false
	}
	return p, true
}
