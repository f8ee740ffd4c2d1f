package auth

import "context"

// PrincipalKind distinguishes the two authentication schemes.
type PrincipalKind string

const (
	PrincipalSession PrincipalKind = "session"
	PrincipalAuditor PrincipalKind = "auditor"
)

// Principal is the resolved caller attached to the request context by the
// authentication middleware. For session principals the role set comes
// straight from the token; no database read happens on the request path.
type Principal struct {
	Kind      PrincipalKind
	ID        string
	Email     string
	RoleNames []string
	RoleIDs   []string
	Scopes    []string
}

// HasRole matches the role name byte-exact against the token-carried set.
func (p Principal) HasRole(name string) bool {
	for _, r := range p.RoleNames {
		if r == name {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the principal's roles intersect the allow-list.
func (p Principal) HasAnyRole(names ...string) bool {
	for _, n := range names {
		if p.HasRole(n) {
			return true
		}
	}
	return false
}

// HasScope reports whether an auditor principal may read the entity type.
func (p Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// ReadOnly reports whether the principal is barred from mutating routes.
func (p Principal) ReadOnly() bool {
	return p.Kind == PrincipalAuditor
}

// SessionPrincipal builds a principal from verified session claims.
func SessionPrincipal(claims *Claims) Principal {
	return Principal{
		Kind:      PrincipalSession,
		ID:        claims.Subject,
		Email:     claims.Email,
		RoleNames: claims.RoleNames,
		RoleIDs:   claims.RoleIDs,
	}
}

// AuditorPrincipal builds a principal from verified auditor claims.
func AuditorPrincipal(claims *AuditorClaims) Principal {
	return Principal{
		Kind:   PrincipalAuditor,
		ID:     claims.ID,
		Email:  claims.Auditor,
		Scopes: claims.Scopes,
	}
}

type principalContextKey struct{}

// ContextWithPrincipal attaches the authenticated principal to the context.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, &principal)
}

// PrincipalFromContext extracts the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	v, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || v == nil {
		return Principal{}, false
	}
	return *v, true
}
