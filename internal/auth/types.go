package auth

import "time"

// Identity represents a registered user account. Accounts are never hard
// deleted through the API; deactivation flips Active.
type Identity struct {
	ID                 string     `json:"id"`
	Email              string     `json:"email"`
	FirstName          string     `json:"first_name"`
	LastName           string     `json:"last_name"`
	Department         string     `json:"department,omitempty"`
	PasswordHash       string     `json:"-"`
	Active             bool       `json:"active"`
	MustChangePassword bool       `json:"must_change_password"`
	LastLoginAt        *time.Time `json:"last_login_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Role is static reference data seeded by migration. A superuser-flagged
// role may only be granted or revoked by a caller who already holds one.
type Role struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Superuser   bool   `json:"is_superuser"`
}

// RoleAssignment links an identity to a role. Inactive or expired
// assignments do not contribute roles to freshly minted tokens.
type RoleAssignment struct {
	IdentityID string     `json:"identity_id"`
	RoleID     string     `json:"role_id"`
	AssignedBy string     `json:"assigned_by"`
	AssignedAt time.Time  `json:"assigned_at"`
	Active     bool       `json:"active"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// IdentitySummary is the caller-facing view of an identity. It never
// carries the password hash.
type IdentitySummary struct {
	ID                 string   `json:"id"`
	Email              string   `json:"email"`
	FirstName          string   `json:"first_name"`
	LastName           string   `json:"last_name"`
	Department         string   `json:"department,omitempty"`
	MustChangePassword bool     `json:"must_change_password"`
	RoleNames          []string `json:"roles"`
	RoleIDs            []string `json:"role_ids"`
}

// Summary builds the caller-facing view from an identity and its roles.
func Summary(identity *Identity, roles []Role) IdentitySummary {
	names := make([]string, 0, len(roles))
	rids := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, r.Name)
		rids = append(rids, r.ID)
	}
	return IdentitySummary{
		ID:                 identity.ID,
		Email:              identity.Email,
		FirstName:          identity.FirstName,
		LastName:           identity.LastName,
		Department:         identity.Department,
		MustChangePassword: identity.MustChangePassword,
		RoleNames:          names,
		RoleIDs:            rids,
	}
}

// AuditEntry is an append-only record of a mutating action.
type AuditEntry struct {
	ID               string         `json:"id"`
	OccurredAt       time.Time      `json:"occurred_at"`
	ActorID          string         `json:"actor_id,omitempty"`
	ActorEmail       string         `json:"actor_email,omitempty"`
	Action           string         `json:"action"`
	Category         string         `json:"category,omitempty"`
	EntityType       string         `json:"entity_type,omitempty"`
	EntityID         string         `json:"entity_id,omitempty"`
	EntityIdentifier string         `json:"entity_identifier,omitempty"`
	OldValues        map[string]any `json:"old_values,omitempty"`
	NewValues        map[string]any `json:"new_values,omitempty"`
	Success          bool           `json:"success"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	StatusCode       int            `json:"status_code,omitempty"`
	RequestID        string         `json:"request_id,omitempty"`
	IP               string         `json:"ip,omitempty"`
	UserAgent        string         `json:"user_agent,omitempty"`
}

// Actions recorded in the audit trail.
const (
	ActionCreate      = "create"
	ActionUpdate      = "update"
	ActionDelete      = "delete"
	ActionLogin       = "login"
	ActionLoginFailed = "login_failed"
	ActionLogout      = "logout"
	ActionRefresh     = "refresh"
)

// AuditFilter narrows audit trail listings.
type AuditFilter struct {
	EntityType string
	EntityID   string
	ActorID    string
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int
}
