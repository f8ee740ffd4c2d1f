package auth

import (
	"context"
	"time"
)

// IdentityStore manages user accounts.
type IdentityStore interface {
	Create(ctx context.Context, identity *Identity) error
	Find(ctx context.Context, id string) (*Identity, error)
	FindByEmail(ctx context.Context, email string) (*Identity, error)
	List(ctx context.Context) ([]*Identity, error)
	Update(ctx context.Context, id string, upd IdentityUpdate) (*Identity, error)
	Deactivate(ctx context.Context, id string) error
	RecordLogin(ctx context.Context, id string, at time.Time) error
	HasSuperusers(ctx context.Context) (bool, error)
}

// IdentityUpdate mutates only the non-nil fields.
type IdentityUpdate struct {
	FirstName          *string
	LastName           *string
	Department         *string
	Active             *bool
	MustChangePassword *bool
	PasswordHash       *string
}

// RoleStore manages the role catalog and assignments.
type RoleStore interface {
	List(ctx context.Context) ([]Role, error)
	Find(ctx context.Context, id string) (Role, error)
	// ActiveRolesFor resolves the identity's current role set, excluding
	// inactive assignments and assignments expired as of now.
	ActiveRolesFor(ctx context.Context, identityID string, now time.Time) ([]Role, error)
	Assign(ctx context.Context, assignment RoleAssignment) error
	Unassign(ctx context.Context, identityID, roleID string) error
}

// AuditStore appends and lists immutable audit trail entries.
type AuditStore interface {
	Append(ctx context.Context, entry *AuditEntry) error
	List(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)
}
