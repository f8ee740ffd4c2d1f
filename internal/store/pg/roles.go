package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"calibra.org/internal/auth"
)

// Roles implements auth.RoleStore over Postgres. The catalog is seeded by
// migration; only assignments change at runtime.
type Roles struct {
	db *sql.DB
}

var _ auth.RoleStore = (*Roles)(nil)

func (s *Roles) List(ctx context.Context) ([]auth.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, name, display_name, is_superuser from roles order by name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.Role
	for rows.Next() {
		var role auth.Role
		if err := rows.Scan(&role.ID, &role.Name, &role.DisplayName, &role.Superuser); err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, rows.Err()
}

func (s *Roles) Find(ctx context.Context, id string) (auth.Role, error) {
	var role auth.Role
	err := s.db.QueryRowContext(ctx, `
		select id, name, display_name, is_superuser from roles where id = $1
	`, id).Scan(&role.ID, &role.Name, &role.DisplayName, &role.Superuser)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Role{}, auth.ErrNotFound
	}
	return role, err
}

func (s *Roles) ActiveRolesFor(ctx context.Context, identityID string, now time.Time) ([]auth.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		select r.id, r.name, r.display_name, r.is_superuser
		from roles r
		join role_assignments ra on ra.role_id = r.id
		where ra.identity_id = $1
		  and ra.active
		  and (ra.expires_at is null or ra.expires_at > $2)
		order by r.name
	`, identityID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.Role
	for rows.Next() {
		var role auth.Role
		if err := rows.Scan(&role.ID, &role.Name, &role.DisplayName, &role.Superuser); err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, rows.Err()
}

func (s *Roles) Assign(ctx context.Context, assignment auth.RoleAssignment) error {
	_, err := s.db.ExecContext(ctx, `
		insert into role_assignments
			(identity_id, role_id, assigned_by, assigned_at, active, expires_at)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (identity_id, role_id) do update
		set active = excluded.active,
		    assigned_by = excluded.assigned_by,
		    assigned_at = excluded.assigned_at,
		    expires_at = excluded.expires_at
	`, assignment.IdentityID, assignment.RoleID, assignment.AssignedBy,
		assignment.AssignedAt, assignment.Active, assignment.ExpiresAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return auth.ErrNotFound
		}
		return err
	}
	return nil
}

func (s *Roles) Unassign(ctx context.Context, identityID, roleID string) error {
	res, err := s.db.ExecContext(ctx, `
		update role_assignments set active = false
		where identity_id = $1 and role_id = $2 and active
	`, identityID, roleID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return auth.ErrNotFound
	}
	return nil
}
