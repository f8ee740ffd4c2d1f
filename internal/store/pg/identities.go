package pg

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"calibra.org/internal/auth"
)

// Identities implements auth.IdentityStore over Postgres.
type Identities struct {
	db *sql.DB
}

var _ auth.IdentityStore = (*Identities)(nil)

const identityColumns = `
	id, email, first_name, last_name, department, password_hash,
	active, must_change_password, last_login_at, created_at, updated_at`

func scanIdentity(row interface{ Scan(...any) error }) (*auth.Identity, error) {
	var (
		identity   auth.Identity
		department sql.NullString
		lastLogin  sql.NullTime
	)
	err := row.Scan(
		&identity.ID, &identity.Email, &identity.FirstName, &identity.LastName,
		&department, &identity.PasswordHash, &identity.Active,
		&identity.MustChangePassword, &lastLogin,
		&identity.CreatedAt, &identity.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	identity.Department = department.String
	if lastLogin.Valid {
		t := lastLogin.Time
		identity.LastLoginAt = &t
	}
	return &identity, nil
}

func (s *Identities) Create(ctx context.Context, identity *auth.Identity) error {
	_, err := s.db.ExecContext(ctx, `
		insert into identities
			(id, email, first_name, last_name, department, password_hash,
			 active, must_change_password, created_at, updated_at)
		values ($1, $2, $3, $4, nullif($5, ''), $6, $7, $8, $9, $10)
	`, identity.ID, identity.Email, identity.FirstName, identity.LastName,
		identity.Department, identity.PasswordHash, identity.Active,
		identity.MustChangePassword, identity.CreatedAt, identity.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Identities) Find(ctx context.Context, id string) (*auth.Identity, error) {
	row := s.db.QueryRowContext(ctx, `select `+identityColumns+` from identities where id=$1`, id)
	identity, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	return identity, err
}

func (s *Identities) FindByEmail(ctx context.Context, email string) (*auth.Identity, error) {
	row := s.db.QueryRowContext(ctx, `select `+identityColumns+` from identities where email=$1`, email)
	identity, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	return identity, err
}

func (s *Identities) List(ctx context.Context) ([]*auth.Identity, error) {
	rows, err := s.db.QueryContext(ctx, `select `+identityColumns+` from identities order by created_at desc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*auth.Identity
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, identity)
	}
	return out, rows.Err()
}

func (s *Identities) Update(ctx context.Context, id string, upd auth.IdentityUpdate) (*auth.Identity, error) {
	set := []string{"updated_at = now()"}
	args := []any{id}
	add := func(expr string, val any) {
		args = append(args, val)
		set = append(set, strings.Replace(expr, "?", "$"+strconv.Itoa(len(args)), 1))
	}
	if upd.FirstName != nil {
		add("first_name = ?", *upd.FirstName)
	}
	if upd.LastName != nil {
		add("last_name = ?", *upd.LastName)
	}
	if upd.Department != nil {
		add("department = nullif(?, '')", *upd.Department)
	}
	if upd.Active != nil {
		add("active = ?", *upd.Active)
	}
	if upd.MustChangePassword != nil {
		add("must_change_password = ?", *upd.MustChangePassword)
	}
	if upd.PasswordHash != nil {
		add("password_hash = ?", *upd.PasswordHash)
	}

	row := s.db.QueryRowContext(ctx, `
		update identities set `+strings.Join(set, ", ")+`
		where id = $1
		returning `+identityColumns, args...)
	identity, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	return identity, err
}

func (s *Identities) Deactivate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		update identities set active = false, updated_at = now() where id = $1
	`, id)
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

func (s *Identities) RecordLogin(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		update identities set last_login_at = $2 where id = $1
	`, id, at)
	return err
}

func (s *Identities) HasSuperusers(ctx context.Context) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		select exists (
			select 1
			from identities i
			join role_assignments ra on ra.identity_id = i.id and ra.active
			join roles r on r.id = ra.role_id and r.is_superuser
			where i.active
			  and (ra.expires_at is null or ra.expires_at > now())
		)
	`).Scan(&exists)
	return exists, err
}
