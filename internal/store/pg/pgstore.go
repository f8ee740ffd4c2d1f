package pg

import (
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

// Store bundles the per-domain stores over one connection pool.
type Store struct {
	db         *sql.DB
	Identities *Identities
	Roles      *Roles
	AuditLog   *AuditLog
	Equipment  *Equipment
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return NewWithDB(db), nil
}

// NewWithDB wraps an existing connection (used by tests).
func NewWithDB(db *sql.DB) *Store {
	return &Store{
		db:         db,
		Identities: &Identities{db: db},
		Roles:      &Roles{db: db},
		AuditLog:   &AuditLog{db: db},
		Equipment:  &Equipment{db: db},
	}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
