package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDirectory implements Directory over PostgreSQL.
//
// Design notes:
// - The pgx pool is owned by the caller; this store must NOT close it.
// - Schema/table identifiers are safely quoted to avoid SQL injection via identifiers.
// - Errors are mapped to identity sentinel kinds where appropriate.
type PostgresDirectory struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the directory.
type PostgresOption func(*PostgresDirectory) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema used by the directory (default "chatline").
// The schema name is validated to be a legal PostgreSQL identifier.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresDirectory) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("identity: empty schema")
		}
		if !pgIdentIsValid(schema) {
			return fmt.Errorf("identity: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresDirectory constructs a PostgresDirectory.
func NewPostgresDirectory(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresDirectory, error) {
	st := &PostgresDirectory{
		pool:   pool,
		schema: "chatline",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("identity: nil pool")
	}
	return st, nil
}

// CreateUser inserts a user; usernames are unique case-insensitively.
func (s *PostgresDirectory) CreateUser(ctx context.Context, username string, now time.Time) (User, error) {
	const op = "identity.CreateUser"

	if s == nil || s.pool == nil {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
	username = strings.TrimSpace(username)
	if err := validateUsername(op, username); err != nil {
		return User{}, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	u := User{Username: username, CreatedAt: now}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+pgIdent(s.schema, "users")+` (username, username_norm, created_at)
		 VALUES ($1, $2, $3)
		 RETURNING id`,
		username, NormalizeUsername(username), now,
	).Scan(&u.ID)
	if err != nil {
		if pgIsUniqueViolation(err) {
			return User{}, ConflictError{Op: op, Field: "username"}
		}
		return User{}, err
	}
	return u, nil
}

// GetUser returns the user with id.
func (s *PostgresDirectory) GetUser(ctx context.Context, id int64) (User, error) {
	const op = "identity.GetUser"

	var u User
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, created_at, last_seen
		   FROM `+pgIdent(s.schema, "users")+`
		  WHERE id = $1`,
		id,
	).Scan(&u.ID, &u.Username, &u.CreatedAt, &u.LastSeen)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, NotFoundError{Op: op, UserID: id}
		}
		return User{}, err
	}
	return u, nil
}

// ListUsers returns every user ordered by id.
func (s *PostgresDirectory) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, username, created_at, last_seen
		   FROM `+pgIdent(s.schema, "users")+`
		  ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("identity.ListUsers: %w", err)
	}
	users, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (User, error) {
		var u User
		err := row.Scan(&u.ID, &u.Username, &u.CreatedAt, &u.LastSeen)
		return u, err
	})
	if err != nil {
		return nil, fmt.Errorf("identity.ListUsers: %w", err)
	}
	return users, nil
}

// TouchLastSeen stamps last_seen; it never moves the timestamp backwards.
func (s *PostgresDirectory) TouchLastSeen(ctx context.Context, id int64, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE `+pgIdent(s.schema, "users")+`
		    SET last_seen = GREATEST(COALESCE(last_seen, $2), $2)
		  WHERE id = $1`,
		id, at,
	)
	return err
}

// pgIdentIsValid checks if a string is a safe Postgres identifier.
func pgIdentIsValid(s string) bool {
	return pgIdentRe.MatchString(s)
}

// pgIdent safely quotes a schema-qualified identifier: "schema"."name".
func pgIdent(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}

func pgIsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" // unique_violation
}

var _ Directory = (*PostgresDirectory)(nil)
