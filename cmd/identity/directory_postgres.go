package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDirectory reads display identities from the marketplace "users" table.
//
// The pgx pool is owned by the caller; this directory never closes it.
type PostgresDirectory struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the directory.
type PostgresOption func(*PostgresDirectory) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema holding the users table (default "inbox").
func WithSchema(schema string) PostgresOption {
	return func(d *PostgresDirectory) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("identity: empty schema")
		}
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("identity: invalid schema identifier")
		}
		d.schema = schema
		return nil
	}
}

// NewPostgresDirectory constructs a PostgresDirectory.
func NewPostgresDirectory(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresDirectory, error) {
	d := &PostgresDirectory{
		pool:   pool,
		schema: "inbox",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	if d.pool == nil {
		return nil, fmt.Errorf("identity: nil pool")
	}
	return d, nil
}

func (d *PostgresDirectory) LookupUser(ctx context.Context, id string) (User, error) {
	const op = "identity.PostgresDirectory.LookupUser"

	if d == nil || d.pool == nil {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil directory"}
	}
	id = NormalizeUserID(id)
	if id == "" {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "missing user id"}
	}

	var (
		u      User
		avatar *string
		role   string
	)
	err := d.pool.QueryRow(ctx,
		`SELECT id, display_name, avatar_url, role
		   FROM `+pgIdent(d.schema, "users")+`
		  WHERE id = $1`,
		id,
	).Scan(&u.ID, &u.DisplayName, &avatar, &role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, NotFoundError{Op: op, UserID: id}
		}
		return User{}, OpError{Op: op, Kind: ErrUnavailable, Msg: err.Error()}
	}
	if avatar != nil {
		u.Avatar = *avatar
	}
	u.Role = Role(role)
	return u, nil
}

// EnsureSchema creates the users table if it does not exist. Dev and test helper;
// production owns this table elsewhere.
func (d *PostgresDirectory) EnsureSchema(ctx context.Context) error {
	_, err := d.pool.Exec(ctx, `
CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{d.schema}.Sanitize()+`;
CREATE TABLE IF NOT EXISTS `+pgIdent(d.schema, "users")+` (
  id           TEXT PRIMARY KEY,
  display_name TEXT NOT NULL,
  avatar_url   TEXT,
  role         TEXT NOT NULL DEFAULT 'creator' CHECK (role IN ('brand', 'creator', 'admin')),
  created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);`)
	return err
}

// UpsertUser writes a user row. Used by seeding and tests.
func (d *PostgresDirectory) UpsertUser(ctx context.Context, u User) error {
	const op = "identity.PostgresDirectory.UpsertUser"

	u.ID = NormalizeUserID(u.ID)
	if u.ID == "" {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "missing user id"}
	}
	role := u.Role
	if role == "" {
		role = RoleCreator
	}
	var avatar *string
	if u.Avatar != "" {
		avatar = &u.Avatar
	}
	_, err := d.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(d.schema, "users")+` (id, display_name, avatar_url, role)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		   SET display_name = EXCLUDED.display_name,
		       avatar_url   = EXCLUDED.avatar_url,
		       role         = EXCLUDED.role`,
		u.ID, u.DisplayName, avatar, string(role),
	)
	return err
}

// pgIdent safely quotes a schema-qualified identifier: "schema"."name".
func pgIdent(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}

var _ Directory = (*PostgresDirectory)(nil)
