package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PGDirectory implements Directory over Postgres. Schema management is
// external; the expected table is:
//
//	CREATE TABLE users (
//	    user_id       TEXT PRIMARY KEY,
//	    username      TEXT UNIQUE NOT NULL,
//	    email         TEXT UNIQUE NOT NULL,
//	    password_hash TEXT NOT NULL,
//	    roles         TEXT[] NOT NULL DEFAULT '{}',
//	    mfa_enabled   BOOLEAN NOT NULL DEFAULT FALSE,
//	    mfa_secret    TEXT,
//	    verified      BOOLEAN NOT NULL DEFAULT FALSE,
//	    active        BOOLEAN NOT NULL DEFAULT TRUE,
//	    created_at    TIMESTAMPTZ NOT NULL,
//	    updated_at    TIMESTAMPTZ NOT NULL
//	);
type PGDirectory struct {
	db *sql.DB
}

// NewPGDirectory opens a Postgres-backed directory and verifies
// connectivity.
func NewPGDirectory(dsn string) (*PGDirectory, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return &PGDirectory{db: db}, nil
}

// Close releases the connection pool.
func (d *PGDirectory) Close() error { return d.db.Close() }

const userColumns = "user_id, username, email, password_hash, roles, mfa_enabled, COALESCE(mfa_secret, ''), verified, active, created_at, updated_at"

func (d *PGDirectory) Create(ctx context.Context, u *User) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10, $11)`,
		u.ID, u.Username, u.Email, u.PasswordHash, pq.Array(u.Roles),
		u.MFAEnabled, u.MFASecret, u.Verified, u.Active, u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert user %s: %w", u.Username, err)
	}
	return nil
}

func (d *PGDirectory) ByID(ctx context.Context, id string) (*User, error) {
	return d.scanOne(d.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE user_id = $1`, id))
}

func (d *PGDirectory) ByUsername(ctx context.Context, username string) (*User, error) {
	return d.scanOne(d.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = $1`, username))
}

func (d *PGDirectory) ByEmail(ctx context.Context, email string) (*User, error) {
	return d.scanOne(d.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, email))
}

func (d *PGDirectory) Update(ctx context.Context, u *User) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE users SET username = $2, email = $3, password_hash = $4, roles = $5,
		        mfa_enabled = $6, mfa_secret = NULLIF($7, ''), verified = $8,
		        active = $9, updated_at = $10
		 WHERE user_id = $1`,
		u.ID, u.Username, u.Email, u.PasswordHash, pq.Array(u.Roles),
		u.MFAEnabled, u.MFASecret, u.Verified, u.Active, u.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update user %s: %w", u.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (d *PGDirectory) scanOne(row *sql.Row) (*User, error) {
	var u User
	var roles pq.StringArray
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &roles,
		&u.MFAEnabled, &u.MFASecret, &u.Verified, &u.Active, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.Roles = roles
	return &u, nil
}
