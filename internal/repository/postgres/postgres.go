// Package postgres implements repository.AccountRepository on PostgreSQL
// with sqlx and the lib/pq driver.
//
// The schema mirrors the sqlite store. email is CITEXT so uniqueness ignores
// case; google_id and refresh_token are nullable, and NULLs never collide in a
// UNIQUE column.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	// Registers the "postgres" driver with database/sql.
	_ "github.com/lib/pq"
)

// DB implements repository.AccountRepository.
type DB struct {
	db *sqlx.DB
}

// New connects to dsn and creates the schema if it is missing.
func New(ctx context.Context, dsn string) (*DB, error) {
	conn, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connecting: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(30 * time.Minute)

	db := NewFromDB(conn)
	if err := db.EnsureSchema(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// NewFromDB wraps an existing connection. The caller owns its lifecycle
// until Close.
func NewFromDB(conn *sqlx.DB) *DB {
	return &DB{db: conn}
}

// Close closes the connection pool.
func (d *DB) Close() error {
	return d.db.Close()
}

// EnsureSchema creates the tables if they do not exist. It is idempotent;
// prefer real migrations once the schema starts to change.
func (d *DB) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE EXTENSION IF NOT EXISTS citext;
CREATE TABLE IF NOT EXISTS accounts (
  id                  TEXT PRIMARY KEY,
  full_name           TEXT NOT NULL,
  email               CITEXT NOT NULL UNIQUE,
  password_hash       TEXT,
  google_id           TEXT UNIQUE,
  avatar_url          TEXT NOT NULL DEFAULT '',
  refresh_token       TEXT,
  login_failure_count INT NOT NULL DEFAULT 0,
  locked_until        TIMESTAMPTZ,
  created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS activity_log (
  id         BIGSERIAL PRIMARY KEY,
  account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
  action     TEXT NOT NULL,
  at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_activity_log_account_id ON activity_log(account_id);
`
	if _, err := d.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("postgres: creating schema: %w", err)
	}
	return nil
}
