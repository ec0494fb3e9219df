// Package db provides database connection helpers, schema migration, and small data
// access helpers shared by the policy and consent stores.
package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
)

// Connect opens a Postgres connection. The dsn comes from config.Load, which owns the
// DB_DSN env knob and its default; an empty dsn is a wiring mistake, not a fallback.
func Connect(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty database dsn")
	}
	return sql.Open("pgx", dsn)
}

// Migrate applies idempotent schema changes for all required tables and indices. It is
// the fallback path when versioned migrations are unavailable (see RunMigrations).
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS group_policies (
			group_id TEXT PRIMARY KEY,
			auto_route_enabled BOOLEAN DEFAULT TRUE,
			transcription_enabled BOOLEAN DEFAULT FALSE,
			moderator_role_ids TEXT DEFAULT '',
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS safe_channels (
			group_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (group_id, channel_id)
		)`,
		`CREATE TABLE IF NOT EXISTS safe_users (
			group_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (group_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS consents (
			user_id TEXT PRIMARY KEY,
			granted BOOLEAN NOT NULL,
			granted_at TIMESTAMPTZ,
			revoked_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_safe_channels_group ON safe_channels(group_id)`,
		`CREATE INDEX IF NOT EXISTS idx_safe_users_group ON safe_users(group_id)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// SetKV upserts a key/value pair in the operational kv table.
func SetKV(ctx context.Context, db *sql.DB, key, value string) error {
	_, err := db.ExecContext(ctx, `INSERT INTO kv (key,value,updated_at) VALUES ($1,$2,NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, key, value)
	return err
}

// GetKV returns the value for a key, or "" when absent.
func GetKV(ctx context.Context, db *sql.DB, key string) (string, error) {
	var v string
	err := db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}
