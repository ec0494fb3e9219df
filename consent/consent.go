// Package consent records per-user capture consent and drives the consent-request flow.
// No capture pipeline is ever created for a user without a granted record; the gate asks
// once per pending user and applies a temporary mute until they answer.
package consent

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Store persists consent decisions. Reads happen fresh per decision; callers must not
// cache results beyond a single speaking-start.
type Store interface {
	HasConsented(ctx context.Context, userID string) (bool, error)
	Grant(ctx context.Context, userID string) error
	Revoke(ctx context.Context, userID string) error
}

// PGStore is the Postgres-backed consent store.
type PGStore struct {
	DB *sql.DB
}

func (s *PGStore) HasConsented(ctx context.Context, userID string) (bool, error) {
	var granted bool
	err := s.DB.QueryRowContext(ctx, `SELECT granted FROM consents WHERE user_id=$1`, userID).Scan(&granted)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load consent: %w", err)
	}
	return granted, nil
}

func (s *PGStore) Grant(ctx context.Context, userID string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO consents (user_id, granted, granted_at, updated_at) VALUES ($1, TRUE, NOW(), NOW())
		ON CONFLICT(user_id) DO UPDATE SET granted=TRUE, granted_at=NOW(), revoked_at=NULL, updated_at=NOW()`, userID)
	if err != nil {
		return fmt.Errorf("grant consent: %w", err)
	}
	return nil
}

func (s *PGStore) Revoke(ctx context.Context, userID string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO consents (user_id, granted, revoked_at, updated_at) VALUES ($1, FALSE, NOW(), NOW())
		ON CONFLICT(user_id) DO UPDATE SET granted=FALSE, revoked_at=NOW(), updated_at=NOW()`, userID)
	if err != nil {
		return fmt.Errorf("revoke consent: %w", err)
	}
	return nil
}

// pendingTTL bounds how long an unanswered request suppresses re-asking.
const pendingTTL = 24 * time.Hour
