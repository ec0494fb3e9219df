package policy

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PGStore reads policies from Postgres (group_policies, safe_channels, safe_users).
type PGStore struct {
	DB *sql.DB
}

// GetPolicy loads the group's policy row and its safe lists. An absent row yields the
// zero policy (auto-route on, transcription off, empty lists) so new groups behave sanely
// without setup.
func (s *PGStore) GetPolicy(ctx context.Context, groupID string) (*Policy, error) {
	p := &Policy{
		GroupID:          groupID,
		SafeChannels:     make(map[string]struct{}),
		SafeUsers:        make(map[string]struct{}),
		ModeratorRoleIDs: make(map[string]struct{}),
		AutoRouteEnabled: true,
	}

	// moderator_role_ids is stored space-joined.
	var roles sql.NullString
	err := s.DB.QueryRowContext(ctx,
		`SELECT auto_route_enabled, transcription_enabled, moderator_role_ids FROM group_policies WHERE group_id=$1`,
		groupID).Scan(&p.AutoRouteEnabled, &p.TranscriptionEnabled, &roles)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("load group policy: %w", err)
	}
	for _, r := range strings.Fields(roles.String) {
		p.ModeratorRoleIDs[r] = struct{}{}
	}

	rows, err := s.DB.QueryContext(ctx, `SELECT channel_id FROM safe_channels WHERE group_id=$1`, groupID)
	if err != nil {
		return nil, fmt.Errorf("load safe channels: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan safe channel: %w", err)
		}
		p.SafeChannels[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate safe channels: %w", err)
	}

	urows, err := s.DB.QueryContext(ctx, `SELECT user_id FROM safe_users WHERE group_id=$1`, groupID)
	if err != nil {
		return nil, fmt.Errorf("load safe users: %w", err)
	}
	defer urows.Close()
	for urows.Next() {
		var id string
		if err := urows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan safe user: %w", err)
		}
		p.SafeUsers[id] = struct{}{}
	}
	if err := urows.Err(); err != nil {
		return nil, fmt.Errorf("iterate safe users: %w", err)
	}

	return p, nil
}
