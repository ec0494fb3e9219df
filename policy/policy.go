// Package policy exposes per-group moderation configuration: which channels and users are
// off limits, which roles count as moderators, and the auto-route/transcription toggles.
// Policies are fetched fresh per decision; nothing here caches.
package policy

import "context"

// Policy is one group's configuration snapshot.
type Policy struct {
	GroupID              string
	SafeChannels         map[string]struct{}
	SafeUsers            map[string]struct{}
	ModeratorRoleIDs     map[string]struct{}
	AutoRouteEnabled     bool
	TranscriptionEnabled bool
}

// IsSafeChannel reports whether the channel may never be auto-joined or lingered in.
func (p *Policy) IsSafeChannel(channelID string) bool {
	_, ok := p.SafeChannels[channelID]
	return ok
}

// IsSafeUser reports whether the user must never be captured.
func (p *Policy) IsSafeUser(userID string) bool {
	_, ok := p.SafeUsers[userID]
	return ok
}

// IsModerator reports whether any of the member's roles is a moderator role.
func (p *Policy) IsModerator(roleIDs []string) bool {
	for _, r := range roleIDs {
		if _, ok := p.ModeratorRoleIDs[r]; ok {
			return true
		}
	}
	return false
}

// Store fetches group policies. A Store failure must degrade to inaction upstream, never
// to a crash or an unsafe default.
type Store interface {
	GetPolicy(ctx context.Context, groupID string) (*Policy, error)
}
