package router

import (
	"sort"

	"github.com/onnwee/voicewarden/platform"
	"github.com/onnwee/voicewarden/policy"
)

// ChannelSnapshot is the per-channel occupancy view a routing decision is computed from.
// It is rebuilt from a live roster read on every trigger and never persisted.
type ChannelSnapshot struct {
	ChannelID      string
	Position       int
	HumanCount     int // non-bot occupants, moderators included
	ModeratorCount int
	Safe           bool
}

// NonModeratorCount is the quorum-relevant population.
func (c ChannelSnapshot) NonModeratorCount() int {
	return c.HumanCount - c.ModeratorCount
}

// BuildSnapshots derives channel snapshots from a roster and the group policy.
func BuildSnapshots(r platform.Roster, p *policy.Policy) []ChannelSnapshot {
	byID := make(map[string]*ChannelSnapshot, len(r.Channels))
	snaps := make([]ChannelSnapshot, 0, len(r.Channels))
	for _, ch := range r.Channels {
		snaps = append(snaps, ChannelSnapshot{
			ChannelID: ch.ID,
			Position:  ch.Position,
			Safe:      p.IsSafeChannel(ch.ID),
		})
	}
	for i := range snaps {
		byID[snaps[i].ChannelID] = &snaps[i]
	}
	for _, m := range r.Members {
		if m.Bot || m.ChannelID == "" {
			continue
		}
		snap, ok := byID[m.ChannelID]
		if !ok {
			continue
		}
		snap.HumanCount++
		if p.IsModerator(m.RoleIDs) {
			snap.ModeratorCount++
		}
	}
	return snaps
}

// Selection tunes one SelectTarget call.
type Selection struct {
	AutoRoute bool
	Quorum    int
	// Exclude removes one channel from consideration (the moderator-entry trade).
	Exclude string
	// Prefer short-circuits to this channel when it independently qualifies as an
	// unsupervised quorum target (the moderator's origin in a trade).
	Prefer string
}

// SelectTarget picks the channel the session should occupy, or ok=false when no eligible
// channel has any human occupant.
//
// Preference order with auto-route on: unsupervised channels (zero moderators) meeting
// the quorum, by highest non-moderator count; then the most populated eligible channel
// regardless of moderators. Auto-route off skips straight to most-populated. Safe
// channels are never eligible. Ties break on higher human count, then lower position.
func SelectTarget(snaps []ChannelSnapshot, sel Selection) (string, bool) {
	eligible := make([]ChannelSnapshot, 0, len(snaps))
	for _, c := range snaps {
		if c.Safe || c.ChannelID == sel.Exclude || c.HumanCount == 0 {
			continue
		}
		eligible = append(eligible, c)
	}
	if len(eligible) == 0 {
		return "", false
	}

	if sel.AutoRoute {
		unsupervised := eligible[:0:0]
		for _, c := range eligible {
			if c.ModeratorCount == 0 && c.NonModeratorCount() >= sel.Quorum {
				unsupervised = append(unsupervised, c)
			}
		}
		if len(unsupervised) > 0 {
			for _, c := range unsupervised {
				if c.ChannelID == sel.Prefer {
					return c.ChannelID, true
				}
			}
			sort.SliceStable(unsupervised, func(i, j int) bool {
				a, b := unsupervised[i], unsupervised[j]
				if a.NonModeratorCount() != b.NonModeratorCount() {
					return a.NonModeratorCount() > b.NonModeratorCount()
				}
				return a.Position < b.Position
			})
			return unsupervised[0].ChannelID, true
		}
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.HumanCount != b.HumanCount {
			return a.HumanCount > b.HumanCount
		}
		return a.Position < b.Position
	})
	return eligible[0].ChannelID, true
}
