// Package platform defines the contracts between the routing/capture engine and the
// hosting chat platform. The engine only ever sees these interfaces, so tests (and any
// platform SDK) plug in behind them.
package platform

import (
	"context"
	"time"
)

// Member is one occupant of a voice channel as seen in a roster read.
type Member struct {
	UserID    string
	ChannelID string
	// Bot occupants never count toward routing decisions.
	Bot bool
	// RoleIDs is matched against the group's moderator role list.
	RoleIDs []string
}

// Channel describes one voice channel of a group at roster-read time.
type Channel struct {
	ID string
	// Position is the platform-assigned ordinal, used as the deterministic tie-break.
	Position int
}

// Roster is a point-in-time view of a group's voice channels and their occupants.
type Roster struct {
	GroupID  string
	Channels []Channel
	Members  []Member
}

// RosterReader reads live occupancy. Implementations must not cache across calls.
type RosterReader interface {
	ReadRoster(ctx context.Context, groupID string) (Roster, error)
}

// Connector executes voice connection operations for a group.
type Connector interface {
	// Join connects (or moves) the participant to the given channel.
	Join(ctx context.Context, groupID, channelID string) error
	// DestroyConnection tears down the group's voice connection if any.
	DestroyConnection(ctx context.Context, groupID string) error
}

// AudioFrame is one raw frame from a speaker's stream.
type AudioFrame struct {
	UserID     string
	Opus       []byte
	ReceivedAt time.Time
}

// AudioSubscriber opens a per-user raw audio stream on the active connection.
// The returned channel is closed by the platform when the subscription ends;
// cancel releases the subscription early.
type AudioSubscriber interface {
	SubscribeAudio(ctx context.Context, groupID, userID string) (frames <-chan AudioFrame, cancel func(), err error)
}

// Poster delivers transcripts and moderation alerts back into the group's messaging surface.
type Poster interface {
	PostTranscript(ctx context.Context, groupID, userID, text, channelID string) error
	PostAlert(ctx context.Context, groupID, userID, message string) error
}

// Messenger delivers a consent request over one concrete surface. Each method returns an
// error when that surface is unavailable so the gate can fall through the chain.
type Messenger interface {
	SendDirect(ctx context.Context, userID, content string) error
	SendToChannel(ctx context.Context, groupID, channelID, content string) error
	// RecentTextChannel returns the most recent text channel with message history, or "".
	RecentTextChannel(ctx context.Context, groupID string) (string, error)
	// FirstPublicChannel returns the first public text channel with history, or "".
	FirstPublicChannel(ctx context.Context, groupID string) (string, error)
	// DefaultChannel returns the group's default text channel, or "".
	DefaultChannel(ctx context.Context, groupID string) (string, error)
}

// Muter applies and lifts the temporary server mute used while consent is pending.
type Muter interface {
	Mute(ctx context.Context, groupID, userID string) error
	Unmute(ctx context.Context, groupID, userID string) error
}
