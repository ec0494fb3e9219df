package platform

// VoiceState is a user's voice presence at one instant. A zero ChannelID means the user
// is not in any voice channel.
type VoiceState struct {
	GroupID   string
	UserID    string
	ChannelID string
}

// VoiceStateChange carries the old and new state for a member join/leave/move.
type VoiceStateChange struct {
	Old VoiceState
	New VoiceState
}

// SpeakingEvent signals the platform's begin/end-of-speech notification for a user on the
// active connection.
type SpeakingEvent struct {
	GroupID string
	UserID  string
	// ChannelID is the channel the user was speaking in when the event fired.
	ChannelID string
	Speaking  bool
}

// Disconnect notifies that the group's voice connection dropped. The engine decides
// whether it was expected from its own bookkeeping.
type Disconnect struct {
	GroupID string
	// Reason is the platform's free-form cause string, for logging only.
	Reason string
}
