package router

import (
	"sync"
	"time"

	"github.com/onnwee/voicewarden/clock"
)

// Session is the per-group connection record. It is owned exclusively by the Manager and
// mutated only inside manager transitions; the record persists across disconnects for
// reuse (lastGoodChannelID, cooldown bookkeeping survive). lastTransitionAt covers every
// executed transition, joins and disconnects alike, so the cooldown spans both.
type Session struct {
	GroupID string

	mu                   sync.Mutex
	state                State
	currentChannelID     string
	lastTransitionAt     time.Time
	routeLocked          bool
	routeLockedAt        time.Time
	idleTimer            clock.Timer
	expectedUntil        time.Time
	reconnectLockedUntil time.Time
	lastGoodChannelID    string
}

// CurrentChannel returns the occupied channel id, or "" when not connected.
func (s *Session) CurrentChannel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connected {
		return ""
	}
	return s.currentChannelID
}

// State returns the connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// cancelIdleLocked stops a pending idle-linger timer. Caller holds s.mu.
func (s *Session) cancelIdleLocked() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

// SessionInfo is the /status view of one session.
type SessionInfo struct {
	GroupID          string    `json:"group_id"`
	State            string    `json:"state"`
	ChannelID        string    `json:"channel_id,omitempty"`
	LastTransitionAt time.Time `json:"last_transition_at,omitempty"`
	RouteLocked      bool      `json:"route_locked"`
	IdlePending      bool      `json:"idle_pending"`
}

func (s *Session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		GroupID:          s.GroupID,
		State:            s.state.String(),
		ChannelID:        s.currentChannelID,
		LastTransitionAt: s.lastTransitionAt,
		RouteLocked:      s.routeLocked,
		IdlePending:      s.idleTimer != nil,
	}
}
