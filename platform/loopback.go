package platform

import (
	"context"
	"sync"
)

// Loopback is an in-process platform used for local development and integration tests.
// It satisfies every platform contract: rosters and channel layouts are set directly,
// voice operations mutate in-memory state, and audio frames are pushed with PushFrames.
type Loopback struct {
	mu       sync.Mutex
	rosters  map[string]Roster
	joined   map[string]string // groupID -> channelID
	muted    map[string]bool   // groupID/userID
	subs     map[string][]chan AudioFrame
	messages []LoopbackMessage
}

// LoopbackMessage records one outbound message for inspection.
type LoopbackMessage struct {
	Kind    string // "direct", "channel", "transcript", "alert"
	GroupID string
	UserID  string
	Target  string
	Text    string
}

func NewLoopback() *Loopback {
	return &Loopback{
		rosters: make(map[string]Roster),
		joined:  make(map[string]string),
		muted:   make(map[string]bool),
		subs:    make(map[string][]chan AudioFrame),
	}
}

// SetRoster replaces the group's roster snapshot.
func (l *Loopback) SetRoster(r Roster) {
	l.mu.Lock()
	l.rosters[r.GroupID] = r
	l.mu.Unlock()
}

func (l *Loopback) ReadRoster(ctx context.Context, groupID string) (Roster, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.rosters[groupID]
	if !ok {
		return Roster{GroupID: groupID}, nil
	}
	return r, nil
}

func (l *Loopback) Join(ctx context.Context, groupID, channelID string) error {
	l.mu.Lock()
	l.joined[groupID] = channelID
	l.mu.Unlock()
	return nil
}

func (l *Loopback) DestroyConnection(ctx context.Context, groupID string) error {
	l.mu.Lock()
	delete(l.joined, groupID)
	l.mu.Unlock()
	return nil
}

// JoinedChannel returns the channel the loopback connection sits in, or "".
func (l *Loopback) JoinedChannel(groupID string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.joined[groupID]
}

func (l *Loopback) SubscribeAudio(ctx context.Context, groupID, userID string) (<-chan AudioFrame, func(), error) {
	key := groupID + "/" + userID
	ch := make(chan AudioFrame, 256)
	l.mu.Lock()
	l.subs[key] = append(l.subs[key], ch)
	l.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			l.mu.Lock()
			live := l.subs[key][:0]
			for _, c := range l.subs[key] {
				if c != ch {
					live = append(live, c)
				}
			}
			l.subs[key] = live
			l.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel, nil
}

// PushFrames delivers frames to every live subscription for the user. Frames that would
// block are dropped, matching how a real transport sheds backpressure.
func (l *Loopback) PushFrames(groupID, userID string, frames ...AudioFrame) {
	key := groupID + "/" + userID
	l.mu.Lock()
	subs := append([]chan AudioFrame(nil), l.subs[key]...)
	l.mu.Unlock()
	for _, ch := range subs {
		for _, f := range frames {
			select {
			case ch <- f:
			default:
			}
		}
	}
}

func (l *Loopback) PostTranscript(ctx context.Context, groupID, userID, text, channelID string) error {
	l.record(LoopbackMessage{Kind: "transcript", GroupID: groupID, UserID: userID, Target: channelID, Text: text})
	return nil
}

func (l *Loopback) PostAlert(ctx context.Context, groupID, userID, message string) error {
	l.record(LoopbackMessage{Kind: "alert", GroupID: groupID, UserID: userID, Text: message})
	return nil
}

func (l *Loopback) SendDirect(ctx context.Context, userID, content string) error {
	l.record(LoopbackMessage{Kind: "direct", UserID: userID, Text: content})
	return nil
}

func (l *Loopback) SendToChannel(ctx context.Context, groupID, channelID, content string) error {
	l.record(LoopbackMessage{Kind: "channel", GroupID: groupID, Target: channelID, Text: content})
	return nil
}

func (l *Loopback) RecentTextChannel(ctx context.Context, groupID string) (string, error) {
	return "", nil
}

func (l *Loopback) FirstPublicChannel(ctx context.Context, groupID string) (string, error) {
	return "", nil
}

func (l *Loopback) DefaultChannel(ctx context.Context, groupID string) (string, error) {
	return "", nil
}

func (l *Loopback) Mute(ctx context.Context, groupID, userID string) error {
	l.mu.Lock()
	l.muted[groupID+"/"+userID] = true
	l.mu.Unlock()
	return nil
}

func (l *Loopback) Unmute(ctx context.Context, groupID, userID string) error {
	l.mu.Lock()
	delete(l.muted, groupID+"/"+userID)
	l.mu.Unlock()
	return nil
}

// Muted reports whether the user is currently server-muted.
func (l *Loopback) Muted(groupID, userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.muted[groupID+"/"+userID]
}

// Messages returns a copy of everything sent so far.
func (l *Loopback) Messages() []LoopbackMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]LoopbackMessage(nil), l.messages...)
}

func (l *Loopback) record(m LoopbackMessage) {
	l.mu.Lock()
	l.messages = append(l.messages, m)
	l.mu.Unlock()
}

var (
	_ RosterReader    = (*Loopback)(nil)
	_ Connector       = (*Loopback)(nil)
	_ AudioSubscriber = (*Loopback)(nil)
	_ Poster          = (*Loopback)(nil)
	_ Messenger       = (*Loopback)(nil)
	_ Muter           = (*Loopback)(nil)
)
