package consent

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type memStore struct {
	mu      sync.Mutex
	granted map[string]bool
	failAll bool
}

func (m *memStore) HasConsented(_ context.Context, userID string) (bool, error) {
	if m.failAll {
		return false, errors.New("store down")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.granted[userID], nil
}

func (m *memStore) Grant(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.granted == nil {
		m.granted = make(map[string]bool)
	}
	m.granted[userID] = true
	return nil
}

func (m *memStore) Revoke(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.granted == nil {
		m.granted = make(map[string]bool)
	}
	m.granted[userID] = false
	return nil
}

type fakeMessenger struct {
	dmErr      error
	chanErr    error
	dms        []string
	chanSends  []string // channel ids in delivery order
	recentID   string
	publicID   string
	defaultID  string
	lookupFail bool
}

func (f *fakeMessenger) SendDirect(_ context.Context, userID, _ string) error {
	if f.dmErr != nil {
		return f.dmErr
	}
	f.dms = append(f.dms, userID)
	return nil
}

func (f *fakeMessenger) SendToChannel(_ context.Context, _, channelID, _ string) error {
	if f.chanErr != nil {
		return f.chanErr
	}
	f.chanSends = append(f.chanSends, channelID)
	return nil
}

func (f *fakeMessenger) RecentTextChannel(_ context.Context, _ string) (string, error) {
	if f.lookupFail {
		return "", errors.New("lookup failed")
	}
	return f.recentID, nil
}

func (f *fakeMessenger) FirstPublicChannel(_ context.Context, _ string) (string, error) {
	if f.lookupFail {
		return "", errors.New("lookup failed")
	}
	return f.publicID, nil
}

func (f *fakeMessenger) DefaultChannel(_ context.Context, _ string) (string, error) {
	if f.lookupFail {
		return "", errors.New("lookup failed")
	}
	return f.defaultID, nil
}

type fakeMuter struct {
	muted   []string
	unmuted []string
}

func (f *fakeMuter) Mute(_ context.Context, _, userID string) error {
	f.muted = append(f.muted, userID)
	return nil
}

func (f *fakeMuter) Unmute(_ context.Context, _, userID string) error {
	f.unmuted = append(f.unmuted, userID)
	return nil
}

func TestAllowedGranted(t *testing.T) {
	st := &memStore{granted: map[string]bool{"u1": true}}
	g := &Gate{Store: st, Messenger: &fakeMessenger{}, Muter: &fakeMuter{}}
	if !g.Allowed(context.Background(), "g1", "u1", "c1") {
		t.Error("Allowed = false for granted user")
	}
}

func TestAllowedAbsentTriggersRequestAndMute(t *testing.T) {
	st := &memStore{}
	msgr := &fakeMessenger{}
	mut := &fakeMuter{}
	g := &Gate{Store: st, Messenger: msgr, Muter: mut}

	if g.Allowed(context.Background(), "g1", "u2", "c1") {
		t.Fatal("Allowed = true without a consent record")
	}
	if len(msgr.dms) != 1 || msgr.dms[0] != "u2" {
		t.Errorf("expected one DM to u2, got %v", msgr.dms)
	}
	if len(mut.muted) != 1 || mut.muted[0] != "u2" {
		t.Errorf("expected u2 muted, got %v", mut.muted)
	}

	// A second speaking-start must not re-ask while the first request is pending.
	g.Allowed(context.Background(), "g1", "u2", "c1")
	if len(msgr.dms) != 1 {
		t.Errorf("re-asked while pending: %d DMs", len(msgr.dms))
	}
}

func TestRequestFallbackChain(t *testing.T) {
	msgr := &fakeMessenger{dmErr: errors.New("dms closed"), recentID: "c-recent"}
	g := &Gate{Store: &memStore{}, Messenger: msgr, Muter: &fakeMuter{}}

	g.Allowed(context.Background(), "g1", "u3", "c-room")
	if len(msgr.chanSends) != 1 || msgr.chanSends[0] != "c-room" {
		t.Errorf("expected fallback to in-room channel first, got %v", msgr.chanSends)
	}
}

func TestStoreFailureMeansNotAllowed(t *testing.T) {
	g := &Gate{Store: &memStore{failAll: true}, Messenger: &fakeMessenger{}, Muter: &fakeMuter{}}
	if g.Allowed(context.Background(), "g1", "u4", "c1") {
		t.Error("Allowed = true despite store failure")
	}
}

func TestGrantThenAllowedAndUnmute(t *testing.T) {
	st := &memStore{}
	mut := &fakeMuter{}
	g := &Gate{Store: st, Messenger: &fakeMessenger{}, Muter: mut}

	g.Allowed(context.Background(), "g1", "u5", "c1") // triggers request + mute
	if err := g.OnGranted(context.Background(), "g1", "u5"); err != nil {
		t.Fatalf("OnGranted: %v", err)
	}
	if len(mut.unmuted) != 1 || mut.unmuted[0] != "u5" {
		t.Errorf("expected unmute of u5, got %v", mut.unmuted)
	}
	if !g.Allowed(context.Background(), "g1", "u5", "c1") {
		t.Error("Allowed = false after grant")
	}
}

func TestRevoke(t *testing.T) {
	st := &memStore{granted: map[string]bool{"u6": true}}
	g := &Gate{Store: st, Messenger: &fakeMessenger{}, Muter: &fakeMuter{}}
	if err := g.OnRevoked(context.Background(), "u6"); err != nil {
		t.Fatalf("OnRevoked: %v", err)
	}
	if g.Allowed(context.Background(), "g1", "u6", "c1") {
		t.Error("Allowed = true after revoke")
	}
}
