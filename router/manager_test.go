package router

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/voicewarden/clock"
	"github.com/onnwee/voicewarden/health"
	"github.com/onnwee/voicewarden/platform"
	"github.com/onnwee/voicewarden/policy"
	"github.com/onnwee/voicewarden/telemetry"
)

func TestMain(m *testing.M) {
	telemetry.Init()
	os.Exit(m.Run())
}

type fakePolicies struct {
	mu  sync.Mutex
	p   *policy.Policy
	err error
}

func (f *fakePolicies) GetPolicy(ctx context.Context, groupID string) (*policy.Policy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.p, nil
}

func (f *fakePolicies) set(p *policy.Policy) {
	f.mu.Lock()
	f.p = p
	f.mu.Unlock()
}

type fakePlatform struct {
	mu        sync.Mutex
	roster    platform.Roster
	rosterErr error
	joins     []string
	joinErr   error
	destroys  int
}

func (f *fakePlatform) ReadRoster(ctx context.Context, groupID string) (platform.Roster, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rosterErr != nil {
		return platform.Roster{}, f.rosterErr
	}
	return f.roster, nil
}

func (f *fakePlatform) Join(ctx context.Context, groupID, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		return f.joinErr
	}
	f.joins = append(f.joins, channelID)
	return nil
}

func (f *fakePlatform) DestroyConnection(ctx context.Context, groupID string) error {
	f.mu.Lock()
	f.destroys++
	f.mu.Unlock()
	return nil
}

func (f *fakePlatform) setRoster(r platform.Roster) {
	f.mu.Lock()
	f.roster = r
	f.mu.Unlock()
}

func (f *fakePlatform) joinCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.joins)
}

func (f *fakePlatform) lastJoin() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.joins) == 0 {
		return ""
	}
	return f.joins[len(f.joins)-1]
}

func (f *fakePlatform) destroyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroys
}

type fakeAttacher struct {
	mu            sync.Mutex
	connected     []string
	disconnecting []string
}

func (f *fakeAttacher) Connected(ctx context.Context, groupID, channelID string) {
	f.mu.Lock()
	f.connected = append(f.connected, channelID)
	f.mu.Unlock()
}

func (f *fakeAttacher) Disconnecting(groupID string) {
	f.mu.Lock()
	f.disconnecting = append(f.disconnecting, groupID)
	f.mu.Unlock()
}

func (f *fakeAttacher) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.disconnecting)
}

func testConfig() Config {
	return Config{
		MoveCooldown:   1500 * time.Millisecond,
		RouteLockHold:  10 * time.Second,
		IdleLinger:     60 * time.Second,
		ProbeInterval:  time.Minute,
		ReconnectLock:  30 * time.Second,
		ExpectedWindow: 5 * time.Second,
		Quorum:         2,
	}
}

func openPolicy() *policy.Policy {
	return &policy.Policy{
		GroupID:          "g1",
		SafeChannels:     map[string]struct{}{},
		SafeUsers:        map[string]struct{}{},
		ModeratorRoleIDs: map[string]struct{}{"mod": {}},
		AutoRouteEnabled: true,
	}
}

// rosterOf builds a roster from channel ids mapped to member specs. A member spec
// "mod:" prefix marks a moderator role.
func rosterOf(channels map[string][]string) platform.Roster {
	r := platform.Roster{GroupID: "g1"}
	pos := 0
	for _, id := range []string{"a", "b", "c"} {
		members, ok := channels[id]
		if !ok {
			continue
		}
		r.Channels = append(r.Channels, platform.Channel{ID: id, Position: pos})
		pos++
		for _, m := range members {
			mem := platform.Member{UserID: m, ChannelID: id}
			if len(m) > 4 && m[:4] == "mod:" {
				mem.UserID = m[4:]
				mem.RoleIDs = []string{"mod"}
			}
			r.Members = append(r.Members, mem)
		}
	}
	return r
}

func newTestManager(t *testing.T) (*Manager, *fakePolicies, *fakePlatform, *fakeAttacher, *clock.Fake) {
	t.Helper()
	pol := &fakePolicies{p: openPolicy()}
	plat := &fakePlatform{}
	att := &fakeAttacher{}
	clk := clock.NewFake()
	br := health.NewBreaker(10, time.Minute, 30*time.Second)
	m := NewManager(testConfig(), pol, plat, plat, att, clk, br)
	return m, pol, plat, att, clk
}

// probe runs one evaluation pass over g1. The session record is created first, the way
// the group's first platform event would create it; the probe job itself only revisits
// sessions that already exist.
func probe(m *Manager) {
	m.session("g1")
	m.ProbeAll(context.Background())
}

func TestConnectsToUnsupervisedChannel(t *testing.T) {
	m, _, plat, att, _ := newTestManager(t)
	plat.setRoster(rosterOf(map[string][]string{
		"a": {"u1", "u2"},
		"b": {"u3", "mod:m1"},
	}))

	m.HandleVoiceState(context.Background(), platform.VoiceStateChange{
		New: platform.VoiceState{GroupID: "g1", UserID: "u1", ChannelID: "a"},
	})

	if got := plat.lastJoin(); got != "a" {
		t.Fatalf("joined %q, want %q", got, "a")
	}
	if st := m.session("g1").State(); st != Connected {
		t.Errorf("state = %v, want Connected", st)
	}
	att.mu.Lock()
	defer att.mu.Unlock()
	if len(att.connected) != 1 || att.connected[0] != "a" {
		t.Errorf("attacher connected calls = %v, want [a]", att.connected)
	}
}

func TestMoveCooldownRefusesRapidSecondMove(t *testing.T) {
	m, _, plat, _, clk := newTestManager(t)
	plat.setRoster(rosterOf(map[string][]string{"a": {"u1", "u2"}}))
	probe(m)
	if plat.joinCount() != 1 {
		t.Fatalf("initial join count = %d, want 1", plat.joinCount())
	}

	// A better channel appears immediately; the cooldown holds the session in place.
	plat.setRoster(rosterOf(map[string][]string{
		"a": {"u1", "mod:m1"},
		"b": {"u2", "u3", "u4"},
	}))
	probe(m)
	if plat.joinCount() != 1 {
		t.Fatalf("join count after cooldown refusal = %d, want 1", plat.joinCount())
	}

	clk.Advance(2 * time.Second)
	probe(m)
	if got := plat.lastJoin(); got != "b" {
		t.Errorf("joined %q after cooldown, want %q", got, "b")
	}
}

func TestIdleLingerDisconnectsEmptyChannel(t *testing.T) {
	m, _, plat, att, clk := newTestManager(t)
	plat.setRoster(rosterOf(map[string][]string{"a": {"u1", "u2"}}))
	probe(m)

	clk.Advance(2 * time.Second)
	plat.setRoster(rosterOf(map[string][]string{"a": {}}))
	probe(m)
	if plat.destroyCount() != 0 {
		t.Fatal("disconnected before linger elapsed")
	}

	clk.Advance(61 * time.Second)
	if plat.destroyCount() != 1 {
		t.Fatalf("destroy count = %d, want 1", plat.destroyCount())
	}
	if st := m.session("g1").State(); st != Disconnected {
		t.Errorf("state = %v, want Disconnected", st)
	}
	if att.disconnectCount() == 0 {
		t.Error("attacher not told before teardown")
	}
}

func TestCooldownRefusesJoinRightAfterDisconnect(t *testing.T) {
	m, _, plat, _, clk := newTestManager(t)
	plat.setRoster(rosterOf(map[string][]string{"a": {"u1", "u2"}}))
	probe(m)

	clk.Advance(2 * time.Second)
	plat.setRoster(rosterOf(map[string][]string{"a": {}}))
	probe(m)
	clk.Advance(61 * time.Second)
	if plat.destroyCount() != 1 {
		t.Fatalf("destroy count = %d, want 1", plat.destroyCount())
	}

	// Occupancy returns right away; the disconnect still holds the cooldown.
	plat.setRoster(rosterOf(map[string][]string{"a": {"u1", "u2"}}))
	probe(m)
	if plat.joinCount() != 1 {
		t.Fatalf("joins = %d, want 1 (rejoin inside the disconnect's cooldown)", plat.joinCount())
	}

	clk.Advance(2 * time.Second)
	probe(m)
	if plat.joinCount() != 2 {
		t.Errorf("joins = %d, want 2 once the cooldown passed", plat.joinCount())
	}
}

func TestCooldownRefusesDisconnectRightAfterJoin(t *testing.T) {
	m, pol, plat, _, clk := newTestManager(t)
	plat.setRoster(rosterOf(map[string][]string{"a": {"u1", "u2"}}))
	probe(m)

	// The channel is flagged safe immediately after the join; the exit waits out the
	// cooldown of the join that entered it.
	p := openPolicy()
	p.SafeChannels["a"] = struct{}{}
	pol.set(p)
	probe(m)
	if plat.destroyCount() != 0 {
		t.Fatalf("destroy count = %d, want 0 (safe exit inside the join's cooldown)", plat.destroyCount())
	}
	if st := m.session("g1").State(); st != Connected {
		t.Fatalf("state = %v, want Connected", st)
	}

	clk.Advance(2 * time.Second)
	probe(m)
	if plat.destroyCount() != 1 {
		t.Errorf("destroy count = %d, want 1 once the cooldown passed", plat.destroyCount())
	}
}

func TestIdleLingerCancelledWhenHumansReturn(t *testing.T) {
	m, _, plat, _, clk := newTestManager(t)
	plat.setRoster(rosterOf(map[string][]string{"a": {"u1", "u2"}}))
	probe(m)

	clk.Advance(2 * time.Second)
	plat.setRoster(rosterOf(map[string][]string{"a": {}}))
	probe(m)

	clk.Advance(30 * time.Second)
	plat.setRoster(rosterOf(map[string][]string{"a": {"u1", "u2"}}))
	probe(m)

	clk.Advance(2 * time.Minute)
	if plat.destroyCount() != 0 {
		t.Errorf("destroy count = %d, want 0 after occupancy returned", plat.destroyCount())
	}
	if st := m.session("g1").State(); st != Connected {
		t.Errorf("state = %v, want Connected", st)
	}
}

func TestModeratorEntryTradesPlaces(t *testing.T) {
	m, _, plat, _, clk := newTestManager(t)
	plat.setRoster(rosterOf(map[string][]string{
		"a": {"u1", "u2"},
		"b": {"u3", "u4"},
	}))
	probe(m)
	if got := plat.lastJoin(); got != "a" {
		t.Fatalf("initial join %q, want %q", got, "a")
	}

	clk.Advance(2 * time.Second)
	// Moderator m1 moves from b into the occupied channel a.
	plat.setRoster(rosterOf(map[string][]string{
		"a": {"u1", "u2", "mod:m1"},
		"b": {"u3", "u4"},
	}))
	m.HandleVoiceState(context.Background(), platform.VoiceStateChange{
		Old: platform.VoiceState{GroupID: "g1", UserID: "m1", ChannelID: "b"},
		New: platform.VoiceState{GroupID: "g1", UserID: "m1", ChannelID: "a"},
	})

	if got := plat.lastJoin(); got != "b" {
		t.Errorf("traded to %q, want origin %q", got, "b")
	}
}

func TestModeratorEntryStaysWhenNoAlternative(t *testing.T) {
	m, _, plat, _, clk := newTestManager(t)
	plat.setRoster(rosterOf(map[string][]string{"a": {"u1", "u2"}}))
	probe(m)

	clk.Advance(2 * time.Second)
	plat.setRoster(rosterOf(map[string][]string{"a": {"u1", "u2", "mod:m1"}}))
	m.HandleVoiceState(context.Background(), platform.VoiceStateChange{
		New: platform.VoiceState{GroupID: "g1", UserID: "m1", ChannelID: "a"},
	})

	if plat.joinCount() != 1 {
		t.Errorf("join count = %d, want 1 (no alternative to trade into)", plat.joinCount())
	}
	if st := m.session("g1").State(); st != Connected {
		t.Errorf("state = %v, want Connected", st)
	}
}

func TestSafeChannelForcesExit(t *testing.T) {
	m, pol, plat, _, clk := newTestManager(t)
	plat.setRoster(rosterOf(map[string][]string{"a": {"u1", "u2"}}))
	probe(m)

	clk.Advance(2 * time.Second)
	p := openPolicy()
	p.SafeChannels["a"] = struct{}{}
	pol.set(p)
	probe(m)

	if plat.destroyCount() != 1 {
		t.Fatalf("destroy count = %d, want 1 (only occupied channel became safe)", plat.destroyCount())
	}
	if st := m.session("g1").State(); st != Disconnected {
		t.Errorf("state = %v, want Disconnected", st)
	}
}

func TestSafeChannelRelocatesWhenAlternativeExists(t *testing.T) {
	m, pol, plat, _, clk := newTestManager(t)
	plat.setRoster(rosterOf(map[string][]string{
		"a": {"u1", "u2"},
		"b": {"u3"},
	}))
	probe(m)

	clk.Advance(2 * time.Second)
	p := openPolicy()
	p.SafeChannels["a"] = struct{}{}
	pol.set(p)
	probe(m)

	if got := plat.lastJoin(); got != "b" {
		t.Errorf("relocated to %q, want %q", got, "b")
	}
}

func TestUnexpectedDisconnectReconnectsToLastGood(t *testing.T) {
	m, _, plat, _, clk := newTestManager(t)
	plat.setRoster(rosterOf(map[string][]string{"a": {"u1", "u2"}}))
	probe(m)

	// Past both the cooldown and the expected-disconnect window of the move.
	clk.Advance(6 * time.Second)
	m.HandleDisconnect(context.Background(), platform.Disconnect{GroupID: "g1", Reason: "ws closed"})

	if got := plat.lastJoin(); got != "a" || plat.joinCount() != 2 {
		t.Fatalf("reconnect join = %q (count %d), want a (2)", got, plat.joinCount())
	}
	if st := m.session("g1").State(); st != Connected {
		t.Errorf("state = %v, want Connected", st)
	}
}

func TestSecondDisconnectWithinLockStaysDown(t *testing.T) {
	m, _, plat, _, clk := newTestManager(t)
	plat.setRoster(rosterOf(map[string][]string{"a": {"u1", "u2"}}))
	probe(m)

	clk.Advance(6 * time.Second)
	m.HandleDisconnect(context.Background(), platform.Disconnect{GroupID: "g1", Reason: "ws closed"})
	if plat.joinCount() != 2 {
		t.Fatalf("first reconnect did not happen, joins = %d", plat.joinCount())
	}

	clk.Advance(6 * time.Second)
	m.HandleDisconnect(context.Background(), platform.Disconnect{GroupID: "g1", Reason: "ws closed again"})
	if plat.joinCount() != 2 {
		t.Errorf("joins = %d, want 2 (reconnect lock active)", plat.joinCount())
	}
	if st := m.session("g1").State(); st != Disconnected {
		t.Errorf("state = %v, want Disconnected", st)
	}
}

func TestExpectedDisconnectIgnored(t *testing.T) {
	m, _, plat, att, _ := newTestManager(t)
	plat.setRoster(rosterOf(map[string][]string{"a": {"u1", "u2"}}))
	probe(m)
	before := att.disconnectCount()

	// Right after a successful move the platform may emit a trailing disconnect event.
	m.HandleDisconnect(context.Background(), platform.Disconnect{GroupID: "g1", Reason: "channel move"})

	if st := m.session("g1").State(); st != Connected {
		t.Errorf("state = %v, want Connected", st)
	}
	if plat.joinCount() != 1 {
		t.Errorf("joins = %d, want 1", plat.joinCount())
	}
	if att.disconnectCount() != before {
		t.Error("attacher torn down on an expected disconnect")
	}
}

func TestFetchFailureDegradesToInaction(t *testing.T) {
	m, pol, plat, _, _ := newTestManager(t)
	plat.setRoster(rosterOf(map[string][]string{"a": {"u1", "u2"}}))
	pol.mu.Lock()
	pol.err = errors.New("db down")
	pol.mu.Unlock()

	probe(m)

	if plat.joinCount() != 0 {
		t.Errorf("joins = %d, want 0 when policy cannot be read", plat.joinCount())
	}
}

func TestTeardownDisconnectsAllSessions(t *testing.T) {
	m, _, plat, att, _ := newTestManager(t)
	plat.setRoster(rosterOf(map[string][]string{"a": {"u1", "u2"}}))
	probe(m)

	m.Teardown(context.Background())

	if plat.destroyCount() != 1 {
		t.Errorf("destroy count = %d, want 1", plat.destroyCount())
	}
	if st := m.session("g1").State(); st != Disconnected {
		t.Errorf("state = %v, want Disconnected", st)
	}
	if att.disconnectCount() == 0 {
		t.Error("attacher not notified during teardown")
	}
}

func TestSessionInfosSorted(t *testing.T) {
	m, _, _, _, _ := newTestManager(t)
	m.session("g2")
	m.session("g1")
	infos := m.SessionInfos()
	if len(infos) != 2 || infos[0].GroupID != "g1" || infos[1].GroupID != "g2" {
		t.Errorf("infos = %+v, want sorted by group id", infos)
	}
}
