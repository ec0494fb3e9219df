package router

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/voicewarden/clock"
	"github.com/onnwee/voicewarden/health"
	"github.com/onnwee/voicewarden/platform"
	"github.com/onnwee/voicewarden/policy"
	"github.com/onnwee/voicewarden/telemetry"
)

// Config carries the routing tunables (see config.Load for defaults and env knobs).
type Config struct {
	MoveCooldown   time.Duration
	RouteLockHold  time.Duration
	IdleLinger     time.Duration
	ProbeInterval  time.Duration
	ReconnectLock  time.Duration
	ExpectedWindow time.Duration
	Quorum         int
}

// Attacher is the capture supervisor hook. Disconnecting must stop every pipeline of the
// group synchronously; the manager calls it before a session is considered disconnected.
type Attacher interface {
	Connected(ctx context.Context, groupID, channelID string)
	Disconnecting(groupID string)
}

// NopAttacher satisfies Attacher for deployments without capture.
type NopAttacher struct{}

func (NopAttacher) Connected(context.Context, string, string) {}
func (NopAttacher) Disconnecting(string)                      {}

// Manager owns every group session and serializes their transitions. One manager serves
// all groups; sessions are fully independent of each other.
type Manager struct {
	cfg      Config
	policies policy.Store
	roster   platform.RosterReader
	conn     platform.Connector
	attach   Attacher
	clk      clock.Clock
	breaker  *health.Breaker
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager wires a routing manager. attach may be nil when no capture supervisor is
// attached; clk may be nil for the system clock.
func NewManager(cfg Config, policies policy.Store, roster platform.RosterReader, conn platform.Connector, attach Attacher, clk clock.Clock, breaker *health.Breaker) *Manager {
	if attach == nil {
		attach = NopAttacher{}
	}
	if clk == nil {
		clk = clock.System()
	}
	if breaker == nil {
		breaker = health.NewBreaker(10, time.Minute, 30*time.Second)
	}
	return &Manager{
		cfg:      cfg,
		policies: policies,
		roster:   roster,
		conn:     conn,
		attach:   attach,
		clk:      clk,
		breaker:  breaker,
		logger:   slog.Default().With(slog.String("component", "presence_router")),
		sessions: make(map[string]*Session),
	}
}

// session returns the group's session record, creating it on first use.
func (m *Manager) session(groupID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[groupID]
	if !ok {
		s = &Session{GroupID: groupID}
		m.sessions[groupID] = s
		telemetry.SetActiveSessions(len(m.sessions))
	}
	return s
}

// SessionInfos returns a stable status snapshot of every session.
func (m *Manager) SessionInfos() []SessionInfo {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	infos := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		infos = append(infos, s.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].GroupID < infos[j].GroupID })
	return infos
}

// tradeHint marks a member who just entered the session's current channel; evaluate
// checks whether they are a moderator and runs the trade-places selection if so.
type tradeHint struct {
	userID string
	origin string
}

// HandleVoiceState reacts to a member join/leave/move.
func (m *Manager) HandleVoiceState(ctx context.Context, ev platform.VoiceStateChange) {
	groupID := ev.New.GroupID
	if groupID == "" {
		groupID = ev.Old.GroupID
	}
	if groupID == "" {
		return
	}
	s := m.session(groupID)

	var hint *tradeHint
	if cur := s.CurrentChannel(); cur != "" && ev.New.ChannelID == cur && ev.Old.ChannelID != cur {
		hint = &tradeHint{userID: ev.New.UserID, origin: ev.Old.ChannelID}
	}
	m.evaluate(ctx, s, "voice_state", hint)
}

// HandleModeratorAction re-evaluates on a moderator audit signal.
func (m *Manager) HandleModeratorAction(ctx context.Context, groupID string) {
	m.evaluate(ctx, m.session(groupID), "moderator_action", nil)
}

// StartProbeJob re-evaluates all known sessions on a fixed interval until ctx ends.
func (m *Manager) StartProbeJob(ctx context.Context) {
	m.logger.Info("probe job starting", slog.Duration("interval", m.cfg.ProbeInterval))
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("probe job stopped")
			return
		case <-ticker.C:
			m.ProbeAll(ctx)
		}
	}
}

// ProbeAll runs one evaluation pass over every session.
func (m *Manager) ProbeAll(ctx context.Context) {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()
	for _, s := range list {
		m.evaluate(ctx, s, "probe", nil)
	}
}

// evaluate reads policy and roster fresh, computes the target, and executes at most one
// transition. Any fetch failure degrades to inaction.
func (m *Manager) evaluate(ctx context.Context, s *Session, trigger string, hint *tradeHint) {
	now := m.clk.Now()
	s.mu.Lock()
	if s.routeLocked && now.Sub(s.routeLockedAt) < m.cfg.RouteLockHold {
		s.mu.Unlock()
		telemetry.RouteRefusedLocked.Inc()
		return
	}
	// A lock held past its max hold means a stuck sequence; reclaim it.
	if s.routeLocked {
		m.logger.Warn("route lock exceeded max hold; reclaiming",
			slog.String("group_id", s.GroupID))
		s.routeLocked = false
	}
	state := s.state
	cur := s.currentChannelID
	s.mu.Unlock()

	logger := m.logger.With(slog.String("group_id", s.GroupID), slog.String("trigger", trigger))

	p, err := m.policies.GetPolicy(ctx, s.GroupID)
	if err != nil {
		logger.Warn("policy fetch failed; taking no action", slog.Any("err", err))
		return
	}
	roster, err := m.roster.ReadRoster(ctx, s.GroupID)
	if err != nil {
		logger.Warn("roster read failed; taking no action", slog.Any("err", err))
		return
	}
	snaps := BuildSnapshots(roster, p)
	sel := Selection{AutoRoute: p.AutoRouteEnabled, Quorum: m.cfg.Quorum}

	// Moderator entered the occupied channel: trade places when an alternative exists,
	// preferring the channel the moderator came from if it independently qualifies.
	if hint != nil && state == Connected && memberIsModerator(roster, p, hint.userID) {
		tradeSel := sel
		tradeSel.Exclude = cur
		tradeSel.Prefer = hint.origin
		if target, ok := SelectTarget(snaps, tradeSel); ok {
			logger.Info("moderator entered current channel; trading places",
				slog.String("target", target))
			m.executeMove(ctx, s, target, "moderator_trade")
			return
		}
		// No alternative: stay and let normal evaluation proceed.
	}

	curSnap := findSnapshot(snaps, cur)

	// Never remain parked in a safe channel.
	if state == Connected && curSnap != nil && curSnap.Safe {
		exitSel := sel
		exitSel.Exclude = cur
		if target, ok := SelectTarget(snaps, exitSel); ok {
			logger.Info("current channel flagged safe; relocating", slog.String("target", target))
			m.executeMove(ctx, s, target, "safe_exit")
		} else {
			logger.Info("current channel flagged safe; disconnecting")
			m.executeDisconnect(ctx, s, "safe_exit", false)
		}
		return
	}

	target, ok := SelectTarget(snaps, sel)
	switch {
	case ok && state == Disconnected:
		m.executeMove(ctx, s, target, trigger)
	case ok && state == Connected && target != cur:
		m.executeMove(ctx, s, target, trigger)
	case ok && state == Connected && target == cur:
		// Staying put; occupancy is back, so any pending idle disconnect is void.
		s.mu.Lock()
		s.cancelIdleLocked()
		s.mu.Unlock()
	case !ok && state == Connected:
		if curSnap == nil || curSnap.HumanCount == 0 {
			m.scheduleIdle(s, logger)
		}
	}
}

// scheduleIdle arms the idle-linger timer once; re-arming while pending is a no-op.
func (m *Manager) scheduleIdle(s *Session, logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connected || s.idleTimer != nil {
		return
	}
	logger.Info("channel empty; deferring disconnect", slog.Duration("linger", m.cfg.IdleLinger))
	s.idleTimer = m.clk.AfterFunc(m.cfg.IdleLinger, func() {
		m.onIdleExpired(s)
	})
}

// onIdleExpired re-checks occupancy when the linger elapses; only a still-empty channel
// with no better target disconnects.
func (m *Manager) onIdleExpired(s *Session) {
	s.mu.Lock()
	s.idleTimer = nil
	state := s.state
	cur := s.currentChannelID
	s.mu.Unlock()
	if state != Connected {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger := m.logger.With(slog.String("group_id", s.GroupID), slog.String("trigger", "idle_linger"))

	p, err := m.policies.GetPolicy(ctx, s.GroupID)
	if err != nil {
		logger.Warn("policy fetch failed; taking no action", slog.Any("err", err))
		return
	}
	roster, err := m.roster.ReadRoster(ctx, s.GroupID)
	if err != nil {
		logger.Warn("roster read failed; taking no action", slog.Any("err", err))
		return
	}
	snaps := BuildSnapshots(roster, p)
	if curSnap := findSnapshot(snaps, cur); curSnap != nil && curSnap.HumanCount > 0 {
		return // humans returned between scheduling and firing
	}
	if target, ok := SelectTarget(snaps, Selection{AutoRoute: p.AutoRouteEnabled, Quorum: m.cfg.Quorum}); ok {
		m.executeMove(ctx, s, target, "idle_linger")
		return
	}
	logger.Info("idle linger elapsed with channel still empty; disconnecting")
	m.executeDisconnect(ctx, s, "idle_linger", false)
}

// HandleDisconnect processes a platform disconnect notification, distinguishing the
// teardown we initiated ourselves from an unexpected drop.
func (m *Manager) HandleDisconnect(ctx context.Context, d platform.Disconnect) {
	s := m.session(d.GroupID)
	now := m.clk.Now()
	logger := m.logger.With(slog.String("group_id", d.GroupID))

	s.mu.Lock()
	if s.state == Moving || s.state == Disconnecting || now.Before(s.expectedUntil) {
		s.mu.Unlock()
		logger.Debug("expected disconnect", slog.String("reason", d.Reason))
		return
	}
	s.state = Disconnected
	s.currentChannelID = ""
	s.cancelIdleLocked()
	locked := now.Before(s.reconnectLockedUntil)
	if !locked {
		s.reconnectLockedUntil = now.Add(m.cfg.ReconnectLock)
	}
	lastGood := s.lastGoodChannelID
	s.mu.Unlock()

	// No pipeline may outlive its parent connection.
	m.attach.Disconnecting(d.GroupID)

	if locked {
		logger.Info("unexpected disconnect within reconnect lock; staying down",
			slog.String("reason", d.Reason))
		return
	}
	if !m.breaker.Allow() {
		logger.Warn("unexpected disconnect but circuit open; skipping reconnect")
		return
	}
	logger.Info("unexpected disconnect; attempting reconnect",
		slog.String("reason", d.Reason), slog.String("last_good", lastGood))
	telemetry.Reconnects.Inc()

	p, err := m.policies.GetPolicy(ctx, d.GroupID)
	if err != nil {
		logger.Warn("policy fetch failed; reconnect abandoned", slog.Any("err", err))
		m.breaker.Failure()
		return
	}
	roster, err := m.roster.ReadRoster(ctx, d.GroupID)
	if err != nil {
		logger.Warn("roster read failed; reconnect abandoned", slog.Any("err", err))
		m.breaker.Failure()
		return
	}
	snaps := BuildSnapshots(roster, p)

	if lastGood != "" {
		if snap := findSnapshot(snaps, lastGood); snap != nil && !snap.Safe && snap.HumanCount > 0 {
			m.executeMove(ctx, s, lastGood, "reconnect")
			return
		}
	}
	if target, ok := SelectTarget(snaps, Selection{AutoRoute: p.AutoRouteEnabled, Quorum: m.cfg.Quorum}); ok {
		m.executeMove(ctx, s, target, "reconnect")
	}
}

// Teardown disconnects every session, bypassing cooldowns. Used on shutdown.
func (m *Manager) Teardown(ctx context.Context) {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()
	for _, s := range list {
		if s.State() != Disconnected {
			m.executeDisconnect(ctx, s, "teardown", true)
		}
	}
}

func findSnapshot(snaps []ChannelSnapshot, channelID string) *ChannelSnapshot {
	if channelID == "" {
		return nil
	}
	for i := range snaps {
		if snaps[i].ChannelID == channelID {
			return &snaps[i]
		}
	}
	return nil
}

func memberIsModerator(r platform.Roster, p *policy.Policy, userID string) bool {
	for _, mem := range r.Members {
		if mem.UserID == userID {
			return p.IsModerator(mem.RoleIDs)
		}
	}
	return false
}
