package router

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/voicewarden/telemetry"
)

// executeMove performs the Connecting/Moving sequence into target. The session's route
// lock is held for the whole sequence and released before return.
func (m *Manager) executeMove(ctx context.Context, s *Session, target, reason string) {
	ctx, span := telemetry.StartSpan(ctx, "router", "move",
		attribute.String("group_id", s.GroupID),
		attribute.String("target", target),
		attribute.String("reason", reason))
	defer span.End()

	now := m.clk.Now()
	logger := m.logger.With(
		slog.String("group_id", s.GroupID),
		slog.String("target", target),
		slog.String("reason", reason))

	s.mu.Lock()
	if !s.lastTransitionAt.IsZero() && now.Sub(s.lastTransitionAt) < m.cfg.MoveCooldown {
		s.mu.Unlock()
		telemetry.RouteRefusedCooldown.Inc()
		logger.Debug("move refused by cooldown")
		return
	}
	if s.routeLocked {
		s.mu.Unlock()
		telemetry.RouteRefusedLocked.Inc()
		return
	}
	s.routeLocked = true
	s.routeLockedAt = now
	s.cancelIdleLocked()
	wasConnected := s.state == Connected
	if wasConnected {
		s.state = Moving
	} else {
		s.state = Connecting
	}
	s.expectedUntil = now.Add(m.cfg.ExpectedWindow)
	s.mu.Unlock()

	if wasConnected {
		m.attach.Disconnecting(s.GroupID)
	}

	err := m.conn.Join(ctx, s.GroupID, target)

	s.mu.Lock()
	s.routeLocked = false
	if err != nil {
		s.state = Disconnected
		s.currentChannelID = ""
		s.mu.Unlock()
		m.breaker.Failure()
		telemetry.RecordError(span, err)
		logger.Warn("join failed", slog.Any("err", err))
		return
	}
	s.state = Connected
	s.currentChannelID = target
	s.lastGoodChannelID = target
	s.lastTransitionAt = now
	s.mu.Unlock()

	m.breaker.Success()
	telemetry.SetSpanSuccess(span)
	telemetry.RouteMoves.Inc()
	logger.Info("moved")
	m.attach.Connected(ctx, s.GroupID, target)
}

// executeDisconnect tears the session down. force bypasses the cooldown and an already
// held route lock; only shutdown teardown uses it.
func (m *Manager) executeDisconnect(ctx context.Context, s *Session, reason string, force bool) {
	now := m.clk.Now()
	logger := m.logger.With(slog.String("group_id", s.GroupID), slog.String("reason", reason))

	s.mu.Lock()
	if s.state == Disconnected || s.state == Disconnecting {
		s.mu.Unlock()
		return
	}
	// Disconnects count as transitions for the cooldown, same as joins; the next probe
	// retries once the window passes.
	if !force && !s.lastTransitionAt.IsZero() && now.Sub(s.lastTransitionAt) < m.cfg.MoveCooldown {
		s.mu.Unlock()
		telemetry.RouteRefusedCooldown.Inc()
		logger.Debug("disconnect refused by cooldown")
		return
	}
	if !force && s.routeLocked {
		s.mu.Unlock()
		telemetry.RouteRefusedLocked.Inc()
		return
	}
	s.routeLocked = true
	s.routeLockedAt = now
	s.cancelIdleLocked()
	s.state = Disconnecting
	s.expectedUntil = now.Add(m.cfg.ExpectedWindow)
	s.mu.Unlock()

	// Pipelines are stopped before the connection drops out from under them.
	m.attach.Disconnecting(s.GroupID)

	err := m.conn.DestroyConnection(ctx, s.GroupID)

	s.mu.Lock()
	s.routeLocked = false
	s.state = Disconnected
	s.currentChannelID = ""
	s.lastTransitionAt = now
	s.mu.Unlock()

	if err != nil {
		logger.Warn("connection teardown error", slog.Any("err", err))
	}
	telemetry.RouteDisconnects.Inc()
	logger.Info("disconnected")
}
