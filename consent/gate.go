package consent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/voicewarden/platform"
)

// RequestText is the message delivered when asking for capture consent.
const RequestText = "This server transcribes voice activity. Reply with the consent command " +
	"to allow your audio to be captured; until then you are muted in monitored channels."

// Gate decides whether a user may be captured and, when consent is absent, launches the
// request flow: a descending-priority delivery chain plus a temporary mute.
type Gate struct {
	Store     Store
	Messenger platform.Messenger
	Muter     platform.Muter
	Logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]time.Time // userID -> when we last asked
}

// Allowed reports whether the user has granted consent. When no record exists the request
// flow is triggered (at most once per pendingTTL per user) and false is returned. A store
// failure degrades to false: never capture on uncertain consent.
func (g *Gate) Allowed(ctx context.Context, groupID, userID, channelID string) bool {
	ok, err := g.Store.HasConsented(ctx, userID)
	if err != nil {
		g.logger().Warn("consent lookup failed; treating as not granted",
			slog.String("user_id", userID), slog.Any("err", err))
		return false
	}
	if ok {
		return true
	}
	g.request(ctx, groupID, userID, channelID)
	return false
}

// OnGranted records the grant and lifts any pending mute.
func (g *Gate) OnGranted(ctx context.Context, groupID, userID string) error {
	if err := g.Store.Grant(ctx, userID); err != nil {
		return err
	}
	g.mu.Lock()
	delete(g.pending, userID)
	g.mu.Unlock()
	if g.Muter != nil {
		if err := g.Muter.Unmute(ctx, groupID, userID); err != nil {
			g.logger().Warn("unmute after consent failed",
				slog.String("user_id", userID), slog.Any("err", err))
		}
	}
	g.logger().Info("consent granted", slog.String("user_id", userID), slog.String("group_id", groupID))
	return nil
}

// OnRevoked records the revocation. Live pipelines are not interrupted mid-utterance; the
// next speaking-start simply finds no consent.
func (g *Gate) OnRevoked(ctx context.Context, userID string) error {
	if err := g.Store.Revoke(ctx, userID); err != nil {
		return err
	}
	g.mu.Lock()
	delete(g.pending, userID)
	g.mu.Unlock()
	g.logger().Info("consent revoked", slog.String("user_id", userID))
	return nil
}

// request delivers the consent prompt over the first surface that works:
// direct message, then the room's text surface, then the most recent channel with
// history, then the first public channel with history, then the group default.
func (g *Gate) request(ctx context.Context, groupID, userID, channelID string) {
	g.mu.Lock()
	if g.pending == nil {
		g.pending = make(map[string]time.Time)
	}
	if asked, ok := g.pending[userID]; ok && time.Since(asked) < pendingTTL {
		g.mu.Unlock()
		return
	}
	g.pending[userID] = time.Now()
	g.mu.Unlock()

	logger := g.logger().With(slog.String("user_id", userID), slog.String("group_id", groupID))

	delivered := false
	if err := g.Messenger.SendDirect(ctx, userID, RequestText); err == nil {
		delivered = true
		logger.Info("consent request delivered", slog.String("surface", "direct"))
	} else {
		logger.Debug("consent DM failed; falling through", slog.Any("err", err))
		for _, target := range g.fallbackChannels(ctx, groupID, channelID, logger) {
			if target == "" {
				continue
			}
			if err := g.Messenger.SendToChannel(ctx, groupID, target, RequestText); err == nil {
				delivered = true
				logger.Info("consent request delivered",
					slog.String("surface", "channel"), slog.String("channel_id", target))
				break
			}
		}
	}
	if !delivered {
		logger.Warn("consent request undeliverable on every surface")
	}

	if g.Muter != nil {
		if err := g.Muter.Mute(ctx, groupID, userID); err != nil {
			logger.Warn("pending-consent mute failed", slog.Any("err", err))
		}
	}
}

func (g *Gate) fallbackChannels(ctx context.Context, groupID, channelID string, logger *slog.Logger) []string {
	targets := []string{channelID}
	if id, err := g.Messenger.RecentTextChannel(ctx, groupID); err == nil {
		targets = append(targets, id)
	} else {
		logger.Debug("recent text channel lookup failed", slog.Any("err", err))
	}
	if id, err := g.Messenger.FirstPublicChannel(ctx, groupID); err == nil {
		targets = append(targets, id)
	} else {
		logger.Debug("first public channel lookup failed", slog.Any("err", err))
	}
	if id, err := g.Messenger.DefaultChannel(ctx, groupID); err == nil {
		targets = append(targets, id)
	} else {
		logger.Debug("default channel lookup failed", slog.Any("err", err))
	}
	return targets
}

func (g *Gate) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default().With(slog.String("component", "consent_gate"))
}
