package artifact

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/onnwee/voicewarden/db"
	"github.com/onnwee/voicewarden/telemetry"
)

// SweepPolicy shapes the background staleness sweep.
type SweepPolicy struct {
	// Staleness: artifacts older than this are eligible for deletion.
	Staleness time.Duration
	// Interval: how often the sweep runs.
	Interval time.Duration
	// DryRun: log candidates without deleting.
	DryRun bool
}

// StartSweepJob runs the staleness sweep on a fixed interval until ctx is cancelled.
// dbc is optional; when present the last-run stamp is recorded in the kv table.
func (s *Store) StartSweepJob(ctx context.Context, dbc *sql.DB, policy SweepPolicy) {
	logger := slog.Default().With(slog.String("component", "artifact_sweep"))
	logger.Info("artifact sweep starting",
		slog.String("root", s.root),
		slog.Duration("staleness", policy.Staleness),
		slog.Duration("interval", policy.Interval),
		slog.Bool("dry_run", policy.DryRun))

	// Immediate first run so restarts don't wait a full interval to reclaim space.
	s.sweepOnce(ctx, dbc, policy, logger)

	ticker := time.NewTicker(policy.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("artifact sweep stopped")
			return
		case <-ticker.C:
			s.sweepOnce(ctx, dbc, policy, logger)
		}
	}
}

// sweepOnce deletes every stale, not-in-use artifact under the root. Tombstones from
// earlier failed deletions are always candidates regardless of age.
func (s *Store) sweepOnce(ctx context.Context, dbc *sql.DB, policy SweepPolicy, logger *slog.Logger) {
	if dbc != nil {
		if err := db.SetKV(ctx, dbc, "job_artifact_sweep_last", time.Now().UTC().Format(time.RFC3339)); err != nil {
			logger.Debug("sweep stamp write failed", slog.Any("err", err))
		}
	}

	entries, err := os.ReadDir(s.root)
	if err != nil {
		logger.Warn("sweep read root failed", slog.Any("err", err))
		return
	}

	cutoff := time.Now().Add(-policy.Staleness)
	deleted := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		if e.IsDir() {
			continue
		}
		path := filepath.Join(s.root, e.Name())
		if s.isInUse(path) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		tombstoned := isTombstone(e.Name())
		if !tombstoned && birthTime(path, info).After(cutoff) {
			continue
		}
		if policy.DryRun {
			logger.Info("sweep candidate (dry run)",
				slog.String("path", path), slog.Bool("tombstone", tombstoned))
			continue
		}
		if err := s.Delete(ctx, path); err == nil {
			deleted++
			telemetry.ArtifactsSwept.Inc()
		}
	}

	if deleted > 0 {
		logger.Info("sweep cycle complete", slog.Int("deleted", deleted))
	}
}

// isTombstone matches the "<orig>.tomb-xxxxxxxx" names left by failed Delete escalations.
func isTombstone(name string) bool {
	return strings.Contains(name, tombstoneExt+"-")
}
