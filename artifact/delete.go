package artifact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/onnwee/voicewarden/retry"
	"github.com/onnwee/voicewarden/telemetry"
)

// ErrOutsideRoot rejects any deletion whose target does not resolve inside the sandbox.
var ErrOutsideRoot = errors.New("path resolves outside artifact root")

// Delete removes one artifact. Missing files count as success. Transient lock errors are
// retried with exponential backoff; if the file is still stuck it is renamed to a
// tombstone and force-removed, and as the terminal fallback the leak is logged and
// counted rather than surfaced as a crash.
func (s *Store) Delete(ctx context.Context, path string) error {
	if !s.Contains(path) {
		return fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}

	opts := retry.Defaults()
	opts.Retryable = isTransientFSError
	err := retry.Do(ctx, opts, func() error {
		err := os.Remove(path)
		if err == nil || errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	})
	if err == nil {
		return nil
	}

	// Escalation: a rename usually succeeds even while a straggling handle blocks the
	// unlink, and the tombstone is picked up by a later sweep if the removal fails too.
	tomb := path + tombstoneExt + "-" + uuid.NewString()[:8]
	if renameErr := os.Rename(path, tomb); renameErr == nil {
		if rmErr := os.Remove(tomb); rmErr == nil || errors.Is(rmErr, os.ErrNotExist) {
			return nil
		}
		path = tomb
	}

	telemetry.ArtifactsLeaked.Inc()
	slog.Warn("abandoning undeletable artifact",
		slog.String("component", "artifact_store"),
		slog.String("path", path),
		slog.Any("err", err))
	return fmt.Errorf("delete artifact %s: %w", path, err)
}

// DeleteQuiet is Delete for cleanup paths that must not propagate errors; the failure is
// already logged and counted inside Delete.
func (s *Store) DeleteQuiet(ctx context.Context, path string) {
	_ = s.Delete(ctx, path)
}

// isTransientFSError matches lock/busy conditions worth retrying. Anything else (missing
// directories, permission structure problems) fails fast.
func isTransientFSError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrPermission) {
		return true
	}
	lower := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"resource busy",
		"device or resource busy",
		"being used by another process",
		"sharing violation",
		"text file busy",
		"too many open files",
	} {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}
