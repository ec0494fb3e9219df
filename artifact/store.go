// Package artifact manages the sandboxed lifecycle of capture temp files: deterministic
// naming, in-use tracking, stale-file sweeping, and deletion that escalates through
// backoff and tombstone-rename before ever giving up.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// RawExt is the extension for raw capture artifacts, StandardExt for converted ones.
	RawExt      = ".pcm"
	StandardExt = ".wav"

	tombstoneExt = ".tomb"
)

// Store owns one sandboxed root directory. Deletion is only ever permitted for paths
// resolving inside that root.
type Store struct {
	root string

	mu    sync.Mutex
	inUse map[string]struct{}
}

// NewStore creates the root directory if needed and returns a store rooted there.
func NewStore(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &Store{root: abs, inUse: make(map[string]struct{})}, nil
}

// Root returns the absolute sandbox root.
func (s *Store) Root() string { return s.root }

// RawPath builds the deterministic raw artifact path for one capture activation. The
// creation timestamp is embedded so the sweep can judge staleness without trusting mtime.
func (s *Store) RawPath(userID, captureID string, now time.Time) string {
	name := fmt.Sprintf("%s_%s_%d%s", sanitize(userID), sanitize(captureID), now.UnixMilli(), RawExt)
	return filepath.Join(s.root, name)
}

// StandardPath is the converted-artifact counterpart of a raw path.
func StandardPath(rawPath string) string {
	return strings.TrimSuffix(rawPath, filepath.Ext(rawPath)) + StandardExt
}

// MarkInUse registers a path as referenced by a live pipeline, shielding it from the
// sweep.
func (s *Store) MarkInUse(path string) {
	s.mu.Lock()
	s.inUse[filepath.Clean(path)] = struct{}{}
	s.mu.Unlock()
}

// Release removes the in-use registration.
func (s *Store) Release(path string) {
	s.mu.Lock()
	delete(s.inUse, filepath.Clean(path))
	s.mu.Unlock()
}

func (s *Store) isInUse(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inUse[filepath.Clean(path)]
	return ok
}

// Contains reports whether path resolves inside the sandbox root.
func (s *Store) Contains(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(s.root, abs)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Stats returns the artifact count and total bytes currently under the root.
func (s *Store) Stats() (files int, bytes int64) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, 0
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		files++
		if info, err := e.Info(); err == nil {
			bytes += info.Size()
		}
	}
	return files, bytes
}

// birthTime extracts the embedded creation timestamp from an artifact filename, falling
// back to file modification time for names that don't carry one (tombstones, strays).
func birthTime(path string, info os.FileInfo) time.Time {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if i := strings.LastIndex(base, "_"); i >= 0 {
		if ms, err := strconv.ParseInt(base[i+1:], 10, 64); err == nil && ms > 0 {
			return time.UnixMilli(ms)
		}
	}
	return info.ModTime()
}

// sanitize keeps ids filesystem-safe without losing determinism.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '-'
		}
	}, s)
}
