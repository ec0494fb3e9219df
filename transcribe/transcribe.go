// Package transcribe isolates audio conversion and speech-to-text behind a small
// adapter, so the capture engine never depends on process spawning or model details.
package transcribe

import (
	"context"
	"strings"
)

// Adapter converts a raw capture into the standard container and transcribes it.
// Transcribe returns "" (no error) when the audio contained no recognizable speech.
type Adapter interface {
	Convert(ctx context.Context, rawPath string) (standardPath string, err error)
	Transcribe(ctx context.Context, standardPath string) (text string, err error)
}

// IsTransient classifies adapter errors worth retrying: resource pressure and flaky
// process startup, not malformed input.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"resource temporarily unavailable",
		"cannot allocate memory",
		"too many open files",
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
	} {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}
