package transcribe

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/onnwee/voicewarden/artifact"
	"github.com/onnwee/voicewarden/audio"
)

// ExecAdapter shells out to external tools: an ffmpeg-style converter and a
// whisper-style transcriber. Empty command strings select built-in fallbacks: native
// WAV wrapping for conversion, and a disabled (always-empty) transcriber.
type ExecAdapter struct {
	ConvertCmd    string
	TranscribeCmd string
	SampleRate    int
}

func (a *ExecAdapter) rate() int {
	if a.SampleRate > 0 {
		return a.SampleRate
	}
	return audio.SampleRate
}

// Convert produces the standard-format sibling of rawPath. Raw artifacts are mono
// PCM-16LE; the external converter is invoked when configured, else the samples are
// wrapped in a WAV container in-process.
func (a *ExecAdapter) Convert(ctx context.Context, rawPath string) (string, error) {
	out := artifact.StandardPath(rawPath)
	if a.ConvertCmd == "" {
		if err := wrapPCM(rawPath, out, a.rate()); err != nil {
			return "", err
		}
		return out, nil
	}

	cmd := exec.CommandContext(ctx, a.ConvertCmd,
		"-f", "s16le",
		"-ar", strconv.Itoa(a.rate()),
		"-ac", "1",
		"-i", rawPath,
		"-y", out,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("convert %s: %w: %s", rawPath, err, firstLine(stderr.String()))
	}
	return out, nil
}

// Transcribe runs the external transcriber against the standard artifact and returns its
// trimmed stdout. An unconfigured transcriber yields "" so transcription degrades to a
// no-op rather than an error.
func (a *ExecAdapter) Transcribe(ctx context.Context, standardPath string) (string, error) {
	if a.TranscribeCmd == "" {
		return "", nil
	}
	parts := strings.Fields(a.TranscribeCmd)
	args := append(parts[1:], standardPath)
	cmd := exec.CommandContext(ctx, parts[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("transcribe %s: %w: %s", standardPath, err, firstLine(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// wrapPCM streams rawPath's samples into a WAV file at outPath.
func wrapPCM(rawPath, outPath string, sampleRate int) error {
	in, err := os.Open(rawPath)
	if err != nil {
		return fmt.Errorf("open raw artifact: %w", err)
	}
	defer in.Close()

	w, err := audio.NewFileWriter(outPath, sampleRate)
	if err != nil {
		return err
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			// A trailing odd byte means a torn final sample; drop it.
			n -= n % 2
			samples := make([]int16, n/2)
			for i := range samples {
				samples[i] = int16(binary.LittleEndian.Uint16(buf[i*2:]))
			}
			if werr := w.Append(samples); werr != nil {
				w.Close()
				return werr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			w.Close()
			return fmt.Errorf("read raw artifact: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return err
	}
	slog.Debug("wrapped raw capture", slog.String("out", outPath), slog.String("component", "transcribe"))
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
