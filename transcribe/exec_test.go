package transcribe

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeRawPCM(t *testing.T, dir string, samples []int16) string {
	t.Helper()
	path := filepath.Join(dir, "u_c_1700000000000.pcm")
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestConvertNative(t *testing.T) {
	dir := t.TempDir()
	raw := writeRawPCM(t, dir, []int16{10, -10, 500, -500})

	a := &ExecAdapter{SampleRate: 16000}
	out, err := a.Convert(context.Background(), raw)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if filepath.Ext(out) != ".wav" {
		t.Errorf("out = %q, want .wav", out)
	}
	b, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read converted: %v", err)
	}
	if len(b) != 44+8 {
		t.Errorf("wav size = %d, want 52", len(b))
	}
	if got := binary.LittleEndian.Uint32(b[40:44]); got != 8 {
		t.Errorf("data chunk size = %d, want 8", got)
	}
	if got := binary.LittleEndian.Uint32(b[24:28]); got != 16000 {
		t.Errorf("sample rate = %d, want 16000", got)
	}
}

func TestConvertNativeMissingInput(t *testing.T) {
	a := &ExecAdapter{}
	if _, err := a.Convert(context.Background(), filepath.Join(t.TempDir(), "absent.pcm")); err == nil {
		t.Error("Convert accepted missing input")
	}
}

func TestTranscribeDisabled(t *testing.T) {
	a := &ExecAdapter{}
	text, err := a.Transcribe(context.Background(), "whatever.wav")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "" {
		t.Errorf("text = %q, want empty for disabled transcriber", text)
	}
}

func TestTranscribeExec(t *testing.T) {
	// Use a shell echo as a stand-in transcriber; it prints its argument.
	a := &ExecAdapter{TranscribeCmd: "echo hello from"}
	text, err := a.Transcribe(context.Background(), "clip.wav")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "hello from clip.wav" {
		t.Errorf("text = %q", text)
	}
}

func TestTranscribeExecFailure(t *testing.T) {
	a := &ExecAdapter{TranscribeCmd: "false"}
	if _, err := a.Transcribe(context.Background(), "clip.wav"); err == nil {
		t.Error("Transcribe ignored command failure")
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"oom", errors.New("fork/exec: cannot allocate memory"), true},
		{"fd exhaustion", errors.New("open: too many open files"), true},
		{"timeout", errors.New("context deadline exceeded: timeout"), true},
		{"bad input", errors.New("invalid data found when processing input"), false},
		{"missing binary", errors.New("exec: \"whisper\": executable file not found"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
