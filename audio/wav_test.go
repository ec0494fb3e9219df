package audio

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteWAVHeader(t *testing.T) {
	var buf bytes.Buffer
	samples := []int16{0, 100, -100, 32000}
	if err := WriteWAV(&buf, samples, 48000); err != nil {
		t.Fatalf("WriteWAV: %v", err)
	}
	b := buf.Bytes()
	if len(b) != 44+len(samples)*2 {
		t.Fatalf("wav length = %d, want %d", len(b), 44+len(samples)*2)
	}
	if string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		t.Error("missing RIFF/WAVE magic")
	}
	dataSize := binary.LittleEndian.Uint32(b[40:44])
	if dataSize != uint32(len(samples)*2) {
		t.Errorf("data size = %d, want %d", dataSize, len(samples)*2)
	}
	rate := binary.LittleEndian.Uint32(b[24:28])
	if rate != 48000 {
		t.Errorf("sample rate = %d, want 48000", rate)
	}
}

func TestWriteWAVBadRate(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteWAV(&buf, []int16{1}, 0); err == nil {
		t.Error("WriteWAV accepted zero sample rate")
	}
}

func TestFileWriterRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	w, err := NewFileWriter(path, 16000)
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}
	if err := w.Append([]int16{1, 2, 3}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Append([]int16{4, 5}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if w.Len() != 10 {
		t.Errorf("Len = %d, want 10", w.Len())
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Close is idempotent.
	if err := w.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(b) != 44+10 {
		t.Fatalf("file length = %d, want 54", len(b))
	}
	if got := binary.LittleEndian.Uint32(b[40:44]); got != 10 {
		t.Errorf("finalized data size = %d, want 10", got)
	}
	if err := w.Append([]int16{9}); err == nil {
		t.Error("Append after Close succeeded")
	}
}

func TestPCM16Decoder(t *testing.T) {
	d := PCM16Decoder{}
	frame := []byte{0x01, 0x00, 0xFF, 0xFF} // 1, -1
	samples, err := d.Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(samples) != 2 || samples[0] != 1 || samples[1] != -1 {
		t.Errorf("samples = %v, want [1 -1]", samples)
	}
	if _, err := d.Decode([]byte{0x01}); err == nil {
		t.Error("Decode accepted odd-length frame")
	}
}

func TestRMS(t *testing.T) {
	if got := RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %f", got)
	}
	if got := RMS([]int16{0, 0, 0}); got != 0 {
		t.Errorf("RMS(zeros) = %f", got)
	}
	full := []int16{math.MaxInt16, math.MaxInt16}
	if got := RMS(full); math.Abs(got-1.0) > 0.001 {
		t.Errorf("RMS(full scale) = %f, want ~1.0", got)
	}
	quiet := RMS([]int16{100, -100, 100, -100})
	loud := RMS([]int16{20000, -20000, 20000, -20000})
	if quiet >= loud {
		t.Errorf("RMS ordering wrong: quiet %f >= loud %f", quiet, loud)
	}
}
