package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// wavHeader is the 44-byte canonical PCM WAV header.
type wavHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // file size - 8
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32
}

func newWAVHeader(sampleRate int, dataSize uint32) wavHeader {
	const channels, bits = 1, 16
	return wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   channels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * channels * bits / 8,
		BlockAlign:    channels * bits / 8,
		BitsPerSample: bits,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
}

// WriteWAV writes mono PCM-16 samples as a complete WAV file to w.
func WriteWAV(w io.Writer, samples []int16, sampleRate int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	header := newWAVHeader(sampleRate, uint32(len(samples)*2))
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("write wav header: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, samples); err != nil {
		return fmt.Errorf("write wav data: %w", err)
	}
	return nil
}

// FileWriter streams PCM-16 samples into a WAV file. The header is written up front with
// a zero data size and rewritten with real sizes on Close, so a crashed writer leaves an
// identifiable (and sweepable) torso rather than a silently truncated file.
type FileWriter struct {
	f          *os.File
	sampleRate int
	dataBytes  uint32
	closed     bool
}

// NewFileWriter creates path (truncating an existing file) and writes the provisional
// header.
func NewFileWriter(path string, sampleRate int) (*FileWriter, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create wav file: %w", err)
	}
	if err := binary.Write(f, binary.LittleEndian, newWAVHeader(sampleRate, 0)); err != nil {
		f.Close()
		return nil, fmt.Errorf("write provisional header: %w", err)
	}
	return &FileWriter{f: f, sampleRate: sampleRate}, nil
}

// Append writes samples to the data chunk.
func (w *FileWriter) Append(samples []int16) error {
	if w.closed {
		return fmt.Errorf("append to closed wav writer")
	}
	if len(samples) == 0 {
		return nil
	}
	if err := binary.Write(w.f, binary.LittleEndian, samples); err != nil {
		return fmt.Errorf("append wav data: %w", err)
	}
	w.dataBytes += uint32(len(samples) * 2)
	return nil
}

// Len returns the bytes of PCM data appended so far.
func (w *FileWriter) Len() int64 { return int64(w.dataBytes) }

// Close rewrites the header with final sizes, syncs, and closes the file. Idempotent.
func (w *FileWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		w.f.Close()
		return fmt.Errorf("seek for header rewrite: %w", err)
	}
	if err := binary.Write(w.f, binary.LittleEndian, newWAVHeader(w.sampleRate, w.dataBytes)); err != nil {
		w.f.Close()
		return fmt.Errorf("rewrite wav header: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return fmt.Errorf("sync wav file: %w", err)
	}
	return w.f.Close()
}
