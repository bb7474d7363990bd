// Package wav reads and writes 16-bit mono PCM in RIFF/WAV containers.
package wav

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	headerLen     = 44
	bitsPerSample = 16
	channels      = 1
)

var (
	// ErrInvalid is returned for data that is not a PCM16 WAV file.
	ErrInvalid = errors.New("wav: invalid file")
)

// Header returns a canonical 44-byte header for dataLen bytes of PCM16 mono.
func Header(dataLen, sampleRate int) []byte {
	buf := make([]byte, headerLen)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataLen))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], channels)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*channels*bitsPerSample/8))
	binary.LittleEndian.PutUint16(buf[32:34], channels*bitsPerSample/8)
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataLen))
	return buf
}

// Encode wraps pcm in a WAV container.
func Encode(pcm []byte, sampleRate int) []byte {
	out := make([]byte, 0, headerLen+len(pcm))
	out = append(out, Header(len(pcm), sampleRate)...)
	return append(out, pcm...)
}

// Decode returns the PCM payload and sample rate of a PCM16 mono WAV file.
// Chunks other than fmt and data are skipped.
func Decode(data []byte) ([]byte, int, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, ErrInvalid
	}
	rate := 0
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(data) {
				return nil, 0, ErrInvalid
			}
			format := binary.LittleEndian.Uint16(data[body:])
			ch := binary.LittleEndian.Uint16(data[body+2:])
			bits := binary.LittleEndian.Uint16(data[body+14:])
			if format != 1 || ch != channels || bits != bitsPerSample {
				return nil, 0, fmt.Errorf("%w: format=%d channels=%d bits=%d", ErrInvalid, format, ch, bits)
			}
			rate = int(binary.LittleEndian.Uint32(data[body+4:]))
		case "data":
			if rate == 0 {
				return nil, 0, fmt.Errorf("%w: data before fmt", ErrInvalid)
			}
			end := body + size
			if end > len(data) {
				end = len(data)
			}
			return data[body:end], rate, nil
		}
		off = body + size + size%2
	}
	return nil, 0, fmt.Errorf("%w: no data chunk", ErrInvalid)
}

// Writer streams PCM16 into a WAV file and fixes the header sizes on Close.
type Writer struct {
	f          *os.File
	sampleRate int
	n          int
}

// Create opens path for writing.
func Create(path string, sampleRate int) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("wav: create %s: %w", path, err)
	}
	if _, err := f.Write(Header(0, sampleRate)); err != nil {
		f.Close()
		return nil, fmt.Errorf("wav: write header: %w", err)
	}
	return &Writer{f: f, sampleRate: sampleRate}, nil
}

// Write appends PCM bytes.
func (w *Writer) Write(pcm []byte) (int, error) {
	n, err := w.f.Write(pcm)
	w.n += n
	return n, err
}

// Len returns the PCM bytes written so far.
func (w *Writer) Len() int {
	return w.n
}

// Path returns the file path.
func (w *Writer) Path() string {
	return w.f.Name()
}

// Close rewrites the header with the final sizes and closes the file.
func (w *Writer) Close() error {
	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		w.f.Close()
		return err
	}
	if _, err := w.f.Write(Header(w.n, w.sampleRate)); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}
