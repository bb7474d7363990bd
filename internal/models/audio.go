package models

import (
	"fmt"
	"time"
)

// Codec identifies the encoding of inbound device audio.
type Codec string

const (
	CodecPCM8      Codec = "pcm8"
	CodecPCM16     Codec = "pcm16"
	CodecOpus      Codec = "opus"
	CodecOpusFS320 Codec = "opus_fs320"
)

// ParseCodec validates a codec name from connection parameters.
func ParseCodec(s string) (Codec, error) {
	switch c := Codec(s); c {
	case CodecPCM8, CodecPCM16, CodecOpus, CodecOpusFS320:
		return c, nil
	default:
		return "", fmt.Errorf("unsupported codec %q", s)
	}
}

// IsOpus reports whether the codec belongs to the Opus family.
func (c Codec) IsOpus() bool {
	return c == CodecOpus || c == CodecOpusFS320
}

// AudioFrame is an opaque byte run read from the client socket.
type AudioFrame struct {
	ReceivedAt time.Time
	Payload    []byte
	Codec      Codec
}

// PCMWindow is a chunk of 16-bit little-endian mono PCM.
// Start is the session-relative time of the first sample in seconds.
type PCMWindow struct {
	Start      float64
	SampleRate int
	Samples    []byte
}

// SampleCount returns the number of 16-bit samples in the window.
func (w PCMWindow) SampleCount() int {
	return len(w.Samples) / 2
}

// Duration returns the window length in seconds.
func (w PCMWindow) Duration() float64 {
	if w.SampleRate <= 0 {
		return 0
	}
	return float64(w.SampleCount()) / float64(w.SampleRate)
}

// End returns the session-relative time just past the last sample.
func (w PCMWindow) End() float64 {
	return w.Start + w.Duration()
}

// BytesPerSecond returns the PCM16 mono byte rate for a sample rate.
func BytesPerSecond(sampleRate int) int {
	return sampleRate * 2
}
