// Package codec converts device audio frames into canonical PCM16 mono windows.
package codec

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"layeh.com/gopus"

	"realtime-transcription-service/internal/models"
	"realtime-transcription-service/internal/observability/metrics"
)

const (
	// devicePrefixLen is the sequence/index header the device puts in front
	// of every Opus packet.
	devicePrefixLen = 3
	// keepaliveMaxLen: frames this short are device pings, not audio.
	keepaliveMaxLen = 2
	// failuresBeforeFault is the consecutive failure count that marks the
	// session as degraded.
	failuresBeforeFault = 3

	frameSizeOpus      = 160
	frameSizeOpusFS320 = 320
)

var (
	// ErrCodecFault is returned once consecutive failures outlast the fault window.
	ErrCodecFault = errors.New("codec: sustained decode failures")
	// ErrMalformedFrame marks a frame that was dropped.
	ErrMalformedFrame = errors.New("codec: malformed frame")
	// ErrUnsupportedSampleRate is returned by New for rates other than 8 and 16 kHz.
	ErrUnsupportedSampleRate = errors.New("codec: unsupported sample rate")
	// ErrClosed is returned by Decode after Close.
	ErrClosed = errors.New("codec: decoder closed")
)

// opusDecoder is the subset of *gopus.Decoder in use.
type opusDecoder interface {
	Decode(data []byte, frameSize int, fec bool) ([]int16, error)
}

// Options tunes a Decoder.
type Options struct {
	FaultWindow time.Duration
	Clock       func() time.Time
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

// Stats is a snapshot of decoder counters.
type Stats struct {
	Frames     int
	Keepalives int
	Dropped    int
}

// Decoder holds per-session codec state. It is not safe for concurrent use.
type Decoder struct {
	codec       models.Codec
	sampleRate  int
	frameSize   int
	opus        opusDecoder
	faultWindow time.Duration
	now         func() time.Time
	logger      zerolog.Logger
	metrics     *metrics.Metrics

	samples      int64 // samples emitted so far; drives window start times
	consecutive  int
	firstFailure time.Time
	degraded     bool
	stats        Stats
	closed       bool
}

// New creates the decoder for one session. pcm8 always runs at 8 kHz.
func New(codec models.Codec, sampleRate int, opts Options) (*Decoder, error) {
	if codec == models.CodecPCM8 {
		sampleRate = 8000
	}
	if sampleRate != 8000 && sampleRate != 16000 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedSampleRate, sampleRate)
	}

	var opus opusDecoder
	frameSize := 0
	switch codec {
	case models.CodecPCM8, models.CodecPCM16:
	case models.CodecOpus, models.CodecOpusFS320:
		dec, err := gopus.NewDecoder(sampleRate, 1)
		if err != nil {
			return nil, fmt.Errorf("codec: create opus decoder: %w", err)
		}
		opus = dec
		frameSize = frameSizeOpus
		if codec == models.CodecOpusFS320 {
			frameSize = frameSizeOpusFS320
		}
	default:
		return nil, fmt.Errorf("codec: unsupported codec %q", codec)
	}
	return newDecoder(codec, sampleRate, frameSize, opus, opts), nil
}

func newDecoder(codec models.Codec, sampleRate, frameSize int, opus opusDecoder, opts Options) *Decoder {
	if opts.FaultWindow <= 0 {
		opts.FaultWindow = 2 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.DefaultMetrics
	}
	return &Decoder{
		codec:       codec,
		sampleRate:  sampleRate,
		frameSize:   frameSize,
		opus:        opus,
		faultWindow: opts.FaultWindow,
		now:         opts.Clock,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
	}
}

// SampleRate returns the rate of emitted windows.
func (d *Decoder) SampleRate() int {
	return d.sampleRate
}

// Elapsed returns the session-relative time just past the last emitted sample.
func (d *Decoder) Elapsed() float64 {
	return float64(d.samples) / float64(d.sampleRate)
}

// Stats returns the decoder counters.
func (d *Decoder) Stats() Stats {
	return d.stats
}

// Decode converts one frame. ok is false when the frame produced no audio
// (keepalive, empty decode, or a dropped malformed frame). A malformed frame
// returns ErrMalformedFrame; once failures persist past the fault window it
// returns ErrCodecFault, which is fatal to the session.
func (d *Decoder) Decode(frame models.AudioFrame) (models.PCMWindow, bool, error) {
	if d.closed {
		return models.PCMWindow{}, false, ErrClosed
	}
	if len(frame.Payload) <= keepaliveMaxLen {
		d.stats.Keepalives++
		return models.PCMWindow{}, false, nil
	}
	d.stats.Frames++

	pcm, err := d.decode(frame.Payload)
	if err != nil {
		return models.PCMWindow{}, false, d.fail(err)
	}
	d.recover()
	if len(pcm) == 0 {
		return models.PCMWindow{}, false, nil
	}

	w := models.PCMWindow{
		Start:      d.Elapsed(),
		SampleRate: d.sampleRate,
		Samples:    pcm,
	}
	d.samples += int64(len(pcm) / 2)
	return w, true, nil
}

func (d *Decoder) decode(payload []byte) ([]byte, error) {
	if d.opus == nil {
		if len(payload)%2 != 0 {
			return nil, fmt.Errorf("odd pcm16 length %d", len(payload))
		}
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil
	}

	if len(payload) <= devicePrefixLen {
		return nil, fmt.Errorf("opus packet shorter than device prefix: %d", len(payload))
	}
	samples, err := d.opus.Decode(payload[devicePrefixLen:], d.frameSize, false)
	if err != nil {
		return nil, err
	}
	return int16sToBytes(samples), nil
}

func (d *Decoder) fail(cause error) error {
	d.stats.Dropped++
	d.metrics.RecordCodecFailure(string(d.codec))

	now := d.now()
	if d.consecutive == 0 {
		d.firstFailure = now
	}
	d.consecutive++

	if d.consecutive >= failuresBeforeFault && !d.degraded {
		d.degraded = true
		d.logger.Warn().
			Err(cause).
			Str("codec", string(d.codec)).
			Int("consecutiveFailures", d.consecutive).
			Msg("Decoder degraded")
	}
	if d.degraded && now.Sub(d.firstFailure) > d.faultWindow {
		return fmt.Errorf("%w: %d failures over %s: %v", ErrCodecFault, d.consecutive, now.Sub(d.firstFailure), cause)
	}
	return fmt.Errorf("%w: %v", ErrMalformedFrame, cause)
}

func (d *Decoder) recover() {
	if d.degraded {
		d.logger.Info().
			Int("consecutiveFailures", d.consecutive).
			Msg("Decoder recovered")
	}
	d.consecutive = 0
	d.degraded = false
}

// Close releases the codec state.
func (d *Decoder) Close() {
	d.closed = true
	d.opus = nil
}

// int16sToBytes converts samples to little-endian PCM16 bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}
