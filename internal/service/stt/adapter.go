// Package stt defines the speech-to-text provider protocol and the per-session
// Stream supervisor that adds backpressure, reconnection, ordering and time
// mapping on top of any provider Adapter.
package stt

import (
	"context"
	"errors"

	"realtime-transcription-service/internal/models"
)

var (
	// ErrClosed is returned by adapters used after Close.
	ErrClosed = errors.New("stt: adapter closed")
	// ErrNotStarted is returned by adapters used before Start.
	ErrNotStarted = errors.New("stt: adapter not started")
	// ErrExhausted is reported when the reconnect budget is spent.
	ErrExhausted = errors.New("stt: reconnect attempts exhausted")
	// ErrStreamClosed is returned by Stream operations after Close.
	ErrStreamClosed = errors.New("stt: stream closed")
	// ErrUnknownProvider is returned by the registry for unregistered names.
	ErrUnknownProvider = errors.New("stt: unknown provider")
)

// Config is the per-connection provider configuration.
type Config struct {
	Provider       string
	Model          string
	Language       string // "multi" enables provider-side language detection
	SampleRate     int
	Keywords       []string
	Diarize        bool
	InterimResults bool
}

// Multilingual reports whether provider-side language identification is on.
func (c Config) Multilingual() bool {
	return c.Language == "multi"
}

// Callback receives provider results.
type Callback interface {
	// OnWords delivers one provider result. Times are seconds relative to the
	// first byte sent on this connection. A batch is either all final or all
	// tentative.
	OnWords(words []models.Word)

	// OnFlushed signals that the provider finished processing a Finalize.
	OnFlushed()

	// OnError reports that the connection is broken. No callbacks follow it.
	OnError(err error)
}

// Adapter is one provider connection. Adapters are single-use: Start once,
// then Close. SendAudio, Finalize and KeepAlive are called from one goroutine.
type Adapter interface {
	Start(ctx context.Context, cfg Config, cb Callback) error
	SendAudio(ctx context.Context, pcm []byte) error
	Finalize(ctx context.Context) error
	KeepAlive(ctx context.Context) error
	Close() error
}

// Factory builds a fresh Adapter for each connection attempt.
type Factory func() Adapter

// BatchTranscriber transcribes a complete recording in one request.
type BatchTranscriber interface {
	Transcribe(ctx context.Context, cfg Config, pcm []byte) ([]models.Word, error)
}
