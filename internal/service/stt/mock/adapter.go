// Package mock provides a scripted STT adapter for development and tests.
// It simulates a streaming provider: tentative words grow as audio arrives,
// exactly one final batch closes each utterance, and Finalize flushes any
// utterance in progress.
package mock

import (
	"context"
	"strings"
	"sync"

	"realtime-transcription-service/internal/models"
	"realtime-transcription-service/internal/service/stt"
)

// DefaultStepSeconds is the audio needed to advance the script one step.
const DefaultStepSeconds = 0.5

// Utterance is one scripted utterance.
type Utterance struct {
	Speaker    string
	Partials   []string // progressive tentative transcripts
	Final      string
	Confidence float64
}

// DefaultUtterances is the script used by New.
var DefaultUtterances = []Utterance{
	{
		Speaker:    "SPEAKER_00",
		Partials:   []string{"Good", "Good morning", "Good morning everyone"},
		Final:      "Good morning everyone, thanks for joining.",
		Confidence: 0.94,
	},
	{
		Speaker:    "SPEAKER_01",
		Partials:   []string{"Happy", "Happy to"},
		Final:      "Happy to be here.",
		Confidence: 0.97,
	},
	{
		Speaker:    "SPEAKER_00",
		Partials:   []string{"Let's", "Let's start", "Let's start with"},
		Final:      "Let's start with the roadmap.",
		Confidence: 0.91,
	},
	{
		Speaker:    "SPEAKER_01",
		Partials:   []string{"Sounds"},
		Final:      "Sounds good to me.",
		Confidence: 0.98,
	},
}

// Adapter implements stt.Adapter with scripted responses.
type Adapter struct {
	StepSeconds float64

	mu        sync.Mutex
	cb        stt.Callback
	cfg       stt.Config
	script    []Utterance
	idx       int
	step      int     // partials emitted for the current utterance
	uttStart  float64 // provider time the current utterance began
	cursor    float64 // provider seconds received
	pending   float64 // seconds received since the last step
	started   bool
	closed    bool
	finalized int
}

// New creates an adapter that cycles through DefaultUtterances.
func New() *Adapter {
	return NewWithScript(DefaultUtterances)
}

// NewWithScript creates an adapter that cycles through script.
func NewWithScript(script []Utterance) *Adapter {
	return &Adapter{StepSeconds: DefaultStepSeconds, script: script}
}

// Factory returns an stt.Factory producing fresh mock adapters.
func Factory(script []Utterance) stt.Factory {
	return func() stt.Adapter { return NewWithScript(script) }
}

// Start records the callback.
func (a *Adapter) Start(ctx context.Context, cfg stt.Config, cb stt.Callback) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return stt.ErrClosed
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	a.cb = cb
	a.cfg = cfg
	a.started = true
	return nil
}

// SendAudio advances the provider clock and emits the next script step for
// every StepSeconds of audio.
func (a *Adapter) SendAudio(ctx context.Context, pcm []byte) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return stt.ErrClosed
	}
	if !a.started {
		a.mu.Unlock()
		return stt.ErrNotStarted
	}
	secs := float64(len(pcm)) / float64(models.BytesPerSecond(a.cfg.SampleRate))
	a.cursor += secs
	a.pending += secs

	var batches [][]models.Word
	for a.StepSeconds > 0 && a.pending >= a.StepSeconds && len(a.script) > 0 {
		a.pending -= a.StepSeconds
		if b := a.advance(); b != nil {
			batches = append(batches, b)
		}
	}
	cb := a.cb
	a.mu.Unlock()

	for _, b := range batches {
		cb.OnWords(b)
	}
	return nil
}

// advance emits the next partial, or the final once partials are exhausted.
func (a *Adapter) advance() []models.Word {
	u := a.script[a.idx%len(a.script)]
	if a.step == 0 {
		a.uttStart = a.cursor - a.StepSeconds
		if a.uttStart < 0 {
			a.uttStart = 0
		}
	}
	if a.step < len(u.Partials) {
		text := u.Partials[a.step]
		a.step++
		if !a.cfg.InterimResults {
			return nil
		}
		return a.words(u, text, false)
	}
	return a.finish()
}

// finish emits the current utterance as final and moves to the next one.
func (a *Adapter) finish() []models.Word {
	u := a.script[a.idx%len(a.script)]
	out := a.words(u, u.Final, true)
	a.idx++
	a.step = 0
	return out
}

// words spreads text evenly over the utterance span.
func (a *Adapter) words(u Utterance, text string, final bool) []models.Word {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil
	}
	span := a.cursor - a.uttStart
	if span <= 0 {
		span = 0.1 * float64(len(fields))
	}
	per := span / float64(len(fields))
	out := make([]models.Word, len(fields))
	for i, f := range fields {
		start := a.uttStart + float64(i)*per
		out[i] = models.Word{
			Start:      start,
			End:        start + per,
			Text:       f,
			Speaker:    u.Speaker,
			IsFinal:    final,
			Confidence: u.Confidence,
		}
		if a.cfg.Multilingual() {
			out[i].Language = "en"
		}
	}
	return out
}

// Finalize emits the utterance in progress, if any, then reports the flush.
func (a *Adapter) Finalize(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return stt.ErrClosed
	}
	if !a.started {
		a.mu.Unlock()
		return stt.ErrNotStarted
	}
	var batch []models.Word
	if a.step > 0 && len(a.script) > 0 {
		batch = a.finish()
	}
	a.finalized++
	cb := a.cb
	a.mu.Unlock()

	if batch != nil {
		cb.OnWords(batch)
	}
	cb.OnFlushed()
	return nil
}

// KeepAlive is a no-op.
func (a *Adapter) KeepAlive(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return stt.ErrClosed
	}
	return nil
}

// Close ends the session.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

// Received returns the provider seconds of audio received.
func (a *Adapter) Received() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cursor
}
