package mock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"realtime-transcription-service/internal/models"
	"realtime-transcription-service/internal/service/stt"
)

// testCallback implements stt.Callback for testing
type testCallback struct {
	mu      sync.Mutex
	batches [][]models.Word
	flushed int
	errors  []error
}

func (c *testCallback) OnWords(words []models.Word) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, words)
}

func (c *testCallback) OnFlushed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushed++
}

func (c *testCallback) OnError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, err)
}

func (c *testCallback) finals() [][]models.Word {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out [][]models.Word
	for _, b := range c.batches {
		if len(b) > 0 && b[0].IsFinal {
			out = append(out, b)
		}
	}
	return out
}

func (c *testCallback) partials() [][]models.Word {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out [][]models.Word
	for _, b := range c.batches {
		if len(b) > 0 && !b[0].IsFinal {
			out = append(out, b)
		}
	}
	return out
}

func text(words []models.Word) string {
	parts := make([]string, len(words))
	for i, w := range words {
		parts[i] = w.Text
	}
	return strings.Join(parts, " ")
}

// second returns one second of 16kHz PCM16 silence.
func second() []byte {
	return make([]byte, 32000)
}

func startAdapter(t *testing.T, interim bool) (*Adapter, *testCallback) {
	t.Helper()
	a := New()
	cb := &testCallback{}
	if err := a.Start(context.Background(), stt.Config{SampleRate: 16000, InterimResults: interim}, cb); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return a, cb
}

func TestAdapter_PartialsThenOneFinal(t *testing.T) {
	a, cb := startAdapter(t, true)

	// First utterance has three partials; four steps of 0.5s finish it.
	a.SendAudio(context.Background(), second())
	a.SendAudio(context.Background(), second())

	partials := cb.partials()
	if len(partials) != 3 {
		t.Fatalf("expected 3 partials, got %d", len(partials))
	}
	if got := text(partials[2]); got != "Good morning everyone" {
		t.Errorf("last partial = %q", got)
	}

	finals := cb.finals()
	if len(finals) != 1 {
		t.Fatalf("expected 1 final, got %d", len(finals))
	}
	if got := text(finals[0]); got != DefaultUtterances[0].Final {
		t.Errorf("final = %q", got)
	}
	for _, w := range finals[0] {
		if w.Speaker != "SPEAKER_00" || !w.IsFinal {
			t.Errorf("unexpected final word %+v", w)
		}
	}
}

func TestAdapter_WordTimesFollowAudio(t *testing.T) {
	a, cb := startAdapter(t, true)
	for i := 0; i < 4; i++ {
		a.SendAudio(context.Background(), second())
	}

	if a.Received() != 4 {
		t.Errorf("Received = %v, want 4", a.Received())
	}
	prevEnd := 0.0
	for _, b := range cb.finals() {
		for _, w := range b {
			if w.Start < prevEnd-1e-9 || w.End < w.Start || w.End > a.Received()+1e-9 {
				t.Errorf("word %q has times %.2f-%.2f after %.2f", w.Text, w.Start, w.End, prevEnd)
			}
			prevEnd = w.End
		}
	}
}

func TestAdapter_InterimDisabled(t *testing.T) {
	a, cb := startAdapter(t, false)
	a.SendAudio(context.Background(), second())
	a.SendAudio(context.Background(), second())

	if n := len(cb.partials()); n != 0 {
		t.Errorf("expected no partials, got %d", n)
	}
	if n := len(cb.finals()); n != 1 {
		t.Errorf("expected 1 final, got %d", n)
	}
}

func TestAdapter_FinalizeFlushesUtterance(t *testing.T) {
	a, cb := startAdapter(t, true)
	a.SendAudio(context.Background(), make([]byte, 16000)) // one step

	if err := a.Finalize(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cb.flushed != 1 {
		t.Errorf("flushed = %d, want 1", cb.flushed)
	}
	finals := cb.finals()
	if len(finals) != 1 || text(finals[0]) != DefaultUtterances[0].Final {
		t.Fatalf("expected the open utterance to be finalized, got %v", finals)
	}

	// Nothing outstanding: flush only.
	a.Finalize(context.Background())
	if len(cb.finals()) != 1 || cb.flushed != 2 {
		t.Errorf("second finalize emitted words or missed flush")
	}
}

func TestAdapter_Lifecycle(t *testing.T) {
	tests := []struct {
		name string
		call func(a *Adapter) error
		want error
	}{
		{"send before start", func(a *Adapter) error { return a.SendAudio(context.Background(), second()) }, stt.ErrNotStarted},
		{"finalize before start", func(a *Adapter) error { return a.Finalize(context.Background()) }, stt.ErrNotStarted},
		{"send after close", func(a *Adapter) error {
			a.Start(context.Background(), stt.Config{}, &testCallback{})
			a.Close()
			return a.SendAudio(context.Background(), second())
		}, stt.ErrClosed},
		{"keepalive after close", func(a *Adapter) error {
			a.Close()
			return a.KeepAlive(context.Background())
		}, stt.ErrClosed},
		{"close twice", func(a *Adapter) error {
			a.Close()
			return a.Close()
		}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call(New())
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestAdapter_MultilingualTagsLanguage(t *testing.T) {
	a := New()
	cb := &testCallback{}
	a.Start(context.Background(), stt.Config{Language: "multi", InterimResults: true}, cb)
	a.SendAudio(context.Background(), second())

	for _, b := range cb.partials() {
		for _, w := range b {
			if w.Language != "en" {
				t.Errorf("word %q missing language", w.Text)
			}
		}
	}
}

func TestDefaultUtterances(t *testing.T) {
	for i, utt := range DefaultUtterances {
		if utt.Final == "" {
			t.Errorf("utterance %d has empty final", i)
		}
		if utt.Speaker == "" {
			t.Errorf("utterance %d has no speaker", i)
		}
		if utt.Confidence <= 0 || utt.Confidence > 1 {
			t.Errorf("utterance %d has invalid confidence %f", i, utt.Confidence)
		}
	}
}

func TestAdapter_ThreadSafety(t *testing.T) {
	a, _ := startAdapter(t, true)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				a.SendAudio(context.Background(), make([]byte, 3200))
			}
		}()
	}
	wg.Wait()
	a.Close()

	if a.Received() < 4.99 || a.Received() > 5.01 {
		t.Errorf("Received = %v, want 5", a.Received())
	}
}
