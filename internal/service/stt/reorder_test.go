package stt

import (
	"testing"
	"time"

	"realtime-transcription-service/internal/models"
)

func texts(ws []models.Word) []string {
	out := make([]string, len(ws))
	for i, w := range ws {
		out[i] = w.Text
	}
	return out
}

func TestReorderBuffer_HoldsForWindow(t *testing.T) {
	r := newReorderBuffer(200 * time.Millisecond)
	now := time.Unix(0, 0)

	r.Add([]models.Word{final(1.0, 1.2, "b")}, now)
	if out := r.Release(now.Add(100*time.Millisecond), false); len(out) != 0 {
		t.Fatalf("released before the window elapsed: %v", texts(out))
	}
	due, ok := r.NextDue()
	if !ok || !due.Equal(now.Add(200*time.Millisecond)) {
		t.Errorf("NextDue = %v, %v", due, ok)
	}

	// A late word with an earlier start lands ahead of the held one and
	// holds it back until the late word is due too.
	r.Add([]models.Word{final(0.8, 0.9, "a")}, now.Add(100*time.Millisecond))
	if out := r.Release(now.Add(200*time.Millisecond), false); len(out) != 0 {
		t.Fatalf("released %v ahead of an earlier word", texts(out))
	}
	out := r.Release(now.Add(300*time.Millisecond), false)
	if got := texts(out); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("got %v, want [a b]", got)
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d", r.Len())
	}
}

func TestReorderBuffer_ForceReleasesSorted(t *testing.T) {
	r := newReorderBuffer(time.Second)
	now := time.Now()
	r.Add([]models.Word{final(3, 3.1, "c"), final(1, 1.1, "a"), final(2, 2.1, "b")}, now)

	out := r.Release(now, true)
	got := texts(out)
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("Release(force) = %v", got)
	}
}

func TestReorderBuffer_DropsStaleWords(t *testing.T) {
	r := newReorderBuffer(0)
	now := time.Now()
	r.Add([]models.Word{final(5.0, 5.2, "now")}, now)
	r.Release(now, false)

	tests := []struct {
		name      string
		word      models.Word
		wantStale int
	}{
		{"far behind", final(4.0, 4.1, "old"), 1},
		{"just behind is clamped", final(4.9, 5.0, "close"), 0},
		{"ahead", final(6.0, 6.1, "next"), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stale, _ := r.Add([]models.Word{tt.word}, now)
			if stale != tt.wantStale {
				t.Errorf("stale = %d, want %d", stale, tt.wantStale)
			}
			for _, w := range r.Release(now, true) {
				if w.Start < 5.0 {
					t.Errorf("released %q at %v before the last emitted start", w.Text, w.Start)
				}
			}
		})
	}
}

func TestReorderBuffer_Deduplicates(t *testing.T) {
	r := newReorderBuffer(0)
	now := time.Now()

	r.Add([]models.Word{final(1.0, 1.2, "Hello,")}, now)
	if _, dup := r.Add([]models.Word{final(1.05, 1.2, "hello")}, now); dup != 1 {
		t.Errorf("pending duplicate not detected")
	}
	r.Release(now, true)

	if _, dup := r.Add([]models.Word{final(1.1, 1.3, "HELLO")}, now); dup != 1 {
		t.Errorf("emitted duplicate not detected")
	}
	if _, dup := r.Add([]models.Word{final(1.5, 1.6, "hello")}, now); dup != 0 {
		t.Errorf("a later repetition is not a duplicate")
	}
	if _, dup := r.Add([]models.Word{final(1.05, 1.2, "world")}, now); dup != 0 {
		t.Errorf("different text is not a duplicate")
	}
}

func TestNormalizeWord(t *testing.T) {
	tests := map[string]string{
		"Hello,":  "hello",
		"  world": "world",
		"it's":    "it's",
		"...":     "",
	}
	for in, want := range tests {
		if got := normalizeWord(in); got != want {
			t.Errorf("normalizeWord(%q) = %q, want %q", in, got, want)
		}
	}
}
