package stt

import (
	"sort"
	"strings"
	"time"
	"unicode"

	"realtime-transcription-service/internal/models"
)

const (
	// staleTolerance is how far behind the last emitted final a word may
	// start before it is dropped as stale.
	staleTolerance = 0.2
	// duplicateTolerance is the start-time distance under which two words
	// with the same text are treated as one.
	duplicateTolerance = 0.2
	// recentHorizon bounds the emitted-word history kept for dedupe.
	recentHorizon = 5.0
)

type pendingWord struct {
	word models.Word
	due  time.Time
}

// reorderBuffer holds final words for a short wall-clock window and releases
// them in non-decreasing start order. Only the deliver goroutine touches it.
type reorderBuffer struct {
	window    time.Duration
	pending   []pendingWord
	recent    []models.Word
	lastStart float64
	emitted   bool
}

func newReorderBuffer(window time.Duration) *reorderBuffer {
	return &reorderBuffer{window: window}
}

// Add queues final words. It returns how many were dropped as stale and as
// duplicates.
func (r *reorderBuffer) Add(words []models.Word, now time.Time) (stale, dup int) {
	due := now.Add(r.window)
	for _, w := range words {
		if r.emitted && w.Start < r.lastStart-staleTolerance {
			stale++
			continue
		}
		if r.isDuplicate(w) {
			dup++
			continue
		}
		i := sort.Search(len(r.pending), func(i int) bool {
			return r.pending[i].word.Start > w.Start
		})
		r.pending = append(r.pending, pendingWord{})
		copy(r.pending[i+1:], r.pending[i:])
		r.pending[i] = pendingWord{word: w, due: due}
	}
	return stale, dup
}

func (r *reorderBuffer) isDuplicate(w models.Word) bool {
	key := normalizeWord(w.Text)
	if key == "" {
		return false
	}
	for _, e := range r.recent {
		if abs(e.Start-w.Start) < duplicateTolerance && normalizeWord(e.Text) == key {
			return true
		}
	}
	for _, p := range r.pending {
		if abs(p.word.Start-w.Start) < duplicateTolerance && normalizeWord(p.word.Text) == key {
			return true
		}
	}
	return false
}

// Release pops due words from the head. With force every pending word is
// released.
func (r *reorderBuffer) Release(now time.Time, force bool) []models.Word {
	var out []models.Word
	for len(r.pending) > 0 {
		head := r.pending[0]
		if !force && now.Before(head.due) {
			break
		}
		r.pending = r.pending[1:]
		w := head.word
		if r.emitted && w.Start < r.lastStart {
			d := w.End - w.Start
			w.Start = r.lastStart
			w.End = w.Start + d
		}
		r.lastStart = w.Start
		r.emitted = true
		out = append(out, w)
		r.recent = append(r.recent, w)
	}
	if len(out) > 0 {
		r.trimRecent()
	}
	return out
}

func (r *reorderBuffer) trimRecent() {
	cut := 0
	for cut < len(r.recent) && r.recent[cut].Start < r.lastStart-recentHorizon {
		cut++
	}
	r.recent = r.recent[cut:]
}

// NextDue returns when the head word becomes releasable.
func (r *reorderBuffer) NextDue() (time.Time, bool) {
	if len(r.pending) == 0 {
		return time.Time{}, false
	}
	return r.pending[0].due, true
}

// Pending returns copies of the held words, in start order, marked
// tentative.
func (r *reorderBuffer) Pending() []models.Word {
	if len(r.pending) == 0 {
		return nil
	}
	out := make([]models.Word, len(r.pending))
	for i, p := range r.pending {
		w := p.word
		w.IsFinal = false
		out[i] = w
	}
	return out
}

// Len returns the pending word count.
func (r *reorderBuffer) Len() int {
	return len(r.pending)
}

func normalizeWord(s string) string {
	return strings.ToLower(strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	}))
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
