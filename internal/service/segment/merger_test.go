package segment

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"realtime-transcription-service/internal/models"
)

func final(text, speaker string, start, end float64) models.Word {
	return models.Word{Text: text, Speaker: speaker, Start: start, End: end, IsFinal: true}
}

func tentative(text, speaker string, start, end float64) models.Word {
	return models.Word{Text: text, Speaker: speaker, Start: start, End: end}
}

func flushAll(t *testing.T, m *Merger, batches ...[]models.Word) []models.Segment {
	t.Helper()
	for _, b := range batches {
		if err := m.PushFinal(b); err != nil {
			t.Fatalf("PushFinal: %v", err)
		}
	}
	return m.Flush()
}

func TestMerger_SpeakerCoalescing(t *testing.T) {
	m := NewMerger("s1", DefaultOptions())
	segs := flushAll(t, m, []models.Word{
		final("hi", "SPEAKER_00", 0, 0.3),
		final("there", "SPEAKER_00", 0.4, 0.8),
		final("hello", "SPEAKER_01", 1.0, 1.4),
		final("again", "SPEAKER_00", 1.6, 2.0),
	})

	want := []struct {
		id, text, speaker string
		speakerID         int
	}{
		{"s1-seg-1", "hi there", "SPEAKER_00", 0},
		{"s1-seg-2", "hello", "SPEAKER_01", 1},
		{"s1-seg-3", "again", "SPEAKER_00", 0},
	}
	if len(segs) != len(want) {
		t.Fatalf("got %d segments: %+v", len(segs), segs)
	}
	for i, w := range want {
		s := segs[i]
		if s.ID != w.id || s.Text != w.text || s.Speaker != w.speaker || s.SpeakerID != w.speakerID {
			t.Errorf("segment %d = %+v, want %+v", i, s, w)
		}
	}
	for i := 1; i < len(segs); i++ {
		if segs[i].Speaker == segs[i-1].Speaker {
			t.Errorf("consecutive segments share speaker %s", segs[i].Speaker)
		}
		if segs[i].End < segs[i-1].End {
			t.Errorf("segment ends decrease: %v then %v", segs[i-1].End, segs[i].End)
		}
	}
}

func TestMerger_GapSplitsSameSpeaker(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxGap = 5 * time.Second
	m := NewMerger("s", opts)
	segs := flushAll(t, m, []models.Word{
		final("one", "SPEAKER_00", 0, 1),
		final("two", "SPEAKER_00", 5.5, 6),
		final("three", "SPEAKER_00", 12, 13),
	})
	if len(segs) != 2 || segs[0].Text != "one two" || segs[1].Text != "three" {
		t.Errorf("unexpected segments %+v", segs)
	}
}

func TestMerger_SpeakerInheritance(t *testing.T) {
	tests := []struct {
		name  string
		words []models.Word
		want  []string
	}{
		{
			"prior word within window",
			[]models.Word{final("a", "SPEAKER_02", 0, 1), final("b", "", 2, 2.5)},
			[]string{"SPEAKER_02"},
		},
		{
			"next word in batch",
			[]models.Word{final("a", "SPEAKER_02", 0, 1), final("b", "", 5, 5.5), final("c", "SPEAKER_03", 6, 6.5)},
			[]string{"SPEAKER_02", "SPEAKER_03"},
		},
		{
			"default",
			[]models.Word{final("a", "", 0, 1)},
			[]string{"SPEAKER_00"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			segs := flushAll(t, NewMerger("s", DefaultOptions()), tt.words)
			var got []string
			for _, s := range segs {
				got = append(got, s.Speaker)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("speakers = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMerger_InheritanceAcrossBatches(t *testing.T) {
	m := NewMerger("s", DefaultOptions())
	segs := flushAll(t, m,
		[]models.Word{final("a", "SPEAKER_01", 0, 1)},
		[]models.Word{final("b", "", 1.2, 1.5)},
	)
	if len(segs) != 1 || segs[0].Text != "a b" {
		t.Errorf("unexpected segments %+v", segs)
	}
}

func TestMerger_PunctuationDoesNotSplit(t *testing.T) {
	segs := flushAll(t, NewMerger("s", DefaultOptions()), []models.Word{
		final("hello", "SPEAKER_00", 0, 0.5),
		final(",", "SPEAKER_01", 0.5, 0.5),
		final("world", "SPEAKER_00", 0.6, 1),
		final("!", "", 1, 1),
	})
	if len(segs) != 1 || segs[0].Text != "hello, world!" {
		t.Errorf("unexpected segments %+v", segs)
	}
}

func TestMerger_PunctuationRespectsGap(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxGap = 5 * time.Second
	segs := flushAll(t, NewMerger("s", opts), []models.Word{
		final("hello", "SPEAKER_00", 0, 0.5),
		final(".", "SPEAKER_00", 40, 40),
	})
	if len(segs) != 2 {
		t.Fatalf("unexpected segments %+v", segs)
	}
	if segs[0].Text != "hello" || segs[0].End != 0.5 {
		t.Errorf("first segment stretched across the gap: %+v", segs[0])
	}
	if segs[1].Text != "." || segs[1].Start != 40 {
		t.Errorf("second segment = %+v", segs[1])
	}
}

func TestMerger_LosslessText(t *testing.T) {
	words := []models.Word{
		final("we", "SPEAKER_00", 0, 0.2),
		final("should", "SPEAKER_00", 0.3, 0.5),
		final("ship", "SPEAKER_01", 0.7, 0.9),
		final("it", "SPEAKER_01", 1.0, 1.1),
		final("today", "SPEAKER_00", 1.3, 1.6),
	}
	segs := flushAll(t, NewMerger("s", DefaultOptions()), words)

	var texts, wordTexts []string
	for _, s := range segs {
		texts = append(texts, s.Text)
	}
	for _, w := range words {
		wordTexts = append(wordTexts, w.Text)
	}
	if strings.Join(texts, " ") != strings.Join(wordTexts, " ") {
		t.Errorf("text changed: %q", strings.Join(texts, " "))
	}
}

func TestMerger_EndNeverDecreases(t *testing.T) {
	segs := flushAll(t, NewMerger("s", DefaultOptions()), []models.Word{
		final("long", "SPEAKER_00", 0, 2.0),
		final("short", "SPEAKER_01", 1.5, 1.8),
	})
	if len(segs) != 2 || segs[1].End != 2.0 || segs[1].Start != 1.5 {
		t.Errorf("unexpected segments %+v", segs)
	}
}

func TestMerger_OutOfOrderIsInvariantFault(t *testing.T) {
	m := NewMerger("s", DefaultOptions())
	if err := m.PushFinal([]models.Word{final("b", "SPEAKER_00", 2, 2.5)}); err != nil {
		t.Fatalf("PushFinal: %v", err)
	}
	err := m.PushFinal([]models.Word{final("a", "SPEAKER_00", 1, 1.5)})
	if !errors.Is(err, ErrMergerInvariant) {
		t.Errorf("err = %v, want ErrMergerInvariant", err)
	}
}

func TestMerger_PartialUpdate(t *testing.T) {
	m := NewMerger("s", DefaultOptions())
	m.PushFinal([]models.Word{final("hello", "SPEAKER_00", 0, 0.5)})

	partial := m.PushPartial([]models.Word{
		tentative("world", "SPEAKER_00", 0.6, 0.9),
		tentative("hi", "SPEAKER_01", 1.0, 1.2),
	})
	if len(partial) != 2 {
		t.Fatalf("got %d partial segments", len(partial))
	}
	if partial[0].ID != "s-seg-1" || partial[0].Text != "hello world" {
		t.Errorf("open extension = %+v", partial[0])
	}
	if partial[1].ID != "s-seg-2" || partial[1].Speaker != "SPEAKER_01" {
		t.Errorf("preview run = %+v", partial[1])
	}
	if open, _ := m.Open(); open.Text != "hello" {
		t.Errorf("partial mutated the open segment: %q", open.Text)
	}

	again := m.PushPartial([]models.Word{
		tentative("world", "SPEAKER_00", 0.6, 0.9),
		tentative("hi", "SPEAKER_01", 1.0, 1.2),
	})
	if !reflect.DeepEqual(partial, again) {
		t.Errorf("repeated partial differs: %+v vs %+v", partial, again)
	}

	// A replacement from an earlier start drops the later tentative words.
	replaced := m.PushPartial([]models.Word{tentative("word", "SPEAKER_00", 0.6, 0.8)})
	if len(replaced) != 1 || replaced[0].Text != "hello word" {
		t.Errorf("replaced partial = %+v", replaced)
	}
}

func TestMerger_FinalReusesPreviewID(t *testing.T) {
	m := NewMerger("s", DefaultOptions())
	m.PushFinal([]models.Word{final("hello", "SPEAKER_00", 0, 0.5)})
	partial := m.PushPartial([]models.Word{tentative("hi", "SPEAKER_01", 1.0, 1.2)})

	m.PushFinal([]models.Word{final("hi", "SPEAKER_01", 1.0, 1.2)})
	open, ok := m.Open()
	if !ok || open.ID != partial[1].ID {
		t.Errorf("final run id = %s, want preview id %s", open.ID, partial[1].ID)
	}
	if p := m.PushPartial(nil); len(p) != 1 {
		t.Errorf("tentative words not superseded: %+v", p)
	}
}

func TestMerger_Tick(t *testing.T) {
	m := NewMerger("s", DefaultOptions())
	if closed, open := m.Tick(); closed != nil || open != nil {
		t.Error("empty tick should return nothing")
	}

	m.PushFinal([]models.Word{final("a", "SPEAKER_00", 0, 1), final("b", "SPEAKER_01", 1, 2)})
	closed, open := m.Tick()
	if len(closed) != 1 || closed[0].Text != "a" {
		t.Errorf("closed = %+v", closed)
	}
	if open == nil || open.Text != "b" {
		t.Errorf("open = %+v", open)
	}

	if closed, open := m.Tick(); closed != nil || open != nil {
		t.Error("unchanged state should not be re-emitted")
	}
}

func TestMerger_UserSpeaker(t *testing.T) {
	opts := DefaultOptions()
	opts.UserSpeaker = "SPEAKER_01"
	m := NewMerger("s", opts)
	segs := flushAll(t, m, []models.Word{
		final("me", "SPEAKER_01", 0, 1),
		final("you", "SPEAKER_00", 1, 2),
	})
	if !segs[0].IsUser || segs[1].IsUser {
		t.Errorf("is_user = %v, %v", segs[0].IsUser, segs[1].IsUser)
	}

	m = NewMerger("s", DefaultOptions())
	m.PushFinal([]models.Word{final("me", "SPEAKER_02", 0, 1)})
	m.SetUserSpeaker("SPEAKER_02")
	if _, open := m.Tick(); open == nil || !open.IsUser {
		t.Errorf("hint not applied to open segment: %+v", open)
	}
}

func TestMerger_AssignSpeaker(t *testing.T) {
	m := NewMerger("s", DefaultOptions())
	m.PushFinal([]models.Word{final("hey", "SPEAKER_01", 0, 1)})

	if m.AssignSpeaker(models.SpeakerAssigned{SpeakerID: 1, PersonID: "p1", SegmentIDs: []string{"other"}}) {
		t.Error("assignment with unknown segment ids accepted")
	}
	if !m.AssignSpeaker(models.SpeakerAssigned{SpeakerID: 1, PersonID: "p1", SegmentIDs: []string{"s-seg-1"}}) {
		t.Fatal("assignment rejected")
	}
	open, _ := m.Open()
	if open.PersonID == nil || *open.PersonID != "p1" {
		t.Errorf("person not applied: %+v", open)
	}

	// Later segments for the label inherit the person.
	m.PushFinal([]models.Word{final("x", "SPEAKER_00", 1, 2), final("again", "SPEAKER_01", 2, 3)})
	open, _ = m.Open()
	if open.PersonID == nil || *open.PersonID != "p1" {
		t.Errorf("person not inherited: %+v", open)
	}

	m.AssignSpeaker(models.SpeakerAssigned{SpeakerID: 0, PersonID: "user", SegmentIDs: []string{"s-seg-2"}})
	segs := m.Flush()
	if len(segs) != 3 || !segs[1].IsUser || segs[1].PersonID != nil {
		t.Fatalf("user assignment = %+v", segs)
	}
	if segs[0].IsUser || *segs[0].PersonID != "p1" {
		t.Errorf("assignment leaked to %+v", segs[0])
	}
}

func TestMerger_Deterministic(t *testing.T) {
	run := func() []models.Segment {
		m := NewMerger("s", DefaultOptions())
		m.PushFinal([]models.Word{final("a", "SPEAKER_00", 0, 1), final("b", "", 1.1, 1.5)})
		m.PushPartial([]models.Word{tentative("c", "SPEAKER_01", 2, 2.5)})
		m.PushFinal([]models.Word{final("c", "SPEAKER_01", 2, 2.5), final("d", "SPEAKER_00", 3, 3.5)})
		return m.Flush()
	}
	if a, b := run(), run(); !reflect.DeepEqual(a, b) {
		t.Errorf("non-deterministic output:\n%+v\n%+v", a, b)
	}
}

func TestMerger_FlushEmpties(t *testing.T) {
	m := NewMerger("s", DefaultOptions())
	m.PushFinal([]models.Word{final("a", "SPEAKER_00", 0, 1)})
	if segs := m.Flush(); len(segs) != 1 {
		t.Errorf("first flush = %+v", segs)
	}
	if segs := m.Flush(); len(segs) != 0 {
		t.Errorf("second flush = %+v", segs)
	}
	if _, ok := m.Open(); ok {
		t.Error("open segment survived flush")
	}
}
