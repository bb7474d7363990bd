package models

import (
	"testing"
)

func TestSpeakerID(t *testing.T) {
	tests := []struct {
		label string
		want  int
	}{
		{"SPEAKER_00", 0},
		{"SPEAKER_01", 1},
		{"SPEAKER_12", 12},
		{"speaker_3", 3},
		{"", 0},
		{"SPEAKER_", 0},
		{"SPEAKER_X", 0},
		{"nolabel", 0},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			if got := SpeakerID(tt.label); got != tt.want {
				t.Errorf("SpeakerID(%q) = %d, want %d", tt.label, got, tt.want)
			}
		})
	}
}

func TestSpeakerLabel(t *testing.T) {
	if got := SpeakerLabel(0); got != DefaultSpeaker {
		t.Errorf("SpeakerLabel(0) = %s, want %s", got, DefaultSpeaker)
	}
	if got := SpeakerLabel(7); got != "SPEAKER_07" {
		t.Errorf("SpeakerLabel(7) = %s", got)
	}
	if SpeakerID(SpeakerLabel(42)) != 42 {
		t.Error("SpeakerID does not invert SpeakerLabel")
	}
}

func TestCloneSegments_DoesNotAlias(t *testing.T) {
	pid := "person-1"
	in := []Segment{{ID: "s1", Text: "hi", PersonID: &pid}}

	out := CloneSegments(in)
	out[0].Text = "changed"
	*out[0].PersonID = "person-2"

	if in[0].Text != "hi" {
		t.Error("clone shares segment storage")
	}
	if *in[0].PersonID != "person-1" {
		t.Error("clone shares person id pointer")
	}
	if CloneSegments(nil) != nil {
		t.Error("expected nil clone of nil")
	}
}

func TestParseCodec(t *testing.T) {
	for _, c := range []string{"pcm8", "pcm16", "opus", "opus_fs320"} {
		if _, err := ParseCodec(c); err != nil {
			t.Errorf("ParseCodec(%s) unexpected error: %v", c, err)
		}
	}
	if _, err := ParseCodec("aac"); err == nil {
		t.Error("expected error for aac")
	}
	if !CodecOpusFS320.IsOpus() || CodecPCM16.IsOpus() {
		t.Error("IsOpus misclassifies codecs")
	}
}

func TestPCMWindow_Duration(t *testing.T) {
	w := PCMWindow{Start: 1.5, SampleRate: 16000, Samples: make([]byte, 32000)}
	if w.SampleCount() != 16000 {
		t.Errorf("SampleCount = %d", w.SampleCount())
	}
	if w.Duration() != 1.0 {
		t.Errorf("Duration = %v", w.Duration())
	}
	if w.End() != 2.5 {
		t.Errorf("End = %v", w.End())
	}
	if (PCMWindow{}).Duration() != 0 {
		t.Error("zero window should have zero duration")
	}
}

func TestEventKind_String(t *testing.T) {
	if EventPartial.String() != "partial" || EventFinal.String() != "final" || EventHeartbeat.String() != "heartbeat" {
		t.Error("unexpected event kind names")
	}
}
