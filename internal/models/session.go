package models

import "time"

// SessionInfo identifies a live session and its negotiated audio format.
type SessionInfo struct {
	UID            string
	SessionID      string
	ConversationID string
	Language       string
	Codec          Codec
	SampleRate     int
	Provider       string
	StartedAt      time.Time
}

// DiarizationStatus tracks the post-session refinement of one session.
type DiarizationStatus string

const (
	DiarizationNotStarted DiarizationStatus = "not_started"
	DiarizationPending    DiarizationStatus = "pending"
	DiarizationProcessing DiarizationStatus = "processing"
	DiarizationCompleted  DiarizationStatus = "completed"
	DiarizationFailed     DiarizationStatus = "failed"
	DiarizationSkipped    DiarizationStatus = "skipped"
)

// Terminal reports whether no further transition is expected.
func (s DiarizationStatus) Terminal() bool {
	return s == DiarizationCompleted || s == DiarizationFailed || s == DiarizationSkipped
}

// DiarizationJob asks the refiner to relabel one session's final words.
type DiarizationJob struct {
	UID         string
	SessionID   string
	AudioHandle string
	SampleRate  int
	Words       []Word
	// Segments is the live transcript; its is_user and person_id
	// attributions survive refinement.
	Segments []Segment
	// NumSpeakers is a hint; zero lets the refiner decide.
	NumSpeakers int
}

// SpeakerSpan is one labelled interval returned by a diarization backend.
type SpeakerSpan struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker"`
}

// Contains reports whether t falls inside the span.
func (s SpeakerSpan) Contains(t float64) bool {
	return t >= s.Start && t <= s.End
}
