// Package models defines the data structures shared by the transcription pipeline.
package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultSpeaker is the label used when no speaker can be inferred.
const DefaultSpeaker = "SPEAKER_00"

// Word is a single recognised token from an STT provider.
// Times are session-relative seconds.
type Word struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	Speaker    string  `json:"speaker"`
	IsFinal    bool    `json:"is_final"`
	Confidence float64 `json:"confidence,omitempty"`
	Language   string  `json:"language,omitempty"`
}

// Midpoint returns the centre of the word's time interval.
func (w Word) Midpoint() float64 {
	return (w.Start + w.End) / 2
}

// Segment is a contiguous run of words attributed to one speaker.
type Segment struct {
	ID        string  `json:"id"`
	Text      string  `json:"text"`
	Speaker   string  `json:"speaker"`
	SpeakerID int     `json:"speaker_id"`
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
	IsUser    bool    `json:"is_user"`
	PersonID  *string `json:"person_id"`
}

// Duration returns the segment length in seconds.
func (s Segment) Duration() float64 {
	return s.End - s.Start
}

// CloneSegments returns a deep copy so receivers never share backing arrays
// or person id pointers with the producer.
func CloneSegments(in []Segment) []Segment {
	if in == nil {
		return nil
	}
	out := make([]Segment, len(in))
	for i, s := range in {
		out[i] = s
		if s.PersonID != nil {
			p := *s.PersonID
			out[i].PersonID = &p
		}
	}
	return out
}

// SpeakerLabel formats a numeric speaker index as a provider-style label.
func SpeakerLabel(id int) string {
	return fmt.Sprintf("SPEAKER_%02d", id)
}

// SpeakerID extracts the numeric suffix of a label such as "SPEAKER_01".
// Labels without a numeric suffix map to 0.
func SpeakerID(label string) int {
	idx := strings.LastIndexByte(label, '_')
	if idx < 0 || idx == len(label)-1 {
		return 0
	}
	n, err := strconv.Atoi(label[idx+1:])
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// EventKind distinguishes the transcript event variants.
type EventKind int

const (
	// EventPartial carries segments that may still be superseded.
	EventPartial EventKind = iota
	// EventFinal carries closed segments.
	EventFinal
	// EventHeartbeat carries no segments.
	EventHeartbeat
)

// String returns the string representation of the kind.
func (k EventKind) String() string {
	switch k {
	case EventPartial:
		return "partial"
	case EventFinal:
		return "final"
	case EventHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// TranscriptEvent is the unit delivered to the client and the fan-out bus.
type TranscriptEvent struct {
	Kind      EventKind
	SessionID string
	Segments  []Segment
	EmittedAt time.Time
}
