// Package fanout delivers a session's transcript and audio to realtime
// consumers. Every subscriber gets its own bounded queue and goroutine so a
// slow or failing consumer never holds up the session or its peers.
package fanout

import (
	"fmt"
	"time"

	"realtime-transcription-service/internal/models"
)

// Kind classifies bus events.
type Kind int

const (
	KindTranscript Kind = iota
	KindAudio
	KindProcessConversation
	KindSpeakerSample
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindTranscript:
		return "transcript"
	case KindAudio:
		return "audio"
	case KindProcessConversation:
		return "process_conversation"
	case KindSpeakerSample:
		return "speaker_sample"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Audio is a run of decoded PCM16 mono.
type Audio struct {
	Start      float64 // session-relative seconds
	SampleRate int
	PCM        []byte
	ReceivedAt time.Time
}

// Event is one unit published on the bus. Only the field matching Kind is set.
type Event struct {
	Kind           Kind
	UID            string
	SessionID      string
	ConversationID string
	Language       string

	Transcript models.TranscriptEvent
	Audio      Audio
	Assignment models.SpeakerAssigned
}

// IsFinalTranscript reports whether the event carries finalized segments.
func (e Event) IsFinalTranscript() bool {
	return e.Kind == KindTranscript && e.Transcript.Kind == models.EventFinal
}
