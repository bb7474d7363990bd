// Package schema checks outbound transcript messages before they leave the
// service.
package schema

import (
	"errors"
	"fmt"

	"realtime-transcription-service/internal/models"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("schema: invalid message")

// TranscriptMessage is the analytics record published per transcript event.
type TranscriptMessage struct {
	Type           string           `json:"type"` // partial or final
	UID            string           `json:"uid"`
	SessionID      string           `json:"sessionId"`
	ConversationID string           `json:"conversationId,omitempty"`
	Segments       []models.Segment `json:"segments"`
	EmittedAt      int64            `json:"emittedAt"` // unix millis
}

type Validator struct{}

func New() *Validator {
	return &Validator{}
}

// Validate reports the first problem found in msg.
func (v *Validator) Validate(msg TranscriptMessage) error {
	if msg.Type != "partial" && msg.Type != "final" {
		return fmt.Errorf("%w: type %q", ErrInvalid, msg.Type)
	}
	if msg.UID == "" || msg.SessionID == "" {
		return fmt.Errorf("%w: missing uid or sessionId", ErrInvalid)
	}
	if len(msg.Segments) == 0 {
		return fmt.Errorf("%w: no segments", ErrInvalid)
	}
	for i, s := range msg.Segments {
		if s.ID == "" {
			return fmt.Errorf("%w: segment %d has no id", ErrInvalid, i)
		}
		if s.End < s.Start {
			return fmt.Errorf("%w: segment %s ends before it starts", ErrInvalid, s.ID)
		}
		if msg.Type == "final" && i > 0 && s.Start < msg.Segments[i-1].Start {
			return fmt.Errorf("%w: final segment %s out of order", ErrInvalid, s.ID)
		}
	}
	return nil
}
