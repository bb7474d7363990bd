// Package wire encodes and decodes the header-typed binary frames exchanged
// with multiplexed clients and the pusher service.
//
// A frame is a 4-byte little-endian header type followed by a payload. Audio
// frames (101) carry an 8-byte little-endian float64 timestamp before the PCM.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"realtime-transcription-service/internal/models"
)

// HeaderType identifies a frame's payload.
type HeaderType uint32

const (
	TypeSegments              HeaderType = 100
	TypeAudio                 HeaderType = 101
	TypeTranscript            HeaderType = 102
	TypeConversationID        HeaderType = 103
	TypeProcessConversation   HeaderType = 104
	TypeSpeakerSample         HeaderType = 105
	TypeConversationProcessed HeaderType = 201
)

const (
	headerLen    = 4
	timestampLen = 8
)

var (
	// ErrShortFrame is returned when a frame is too short for its header.
	ErrShortFrame = errors.New("wire: frame too short")
	// ErrUnknownType is returned for header types this service does not handle.
	ErrUnknownType = errors.New("wire: unknown header type")
)

// String returns the string representation of the header type.
func (t HeaderType) String() string {
	switch t {
	case TypeSegments:
		return "segments"
	case TypeAudio:
		return "audio"
	case TypeTranscript:
		return "transcript"
	case TypeConversationID:
		return "conversation_id"
	case TypeProcessConversation:
		return "process_conversation"
	case TypeSpeakerSample:
		return "speaker_sample"
	case TypeConversationProcessed:
		return "conversation_processed"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(t))
	}
}

// Frame is a decoded binary frame. Timestamp is only set for TypeAudio.
type Frame struct {
	Type      HeaderType
	Timestamp float64
	Payload   []byte
}

// Encode serialises f.
func Encode(f Frame) []byte {
	n := headerLen + len(f.Payload)
	if f.Type == TypeAudio {
		n += timestampLen
	}
	buf := make([]byte, n)
	binary.LittleEndian.PutUint32(buf, uint32(f.Type))
	off := headerLen
	if f.Type == TypeAudio {
		binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(f.Timestamp))
		off += timestampLen
	}
	copy(buf[off:], f.Payload)
	return buf
}

// Decode parses a frame. The payload aliases b.
func Decode(b []byte) (Frame, error) {
	if len(b) < headerLen {
		return Frame{}, ErrShortFrame
	}
	f := Frame{Type: HeaderType(binary.LittleEndian.Uint32(b))}
	switch f.Type {
	case TypeAudio:
		if len(b) < headerLen+timestampLen {
			return Frame{}, ErrShortFrame
		}
		f.Timestamp = math.Float64frombits(binary.LittleEndian.Uint64(b[headerLen:]))
		f.Payload = b[headerLen+timestampLen:]
	case TypeSegments, TypeTranscript, TypeConversationID, TypeProcessConversation,
		TypeSpeakerSample, TypeConversationProcessed:
		f.Payload = b[headerLen:]
	default:
		return Frame{}, fmt.Errorf("%w: %d", ErrUnknownType, uint32(f.Type))
	}
	return f, nil
}

// EncodeAudio builds a 101 frame.
func EncodeAudio(bufferStart float64, pcm []byte) []byte {
	return Encode(Frame{Type: TypeAudio, Timestamp: bufferStart, Payload: pcm})
}

// EncodeJSON builds a frame with a JSON payload.
func EncodeJSON(t HeaderType, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal %s: %w", t, err)
	}
	return Encode(Frame{Type: t, Payload: payload}), nil
}

// TranscriptPayload is the body of 100 and 102 frames.
type TranscriptPayload struct {
	Segments []models.Segment `json:"segments"`
	MemoryID string           `json:"memory_id,omitempty"`
}

// ProcessRequest is the body of a 104 frame.
type ProcessRequest struct {
	ConversationID string `json:"conversation_id"`
	Language       string `json:"language"`
}

// ProcessResult is the body of a 201 frame.
type ProcessResult struct {
	ConversationID string `json:"conversation_id"`
	Success        bool   `json:"success"`
	Error          string `json:"error,omitempty"`
}

// SpeakerSampleRequest is the body of a 105 frame.
type SpeakerSampleRequest struct {
	PersonID       string   `json:"person_id"`
	ConversationID string   `json:"conversation_id"`
	SegmentIDs     []string `json:"segment_ids"`
}
