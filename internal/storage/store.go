// Package storage persists sessions, transcripts and the per-user artifacts
// the transcription pipeline reads at session start.
package storage

import (
	"context"
	"errors"

	"realtime-transcription-service/internal/models"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("storage: not found")

// Store is the persistence collaborator. Implementations are safe for
// concurrent use.
type Store interface {
	StartSession(ctx context.Context, info models.SessionInfo) error
	EndSession(ctx context.Context, sessionID, reason string, code int) error

	// AppendSegments upserts segments by id.
	AppendSegments(ctx context.Context, sessionID string, segs []models.Segment) error
	// FinalizeTranscript replaces the stored transcript and marks it final.
	FinalizeTranscript(ctx context.Context, sessionID string, segs []models.Segment) error
	Transcript(ctx context.Context, sessionID string) ([]models.Segment, error)

	RetainAudio(ctx context.Context, sessionID, handle string) error
	AudioHandle(ctx context.Context, sessionID string) (string, error)

	SetDiarizationStatus(ctx context.Context, sessionID string, status models.DiarizationStatus) error
	DiarizationStatus(ctx context.Context, sessionID string) (models.DiarizationStatus, error)

	// SpeechProfile returns the user's enrolment audio as PCM16 mono.
	SpeechProfile(ctx context.Context, uid string) ([]byte, int, error)
	SaveSpeechProfile(ctx context.Context, uid string, pcm []byte, sampleRate int) error
	// Vocabulary returns the user's custom keywords for STT boosting.
	Vocabulary(ctx context.Context, uid string) ([]string, error)
	SetVocabulary(ctx context.Context, uid string, words []string) error

	Ping(ctx context.Context) error
	Close()
}
