package storage

import (
	"context"
	"sort"
	"sync"

	"realtime-transcription-service/internal/models"
)

type sessionRecord struct {
	info        models.SessionInfo
	reason      string
	code        int
	ended       bool
	segments    map[string]models.Segment
	final       bool
	audio       string
	diarization models.DiarizationStatus
}

type profile struct {
	pcm  []byte
	rate int
}

// MemoryStore keeps everything in process. It backs development runs without
// a database and the tests.
type MemoryStore struct {
	mu         sync.RWMutex
	sessions   map[string]*sessionRecord
	profiles   map[string]profile
	vocabulary map[string][]string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:   make(map[string]*sessionRecord),
		profiles:   make(map[string]profile),
		vocabulary: make(map[string][]string),
	}
}

func (s *MemoryStore) record(sessionID string) *sessionRecord {
	r, ok := s.sessions[sessionID]
	if !ok {
		r = &sessionRecord{
			info:        models.SessionInfo{SessionID: sessionID},
			segments:    make(map[string]models.Segment),
			diarization: models.DiarizationNotStarted,
		}
		s.sessions[sessionID] = r
	}
	return r
}

func (s *MemoryStore) StartSession(ctx context.Context, info models.SessionInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(info.SessionID).info = info
	return nil
}

func (s *MemoryStore) EndSession(ctx context.Context, sessionID, reason string, code int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	r.ended, r.reason, r.code = true, reason, code
	return nil
}

func (s *MemoryStore) AppendSegments(ctx context.Context, sessionID string, segs []models.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.record(sessionID)
	for _, seg := range models.CloneSegments(segs) {
		r.segments[seg.ID] = seg
	}
	return nil
}

func (s *MemoryStore) FinalizeTranscript(ctx context.Context, sessionID string, segs []models.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.record(sessionID)
	r.segments = make(map[string]models.Segment, len(segs))
	for _, seg := range models.CloneSegments(segs) {
		r.segments[seg.ID] = seg
	}
	r.final = true
	return nil
}

// Transcript returns the stored segments ordered by start time.
func (s *MemoryStore) Transcript(ctx context.Context, sessionID string) ([]models.Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]models.Segment, 0, len(r.segments))
	for _, seg := range r.segments {
		out = append(out, seg)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		return out[i].ID < out[j].ID
	})
	return models.CloneSegments(out), nil
}

// Finalized reports whether FinalizeTranscript ran for the session.
func (s *MemoryStore) Finalized(sessionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.sessions[sessionID]
	return ok && r.final
}

// Ended returns the recorded end reason and close code.
func (s *MemoryStore) Ended(sessionID string) (string, int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.sessions[sessionID]
	if !ok || !r.ended {
		return "", 0, false
	}
	return r.reason, r.code, true
}

func (s *MemoryStore) RetainAudio(ctx context.Context, sessionID, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(sessionID).audio = handle
	return nil
}

func (s *MemoryStore) AudioHandle(ctx context.Context, sessionID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.sessions[sessionID]
	if !ok || r.audio == "" {
		return "", ErrNotFound
	}
	return r.audio, nil
}

func (s *MemoryStore) SetDiarizationStatus(ctx context.Context, sessionID string, status models.DiarizationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(sessionID).diarization = status
	return nil
}

func (s *MemoryStore) DiarizationStatus(ctx context.Context, sessionID string) (models.DiarizationStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.sessions[sessionID]
	if !ok {
		return models.DiarizationNotStarted, nil
	}
	return r.diarization, nil
}

func (s *MemoryStore) SpeechProfile(ctx context.Context, uid string) ([]byte, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[uid]
	if !ok {
		return nil, 0, ErrNotFound
	}
	return append([]byte(nil), p.pcm...), p.rate, nil
}

func (s *MemoryStore) SaveSpeechProfile(ctx context.Context, uid string, pcm []byte, sampleRate int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[uid] = profile{pcm: append([]byte(nil), pcm...), rate: sampleRate}
	return nil
}

func (s *MemoryStore) Vocabulary(ctx context.Context, uid string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.vocabulary[uid]...), nil
}

func (s *MemoryStore) SetVocabulary(ctx context.Context, uid string, words []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vocabulary[uid] = append([]string(nil), words...)
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() {}
