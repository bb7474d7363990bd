package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"realtime-transcription-service/internal/models"
)

var _ Store = (*PostgresStore)(nil)

// PostgresStore persists sessions and transcripts in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn, verifies the connection and runs Migrate.
// maxConns caps the pool when positive.
func NewPostgresStore(ctx context.Context, dsn string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) StartSession(ctx context.Context, info models.SessionInfo) error {
	const q = `
		INSERT INTO transcription_sessions
		    (session_id, uid, conversation_id, language, codec, sample_rate, provider, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id) DO UPDATE SET
		    conversation_id = EXCLUDED.conversation_id,
		    provider        = EXCLUDED.provider`
	_, err := s.pool.Exec(ctx, q,
		info.SessionID, info.UID, info.ConversationID, info.Language,
		string(info.Codec), info.SampleRate, info.Provider, info.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres store: start session: %w", err)
	}
	return nil
}

func (s *PostgresStore) EndSession(ctx context.Context, sessionID, reason string, code int) error {
	const q = `
		UPDATE transcription_sessions
		SET ended_at = now(), end_reason = $2, close_code = $3
		WHERE session_id = $1`
	tag, err := s.pool.Exec(ctx, q, sessionID, reason, code)
	if err != nil {
		return fmt.Errorf("postgres store: end session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const upsertSegment = `
	INSERT INTO transcript_segments
	    (session_id, segment_id, text, speaker, speaker_id, start_secs, end_secs, is_user, person_id)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (session_id, segment_id) DO UPDATE SET
	    text       = EXCLUDED.text,
	    speaker    = EXCLUDED.speaker,
	    speaker_id = EXCLUDED.speaker_id,
	    start_secs = EXCLUDED.start_secs,
	    end_secs   = EXCLUDED.end_secs,
	    is_user    = EXCLUDED.is_user,
	    person_id  = EXCLUDED.person_id`

func queueSegments(batch *pgx.Batch, sessionID string, segs []models.Segment) {
	for _, seg := range segs {
		batch.Queue(upsertSegment,
			sessionID, seg.ID, seg.Text, seg.Speaker, seg.SpeakerID,
			seg.Start, seg.End, seg.IsUser, seg.PersonID,
		)
	}
}

func (s *PostgresStore) AppendSegments(ctx context.Context, sessionID string, segs []models.Segment) error {
	if len(segs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	queueSegments(batch, sessionID, segs)
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres store: append segments: %w", err)
	}
	return nil
}

// FinalizeTranscript swaps the stored segments for segs in one transaction.
func (s *PostgresStore) FinalizeTranscript(ctx context.Context, sessionID string, segs []models.Segment) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres store: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM transcript_segments WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("postgres store: clear segments: %w", err)
	}
	batch := &pgx.Batch{}
	queueSegments(batch, sessionID, segs)
	batch.Queue(`UPDATE transcription_sessions SET transcript_final = true WHERE session_id = $1`, sessionID)
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres store: write final segments: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres store: commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) Transcript(ctx context.Context, sessionID string) ([]models.Segment, error) {
	const q = `
		SELECT segment_id, text, speaker, speaker_id, start_secs, end_secs, is_user, person_id
		FROM transcript_segments
		WHERE session_id = $1
		ORDER BY start_secs, segment_id`
	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: transcript: %w", err)
	}
	segs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Segment, error) {
		var seg models.Segment
		err := row.Scan(&seg.ID, &seg.Text, &seg.Speaker, &seg.SpeakerID, &seg.Start, &seg.End, &seg.IsUser, &seg.PersonID)
		return seg, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: transcript: %w", err)
	}
	return segs, nil
}

func (s *PostgresStore) RetainAudio(ctx context.Context, sessionID, handle string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE transcription_sessions SET audio_handle = $2 WHERE session_id = $1`, sessionID, handle)
	if err != nil {
		return fmt.Errorf("postgres store: retain audio: %w", err)
	}
	return nil
}

func (s *PostgresStore) AudioHandle(ctx context.Context, sessionID string) (string, error) {
	var handle string
	err := s.pool.QueryRow(ctx,
		`SELECT audio_handle FROM transcription_sessions WHERE session_id = $1`, sessionID).Scan(&handle)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && handle == "") {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("postgres store: audio handle: %w", err)
	}
	return handle, nil
}

func (s *PostgresStore) SetDiarizationStatus(ctx context.Context, sessionID string, status models.DiarizationStatus) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE transcription_sessions SET diarization_status = $2 WHERE session_id = $1`, sessionID, string(status))
	if err != nil {
		return fmt.Errorf("postgres store: set diarization status: %w", err)
	}
	return nil
}

func (s *PostgresStore) DiarizationStatus(ctx context.Context, sessionID string) (models.DiarizationStatus, error) {
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT diarization_status FROM transcription_sessions WHERE session_id = $1`, sessionID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DiarizationNotStarted, nil
	}
	if err != nil {
		return "", fmt.Errorf("postgres store: diarization status: %w", err)
	}
	return models.DiarizationStatus(status), nil
}

func (s *PostgresStore) SpeechProfile(ctx context.Context, uid string) ([]byte, int, error) {
	var (
		pcm  []byte
		rate int
	)
	err := s.pool.QueryRow(ctx,
		`SELECT pcm, sample_rate FROM speech_profiles WHERE uid = $1`, uid).Scan(&pcm, &rate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("postgres store: speech profile: %w", err)
	}
	return pcm, rate, nil
}

func (s *PostgresStore) SaveSpeechProfile(ctx context.Context, uid string, pcm []byte, sampleRate int) error {
	const q = `
		INSERT INTO speech_profiles (uid, pcm, sample_rate, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (uid) DO UPDATE SET
		    pcm = EXCLUDED.pcm, sample_rate = EXCLUDED.sample_rate, updated_at = now()`
	if _, err := s.pool.Exec(ctx, q, uid, pcm, sampleRate); err != nil {
		return fmt.Errorf("postgres store: save speech profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) Vocabulary(ctx context.Context, uid string) ([]string, error) {
	var words []string
	err := s.pool.QueryRow(ctx, `SELECT words FROM user_vocabulary WHERE uid = $1`, uid).Scan(&words)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: vocabulary: %w", err)
	}
	return words, nil
}

func (s *PostgresStore) SetVocabulary(ctx context.Context, uid string, words []string) error {
	const q = `
		INSERT INTO user_vocabulary (uid, words) VALUES ($1, $2)
		ON CONFLICT (uid) DO UPDATE SET words = EXCLUDED.words`
	if _, err := s.pool.Exec(ctx, q, uid, words); err != nil {
		return fmt.Errorf("postgres store: set vocabulary: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
