package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS transcription_sessions (
    session_id          TEXT         PRIMARY KEY,
    uid                 TEXT         NOT NULL,
    conversation_id     TEXT         NOT NULL DEFAULT '',
    language            TEXT         NOT NULL DEFAULT '',
    codec               TEXT         NOT NULL DEFAULT '',
    sample_rate         INTEGER      NOT NULL DEFAULT 0,
    provider            TEXT         NOT NULL DEFAULT '',
    started_at          TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at            TIMESTAMPTZ,
    end_reason          TEXT         NOT NULL DEFAULT '',
    close_code          INTEGER      NOT NULL DEFAULT 0,
    transcript_final    BOOLEAN      NOT NULL DEFAULT false,
    audio_handle        TEXT         NOT NULL DEFAULT '',
    diarization_status  TEXT         NOT NULL DEFAULT 'not_started'
);

CREATE INDEX IF NOT EXISTS idx_transcription_sessions_uid
    ON transcription_sessions (uid);
`

const ddlSegments = `
CREATE TABLE IF NOT EXISTS transcript_segments (
    session_id   TEXT              NOT NULL REFERENCES transcription_sessions (session_id) ON DELETE CASCADE,
    segment_id   TEXT              NOT NULL,
    text         TEXT              NOT NULL,
    speaker      TEXT              NOT NULL,
    speaker_id   INTEGER           NOT NULL DEFAULT 0,
    start_secs   DOUBLE PRECISION  NOT NULL,
    end_secs     DOUBLE PRECISION  NOT NULL,
    is_user      BOOLEAN           NOT NULL DEFAULT false,
    person_id    TEXT,
    PRIMARY KEY (session_id, segment_id)
);

CREATE INDEX IF NOT EXISTS idx_transcript_segments_start
    ON transcript_segments (session_id, start_secs);
`

const ddlUsers = `
CREATE TABLE IF NOT EXISTS speech_profiles (
    uid          TEXT         PRIMARY KEY,
    pcm          BYTEA        NOT NULL,
    sample_rate  INTEGER      NOT NULL,
    updated_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS user_vocabulary (
    uid    TEXT    PRIMARY KEY,
    words  TEXT[]  NOT NULL DEFAULT '{}'
);
`

// Migrate creates the tables the store needs. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []struct {
		name string
		ddl  string
	}{
		{"sessions", ddlSessions},
		{"segments", ddlSegments},
		{"users", ddlUsers},
	} {
		if _, err := pool.Exec(ctx, stmt.ddl); err != nil {
			return fmt.Errorf("migrate %s: %w", stmt.name, err)
		}
	}
	return nil
}
