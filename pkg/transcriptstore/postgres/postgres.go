// Package postgres provides a PostgreSQL-backed implementation of
// [transcriptstore.Store].
//
// A session row in dictation_sessions holds the last full transcript
// rewrite; transcript_deltas holds every append received since. Reading a
// session concatenates the base text with its deltas in insertion order, so
// a writer never has to resend text it already delivered. A full rewrite
// (user edit, snapshot engine) clears the delta stream in the same
// transaction.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/scribeflow/pkg/transcriptstore"
)

var _ transcriptstore.Store = (*Store)(nil)

const ddl = `
CREATE TABLE IF NOT EXISTS dictation_sessions (
    id            TEXT         PRIMARY KEY,
    title         TEXT         NOT NULL DEFAULT '',
    transcription TEXT         NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS transcript_deltas (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL REFERENCES dictation_sessions (id) ON DELETE CASCADE,
    delta       TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcript_deltas_session
    ON transcript_deltas (session_id, id);

CREATE TABLE IF NOT EXISTS screenshots (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL REFERENCES dictation_sessions (id) ON DELETE CASCADE,
    image       BYTEA        NOT NULL,
    captured_at TIMESTAMPTZ  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_screenshots_session
    ON screenshots (session_id, captured_at);
`

// Store is safe for concurrent use; all methods share one [pgxpool.Pool].
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the PostgreSQL database at dsn and ensures the
// transcript schema exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("transcript store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("transcript store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate creates the transcript tables if they are missing. It is
// idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// StartSession implements [transcriptstore.Store].
func (s *Store) StartSession(ctx context.Context, title string) (string, error) {
	id := uuid.NewString()
	const q = `INSERT INTO dictation_sessions (id, title) VALUES ($1, $2)`
	if _, err := s.pool.Exec(ctx, q, id, title); err != nil {
		return "", fmt.Errorf("transcript store: start session: %w", err)
	}
	return id, nil
}

// SaveDelta implements [transcriptstore.Store]. The delta is appended to the
// session's delta stream; callers own the watermark that decides what counts
// as new.
func (s *Store) SaveDelta(ctx context.Context, sessionID, delta string) error {
	const q = `
		WITH bump AS (
		    UPDATE dictation_sessions SET updated_at = now()
		    WHERE  id = $1
		    RETURNING id
		)
		INSERT INTO transcript_deltas (session_id, delta)
		SELECT id, $2 FROM bump`

	tag, err := s.pool.Exec(ctx, q, sessionID, delta)
	if err != nil {
		return fmt.Errorf("transcript store: save delta: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return transcriptstore.ErrSessionNotFound
	}
	return nil
}

// UpdateTranscription implements [transcriptstore.Store]. It replaces the
// stored transcript wholesale and clears the delta stream in the same
// transaction, so a concurrent read never sees the old deltas appended to
// the new base text.
func (s *Store) UpdateTranscription(ctx context.Context, sessionID, transcription string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("transcript store: update transcription: %w", err)
	}
	defer tx.Rollback(ctx)

	const upd = `
		UPDATE dictation_sessions
		SET    transcription = $2, updated_at = now()
		WHERE  id = $1`
	tag, err := tx.Exec(ctx, upd, sessionID, transcription)
	if err != nil {
		return fmt.Errorf("transcript store: update transcription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return transcriptstore.ErrSessionNotFound
	}
	if _, err := tx.Exec(ctx, `DELETE FROM transcript_deltas WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("transcript store: clear deltas: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("transcript store: update transcription: %w", err)
	}
	return nil
}

// UpdateTitle implements [transcriptstore.Store].
func (s *Store) UpdateTitle(ctx context.Context, sessionID, title string) error {
	const q = `
		UPDATE dictation_sessions
		SET    title = $2, updated_at = now()
		WHERE  id = $1`
	tag, err := s.pool.Exec(ctx, q, sessionID, title)
	if err != nil {
		return fmt.Errorf("transcript store: update title: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return transcriptstore.ErrSessionNotFound
	}
	return nil
}

// SaveScreenshot implements [transcriptstore.Store].
func (s *Store) SaveScreenshot(ctx context.Context, sessionID string, image []byte, capturedAt time.Time) error {
	const q = `INSERT INTO screenshots (session_id, image, captured_at) VALUES ($1, $2, $3)`
	if _, err := s.pool.Exec(ctx, q, sessionID, image, capturedAt); err != nil {
		return fmt.Errorf("transcript store: save screenshot: %w", err)
	}
	return nil
}

// GetSession implements [transcriptstore.Store]. The transcript is
// reconstructed as the base text plus all deltas in insertion order.
func (s *Store) GetSession(ctx context.Context, sessionID string) (transcriptstore.Session, error) {
	const q = `
		SELECT s.id, s.title, s.created_at, s.updated_at,
		       s.transcription || coalesce(
		           (SELECT string_agg(d.delta, '' ORDER BY d.id)
		            FROM   transcript_deltas d
		            WHERE  d.session_id = s.id), '')
		FROM   dictation_sessions s
		WHERE  s.id = $1`

	var sess transcriptstore.Session
	err := s.pool.QueryRow(ctx, q, sessionID).Scan(
		&sess.ID,
		&sess.Title,
		&sess.CreatedAt,
		&sess.UpdatedAt,
		&sess.Transcription,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return transcriptstore.Session{}, transcriptstore.ErrSessionNotFound
	}
	if err != nil {
		return transcriptstore.Session{}, fmt.Errorf("transcript store: get session: %w", err)
	}
	return sess, nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("transcript store: ping: %w", err)
	}
	return nil
}
