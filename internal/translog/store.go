// Package translog persists the accepted transcripts and spoken replies of
// voice sessions to PostgreSQL. The log is a supplement to the in-memory
// conversation history: the pipeline never reads it on the hot path, and a
// write failure never fails a turn.
package translog

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nvolker/duplex/internal/session"
)

// Compile-time interface check against the session layer's recorder
// contract.
var _ session.TranscriptRecorder = (*Store)(nil)

// ddlTranscriptEntries creates the log table and its lookup indexes.
const ddlTranscriptEntries = `
CREATE TABLE IF NOT EXISTS transcript_entries (
    id         BIGSERIAL    PRIMARY KEY,
    session_id TEXT         NOT NULL,
    role       TEXT         NOT NULL,
    text       TEXT         NOT NULL,
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcript_entries_session_id
    ON transcript_entries (session_id);

CREATE INDEX IF NOT EXISTS idx_transcript_entries_session_created
    ON transcript_entries (session_id, created_at);

CREATE INDEX IF NOT EXISTS idx_transcript_entries_fts
    ON transcript_entries USING GIN (to_tsvector('simple', text));
`

// Entry is one logged line of conversation.
type Entry struct {
	// SessionID identifies the session the line belongs to.
	SessionID string

	// Role is "user" for transcripts and "assistant" for spoken replies.
	Role string

	// Text is the transcript or reply text.
	Text string

	// CreatedAt is when the line was written.
	CreatedAt time.Time
}

// Store is the PostgreSQL-backed transcript log. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn and ensures the log schema
// exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("translog: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("translog: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlTranscriptEntries); err != nil {
		pool.Close()
		return nil, fmt.Errorf("translog: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping verifies database connectivity. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("translog: ping: %w", err)
	}
	return nil
}

// Record appends one line to the log. It satisfies the session layer's
// transcript recorder contract.
func (s *Store) Record(ctx context.Context, sessionID, role, text string) error {
	const q = `
		INSERT INTO transcript_entries (session_id, role, text)
		VALUES ($1, $2, $3)`

	if _, err := s.pool.Exec(ctx, q, sessionID, role, text); err != nil {
		return fmt.Errorf("translog: record: %w", err)
	}
	return nil
}

// Recent returns the lines of sessionID written within the given window,
// oldest first.
func (s *Store) Recent(ctx context.Context, sessionID string, window time.Duration) ([]Entry, error) {
	const q = `
		SELECT session_id, role, text, created_at
		FROM   transcript_entries
		WHERE  session_id = $1
		  AND  created_at >= now() - ($2::bigint * interval '1 microsecond')
		ORDER  BY created_at, id`

	rows, err := s.pool.Query(ctx, q, sessionID, window.Microseconds())
	if err != nil {
		return nil, fmt.Errorf("translog: recent: %w", err)
	}
	return collectEntries(rows)
}

// Search performs a full-text search over the whole log, newest sessions
// included. The query goes through plainto_tsquery, so no operator syntax is
// required. limit <= 0 means no limit.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]Entry, error) {
	q := `
		SELECT session_id, role, text, created_at
		FROM   transcript_entries
		WHERE  to_tsvector('simple', text) @@ plainto_tsquery('simple', $1)
		ORDER  BY created_at, id`
	args := []any{query}

	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("translog: search: %w", err)
	}
	return collectEntries(rows)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// collectEntries scans pgx rows into Entry values.
func collectEntries(rows pgx.Rows) ([]Entry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var e Entry
		err := row.Scan(&e.SessionID, &e.Role, &e.Text, &e.CreatedAt)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("translog: scan rows: %w", err)
	}
	return entries, nil
}
