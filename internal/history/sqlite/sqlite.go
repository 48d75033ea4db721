package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/pipewatch/internal/history"
)

// Sink writes history events to SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}

	// Handle sqlite:// prefix
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one connection keeps :memory: databases alive and serializes writers
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS session_history(
			occurred_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
			event TEXT NOT NULL,
			session_key TEXT NOT NULL,
			session_id TEXT NOT NULL,
			status TEXT NOT NULL,
			source_file TEXT,
			artifact_id TEXT,
			image_variants INTEGER NOT NULL DEFAULT 0,
			confidence REAL,
			errors TEXT,
			batch_item TEXT,
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP,
			duration_ms INTEGER
		);`,
		`CREATE INDEX IF NOT EXISTS idx_session_history_key ON session_history(session_key);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	rec := e.Record
	var ended any
	if rec.EndedAt != nil {
		ended = rec.EndedAt.UTC()
	}
	var confidence any
	if rec.Confidence != nil {
		confidence = *rec.Confidence
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_history(occurred_at, event, session_key, session_id, status, source_file,
			artifact_id, image_variants, confidence, errors, batch_item, started_at, ended_at, duration_ms)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC(), string(e.Type), rec.Key, rec.SessionID, rec.Status, rec.SourceFile,
		rec.ArtifactID, rec.ImageVariantCount, confidence, rec.ErrorText(), rec.BatchItem, rec.StartedAt.UTC(), ended,
		rec.Duration())
	return err
}

// Count returns the number of rows stored for a session key.
func (s *Sink) Count(ctx context.Context, key string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM session_history WHERE session_key = ?`, key).Scan(&n)
	return n, err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
