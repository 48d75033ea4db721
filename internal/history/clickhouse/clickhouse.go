package clickhouse

import (
	"context"
	"fmt"
	"regexp"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/pipewatch/internal/history"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Sink sends events to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

// Options configures the connection. Zero values use the server defaults.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

// New connects, pings and creates the table when it is missing.
func New(opts Options) (*Sink, error) {
	if opts.Table == "" {
		opts.Table = "session_history"
	}
	if !tableName.MatchString(opts.Table) {
		return nil, fmt.Errorf("invalid ClickHouse table name %q", opts.Table)
	}
	if opts.Database == "" {
		opts.Database = "default"
	}
	if opts.Username == "" {
		opts.Username = "default"
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx := context.Background()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	s := &Sink{conn: conn, table: opts.Table}
	if err := s.ensureTable(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureTable(ctx context.Context) error {
	err := s.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+s.table+` (
			event LowCardinality(String),
			occurred_at DateTime64(6),
			session_key String,
			session_id String,
			status LowCardinality(String),
			source_file String,
			artifact_id String,
			image_variants UInt32,
			confidence Nullable(Float64),
			errors Array(String),
			batch_item String,
			started_at DateTime64(6),
			ended_at Nullable(DateTime64(6)),
			duration_ms Nullable(Int64)
		) ENGINE = MergeTree()
		ORDER BY (occurred_at, session_key)`)
	if err != nil {
		return fmt.Errorf("failed to create ClickHouse table: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	rec := e.Record
	errs := rec.Errors
	if errs == nil {
		errs = []string{}
	}
	query := fmt.Sprintf(`INSERT INTO %s (event, occurred_at, session_key, session_id, status, source_file, artifact_id, image_variants, confidence, errors, batch_item, started_at, ended_at, duration_ms) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)

	err := s.conn.Exec(ctx, query,
		string(e.Type),
		e.OccurredAt,
		rec.Key,
		rec.SessionID,
		rec.Status,
		rec.SourceFile,
		rec.ArtifactID,
		uint32(rec.ImageVariantCount),
		rec.Confidence,
		errs,
		rec.BatchItem,
		rec.StartedAt,
		rec.EndedAt,
		rec.Duration(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}

// Count returns the number of rows stored for a session key.
func (s *Sink) Count(ctx context.Context, key string) (uint64, error) {
	var n uint64
	err := s.conn.QueryRow(ctx, "SELECT COUNT(*) FROM "+s.table+" WHERE session_key = ?", key).Scan(&n)
	return n, err
}
