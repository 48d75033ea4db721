package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/pipewatch/internal/history"
)

func testEvent(key string, typ history.EventType) history.Event {
	ended := time.Now().UTC()
	conf := 0.92
	return history.Event{
		Type:       typ,
		OccurredAt: ended,
		Record: history.Record{
			Key:               key,
			SessionID:         "session-1",
			Status:            "Complete",
			SourceFile:        "panel_014.jpg",
			ArtifactID:        "prod-8821",
			ImageVariantCount: 4,
			Confidence:        &conf,
			Errors:            []string{},
			StartedAt:         ended.Add(-time.Minute),
			EndedAt:           &ended,
		},
	}
}

func TestSQLiteSink_File(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")

	sink, err := New("sqlite://" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	if err := sink.Send(ctx, testEvent("k1", history.EventCompleted)); err != nil {
		t.Fatalf("Failed to send event: %v", err)
	}

	errored := testEvent("k2", history.EventErrored)
	errored.Record.Status = "Error"
	errored.Record.Confidence = nil
	errored.Record.EndedAt = nil
	errored.Record.Errors = []string{"❌ a", "❌ b"}
	if err := sink.Send(ctx, errored); err != nil {
		t.Fatalf("Failed to send errored event: %v", err)
	}

	for _, k := range []string{"k1", "k2"} {
		n, err := sink.Count(ctx, k)
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if n != 1 {
			t.Fatalf("expected 1 row for %s, got %d", k, n)
		}
	}

	var errText string
	if err := sink.db.QueryRowContext(ctx, `SELECT errors FROM session_history WHERE session_key = 'k2'`).Scan(&errText); err != nil {
		t.Fatalf("query errors: %v", err)
	}
	if errText != "❌ a\n❌ b" {
		t.Fatalf("unexpected errors column: %q", errText)
	}

	var d1, d2 sql.NullInt64
	if err := sink.db.QueryRowContext(ctx, `SELECT duration_ms FROM session_history WHERE session_key = 'k1'`).Scan(&d1); err != nil {
		t.Fatalf("query duration: %v", err)
	}
	if !d1.Valid || d1.Int64 != 60000 {
		t.Fatalf("unexpected duration_ms: %+v", d1)
	}
	if err := sink.db.QueryRowContext(ctx, `SELECT duration_ms FROM session_history WHERE session_key = 'k2'`).Scan(&d2); err != nil {
		t.Fatalf("query duration: %v", err)
	}
	if d2.Valid {
		t.Fatalf("open session must have no duration, got %d", d2.Int64)
	}
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create in-memory sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := sink.Send(ctx, testEvent("mem", history.EventCompleted)); err != nil {
			t.Fatalf("Failed to send event: %v", err)
		}
	}
	n, err := sink.Count(ctx, "mem")
	if err != nil || n != 3 {
		t.Fatalf("expected 3 rows, got %d (%v)", n, err)
	}
}

func TestSQLiteSink_ContextCancellation(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := sink.Send(ctx, testEvent("cancelled", history.EventCompleted)); err == nil {
		t.Fatal("expected error with cancelled context")
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}
