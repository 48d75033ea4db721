package history

import (
	"context"
	"strings"
	"time"

	"github.com/loykin/pipewatch/internal/session"
)

// EventType describes how a session left the working set.
type EventType string

const (
	EventCompleted EventType = "completed"
	EventErrored   EventType = "errored"
	// EventAbandoned marks a session superseded while still processing.
	EventAbandoned EventType = "abandoned"
)

// Record is the exported form of a session.
type Record struct {
	Key               string     `json:"key"`
	SessionID         string     `json:"session_id"`
	Status            string     `json:"status"`
	SourceFile        string     `json:"source_file,omitempty"`
	ArtifactID        string     `json:"artifact_id,omitempty"`
	ImageVariantCount int        `json:"image_variant_count"`
	Confidence        *float64   `json:"confidence,omitempty"`
	Errors            []string   `json:"errors"`
	BatchItem         string     `json:"batch_item,omitempty"`
	StartedAt         time.Time  `json:"started_at"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
	DurationMS        *int64     `json:"duration_ms,omitempty"`
}

// Duration returns DurationMS, deriving it from EndedAt when unset.
func (r Record) Duration() *int64 {
	if r.DurationMS != nil || r.EndedAt == nil {
		return r.DurationMS
	}
	ms := r.EndedAt.Sub(r.StartedAt).Milliseconds()
	return &ms
}

// ErrorText joins the recorded errors one per line.
func (r Record) ErrorText() string { return strings.Join(r.Errors, "\n") }

// RecordFromSession copies s into a Record.
func RecordFromSession(s session.Session) Record {
	c := s.Clone()
	return Record{
		Key:               c.Key,
		SessionID:         c.ID,
		Status:            string(c.Status),
		SourceFile:        c.SourceFile,
		ArtifactID:        c.ArtifactID,
		ImageVariantCount: c.ImageVariantCount,
		Confidence:        c.Confidence,
		Errors:            c.Errors,
		BatchItem:         c.BatchItem,
		StartedAt:         c.StartedAt,
		EndedAt:           c.EndedAt,
		DurationMS:        Record{StartedAt: c.StartedAt, EndedAt: c.EndedAt}.Duration(),
	}
}

// TypeFor maps a session status to the event exported when it closes.
func TypeFor(st session.Status) EventType {
	switch st {
	case session.StatusComplete:
		return EventCompleted
	case session.StatusError:
		return EventErrored
	default:
		return EventAbandoned
	}
}

// Event represents a closed session to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
