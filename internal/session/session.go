package session

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a Session.
type Status string

const (
	StatusProcessing Status = "Processing"
	StatusComplete   Status = "Complete"
	StatusError      Status = "Error"
)

// Terminal reports whether no further status change is possible.
func (s Status) Terminal() bool { return s == StatusComplete || s == StatusError }

// Session is one reconstructed run of the pipeline.
type Session struct {
	ID  string `json:"id"`
	Seq int    `json:"seq"`
	// Key identifies the session by its start line so the same run replayed
	// from a fresh snapshot can be recognized.
	Key               string     `json:"key"`
	Status            Status     `json:"status"`
	SourceFile        string     `json:"source_file,omitempty"`
	ArtifactID        string     `json:"artifact_id,omitempty"`
	ImageVariantCount int        `json:"image_variant_count"`
	Confidence        *float64   `json:"confidence,omitempty"`
	Errors            []string   `json:"errors"`
	BatchItem         string     `json:"batch_item,omitempty"`
	StartedAt         time.Time  `json:"started_at"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
}

// Duration returns EndedAt-StartedAt, or zero while the session has not ended.
func (s Session) Duration() time.Duration {
	if s.EndedAt == nil {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// MarshalJSON adds the derived duration_ms once the session has ended.
func (s Session) MarshalJSON() ([]byte, error) {
	type plain Session
	out := struct {
		plain
		DurationMS *int64 `json:"duration_ms,omitempty"`
	}{plain: plain(s)}
	if s.EndedAt != nil {
		ms := s.Duration().Milliseconds()
		out.DurationMS = &ms
	}
	return json.Marshal(out)
}

// Clone returns a deep copy.
func (s Session) Clone() Session {
	c := s
	c.Errors = append([]string{}, s.Errors...)
	if s.Confidence != nil {
		v := *s.Confidence
		c.Confidence = &v
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return c
}
