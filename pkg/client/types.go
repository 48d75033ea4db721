package client

import "time"

// Session mirrors a reconstructed session as served by the API.
type Session struct {
	ID                string     `json:"id"`
	Seq               int        `json:"seq"`
	Key               string     `json:"key"`
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

// Summary holds the session counts and success rate (percent, two decimals).
type Summary struct {
	Total       int     `json:"total"`
	Completed   int     `json:"completed"`
	Errored     int     `json:"errored"`
	Processing  int     `json:"processing"`
	SuccessRate float64 `json:"success_rate"`
}

// SummaryResponse is returned by GET /summary.
type SummaryResponse struct {
	Summary    Summary        `json:"summary"`
	Categories map[string]int `json:"categories"`
}

// LogEvent is one retained, normalized log line.
type LogEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Origin    string    `json:"origin"`
	Level     string    `json:"level,omitempty"`
	Text      string    `json:"text"`
	Repeat    int       `json:"repeat"`
}

// Raw is an event submitted to POST /ingest.
type Raw struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Origin    string    `json:"origin,omitempty"`
}

// Stats holds the engine retention counters.
type Stats struct {
	Retained  int `json:"retained"`
	Evicted   int `json:"evicted"`
	Discarded int `json:"discarded"`
	Sessions  int `json:"sessions"`
}

// SessionsQuery filters GET /sessions. Zero values mean no filter.
type SessionsQuery struct {
	Status string
	Limit  int
}

// IngestResult is returned by POST /ingest.
type IngestResult struct {
	OK       bool   `json:"ok"`
	Accepted int    `json:"accepted"`
	Mode     string `json:"mode"`
}

// Ingest modes.
const (
	ModeAppend  = "append"
	ModeReplace = "replace"
)

// Token is returned by POST /login.
type Token struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
