package transport

import (
	"time"

	"github.com/loykin/pipewatch/internal/engine"
	"github.com/loykin/pipewatch/internal/normalizer"
)

// Envelope is one JSON message from the log server.
type Envelope struct {
	Type      string    `json:"type"`
	Message   string    `json:"message,omitempty"`
	Status    string    `json:"status,omitempty"`
	Verbatim  *[]string `json:"verbatim_log,omitempty"`
	Log       *[]string `json:"log,omitempty"`
	Timestamp string    `json:"timestamp,omitempty"`
}

// Message types sent by the server that carry nothing to ingest on their own.
const (
	TypePong      = "pong"
	TypeHeartbeat = "heartbeat"
	TypeWelcome   = "welcome"
)

// naive ISO-8601 as produced by servers that omit the zone.
const isoNoZone = "2006-01-02T15:04:05.999999"

func parseTimestamp(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.ParseInLocation(isoNoZone, s, time.Local); err == nil {
		return t
	}
	return fallback
}

// Batch converts e into an engine batch. A snapshot array, even an empty one,
// replaces the history. A bare message appends one line. Anything else is
// ignored.
func (e Envelope) Batch(now time.Time) (engine.Batch, bool) {
	ts := parseTimestamp(e.Timestamp, now)

	snapshot := e.Verbatim
	if snapshot == nil {
		snapshot = e.Log
	}
	if snapshot != nil {
		b := engine.Batch{Mode: engine.ModeReplace, Source: "websocket", Events: make([]normalizer.Raw, 0, len(*snapshot))}
		for _, line := range *snapshot {
			b.Events = append(b.Events, normalizer.Raw{Text: line, Timestamp: ts, Origin: normalizer.OriginMeta})
		}
		return b, true
	}

	switch e.Type {
	case TypePong, TypeHeartbeat, TypeWelcome:
		return engine.Batch{}, false
	}
	if e.Message == "" {
		return engine.Batch{}, false
	}
	origin := normalizer.OriginStdout
	if e.Status == "error" {
		origin = normalizer.OriginStderr
	}
	return engine.Batch{
		Mode:   engine.ModeAppend,
		Source: "websocket",
		Events: []normalizer.Raw{{Text: e.Message, Timestamp: ts, Origin: origin}},
	}, true
}
