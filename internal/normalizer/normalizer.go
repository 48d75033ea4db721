package normalizer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"
)

// Origin identifies which stream a line was captured from.
type Origin string

const (
	OriginStdout Origin = "stdout"
	OriginStderr Origin = "stderr"
	OriginMeta   Origin = "meta"
)

// Valid reports whether o is a known origin. The empty origin is accepted and
// treated as meta.
func (o Origin) Valid() bool {
	switch o {
	case "", OriginStdout, OriginStderr, OriginMeta:
		return true
	default:
		return false
	}
}

// Mode selects how terminal escape sequences are handled.
type Mode int

const (
	// ModePreserve keeps ANSI sequences in the text (default).
	ModePreserve Mode = iota
	// ModeStrip removes ANSI sequences, for storage-only use.
	ModeStrip
)

func (m Mode) String() string {
	if m == ModeStrip {
		return "strip"
	}
	return "preserve"
}

// Raw is a decoded transport message before normalization.
type Raw struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Origin    Origin    `json:"origin,omitempty"`
}

// epochMillisFrom is the smallest numeric timestamp read as milliseconds
// rather than seconds (year 5138 in seconds).
const epochMillisFrom = 1e11

// UnmarshalJSON accepts the timestamp as an RFC 3339 string or as a number
// of epoch seconds or milliseconds. A missing or null timestamp stays zero.
func (r *Raw) UnmarshalJSON(b []byte) error {
	var aux struct {
		Text      string          `json:"text"`
		Timestamp json.RawMessage `json:"timestamp"`
		Origin    Origin          `json:"origin"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	ts, err := parseTimestamp(aux.Timestamp)
	if err != nil {
		return err
	}
	*r = Raw{Text: aux.Text, Timestamp: ts, Origin: aux.Origin}
	return nil
}

func parseTimestamp(b json.RawMessage) (time.Time, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return time.Time{}, nil
	}
	if b[0] == '"' {
		var t time.Time
		if err := json.Unmarshal(b, &t); err != nil {
			return time.Time{}, fmt.Errorf("timestamp: %w", err)
		}
		return t, nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return time.Time{}, fmt.Errorf("timestamp: want RFC 3339 string or epoch number, got %s", b)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return time.Time{}, fmt.Errorf("timestamp: invalid epoch %s", b)
	}
	if f >= epochMillisFrom {
		ms := int64(f)
		return time.UnixMilli(ms).UTC(), nil
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC(), nil
}

// LogEvent is the canonical form of a single log line.
type LogEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Origin    Origin    `json:"origin"`
	Level     string    `json:"level,omitempty"`
	Text      string    `json:"text"`
	// Repeat is the number of identical consecutive lines this event stands for.
	Repeat int `json:"repeat"`
}

var (
	wrapperRE = regexp.MustCompile(`^(\d{2}):(\d{2}):(\d{2})\.(\d{3}) \[([^\]\s]+)\] `)
	repeatRE  = regexp.MustCompile(` \(x(\d+)\)$`)
)

const (
	markerStdout = "STDOUT:"
	markerStderr = "STDERR:"
)

// Normalize converts raw into a LogEvent. The second return value is false
// when the line carries no content and must be discarded.
func Normalize(raw Raw, mode Mode) (LogEvent, bool) {
	ev := LogEvent{
		Timestamp: raw.Timestamp,
		Origin:    raw.Origin,
		Repeat:    1,
	}
	if ev.Origin == "" {
		ev.Origin = OriginMeta
	}

	text := strings.TrimRight(raw.Text, "\r\n")
	text = unwrap(text, raw.Timestamp, &ev)
	text = strings.TrimRight(text, " \t")

	if m := repeatRE.FindStringSubmatchIndex(text); m != nil {
		if n, err := strconv.Atoi(text[m[2]:m[3]]); err == nil && n >= 2 {
			ev.Repeat = n
			text = text[:m[0]]
		}
	}

	if rest, origin, ok := cutStreamMarker(text); ok {
		// A relayed line may carry its own wrapper.
		text = unwrap(rest, raw.Timestamp, &ev)
		ev.Origin = origin
	}

	if mode == ModeStrip {
		text = ansi.Strip(text)
	}

	if strings.TrimSpace(text) == "" {
		return LogEvent{}, false
	}
	ev.Text = text
	return ev, true
}

var levels = map[string]bool{
	"DEBUG": true, "INFO": true, "WARN": true, "WARNING": true,
	"ERROR": true, "CRITICAL": true, "SUCCESS": true,
}

// unwrap removes a leading "HH:MM:SS.mmm [tag] " wrapper and anchors its time
// on ev. A level tag is moved to ev.Level; any other tag (a batch item) stays
// at the front of the returned text.
func unwrap(text string, ref time.Time, ev *LogEvent) string {
	m := wrapperRE.FindStringSubmatchIndex(text)
	if m == nil {
		return text
	}
	parts := []string{text[m[2]:m[3]], text[m[4]:m[5]], text[m[6]:m[7]], text[m[8]:m[9]]}
	if ts, ok := anchor(ref, parts); ok {
		ev.Timestamp = ts
	}
	tag := text[m[10]:m[11]]
	if up := strings.ToUpper(tag); levels[up] {
		ev.Level = up
		return text[m[1]:]
	}
	return text[m[10]-1:]
}

// cutStreamMarker returns the text after the first STDOUT:/STDERR: token.
func cutStreamMarker(text string) (string, Origin, bool) {
	so := strings.Index(text, markerStdout)
	se := strings.Index(text, markerStderr)
	switch {
	case so < 0 && se < 0:
		return text, "", false
	case se < 0 || (so >= 0 && so < se):
		return strings.TrimSpace(text[so+len(markerStdout):]), OriginStdout, true
	default:
		return strings.TrimSpace(text[se+len(markerStderr):]), OriginStderr, true
	}
}

// anchor places the wrapper's time of day on the date of ref. A wrapper time
// far ahead of ref belongs to the previous day (line logged just before
// midnight, received just after).
func anchor(ref time.Time, parts []string) (time.Time, bool) {
	if ref.IsZero() {
		return time.Time{}, false
	}
	var v [4]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return time.Time{}, false
		}
		v[i] = n
	}
	if v[0] > 23 || v[1] > 59 || v[2] > 59 {
		return time.Time{}, false
	}
	y, mo, d := ref.Date()
	ts := time.Date(y, mo, d, v[0], v[1], v[2], v[3]*int(time.Millisecond), ref.Location())
	if ts.Sub(ref) > 12*time.Hour {
		ts = ts.AddDate(0, 0, -1)
	}
	return ts, true
}
