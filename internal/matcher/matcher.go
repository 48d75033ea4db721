package matcher

import (
	"regexp"
	"strings"

	"github.com/loykin/pipewatch/internal/normalizer"
)

// Kind tags the meaning of a classified line.
type Kind string

const (
	KindSessionStart      Kind = "session_start"
	KindFileIdentified    Kind = "file_identified"
	KindImageVariants     Kind = "image_variants_reported"
	KindArtifactPublished Kind = "artifact_published"
	KindConfidence        Kind = "confidence_reported"
	KindError             Kind = "error_observed"
	KindSessionCompleted  Kind = "session_completed"
	KindUnclassified      Kind = "unclassified"
)

// Kinds lists every kind in rule priority order, Unclassified last.
func Kinds() []Kind {
	return []Kind{
		KindError,
		KindSessionStart,
		KindFileIdentified,
		KindImageVariants,
		KindArtifactPublished,
		KindConfidence,
		KindSessionCompleted,
		KindUnclassified,
	}
}

// SemanticEvent is the classified meaning of one log line. Only the payload
// field that belongs to Kind is set.
type SemanticEvent struct {
	Kind  Kind    `json:"kind"`
	Path  string  `json:"path,omitempty"`
	Count int     `json:"count,omitempty"`
	ID    string  `json:"id,omitempty"`
	Value float64 `json:"value,omitempty"`
	// Raw is the line text the event was classified from.
	Raw string `json:"raw"`
	// Item is the batch tag that prefixed the line, if any.
	Item string `json:"item,omitempty"`
	// Fallback is set on Unclassified events whose text looks like a failure.
	Fallback bool `json:"fallback,omitempty"`
}

// Matcher evaluates an ordered rule table against log events.
type Matcher struct {
	rules []Rule
}

// New returns a Matcher using rules in the given order.
func New(rules ...Rule) *Matcher {
	return &Matcher{rules: append([]Rule(nil), rules...)}
}

var std = New(DefaultRules()...)

// Default returns the Matcher built from DefaultRules.
func Default() *Matcher { return std }

// Classify runs the default rule table against ev.
func Classify(ev normalizer.LogEvent) SemanticEvent { return std.Classify(ev) }

// Rules returns the rule table in evaluation order.
func (m *Matcher) Rules() []Rule { return append([]Rule(nil), m.rules...) }

// Classify returns the event produced by the first matching rule.
func (m *Matcher) Classify(ev normalizer.LogEvent) SemanticEvent {
	text, item, level := splitTag(ev.Text)
	if level == "" {
		level = ev.Level
	}
	in := Input{Text: text, Level: level, Origin: ev.Origin}
	for _, r := range m.rules {
		se, ok := r.Match(in)
		if !ok {
			continue
		}
		se.Kind = r.Kind
		se.Raw = ev.Text
		se.Item = item
		return se
	}
	return SemanticEvent{
		Kind:     KindUnclassified,
		Raw:      ev.Text,
		Item:     item,
		Fallback: IsFailureShape(text),
	}
}

var tagRE = regexp.MustCompile(`^\[([^\]\s]+)\]\s*`)

var levelTags = map[string]bool{
	"DEBUG": true, "INFO": true, "WARN": true, "WARNING": true, "ERROR": true, "CRITICAL": true, "SUCCESS": true,
}

// splitTag peels a leading "[tag] " off text. Level names are returned as
// level, anything else as a batch item.
func splitTag(text string) (rest, item, level string) {
	m := tagRE.FindStringSubmatch(text)
	if m == nil {
		return text, "", ""
	}
	rest = text[len(m[0]):]
	if up := strings.ToUpper(m[1]); levelTags[up] {
		return rest, "", up
	}
	if m[1] == "BATCH" {
		return rest, "", ""
	}
	return rest, m[1], ""
}

var failureWords = []string{
	"failed",
	"failure",
	"rejected",
	"exception",
	"fatal",
	"denied",
	"timed out",
	"error:",
}

// IsFailureShape reports whether text reads like a failure even though no
// explicit error marker matched.
func IsFailureShape(text string) bool {
	lower := strings.ToLower(text)
	for _, w := range failureWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}
