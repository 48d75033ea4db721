package matcher

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/loykin/pipewatch/internal/normalizer"
)

// Input is the view of a line a Rule sees: batch tags are already removed.
type Input struct {
	Text   string
	Level  string
	Origin normalizer.Origin
}

// Rule maps a marker or pattern to a semantic event. Match returns false when
// the marker is absent or its payload could not be parsed; the matcher then
// moves on to the next rule.
type Rule struct {
	Name  string
	Kind  Kind
	Match func(in Input) (SemanticEvent, bool)
}

// Contains builds a rule that fires when the text contains any marker.
func Contains(name string, kind Kind, markers ...string) Rule {
	return Rule{
		Name: name,
		Kind: kind,
		Match: func(in Input) (SemanticEvent, bool) {
			for _, mk := range markers {
				if strings.Contains(in.Text, mk) {
					return SemanticEvent{}, true
				}
			}
			return SemanticEvent{}, false
		},
	}
}

// ContainsFold is Contains with case-insensitive comparison.
func ContainsFold(name string, kind Kind, markers ...string) Rule {
	lower := make([]string, len(markers))
	for i, mk := range markers {
		lower[i] = strings.ToLower(mk)
	}
	return Rule{
		Name: name,
		Kind: kind,
		Match: func(in Input) (SemanticEvent, bool) {
			t := strings.ToLower(in.Text)
			for _, mk := range lower {
				if strings.Contains(t, mk) {
					return SemanticEvent{}, true
				}
			}
			return SemanticEvent{}, false
		},
	}
}

// Pattern builds a rule around a regular expression. extract receives the
// submatches of the first match and fills the payload; returning false marks
// the payload malformed.
func Pattern(name string, kind Kind, re *regexp.Regexp, extract func(m []string, se *SemanticEvent) bool) Rule {
	return Rule{
		Name: name,
		Kind: kind,
		Match: func(in Input) (SemanticEvent, bool) {
			m := re.FindStringSubmatch(in.Text)
			if m == nil {
				return SemanticEvent{}, false
			}
			var se SemanticEvent
			if extract != nil && !extract(m, &se) {
				return SemanticEvent{}, false
			}
			return se, true
		},
	}
}

// LevelIs builds a rule that fires on the given log levels.
func LevelIs(name string, kind Kind, levels ...string) Rule {
	return Rule{
		Name: name,
		Kind: kind,
		Match: func(in Input) (SemanticEvent, bool) {
			for _, l := range levels {
				if strings.EqualFold(in.Level, l) {
					return SemanticEvent{}, true
				}
			}
			return SemanticEvent{}, false
		},
	}
}

var (
	startRE      = regexp.MustCompile(`(?i)\bstarting (?:solar panel )?processing\b`)
	fileRE       = regexp.MustCompile(`(?:^|\s)(?:Input|Processing file):\s*(\S.*)$`)
	variantsRE   = regexp.MustCompile(`(?i)image process(?:ed|ing complete):\s*(\S+)\s+variants?\b`)
	artifactRE   = regexp.MustCompile(`(?i)upload complete(?:d)?:\s*(\S+)`)
	confidenceRE = regexp.MustCompile(`(?i)\bconfidence\b[\s:=(]*([^\s,)]+)`)
)

// DefaultRules is the sentinel vocabulary of the panel pipeline. Error markers
// come first so a failing line is never absorbed into a success-shaped update.
// "PROCESSING COMPLETE" precedes the start banner it contains.
func DefaultRules() []Rule {
	return []Rule{
		Contains("error-marker", KindError,
			"❌",
			"🚨 ERROR",
			"Error details:",
			"Traceback (most recent call last)",
			"[ERROR]",
		),
		LevelIs("error-level", KindError, "ERROR", "CRITICAL"),

		Contains("run-complete", KindSessionCompleted, "PROCESSING COMPLETE"),
		Contains("start-banner", KindSessionStart, "SOLAR PANEL PROCESSING"),
		Pattern("start-phrase", KindSessionStart, startRE, nil),

		Pattern("input-file", KindFileIdentified, fileRE, func(m []string, se *SemanticEvent) bool {
			se.Path = strings.TrimSpace(m[1])
			return se.Path != ""
		}),

		Pattern("image-variants", KindImageVariants, variantsRE, func(m []string, se *SemanticEvent) bool {
			n, err := strconv.Atoi(m[1])
			if err != nil || n < 0 {
				return false
			}
			se.Count = n
			return true
		}),

		Pattern("artifact-upload", KindArtifactPublished, artifactRE, func(m []string, se *SemanticEvent) bool {
			id := strings.TrimRight(m[1], ".,;")
			if id == "" || strings.EqualFold(id, "N/A") {
				return false
			}
			se.ID = id
			return true
		}),

		Pattern("confidence", KindConfidence, confidenceRE, func(m []string, se *SemanticEvent) bool {
			v, err := strconv.ParseFloat(m[1], 64)
			if err != nil || math.IsNaN(v) || v < 0 || v > 1 {
				return false
			}
			se.Value = v
			return true
		}),

		ContainsFold("completion", KindSessionCompleted,
			"CSV generated",
			"processing completed successfully",
		),
		Contains("item-completed", KindSessionCompleted, "✅ Completed "),
	}
}
