package aggregator

import (
	"math"
	"sort"

	"github.com/loykin/pipewatch/internal/matcher"
	"github.com/loykin/pipewatch/internal/session"
)

// Summary is derived from a session list and never stored on its own.
type Summary struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	Errored    int `json:"errored"`
	Processing int `json:"processing"`
	// SuccessRate is Completed as a percentage of Total, two decimals.
	SuccessRate float64 `json:"success_rate"`
}

// Summarize counts sessions by status.
func Summarize(sessions []session.Session) Summary {
	var s Summary
	for _, ss := range sessions {
		s.Total++
		switch ss.Status {
		case session.StatusComplete:
			s.Completed++
		case session.StatusError:
			s.Errored++
		case session.StatusProcessing:
			s.Processing++
		}
	}
	if s.Total > 0 {
		s.SuccessRate = math.Round(float64(s.Completed)*10000/float64(s.Total)) / 100
	}
	return s
}

// Categories tallies classified lines by kind.
type Categories map[matcher.Kind]int

// Add counts one line of kind k.
func (c Categories) Add(k matcher.Kind) { c[k]++ }

// Clone returns an independent copy.
func (c Categories) Clone() Categories {
	out := make(Categories, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Total returns the number of lines counted.
func (c Categories) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

// Keys returns the counted kinds in lexical order.
func (c Categories) Keys() []matcher.Kind {
	keys := make([]matcher.Kind, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
