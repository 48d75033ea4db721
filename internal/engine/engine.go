package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loykin/pipewatch/internal/aggregator"
	"github.com/loykin/pipewatch/internal/matcher"
	"github.com/loykin/pipewatch/internal/normalizer"
	"github.com/loykin/pipewatch/internal/session"
)

// DefaultHistoryLimit matches the size of the upstream verbatim log buffer.
const DefaultHistoryLimit = 1000

// ErrContract is returned when a caller hands the engine malformed input.
// Bad log content is never an error; only broken collaborators are.
var ErrContract = errors.New("engine contract violation")

// Mode tells Ingest whether events continue the history or replace it.
type Mode string

const (
	ModeAppend  Mode = "append"
	ModeReplace Mode = "replace"
)

// ParseMode parses "append" or "replace". The empty string means append.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeAppend:
		return ModeAppend, nil
	case ModeReplace:
		return ModeReplace, nil
	default:
		return "", fmt.Errorf("%w: unknown ingest mode %q", ErrContract, s)
	}
}

// Batch is a group of raw events delivered by one source.
type Batch struct {
	Events []normalizer.Raw
	Mode   Mode
	Source string
}

// Update describes the effect of one Ingest or Reset call.
type Update struct {
	Mode        Mode
	Reset       bool
	Lines       map[matcher.Kind]int
	Discarded   int
	Transitions []session.Transition
}

// Observer receives an Update after every state change. Observers run on the
// ingesting goroutine after the engine lock is released and must not block.
type Observer interface {
	Observe(Update)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Update)

func (f ObserverFunc) Observe(u Update) { f(u) }

// Options configures an Engine.
type Options struct {
	// HistoryLimit caps the retained event tail. Sessions and tallies still
	// cover every event ever folded.
	HistoryLimit int
	Normalize    normalizer.Mode
	Matcher      *matcher.Matcher
}

type entry struct {
	raw normalizer.Raw
	ev  normalizer.LogEvent
}

// Engine owns the working set: retained events, the session machine and the
// category tallies. All methods are safe for concurrent use; writes are
// serialized.
type Engine struct {
	mu         sync.RWMutex
	normalize  normalizer.Mode
	matcher    *matcher.Matcher
	machine    *session.Machine
	events     *ring[entry]
	categories aggregator.Categories
	discarded  int

	obsMu     sync.RWMutex
	observers []Observer
}

// New returns an empty Engine.
func New(opts Options) *Engine {
	limit := opts.HistoryLimit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	m := opts.Matcher
	if m == nil {
		m = matcher.Default()
	}
	return &Engine{
		normalize:  opts.Normalize,
		matcher:    m,
		machine:    session.NewMachine(),
		events:     newRing[entry](limit),
		categories: aggregator.Categories{},
	}
}

// AddObserver registers o for future updates.
func (e *Engine) AddObserver(o Observer) {
	e.obsMu.Lock()
	e.observers = append(e.observers, o)
	e.obsMu.Unlock()
}

func validate(events []normalizer.Raw, mode Mode) error {
	if mode != ModeAppend && mode != ModeReplace {
		return fmt.Errorf("%w: unknown ingest mode %q", ErrContract, mode)
	}
	for i, ev := range events {
		if ev.Timestamp.IsZero() {
			return fmt.Errorf("%w: event %d has no timestamp", ErrContract, i)
		}
		if !ev.Origin.Valid() {
			return fmt.Errorf("%w: event %d has unknown origin %q", ErrContract, i, ev.Origin)
		}
	}
	return nil
}

// Ingest folds events into the working set. ModeReplace discards all state
// first. The batch is validated as a whole before anything changes.
func (e *Engine) Ingest(events []normalizer.Raw, mode Mode) error {
	if err := validate(events, mode); err != nil {
		return err
	}
	u := Update{Mode: mode, Lines: make(map[matcher.Kind]int)}

	e.mu.Lock()
	if mode == ModeReplace {
		e.resetLocked()
		u.Reset = true
	}
	for _, raw := range events {
		e.foldLocked(raw, &u)
	}
	e.mu.Unlock()

	e.notify(u)
	return nil
}

// IngestBatch is Ingest for a Batch.
func (e *Engine) IngestBatch(b Batch) error {
	mode := b.Mode
	if mode == "" {
		mode = ModeAppend
	}
	return e.Ingest(b.Events, mode)
}

// Reset clears sessions, retained events and tallies.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.resetLocked()
	e.mu.Unlock()
	e.notify(Update{Reset: true, Lines: map[matcher.Kind]int{}})
}

// SetNormalizeMode changes ANSI handling. When the full history is still
// retained it is refolded; otherwise sessions and tallies are kept and only
// the retained events are renormalized.
func (e *Engine) SetNormalizeMode(mode normalizer.Mode) {
	e.mu.Lock()
	e.normalize = mode
	e.mu.Unlock()
	if e.Rebuild() {
		return
	}
	e.mu.Lock()
	e.events.each(func(en *entry) {
		if ev, ok := normalizer.Normalize(en.raw, mode); ok {
			en.ev = ev
		}
	})
	evicted := e.events.evicted
	e.mu.Unlock()
	slog.Info("normalize mode applied to retained events only", "mode", mode.String(), "evicted", evicted)
}

// Rebuild refolds the retained events from scratch and reports whether it did.
// Once events have been evicted the tail no longer covers the full history,
// so Rebuild leaves the state untouched and returns false.
func (e *Engine) Rebuild() bool {
	u := Update{Mode: ModeReplace, Reset: true, Lines: make(map[matcher.Kind]int)}
	e.mu.Lock()
	if e.events.evicted > 0 {
		e.mu.Unlock()
		return false
	}
	retained := e.events.tail(0)
	e.resetLocked()
	for _, en := range retained {
		e.foldLocked(en.raw, &u)
	}
	e.mu.Unlock()
	e.notify(u)
	return true
}

func (e *Engine) resetLocked() {
	e.machine.Reset()
	e.events.reset()
	e.categories = aggregator.Categories{}
	e.discarded = 0
}

func (e *Engine) foldLocked(raw normalizer.Raw, u *Update) {
	ev, ok := normalizer.Normalize(raw, e.normalize)
	if !ok {
		e.discarded++
		u.Discarded++
		return
	}
	e.events.push(entry{raw: raw, ev: ev})

	se := e.matcher.Classify(ev)
	e.categories.Add(se.Kind)
	u.Lines[se.Kind]++
	if se.Kind == matcher.KindUnclassified {
		slog.Debug("unclassified line", "text", ev.Text, "origin", ev.Origin, "fallback", se.Fallback)
	}
	u.Transitions = append(u.Transitions, e.machine.Apply(se, ev.Timestamp)...)
}

func (e *Engine) notify(u Update) {
	e.obsMu.RLock()
	obs := append([]Observer(nil), e.observers...)
	e.obsMu.RUnlock()
	for _, o := range obs {
		o.Observe(u)
	}
}

// Sessions returns a snapshot of all sessions, most-recent-first.
func (e *Engine) Sessions() []session.Session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.machine.Sessions()
}

// Session returns the session with the given id.
func (e *Engine) Session(id string) (session.Session, bool) {
	for _, s := range e.Sessions() {
		if s.ID == id {
			return s, true
		}
	}
	return session.Session{}, false
}

// Open returns the currently open session, if any.
func (e *Engine) Open() (session.Session, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.machine.Open()
}

// Summary summarizes the current sessions.
func (e *Engine) Summary() aggregator.Summary {
	return aggregator.Summarize(e.Sessions())
}

// Categories returns the per-kind line tallies.
func (e *Engine) Categories() aggregator.Categories {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.categories.Clone()
}

// Events returns up to limit most recent retained events, oldest first.
// limit <= 0 returns the whole retained tail.
func (e *Engine) Events(limit int) []normalizer.LogEvent {
	e.mu.RLock()
	entries := e.events.tail(limit)
	e.mu.RUnlock()
	out := make([]normalizer.LogEvent, len(entries))
	for i, en := range entries {
		out[i] = en.ev
	}
	return out
}

// Stats reports retention counters.
type Stats struct {
	Retained  int `json:"retained"`
	Evicted   int `json:"evicted"`
	Discarded int `json:"discarded"`
	Sessions  int `json:"sessions"`
}

// Stats returns retention counters.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{
		Retained:  e.events.len(),
		Evicted:   e.events.evicted,
		Discarded: e.discarded,
		Sessions:  e.machine.Len(),
	}
}
