package session

import (
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/pipewatch/internal/matcher"
)

var (
	idSpace  = uuid.MustParse("6f1c1f0e-8d0a-4c63-9b7e-2f4a1d5e9c31")
	keySpace = uuid.MustParse("0b7d4a52-3e9f-4f1a-a6c2-8e5b7d1c4f60")
)

// Change describes what an applied event did to the session list.
type Change int

const (
	ChangeNone Change = iota
	// ChangeOpened: a new session became the open session.
	ChangeOpened
	// ChangeUpdated: a field of the open session changed.
	ChangeUpdated
	// ChangeTerminal: the open session reached Complete or Error.
	ChangeTerminal
	// ChangeSuperseded: the open session was closed by a newer start marker.
	ChangeSuperseded
)

func (c Change) String() string {
	switch c {
	case ChangeOpened:
		return "opened"
	case ChangeUpdated:
		return "updated"
	case ChangeTerminal:
		return "terminal"
	case ChangeSuperseded:
		return "superseded"
	default:
		return "none"
	}
}

// Transition is emitted for every change the machine makes. Session is a
// copy taken after the change.
type Transition struct {
	Change  Change
	From    Status
	To      Status
	Session Session
}

// Input pairs a classified event with the time it was logged.
type Input struct {
	Event matcher.SemanticEvent
	At    time.Time
}

// Machine folds semantic events into sessions. It is not safe for concurrent
// use; callers serialize access.
type Machine struct {
	closed []Session // oldest first
	open   *Session
	seq    int
}

// NewMachine returns an empty Machine.
func NewMachine() *Machine { return &Machine{} }

// Fold applies events to a fresh Machine and returns its sessions,
// most-recent-first.
func Fold(events []Input) []Session {
	m := NewMachine()
	for _, in := range events {
		m.Apply(in.Event, in.At)
	}
	return m.Sessions()
}

// Reset drops every session and restarts id assignment.
func (m *Machine) Reset() {
	m.closed = nil
	m.open = nil
	m.seq = 0
}

// Len returns the number of sessions, open one included.
func (m *Machine) Len() int {
	n := len(m.closed)
	if m.open != nil {
		n++
	}
	return n
}

// Open returns a copy of the open session.
func (m *Machine) Open() (Session, bool) {
	if m.open == nil {
		return Session{}, false
	}
	return m.open.Clone(), true
}

// Sessions returns deep copies of all sessions, most-recent-first.
func (m *Machine) Sessions() []Session {
	out := make([]Session, 0, m.Len())
	if m.open != nil {
		out = append(out, m.open.Clone())
	}
	for i := len(m.closed) - 1; i >= 0; i-- {
		out = append(out, m.closed[i].Clone())
	}
	return out
}

// Apply folds one event. It never fails: events that cannot apply are no-ops.
func (m *Machine) Apply(ev matcher.SemanticEvent, at time.Time) []Transition {
	if ev.Kind == matcher.KindSessionStart {
		return m.start(ev, at)
	}
	s := m.open
	if s == nil {
		return nil
	}
	from := s.Status

	switch ev.Kind {
	case matcher.KindError:
		return m.fail(ev.Raw)
	case matcher.KindUnclassified:
		if ev.Fallback {
			return m.fail(ev.Raw)
		}
		return nil
	}

	if from.Terminal() {
		return nil
	}

	switch ev.Kind {
	case matcher.KindFileIdentified:
		s.SourceFile = ev.Path
	case matcher.KindImageVariants:
		s.ImageVariantCount = ev.Count
	case matcher.KindArtifactPublished:
		s.ArtifactID = ev.ID
	case matcher.KindConfidence:
		v := ev.Value
		s.Confidence = &v
	case matcher.KindSessionCompleted:
		end := at
		s.EndedAt = &end
		s.Status = StatusComplete
		return []Transition{{Change: ChangeTerminal, From: from, To: s.Status, Session: s.Clone()}}
	default:
		return nil
	}
	return []Transition{{Change: ChangeUpdated, From: from, To: from, Session: s.Clone()}}
}

func (m *Machine) start(ev matcher.SemanticEvent, at time.Time) []Transition {
	var out []Transition
	if m.open != nil {
		prev := m.open
		m.closed = append(m.closed, *prev)
		out = append(out, Transition{Change: ChangeSuperseded, From: prev.Status, To: prev.Status, Session: prev.Clone()})
	}
	m.seq++
	s := &Session{
		ID:        uuid.NewSHA1(idSpace, []byte(strconv.Itoa(m.seq))).String(),
		Seq:       m.seq,
		Key:       uuid.NewSHA1(keySpace, []byte(at.UTC().Format(time.RFC3339Nano)+"\n"+ev.Raw)).String(),
		Status:    StatusProcessing,
		Errors:    []string{},
		BatchItem: ev.Item,
		StartedAt: at,
	}
	m.open = s
	return append(out, Transition{Change: ChangeOpened, To: s.Status, Session: s.Clone()})
}

// fail appends raw to the open session's errors. Errors are sticky: the
// status becomes Error unless the session already completed.
func (m *Machine) fail(raw string) []Transition {
	s := m.open
	from := s.Status
	if from == StatusComplete {
		return nil
	}
	s.Errors = append(s.Errors, raw)
	s.Status = StatusError
	change := ChangeUpdated
	if from != StatusError {
		change = ChangeTerminal
	}
	return []Transition{{Change: change, From: from, To: s.Status, Session: s.Clone()}}
}
