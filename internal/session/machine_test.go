package session

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/loykin/pipewatch/internal/matcher"
)

var t0 = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func start(raw string) matcher.SemanticEvent {
	return matcher.SemanticEvent{Kind: matcher.KindSessionStart, Raw: raw}
}

func file(p string) matcher.SemanticEvent {
	return matcher.SemanticEvent{Kind: matcher.KindFileIdentified, Path: p}
}

func failure(raw string) matcher.SemanticEvent {
	return matcher.SemanticEvent{Kind: matcher.KindError, Raw: raw}
}

var completed = matcher.SemanticEvent{Kind: matcher.KindSessionCompleted}

func TestMachine_FullLifecycle(t *testing.T) {
	m := NewMachine()
	m.Apply(start("🌞 SOLAR PANEL PROCESSING"), at(0))
	m.Apply(file("panel_014.jpg"), at(1))
	m.Apply(matcher.SemanticEvent{Kind: matcher.KindImageVariants, Count: 4}, at(2))
	m.Apply(matcher.SemanticEvent{Kind: matcher.KindConfidence, Value: 0.92}, at(3))
	m.Apply(matcher.SemanticEvent{Kind: matcher.KindArtifactPublished, ID: "prod-8821"}, at(4))
	tr := m.Apply(completed, at(5))

	if len(tr) != 1 || tr[0].Change != ChangeTerminal || tr[0].To != StatusComplete {
		t.Fatalf("unexpected transitions %+v", tr)
	}
	ss := m.Sessions()
	if len(ss) != 1 {
		t.Fatalf("expected one session, got %d", len(ss))
	}
	s := ss[0]
	if s.Status != StatusComplete || s.SourceFile != "panel_014.jpg" || s.ImageVariantCount != 4 ||
		s.ArtifactID != "prod-8821" || s.Confidence == nil || *s.Confidence != 0.92 {
		t.Fatalf("unexpected session %+v", s)
	}
	if s.EndedAt == nil || !s.EndedAt.Equal(at(5)) || s.Duration() != 5*time.Second {
		t.Fatalf("endedAt not set correctly: %+v", s.EndedAt)
	}
}

func TestMachine_FieldEventsWithoutOpenSessionAreDropped(t *testing.T) {
	m := NewMachine()
	for _, ev := range []matcher.SemanticEvent{file("x"), failure("❌ early"), completed} {
		if tr := m.Apply(ev, at(0)); tr != nil {
			t.Fatalf("expected no-op, got %+v", tr)
		}
	}
	if m.Len() != 0 {
		t.Fatalf("sessions created without start marker")
	}
}

func TestMachine_ErrorIsSticky(t *testing.T) {
	m := NewMachine()
	m.Apply(start("s"), at(0))
	tr := m.Apply(failure("❌ one"), at(1))
	if tr[0].Change != ChangeTerminal || tr[0].From != StatusProcessing || tr[0].To != StatusError {
		t.Fatalf("unexpected transition %+v", tr)
	}
	tr = m.Apply(failure("❌ two"), at(2))
	if tr[0].Change != ChangeUpdated {
		t.Fatalf("second error should be an update, got %s", tr[0].Change)
	}
	if tr := m.Apply(completed, at(3)); tr != nil {
		t.Fatalf("completion after error must be ignored")
	}
	m.Apply(file("late.jpg"), at(4))

	s, ok := m.Open()
	if !ok {
		t.Fatalf("expected open session")
	}
	if s.Status != StatusError || s.EndedAt != nil || s.SourceFile != "" {
		t.Fatalf("error session changed: %+v", s)
	}
	if !reflect.DeepEqual(s.Errors, []string{"❌ one", "❌ two"}) {
		t.Fatalf("errors = %v", s.Errors)
	}
}

func TestMachine_CompleteIgnoresLaterEvents(t *testing.T) {
	m := NewMachine()
	m.Apply(start("s"), at(0))
	m.Apply(completed, at(1))
	m.Apply(file("b.jpg"), at(2))
	m.Apply(failure("❌ late"), at(3))
	m.Apply(completed, at(4))
	s, _ := m.Open()
	if s.Status != StatusComplete || s.SourceFile != "" || len(s.Errors) != 0 || !s.EndedAt.Equal(at(1)) {
		t.Fatalf("complete session changed: %+v", s)
	}
}

func TestMachine_LastWriteWins(t *testing.T) {
	m := NewMachine()
	m.Apply(start("s"), at(0))
	m.Apply(file("a.jpg"), at(1))
	m.Apply(file("b.jpg"), at(2))
	s, _ := m.Open()
	if s.SourceFile != "b.jpg" {
		t.Fatalf("sourceFile = %q", s.SourceFile)
	}
}

func TestMachine_StartClosesExactlyOne(t *testing.T) {
	m := NewMachine()
	m.Apply(start("first"), at(0))
	m.Apply(file("a.jpg"), at(1))
	tr := m.Apply(start("second"), at(2))
	if len(tr) != 2 || tr[0].Change != ChangeSuperseded || tr[1].Change != ChangeOpened {
		t.Fatalf("unexpected transitions %+v", tr)
	}
	if tr[0].Session.Status != StatusProcessing {
		t.Fatalf("abandoned session must keep its status, got %s", tr[0].Session.Status)
	}
	ss := m.Sessions()
	if len(ss) != 2 || ss[0].Seq != 2 || ss[1].Seq != 1 || ss[1].SourceFile != "a.jpg" {
		t.Fatalf("unexpected order %+v", ss)
	}
	m.Apply(file("c.jpg"), at(3))
	if ss := m.Sessions(); ss[1].SourceFile != "a.jpg" || ss[0].SourceFile != "c.jpg" {
		t.Fatalf("closed session received an update")
	}
}

func TestMachine_UnclassifiedFallback(t *testing.T) {
	m := NewMachine()
	m.Apply(start("s"), at(0))
	m.Apply(matcher.SemanticEvent{Kind: matcher.KindUnclassified, Raw: "just chatter"}, at(1))
	s, _ := m.Open()
	if s.Status != StatusProcessing || len(s.Errors) != 0 {
		t.Fatalf("plain unclassified line changed session: %+v", s)
	}
	m.Apply(matcher.SemanticEvent{Kind: matcher.KindUnclassified, Raw: "! [rejected] main", Fallback: true}, at(2))
	s, _ = m.Open()
	if s.Status != StatusError || len(s.Errors) != 1 {
		t.Fatalf("failure-shaped line not attributed: %+v", s)
	}
}

func TestFold_Deterministic(t *testing.T) {
	in := []Input{
		{start("a"), at(0)},
		{file("a.jpg"), at(1)},
		{start("b"), at(2)},
		{failure("❌ x"), at(3)},
		{start("c"), at(4)},
		{completed, at(5)},
	}
	first := Fold(in)
	second := Fold(in)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("fold is not deterministic")
	}
	if first[0].ID == first[1].ID || first[1].ID == first[2].ID {
		t.Fatalf("ids must be distinct")
	}
}

func TestSessionsAreCopies(t *testing.T) {
	m := NewMachine()
	m.Apply(start("s"), at(0))
	m.Apply(failure("❌ a"), at(1))
	ss := m.Sessions()
	ss[0].Errors[0] = "mutated"
	ss[0].Errors = append(ss[0].Errors, "extra")
	s, _ := m.Open()
	if s.Errors[0] != "❌ a" || len(s.Errors) != 1 {
		t.Fatalf("snapshot shares memory with machine state")
	}
}

func TestMachine_BatchItemAndKey(t *testing.T) {
	m := NewMachine()
	ev := start("🔄 Starting processing")
	ev.Item = "panel_7"
	m.Apply(ev, at(0))
	s, _ := m.Open()
	if s.BatchItem != "panel_7" {
		t.Fatalf("batch item = %q", s.BatchItem)
	}

	other := NewMachine()
	other.Apply(start("unrelated"), at(9))
	other.Apply(ev, at(0))
	o, _ := other.Open()
	if o.Key != s.Key {
		t.Fatalf("key should depend only on start line and time")
	}
	if o.ID == s.ID {
		t.Fatalf("ids follow position, not content")
	}
}

func TestSessionJSONCarriesDuration(t *testing.T) {
	end := at(3)
	b, err := json.Marshal(Session{ID: "a", Status: StatusComplete, StartedAt: at(1), EndedAt: &end})
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatal(err)
	}
	if got["duration_ms"] != float64(2000) || got["status"] != "Complete" {
		t.Fatalf("unexpected json %s", b)
	}

	b, err = json.Marshal(Session{ID: "b", Status: StatusProcessing, StartedAt: at(1)})
	if err != nil {
		t.Fatal(err)
	}
	got = nil
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatal(err)
	}
	if _, ok := got["duration_ms"]; ok {
		t.Fatalf("processing session must not carry duration: %s", b)
	}
}
