package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/pipewatch/internal/engine"
	"github.com/loykin/pipewatch/internal/normalizer"
	"github.com/loykin/pipewatch/internal/session"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func (m *memSink) Close() error {
	m.closed = true
	return nil
}

func (m *memSink) types() []EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EventType, len(m.events))
	for i, e := range m.events {
		out[i] = e.Type
	}
	return out
}

func raws(texts ...string) []normalizer.Raw {
	at := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	out := make([]normalizer.Raw, len(texts))
	for i, t := range texts {
		out[i] = normalizer.Raw{Text: t, Timestamp: at.Add(time.Duration(i) * time.Second)}
	}
	return out
}

var mixed = raws(
	"🌞 SOLAR PANEL PROCESSING",
	"📁 Input: a.jpg",
	"✅ CSV generated: a.csv",
	"🌞 SOLAR PANEL PROCESSING",
	"❌ upload failed",
	"📋 Error details: quota exceeded",
	"🌞 SOLAR PANEL PROCESSING",
	"🌞 SOLAR PANEL PROCESSING",
)

func setup(t *testing.T, queue int) (*engine.Engine, *Recorder, *memSink) {
	t.Helper()
	sink := &memSink{}
	rec := NewRecorder(queue, sink)
	eng := engine.New(engine.Options{})
	eng.AddObserver(rec)
	return eng, rec, sink
}

func TestRecorderExportsClosedSessions(t *testing.T) {
	eng, rec, sink := setup(t, 16)
	rec.Start()

	require.NoError(t, eng.Ingest(mixed, engine.ModeAppend))
	require.NoError(t, rec.Close(context.Background()))

	assert.Equal(t, []EventType{EventCompleted, EventErrored, EventAbandoned}, sink.types())
	errored := sink.events[1].Record
	assert.Equal(t, "Error", errored.Status)
	assert.Equal(t, []string{"❌ upload failed", "📋 Error details: quota exceeded"}, errored.Errors)
	assert.Equal(t, "❌ upload failed\n📋 Error details: quota exceeded", errored.ErrorText())
	assert.Equal(t, "a.jpg", sink.events[0].Record.SourceFile)
	assert.True(t, sink.closed)
}

func TestRecorderDedupsReplays(t *testing.T) {
	eng, rec, sink := setup(t, 16)
	rec.Start()

	require.NoError(t, eng.Ingest(mixed, engine.ModeAppend))
	require.NoError(t, eng.Ingest(mixed, engine.ModeReplace))
	eng.Rebuild()
	require.NoError(t, rec.Close(context.Background()))

	assert.Len(t, sink.types(), 3)
}

func TestRecorderFlushesOpenErrors(t *testing.T) {
	eng, rec, sink := setup(t, 16)
	rec.Start()

	require.NoError(t, eng.Ingest(raws("🌞 SOLAR PANEL PROCESSING", "❌ boom"), engine.ModeAppend))
	rec.Flush(eng.Sessions())
	rec.Flush(eng.Sessions())
	require.NoError(t, rec.Close(context.Background()))

	assert.Equal(t, []EventType{EventErrored}, sink.types())
}

func TestRecorderDropsWhenQueueFull(t *testing.T) {
	eng, rec, sink := setup(t, 1)
	require.NoError(t, eng.Ingest(mixed, engine.ModeAppend))
	rec.Start()
	require.NoError(t, rec.Close(context.Background()))

	assert.Equal(t, []EventType{EventCompleted}, sink.types())
}

func TestRecorderSinkErrorsDoNotStopExport(t *testing.T) {
	eng, rec, failing := setup(t, 16)
	failing.err = errors.New("down")
	ok := &memSink{}
	rec.AddSink(ok)
	rec.Start()

	require.NoError(t, eng.Ingest(mixed, engine.ModeAppend))
	require.NoError(t, rec.Close(context.Background()))
	assert.Len(t, ok.types(), 3)
	assert.Len(t, failing.types(), 3)
}

func TestRecorderIgnoresAfterClose(t *testing.T) {
	_, rec, sink := setup(t, 4)
	rec.Start()
	require.NoError(t, rec.Close(context.Background()))
	require.NoError(t, rec.Close(context.Background()))
	rec.Flush([]session.Session{{Key: "k", Status: session.StatusError}})
	assert.Empty(t, sink.types())
}

func TestTypeFor(t *testing.T) {
	assert.Equal(t, EventCompleted, TypeFor(session.StatusComplete))
	assert.Equal(t, EventErrored, TypeFor(session.StatusError))
	assert.Equal(t, EventAbandoned, TypeFor(session.StatusProcessing))
}

func TestRecordFromSessionCopies(t *testing.T) {
	c := 0.5
	s := session.Session{ID: "id", Key: "k", Status: session.StatusComplete, Confidence: &c, Errors: []string{"x"}}
	r := RecordFromSession(s)
	s.Errors[0] = "changed"
	*s.Confidence = 0.9
	assert.Equal(t, []string{"x"}, r.Errors)
	assert.Equal(t, 0.5, *r.Confidence)
	assert.Equal(t, "Complete", r.Status)
	assert.Nil(t, r.DurationMS)

	start := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	end := start.Add(2500 * time.Millisecond)
	r = RecordFromSession(session.Session{Status: session.StatusComplete, StartedAt: start, EndedAt: &end})
	require.NotNil(t, r.DurationMS)
	assert.Equal(t, int64(2500), *r.DurationMS)
}
