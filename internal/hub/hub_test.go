package hub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/pipewatch/internal/engine"
	"github.com/loykin/pipewatch/internal/normalizer"
)

func batch(mode engine.Mode, texts ...string) engine.Batch {
	now := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	b := engine.Batch{Mode: mode, Source: "test"}
	for i, t := range texts {
		b.Events = append(b.Events, normalizer.Raw{Text: t, Timestamp: now.Add(time.Duration(i) * time.Second)})
	}
	return b
}

func startHub(t *testing.T, queue int) (*Hub, *engine.Engine, context.CancelFunc) {
	t.Helper()
	eng := engine.New(engine.Options{})
	h := New(eng, queue)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)
	return h, eng, cancel
}

func recv(t *testing.T, ch <-chan Snapshot) Snapshot {
	t.Helper()
	select {
	case s, ok := <-ch:
		require.True(t, ok, "channel closed")
		return s
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	return Snapshot{}
}

func TestSubmitBroadcastsToAllSubscribers(t *testing.T) {
	h, _, _ := startHub(t, 4)
	sub1, un1 := h.Subscribe()
	defer un1()
	sub2, un2 := h.Subscribe()
	defer un2()

	require.NoError(t, h.Submit(context.Background(), batch(engine.ModeAppend,
		"🌞 SOLAR PANEL PROCESSING", "📁 Input: a.jpg", "✅ CSV generated: a.csv")))

	for _, ch := range []<-chan Snapshot{sub1, sub2} {
		s := recv(t, ch)
		require.Len(t, s.Sessions, 1)
		assert.Equal(t, 1, s.Summary.Completed)
		assert.Equal(t, float64(100), s.Summary.SuccessRate)
	}
}

func TestSubmitReturnsContractError(t *testing.T) {
	h, eng, _ := startHub(t, 4)
	b := batch(engine.ModeAppend, "x")
	b.Events[0].Timestamp = time.Time{}

	err := h.Submit(context.Background(), b)
	require.ErrorIs(t, err, engine.ErrContract)
	assert.Empty(t, eng.Events(0))
}

func TestResetGoesThroughConsumer(t *testing.T) {
	h, eng, _ := startHub(t, 4)
	require.NoError(t, h.Submit(context.Background(), batch(engine.ModeAppend, "🌞 SOLAR PANEL PROCESSING")))
	require.Len(t, eng.Sessions(), 1)

	sub, unsub := h.Subscribe()
	defer unsub()
	require.NoError(t, h.Reset(context.Background()))
	assert.Empty(t, recv(t, sub).Sessions)
}

func TestSlowSubscriberDrops(t *testing.T) {
	h, _, _ := startHub(t, 4)
	_, unsub := h.Subscribe()
	defer unsub()

	for i := 0; i < subscriberBuffer+5; i++ {
		require.NoError(t, h.Submit(context.Background(), batch(engine.ModeAppend, "line")))
	}
	assert.Equal(t, int64(5), h.Dropped())
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	h, _, _ := startHub(t, 4)
	ch, unsub := h.Subscribe()
	unsub()
	unsub()
	_, ok := <-ch
	assert.False(t, ok)
}

func TestStoppedHub(t *testing.T) {
	h, _, cancel := startHub(t, 4)
	ch, _ := h.Subscribe()
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscriber not closed after stop")
	}
	assert.ErrorIs(t, h.Submit(context.Background(), batch(engine.ModeAppend, "x")), ErrStopped)

	late, _ := h.Subscribe()
	_, ok := <-late
	assert.False(t, ok)
}
