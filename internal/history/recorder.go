package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/pipewatch/internal/engine"
	"github.com/loykin/pipewatch/internal/metrics"
	"github.com/loykin/pipewatch/internal/session"
)

const (
	DefaultQueueSize = 256
	dedupLimit       = 4096
	sendTimeout      = 5 * time.Second
)

// Recorder exports closed sessions to sinks. It is an engine.Observer;
// sends happen on a background worker and never block ingestion.
//
// Completed sessions are exported at the terminal transition. Errored and
// abandoned ones are exported when a new session supersedes them, because an
// errored session keeps collecting error lines until then. Each session is
// exported at most once, keyed by Record.Key, so a replace-mode replay of
// the same log does not export twice.
type Recorder struct {
	queue chan Event

	mu      sync.RWMutex
	sinks   []Sink
	closed  bool
	started bool

	seenMu sync.Mutex
	seen   map[string]struct{}
	order  []string

	done chan struct{}
	now  func() time.Time
}

// NewRecorder returns a Recorder with a bounded queue. Call Start to begin
// sending.
func NewRecorder(queueSize int, sinks ...Sink) *Recorder {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Recorder{
		queue: make(chan Event, queueSize),
		sinks: sinks,
		seen:  make(map[string]struct{}),
		done:  make(chan struct{}),
		now:   time.Now,
	}
}

// AddSink registers another destination.
func (r *Recorder) AddSink(s Sink) {
	r.mu.Lock()
	r.sinks = append(r.sinks, s)
	r.mu.Unlock()
}

// Observe implements engine.Observer.
func (r *Recorder) Observe(u engine.Update) {
	for _, tr := range u.Transitions {
		switch {
		case tr.Change == session.ChangeTerminal && tr.To == session.StatusComplete:
			r.enqueue(tr.Session)
		case tr.Change == session.ChangeSuperseded:
			r.enqueue(tr.Session)
		}
	}
}

// Flush exports errored sessions that are still open, typically at shutdown.
func (r *Recorder) Flush(sessions []session.Session) {
	for _, s := range sessions {
		if s.Status == session.StatusError {
			r.enqueue(s)
		}
	}
}

// markSeen reports whether key is new and remembers it.
func (r *Recorder) markSeen(key string) bool {
	r.seenMu.Lock()
	defer r.seenMu.Unlock()
	if _, ok := r.seen[key]; ok {
		return false
	}
	r.seen[key] = struct{}{}
	r.order = append(r.order, key)
	if len(r.order) > dedupLimit {
		delete(r.seen, r.order[0])
		r.order = r.order[1:]
	}
	return true
}

func (r *Recorder) enqueue(s session.Session) {
	if !r.markSeen(s.Key) {
		return
	}
	ev := Event{Type: TypeFor(s.Status), OccurredAt: r.now().UTC(), Record: RecordFromSession(s)}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- ev:
	default:
		metrics.IncHistoryExported(false)
		slog.Warn("history: queue full, dropping event", "session", s.ID, "type", ev.Type)
	}
}

// Start runs the send worker until Close.
func (r *Recorder) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.closed {
		return
	}
	r.started = true
	go func() {
		defer close(r.done)
		for ev := range r.queue {
			r.send(ev)
		}
	}()
}

func (r *Recorder) send(ev Event) {
	r.mu.RLock()
	sinks := append([]Sink(nil), r.sinks...)
	r.mu.RUnlock()

	for _, s := range sinks {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err := s.Send(ctx, ev)
		cancel()
		metrics.IncHistoryExported(err == nil)
		if err != nil {
			slog.Warn("history: sink send failed", "session", ev.Record.SessionID, "type", ev.Type, "error", err)
		}
	}
}

// Close stops accepting events, drains the queue, waits for the worker
// (bounded by ctx) and closes sinks that implement io.Closer.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	started := r.started
	sinks := append([]Sink(nil), r.sinks...)
	r.mu.Unlock()

	var err error
	if started {
		select {
		case <-r.done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	for _, s := range sinks {
		if c, ok := s.(io.Closer); ok {
			err = errors.Join(err, c.Close())
		}
	}
	return err
}
