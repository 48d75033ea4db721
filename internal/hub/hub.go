package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/pipewatch/internal/aggregator"
	"github.com/loykin/pipewatch/internal/engine"
	"github.com/loykin/pipewatch/internal/metrics"
	"github.com/loykin/pipewatch/internal/session"
)

const (
	defaultQueueSize = 256
	subscriberBuffer = 64
)

// ErrStopped is returned by Submit and Reset once Run has returned.
var ErrStopped = errors.New("hub stopped")

// Engine is the part of the engine the hub drives.
type Engine interface {
	IngestBatch(engine.Batch) error
	Reset()
	Sessions() []session.Session
	Categories() aggregator.Categories
}

// Snapshot is the state broadcast to subscribers after every change.
type Snapshot struct {
	Sessions   []session.Session     `json:"sessions"`
	Summary    aggregator.Summary    `json:"summary"`
	Categories aggregator.Categories `json:"categories"`
	At         time.Time             `json:"at"`
}

type request struct {
	batch engine.Batch
	reset bool
	reply chan error
}

// Hub funnels batches from every source into one consumer goroutine and
// fans the resulting state out to subscribers.
type Hub struct {
	eng   Engine
	input chan request
	done  chan struct{}
	once  sync.Once

	mu          sync.RWMutex
	subscribers map[int]chan Snapshot
	nextID      int

	dropped atomic.Int64
}

// New returns a Hub feeding eng. queueSize <= 0 uses a default.
func New(eng Engine, queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Hub{
		eng:         eng,
		input:       make(chan request, queueSize),
		done:        make(chan struct{}),
		subscribers: make(map[int]chan Snapshot),
	}
}

// Submit queues b and waits until the consumer has applied and broadcast it.
// Contract violations from the engine are returned unchanged.
func (h *Hub) Submit(ctx context.Context, b engine.Batch) error {
	return h.send(ctx, request{batch: b, reply: make(chan error, 1)})
}

// Reset clears the engine from the consumer goroutine.
func (h *Hub) Reset(ctx context.Context) error {
	return h.send(ctx, request{reset: true, reply: make(chan error, 1)})
}

func (h *Hub) send(ctx context.Context, req request) error {
	select {
	case h.input <- req:
	case <-h.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-h.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes queued requests until ctx is cancelled. Subscriber channels
// are closed on return.
func (h *Hub) Run(ctx context.Context) {
	defer h.stop()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-h.input:
			var err error
			if req.reset {
				h.eng.Reset()
			} else {
				err = h.eng.IngestBatch(req.batch)
			}
			if err != nil {
				slog.Warn("hub: batch rejected", "source", req.batch.Source, "error", err)
			} else {
				h.broadcast(h.Snapshot())
			}
			req.reply <- err
		}
	}
}

func (h *Hub) stop() {
	h.once.Do(func() {
		close(h.done)
		h.mu.Lock()
		for id, ch := range h.subscribers {
			close(ch)
			delete(h.subscribers, id)
		}
		h.mu.Unlock()
	})
}

// Snapshot builds the current state.
func (h *Hub) Snapshot() Snapshot {
	ss := h.eng.Sessions()
	return Snapshot{
		Sessions:   ss,
		Summary:    aggregator.Summarize(ss),
		Categories: h.eng.Categories(),
		At:         time.Now(),
	}
}

// Subscribe returns a buffered channel of snapshots and a function that
// removes the subscription. The channel is closed on unsubscribe or when
// Run returns.
func (h *Hub) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, subscriberBuffer)
	h.mu.Lock()
	select {
	case <-h.done:
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}
	id := h.nextID
	h.nextID++
	h.subscribers[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if c, ok := h.subscribers[id]; ok {
				delete(h.subscribers, id)
				close(c)
			}
			h.mu.Unlock()
		})
	}
}

// Dropped returns how many snapshots were skipped for slow subscribers.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

func (h *Hub) broadcast(s Snapshot) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subscribers {
		select {
		case ch <- s:
		default:
			n := h.dropped.Add(1)
			metrics.IncHubDropped()
			slog.Debug("hub: dropped snapshot for slow subscriber", "total_dropped", n)
		}
	}
}
