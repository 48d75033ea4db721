package pipewatch

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/pipewatch/internal/aggregator"
	cfg "github.com/loykin/pipewatch/internal/config"
	"github.com/loykin/pipewatch/internal/engine"
	"github.com/loykin/pipewatch/internal/hub"
	"github.com/loykin/pipewatch/internal/metrics"
	"github.com/loykin/pipewatch/internal/normalizer"
	iapi "github.com/loykin/pipewatch/internal/server"
	"github.com/loykin/pipewatch/internal/service"
	"github.com/loykin/pipewatch/internal/session"
	"github.com/loykin/pipewatch/internal/tailer"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Session = session.Session

type Status = session.Status

type Summary = aggregator.Summary

type Categories = aggregator.Categories

type Raw = normalizer.Raw

type LogEvent = normalizer.LogEvent

type Origin = normalizer.Origin

type Mode = engine.Mode

type Update = engine.Update

type Stats = engine.Stats

type Config = cfg.Config

type Service = service.Service

const (
	ModeAppend  = engine.ModeAppend
	ModeReplace = engine.ModeReplace

	StatusProcessing = session.StatusProcessing
	StatusComplete   = session.StatusComplete
	StatusError      = session.StatusError

	OriginStdout = normalizer.OriginStdout
	OriginStderr = normalizer.OriginStderr
	OriginMeta   = normalizer.OriginMeta
)

// ErrContract is returned for malformed input such as a missing timestamp.
var ErrContract = engine.ErrContract

// Option configures New.
type Option func(*engine.Options)

// WithHistoryLimit caps the retained event tail.
func WithHistoryLimit(n int) Option {
	return func(o *engine.Options) { o.HistoryLimit = n }
}

// WithStripANSI removes terminal escape sequences before storage.
func WithStripANSI() Option {
	return func(o *engine.Options) { o.Normalize = normalizer.ModeStrip }
}

// Engine is a thin facade over internal/engine.Engine.
// It provides a stable public API for embedding.
type Engine struct{ inner *engine.Engine }

func New(opts ...Option) *Engine {
	var o engine.Options
	for _, fn := range opts {
		fn(&o)
	}
	return &Engine{inner: engine.New(o)}
}

func (e *Engine) Ingest(events []Raw, mode Mode) error { return e.inner.Ingest(events, mode) }
func (e *Engine) Reset()                               { e.inner.Reset() }
func (e *Engine) Rebuild() bool                        { return e.inner.Rebuild() }
func (e *Engine) Sessions() []Session                  { return e.inner.Sessions() }
func (e *Engine) Session(id string) (Session, bool)    { return e.inner.Session(id) }
func (e *Engine) Summary() Summary                     { return e.inner.Summary() }
func (e *Engine) Categories() Categories               { return e.inner.Categories() }
func (e *Engine) Events(limit int) []LogEvent          { return e.inner.Events(limit) }
func (e *Engine) Stats() Stats                         { return e.inner.Stats() }
func (e *Engine) OnUpdate(fn func(Update))             { e.inner.AddObserver(engine.ObserverFunc(fn)) }

// IngestText appends every line of text, stamped with at.
func (e *Engine) IngestText(text string, at time.Time) error {
	events, err := tailer.ReadLines(strings.NewReader(text), at)
	if err != nil {
		return err
	}
	return e.inner.Ingest(events, ModeAppend)
}

// SetStripANSI switches ANSI handling for retained and future events.
func (e *Engine) SetStripANSI(strip bool) {
	mode := normalizer.ModePreserve
	if strip {
		mode = normalizer.ModeStrip
	}
	e.inner.SetNormalizeMode(mode)
}

// EnableMetrics records engine updates into the package collectors.
// Call RegisterMetrics first.
func (e *Engine) EnableMetrics() { e.inner.AddObserver(metrics.NewObserver(e.inner)) }

func LoadConfig(path string) (*Config, error) { return cfg.LoadConfig(path) }

// NewService builds a configured instance; call Start and Shutdown on it.
func NewService(c *Config) (*Service, error) { return service.New(c) }

// NewHandler returns the HTTP API for e, mountable in any mux. Writes are
// serialized by a hub that runs until ctx is cancelled.
func NewHandler(ctx context.Context, e *Engine, basePath string) http.Handler {
	h := hub.New(e.inner, 0)
	go h.Run(ctx)
	return iapi.NewRouter(e.inner, h, basePath).Handler()
}

// NewHTTPServer starts an HTTP server exposing the API for e on addr.
func NewHTTPServer(ctx context.Context, addr, basePath string, e *Engine) (*http.Server, error) {
	return iapi.NewServer(addr, NewHandler(ctx, e, basePath))
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
func MetricsHandler() http.Handler                  { return metrics.Handler() }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
