// Package service assembles a running pipewatch instance from configuration:
// engine, hub, sources, history export, metrics, reports and the HTTP API.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/pipewatch/internal/auth"
	"github.com/loykin/pipewatch/internal/config"
	"github.com/loykin/pipewatch/internal/engine"
	"github.com/loykin/pipewatch/internal/history"
	"github.com/loykin/pipewatch/internal/history/factory"
	"github.com/loykin/pipewatch/internal/hub"
	"github.com/loykin/pipewatch/internal/metrics"
	"github.com/loykin/pipewatch/internal/normalizer"
	"github.com/loykin/pipewatch/internal/report"
	"github.com/loykin/pipewatch/internal/server"
	"github.com/loykin/pipewatch/internal/tailer"
	tlsutil "github.com/loykin/pipewatch/internal/tls"
	"github.com/loykin/pipewatch/internal/transport"
)

// ErrStarted is returned by Start when called twice.
var ErrStarted = errors.New("service already started")

type source struct {
	name  string
	run   func(ctx context.Context, sink func(engine.Batch) error) error
	close func() error
}

// Service owns every component of a running instance.
type Service struct {
	cfg *config.Config

	Engine   *engine.Engine
	Hub      *hub.Hub
	Recorder *history.Recorder
	Reports  *report.Scheduler

	sources []source
	servers []*http.Server

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds all components but starts nothing. Sinks and file watchers
// opened before a failure are released.
func New(cfg *config.Config) (svc *Service, err error) {
	if cfg == nil {
		cfg = config.Default()
	}
	mode := normalizer.ModePreserve
	if cfg.Engine.StripANSI {
		mode = normalizer.ModeStrip
	}
	eng := engine.New(engine.Options{HistoryLimit: cfg.Engine.HistoryLimit, Normalize: mode})
	s := &Service{cfg: cfg, Engine: eng, Hub: hub.New(eng, 0)}
	defer func() {
		if err != nil {
			s.release()
		}
	}()

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		eng.AddObserver(metrics.NewObserver(eng))
	}

	if cfg.History.Enabled {
		s.Recorder = history.NewRecorder(cfg.History.QueueSize)
		for _, dsn := range cfg.History.Sinks {
			sink, err := factory.NewSinkFromDSN(dsn)
			if err != nil {
				return nil, fmt.Errorf("history sink: %w", err)
			}
			s.Recorder.AddSink(sink)
		}
		eng.AddObserver(s.Recorder)
	}

	for i, sc := range cfg.Sources {
		src, err := newSource(sc)
		if err != nil {
			return nil, fmt.Errorf("sources[%d]: %w", i, err)
		}
		s.sources = append(s.sources, src)
	}

	if cfg.Report.Enabled {
		loc, err := cfg.Report.Location()
		if err != nil {
			return nil, err
		}
		s.Reports = report.New(eng, loc)
		if err := s.Reports.Add(cfg.Report.Schedule); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func newSource(sc config.SourceConfig) (source, error) {
	switch sc.Type {
	case config.SourceWebsocket:
		c := transport.New(sc.URL)
		c.ReconnectInterval = sc.ReconnectInterval
		c.PingInterval = sc.PingInterval
		return source{
			name: sc.URL,
			run: func(ctx context.Context, sink func(engine.Batch) error) error {
				return c.Run(ctx, sink)
			},
		}, nil
	case config.SourceFile:
		t, err := tailer.New(sc.Paths, sc.FromStart)
		if err != nil {
			return source{}, err
		}
		return source{
			name: fmt.Sprint(sc.Paths),
			run: func(ctx context.Context, sink func(engine.Batch) error) error {
				return t.Run(ctx, sink)
			},
			close: t.Close,
		}, nil
	default:
		return source{}, fmt.Errorf("unknown source type %q", sc.Type)
	}
}

// Start runs the hub, sources, history worker, report schedule and HTTP
// servers. It returns once everything is launched.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Hub.Run(ctx)
	}()

	if s.Recorder != nil {
		s.Recorder.Start()
	}
	if s.Reports != nil {
		s.Reports.Start()
	}

	sink := func(b engine.Batch) error { return s.Hub.Submit(ctx, b) }
	for _, src := range s.sources {
		s.wg.Add(1)
		go func(src source) {
			defer s.wg.Done()
			slog.Info("source started", "source", src.name)
			if err := src.run(ctx, sink); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("source stopped", "source", src.name, "error", err)
			}
		}(src)
	}

	return s.startServers()
}

func (s *Service) startServers() error {
	m := s.cfg.Metrics
	if s.cfg.Server.Listen != "" {
		r := server.NewRouter(s.Engine, s.Hub, s.cfg.Server.BasePath)
		if m.Enabled && m.Listen == "" {
			r.WithMetrics()
		}
		if s.cfg.Server.Auth.Enabled {
			svc, err := auth.New(s.cfg.Server.Auth)
			if err != nil {
				return fmt.Errorf("server auth: %w", err)
			}
			r.WithAuth(svc)
		}
		tc, err := tlsutil.Setup(s.cfg.Server.TLS)
		if err != nil {
			return fmt.Errorf("server tls: %w", err)
		}
		srv, err := server.NewTLSServer(s.cfg.Server.Listen, r.Handler(), tc)
		if err != nil {
			return err
		}
		s.servers = append(s.servers, srv)
		slog.Info("api listening", "addr", s.cfg.Server.Listen, "base_path", s.cfg.Server.BasePath, "tls", tc != nil, "auth", s.cfg.Server.Auth.Enabled)
	}
	if m.Enabled && m.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv, err := server.NewServer(m.Listen, mux)
		if err != nil {
			return err
		}
		s.servers = append(s.servers, srv)
		slog.Info("metrics listening", "addr", m.Listen)
	}
	return nil
}

// Shutdown stops servers and sources, exports errored sessions that are
// still open, and drains history sinks. It is bounded by ctx.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, srv := range s.servers {
		errs = append(errs, srv.Shutdown(ctx))
	}
	s.servers = nil
	if s.Reports != nil {
		s.Reports.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	if s.Recorder != nil {
		s.Recorder.Flush(s.Engine.Sessions())
		errs = append(errs, s.Recorder.Close(ctx))
	}
	if !s.started {
		s.release()
	}
	return errors.Join(errs...)
}

// release closes resources acquired by New for a service that never ran.
func (s *Service) release() {
	for _, src := range s.sources {
		if src.close != nil {
			_ = src.close()
		}
	}
	if s.Recorder != nil {
		_ = s.Recorder.Close(context.Background())
	}
}
