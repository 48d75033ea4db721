package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loykin/pipewatch/internal/aggregator"
	"github.com/loykin/pipewatch/internal/engine"
	"github.com/loykin/pipewatch/internal/session"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	linesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pipewatch",
			Name:      "lines_total",
			Help:      "Normalized lines by semantic kind.",
		}, []string{"kind"},
	)
	linesDiscarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pipewatch",
			Name:      "lines_discarded_total",
			Help:      "Lines dropped during normalization (blank after cleanup).",
		},
	)
	sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pipewatch",
			Name:      "sessions_total",
			Help:      "Sessions closed, by status at close. Open sessions superseded while processing count as abandoned.",
		}, []string{"status"},
	)
	sessionsCurrent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pipewatch",
			Name:      "sessions_current",
			Help:      "Sessions in the working set by status.",
		}, []string{"status"},
	)
	successRate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pipewatch",
			Name:      "success_rate",
			Help:      "Completed sessions as a percentage of all sessions.",
		},
	)
	ingestBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pipewatch",
			Subsystem: "ingest",
			Name:      "batches_total",
			Help:      "Ingested batches by mode.",
		}, []string{"mode"},
	)
	transportReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pipewatch",
			Subsystem: "transport",
			Name:      "reconnects_total",
			Help:      "Websocket reconnect attempts.",
		},
	)
	hubDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pipewatch",
			Subsystem: "hub",
			Name:      "dropped_total",
			Help:      "Snapshots dropped for slow subscribers.",
		},
	)
	historyExported = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pipewatch",
			Subsystem: "history",
			Name:      "exported_total",
			Help:      "Session history events handed to sinks, by result.",
		}, []string{"result"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		linesTotal, linesDiscarded, sessionsTotal, sessionsCurrent, successRate,
		ingestBatches, transportReconnects, hubDropped, historyExported,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func AddLines(kind string, n int) {
	if regOK.Load() && n > 0 {
		linesTotal.WithLabelValues(kind).Add(float64(n))
	}
}

func AddDiscarded(n int) {
	if regOK.Load() && n > 0 {
		linesDiscarded.Add(float64(n))
	}
}

func IncSessionClosed(status string) {
	if regOK.Load() {
		sessionsTotal.WithLabelValues(status).Inc()
	}
}

func IncBatch(mode string) {
	if regOK.Load() {
		ingestBatches.WithLabelValues(mode).Inc()
	}
}

func IncTransportReconnects() {
	if regOK.Load() {
		transportReconnects.Inc()
	}
}

func IncHubDropped() {
	if regOK.Load() {
		hubDropped.Inc()
	}
}

func IncHistoryExported(ok bool) {
	if regOK.Load() {
		result := "ok"
		if !ok {
			result = "error"
		}
		historyExported.WithLabelValues(result).Inc()
	}
}

func SetSuccessRate(v float64) {
	if regOK.Load() {
		successRate.Set(v)
	}
}

// SetSummary publishes the status gauges and the success rate.
func SetSummary(s aggregator.Summary) {
	if !regOK.Load() {
		return
	}
	sessionsCurrent.WithLabelValues(string(session.StatusProcessing)).Set(float64(s.Processing))
	sessionsCurrent.WithLabelValues(string(session.StatusComplete)).Set(float64(s.Completed))
	sessionsCurrent.WithLabelValues(string(session.StatusError)).Set(float64(s.Errored))
	successRate.Set(s.SuccessRate)
}

// Summarizer is satisfied by *engine.Engine.
type Summarizer interface {
	Summary() aggregator.Summary
}

// Observer records engine updates. Attach it with engine.AddObserver.
type Observer struct {
	src Summarizer
}

// NewObserver returns an Observer that refreshes gauges from src after every
// update. src may be nil.
func NewObserver(src Summarizer) *Observer { return &Observer{src: src} }

func (o *Observer) Observe(u engine.Update) {
	if !regOK.Load() {
		return
	}
	if u.Mode != "" {
		IncBatch(string(u.Mode))
	}
	for k, n := range u.Lines {
		AddLines(string(k), n)
	}
	AddDiscarded(u.Discarded)
	for _, tr := range u.Transitions {
		switch {
		case tr.Change == session.ChangeTerminal:
			IncSessionClosed(string(tr.To))
		case tr.Change == session.ChangeSuperseded && !tr.To.Terminal():
			IncSessionClosed("Abandoned")
		}
	}
	if o.src != nil {
		SetSummary(o.src.Summary())
	}
}
