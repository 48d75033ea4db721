package report

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loykin/pipewatch/internal/aggregator"
	"github.com/loykin/pipewatch/internal/metrics"
)

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks a schedule expression. Both five and six field forms and
// descriptors such as "@every 1m" are accepted.
func Validate(schedule string) error {
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	return nil
}

// Source provides the state that goes into a report.
type Source interface {
	Summary() aggregator.Summary
	Categories() aggregator.Categories
}

// Report is one periodic summary.
type Report struct {
	At         time.Time             `json:"at"`
	Summary    aggregator.Summary    `json:"summary"`
	Categories aggregator.Categories `json:"categories"`
}

// Scheduler logs a summary report on one or more cron schedules.
type Scheduler struct {
	src  Source
	cron *cron.Cron

	busy atomic.Bool
	mu   sync.Mutex
	last *Report
	// OnReport, when set, is called with every generated report.
	OnReport func(Report)
}

// New returns a Scheduler. A nil loc uses the local time zone.
func New(src Source, loc *time.Location) *Scheduler {
	opts := []cron.Option{cron.WithParser(parser)}
	if loc != nil {
		opts = append(opts, cron.WithLocation(loc))
	}
	return &Scheduler{src: src, cron: cron.New(opts...)}
}

// Add registers a report on schedule.
func (s *Scheduler) Add(schedule string) error {
	if err := Validate(schedule); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(schedule, s.tick); err != nil {
		return fmt.Errorf("add schedule %q: %w", schedule, err)
	}
	return nil
}

// tick skips when the previous report has not finished.
func (s *Scheduler) tick() {
	if !s.busy.CompareAndSwap(false, true) {
		return
	}
	defer s.busy.Store(false)
	s.Generate()
}

// Generate builds, logs and records a report now.
func (s *Scheduler) Generate() Report {
	r := Report{At: time.Now(), Summary: s.src.Summary(), Categories: s.src.Categories()}
	metrics.SetSuccessRate(r.Summary.SuccessRate)

	attrs := []any{
		"total", r.Summary.Total,
		"completed", r.Summary.Completed,
		"errored", r.Summary.Errored,
		"processing", r.Summary.Processing,
		"success_rate", r.Summary.SuccessRate,
	}
	for _, k := range r.Categories.Keys() {
		attrs = append(attrs, "lines_"+string(k), r.Categories[k])
	}
	slog.Info("session report", attrs...)

	s.mu.Lock()
	s.last = &r
	s.mu.Unlock()
	if s.OnReport != nil {
		s.OnReport(r)
	}
	return r
}

// Last returns the most recent report.
func (s *Scheduler) Last() (Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Report{}, false
	}
	return *s.last, true
}

// Start runs the cron loop in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop stops the loop and waits for a running report to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
