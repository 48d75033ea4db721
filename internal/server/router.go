package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/pipewatch/internal/aggregator"
	"github.com/loykin/pipewatch/internal/auth"
	"github.com/loykin/pipewatch/internal/engine"
	"github.com/loykin/pipewatch/internal/hub"
	"github.com/loykin/pipewatch/internal/metrics"
	"github.com/loykin/pipewatch/internal/normalizer"
	"github.com/loykin/pipewatch/internal/session"
)

// Router provides embeddable HTTP handlers for a running engine.
// Endpoints:
//
//	GET  {basePath}/sessions      query: status=Processing|Complete|Error, limit=N
//	GET  {basePath}/sessions/:id
//	GET  {basePath}/summary       summary plus per-kind line tallies
//	GET  {basePath}/events        query: limit=N (retained tail, oldest first)
//	GET  {basePath}/stats         retention counters
//	POST {basePath}/ingest        query: mode=append|replace
//	POST {basePath}/reset
//	GET  {basePath}/ws            websocket stream of hub snapshots
//	POST {basePath}/login         with WithAuth only
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	eng      Engine
	feed     Feed
	basePath string
	metrics  bool
	auth     *auth.Middleware
	now      func() time.Time
}

// Engine is the read side of the engine.
type Engine interface {
	Sessions() []session.Session
	Session(id string) (session.Session, bool)
	Summary() aggregator.Summary
	Categories() aggregator.Categories
	Events(limit int) []normalizer.LogEvent
	Stats() engine.Stats
}

// Feed is the write side. All writes go through the hub so that API ingest
// is serialized with the configured sources.
type Feed interface {
	Submit(ctx context.Context, b engine.Batch) error
	Reset(ctx context.Context) error
	Subscribe() (<-chan hub.Snapshot, func())
	Snapshot() hub.Snapshot
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(eng Engine, feed Feed, basePath string) *Router {
	return &Router{eng: eng, feed: feed, basePath: sanitizeBase(basePath), now: time.Now}
}

// WithMetrics mounts the Prometheus handler at {basePath}/metrics.
func (r *Router) WithMetrics() *Router {
	r.metrics = true
	return r
}

// WithAuth requires credentials on every route and mounts POST {basePath}/login.
// Ingest and reset additionally require the operator role.
func (r *Router) WithAuth(svc *auth.Service) *Router {
	r.auth = auth.NewMiddleware(svc)
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	base := g.Group(r.basePath)
	if r.auth != nil {
		base.POST("/login", r.auth.Login)
	}
	group := base.Group("", r.auth.GinAuth())
	group.GET("/sessions", r.handleSessions)
	group.GET("/sessions/:id", r.handleSession)
	group.GET("/summary", r.handleSummary)
	group.GET("/events", r.handleEvents)
	group.GET("/stats", r.handleStats)
	group.POST("/ingest", r.auth.GinRequireWrite(), r.handleIngest)
	group.POST("/reset", r.auth.GinRequireWrite(), r.handleReset)
	group.GET("/ws", r.handleWebSocket)
	if r.metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer starts a standalone HTTP server on addr using the given handler.
func NewServer(addr string, h http.Handler) (*http.Server, error) {
	return NewTLSServer(addr, h, nil)
}

// NewTLSServer is NewServer over HTTPS. A nil tc serves plain HTTP.
func NewTLSServer(addr string, h http.Handler, tc *tls.Config) (*http.Server, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, errors.New("server: listen address required")
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           h,
		TLSConfig:         tc,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if tc != nil {
		go func() { _ = server.ListenAndServeTLS("", "") }()
	} else {
		go func() { _ = server.ListenAndServe() }()
	}
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type summaryResp struct {
	Summary    aggregator.Summary    `json:"summary"`
	Categories aggregator.Categories `json:"categories"`
}

type ingestResp struct {
	OK       bool        `json:"ok"`
	Accepted int         `json:"accepted"`
	Mode     engine.Mode `json:"mode"`
}

func (r *Router) handleSessions(c *gin.Context) {
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	var want session.Status
	if s := c.Query("status"); s != "" {
		st, ok := parseStatus(s)
		if !ok {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "unknown status " + s})
			return
		}
		want = st
	}
	out := make([]session.Session, 0)
	for _, s := range r.eng.Sessions() {
		if want != "" && s.Status != want {
			continue
		}
		out = append(out, s)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleSession(c *gin.Context) {
	s, ok := r.eng.Session(c.Param("id"))
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "session not found"})
		return
	}
	writeJSON(c, http.StatusOK, s)
}

func (r *Router) handleSummary(c *gin.Context) {
	writeJSON(c, http.StatusOK, summaryResp{Summary: r.eng.Summary(), Categories: r.eng.Categories()})
}

func (r *Router) handleEvents(c *gin.Context) {
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, r.eng.Events(limit))
}

func (r *Router) handleStats(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.eng.Stats())
}

func (r *Router) handleIngest(c *gin.Context) {
	mode, err := engine.ParseMode(c.Query("mode"))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	body, err := readBody(c)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	events, err := decodeIngest(body, r.now())
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	b := engine.Batch{Events: events, Mode: mode, Source: "api"}
	if err := r.feed.Submit(c.Request.Context(), b); err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, ingestResp{OK: true, Accepted: len(events), Mode: mode})
}

func (r *Router) handleReset(c *gin.Context) {
	if err := r.feed.Reset(c.Request.Context()); err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrContract):
		return http.StatusBadRequest
	case errors.Is(err, hub.ErrStopped), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func parseStatus(s string) (session.Status, bool) {
	for _, st := range []session.Status{session.StatusProcessing, session.StatusComplete, session.StatusError} {
		if strings.EqualFold(s, string(st)) {
			return st, true
		}
	}
	return "", false
}
