package server

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/loykin/pipewatch/internal/config"
	"github.com/loykin/pipewatch/internal/engine"
	"github.com/loykin/pipewatch/internal/hub"
	"github.com/loykin/pipewatch/internal/normalizer"
	"github.com/loykin/pipewatch/internal/session"
	tlsutil "github.com/loykin/pipewatch/internal/tls"
)

var fixedNow = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

var scenario = []string{
	"🌞 SOLAR PANEL PROCESSING started",
	"📁 Input: panel_014.jpg",
	"✅ Image processed: 4 variants",
	"confidence 0.92",
	"✅ GitHub catalog upload completed: prod-8821",
	"✅ CSV generated: out.csv",
}

type fixture struct {
	eng *engine.Engine
	hub *hub.Hub
	h   http.Handler
}

func setupRouter(t *testing.T, base string) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	eng := engine.New(engine.Options{})
	hb := hub.New(eng, 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { hb.Run(ctx); close(done) }()
	t.Cleanup(func() { cancel(); <-done })

	r := NewRouter(eng, hb, base)
	r.now = func() time.Time { return fixedNow }
	return &fixture{eng: eng, hub: hb, h: r.Handler()}
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(b)
	default:
		raw, _ := json.Marshal(b)
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func stamped(texts ...string) []normalizer.Raw {
	out := make([]normalizer.Raw, len(texts))
	for i, s := range texts {
		out[i] = normalizer.Raw{Text: s, Timestamp: fixedNow.Add(time.Duration(i) * time.Second), Origin: normalizer.OriginStdout}
	}
	return out
}

func TestIngestLinesThenQuery(t *testing.T) {
	f := setupRouter(t, "/api")
	rec := doReq(t, f.h, http.MethodPost, "/api/ingest", map[string]any{"lines": scenario})
	if rec.Code != http.StatusOK {
		t.Fatalf("ingest: %d %s", rec.Code, rec.Body.String())
	}
	if got := decode[ingestResp](t, rec); got.Accepted != 6 || got.Mode != engine.ModeAppend {
		t.Fatalf("unexpected ingest response %+v", got)
	}

	rec = doReq(t, f.h, http.MethodGet, "/api/sessions", nil)
	ss := decode[[]session.Session](t, rec)
	if len(ss) != 1 || ss[0].Status != session.StatusComplete || ss[0].ArtifactID != "prod-8821" {
		t.Fatalf("unexpected sessions %+v", ss)
	}

	rec = doReq(t, f.h, http.MethodGet, "/api/sessions/"+ss[0].ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get session: %d", rec.Code)
	}
	if got := decode[session.Session](t, rec); got.SourceFile != "panel_014.jpg" {
		t.Fatalf("unexpected session %+v", got)
	}

	rec = doReq(t, f.h, http.MethodGet, "/api/summary", nil)
	sum := decode[summaryResp](t, rec)
	if sum.Summary.Total != 1 || sum.Summary.SuccessRate != 100 {
		t.Fatalf("unexpected summary %+v", sum.Summary)
	}
	if sum.Categories.Total() != 6 {
		t.Fatalf("expected 6 classified lines, got %v", sum.Categories)
	}
}

func TestIngestReplaceWithEvents(t *testing.T) {
	f := setupRouter(t, "")
	doReq(t, f.h, http.MethodPost, "/ingest", stamped(scenario...))
	failed := stamped(
		"🌞 SOLAR PANEL PROCESSING",
		"❌ Solar panel processing failed: timeout",
	)
	rec := doReq(t, f.h, http.MethodPost, "/ingest?mode=replace", failed)
	if rec.Code != http.StatusOK {
		t.Fatalf("replace: %d %s", rec.Code, rec.Body.String())
	}
	ss := f.eng.Sessions()
	if len(ss) != 1 || ss[0].Status != session.StatusError {
		t.Fatalf("replace did not discard prior state: %+v", ss)
	}
}

func TestIngestEpochTimestampsAndDuration(t *testing.T) {
	f := setupRouter(t, "")
	start := fixedNow.Unix()
	body := `[
		{"text":"🌞 SOLAR PANEL PROCESSING","timestamp":` + strconv.FormatInt(start, 10) + `},
		{"text":"📁 Input: p.jpg","timestamp":` + strconv.FormatInt(start+1, 10) + `},
		{"text":"✅ CSV generated: p.csv","timestamp":` + strconv.FormatInt((start+2)*1000+500, 10) + `}
	]`
	rec := doReq(t, f.h, http.MethodPost, "/ingest", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("ingest: %d %s", rec.Code, rec.Body.String())
	}

	rec = doReq(t, f.h, http.MethodGet, "/sessions", nil)
	ss := decode[[]map[string]any](t, rec)
	if len(ss) != 1 || ss[0]["status"] != "Complete" {
		t.Fatalf("unexpected sessions %+v", ss)
	}
	if ss[0]["duration_ms"] != float64(2500) {
		t.Fatalf("duration_ms = %v, want 2500", ss[0]["duration_ms"])
	}

	doReq(t, f.h, http.MethodPost, "/ingest", map[string]any{"lines": []string{"🌞 SOLAR PANEL PROCESSING"}})
	rec = doReq(t, f.h, http.MethodGet, "/sessions?status=Processing", nil)
	open := decode[[]map[string]any](t, rec)
	if len(open) != 1 {
		t.Fatalf("expected one processing session, got %+v", open)
	}
	if _, ok := open[0]["duration_ms"]; ok {
		t.Fatalf("processing session must not carry duration_ms: %+v", open[0])
	}
}

func TestIngestRejectsBadInput(t *testing.T) {
	f := setupRouter(t, "")
	cases := []struct {
		name string
		path string
		body any
	}{
		{"unknown mode", "/ingest?mode=merge", map[string]any{"lines": []string{"x"}}},
		{"invalid json", "/ingest", "{"},
		{"empty body", "/ingest", " "},
		{"no lines", "/ingest", map[string]any{"text": "x"}},
		{"missing timestamp", "/ingest", []normalizer.Raw{{Text: "x"}}},
		{"unknown origin", "/ingest", []map[string]any{{"text": "x", "timestamp": fixedNow, "origin": "pipe"}}},
		{"bad timestamp", "/ingest", `[{"text":"x","timestamp":"noon"}]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doReq(t, f.h, http.MethodPost, tc.path, tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
			if decode[errorResp](t, rec).Error == "" {
				t.Fatal("expected error message")
			}
		})
	}
	if n := len(f.eng.Events(0)); n != 0 {
		t.Fatalf("rejected batches must not change state, got %d events", n)
	}
}

func TestSessionsFilterAndLimit(t *testing.T) {
	f := setupRouter(t, "")
	doReq(t, f.h, http.MethodPost, "/ingest", stamped(
		"🌞 SOLAR PANEL PROCESSING",
		"📁 Input: a.jpg",
		"❌ Solar panel processing failed: timeout",
		"🌞 SOLAR PANEL PROCESSING",
		"📁 Input: b.jpg",
		"✅ CSV generated: b.csv",
		"🔄 Starting processing",
	))

	rec := doReq(t, f.h, http.MethodGet, "/sessions?status=error", nil)
	ss := decode[[]session.Session](t, rec)
	if len(ss) != 1 || ss[0].SourceFile != "a.jpg" {
		t.Fatalf("status filter: %+v", ss)
	}

	rec = doReq(t, f.h, http.MethodGet, "/sessions?limit=2", nil)
	if ss := decode[[]session.Session](t, rec); len(ss) != 2 {
		t.Fatalf("limit: got %d sessions", len(ss))
	}

	if rec := doReq(t, f.h, http.MethodGet, "/sessions?status=stale", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown status: %d", rec.Code)
	}
	if rec := doReq(t, f.h, http.MethodGet, "/sessions?limit=-1", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("negative limit: %d", rec.Code)
	}
	if rec := doReq(t, f.h, http.MethodGet, "/sessions/nope", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id: %d", rec.Code)
	}
}

func TestEventsStatsAndReset(t *testing.T) {
	f := setupRouter(t, "/base/")
	doReq(t, f.h, http.MethodPost, "/base/ingest", stamped(scenario...))

	rec := doReq(t, f.h, http.MethodGet, "/base/events?limit=2", nil)
	evs := decode[[]normalizer.LogEvent](t, rec)
	if len(evs) != 2 || !strings.Contains(evs[1].Text, "CSV generated") {
		t.Fatalf("unexpected events %+v", evs)
	}

	rec = doReq(t, f.h, http.MethodGet, "/base/stats", nil)
	if st := decode[engine.Stats](t, rec); st.Retained != 6 || st.Sessions != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}

	rec = doReq(t, f.h, http.MethodPost, "/base/reset", nil)
	if rec.Code != http.StatusOK || !decode[okResp](t, rec).OK {
		t.Fatalf("reset: %d %s", rec.Code, rec.Body.String())
	}
	if len(f.eng.Sessions()) != 0 {
		t.Fatal("reset left sessions behind")
	}
}

func TestStoppedHubIsUnavailable(t *testing.T) {
	gin.SetMode(gin.TestMode)
	eng := engine.New(engine.Options{})
	hb := hub.New(eng, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	hb.Run(ctx)

	h := NewRouter(eng, hb, "").Handler()
	rec := doReq(t, h, http.MethodPost, "/reset", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestMetricsRoute(t *testing.T) {
	f := setupRouter(t, "")
	if rec := doReq(t, f.h, http.MethodGet, "/metrics", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("metrics should not be mounted by default, got %d", rec.Code)
	}
	h := NewRouter(f.eng, f.hub, "").WithMetrics().Handler()
	if rec := doReq(t, h, http.MethodGet, "/metrics", nil); rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
}

func TestWebSocketStreamsSnapshots(t *testing.T) {
	f := setupRouter(t, "/api")
	srv := httptest.NewServer(f.h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first hub.Snapshot
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("initial snapshot: %v", err)
	}
	if len(first.Sessions) != 0 {
		t.Fatalf("expected empty initial snapshot, got %+v", first)
	}

	if err := f.hub.Submit(context.Background(), engine.Batch{Events: stamped(scenario...)}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	var next hub.Snapshot
	if err := conn.ReadJSON(&next); err != nil {
		t.Fatalf("update snapshot: %v", err)
	}
	if len(next.Sessions) != 1 || next.Summary.Completed != 1 {
		t.Fatalf("unexpected snapshot %+v", next)
	}
}

func TestNewServerRequiresAddr(t *testing.T) {
	if _, err := NewServer("", http.NotFoundHandler()); err == nil {
		t.Fatal("expected error for empty address")
	}
}

func TestNewTLSServerServesHTTPS(t *testing.T) {
	dir := t.TempDir()
	tc, err := tlsutil.Setup(config.TLSConfig{Enabled: true, Dir: dir, AutoGenerate: true})
	if err != nil {
		t.Fatalf("tls setup: %v", err)
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	_ = l.Close()

	f := setupRouter(t, "/api")
	srv, err := NewTLSServer(addr, f.h, tc)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = srv.Shutdown(context.Background()) }()

	pool := x509.NewCertPool()
	ca, err := os.ReadFile(filepath.Join(dir, "tls_ca.crt"))
	if err != nil {
		t.Fatal(err)
	}
	pool.AppendCertsFromPEM(ca)
	c := &http.Client{Timeout: time.Second, Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS13}}}

	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = c.Get("https://" + addr + "/api/stats")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("https get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK || resp.TLS == nil {
		t.Fatalf("status=%d tls=%v", resp.StatusCode, resp.TLS != nil)
	}
}
