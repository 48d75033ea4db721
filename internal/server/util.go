package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/pipewatch/internal/normalizer"
)

// maxIngestBody bounds a single POST /ingest payload.
const maxIngestBody = 8 << 20

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

func parseLimit(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", s)
	}
	return n, nil
}

func readBody(c *gin.Context) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(c.Request.Body, maxIngestBody+1))
	if err != nil {
		return nil, err
	}
	if len(b) > maxIngestBody {
		return nil, errors.New("request body too large")
	}
	return b, nil
}

type linesBody struct {
	Lines  []string          `json:"lines"`
	Origin normalizer.Origin `json:"origin"`
}

// decodeIngest accepts either a JSON array of raw events or an object
// {"lines": [...], "origin": "..."} of plain lines stamped with now.
// Events without a timestamp are passed through; the engine rejects them.
func decodeIngest(body []byte, now time.Time) ([]normalizer.Raw, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errors.New("empty body")
	}
	if trimmed[0] == '[' {
		var events []normalizer.Raw
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return nil, err
		}
		return events, nil
	}
	var lb linesBody
	if err := json.Unmarshal(trimmed, &lb); err != nil {
		return nil, err
	}
	if lb.Lines == nil {
		return nil, errors.New(`expected an array of events or {"lines": [...]}`)
	}
	origin := lb.Origin
	if origin == "" {
		origin = normalizer.OriginStdout
	}
	events := make([]normalizer.Raw, len(lb.Lines))
	for i, l := range lb.Lines {
		events[i] = normalizer.Raw{Text: l, Timestamp: now, Origin: origin}
	}
	return events, nil
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
