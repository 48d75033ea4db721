package tailer

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/loykin/pipewatch/internal/engine"
	"github.com/loykin/pipewatch/internal/normalizer"
)

// DefaultPollInterval rereads tracked files in case a notification was missed.
const DefaultPollInterval = time.Second

const maxLine = 1024 * 1024

// Sink receives every batch read from a file.
type Sink func(engine.Batch) error

// Tailer follows files matching a set of glob patterns and emits appended
// lines as append batches.
type Tailer struct {
	patterns     []string
	fromStart    bool
	PollInterval time.Duration

	fsw   *fsnotify.Watcher
	mu    sync.Mutex
	files map[string]*trackedFile
	now   func() time.Time
}

type trackedFile struct {
	path   string
	file   *os.File
	offset int64
	buf    []byte // partial trailing line
}

// New expands patterns and starts watching the directories that hold them.
// With fromStart the existing content of every match is read on Run;
// otherwise only lines appended later are emitted.
func New(patterns []string, fromStart bool) (*Tailer, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	t := &Tailer{
		fromStart: fromStart,
		fsw:       fsw,
		files:     make(map[string]*trackedFile),
		now:       time.Now,
	}

	dirs := map[string]bool{}
	for _, p := range patterns {
		abs, err := filepath.Abs(p)
		if err != nil {
			_ = fsw.Close()
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		abs = filepath.ToSlash(abs)
		if !doublestar.ValidatePattern(abs) {
			_ = fsw.Close()
			return nil, fmt.Errorf("invalid pattern %q", p)
		}
		t.patterns = append(t.patterns, abs)

		base, _ := doublestar.SplitPattern(abs)
		dirs[filepath.FromSlash(base)] = true

		matches, err := doublestar.FilepathGlob(filepath.FromSlash(abs))
		if err != nil {
			slog.Warn("tailer: glob failed", "pattern", p, "error", err)
			continue
		}
		for _, m := range matches {
			dirs[filepath.Dir(m)] = true
			t.open(m, !fromStart)
		}
	}
	for d := range dirs {
		if err := fsw.Add(d); err != nil {
			slog.Warn("tailer: cannot watch directory", "dir", d, "error", err)
		}
	}
	return t, nil
}

// Paths returns the files currently tracked.
func (t *Tailer) Paths() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.files))
	for p := range t.files {
		out = append(out, p)
	}
	return out
}

func (t *Tailer) matches(path string) bool {
	slash := filepath.ToSlash(path)
	for _, p := range t.patterns {
		if ok, _ := doublestar.Match(p, slash); ok {
			return true
		}
	}
	return false
}

// Run emits batches until ctx is cancelled. Open files are closed on return.
func (t *Tailer) Run(ctx context.Context, sink Sink) error {
	defer t.closeAll()
	defer t.fsw.Close()

	for _, p := range t.Paths() {
		t.read(p, sink)
	}

	interval := t.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	poll := time.NewTicker(interval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-t.fsw.Events:
			if !ok {
				return nil
			}
			if !t.matches(ev.Name) {
				continue
			}
			switch {
			case ev.Op&fsnotify.Create != 0:
				t.open(ev.Name, false)
				t.read(ev.Name, sink)
			case ev.Op&fsnotify.Write != 0:
				t.open(ev.Name, false)
				t.read(ev.Name, sink)
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				t.close(ev.Name)
			}
		case err, ok := <-t.fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("tailer: watcher error", "error", err)
		case <-poll.C:
			for _, p := range t.Paths() {
				t.read(p, sink)
			}
		}
	}
}

// open starts tracking path unless it already is. atEnd skips the current
// content.
func (t *Tailer) open(path string, atEnd bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.files[path]; ok {
		return
	}
	f, err := os.Open(path)
	if err != nil {
		slog.Warn("tailer: cannot open file", "path", path, "error", err)
		return
	}
	var offset int64
	if atEnd {
		if offset, err = f.Seek(0, io.SeekEnd); err != nil {
			offset = 0
		}
	}
	t.files[path] = &trackedFile{path: path, file: f, offset: offset}
}

func (t *Tailer) close(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tf, ok := t.files[path]; ok {
		_ = tf.file.Close()
		delete(t.files, path)
	}
}

// Close releases the watcher and open files of a Tailer that will not Run.
func (t *Tailer) Close() error {
	t.closeAll()
	return t.fsw.Close()
}

func (t *Tailer) closeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for p, tf := range t.files {
		_ = tf.file.Close()
		delete(t.files, p)
	}
}

// read emits every complete line appended to path since the last read.
func (t *Tailer) read(path string, sink Sink) {
	t.mu.Lock()
	tf, ok := t.files[path]
	if !ok {
		t.mu.Unlock()
		return
	}
	if st, err := tf.file.Stat(); err == nil && st.Size() < tf.offset {
		slog.Info("tailer: file truncated, reading from start", "path", path)
		tf.offset = 0
		tf.buf = nil
	}
	if _, err := tf.file.Seek(tf.offset, io.SeekStart); err != nil {
		t.mu.Unlock()
		slog.Warn("tailer: seek failed", "path", path, "error", err)
		return
	}
	data, err := io.ReadAll(tf.file)
	tf.offset += int64(len(data))
	if err != nil {
		slog.Warn("tailer: read failed", "path", path, "error", err)
	}

	data = append(tf.buf, data...)
	cut := bytes.LastIndexByte(data, '\n')
	if cut < 0 {
		tf.buf = data
		t.mu.Unlock()
		return
	}
	tf.buf = append([]byte(nil), data[cut+1:]...)
	t.mu.Unlock()

	events, err := ReadLines(bytes.NewReader(data[:cut+1]), t.now())
	if err != nil {
		slog.Warn("tailer: split failed", "path", path, "error", err)
	}
	if len(events) == 0 {
		return
	}
	if err := sink(engine.Batch{Mode: engine.ModeAppend, Source: path, Events: events}); err != nil {
		slog.Warn("tailer: batch not applied", "path", path, "error", err)
	}
}

// ReadLines splits r into raw events stamped with at. Lines longer than
// maxLine are cut to maxLine bytes; the rest of such a line is skipped.
func ReadLines(r io.Reader, at time.Time) ([]normalizer.Raw, error) {
	var out []normalizer.Raw
	truncated := 0
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine+1)
	sc.Split(capLines(maxLine, func() { truncated++ }))
	for sc.Scan() {
		out = append(out, normalizer.Raw{Text: sc.Text(), Timestamp: at, Origin: normalizer.OriginMeta})
	}
	if truncated > 0 {
		slog.Warn("tailer: overlong lines truncated", "lines", truncated, "limit", maxLine)
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("scan: %w", err)
	}
	return out, nil
}

// capLines is bufio.ScanLines with a length cap. A line reaching limit is
// emitted as its first limit bytes and the remainder up to the newline is
// discarded.
func capLines(limit int, onTruncate func()) bufio.SplitFunc {
	skipping := false
	return func(data []byte, atEOF bool) (int, []byte, error) {
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			if skipping {
				skipping = false
				return i + 1, nil, nil
			}
			return i + 1, dropCR(data[:i]), nil
		}
		if len(data) >= limit {
			if skipping {
				return len(data), nil, nil
			}
			skipping = true
			onTruncate()
			return len(data), bytes.ToValidUTF8(data[:limit], nil), nil
		}
		if atEOF && len(data) > 0 {
			if skipping {
				return len(data), nil, nil
			}
			return len(data), dropCR(data), nil
		}
		return 0, nil, nil
	}
}

func dropCR(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == '\r' {
		return b[:len(b)-1]
	}
	return b
}

// ReadFile reads a whole log file as raw events stamped with the file's
// modification time.
func ReadFile(path string) ([]normalizer.Raw, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	at := time.Now()
	if st, err := f.Stat(); err == nil {
		at = st.ModTime()
	}
	return ReadLines(f, at)
}
