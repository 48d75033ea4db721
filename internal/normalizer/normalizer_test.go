package normalizer

import (
	"encoding/json"
	"testing"
	"time"
)

var ref = time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)

func TestNormalize_WrapperPrefix(t *testing.T) {
	ev, ok := Normalize(Raw{Text: "09:59:58.250 [INFO] 📁 Input: panel_014.jpg", Timestamp: ref}, ModePreserve)
	if !ok {
		t.Fatalf("expected event")
	}
	if ev.Text != "📁 Input: panel_014.jpg" {
		t.Fatalf("unexpected text %q", ev.Text)
	}
	if ev.Level != "INFO" {
		t.Fatalf("level = %q", ev.Level)
	}
	want := time.Date(2025, 3, 14, 9, 59, 58, 250*int(time.Millisecond), time.UTC)
	if !ev.Timestamp.Equal(want) {
		t.Fatalf("timestamp = %v, want %v", ev.Timestamp, want)
	}
	if ev.Origin != OriginMeta {
		t.Fatalf("origin = %q", ev.Origin)
	}
}

func TestNormalize_WrapperItemTagStaysInText(t *testing.T) {
	ev, ok := Normalize(Raw{Text: "09:59:58.250 [ITEM_001] 🔄 Starting processing", Timestamp: ref}, ModePreserve)
	if !ok {
		t.Fatalf("expected event")
	}
	if ev.Text != "[ITEM_001] 🔄 Starting processing" || ev.Level != "" {
		t.Fatalf("unexpected event %+v", ev)
	}
	want := time.Date(2025, 3, 14, 9, 59, 58, 250*int(time.Millisecond), time.UTC)
	if !ev.Timestamp.Equal(want) {
		t.Fatalf("timestamp = %v, want %v", ev.Timestamp, want)
	}
}

func TestNormalize_RelayedWrapper(t *testing.T) {
	in := "09:59:58.400 [INFO] 📤 STDOUT: 09:59:58.350 [ITEM_001] ✅ CSV generated: a.csv"
	ev, ok := Normalize(Raw{Text: in, Timestamp: ref}, ModePreserve)
	if !ok {
		t.Fatalf("expected event")
	}
	if ev.Text != "[ITEM_001] ✅ CSV generated: a.csv" || ev.Origin != OriginStdout || ev.Level != "INFO" {
		t.Fatalf("unexpected event %+v", ev)
	}
	want := time.Date(2025, 3, 14, 9, 59, 58, 350*int(time.Millisecond), time.UTC)
	if !ev.Timestamp.Equal(want) {
		t.Fatalf("timestamp = %v, want %v", ev.Timestamp, want)
	}
}

func TestNormalize_WrapperBeforeMidnight(t *testing.T) {
	justAfter := time.Date(2025, 3, 15, 0, 0, 1, 0, time.UTC)
	ev, ok := Normalize(Raw{Text: "23:59:59.900 [INFO] late line", Timestamp: justAfter}, ModePreserve)
	if !ok {
		t.Fatalf("expected event")
	}
	if ev.Timestamp.Day() != 14 {
		t.Fatalf("expected previous day, got %v", ev.Timestamp)
	}
}

func TestNormalize_InvalidWrapperTimeKeepsRawTimestamp(t *testing.T) {
	ev, ok := Normalize(Raw{Text: "99:00:00.000 [WARN] odd", Timestamp: ref}, ModePreserve)
	if !ok {
		t.Fatalf("expected event")
	}
	if ev.Text != "odd" || !ev.Timestamp.Equal(ref) || ev.Level != "WARN" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestNormalize_StreamMarkers(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		text   string
		origin Origin
	}{
		{"stdout", "12:00:00.000 [INFO] 📤 STDOUT: Enumerating objects: 5", "Enumerating objects: 5", OriginStdout},
		{"stderr", "🚨 STDERR: fatal: not a git repository", "fatal: not a git repository", OriginStderr},
		{"first marker wins", "STDERR: echo STDOUT: x", "echo STDOUT: x", OriginStderr},
		{"no marker", "plain line", "plain line", OriginMeta},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := Normalize(Raw{Text: tt.in, Timestamp: ref}, ModePreserve)
			if !ok {
				t.Fatalf("expected event")
			}
			if ev.Text != tt.text || ev.Origin != tt.origin {
				t.Fatalf("got (%q, %q), want (%q, %q)", ev.Text, ev.Origin, tt.text, tt.origin)
			}
		})
	}
}

func TestNormalize_RepeatSuffix(t *testing.T) {
	ev, ok := Normalize(Raw{Text: "10:00:00.000 [INFO] 🔧 Configuration loaded (x3)", Timestamp: ref}, ModePreserve)
	if !ok {
		t.Fatalf("expected event")
	}
	if ev.Repeat != 3 || ev.Text != "🔧 Configuration loaded" {
		t.Fatalf("unexpected event %+v", ev)
	}

	ev, _ = Normalize(Raw{Text: "count (x1)", Timestamp: ref}, ModePreserve)
	if ev.Repeat != 1 || ev.Text != "count (x1)" {
		t.Fatalf("x1 must not be treated as a repeat: %+v", ev)
	}
}

func TestNormalize_ANSI(t *testing.T) {
	colored := "\x1b[31m❌ upload failed\x1b[0m"
	ev, ok := Normalize(Raw{Text: colored, Timestamp: ref}, ModePreserve)
	if !ok || ev.Text != colored {
		t.Fatalf("preserve mode altered text: %q", ev.Text)
	}
	ev, ok = Normalize(Raw{Text: colored, Timestamp: ref}, ModeStrip)
	if !ok || ev.Text != "❌ upload failed" {
		t.Fatalf("strip mode: %q", ev.Text)
	}
}

func TestNormalize_Discard(t *testing.T) {
	for _, in := range []string{"", "   ", "10:00:00.000 [INFO] ", "📤 STDOUT:   ", "\x1b[0m"} {
		mode := ModePreserve
		if in == "\x1b[0m" {
			mode = ModeStrip
		}
		if _, ok := Normalize(Raw{Text: in, Timestamp: ref}, mode); ok {
			t.Fatalf("expected %q to be discarded", in)
		}
	}
}

func TestOriginValid(t *testing.T) {
	for _, o := range []Origin{"", OriginStdout, OriginStderr, OriginMeta} {
		if !o.Valid() {
			t.Fatalf("%q should be valid", o)
		}
	}
	if Origin("socket").Valid() {
		t.Fatalf("unknown origin accepted")
	}
}

func TestRaw_UnmarshalTimestamp(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want time.Time
	}{
		{"rfc3339", `{"text":"x","timestamp":"2025-03-14T10:00:00Z"}`, ref},
		{"epoch seconds", `{"text":"x","timestamp":1741946400}`, ref},
		{"fractional seconds", `{"text":"x","timestamp":1741946400.25}`, ref.Add(250 * time.Millisecond)},
		{"epoch millis", `{"text":"x","timestamp":1741946400500}`, ref.Add(500 * time.Millisecond)},
		{"missing", `{"text":"x"}`, time.Time{}},
		{"null", `{"text":"x","timestamp":null}`, time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r Raw
			if err := json.Unmarshal([]byte(tt.in), &r); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if !r.Timestamp.Equal(tt.want) || r.Text != "x" {
				t.Fatalf("got %+v, want timestamp %v", r, tt.want)
			}
		})
	}

	for _, bad := range []string{
		`{"text":"x","timestamp":"yesterday"}`,
		`{"text":"x","timestamp":-5}`,
		`{"text":"x","timestamp":true}`,
	} {
		var r Raw
		if err := json.Unmarshal([]byte(bad), &r); err == nil {
			t.Fatalf("expected error for %s", bad)
		}
	}

	var r Raw
	if err := json.Unmarshal([]byte(`{"text":"y","timestamp":1741946400,"origin":"stderr"}`), &r); err != nil || r.Origin != OriginStderr {
		t.Fatalf("origin lost: %+v %v", r, err)
	}
}
