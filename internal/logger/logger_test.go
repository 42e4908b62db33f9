package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFormatLine(t *testing.T) {
	ts := time.Date(2024, 3, 9, 7, 5, 2, 45_000_000, time.Local)
	got := FormatLine(ts, "hello")
	if got != "[2024-03-09 07:05:02.045] hello" {
		t.Fatalf("unexpected line %q", got)
	}
}

func TestRecordWriter_DayDirectories(t *testing.T) {
	dir := t.TempDir()
	w := NewRecordWriter(Config{Dir: dir, Session: "s1"})
	defer func() { _ = w.Close() }()

	d1 := time.Date(2024, 1, 31, 23, 59, 59, 0, time.Local)
	d2 := d1.Add(2 * time.Second)
	if err := w.WriteLine(d1, "first"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.WriteLine(d2, "second"); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = w.Close()

	p1 := filepath.Join(dir, "20240131", "s1.log")
	p2 := filepath.Join(dir, "20240201", "s1.log")
	b1, err := os.ReadFile(p1)
	if err != nil {
		t.Fatalf("read %s: %v", p1, err)
	}
	b2, err := os.ReadFile(p2)
	if err != nil {
		t.Fatalf("read %s: %v", p2, err)
	}
	if !strings.Contains(string(b1), "] first") || strings.Contains(string(b1), "second") {
		t.Fatalf("unexpected day1 content: %q", b1)
	}
	if !strings.HasPrefix(string(b2), "[2024-02-01 00:00:01.000] second") {
		t.Fatalf("unexpected day2 content: %q", b2)
	}
}

func TestRecordWriter_Appends(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	for i := 0; i < 2; i++ {
		w := NewRecordWriter(Config{Dir: dir, Session: "app"})
		if err := w.WriteLine(now, "line"); err != nil {
			t.Fatalf("write: %v", err)
		}
		if w.Path() == "" {
			t.Fatalf("expected path after write")
		}
		_ = w.Close()
	}
	b, err := os.ReadFile(DayPath(dir, now, "app", ".log"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n := strings.Count(string(b), "] line"); n != 2 {
		t.Fatalf("expected 2 appended lines, got %d", n)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug, "WARN": slog.LevelWarn, "error": slog.LevelError, "": slog.LevelInfo, "bogus": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewConsole_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewConsole(&buf, "warn", false)
	l.Info("hidden")
	l.Warn("shown", "k", 1)
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Fatalf("unexpected console output %q", out)
	}
}
