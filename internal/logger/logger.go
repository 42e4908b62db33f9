package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 30 // days
)

// LineTimeFormat prefixes every record and archive line.
const LineTimeFormat = "2006-01-02 15:04:05.000"

// DayDirFormat names the per-day subdirectory (yyyyMMdd).
const DayDirFormat = "20060102"

// Config describes where record files go. Rotation parameters follow
// lumberjack semantics.
type Config struct {
	Dir        string // base directory, e.g. Records
	Session    string // file base name inside the day directory
	MaxSizeMB  int    // megabytes before rotation (default 10)
	MaxBackups int    // number of backups to keep (default 3)
	MaxAgeDays int    // days to keep (default 30)
	Compress   bool   // gzip rotated files
}

// FormatLine renders one timestamped record line without trailing newline.
func FormatLine(t time.Time, msg string) string {
	return "[" + t.Format(LineTimeFormat) + "] " + msg
}

// DayPath returns <dir>/yyyyMMdd/<session><ext>.
func DayPath(dir string, day time.Time, session, ext string) string {
	return filepath.Join(dir, day.Format(DayDirFormat), session+ext)
}

// ParseLevel maps a config level string to slog.Level (default info).
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewConsole builds the process-wide console logger.
func NewConsole(w io.Writer, level string, color bool) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      ParseLevel(level),
		TimeFormat: "15:04:05.000",
		NoColor:    !color,
	}))
}

// RecordWriter appends lines to <Dir>/yyyyMMdd/<Session>.log. The target
// file follows the calendar day of the line being written; within a day,
// files rotate by size through lumberjack.
type RecordWriter struct {
	mu  sync.Mutex
	cfg Config
	day string
	out *lj.Logger
}

func NewRecordWriter(cfg Config) *RecordWriter {
	if cfg.Session == "" {
		cfg.Session = "session"
	}
	return &RecordWriter{cfg: cfg}
}

// WriteLine writes FormatLine(t, msg) plus newline.
func (w *RecordWriter) WriteLine(t time.Time, msg string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	day := t.Format(DayDirFormat)
	if w.out == nil || day != w.day {
		if w.out != nil {
			_ = w.out.Close()
		}
		w.out = &lj.Logger{
			Filename:   DayPath(w.cfg.Dir, t, w.cfg.Session, ".log"),
			MaxSize:    valOr(w.cfg.MaxSizeMB, DefaultMaxSizeMB),
			MaxBackups: valOr(w.cfg.MaxBackups, DefaultMaxBackups),
			MaxAge:     valOr(w.cfg.MaxAgeDays, DefaultMaxAgeDays),
			Compress:   w.cfg.Compress,
		}
		w.day = day
	}
	if _, err := io.WriteString(w.out, FormatLine(t, msg)+"\n"); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// Path returns the file the writer currently targets (empty before first write).
func (w *RecordWriter) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.out == nil {
		return ""
	}
	return w.out.Filename
}

func (w *RecordWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.out == nil {
		return nil
	}
	err := w.out.Close()
	w.out = nil
	return err
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
