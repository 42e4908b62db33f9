package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/loykin/hbwatch/internal/config"
	"github.com/loykin/hbwatch/internal/events"
	"github.com/loykin/hbwatch/internal/history"
	"github.com/loykin/hbwatch/internal/logger"
	"github.com/loykin/hbwatch/internal/metrics"
)

// Archive trigger modes.
const (
	ModeManual   = "manual"
	ModeExit     = "exit"
	ModeOnPeriod = "auto (on-period)"
	ModeOnLimit  = "auto (on-limit)"
)

// Stats summarises archiving since start or the last ResetStats.
type Stats struct {
	Since        time.Time `json:"since"`
	LastArchived time.Time `json:"last_archived,omitempty"`
	LastMode     string    `json:"last_mode,omitempty"`
	LastPath     string    `json:"last_path,omitempty"`
	NoOfArchived int       `json:"archived"`
	PendingStart int       `json:"pending_starts"`
}

// Archiver writes status snapshots to <dir>/yyyyMMdd/<session>.txt.
// Archiving failures are reported to the event sink and never returned
// as panics to the caller.
type Archiver struct {
	cfg     *config.Store
	session string
	sink    events.Sink
	hist    history.Sink
	starts  *StartList
	now     func() time.Time

	writeMu sync.Mutex // serialises Archive calls

	mu           sync.Mutex
	origin       time.Time
	lastPeriod   int
	lastArchived time.Time
	lastMode     string
	lastPath     string
	count        int
	status       func() string
}

func New(cfg *config.Store, session string, sink events.Sink, hist history.Sink) *Archiver {
	if sink == nil {
		sink = events.Discard{}
	}
	a := &Archiver{
		cfg:     cfg,
		session: session,
		sink:    sink,
		hist:    hist,
		starts:  NewStartList(ListMaxLength),
		now:     time.Now,
	}
	a.origin = a.now()
	return a
}

// SetStatusFunc sets the provider of the status section. It is called
// without any archiver lock held.
func (a *Archiver) SetStatusFunc(fn func() string) {
	a.mu.Lock()
	a.status = fn
	a.mu.Unlock()
}

func (a *Archiver) Starts() *StartList { return a.starts }

// PeriodicCheck archives once each time elapsedDays/PeriodInDays increases.
func (a *Archiver) PeriodicCheck() {
	cfg := a.cfg.Snapshot().Archive
	if cfg.PeriodInDays <= 0 {
		return
	}
	a.mu.Lock()
	elapsedDays := int(a.now().Sub(a.origin).Hours() / 24)
	idx := elapsedDays / cfg.PeriodInDays
	due := idx > a.lastPeriod
	if due {
		a.lastPeriod = idx
	}
	a.mu.Unlock()
	if due && cfg.OnPeriod {
		a.Archive(ModeOnPeriod)
	}
}

// RecordStart appends an application start and evaluates the limit trigger.
func (a *Archiver) RecordStart(t time.Time) {
	a.starts.Add(t)
	a.OnRestartRecorded()
}

// OnRestartRecorded archives when the recorded starts reach the limit.
func (a *Archiver) OnRestartRecorded() {
	cfg := a.cfg.Snapshot().Archive
	if !cfg.OnLimit || cfg.Limit <= 0 {
		return
	}
	if a.starts.Count() >= cfg.Limit {
		a.Archive(ModeOnLimit)
	}
}

// Archive writes one snapshot and reports whether it succeeded.
func (a *Archiver) Archive(mode string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			a.sink.Message(fmt.Sprintf("archive (%s) panic: %v", mode, r), true)
			ok = false
		}
	}()

	a.mu.Lock()
	statusFn := a.status
	a.mu.Unlock()
	status := ""
	if statusFn != nil {
		status = statusFn()
	}
	cfg := a.cfg.Snapshot()

	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	now := a.now()
	path := logger.DayPath(cfg.Archive.Dir, now, a.session, ".txt")
	starts := a.starts.Drain()
	if err := a.write(path, now, mode, status, starts, cfg); err != nil {
		a.starts.Restore(starts)
		a.sink.Message(fmt.Sprintf("archive (%s) failed: %v", mode, err), true)
		return false
	}

	a.mu.Lock()
	a.lastArchived = now
	a.lastMode = mode
	a.lastPath = path
	a.count++
	a.mu.Unlock()

	metrics.IncArchive(mode)
	a.sink.Message(fmt.Sprintf("archived (%s) to %s", mode, path), false)
	if a.hist != nil {
		e := history.Event{Type: history.EventArchive, OccurredAt: now, Record: history.Record{App: cfg.AppName(), State: mode, Message: path}}
		if err := a.hist.Send(context.Background(), e); err != nil {
			a.sink.Message("history: "+err.Error(), true)
		}
	}
	return true
}

func (a *Archiver) write(path string, now time.Time, mode, status string, starts []time.Time, cfg config.Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	var b strings.Builder
	line := func(s string) {
		b.WriteString(logger.FormatLine(now, s))
		b.WriteByte('\n')
	}
	block := func(text string) {
		for _, l := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
			line(l)
		}
	}

	line(fmt.Sprintf("===== archive (%s) =====", mode))
	line("session: " + a.session)
	line(fmt.Sprintf("application starts since last archive: %d", len(starts)))
	for _, s := range starts {
		line("  " + s.Format(logger.LineTimeFormat))
	}
	if status != "" {
		line("----- status -----")
		block(status)
	}
	line("----- config -----")
	block(cfg.Dump())

	if _, err := f.WriteString(b.String()); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (a *Archiver) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		Since:        a.origin,
		LastArchived: a.lastArchived,
		LastMode:     a.lastMode,
		LastPath:     a.lastPath,
		NoOfArchived: a.count,
		PendingStart: a.starts.Count(),
	}
}

// ResetStats clears counters and restarts the period clock.
func (a *Archiver) ResetStats() {
	a.starts.Clear()
	a.mu.Lock()
	a.origin = a.now()
	a.lastPeriod = 0
	a.lastArchived = time.Time{}
	a.lastMode = ""
	a.lastPath = ""
	a.count = 0
	a.mu.Unlock()
}
