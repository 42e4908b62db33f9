package archive

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/hbwatch/internal/config"
	"github.com/loykin/hbwatch/internal/history"
	"github.com/loykin/hbwatch/internal/logger"
)

type recSink struct {
	mu   sync.Mutex
	msgs []string
	errs int
}

func (r *recSink) Message(msg string, isError bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	if isError {
		r.errs++
	}
}
func (r *recSink) Status(string) {}

type histSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (h *histSink) Send(_ context.Context, e history.Event) error {
	h.mu.Lock()
	h.events = append(h.events, e)
	h.mu.Unlock()
	return nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newArchiver(t *testing.T, mutate func(*config.Config)) (*Archiver, *clock, *recSink, *histSink) {
	t.Helper()
	cfg := config.Default()
	cfg.App.Path = "/opt/demo/demo"
	cfg.Archive.Dir = t.TempDir()
	if mutate != nil {
		mutate(&cfg)
	}
	clk := &clock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.Local)}
	sink, hist := &recSink{}, &histSink{}
	a := New(config.NewStore(cfg, ""), "sess", sink, hist)
	a.now = clk.now
	a.origin = clk.t
	return a, clk, sink, hist
}

func TestStartList_Bounded(t *testing.T) {
	l := NewStartList(3)
	base := time.Unix(0, 0)
	for i := 0; i < 5; i++ {
		l.Add(base.Add(time.Duration(i) * time.Second))
	}
	items := l.Items()
	require.Len(t, items, 3)
	assert.Equal(t, base.Add(2*time.Second), items[0])
	l.Clear()
	assert.Equal(t, 0, l.Count())
	assert.Equal(t, ListMaxLength, NewStartList(0).max)
}

func TestStartList_DrainAndRestore(t *testing.T) {
	l := NewStartList(3)
	base := time.Unix(0, 0)
	l.Add(base)
	l.Add(base.Add(time.Second))

	drained := l.Drain()
	require.Len(t, drained, 2)
	assert.Equal(t, 0, l.Count())

	l.Add(base.Add(2 * time.Second))
	l.Add(base.Add(3 * time.Second))
	l.Restore(drained)
	assert.Equal(t, []time.Time{base.Add(time.Second), base.Add(2 * time.Second), base.Add(3 * time.Second)}, l.Items())
	l.Restore(nil)
	assert.Equal(t, 3, l.Count())
}

func TestArchive_WritesSnapshot(t *testing.T) {
	a, clk, sink, hist := newArchiver(t, nil)
	a.SetStatusFunc(func() string { return "state: connected\nrestarts: 1" })
	a.starts.Add(clk.t.Add(-time.Minute))

	require.True(t, a.Archive(ModeManual))

	path := logger.DayPath(a.cfg.Snapshot().Archive.Dir, clk.t, "sess", ".txt")
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(b)
	assert.Contains(t, out, "[2024-06-01 12:00:00.000] ===== archive (manual) =====")
	assert.Contains(t, out, "application starts since last archive: 1")
	assert.Contains(t, out, "] state: connected")
	assert.Contains(t, out, "max_restart_attempt: 3")
	for _, l := range strings.Split(strings.TrimSpace(out), "\n") {
		assert.True(t, strings.HasPrefix(l, "[2024-06-01 12:00:00.000] "), "line without timestamp: %q", l)
	}

	st := a.Stats()
	assert.Equal(t, 1, st.NoOfArchived)
	assert.Equal(t, ModeManual, st.LastMode)
	assert.Equal(t, clk.t, st.LastArchived)
	assert.Equal(t, 0, st.PendingStart)
	assert.Equal(t, 0, sink.errs)
	require.Len(t, hist.events, 1)
	assert.Equal(t, history.EventArchive, hist.events[0].Type)

	// appends on a second archive the same day
	require.True(t, a.Archive(ModeExit))
	b, _ = os.ReadFile(path)
	assert.Equal(t, 2, strings.Count(string(b), "===== archive"))
}

func TestPeriodicCheck_OncePerPeriod(t *testing.T) {
	a, clk, _, _ := newArchiver(t, func(c *config.Config) {
		c.Archive.OnPeriod = true
		c.Archive.PeriodInDays = 2
	})

	a.PeriodicCheck()
	assert.Equal(t, 0, a.Stats().NoOfArchived)

	clk.advance(36 * time.Hour)
	a.PeriodicCheck()
	assert.Equal(t, 0, a.Stats().NoOfArchived, "still inside the first period")

	clk.advance(12 * time.Hour) // 2 days
	for i := 0; i < 5; i++ {
		a.PeriodicCheck()
		clk.advance(time.Hour)
	}
	assert.Equal(t, 1, a.Stats().NoOfArchived)
	assert.Equal(t, ModeOnPeriod, a.Stats().LastMode)

	clk.advance(48 * time.Hour)
	a.PeriodicCheck()
	a.PeriodicCheck()
	assert.Equal(t, 2, a.Stats().NoOfArchived)
}

func TestPeriodicCheck_DisabledFlagStillAdvances(t *testing.T) {
	a, clk, _, _ := newArchiver(t, func(c *config.Config) {
		c.Archive.OnPeriod = false
		c.Archive.PeriodInDays = 1
	})
	clk.advance(25 * time.Hour)
	a.PeriodicCheck()
	assert.Equal(t, 0, a.Stats().NoOfArchived)

	_, err := a.cfg.Update(func(c *config.Config) error { c.Archive.OnPeriod = true; return nil })
	require.NoError(t, err)
	a.PeriodicCheck()
	assert.Equal(t, 0, a.Stats().NoOfArchived, "period already passed while disabled")
}

func TestRecordStart_OnLimit(t *testing.T) {
	a, clk, _, _ := newArchiver(t, func(c *config.Config) {
		c.Archive.OnLimit = true
		c.Archive.Limit = 3
	})
	a.RecordStart(clk.t)
	a.RecordStart(clk.t)
	assert.Equal(t, 0, a.Stats().NoOfArchived)
	a.RecordStart(clk.t)
	st := a.Stats()
	assert.Equal(t, 1, st.NoOfArchived)
	assert.Equal(t, ModeOnLimit, st.LastMode)
	assert.Equal(t, 0, a.starts.Count())
}

func TestArchive_FailureIsReported(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	a, _, sink, _ := newArchiver(t, func(c *config.Config) { c.Archive.Dir = blocker })
	a.starts.Add(time.Now())

	assert.False(t, a.Archive(ModeManual))
	assert.Equal(t, 1, sink.errs)
	assert.Equal(t, 0, a.Stats().NoOfArchived)
	assert.Equal(t, 1, a.starts.Count(), "starts are kept when archiving failed")
}

func TestResetStats(t *testing.T) {
	a, clk, _, _ := newArchiver(t, nil)
	require.True(t, a.Archive(ModeManual))
	clk.advance(time.Hour)
	a.ResetStats()
	st := a.Stats()
	assert.Equal(t, 0, st.NoOfArchived)
	assert.True(t, st.LastArchived.IsZero())
	assert.Equal(t, clk.t, st.Since)
}

// Starts recorded while archives are being written land either in one of
// the written snapshots or in the pending list, never in neither.
func TestArchive_ConcurrentRecordStartLosesNothing(t *testing.T) {
	a, clk, _, _ := newArchiver(t, nil)
	const total = 500

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			a.RecordStart(clk.t)
		}
	}()
	archived := 0
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			if a.Archive(ModeManual) {
				archived++
			}
		}
	}()
	wg.Wait()
	require.Equal(t, 20, archived)

	b, err := os.ReadFile(logger.DayPath(a.cfg.Snapshot().Archive.Dir, clk.t, "sess", ".txt"))
	require.NoError(t, err)
	written := strings.Count(string(b), "  "+clk.t.Format(logger.LineTimeFormat))
	assert.Equal(t, total, written+a.Stats().PendingStart)
}
