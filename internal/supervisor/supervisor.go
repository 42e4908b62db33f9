package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/loykin/hbwatch/internal/archive"
	"github.com/loykin/hbwatch/internal/config"
	"github.com/loykin/hbwatch/internal/events"
	"github.com/loykin/hbwatch/internal/heartbeat"
	"github.com/loykin/hbwatch/internal/history"
	"github.com/loykin/hbwatch/internal/metrics"
	"github.com/loykin/hbwatch/internal/process"
)

// TickInterval is the fixed supervision rate.
const TickInterval = time.Second

// usageEvery is the number of ticks between application usage samples.
const usageEvery = 10

// AppController is the process control capability the supervisor drives.
type AppController interface {
	Start() error
	Stop() bool
	IsRunning(withMessage bool) bool
	TerminateBeforeRestart(ctx context.Context) bool
	LastPID() int
	Usage() (process.Usage, error)
	SetSpec(process.Spec)
	SetTerminationTimeout(time.Duration)
}

// Heartbeat is the connection the supervisor watches.
type Heartbeat interface {
	Connect(ctx context.Context) error
	Reopen()
	Close()
	Send(data []byte) error
	State() heartbeat.State
	EverConnected() bool
	LastResponsive() time.Time
	MarkResponsive(t time.Time)
	Attempts() int
	ResetAttempts()
	SaturateAttempts()
	Signals() *heartbeat.SignalBuffer
	SetOptions(heartbeat.Options)
	OnConnected(func())
	OnDisconnected(func(error))
}

// Archiver is the archival capability polled from the tick.
type Archiver interface {
	PeriodicCheck()
	Archive(mode string) bool
	Stats() archive.Stats
	ResetStats()
	SetStatusFunc(func() string)
}

// State is the supervision bookkeeping guarded by Supervisor.mu.
type State struct {
	LastRestartTime         time.Time
	NumberOfUnstableRestart int
	IsFinalMessage          bool
	Restarting              bool
	// ShutDown latches after Shutdown until Reset or Reconnect.
	ShutDown                bool
}

// Deps wires the supervisor to its collaborators.
type Deps struct {
	Config    *config.Store
	App       AppController
	Heartbeat Heartbeat
	Archiver  Archiver
	Sink      events.Sink
	History   history.Sink
}

type job struct {
	name string
	fn   func(ctx context.Context)
}

// Supervisor runs the responsiveness checks and the restart policy.
//
// Lock order: Supervisor.mu may be held while calling Heartbeat getters and
// setters; it is never held while calling the archiver, the controller or
// any blocking heartbeat method.
type Supervisor struct {
	cfg  *config.Store
	app  AppController
	hb   Heartbeat
	arch Archiver
	sink events.Sink
	hist history.Sink
	now  func() time.Time

	started  time.Time
	interval time.Duration

	mu    sync.Mutex
	st    State
	ticks int
	usage process.Usage

	jobs    chan job
	running atomic.Bool
	wg      sync.WaitGroup
}

func New(d Deps) *Supervisor {
	if d.Sink == nil {
		d.Sink = events.Discard{}
	}
	s := &Supervisor{
		cfg:      d.Config,
		app:      d.App,
		hb:       d.Heartbeat,
		arch:     d.Archiver,
		sink:     d.Sink,
		hist:     d.History,
		now:      time.Now,
		interval: TickInterval,
		jobs:     make(chan job, 16),
	}
	s.started = s.now()
	s.hb.OnConnected(s.onConnected)
	s.hb.OnDisconnected(s.onDisconnected)
	s.arch.SetStatusFunc(s.StatusText)
	s.ApplyConfig()
	return s
}

// ApplyConfig pushes the current settings into the controller and the
// heartbeat channel. New connection settings apply on the next connect.
func (s *Supervisor) ApplyConfig() {
	cfg := s.cfg.Snapshot()
	s.app.SetSpec(process.Spec{Path: cfg.App.Path, Args: cfg.App.Args, Name: cfg.App.Name, WorkDir: cfg.App.WorkDir})
	s.app.SetTerminationTimeout(config.Seconds(cfg.Supervisor.TerminationTimeout))
	s.hb.SetOptions(heartbeat.Options{
		Addr:              cfg.RemoteAddr(),
		MaxConnectAttempt: cfg.Heartbeat.MaxConnectAttempt,
		ConnectionTimeout: config.Seconds(cfg.Heartbeat.ConnectionTimeout),
	})
}

// Run drives the tick until ctx is cancelled. Blocking work (termination
// polling, restarts, connects) runs on one worker goroutine.
func (s *Supervisor) Run(ctx context.Context) error {
	s.running.Store(true)
	s.wg.Add(1)
	go s.worker(ctx)
	s.startup()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.running.Store(false)
			s.wg.Wait()
			return nil
		case <-ticker.C:
			s.Tick()
		}
	}
}

func (s *Supervisor) startup() {
	cfg := s.cfg.Snapshot().Supervisor
	if cfg.ResetOnStart {
		s.arch.ResetStats()
		s.sink.Message("archive statistics reset on start", false)
	}
	if cfg.RestartOnStart {
		s.enqueue(job{name: "restart-on-start", fn: func(ctx context.Context) {
			s.app.TerminateBeforeRestart(ctx)
			_ = s.app.Start()
		}})
	}
	if cfg.Run {
		s.enqueue(job{name: "connect", fn: s.connect})
	}
}

func (s *Supervisor) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.jobs:
			s.runJob(ctx, j)
		}
	}
}

func (s *Supervisor) runJob(ctx context.Context, j job) {
	defer func() {
		if r := recover(); r != nil {
			s.sink.Message(fmt.Sprintf("%s panic: %v", j.name, r), true)
		}
	}()
	j.fn(ctx)
}

// enqueue hands j to the worker, or runs it inline when the worker is not
// running.
func (s *Supervisor) enqueue(j job) {
	if !s.running.Load() {
		s.runJob(context.Background(), j)
		return
	}
	s.jobs <- j
}

// tryEnqueue is enqueue for optional work; it drops j when the queue is full.
func (s *Supervisor) tryEnqueue(j job) {
	if !s.running.Load() {
		return
	}
	select {
	case s.jobs <- j:
	default:
	}
}

// Tick performs one supervision step.
func (s *Supervisor) Tick() {
	defer func() {
		if r := recover(); r != nil {
			s.sink.Message(fmt.Sprintf("tick panic: %v", r), true)
		}
	}()

	s.arch.PeriodicCheck()

	cfg := s.cfg.Snapshot().Supervisor
	now := s.now()

	s.mu.Lock()
	s.ticks++
	if s.ticks%usageEvery == 0 {
		s.tryEnqueue(job{name: "usage", fn: s.sampleUsage})
	}
	if s.st.ShutDown {
		s.mu.Unlock()
		return
	}

	if s.st.NumberOfUnstableRestart > 0 && !s.st.LastRestartTime.IsZero() &&
		now.Sub(s.st.LastRestartTime) >= config.Seconds(cfg.TimeToStable) {
		n := s.st.NumberOfUnstableRestart
		s.st.NumberOfUnstableRestart = 0
		s.mu.Unlock()
		s.sink.Message(fmt.Sprintf("application stable for %s, restart counter reset (was %d)", config.Seconds(cfg.TimeToStable), n), false)
		s.mu.Lock()
	}
	metrics.SetUnstableRestarts(s.st.NumberOfUnstableRestart)

	if !cfg.Run || s.st.Restarting {
		s.mu.Unlock()
		return
	}

	state := s.hb.State()
	if state == heartbeat.Connecting || (!s.hb.EverConnected() && state != heartbeat.Disconnected) {
		s.mu.Unlock()
		return
	}

	silence := now.Sub(s.hb.LastResponsive())
	metrics.SetSilence(silence.Seconds())
	if silence <= config.Seconds(cfg.MaxUnresponsiveTime) {
		s.mu.Unlock()
		return
	}

	if s.st.NumberOfUnstableRestart < cfg.MaxRestartAttempt {
		attempt := s.beginRestartLocked(now)
		s.mu.Unlock()
		s.sink.Message(fmt.Sprintf("application unresponsive for %s, restart attempt %d/%d",
			silence.Round(time.Second), attempt, cfg.MaxRestartAttempt), true)
		s.record(history.EventRestart, attempt, fmt.Sprintf("unresponsive for %s", silence.Round(time.Second)))
		s.enqueue(job{name: "restart", fn: s.restart})
		return
	}

	if s.st.IsFinalMessage {
		s.mu.Unlock()
		return
	}
	s.st.IsFinalMessage = true
	attempts := s.st.NumberOfUnstableRestart
	s.mu.Unlock()

	msg := fmt.Sprintf("application unresponsive since %s (%s) after %d restart attempt(s), giving up until reset",
		humanize.Time(now.Add(-silence)), silence.Round(time.Second), attempts)
	s.sink.Message("ALERT: "+msg, true)
	metrics.IncAlert()
	s.record(history.EventAlert, attempts, msg)
}

// beginRestartLocked books one restart attempt. mu must be held.
func (s *Supervisor) beginRestartLocked(now time.Time) int {
	s.st.NumberOfUnstableRestart++
	s.st.LastRestartTime = now
	s.st.Restarting = true
	s.hb.MarkResponsive(now)
	metrics.IncRestart()
	metrics.SetUnstableRestarts(s.st.NumberOfUnstableRestart)
	return s.st.NumberOfUnstableRestart
}

// restart terminates the application, launches it again and reconnects on a
// fresh channel.
func (s *Supervisor) restart(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.st.Restarting = false
		s.mu.Unlock()
	}()
	s.app.TerminateBeforeRestart(ctx)
	_ = s.app.Start()
	s.connect(ctx)
}

func (s *Supervisor) connect(ctx context.Context) {
	s.ApplyConfig()
	s.hb.ResetAttempts()
	s.hb.Reopen()
	s.hb.MarkResponsive(s.now())
	_ = s.hb.Connect(ctx)
}

func (s *Supervisor) sampleUsage(context.Context) {
	u, err := s.app.Usage()
	if err != nil {
		return
	}
	metrics.SetAppUsage(u.CPUPercent, u.RSSBytes)
	s.mu.Lock()
	s.usage = u
	s.mu.Unlock()
}

func (s *Supervisor) onConnected() {
	s.mu.Lock()
	s.st.IsFinalMessage = false
	attempts := s.st.NumberOfUnstableRestart
	s.mu.Unlock()
	s.record(history.EventConnected, attempts, "")
}

func (s *Supervisor) onDisconnected(cause error) {
	s.mu.Lock()
	attempts := s.st.NumberOfUnstableRestart
	s.mu.Unlock()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	s.record(history.EventDisconnected, attempts, msg)
}

func (s *Supervisor) record(t history.EventType, attempt int, msg string) {
	if s.hist == nil {
		return
	}
	e := history.Event{
		Type:       t,
		OccurredAt: s.now(),
		Record: history.Record{
			App:     s.cfg.Snapshot().AppName(),
			PID:     s.app.LastPID(),
			State:   s.hb.State().String(),
			Attempt: attempt,
			Message: msg,
		},
	}
	if err := s.hist.Send(context.Background(), e); err != nil {
		s.sink.Message("history: "+err.Error(), true)
	}
}

// ForceRestart restarts the application regardless of elapsed silence.
// The attempt counter still advances but never beyond MaxRestartAttempt.
func (s *Supervisor) ForceRestart() bool {
	cfg := s.cfg.Snapshot().Supervisor
	now := s.now()
	s.mu.Lock()
	if s.st.Restarting {
		s.mu.Unlock()
		s.sink.Message("restart already in progress", false)
		return false
	}
	attempt := s.st.NumberOfUnstableRestart
	if attempt < cfg.MaxRestartAttempt {
		attempt = s.beginRestartLocked(now)
	} else {
		s.st.LastRestartTime = now
		s.st.Restarting = true
		s.hb.MarkResponsive(now)
		metrics.IncRestart()
	}
	s.mu.Unlock()
	s.sink.Message(fmt.Sprintf("forced restart (attempt %d/%d)", attempt, cfg.MaxRestartAttempt), false)
	s.record(history.EventRestart, attempt, "forced")
	s.enqueue(job{name: "restart", fn: s.restart})
	return true
}

// Reset clears the restart bookkeeping and the latched alert.
func (s *Supervisor) Reset() {
	now := s.now()
	s.mu.Lock()
	s.st.NumberOfUnstableRestart = 0
	s.st.IsFinalMessage = false
	s.st.LastRestartTime = time.Time{}
	s.st.ShutDown = false
	s.mu.Unlock()
	s.hb.ResetAttempts()
	s.hb.MarkResponsive(now)
	metrics.SetUnstableRestarts(0)
	s.sink.Message("supervisor state reset", false)
	s.record(history.EventReset, 0, "")
}

// Shutdown stops the application and the connection, and pins every counter
// at its maximum so that nothing restarts automatically. Manual commands
// keep working.
func (s *Supervisor) Shutdown() {
	cfg := s.cfg.Snapshot().Supervisor
	s.mu.Lock()
	s.st.NumberOfUnstableRestart = cfg.MaxRestartAttempt
	s.st.IsFinalMessage = true
	s.st.ShutDown = true
	s.mu.Unlock()
	s.hb.SaturateAttempts()
	metrics.SetUnstableRestarts(cfg.MaxRestartAttempt)
	s.sink.Message("shutdown: automatic restarts disabled until reset", false)
	s.record(history.EventShutdown, cfg.MaxRestartAttempt, "")
	s.enqueue(job{name: "shutdown", fn: func(context.Context) {
		s.app.Stop()
		s.hb.Close()
	}})
}

func (s *Supervisor) StartApp() {
	s.enqueue(job{name: "start", fn: func(context.Context) { _ = s.app.Start() }})
}

func (s *Supervisor) StopApp() {
	s.enqueue(job{name: "stop", fn: func(context.Context) { s.app.Stop() }})
}

// Reconnect opens a fresh channel with the current settings and lifts a
// previous Shutdown.
func (s *Supervisor) Reconnect() {
	s.mu.Lock()
	s.st.ShutDown = false
	s.mu.Unlock()
	s.enqueue(job{name: "connect", fn: s.connect})
}

// Resume opens the channel when supervision was switched on after a start
// with run disabled. It does nothing once the channel has been used or
// after Shutdown.
func (s *Supervisor) Resume() {
	if !s.cfg.Snapshot().Supervisor.Run {
		return
	}
	s.mu.Lock()
	down := s.st.ShutDown
	s.mu.Unlock()
	if down || s.hb.State() != heartbeat.Idle || s.hb.EverConnected() {
		return
	}
	s.sink.Message("supervision enabled, connecting", false)
	s.enqueue(job{name: "connect", fn: s.connect})
}

func (s *Supervisor) Disconnect() { s.hb.Close() }

// ArchiveNow writes a manual archive on the worker.
func (s *Supervisor) ArchiveNow() {
	s.enqueue(job{name: "archive", fn: func(context.Context) { s.arch.Archive(archive.ModeManual) }})
}

func (s *Supervisor) Send(data []byte) error { return s.hb.Send(data) }

// QueryRunning reports whether the application is running.
func (s *Supervisor) QueryRunning() bool { return s.app.IsRunning(false) }

func (s *Supervisor) ResizeSignals(n int) { s.hb.Signals().Resize(n) }

func (s *Supervisor) Signals() []heartbeat.Signal { return s.hb.Signals().Snapshot() }

// State returns a copy of the supervision bookkeeping.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

// Close writes the exit archive and drops the connection.
func (s *Supervisor) Close() {
	s.arch.Archive(archive.ModeExit)
	s.hb.Close()
}
