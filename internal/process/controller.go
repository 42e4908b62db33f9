package process

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/loykin/hbwatch/internal/events"
	"github.com/loykin/hbwatch/internal/metrics"
)

// ErrNoPath is returned by Start when no executable is configured.
var ErrNoPath = errors.New("application path not set")

// DefaultPollInterval is how often TerminateBeforeRestart re-checks the process table.
const DefaultPollInterval = 250 * time.Millisecond

// Spec describes the monitored application.
type Spec struct {
	Path    string
	Args    []string
	Name    string // process name to match; defaults to the base name of Path
	WorkDir string
}

// ProcName is the name used for process table lookups.
func (s Spec) ProcName() string {
	if s.Name != "" {
		return s.Name
	}
	if s.Path == "" {
		return ""
	}
	return trimExt(s.Path)
}

// Usage aggregates resource usage over every matching process.
type Usage struct {
	Processes  int
	CPUPercent float64
	RSSBytes   uint64
}

// Controller starts, stops and queries the monitored application. Every
// action reports to the event sink; no method panics or returns a failure
// that the caller must handle to keep supervising.
type Controller struct {
	mu          sync.Mutex
	spec        Spec
	table       Table
	sink        events.Sink
	termTimeout time.Duration
	poll        time.Duration
	onStart     func(time.Time)
	lastPID     int
	now         func() time.Time
}

func NewController(spec Spec, table Table, sink events.Sink) *Controller {
	if table == nil {
		table = NewSystemTable()
	}
	if sink == nil {
		sink = events.Discard{}
	}
	return &Controller{
		spec:        spec,
		table:       table,
		sink:        sink,
		termTimeout: 10 * time.Second,
		poll:        DefaultPollInterval,
		now:         time.Now,
	}
}

func (c *Controller) SetSpec(s Spec) {
	c.mu.Lock()
	c.spec = s
	c.mu.Unlock()
}

func (c *Controller) Spec() Spec {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.spec
	s.Args = append([]string(nil), c.spec.Args...)
	return s
}

func (c *Controller) SetTerminationTimeout(d time.Duration) {
	c.mu.Lock()
	c.termTimeout = d
	c.mu.Unlock()
}

func (c *Controller) SetPollInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.poll = d
	c.mu.Unlock()
}

// OnStart registers a hook called with the launch time after every successful Start.
func (c *Controller) OnStart(fn func(time.Time)) {
	c.mu.Lock()
	c.onStart = fn
	c.mu.Unlock()
}

// LastPID returns the PID of the most recent launch (0 if none).
func (c *Controller) LastPID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPID
}

// Start launches the configured executable and reaps it in the background.
func (c *Controller) Start() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("start panic: %v", r)
			c.sink.Message(err.Error(), true)
		}
	}()

	spec := c.Spec()
	if spec.Path == "" {
		c.sink.Message("cannot start application: "+ErrNoPath.Error(), true)
		return ErrNoPath
	}
	cmd := exec.Command(spec.Path, spec.Args...)
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	} else {
		cmd.Dir = filepath.Dir(spec.Path)
	}
	configureSysProcAttr(cmd)
	if err := cmd.Start(); err != nil {
		c.sink.Message(fmt.Sprintf("failed to start %s: %v", spec.Path, err), true)
		return fmt.Errorf("start %s: %w", spec.Path, err)
	}
	pid := cmd.Process.Pid
	go func() { _ = cmd.Wait() }()

	started := c.now()
	c.mu.Lock()
	c.lastPID = pid
	hook := c.onStart
	c.mu.Unlock()

	metrics.IncAppStart()
	c.sink.Message(fmt.Sprintf("%s started (pid %d)", displayName(spec), pid), false)
	if hook != nil {
		hook(started)
	}
	return nil
}

// Stop asks every process matching the application name to terminate.
// It reports false if the lookup or any termination request failed.
func (c *Controller) Stop() (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.sink.Message(fmt.Sprintf("stop panic: %v", r), true)
			ok = false
		}
	}()

	spec := c.Spec()
	name := spec.ProcName()
	if name == "" {
		c.sink.Message("cannot stop application: name not set", true)
		return false
	}
	hs, err := c.table.Find(name)
	if err != nil {
		c.sink.Message(fmt.Sprintf("failed to list processes for %s: %v", name, err), true)
		return false
	}
	metrics.IncAppStop()
	if len(hs) == 0 {
		c.sink.Message(name+" is not running, nothing to stop", false)
		return true
	}
	ok = true
	var pids []string
	for _, h := range hs {
		if err := h.Terminate(); err != nil {
			c.sink.Message(fmt.Sprintf("failed to terminate %s (pid %d): %v", name, h.PID(), err), true)
			ok = false
			continue
		}
		pids = append(pids, fmt.Sprint(h.PID()))
	}
	if len(pids) > 0 {
		c.sink.Message(fmt.Sprintf("%s stop requested (pid %s)", name, strings.Join(pids, ", ")), false)
	}
	return ok
}

// IsRunning reports whether any process matches the application name.
func (c *Controller) IsRunning(withMessage bool) bool {
	name := c.Spec().ProcName()
	if name == "" {
		return false
	}
	hs, err := c.table.Find(name)
	if err != nil {
		if withMessage {
			c.sink.Message(fmt.Sprintf("failed to list processes for %s: %v", name, err), true)
		}
		return false
	}
	if withMessage {
		if len(hs) > 0 {
			c.sink.Message(fmt.Sprintf("%s is running (%d process(es))", name, len(hs)), false)
		} else {
			c.sink.Message(name+" is not running", false)
		}
	}
	return len(hs) > 0
}

// TerminateBeforeRestart stops the application and polls until it is gone or
// the termination timeout elapses. On timeout it warns and kills whatever is left.
func (c *Controller) TerminateBeforeRestart(ctx context.Context) bool {
	c.Stop()

	c.mu.Lock()
	timeout, poll := c.termTimeout, c.poll
	c.mu.Unlock()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(poll)
	defer tick.Stop()

	for {
		if !c.IsRunning(false) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			name := c.Spec().ProcName()
			c.sink.Message(fmt.Sprintf("%s still running %s after stop request, killing", name, timeout), true)
			c.kill(name)
			return false
		case <-tick.C:
		}
	}
}

func (c *Controller) kill(name string) {
	hs, err := c.table.Find(name)
	if err != nil {
		return
	}
	for _, h := range hs {
		if err := h.Kill(); err != nil {
			c.sink.Message(fmt.Sprintf("failed to kill %s (pid %d): %v", name, h.PID(), err), true)
		}
	}
}

// Usage sums CPU and memory over every matching process.
func (c *Controller) Usage() (Usage, error) {
	name := c.Spec().ProcName()
	if name == "" {
		return Usage{}, nil
	}
	hs, err := c.table.Find(name)
	if err != nil {
		return Usage{}, err
	}
	u := Usage{Processes: len(hs)}
	for _, h := range hs {
		cpu, rss, err := h.Usage()
		if err != nil {
			continue
		}
		u.CPUPercent += cpu
		u.RSSBytes += rss
	}
	return u, nil
}

func displayName(s Spec) string {
	if n := s.ProcName(); n != "" {
		return n
	}
	return s.Path
}
