package supervisor

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/loykin/hbwatch/internal/archive"
	"github.com/loykin/hbwatch/internal/process"
)

// Status is a point-in-time view of the supervisor, served by the API and
// written into archives.
type Status struct {
	App               string        `json:"app"`
	PID               int           `json:"pid"`
	Remote            string        `json:"remote"`
	Connection        string        `json:"connection"`
	EverConnected     bool          `json:"ever_connected"`
	ConnectAttempts   int           `json:"connect_attempts"`
	MaxConnectAttempt int           `json:"max_connect_attempt"`
	LastResponsive    time.Time     `json:"last_responsive"`
	SilenceSeconds    float64       `json:"silence_seconds"`
	LastRestart       time.Time     `json:"last_restart,omitempty"`
	UnstableRestarts  int           `json:"unstable_restarts"`
	MaxRestartAttempt int           `json:"max_restart_attempt"`
	FinalAlert        bool          `json:"final_alert"`
	ShutDown          bool          `json:"shut_down"`
	Restarting        bool          `json:"restarting"`
	Supervising       bool          `json:"supervising"`
	Started           time.Time     `json:"started"`
	Signals           int           `json:"signals"`
	Usage             process.Usage `json:"usage"`
	Archive           archive.Stats `json:"archive"`
}

func (s *Supervisor) Snapshot() Status {
	cfg := s.cfg.Snapshot()
	now := s.now()
	arch := s.arch.Stats()

	s.mu.Lock()
	st := s.st
	usage := s.usage
	s.mu.Unlock()

	last := s.hb.LastResponsive()
	return Status{
		App:               cfg.AppName(),
		PID:               s.app.LastPID(),
		Remote:            cfg.RemoteAddr(),
		Connection:        s.hb.State().String(),
		EverConnected:     s.hb.EverConnected(),
		ConnectAttempts:   s.hb.Attempts(),
		MaxConnectAttempt: cfg.Heartbeat.MaxConnectAttempt,
		LastResponsive:    last,
		SilenceSeconds:    now.Sub(last).Seconds(),
		LastRestart:       st.LastRestartTime,
		UnstableRestarts:  st.NumberOfUnstableRestart,
		MaxRestartAttempt: cfg.Supervisor.MaxRestartAttempt,
		FinalAlert:        st.IsFinalMessage,
		ShutDown:          st.ShutDown,
		Restarting:        st.Restarting,
		Supervising:       cfg.Supervisor.Run,
		Started:           s.started,
		Signals:           s.hb.Signals().Len(),
		Usage:             usage,
		Archive:           arch,
	}
}

// StatusText renders Snapshot as "key: value" lines.
func (s *Supervisor) StatusText() string {
	st := s.Snapshot()
	now := s.now()

	var b strings.Builder
	kv := func(k string, v any) { fmt.Fprintf(&b, "%-20s %v\n", k+":", v) }
	ago := func(t time.Time) string {
		if t.IsZero() {
			return "never"
		}
		return fmt.Sprintf("%s (%s)", t.Format("2006-01-02 15:04:05"), humanize.RelTime(t, now, "ago", "from now"))
	}

	kv("application", st.App)
	kv("pid", st.PID)
	kv("supervising", st.Supervising)
	kv("uptime", now.Sub(st.Started).Round(time.Second))
	kv("remote", st.Remote)
	kv("connection", st.Connection)
	kv("connect attempts", fmt.Sprintf("%d/%d", st.ConnectAttempts, st.MaxConnectAttempt))
	kv("last responsive", ago(st.LastResponsive))
	kv("silence", (time.Duration(st.SilenceSeconds * float64(time.Second))).Round(time.Second))
	kv("restarts", fmt.Sprintf("%d/%d", st.UnstableRestarts, st.MaxRestartAttempt))
	kv("last restart", ago(st.LastRestart))
	kv("final alert", st.FinalAlert)
	kv("shut down", st.ShutDown)
	kv("restarting", st.Restarting)
	kv("signals", st.Signals)
	if st.Usage.Processes > 0 {
		kv("processes", st.Usage.Processes)
		kv("cpu", fmt.Sprintf("%.1f%%", st.Usage.CPUPercent))
		kv("memory", humanize.IBytes(st.Usage.RSSBytes))
	}
	kv("archived", humanize.Comma(int64(st.Archive.NoOfArchived)))
	kv("last archive", ago(st.Archive.LastArchived))
	kv("pending starts", st.Archive.PendingStart)
	return b.String()
}
