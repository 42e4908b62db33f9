package command

import (
	"fmt"
	"strings"

	"github.com/loykin/hbwatch/internal/config"
	"github.com/loykin/hbwatch/internal/heartbeat"
)

// SettingsText lists the settings under their command names.
func SettingsText(c config.Config) string {
	var b strings.Builder
	kv := func(k string, v any) { fmt.Fprintf(&b, "%-18s %v\n", k+":", v) }
	kv("path", c.App.Path)
	kv("args", strings.Join(c.App.Args, " "))
	kv("name", c.AppName())
	kv("workdir", c.App.WorkDir)
	kv("ip", c.Heartbeat.Address)
	kv("port", c.Heartbeat.Port)
	kv("stoptime", config.Seconds(c.Supervisor.MaxUnresponsiveTime))
	kv("restartattempt", c.Supervisor.MaxRestartAttempt)
	kv("stabletime", config.Seconds(c.Supervisor.TimeToStable))
	kv("connectattempt", c.Heartbeat.MaxConnectAttempt)
	kv("connecttimeout", config.Seconds(c.Heartbeat.ConnectionTimeout))
	kv("terminatetimeout", config.Seconds(c.Supervisor.TerminationTimeout))
	kv("signalno", c.Heartbeat.NoOfSignals)
	kv("run", onOff(c.Supervisor.Run))
	kv("restartonstart", onOff(c.Supervisor.RestartOnStart))
	kv("resetonstart", onOff(c.Supervisor.ResetOnStart))
	kv("log", onOff(c.Log.Enabled))
	kv("archiveonperiod", onOff(c.Archive.OnPeriod))
	kv("archiveperiod", fmt.Sprintf("%d day(s)", c.Archive.PeriodInDays))
	kv("archiveonlimit", onOff(c.Archive.OnLimit))
	kv("archivelimit", c.Archive.Limit)
	return b.String()
}

// SignalsText renders one line per signal byte.
func SignalsText(sig []heartbeat.Signal) string {
	if len(sig) == 0 {
		return "no signals\n"
	}
	var b strings.Builder
	for _, s := range sig {
		state := "idle"
		if s.Busy {
			state = "busy"
		}
		last := "never"
		if !s.LastIdle.IsZero() {
			last = s.LastIdle.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(&b, "%3d  0x%02x  %-4s  last idle %s\n", s.Index, s.Value, state, last)
	}
	return b.String()
}
