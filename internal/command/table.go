package command

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/loykin/hbwatch/internal/config"
)

func builtin() []*Command {
	return []*Command{
		stringSetter("path", "executable of the monitored application", func(c *config.Config) *string { return &c.App.Path }),
		{
			Name: "args", Kind: KindSetter, Usage: "args [arg...]",
			Description: "command line arguments of the application",
			Handler:     setArgs,
		},
		stringSetter("name", "process name used to find the application", func(c *config.Config) *string { return &c.App.Name }),
		stringSetter("workdir", "working directory of the application", func(c *config.Config) *string { return &c.App.WorkDir }),
		stringSetter("ip", "heartbeat address", func(c *config.Config) *string { return &c.Heartbeat.Address }),
		intSetter("port", "heartbeat port", func(c *config.Config) *int { return &c.Heartbeat.Port }, nil),
		intSetter("stoptime", "seconds of silence before a restart", func(c *config.Config) *int { return &c.Supervisor.MaxUnresponsiveTime }, nil),
		intSetter("restartattempt", "restarts before giving up", func(c *config.Config) *int { return &c.Supervisor.MaxRestartAttempt }, nil),
		intSetter("stabletime", "seconds after a restart before the counter resets", func(c *config.Config) *int { return &c.Supervisor.TimeToStable }, nil),
		intSetter("connectattempt", "connect attempts before giving up", func(c *config.Config) *int { return &c.Heartbeat.MaxConnectAttempt }, nil),
		intSetter("connecttimeout", "seconds between connect attempts", func(c *config.Config) *int { return &c.Heartbeat.ConnectionTimeout }, nil),
		intSetter("terminatetimeout", "seconds to wait for termination before killing", func(c *config.Config) *int { return &c.Supervisor.TerminationTimeout }, nil),
		intSetter("signalno", "number of heartbeat signal bytes", func(c *config.Config) *int { return &c.Heartbeat.NoOfSignals },
			func(in *Interpreter, n int) { in.target.ResizeSignals(n) }),
		intSetter("archiveperiod", "days between periodic archives", func(c *config.Config) *int { return &c.Archive.PeriodInDays }, nil),
		intSetter("archivelimit", "application starts that trigger an archive", func(c *config.Config) *int { return &c.Archive.Limit }, nil),

		toggle("run", "automatic supervision", func(c *config.Config) *bool { return &c.Supervisor.Run }, func(in *Interpreter, on bool) {
			if on {
				in.target.Resume()
			}
		}),
		toggle("restartonstart", "restart the application when the watchdog starts", func(c *config.Config) *bool { return &c.Supervisor.RestartOnStart }, nil),
		toggle("resetonstart", "reset archive statistics when the watchdog starts", func(c *config.Config) *bool { return &c.Supervisor.ResetOnStart }, nil),
		toggle("log", "record files", func(c *config.Config) *bool { return &c.Log.Enabled }, func(in *Interpreter, on bool) {
			if in.rec != nil {
				in.rec.SetRecording(on)
			}
		}),
		toggle("archiveonperiod", "periodic archiving", func(c *config.Config) *bool { return &c.Archive.OnPeriod }, nil),
		toggle("archiveonlimit", "archiving on the start limit", func(c *config.Config) *bool { return &c.Archive.OnLimit }, nil),

		action("start", "start the application", func(in *Interpreter, _ []string) (string, error) {
			in.target.StartApp()
			return "start requested", nil
		}),
		action("stop", "stop the application", func(in *Interpreter, _ []string) (string, error) {
			in.target.StopApp()
			return "stop requested", nil
		}),
		action("restart", "restart the application now", func(in *Interpreter, _ []string) (string, error) {
			if !in.target.ForceRestart() {
				return "", nil
			}
			return "restart requested", nil
		}),
		action("shutdown", "stop the application and disable automatic restarts", func(in *Interpreter, _ []string) (string, error) {
			in.target.Shutdown()
			return "", nil
		}),
		action("reset", "clear restart counters and the alert", func(in *Interpreter, _ []string) (string, error) {
			in.target.Reset()
			return "", nil
		}),
		action("connect", "reconnect the heartbeat channel", func(in *Interpreter, _ []string) (string, error) {
			in.target.Reconnect()
			return "connect requested", nil
		}),
		action("disconnect", "close the heartbeat channel", func(in *Interpreter, _ []string) (string, error) {
			in.target.Disconnect()
			return "disconnected", nil
		}),
		action("archive", "write an archive now", func(in *Interpreter, _ []string) (string, error) {
			in.target.ArchiveNow()
			return "archive requested", nil
		}),
		action("save", "write the settings to the config file", func(in *Interpreter, _ []string) (string, error) {
			if err := in.cfg.Save(); err != nil {
				return "", err
			}
			return "settings saved to " + in.cfg.Path(), nil
		}),
		{
			Name: "send", Kind: KindAction, Usage: "send <text>", MinArgs: 1,
			Description: "send text over the heartbeat channel",
			Handler: func(in *Interpreter, args []string) (string, error) {
				data := []byte(strings.Join(args, " "))
				if err := in.target.Send(data); err != nil {
					return "", err
				}
				return fmt.Sprintf("sent %d bytes", len(data)), nil
			},
		},

		query("status", "status", "supervision status", func(in *Interpreter, _ []string) (string, error) {
			return in.target.StatusText(), nil
		}),
		query("settings", "settings", "current settings", func(in *Interpreter, _ []string) (string, error) {
			return SettingsText(in.cfg.Snapshot()), nil
		}),
		query("signals", "signals", "heartbeat signal bytes", func(in *Interpreter, _ []string) (string, error) {
			return SignalsText(in.target.Signals()), nil
		}),
		query("running", "running", "whether the application is running", func(in *Interpreter, _ []string) (string, error) {
			if in.target.QueryRunning() {
				return "application is running", nil
			}
			return "application is not running", nil
		}),
		query("help", "help [command]", "list commands", func(in *Interpreter, args []string) (string, error) {
			if len(args) > 0 {
				return in.Help(args[0]), nil
			}
			return in.Help(""), nil
		}),
	}
}

func stringSetter(name, desc string, field func(*config.Config) *string) *Command {
	return &Command{
		Name: name, Kind: KindSetter, Usage: name + " <value>", Description: desc, MinArgs: 1,
		Handler: func(in *Interpreter, args []string) (string, error) {
			cfg, err := in.cfg.Update(func(c *config.Config) error {
				*field(c) = args[0]
				return nil
			})
			if err != nil {
				return "", err
			}
			in.target.ApplyConfig()
			return fmt.Sprintf("%s: %s", name, *field(&cfg)), nil
		},
	}
}

func intSetter(name, desc string, field func(*config.Config) *int, after func(*Interpreter, int)) *Command {
	return &Command{
		Name: name, Kind: KindSetter, Usage: name + " <n>", Description: desc, MinArgs: 1,
		Handler: func(in *Interpreter, args []string) (string, error) {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return "", fmt.Errorf("%w: %q is not a number", config.ErrInvalid, args[0])
			}
			cfg, err := in.cfg.Update(func(c *config.Config) error {
				*field(c) = n
				return nil
			})
			if err != nil {
				return "", err
			}
			in.target.ApplyConfig()
			if after != nil {
				after(in, n)
			}
			return fmt.Sprintf("%s: %d", name, *field(&cfg)), nil
		},
	}
}

var errBadToggle = errors.New("expected on or off")

func toggle(name, desc string, field func(*config.Config) *bool, after func(*Interpreter, bool)) *Command {
	return &Command{
		Name: name, Kind: KindToggle, Usage: name + " [on|off]", Description: desc,
		Handler: func(in *Interpreter, args []string) (string, error) {
			var want *bool
			if len(args) > 0 {
				v, err := parseSwitch(args[0])
				if err != nil {
					return "", err
				}
				want = &v
			}
			cfg, err := in.cfg.Update(func(c *config.Config) error {
				p := field(c)
				if want != nil {
					*p = *want
				} else {
					*p = !*p
				}
				return nil
			})
			if err != nil {
				return "", err
			}
			v := *field(&cfg)
			if after != nil {
				after(in, v)
			}
			return fmt.Sprintf("%s: %s", name, onOff(v)), nil
		},
	}
}

func action(name, desc string, h Handler) *Command {
	return &Command{Name: name, Kind: KindAction, Usage: name, Description: desc, Handler: h}
}

func query(name, usage, desc string, h Handler) *Command {
	return &Command{Name: name, Kind: KindQuery, Usage: usage, Description: desc, Handler: h}
}

func setArgs(in *Interpreter, args []string) (string, error) {
	cfg, err := in.cfg.Update(func(c *config.Config) error {
		c.App.Args = append([]string(nil), args...)
		return nil
	})
	if err != nil {
		return "", err
	}
	in.target.ApplyConfig()
	return "args: " + strings.Join(cfg.App.Args, " "), nil
}

func parseSwitch(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0":
		return false, nil
	}
	return false, fmt.Errorf("%w: %w, got %q", config.ErrInvalid, errBadToggle, s)
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}
