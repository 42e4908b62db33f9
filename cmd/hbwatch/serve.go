package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/hbwatch"
)

// ServeFlags override selected config values for one run.
type ServeFlags struct {
	ConfigPath    string
	Listen        string
	MetricsListen string
	Session       string
	NoConsole     bool
	Color         bool
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Supervise the configured application",
		Long: `Start supervising. Lines typed on stdin are interpreted as commands
("help" lists them, "quit" leaves). A missing config file falls back to the
built-in defaults.

Examples:
  hbwatch serve                          # uses --config
  hbwatch serve site.toml --listen :8080 # also serve the admin API
  hbwatch serve --no-console             # ignore stdin`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				flags.ConfigPath = args[0]
			}
			var in io.Reader
			if !flags.NoConsole {
				in = cmd.InOrStdin()
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, flags, in, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "admin API listen address (overrides server.listen)")
	cmd.Flags().StringVar(&flags.MetricsListen, "metrics-listen", "", "serve /metrics on this address (overrides metrics.listen)")
	cmd.Flags().StringVar(&flags.Session, "session", "", "session id used in record and archive file names")
	cmd.Flags().BoolVar(&flags.NoConsole, "no-console", false, "do not read commands from stdin")
	cmd.Flags().BoolVar(&flags.Color, "color", true, "colored console log")
	return cmd
}

func runServe(ctx context.Context, flags *ServeFlags, in io.Reader, out, errOut io.Writer) error {
	cfg, loadErr := hbwatch.LoadConfig(flags.ConfigPath)
	if flags.Listen != "" {
		cfg.Server.Listen = flags.Listen
	}
	if flags.MetricsListen != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Listen = flags.MetricsListen
	}

	log := hbwatch.NewConsoleLogger(errOut, cfg.Log.Level, flags.Color)
	if loadErr != nil {
		log.Warn("using default settings", "config", flags.ConfigPath, "error", loadErr)
	}

	w, err := hbwatch.New(cfg,
		hbwatch.WithConfigPath(flags.ConfigPath),
		hbwatch.WithSession(flags.Session),
		hbwatch.WithLogger(log),
	)
	if err != nil {
		return fmt.Errorf("init watchdog: %w", err)
	}
	defer func() {
		if err := w.Close(); err != nil {
			log.Error("close", "error", err)
		}
	}()

	if cfg.Metrics.Enabled {
		if err := hbwatch.RegisterMetricsDefault(); err != nil {
			log.Warn("failed to register metrics", "error", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })
	if cfg.Server.Listen != "" {
		g.Go(func() error { return w.Serve(gctx) })
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Listen != "" {
		g.Go(func() error {
			log.Info("metrics listening", "addr", cfg.Metrics.Listen)
			return hbwatch.ServeMetrics(gctx, cfg.Metrics.Listen)
		})
	}
	if in != nil {
		// not part of the group: a blocked stdin read must not delay shutdown
		go console(gctx, w, in, out, cancel, log)
	}

	log.Info("supervising", "app", cfg.AppName(), "remote", cfg.RemoteAddr(), "session", w.Session())
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info("shutting down")
	return err
}

// console feeds stdin lines to the interpreter until EOF, "quit" or ctx end.
// Query output is printed to out; other messages reach the console logger.
func console(ctx context.Context, w *hbwatch.Watchdog, in io.Reader, out io.Writer, quit func(), log *slog.Logger) {
	var mu sync.Mutex
	w.OnStatus(func(payload string) {
		mu.Lock()
		defer mu.Unlock()
		_, _ = fmt.Fprint(out, payload)
		if !strings.HasSuffix(payload, "\n") {
			_, _ = fmt.Fprintln(out)
		}
	})

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(line) {
		case "":
			continue
		case "quit", "exit":
			quit()
			return
		}
		w.Execute(line)
	}
	if err := scanner.Err(); err != nil {
		log.Warn("console read failed", "error", err)
	}
}
