package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loykin/hbwatch/pkg/client"
)

func newAPIClient(flags *APIFlags) *client.Client {
	cfg := client.DefaultConfig()
	if flags.APIUrl != "" {
		cfg.BaseURL = strings.TrimSuffix(flags.APIUrl, "/")
	}
	if flags.APITimeout > 0 {
		cfg.Timeout = flags.APITimeout
	}
	cfg.Insecure = flags.Insecure
	return client.New(cfg)
}

func createExecCommand(flags *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec <command> [args...]",
		Short: "Run one console command on a running watchdog",
		Long: `Send a command line to the admin API of a running watchdog.

Examples:
  hbwatch exec port 9000
  hbwatch exec restart
  hbwatch exec args "--mode fast" --verbose`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExec(cmd.Context(), newAPIClient(flags), joinArgs(args), cmd.OutOrStdout())
		},
	}
	// everything after the command name belongs to the command line
	cmd.Flags().SetInterspersed(false)
	return cmd
}

// joinArgs rebuilds a command line, quoting arguments that contain spaces
// so the remote tokenizer sees them as one token.
func joinArgs(args []string) string {
	parts := make([]string, len(args))
	for i, a := range args {
		if a == "" || strings.ContainsAny(a, " \t") {
			a = `"` + a + `"`
		}
		parts[i] = a
	}
	return strings.Join(parts, " ")
}

func runExec(ctx context.Context, c *client.Client, line string, out io.Writer) error {
	res, err := c.Command(ctx, line)
	if errors.Is(err, client.ErrCommandNotFound) {
		if len(res.Suggestions) > 0 {
			return fmt.Errorf("%s: command not found (did you mean: %s)", res.Command, strings.Join(res.Suggestions, ", "))
		}
		return fmt.Errorf("%s: command not found", res.Command)
	}
	if err != nil {
		return err
	}
	if res.Output != "" {
		_, _ = fmt.Fprintln(out, strings.TrimRight(res.Output, "\n"))
	}
	return nil
}

func createStatusCommand(flags *APIFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show supervision status of a running watchdog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := newAPIClient(flags)
			if asJSON {
				st, err := c.Status(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			}
			txt, err := c.StatusText(cmd.Context())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprint(cmd.OutOrStdout(), txt)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func createSettingsCommand(flags *APIFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show the live settings of a running watchdog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := newAPIClient(flags)
			if asJSON {
				s, err := c.Settings(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), s)
			}
			txt, err := c.SettingsText(cmd.Context())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprint(cmd.OutOrStdout(), txt)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func createSignalsCommand(flags *APIFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "signals",
		Short: "Show the last received heartbeat signals",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sig, err := newAPIClient(flags).Signals(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, s := range sig {
				state := "idle"
				if s.Busy {
					state = "busy"
				}
				_, _ = fmt.Fprintf(out, "%3d  %3d  %s\n", s.Index, s.Value, state)
			}
			return nil
		},
	}
}

func createEventsCommand(flags *APIFlags) *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent watchdog messages",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ev, err := newAPIClient(flags).Events(cmd.Context(), n)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range ev {
				prefix := ""
				if e.Error {
					prefix = "ERROR "
				}
				_, _ = fmt.Fprintf(out, "[%s] %s%s\n", e.Time.Format("2006-01-02 15:04:05"), prefix, e.Message)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&n, "number", "n", 50, "number of messages")
	return cmd
}

func printJSON(out io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(b))
	return err
}
