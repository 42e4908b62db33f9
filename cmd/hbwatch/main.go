package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot(os.Stdin, os.Stdout)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
}

// APIFlags selects the admin API of a running watchdog.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
	Insecure   bool
}

func buildRoot(in io.Reader, out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	apiFlags := &APIFlags{}

	root := createRootCommand(globalFlags, apiFlags)
	root.SetOut(out)
	root.SetIn(in)

	root.AddCommand(
		createServeCommand(globalFlags),
		createExecCommand(apiFlags),
		createStatusCommand(apiFlags),
		createSettingsCommand(apiFlags),
		createSignalsCommand(apiFlags),
		createEventsCommand(apiFlags),
		createConfigCommand(globalFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags, api *APIFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "hbwatch",
		Short: "Heartbeat watchdog for a single application",
		Long: `hbwatch keeps a TCP heartbeat connection to one application and
restarts it when the heartbeat goes silent for too long.

Examples:
  hbwatch serve --config hbwatch.toml   # supervise, with an interactive console
  hbwatch exec port 9000                # send a command to a running watchdog
  hbwatch status                        # query a running watchdog
  hbwatch config init hbwatch.toml      # write the default settings`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "hbwatch.toml", "path to TOML config file")
	root.PersistentFlags().StringVar(&api.APIUrl, "api-url", "", "admin API URL (default http://127.0.0.1:8080/api)")
	root.PersistentFlags().DurationVar(&api.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&api.Insecure, "insecure", false, "skip TLS verification of the admin API")
	return root
}
