package main

import (
	"fmt"
	"os"
	"time"

	"github.com/loykin/readyd/pkg/client"
	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and wires every subcommand.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	apiFlags := &APIFlags{}
	checkFlags := &CheckFlags{}
	readydCommand := command{out: os.Stdout}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createCheckCommand(readydCommand, apiFlags, checkFlags),
		createStatusCommand(readydCommand, apiFlags),
		createHandshakeCommand(readydCommand, globalFlags, apiFlags),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "readyd",
		Short: "Worker readiness supervisor",
		Long: `readyd keeps a slow-starting worker process alive and reports when it
is ready to accept work, based on the handshake file the worker writes.

Examples:
  readyd serve --config=readyd.toml     # Start daemon
  readyd check --wait=10m               # Block until the worker is ready
  readyd status --api-url=http://remote:8686/api`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	return root
}

func addAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", client.DefaultBaseURL, "daemon API URL")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	cmd.Flags().BoolVar(&f.Insecure, "insecure", false, "skip TLS certificate verification")
}

// createServeCommand creates the serve subcommand
func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the readyd daemon",
		Long: `Start the readyd daemon: supervise the worker and serve the readiness API.
All configuration is loaded from a TOML file.

Examples:
  readyd serve --config=readyd.toml
  readyd serve readyd.toml --daemonize --pidfile=/run/readyd.pid --logfile=/var/log/readyd.out
  readyd serve readyd.toml --warm     # run a readiness cycle right after startup`,
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			return runServe(cmd.Context(), serveFlags, args)
		},
	}

	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file when daemonized")
	cmd.Flags().BoolVar(&serveFlags.Warm, "warm", false, "run a readiness cycle at startup")
	return cmd
}

// createCheckCommand creates the check subcommand
func createCheckCommand(readydCommand command, apiFlags *APIFlags, checkFlags *CheckFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Ask the daemon whether the worker is ready",
		Long: `Run a readiness cycle on the daemon. The call blocks until the worker is
ready, the daemon gives up, or --wait elapses (0 waits without limit).
Exits non-zero when the worker is not ready.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return readydCommand.Check(cmd.Context(), *apiFlags, *checkFlags)
		},
	}
	addAPIFlags(cmd, apiFlags)
	cmd.Flags().DurationVar(&checkFlags.Wait, "wait", 0, "maximum time the daemon may spend establishing readiness")
	return cmd
}

// createStatusCommand creates the status subcommand
func createStatusCommand(readydCommand command, apiFlags *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the worker process, handshake record and waiter state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return readydCommand.Status(cmd.Context(), *apiFlags)
		},
	}
	addAPIFlags(cmd, apiFlags)
	return cmd
}

// createHandshakeCommand creates the handshake command group
func createHandshakeCommand(readydCommand command, globalFlags *GlobalFlags, apiFlags *APIFlags) *cobra.Command {
	hsFlags := &HandshakeFlags{}
	cmd := &cobra.Command{
		Use:   "handshake",
		Short: "Inspect or clear the handshake file",
		Long: `Inspect or clear the handshake file. By default the request goes through
the daemon API; with --local the file named by [readiness].check_file in
--config is accessed directly.`,
	}
	cmd.PersistentFlags().BoolVar(&hsFlags.Local, "local", false, "access the handshake file directly instead of the API")
	cmd.PersistentFlags().StringVar(&hsFlags.File, "file", "", "handshake file path for --local (overrides config)")

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the handshake record",
		RunE: func(cmd *cobra.Command, args []string) error {
			hsFlags.ConfigPath = globalFlags.ConfigPath
			return readydCommand.HandshakeShow(cmd.Context(), *apiFlags, *hsFlags)
		},
	}
	addAPIFlags(show, apiFlags)

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove the handshake file",
		RunE: func(cmd *cobra.Command, args []string) error {
			hsFlags.ConfigPath = globalFlags.ConfigPath
			return readydCommand.HandshakeClear(cmd.Context(), *apiFlags, *hsFlags)
		},
	}
	addAPIFlags(clearCmd, apiFlags)

	cmd.AddCommand(show, clearCmd)
	return cmd
}
