package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/uprunner"
	"github.com/loykin/uprunner/pkg/client"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command with its subcommands
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createTriggerCommand(),
		createStatusCommand(),
		createSpawnCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "uprunner",
		Short: "Spawn-on-demand supervisor for a single child process",
		Long: `uprunner listens on a TCP control port and spawns one configured
child process the first time anything connects. The child is terminated
gracefully when uprunner stops.

Examples:
  uprunner serve                            # uses config/runner.yml
  uprunner serve --config=/etc/uprunner.yml
  uprunner trigger --addr=127.0.0.1:3002
  uprunner status --api-url=http://127.0.0.1:3003/api`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", uprunner.DefaultConfigPath, "path to YAML config file")
	return root
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.yml]",
		Short: "Run the supervisor",
		Long: `Run the supervisor in the foreground until SIGINT or SIGTERM.
On shutdown the child receives SIGTERM and is killed if it is still
running after child.term_timeout.

Examples:
  uprunner serve
  uprunner serve ./runner.yml
  uprunner serve --daemonize --pidfile=/run/uprunner.pid --logfile=/var/log/uprunner.log`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				serveFlags.ConfigPath = args[0]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, serveFlags, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the supervisor PID to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file")
	return cmd
}

// runServe loads the config and runs the supervisor until ctx is done.
func runServe(ctx context.Context, flags *ServeFlags, out io.Writer) error {
	cfg, err := uprunner.LoadConfig(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	if flags.Daemonize && !isDaemonChild() {
		pid, err := daemonize(flags.PidFile, flags.LogFile)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "Daemon started with PID %d\n", pid)
		return nil
	}
	if flags.PidFile != "" && !isDaemonChild() {
		if err := writePidFile(flags.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
	}
	defer func() { _ = removePidFile(flags.PidFile) }()

	sup, err := uprunner.New(cfg)
	if err != nil {
		return err
	}
	return sup.Run(ctx)
}

func createTriggerCommand() *cobra.Command {
	f := &TriggerFlags{}
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Connect to the control port and print the status line",
		Long: `Connect to a running supervisor's control port, send a payload and
print the JSON status line it replies with. The reply arrives after the
settle delay.

Examples:
  uprunner trigger
  uprunner trigger --addr=10.0.0.5:3002 --payload=wake`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrigger(cmd.Context(), f, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&f.Addr, "addr", client.DefaultConfig().ControlAddr, "control port address")
	cmd.Flags().StringVar(&f.Payload, "payload", "", "bytes to send (any content triggers)")
	cmd.Flags().DurationVar(&f.Timeout, "timeout", 10*time.Second, "dial and reply timeout")
	return cmd
}

func runTrigger(ctx context.Context, f *TriggerFlags, out io.Writer) error {
	c := client.New(client.Config{ControlAddr: f.Addr, Timeout: f.Timeout})
	resp, err := c.Trigger(ctx, []byte(f.Payload))
	if err != nil {
		return err
	}
	printJSON(out, resp)
	if !resp.Spawned {
		return fmt.Errorf("child not running: %s", resp.Message)
	}
	return nil
}

func createStatusCommand() *cobra.Command {
	f := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show child status from the admin API",
		Long: `Show the child status served by the admin API (admin.enabled: true).

Examples:
  uprunner status
  uprunner status --api-url=http://remote:3003/api`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(client.Config{BaseURL: f.APIUrl, Timeout: f.APITimeout})
			if !c.IsReachable(cmd.Context()) {
				return fmt.Errorf("admin api not reachable at %s - enable admin in the config and start 'uprunner serve'", f.APIUrl)
			}
			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), st)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.APIUrl, "api-url", client.DefaultConfig().BaseURL, "admin API base URL")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	return cmd
}

func createSpawnCommand() *cobra.Command {
	f := &SpawnFlags{}
	cmd := &cobra.Command{
		Use:   "spawn",
		Short: "Spawn the child through the admin API",
		Long: `Ask the admin API to spawn the child if it is not running. Unlike
trigger this returns as soon as the launch is attempted.

Examples:
  uprunner spawn --api-url=http://127.0.0.1:3003/api`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(client.Config{BaseURL: f.APIUrl, Timeout: f.APITimeout})
			resp, err := c.Spawn(cmd.Context())
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), resp)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.APIUrl, "api-url", client.DefaultConfig().BaseURL, "admin API base URL")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	return cmd
}
