package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	root := buildRoot(os.Stdout)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command with every subcommand attached.
func buildRoot(out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	tp := command{flags: globalFlags, out: out}

	root := createRootCommand(globalFlags)
	root.SetOut(out)
	root.AddCommand(
		createServeCommand(globalFlags),
		createStartCommand(tp),
		createStopCommand(tp),
		createRestartCommand(tp),
		createStatusCommand(tp),
		createLogsCommand(tp),
		createConfigCommand(tp),
		createIngressCommand(tp),
		createDNSCommand(tp),
		createPortCommand(tp),
		createTunnelsCommand(tp),
		createHistoryCommand(tp),
		createVersionCommand(out),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "tunnelpanel",
		Short: "Supervise a cloudflared tunnel",
		Long: `Tunnelpanel runs one cloudflared tunnel process, detects whether it came
up, restarts it with retries and streams its output over an HTTP API.

Examples:
  tunnelpanel serve --config=tunnelpanel.toml   # Start daemon
  tunnelpanel start home                        # Start tunnel "home"
  tunnelpanel restart --max-retries=5
  tunnelpanel logs -f
  tunnelpanel status --api-url=http://remote:7878/api`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "daemon URL (default from --config, else http://127.0.0.1:7878/api)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 60*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&flags.JSON, "json", false, "print raw JSON")
	return root
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the tunnelpanel daemon",
		Long: `Start the daemon that owns the tunnel process and serves the HTTP API.
On SIGINT or SIGTERM the tunnel is stopped gracefully before exit.

Examples:
  tunnelpanel serve                       # defaults + TUNNELPANEL_* env
  tunnelpanel serve tunnelpanel.toml
  tunnelpanel serve --daemonize --pidfile=/run/tunnelpanel.pid`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			return runServe(cmd.Context(), path, serveFlags, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write daemon PID to file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon logs to file")
	return cmd
}

func createStartCommand(tp command) *cobra.Command {
	return &cobra.Command{
		Use:   "start [name]",
		Short: "Start the tunnel",
		Long: `Start the tunnel. Without a name the daemon reuses the last started
name, then cloudflared.tunnel from its config.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) > 0 {
				name = args[0]
			}
			return tp.Start(cmd.Context(), name)
		},
	}
}

func createStopCommand(tp command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the tunnel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return tp.Stop(cmd.Context())
		},
	}
}

func createRestartCommand(tp command) *cobra.Command {
	flags := &RestartFlags{}
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the tunnel with retries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return tp.Restart(cmd.Context(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Name, "name", "", "tunnel name (default: last started)")
	cmd.Flags().IntVar(&flags.MaxRetries, "max-retries", 0, "launch attempts (default from daemon config)")
	cmd.Flags().DurationVar(&flags.RetryDelay, "retry-delay", 0, "delay between attempts (default from daemon config)")
	return cmd
}

func createStatusCommand(tp command) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show tunnel status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return tp.Status(cmd.Context())
		},
	}
}

func createLogsCommand(tp command) *cobra.Command {
	flags := &LogsFlags{}
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print tunnel output as it arrives",
		Long: `Print tunnel output. The daemon keeps no backlog, so only lines produced
after the command connects are shown.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return tp.Logs(cmd.Context(), *flags)
		},
	}
	cmd.Flags().BoolVarP(&flags.Follow, "follow", "f", false, "keep streaming after the tunnel exits")
	return cmd
}

func createConfigCommand(tp command) *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect the cloudflared config.yml"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print config.yml as the daemon sees it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return tp.ConfigShow(cmd.Context())
		},
	})
	return cmd
}

func createIngressCommand(tp command) *cobra.Command {
	var probe bool
	cmd := &cobra.Command{Use: "ingress", Short: "Inspect ingress rules"}
	list := &cobra.Command{
		Use:   "list",
		Short: "List hostname to local service mappings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return tp.IngressList(cmd.Context(), probe)
		},
	}
	list.Flags().BoolVar(&probe, "probe", true, "check local ports and DNS")
	cmd.AddCommand(list)
	return cmd
}

func createDNSCommand(tp command) *cobra.Command {
	flags := &RouteFlags{}
	cmd := &cobra.Command{Use: "dns", Short: "Route and check tunnel DNS records"}
	route := &cobra.Command{
		Use:   "route <hostname>",
		Short: "Create a CNAME routing hostname to the tunnel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return tp.DNSRoute(cmd.Context(), args[0], *flags)
		},
	}
	route.Flags().StringVar(&flags.TunnelID, "tunnel", "", "tunnel id (default: tunnel in config.yml)")
	route.Flags().BoolVarP(&flags.Overwrite, "overwrite", "f", false, "replace an existing record")
	check := &cobra.Command{
		Use:   "check <hostname>",
		Short: "Resolve hostname and report whether it points at a tunnel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return tp.DNSCheck(cmd.Context(), args[0])
		},
	}
	cmd.AddCommand(route, check)
	return cmd
}

func createPortCommand(tp command) *cobra.Command {
	flags := &PortFlags{}
	cmd := &cobra.Command{Use: "port", Short: "Probe local services"}
	check := &cobra.Command{
		Use:   "check <port>",
		Short: "Check whether a local port accepts connections",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return tp.PortCheck(cmd.Context(), args[0], *flags)
		},
	}
	check.Flags().StringVar(&flags.Host, "host", "localhost", "host to dial")
	check.Flags().BoolVar(&flags.Listening, "listening", false, "report the listening process instead of dialing")
	cmd.AddCommand(check)
	return cmd
}

func createTunnelsCommand(tp command) *cobra.Command {
	return &cobra.Command{
		Use:   "tunnels",
		Short: "List tunnels of the logged-in account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return tp.Tunnels(cmd.Context())
		},
	}
}

func createHistoryCommand(tp command) *cobra.Command {
	flags := &HistoryFlags{}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent lifecycle events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return tp.History(cmd.Context(), *flags)
		},
	}
	cmd.Flags().IntVar(&flags.Limit, "limit", 20, "number of events")
	return cmd
}

func createVersionCommand(out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			_, _ = fmt.Fprintln(out, "tunnelpanel", version)
		},
	}
}
