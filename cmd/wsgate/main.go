package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sammck-go/wsgate/pkg/gateway"
	"github.com/sammck-go/wsgate/pkg/hostkey"
	wgshare "github.com/sammck-go/wsgate/share"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	serve := serveCmd()
	cmd := &cobra.Command{
		Use:           "wsgate",
		Short:         "WebSocket to SSH channel gateway",
		Long:          "wsgate accepts browser WebSocket connections, splits each into numbered channels and bridges every channel to an agent process on a backend host over SSH.",
		SilenceUsage:  true,
		SilenceErrors: false,
		Args:          cobra.NoArgs,
		RunE:          serve.RunE,
	}
	cmd.Flags().AddFlagSet(serve.Flags())
	cmd.AddCommand(serve)
	cmd.AddCommand(versionCmd())
	cmd.AddCommand(fingerprintCmd())
	return cmd
}

func serveCmd() *cobra.Command {
	var configFile string
	config := gateway.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				// flags given on the command line win over the file
				fromFile := gateway.DefaultConfig()
				if err := gateway.LoadConfigFile(configFile, fromFile); err != nil {
					return err
				}
				mergeFlags(cmd, fromFile, config)
				config = fromFile
			}
			s, err := gateway.NewServer(config)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return s.Run(ctx)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&configFile, "config", "c", "", "TOML configuration file")
	f.StringVar(&config.Listen, "listen", config.Listen, "HTTP listen address, host:port or unix:<path>")
	f.StringVar(&config.SocketPath, "socket-path", config.SocketPath, "URL path of the WebSocket endpoint")
	f.StringSliceVar(&config.AllowedOrigins, "allowed-origin", nil, "Origin allowed to open WebSockets (repeatable, \"*\" for any); default same-origin")
	f.StringVar(&config.AuthFile, "authfile", "", "JSON file of {\"user:pass\": [\"target-regex\"]}")
	f.StringSliceVar(&config.Auth, "auth", nil, "user:pass allowed to reach any target (repeatable)")
	f.StringVar(&config.KnownHosts, "known-hosts", "", "OpenSSH known_hosts file of trusted host keys")
	f.BoolVar(&config.WatchFiles, "watch", config.WatchFiles, "reload the auth and known_hosts files when they change")
	f.StringVar(&config.DefaultHost, "default-host", config.DefaultHost, "target host when a channel does not name one")
	f.IntVar(&config.SSHPort, "ssh-port", config.SSHPort, "SSH port of targets; 0 runs the agent locally")
	f.StringSliceVar(&config.Agent, "agent", config.Agent, "agent command line")
	f.DurationVar(&config.OpenTimeout.Duration, "open-timeout", config.OpenTimeout.Duration, "time allowed to establish a channel")
	f.DurationVar(&config.AgentStartGrace.Duration, "agent-start-grace", config.AgentStartGrace.Duration, "how long a silent agent runs before its channel opens")
	f.IntVar(&config.ConnectRetries, "connect-retries", config.ConnectRetries, "retries of a failed TCP connection to a target")
	f.StringVar(&config.LogLevel, "log-level", config.LogLevel, "log level: error, warning, info, debug or trace")
	f.BoolVar(&config.Debug, "debug", false, "debug logging, including HTTP requests")
	return cmd
}

// mergeFlags copies the values of flags set on the command line from src to dst
func mergeFlags(cmd *cobra.Command, dst, src *gateway.Config) {
	f := cmd.Flags()
	set := func(name string, apply func()) {
		if f.Changed(name) {
			apply()
		}
	}
	set("listen", func() { dst.Listen = src.Listen })
	set("socket-path", func() { dst.SocketPath = src.SocketPath })
	set("allowed-origin", func() { dst.AllowedOrigins = src.AllowedOrigins })
	set("authfile", func() { dst.AuthFile = src.AuthFile })
	set("auth", func() { dst.Auth = append(dst.Auth, src.Auth...) })
	set("known-hosts", func() { dst.KnownHosts = src.KnownHosts })
	set("watch", func() { dst.WatchFiles = src.WatchFiles })
	set("default-host", func() { dst.DefaultHost = src.DefaultHost })
	set("ssh-port", func() { dst.SSHPort = src.SSHPort })
	set("agent", func() { dst.Agent = src.Agent })
	set("open-timeout", func() { dst.OpenTimeout = src.OpenTimeout })
	set("agent-start-grace", func() { dst.AgentStartGrace = src.AgentStartGrace })
	set("connect-retries", func() { dst.ConnectRetries = src.ConnectRetries })
	set("log-level", func() { dst.LogLevel = src.LogLevel })
	set("debug", func() { dst.Debug = src.Debug })
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "wsgate %s (protocol %s)\n", wgshare.BuildVersion, wgshare.ProtocolVersion)
		},
	}
}

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint KNOWN_HOSTS",
		Short: "Print the MD5 fingerprints of the keys in a known_hosts file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			logger := wgshare.NewLogger("fingerprint", wgshare.LogLevelWarning)
			for _, e := range hostkey.ParseKnownHosts(logger, data) {
				marker := ""
				if e.Revoked() {
					marker = " (revoked)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s%s\n", e.Key.Type(), wgshare.FingerprintKey(e.Key), strings.Join(e.Hosts, ","), marker)
			}
			return nil
		},
	}
}
