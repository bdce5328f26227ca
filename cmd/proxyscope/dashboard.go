package main

import (
	"log"
	"os"

	"github.com/nupi-ai/proxyscope/internal/telemetry"
	"github.com/nupi-ai/proxyscope/internal/tui"
	"github.com/spf13/cobra"
)

func newDashboardCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Open the live terminal dashboard",
		Long: `Open a full-screen view of traffic rates, active connections and daemon logs.

Keys: l cycles the log level, r reconnects every channel, j/k move through
connections, PgUp/PgDn scroll logs, q quits.

Selecting another backend with "proxyscope backend use" while the dashboard
runs reconnects it to the new daemon. Diagnostics are written to
<home>/logs/proxyscope.log.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runDashboard,
	}
	cmd.Flags().String("level", "", "Initial log level (defaults to log_level in settings.yaml)")
	return cmd
}

func runDashboard(cmd *cobra.Command, _ []string) error {
	out := newOutputFormatter(cmd)

	settings, err := loadSettings(cmd)
	if err != nil {
		return out.Error("Failed to load settings", err)
	}
	level := settings.Level()
	if raw, _ := cmd.Flags().GetString("level"); raw != "" {
		if level, err = telemetry.ParseLevel(raw); err != nil {
			return out.Error("Invalid --level", err)
		}
	}

	st, paths, err := openStore(cmd, true)
	if err != nil {
		return out.Error("Failed to open configuration store", err)
	}
	defer st.Close()

	logFile, err := os.OpenFile(paths.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return out.Error("Failed to open log file", err)
	}
	defer logFile.Close()
	log.SetOutput(logFile)
	defer log.SetOutput(os.Stderr)

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	resolver := telemetry.NewResolver(backendSource(st))
	target, err := resolver.Target(ctx)
	if err != nil {
		return out.Error("No usable backend", err)
	}

	traffic := telemetry.NewTraffic(resolver, settings.ChannelOptions("traffic"))
	defer traffic.Close()
	connections := telemetry.NewConnections(resolver, settings.ChannelOptions("connections"))
	defer connections.Close()
	logs, err := telemetry.NewLogs(resolver, level, settings.ChannelOptions("logs"))
	if err != nil {
		return out.Error("Invalid log level", err)
	}
	defer logs.Close()

	for _, start := range []func() error{
		func() error { return traffic.Start(ctx) },
		func() error { return connections.Start(ctx) },
		func() error { return logs.Start(ctx) },
	} {
		if err := start(); err != nil {
			return out.Error("Failed to start telemetry channels", err)
		}
	}

	changes, err := st.Watch(ctx, settings.WatchInterval)
	if err != nil {
		return out.Error("Failed to watch backend selection", err)
	}

	log.Printf("[Dashboard] starting against %s (log level %s)", target.URL, level)
	if err := tui.Run(ctx, tui.Options{
		Backend:        target.URL,
		Resolver:       resolver,
		Traffic:        traffic,
		Connections:    connections,
		Logs:           logs,
		LogBuffer:      settings.LogBuffer,
		BackendChanges: changes,
	}); err != nil {
		return out.Error("Dashboard failed", err)
	}
	return nil
}
