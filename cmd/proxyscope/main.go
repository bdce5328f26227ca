package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/nupi-ai/proxyscope/internal/config"
	"github.com/nupi-ai/proxyscope/internal/config/store"
	"github.com/nupi-ai/proxyscope/internal/telemetry"
	"github.com/nupi-ai/proxyscope/internal/version"
	"github.com/spf13/cobra"
)

var rootCmd *cobra.Command

// OutputFormatter handles output in JSON or human-readable format
type OutputFormatter struct {
	jsonMode bool
	w        io.Writer
}

// newOutputFormatter creates a new formatter based on the command's --json flag
func newOutputFormatter(cmd *cobra.Command) *OutputFormatter {
	jsonMode, _ := cmd.Flags().GetBool("json")
	return &OutputFormatter{jsonMode: jsonMode, w: cmd.OutOrStdout()}
}

// Print outputs data in the appropriate format
func (f *OutputFormatter) Print(data any) error {
	if s, ok := data.(string); ok && !f.jsonMode {
		fmt.Fprintln(f.w, s)
		return nil
	}
	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Fprintln(f.w, string(jsonBytes))
	return nil
}

// Success outputs a success message
func (f *OutputFormatter) Success(message string, data map[string]any) error {
	if f.jsonMode {
		output := map[string]any{
			"success": true,
			"message": message,
		}
		for k, v := range data {
			output[k] = v
		}
		return f.Print(output)
	}
	fmt.Fprintln(f.w, message)
	return nil
}

// Error outputs an error message and returns it wrapped for the exit status.
func (f *OutputFormatter) Error(message string, err error) error {
	if f.jsonMode {
		output := map[string]any{
			"success": false,
			"error":   message,
		}
		if err != nil {
			output["details"] = err.Error()
		}
		jsonBytes, _ := json.MarshalIndent(output, "", "  ")
		fmt.Fprintln(os.Stderr, string(jsonBytes))
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", message, err)
	} else {
		fmt.Fprintln(os.Stderr, message)
	}
	return &reportedError{message: message, err: err}
}

// reportedError has already been printed by a command handler.
type reportedError struct {
	message string
	err     error
}

func (e *reportedError) Error() string {
	if e.err == nil {
		return e.message
	}
	return e.message + ": " + e.err.Error()
}

func (e *reportedError) Unwrap() error { return e.err }

func init() {
	rootCmd = newRootCommand()
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxyscope",
		Short: "Live telemetry client for mihomo/Clash control APIs",
		Long: `proxyscope watches a rule-based proxy daemon through its control API.

It keeps persistent WebSocket channels to the traffic, connections and log
streams, reconnecting when the daemon restarts, and offers a terminal
dashboard plus commands for proxies, rules and runtime configuration.

The backend comes from PROXYSCOPE_BACKEND_URL/PROXYSCOPE_BACKEND_SECRET when
set, otherwise from the backend selected with "proxyscope backend use".`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.Version = version.String()
	cmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	cmd.PersistentFlags().Bool("json", false, "Output in JSON format")
	cmd.PersistentFlags().String("home", "", "Configuration directory (default $PROXYSCOPE_HOME or ~/.proxyscope)")

	cmd.AddCommand(
		newBackendCommand(),
		newWatchCommand(),
		newDashboardCommand(),
		newProxiesCommand(),
		newRulesCommand(),
		newConfigCommand(),
		newVersionCommand(),
	)
	return cmd
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Handler errors are already printed; argument errors are not.
		var reported *reportedError
		if !errors.As(err, &reported) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

// homeDir resolves --home, falling back to the environment and ~/.proxyscope.
func homeDir(cmd *cobra.Command) string {
	if home, _ := cmd.Flags().GetString("home"); home != "" {
		return config.ExpandPath(home)
	}
	return config.GetHome()
}

// openStore opens the backend store. Read-only opens fall back to a writable
// store when the database does not exist yet, so the schema gets created.
func openStore(cmd *cobra.Command, readOnly bool) (*store.Store, config.Paths, error) {
	paths, err := config.EnsureDirs(homeDir(cmd))
	if err != nil {
		return nil, config.Paths{}, err
	}
	if readOnly {
		if _, err := os.Stat(paths.ConfigDB); err != nil {
			readOnly = false
		}
	}
	st, err := store.Open(store.Options{DBPath: paths.ConfigDB, ReadOnly: readOnly})
	if err != nil {
		return nil, paths, err
	}
	return st, paths, nil
}

// loadSettings reads settings.yaml from the resolved home.
func loadSettings(cmd *cobra.Command) (config.Settings, error) {
	return config.LoadSettings(config.GetPaths(homeDir(cmd)).Settings)
}

// backendSource prefers the environment over the stored selection.
func backendSource(st *store.Store) telemetry.BackendSource {
	return telemetry.FirstSource(telemetry.EnvSource{}, st)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
