package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/nupi-ai/proxyscope/internal/config/store"
	"github.com/nupi-ai/proxyscope/internal/telemetry"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh/terminal"
)

func newBackendCommand() *cobra.Command {
	backendCmd := &cobra.Command{
		Use:           "backend",
		Short:         "Manage stored control API backends",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	addCmd := &cobra.Command{
		Use:   "add <url>",
		Short: "Store a backend and its secret",
		Long: `Store a control API base URL (http, https, ws or wss) and its secret.

The secret is encrypted at rest. When --secret is omitted it is read from the
terminal without echo, or from the first line of stdin when piped.`,
		Example: `  proxyscope backend add http://127.0.0.1:9090 --use
  echo "$SECRET" | proxyscope backend add https://router.lan:9090`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          backendAdd,
	}
	addCmd.Flags().String("secret", "", "Control API secret (prompted when omitted)")
	addCmd.Flags().Bool("use", false, "Select the backend after storing it")

	listCmd := &cobra.Command{
		Use:           "list",
		Short:         "List stored backends",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          backendList,
	}

	removeCmd := &cobra.Command{
		Use:           "remove <url>",
		Aliases:       []string{"rm"},
		Short:         "Delete a stored backend",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          backendRemove,
	}

	useCmd := &cobra.Command{
		Use:           "use <url>",
		Short:         "Select the backend used by every command",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          backendUse,
	}

	currentCmd := &cobra.Command{
		Use:           "current",
		Short:         "Show the selected backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          backendCurrent,
	}

	backendCmd.AddCommand(addCmd, listCmd, removeCmd, useCmd, currentCmd)
	return backendCmd
}

func backendAdd(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	secret, _ := cmd.Flags().GetString("secret")
	if !cmd.Flags().Changed("secret") {
		var err error
		secret, err = promptSecret(cmd.InOrStdin(), cmd.ErrOrStderr())
		if err != nil {
			return out.Error("Failed to read secret", err)
		}
	}

	st, _, err := openStore(cmd, false)
	if err != nil {
		return out.Error("Failed to open configuration store", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	target, err := st.SaveBackend(ctx, args[0], secret)
	if err != nil {
		return out.Error("Failed to store backend", err)
	}

	use, _ := cmd.Flags().GetBool("use")
	if use {
		if err := st.SetCurrentBackend(ctx, target.URL); err != nil {
			return out.Error("Failed to select backend", err)
		}
	}

	message := fmt.Sprintf("Stored backend %s", target.URL)
	if use {
		message += " (selected)"
	}
	return out.Success(message, map[string]any{"url": target.URL, "current": use})
}

// promptSecret reads a secret without echo from a terminal, or the first
// line of in otherwise.
func promptSecret(in io.Reader, prompt io.Writer) (string, error) {
	if f, ok := in.(*os.File); ok && terminal.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "Secret: ")
		raw, err := terminal.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(raw)), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func backendList(cmd *cobra.Command, _ []string) error {
	out := newOutputFormatter(cmd)

	st, _, err := openStore(cmd, true)
	if err != nil {
		return out.Error("Failed to open configuration store", err)
	}
	defer st.Close()

	backends, err := st.ListBackends(cmd.Context())
	if err != nil {
		return out.Error("Failed to list backends", err)
	}

	if out.jsonMode {
		return out.Print(map[string]any{"backends": backends})
	}
	if len(backends) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No backends stored. Add one with: proxyscope backend add <url>")
		return nil
	}
	writeBackends(cmd.OutOrStdout(), backends)
	return nil
}

func writeBackends(w io.Writer, backends []store.BackendTarget) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\tURL\tSECRET\tUPDATED")
	for _, b := range backends {
		marker := ""
		if b.Current {
			marker = "*"
		}
		secret := "no"
		if b.Secret != "" {
			secret = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", marker, b.URL, secret, relativeTime(b.UpdatedAt))
	}
	tw.Flush()
}

// relativeTime renders a stored timestamp as "3 minutes ago", falling back to
// the raw value when it does not parse.
func relativeTime(stamp string) string {
	t, err := time.Parse(time.RFC3339Nano, stamp)
	if err != nil {
		return stamp
	}
	return humanize.Time(t)
}

func backendRemove(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	st, _, err := openStore(cmd, false)
	if err != nil {
		return out.Error("Failed to open configuration store", err)
	}
	defer st.Close()

	if err := st.DeleteBackend(cmd.Context(), args[0]); err != nil {
		if store.IsNotFound(err) {
			return out.Error(fmt.Sprintf("Backend %s is not stored", args[0]), nil)
		}
		return out.Error("Failed to remove backend", err)
	}
	return out.Success(fmt.Sprintf("Removed backend %s", args[0]), map[string]any{"url": args[0]})
}

func backendUse(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	st, _, err := openStore(cmd, false)
	if err != nil {
		return out.Error("Failed to open configuration store", err)
	}
	defer st.Close()

	if err := st.SetCurrentBackend(cmd.Context(), args[0]); err != nil {
		if store.IsNotFound(err) {
			return out.Error(fmt.Sprintf("Backend %s is not stored; add it first", args[0]), nil)
		}
		return out.Error("Failed to select backend", err)
	}
	current, err := st.CurrentBackendURL(cmd.Context())
	if err != nil {
		return out.Error("Failed to read selection", err)
	}
	return out.Success(fmt.Sprintf("Using backend %s", current), map[string]any{"url": current})
}

func backendCurrent(cmd *cobra.Command, _ []string) error {
	out := newOutputFormatter(cmd)

	st, _, err := openStore(cmd, true)
	if err != nil {
		return out.Error("Failed to open configuration store", err)
	}
	defer st.Close()

	url, source, err := describeCurrent(cmd.Context(), st)
	if err != nil {
		return out.Error("Failed to resolve backend", err)
	}
	if out.jsonMode {
		data := map[string]any{"url": nil, "source": source}
		if url != "" {
			data["url"] = url
		}
		return out.Print(data)
	}
	if url == "" {
		fmt.Fprintln(cmd.OutOrStdout(), "No backend selected")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", url, source)
	return nil
}

// describeCurrent reports which backend commands will use and where it came from.
func describeCurrent(ctx context.Context, st *store.Store) (url, source string, err error) {
	if env, _ := (telemetry.EnvSource{}).CurrentBackend(ctx); env != nil {
		return env.URL, "environment", nil
	}
	current, err := st.CurrentBackendURL(ctx)
	if err != nil {
		return "", "", err
	}
	if current == "" {
		return "", "none", nil
	}
	return current, "store", nil
}
