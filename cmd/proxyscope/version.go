package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nupi-ai/proxyscope/internal/version"
	"github.com/spf13/cobra"
)

func newVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "version",
		Short:         "Show client and daemon versions",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runVersion,
	}
	return cmd
}

func runVersion(cmd *cobra.Command, _ []string) error {
	out := newOutputFormatter(cmd)
	clientVersion := version.String()

	var (
		daemon    string
		meta      bool
		daemonErr error
	)
	c, err := restClient(cmd)
	if err == nil {
		ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
		defer cancel()
		info, verr := c.Version(ctx)
		daemon, meta, daemonErr = info.Version, info.Meta, verr
	} else {
		daemonErr = err
	}

	if out.jsonMode {
		data := map[string]any{"client": clientVersion}
		if daemonErr == nil {
			data["daemon"] = daemon
			data["meta"] = meta
		} else {
			data["daemon"] = nil
			data["daemon_error"] = daemonErr.Error()
		}
		return out.Print(data)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Client: %s\n", version.FormatVersion(clientVersion))
	switch {
	case daemonErr != nil:
		fmt.Fprintf(w, "Daemon: unavailable (%v)\n", daemonErr)
	case daemon == "":
		fmt.Fprintln(w, "Daemon: running (version unknown)")
	case meta:
		fmt.Fprintf(w, "Daemon: %s (meta)\n", version.FormatVersion(daemon))
	default:
		fmt.Fprintf(w, "Daemon: %s\n", version.FormatVersion(daemon))
	}
	return nil
}
