package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/nupi-ai/proxyscope/internal/client"
	"github.com/spf13/cobra"
)

const (
	defaultDelayURL     = "https://www.gstatic.com/generate_204"
	defaultDelayTimeout = 5 * time.Second
	restTimeout         = 15 * time.Second
)

func newProxiesCommand() *cobra.Command {
	proxiesCmd := &cobra.Command{
		Use:           "proxies",
		Short:         "Inspect proxies and switch selector groups",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	listCmd := &cobra.Command{
		Use:           "list",
		Short:         "List proxies and groups",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          proxiesList,
	}
	listCmd.Flags().Bool("groups", false, "Only show groups")

	selectCmd := &cobra.Command{
		Use:           "select <group> <proxy>",
		Short:         "Switch a selector group to a member",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          proxiesSelect,
	}

	delayCmd := &cobra.Command{
		Use:           "delay <proxy>",
		Short:         "Measure latency through a proxy",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          proxiesDelay,
	}
	delayCmd.Flags().String("url", defaultDelayURL, "URL requested through the proxy")
	delayCmd.Flags().Duration("timeout", defaultDelayTimeout, "Latency test timeout")

	proxiesCmd.AddCommand(listCmd, selectCmd, delayCmd)
	return proxiesCmd
}

// restClient builds a control API client for the current backend.
func restClient(cmd *cobra.Command) (*client.HTTPClient, error) {
	st, _, err := openStore(cmd, true)
	if err != nil {
		return nil, err
	}
	defer st.Close()
	return client.FromSource(cmd.Context(), backendSource(st))
}

func proxiesList(cmd *cobra.Command, _ []string) error {
	out := newOutputFormatter(cmd)

	c, err := restClient(cmd)
	if err != nil {
		return out.Error("No usable backend", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), restTimeout)
	defer cancel()
	proxies, err := c.ListProxies(ctx)
	if err != nil {
		return out.Error("Failed to list proxies", err)
	}

	if groupsOnly, _ := cmd.Flags().GetBool("groups"); groupsOnly {
		filtered := proxies[:0]
		for _, p := range proxies {
			if p.IsGroup() {
				filtered = append(filtered, p)
			}
		}
		proxies = filtered
	}

	if out.jsonMode {
		return out.Print(map[string]any{"proxies": proxies})
	}
	writeProxies(cmd.OutOrStdout(), proxies)
	return nil
}

func writeProxies(w io.Writer, proxies []client.Proxy) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTYPE\tSELECTED\tDELAY")
	for _, p := range proxies {
		delay := "-"
		if d := p.LastDelay(); d > 0 {
			delay = fmt.Sprintf("%dms", d)
		}
		selected := p.Now
		if selected == "" {
			selected = "-"
		} else if p.IsGroup() {
			selected += fmt.Sprintf(" (%d members)", len(p.All))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.Name, p.Type, selected, delay)
	}
	tw.Flush()
}

func proxiesSelect(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	c, err := restClient(cmd)
	if err != nil {
		return out.Error("No usable backend", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), restTimeout)
	defer cancel()
	group, name := strings.TrimSpace(args[0]), strings.TrimSpace(args[1])
	if err := c.SelectProxy(ctx, group, name); err != nil {
		return out.Error(fmt.Sprintf("Failed to select %s in %s", name, group), err)
	}
	return out.Success(fmt.Sprintf("%s now uses %s", group, name), map[string]any{"group": group, "proxy": name})
}

func proxiesDelay(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	testURL, _ := cmd.Flags().GetString("url")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	if timeout <= 0 {
		return out.Error("--timeout must be positive", nil)
	}

	c, err := restClient(cmd)
	if err != nil {
		return out.Error("No usable backend", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout+restTimeout)
	defer cancel()
	result, err := c.ProxyDelay(ctx, args[0], testURL, timeout)
	if err != nil {
		return out.Error(fmt.Sprintf("Latency test through %s failed", args[0]), err)
	}
	return out.Success(fmt.Sprintf("%s: %dms", args[0], result.Delay), map[string]any{"proxy": args[0], "delay_ms": result.Delay})
}
