package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newRulesCommand() *cobra.Command {
	rulesCmd := &cobra.Command{
		Use:           "rules",
		Short:         "Inspect routing rules",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	listCmd := &cobra.Command{
		Use:           "list",
		Short:         "List rules in evaluation order",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          rulesList,
	}
	listCmd.Flags().String("proxy", "", "Only show rules routing to this proxy or group")

	rulesCmd.AddCommand(listCmd)
	return rulesCmd
}

func rulesList(cmd *cobra.Command, _ []string) error {
	out := newOutputFormatter(cmd)

	c, err := restClient(cmd)
	if err != nil {
		return out.Error("No usable backend", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), restTimeout)
	defer cancel()
	rules, err := c.ListRules(ctx)
	if err != nil {
		return out.Error("Failed to list rules", err)
	}

	if proxy, _ := cmd.Flags().GetString("proxy"); proxy != "" {
		filtered := rules[:0]
		for _, r := range rules {
			if strings.EqualFold(r.Proxy, proxy) {
				filtered = append(filtered, r)
			}
		}
		rules = filtered
	}

	if out.jsonMode {
		return out.Print(map[string]any{"rules": rules})
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tTYPE\tPAYLOAD\tPROXY")
	for i, r := range rules {
		payload := r.Payload
		if payload == "" {
			payload = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", i+1, r.Type, payload, r.Proxy)
	}
	return tw.Flush()
}
