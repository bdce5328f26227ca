package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCommand() *cobra.Command {
	configCmd := &cobra.Command{
		Use:           "config",
		Short:         "Show or patch the daemon's runtime configuration",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	showCmd := &cobra.Command{
		Use:           "show",
		Short:         "Print the runtime configuration",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          configShow,
	}

	setCmd := &cobra.Command{
		Use:   "set <key>=<value>...",
		Short: "Patch runtime configuration keys",
		Long: `Patch runtime configuration keys with PATCH /configs.

Values are parsed as YAML scalars, so numbers and booleans keep their type.
Quote a value to force a string.`,
		Example: `  proxyscope config set mode=global
  proxyscope config set allow-lan=true mixed-port=7890
  proxyscope config set log-level=debug`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          configSet,
	}

	configCmd.AddCommand(showCmd, setCmd)
	return configCmd
}

func configShow(cmd *cobra.Command, _ []string) error {
	out := newOutputFormatter(cmd)

	c, err := restClient(cmd)
	if err != nil {
		return out.Error("No usable backend", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), restTimeout)
	defer cancel()
	configs, err := c.GetConfigs(ctx)
	if err != nil {
		return out.Error("Failed to read configuration", err)
	}

	if out.jsonMode {
		return out.Print(configs)
	}
	raw, err := yaml.Marshal(configs)
	if err != nil {
		return out.Error("Failed to render configuration", err)
	}
	fmt.Fprint(cmd.OutOrStdout(), string(raw))
	return nil
}

func configSet(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	patch, err := parseAssignments(args)
	if err != nil {
		return out.Error("Invalid assignment", err)
	}

	c, err := restClient(cmd)
	if err != nil {
		return out.Error("No usable backend", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), restTimeout)
	defer cancel()
	if err := c.PatchConfigs(ctx, patch); err != nil {
		return out.Error("Failed to update configuration", err)
	}

	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return out.Success(fmt.Sprintf("Updated %s", strings.Join(keys, ", ")), map[string]any{"patch": patch})
}

// parseAssignments turns key=value arguments into a patch. Values are YAML
// scalars or flow collections; an empty value is the empty string.
func parseAssignments(args []string) (map[string]any, error) {
	patch := make(map[string]any, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("%q: expected key=value", arg)
		}
		if _, dup := patch[key]; dup {
			return nil, fmt.Errorf("%q: key set twice", key)
		}

		raw = strings.TrimSpace(raw)
		if raw == "" {
			patch[key] = ""
			continue
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
			return nil, fmt.Errorf("%q: %w", arg, err)
		}
		patch[key] = value
	}
	return patch, nil
}
