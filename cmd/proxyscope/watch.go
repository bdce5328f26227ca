package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/nupi-ai/proxyscope/internal/telemetry"
	"github.com/spf13/cobra"
)

func newWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch traffic|connections|logs",
		Short: "Stream a telemetry channel to stdout",
		Long: `Stream one telemetry channel until interrupted.

The channel reconnects on its own when the daemon restarts. Once its retry
budget is spent the command exits with an error.

Use --json to consume newline-delimited JSON for tooling and pipelines.`,
		Example: `  proxyscope watch traffic
  proxyscope watch connections --top 5
  proxyscope watch logs --level debug --json | jq .payload`,
		Args:          cobra.ExactArgs(1),
		ValidArgs:     []string{"traffic", "connections", "logs"},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runWatch,
	}
	cmd.Flags().String("level", "", "Log level filter for the logs channel (debug|info|warning|error|silent)")
	cmd.Flags().Int("limit", 0, "Exit after this many records (0 streams until interrupted)")
	cmd.Flags().Int("top", 10, "Connections shown per update, busiest first")
	return cmd
}

func runWatch(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	limit, _ := cmd.Flags().GetInt("limit")
	top, _ := cmd.Flags().GetInt("top")
	if limit < 0 {
		return out.Error("--limit must not be negative", nil)
	}

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

	st, _, err := openStore(cmd, true)
	if err != nil {
		return out.Error("Failed to open configuration store", err)
	}
	defer st.Close()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	resolver := telemetry.NewResolver(backendSource(st))
	w := cmd.OutOrStdout()

	switch args[0] {
	case "traffic":
		ch := telemetry.NewTraffic(resolver, settings.ChannelOptions("traffic"))
		err = watchChannel(ctx, ch, limit, newTrafficPrinter(w, out.jsonMode).emit)
	case "connections":
		ch := telemetry.NewConnections(resolver, settings.ChannelOptions("connections"))
		err = watchChannel(ctx, ch, limit, newConnectionsPrinter(w, out.jsonMode, top).emit)
	case "logs":
		stream, lerr := telemetry.NewLogs(resolver, level, settings.ChannelOptions("logs"))
		if lerr != nil {
			return out.Error("Invalid log level", lerr)
		}
		err = watchChannel(ctx, stream.Channel, limit, newLogPrinter(w, out.jsonMode).emit)
	default:
		return out.Error(fmt.Sprintf("Unknown channel %q (expected traffic, connections or logs)", args[0]), nil)
	}
	if err != nil {
		return out.Error(fmt.Sprintf("Watching %s failed", args[0]), err)
	}
	return nil
}

// emitFunc writes the records of one snapshot and returns how many it wrote.
// statusOnly is set when the wake-up came from a state change.
type emitFunc[T any] func(snap telemetry.Snapshot[T], statusOnly bool) (int, error)

// watchChannel starts ch and feeds its snapshots to emit until ctx is done,
// limit records were written, the channel stalls or it can no longer resolve
// its backend.
func watchChannel[T any](ctx context.Context, ch *telemetry.Channel[T], limit int, emit emitFunc[T]) error {
	defer ch.Close()
	if err := ch.Start(ctx); err != nil {
		return err
	}

	var (
		written int
		last    = ch.Snapshot()
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ch.Updates():
		}

		snap := ch.Snapshot()
		statusOnly := snap.State != last.State || snap.Retries != last.Retries || snap.Stalled != last.Stalled
		last = snap

		if snap.Stalled {
			return fmt.Errorf("%s channel stalled after %d retries", ch.Name(), snap.Retries)
		}
		if snap.Err != nil {
			return fmt.Errorf("%s channel cannot reconnect: %w", ch.Name(), snap.Err)
		}
		if snap.State != telemetry.StateOpen {
			continue
		}

		n, err := emit(snap, statusOnly)
		if err != nil {
			return err
		}
		written += n
		if limit > 0 && written >= limit {
			return nil
		}
	}
}

type trafficPrinter struct {
	w        io.Writer
	jsonMode bool
	now      func() time.Time
	last     telemetry.Traffic
}

func newTrafficPrinter(w io.Writer, jsonMode bool) *trafficPrinter {
	return &trafficPrinter{w: w, jsonMode: jsonMode, now: time.Now}
}

func (p *trafficPrinter) emit(snap telemetry.Snapshot[telemetry.Traffic], statusOnly bool) (int, error) {
	if statusOnly && snap.Value == p.last {
		return 0, nil
	}
	p.last = snap.Value
	at := p.now()

	if p.jsonMode {
		return 1, json.NewEncoder(p.w).Encode(map[string]any{
			"time": at.UTC().Format(time.RFC3339),
			"up":   snap.Value.Up,
			"down": snap.Value.Down,
		})
	}
	_, err := fmt.Fprintf(p.w, "%s  ↑ %s/s  ↓ %s/s\n", at.Format("15:04:05"),
		humanize.Bytes(nonNegative(snap.Value.Up)), humanize.Bytes(nonNegative(snap.Value.Down)))
	return 1, err
}

type connectionsPrinter struct {
	w        io.Writer
	jsonMode bool
	top      int
	now      func() time.Time
}

func newConnectionsPrinter(w io.Writer, jsonMode bool, top int) *connectionsPrinter {
	return &connectionsPrinter{w: w, jsonMode: jsonMode, top: top, now: time.Now}
}

func (p *connectionsPrinter) emit(snap telemetry.Snapshot[telemetry.ConnectionTable], statusOnly bool) (int, error) {
	if statusOnly {
		return 0, nil
	}
	table := snap.Value
	busiest := busiestConnections(table.Connections, p.top)
	at := p.now()

	if p.jsonMode {
		return 1, json.NewEncoder(p.w).Encode(map[string]any{
			"time":           at.UTC().Format(time.RFC3339),
			"active":         len(table.Connections),
			"upload_total":   table.UploadTotal,
			"download_total": table.DownloadTotal,
			"connections":    busiest,
		})
	}

	fmt.Fprintf(p.w, "%s  %s active  ↑ %s  ↓ %s\n", at.Format("15:04:05"),
		humanize.Comma(int64(len(table.Connections))),
		humanize.Bytes(nonNegative(table.UploadTotal)), humanize.Bytes(nonNegative(table.DownloadTotal)))
	if len(busiest) == 0 {
		return 1, nil
	}
	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	for _, c := range busiest {
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t↑ %s\t↓ %s\n",
			c.Metadata.Target(), c.Metadata.Network, c.Rule, strings.Join(c.Chains, " > "),
			humanize.Bytes(nonNegative(c.Upload)), humanize.Bytes(nonNegative(c.Download)))
	}
	return 1, tw.Flush()
}

// busiestConnections returns up to n connections ordered by bytes moved.
func busiestConnections(conns []telemetry.Connection, n int) []telemetry.Connection {
	sorted := make([]telemetry.Connection, len(conns))
	copy(sorted, conns)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Upload+sorted[i].Download > sorted[j].Upload+sorted[j].Download
	})
	if n >= 0 && len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

// logPrinter writes lines not yet printed. It reads the raw log channel,
// which keeps lines oldest first, so the unseen ones are the trailing entries.
type logPrinter struct {
	w        io.Writer
	jsonMode bool
	printed  int
}

func newLogPrinter(w io.Writer, jsonMode bool) *logPrinter {
	return &logPrinter{w: w, jsonMode: jsonMode}
}

func (p *logPrinter) emit(snap telemetry.Snapshot[[]telemetry.LogLine], _ bool) (int, error) {
	lines := snap.Value
	if len(lines) < p.printed {
		p.printed = 0
	}
	fresh := lines[p.printed:]
	p.printed = len(lines)

	enc := json.NewEncoder(p.w)
	for i, line := range fresh {
		var err error
		if p.jsonMode {
			err = enc.Encode(line)
		} else {
			_, err = fmt.Fprintf(p.w, "%s %-7s %s\n",
				line.ReceivedAt.Format("15:04:05"), strings.ToUpper(string(line.Level)), line.Payload)
		}
		if err != nil {
			return i, err
		}
	}
	return len(fresh), nil
}

func nonNegative(n int64) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}
