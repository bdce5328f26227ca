package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/dustin/go-humanize"

	"github.com/nupi-ai/proxyscope/internal/telemetry"
)

func formatRate(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n)) + "/s"
}

func formatBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}

func (m Model) renderTraffic(width int) string {
	line := fmt.Sprintf("%s %s   %s %s   peak %s / %s   total %s / %s",
		upStyle.Render("↑"), formatRate(m.rate.Up),
		downStyle.Render("↓"), formatRate(m.rate.Down),
		formatRate(m.peak.Up), formatRate(m.peak.Down),
		formatBytes(m.conns.UploadTotal), formatBytes(m.conns.DownloadTotal),
	)
	return panelStyle.Width(width - 2).Render(panelTitleStyle.Render("Traffic") + "  " + line)
}

func (m Model) renderConnections(width int) string {
	title := panelTitleStyle.Render("Connections") + "  " +
		hintStyle.Render(humanize.Comma(int64(len(m.conns.Connections)))+" active")
	return panelStyle.Width(width - 2).Render(title + "\n" + m.connTable.View())
}

func (m Model) renderLogs(width int) string {
	return panelStyle.Width(width - 2).Render(panelTitleStyle.Render("Logs") + "\n" + m.logView.View())
}

// connectionColumns sizes the table to width, giving the host column the
// remaining space.
func connectionColumns(width int) []table.Column {
	fixed := []table.Column{
		{Title: "Net", Width: 4},
		{Title: "Rule", Width: 14},
		{Title: "Chain", Width: 16},
		{Title: "↑", Width: 9},
		{Title: "↓", Width: 9},
		{Title: "Age", Width: 7},
	}
	used := 0
	for _, c := range fixed {
		used += c.Width + 2
	}
	host := max(12, width-used-2)
	return append([]table.Column{{Title: "Host", Width: host}}, fixed...)
}

// connectionRows lists the busiest connections first.
func connectionRows(conns []telemetry.Connection) []table.Row {
	sorted := make([]telemetry.Connection, len(conns))
	copy(sorted, conns)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Download+sorted[i].Upload > sorted[j].Download+sorted[j].Upload
	})

	rows := make([]table.Row, 0, len(sorted))
	for _, c := range sorted {
		chain := ""
		if len(c.Chains) > 0 {
			chain = c.Chains[0]
		}
		rule := c.Rule
		if c.RulePayload != "" {
			rule += "(" + c.RulePayload + ")"
		}
		rows = append(rows, table.Row{
			c.Metadata.Target(),
			c.Metadata.Network,
			rule,
			chain,
			formatBytes(c.Upload),
			formatBytes(c.Download),
			formatAge(c.Start),
		})
	}
	return rows
}

func formatAge(start time.Time) string {
	if start.IsZero() {
		return "-"
	}
	age := time.Since(start)
	switch {
	case age < time.Minute:
		return fmt.Sprintf("%ds", int(age.Seconds()))
	case age < time.Hour:
		return fmt.Sprintf("%dm", int(age.Minutes()))
	default:
		return fmt.Sprintf("%dh", int(age.Hours()))
	}
}

// renderLogLines renders at most limit lines, newest first.
func renderLogLines(lines []telemetry.LogLine, limit int) string {
	if len(lines) > limit {
		lines = lines[:limit]
	}
	var b strings.Builder
	for i, line := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		lvl := string(line.Level)
		style, ok := levelStyles[lvl]
		if !ok {
			style = hintStyle
		}
		fmt.Fprintf(&b, "%s %s %s",
			hintStyle.Render(line.ReceivedAt.Format("15:04:05")),
			style.Render(fmt.Sprintf("%-7s", strings.ToUpper(lvl))),
			line.Payload,
		)
	}
	return b.String()
}
