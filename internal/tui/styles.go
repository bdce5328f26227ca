package tui

import "github.com/charmbracelet/lipgloss"

// Colors using AdaptiveColor for light/dark terminal support.
var (
	colorWhite  = lipgloss.AdaptiveColor{Light: "0", Dark: "15"}
	colorDim    = lipgloss.AdaptiveColor{Light: "242", Dark: "240"}
	colorGreen  = lipgloss.AdaptiveColor{Light: "28", Dark: "40"}
	colorRed    = lipgloss.AdaptiveColor{Light: "160", Dark: "196"}
	colorYellow = lipgloss.AdaptiveColor{Light: "136", Dark: "220"}
	colorCyan   = lipgloss.AdaptiveColor{Light: "30", Dark: "45"}
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorDim)

	panelTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(colorCyan)

	statusBarStyle = lipgloss.NewStyle().
			Foreground(colorWhite).
			Background(lipgloss.AdaptiveColor{Light: "235", Dark: "236"})

	keyStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorWhite)
	hintStyle = lipgloss.NewStyle().Foreground(colorDim)

	upStyle   = lipgloss.NewStyle().Foreground(colorGreen)
	downStyle = lipgloss.NewStyle().Foreground(colorCyan)

	stalledStyle = lipgloss.NewStyle().Foreground(colorRed).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(colorRed)
)

var stateStyles = map[string]lipgloss.Style{
	"open":       lipgloss.NewStyle().Foreground(colorGreen),
	"connecting": lipgloss.NewStyle().Foreground(colorYellow),
	"closing":    lipgloss.NewStyle().Foreground(colorYellow),
	"closed":     lipgloss.NewStyle().Foreground(colorDim),
}

var levelStyles = map[string]lipgloss.Style{
	"debug":   lipgloss.NewStyle().Foreground(colorDim),
	"info":    lipgloss.NewStyle().Foreground(colorCyan),
	"warning": lipgloss.NewStyle().Foreground(colorYellow),
	"error":   lipgloss.NewStyle().Foreground(colorRed),
}
