package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

func renderStatusBar(m Model, width int) string {
	left := " " + strings.Join([]string{
		keyHint(keys.Quit), keyHint(keys.Level), keyHint(keys.Restart), keyHint(keys.Up), keyHint(keys.LogsUp),
	}, "  ")
	if err := m.displayError(); err != nil {
		left = " " + errorStyle.Render(err.Error())
	} else if m.notice != "" {
		left += "  " + hintStyle.Render(m.notice)
	}

	parts := make([]string, 0, 3)
	for _, s := range m.streams() {
		parts = append(parts, streamStatus(s))
	}
	right := strings.Join(parts, "  ") + " "

	gap := width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 1 {
		gap = 1
	}
	return statusBarStyle.Width(width).Render(left + strings.Repeat(" ", gap) + right)
}

// displayError prefers the last command error, then the first channel that
// stopped on a configuration error.
func (m Model) displayError() error {
	if m.err != nil {
		return m.err
	}
	for _, s := range m.streams() {
		if err := s.Err(); err != nil {
			return fmt.Errorf("%s: %w", s.Name(), err)
		}
	}
	return nil
}

// streamStatus renders "name: state", the retry count while reconnecting,
// STALLED once the retry budget is spent and FAILED when the backend can no
// longer be resolved.
func streamStatus(s Stream) string {
	state := s.State().String()
	style, ok := stateStyles[state]
	if !ok {
		style = hintStyle
	}
	out := s.Name() + ": " + style.Render(state)
	if s.Err() != nil {
		return out + " " + stalledStyle.Render("FAILED")
	}
	if s.Stalled() {
		return out + " " + stalledStyle.Render("STALLED")
	}
	if n := s.Retries(); n > 0 {
		out += hintStyle.Render(fmt.Sprintf(" (retry %d)", n))
	}
	return out
}
