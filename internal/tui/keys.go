package tui

import "github.com/charmbracelet/bubbles/key"

type keyMap struct {
	Quit     key.Binding
	Level    key.Binding
	Restart  key.Binding
	Up       key.Binding
	Down     key.Binding
	LogsUp   key.Binding
	LogsDown key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
	Level: key.NewBinding(
		key.WithKeys("l"),
		key.WithHelp("l", "log level"),
	),
	Restart: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "reconnect"),
	),
	Up: key.NewBinding(
		key.WithKeys("up", "k"),
		key.WithHelp("j/k", "connections"),
	),
	Down: key.NewBinding(
		key.WithKeys("down", "j"),
		key.WithHelp("j/k", "connections"),
	),
	LogsUp: key.NewBinding(
		key.WithKeys("pgup"),
		key.WithHelp("PgUp/PgDn", "logs"),
	),
	LogsDown: key.NewBinding(
		key.WithKeys("pgdown"),
		key.WithHelp("PgUp/PgDn", "logs"),
	),
}

func keyHint(k key.Binding) string {
	h := k.Help()
	return keyStyle.Render(h.Key) + " " + hintStyle.Render(h.Desc)
}
