package tui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/nupi-ai/proxyscope/internal/telemetry"
)

// waitForUpdate blocks until the channel signals and reports which one did.
func waitForUpdate(source string, updates <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		if _, ok := <-updates; !ok {
			return nil
		}
		return updateMsg{source: source}
	}
}

func setLevelCmd(ctx context.Context, logs LogSource, level telemetry.Level) tea.Cmd {
	return func() tea.Msg {
		return levelChangedMsg{level: level, err: logs.SetLevel(ctx, level)}
	}
}

func resolveBackendCmd(ctx context.Context, resolver TargetResolver) tea.Cmd {
	return func() tea.Msg {
		target, err := resolver.Target(ctx)
		if err != nil {
			return backendResolvedMsg{err: err}
		}
		return backendResolvedMsg{url: target.URL}
	}
}

func restartCmd(ctx context.Context, streams ...Stream) tea.Cmd {
	return func() tea.Msg {
		var first error
		for _, s := range streams {
			if err := s.Restart(ctx); err != nil && first == nil {
				first = err
			}
		}
		return restartedMsg{err: first}
	}
}
