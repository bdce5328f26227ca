package tui

import (
	"context"
	"fmt"
	"log"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nupi-ai/proxyscope/internal/telemetry"
)

const defaultLogBuffer = 500

// Model is the root Bubbletea model for the dashboard.
type Model struct {
	ctx context.Context

	backend     string
	resolver    TargetResolver
	traffic     TrafficSource
	connections ConnectionsSource
	logs        LogSource
	logBuffer   int

	// Latest values pulled from the channels.
	rate  telemetry.Traffic
	peak  telemetry.Traffic
	conns telemetry.ConnectionTable

	// Child components
	connTable table.Model
	logView   viewport.Model

	width  int
	height int

	notice string
	err    error
}

// NewModel creates the initial dashboard model.
func NewModel(ctx context.Context, opts Options) Model {
	if opts.LogBuffer <= 0 {
		opts.LogBuffer = defaultLogBuffer
	}
	t := table.New(
		table.WithColumns(connectionColumns(80)),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	return Model{
		ctx:         ctx,
		backend:     opts.Backend,
		resolver:    opts.Resolver,
		traffic:     opts.Traffic,
		connections: opts.Connections,
		logs:        opts.Logs,
		logBuffer:   opts.LogBuffer,
		connTable:   t,
		logView:     viewport.New(80, 10),
	}
}

// Init subscribes to every channel's update signal.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		waitForUpdate(sourceTraffic, m.traffic.Updates()),
		waitForUpdate(sourceConnections, m.connections.Updates()),
		waitForUpdate(sourceLogs, m.logs.Updates()),
	)
}

func (m Model) streams() []Stream {
	return []Stream{m.traffic, m.connections, m.logs}
}

// Update processes messages and returns an updated model and commands.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.updateDimensions()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case updateMsg:
		cmd := m.refresh(msg.source)
		return m, cmd

	case levelChangedMsg:
		if msg.err != nil {
			m.err = fmt.Errorf("log level %s: %w", msg.level, msg.err)
			return m, nil
		}
		m.err = nil
		m.notice = fmt.Sprintf("log level: %s", msg.level)
		return m, nil

	case restartedMsg:
		m.err = msg.err
		if msg.err == nil {
			m.notice = "reconnecting"
		}
		return m, nil

	case backendChangedMsg:
		log.Printf("[Dashboard] backend selection changed to %q, restarting channels", msg.current)
		m.rate, m.peak = telemetry.Traffic{}, telemetry.Traffic{}
		restart := restartCmd(m.ctx, m.streams()...)
		if m.resolver == nil {
			if msg.current != "" {
				m.backend = msg.current
			}
			return m, restart
		}
		return m, tea.Batch(restart, resolveBackendCmd(m.ctx, m.resolver))

	case backendResolvedMsg:
		if msg.err != nil {
			m.err = fmt.Errorf("resolve backend: %w", msg.err)
			return m, nil
		}
		m.backend = msg.url
		return m, nil
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Quit):
		for _, s := range m.streams() {
			s.Close()
		}
		return m, tea.Quit

	case key.Matches(msg, keys.Level):
		next := m.logs.Level().Next()
		return m, setLevelCmd(m.ctx, m.logs, next)

	case key.Matches(msg, keys.Restart):
		m.notice = ""
		return m, restartCmd(m.ctx, m.streams()...)

	case key.Matches(msg, keys.Up):
		m.connTable.MoveUp(1)
	case key.Matches(msg, keys.Down):
		m.connTable.MoveDown(1)
	case key.Matches(msg, keys.LogsUp):
		m.logView.ScrollUp(max(1, m.logView.Height/2))
	case key.Matches(msg, keys.LogsDown):
		m.logView.ScrollDown(max(1, m.logView.Height/2))
	}
	return m, nil
}

// refresh pulls the latest value of source and re-subscribes to it.
func (m *Model) refresh(source string) tea.Cmd {
	switch source {
	case sourceTraffic:
		m.rate = m.traffic.Value()
		m.peak.Up = max(m.peak.Up, m.rate.Up)
		m.peak.Down = max(m.peak.Down, m.rate.Down)
		return waitForUpdate(source, m.traffic.Updates())
	case sourceConnections:
		m.conns = m.connections.Value()
		m.connTable.SetRows(connectionRows(m.conns.Connections))
		return waitForUpdate(source, m.connections.Updates())
	case sourceLogs:
		m.logView.SetContent(renderLogLines(m.logs.Recent(m.logBuffer), m.logBuffer))
		return waitForUpdate(source, m.logs.Updates())
	}
	return nil
}

func (m *Model) updateDimensions() {
	inner := max(20, m.width-2)
	// header, traffic panel, status bar and two panel borders
	rest := max(4, m.height-1-4-1-4)
	connHeight := rest * 55 / 100
	logHeight := rest - connHeight

	m.connTable.SetColumns(connectionColumns(inner))
	m.connTable.SetWidth(inner)
	m.connTable.SetHeight(max(2, connHeight))
	m.logView.Width = inner
	m.logView.Height = max(1, logHeight)
}

// View renders the dashboard.
func (m Model) View() string {
	width := max(20, m.width)
	header := headerStyle.Render("proxyscope") + "  " + hintStyle.Render(m.backend) +
		"  " + hintStyle.Render("level: "+string(m.logs.Level()))

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.renderTraffic(width),
		m.renderConnections(width),
		m.renderLogs(width),
		renderStatusBar(m, width),
	)
}
