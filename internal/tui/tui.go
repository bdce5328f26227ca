// Package tui implements the live dashboard for a mihomo control API.
package tui

import (
	"context"
	"errors"
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/nupi-ai/proxyscope/internal/config/store"
	"github.com/nupi-ai/proxyscope/internal/telemetry"
)

// Stream is the part of a telemetry channel the dashboard needs regardless
// of its value type.
type Stream interface {
	Name() string
	State() telemetry.State
	Retries() int
	Stalled() bool
	Err() error
	Updates() <-chan struct{}
	Restart(ctx context.Context) error
	Close()
}

// TrafficSource is the traffic channel.
type TrafficSource interface {
	Stream
	Value() telemetry.Traffic
}

// ConnectionsSource is the connections channel.
type ConnectionsSource interface {
	Stream
	Value() telemetry.ConnectionTable
}

// LogSource is the log channel.
type LogSource interface {
	Stream
	Recent(limit int) []telemetry.LogLine
	Level() telemetry.Level
	SetLevel(ctx context.Context, level telemetry.Level) error
}

// TargetResolver reports the backend the channels currently resolve to.
type TargetResolver interface {
	Target(ctx context.Context) (*telemetry.Backend, error)
}

// Options wires started channels into the dashboard.
type Options struct {
	Backend string
	// Resolver, when set, names the backend shown after a selection change.
	Resolver    TargetResolver
	Traffic     TrafficSource
	Connections ConnectionsSource
	Logs        LogSource
	// LogBuffer caps how many log lines are rendered.
	LogBuffer int
	// BackendChanges, when set, restarts every channel on each event.
	BackendChanges <-chan store.ChangeEvent
}

// programRef is a shared reference to the tea.Program for goroutine sends.
// It's set after tea.NewProgram but before p.Run().
type programRef struct {
	mu sync.Mutex
	p  *tea.Program
}

func (r *programRef) Set(p *tea.Program) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.p = p
}

func (r *programRef) Send(msg tea.Msg) {
	r.mu.Lock()
	p := r.p
	r.mu.Unlock()
	if p != nil {
		p.Send(msg)
	}
}

// Clear nils out the program reference, preventing post-exit sends.
func (r *programRef) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.p = nil
}

// Run shows the dashboard until the user quits or ctx is cancelled. The
// channels must already be started; they are closed on quit.
func Run(ctx context.Context, opts Options) error {
	ref := &programRef{}
	model := NewModel(ctx, opts)

	p := tea.NewProgram(
		model,
		tea.WithAltScreen(),
		tea.WithContext(ctx),
	)
	ref.Set(p)
	defer ref.Clear()

	if opts.BackendChanges != nil {
		go forwardBackendChanges(opts.BackendChanges, ref)
	}

	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) {
		return nil
	}
	return err
}

func forwardBackendChanges(changes <-chan store.ChangeEvent, ref *programRef) {
	for ev := range changes {
		if ev.Changed() {
			ref.Send(backendChangedMsg{current: ev.Snapshot.CurrentBackend})
		}
	}
}
