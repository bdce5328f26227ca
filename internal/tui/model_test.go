package tui

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/nupi-ai/proxyscope/internal/telemetry"
)

type fakeStream struct {
	name    string
	updates chan struct{}

	mu       sync.Mutex
	state    telemetry.State
	retries  int
	stalled  bool
	restarts int
	closed   int
	err      error
	failure  error
}

func newFakeStream(name string) *fakeStream {
	return &fakeStream{name: name, updates: make(chan struct{}, 1), state: telemetry.StateOpen}
}

func (s *fakeStream) Name() string { return s.name }

func (s *fakeStream) State() telemetry.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeStream) Retries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries
}

func (s *fakeStream) Stalled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stalled
}

func (s *fakeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

func (s *fakeStream) Updates() <-chan struct{} { return s.updates }

func (s *fakeStream) Restart(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restarts++
	return s.err
}

func (s *fakeStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
}

type fakeTraffic struct {
	*fakeStream
	value telemetry.Traffic
}

func (f *fakeTraffic) Value() telemetry.Traffic { return f.value }

type fakeConnections struct {
	*fakeStream
	value telemetry.ConnectionTable
}

func (f *fakeConnections) Value() telemetry.ConnectionTable { return f.value }

type fakeLogs struct {
	*fakeStream
	lines  []telemetry.LogLine
	level  telemetry.Level
	setErr error
	sets   []telemetry.Level
}

func (f *fakeLogs) Level() telemetry.Level { return f.level }

func (f *fakeLogs) Recent(limit int) []telemetry.LogLine {
	if limit >= 0 && limit < len(f.lines) {
		return f.lines[:limit]
	}
	return f.lines
}

type fakeResolver struct {
	url string
	err error
}

func (r fakeResolver) Target(context.Context) (*telemetry.Backend, error) {
	if r.err != nil {
		return nil, r.err
	}
	return &telemetry.Backend{URL: r.url, Secret: "s"}, nil
}

func (f *fakeLogs) SetLevel(_ context.Context, level telemetry.Level) error {
	f.sets = append(f.sets, level)
	if f.setErr != nil {
		return f.setErr
	}
	f.level = level
	return nil
}

type harness struct {
	model       Model
	traffic     *fakeTraffic
	connections *fakeConnections
	logs        *fakeLogs
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, nil)
}

func newHarnessWith(t *testing.T, resolver TargetResolver) *harness {
	t.Helper()
	h := &harness{
		traffic:     &fakeTraffic{fakeStream: newFakeStream("traffic")},
		connections: &fakeConnections{fakeStream: newFakeStream("connections")},
		logs:        &fakeLogs{fakeStream: newFakeStream("logs"), level: telemetry.LevelInfo},
	}
	h.model = NewModel(context.Background(), Options{
		Backend:     "http://127.0.0.1:9090",
		Resolver:    resolver,
		Traffic:     h.traffic,
		Connections: h.connections,
		Logs:        h.logs,
		LogBuffer:   2,
	})
	h.send(t, tea.WindowSizeMsg{Width: 160, Height: 40})
	return h
}

func (h *harness) send(t *testing.T, msg tea.Msg) tea.Cmd {
	t.Helper()
	next, cmd := h.model.Update(msg)
	m, ok := next.(Model)
	if !ok {
		t.Fatalf("Update returned %T", next)
	}
	h.model = m
	return cmd
}

// runBatch executes cmd, expanding a tea.Batch, and feeds every resulting
// message back into the model.
func (h *harness) runBatch(t *testing.T, cmd tea.Cmd) {
	t.Helper()
	if cmd == nil {
		return
	}
	msg := cmd()
	if batch, ok := msg.(tea.BatchMsg); ok {
		for _, c := range batch {
			h.runBatch(t, c)
		}
		return
	}
	if msg != nil {
		h.send(t, msg)
	}
}

func runeKey(r rune) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}}
}

func TestTrafficUpdateRendersRates(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.traffic.value = telemetry.Traffic{Up: 1500, Down: 2_000_000}
	if cmd := h.send(t, updateMsg{source: sourceTraffic}); cmd == nil {
		t.Fatal("refresh must re-subscribe to updates")
	}
	h.traffic.value = telemetry.Traffic{Up: 10, Down: 20}
	h.send(t, updateMsg{source: sourceTraffic})

	view := h.model.View()
	for _, want := range []string{"10 B/s", "20 B/s", "1.5 kB/s", "2.0 MB/s"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestConnectionsUpdateFillsTable(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.connections.value = telemetry.ConnectionTable{
		DownloadTotal: 5000,
		Connections: []telemetry.Connection{
			{ID: "a", Metadata: telemetry.ConnectionMetadata{Network: "tcp", Host: "small.example", DestinationPort: "443"}, Download: 10},
			{ID: "b", Metadata: telemetry.ConnectionMetadata{Network: "udp", Host: "busy.example", DestinationPort: "443"}, Download: 9000, Chains: []string{"hk-01"}, Rule: "Match"},
		},
	}
	h.send(t, updateMsg{source: sourceConnections})

	rows := h.model.connTable.Rows()
	if len(rows) != 2 {
		t.Fatalf("rows = %d", len(rows))
	}
	if !strings.HasPrefix(rows[0][0], "busy.example") {
		t.Fatalf("busiest connection not first: %v", rows[0])
	}
	if !strings.Contains(h.model.View(), "2 active") {
		t.Fatal("view missing connection count")
	}
}

func TestRenderLogLinesTrimsToBuffer(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	lines := []telemetry.LogLine{
		{Level: telemetry.LevelError, Payload: "newest", ReceivedAt: at},
		{Level: telemetry.LevelInfo, Payload: "middle", ReceivedAt: at},
		{Level: telemetry.LevelInfo, Payload: "oldest", ReceivedAt: at},
	}

	out := renderLogLines(lines, 2)
	if !strings.Contains(out, "newest") || !strings.Contains(out, "middle") {
		t.Fatalf("missing recent lines: %q", out)
	}
	if strings.Contains(out, "oldest") {
		t.Fatalf("buffer limit ignored: %q", out)
	}
	if strings.Index(out, "newest") > strings.Index(out, "middle") {
		t.Fatalf("lines out of order: %q", out)
	}
}

func TestLevelKeyCyclesLogLevel(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	cmd := h.send(t, runeKey('l'))
	if cmd == nil {
		t.Fatal("expected a level command")
	}
	msg := cmd()
	changed, ok := msg.(levelChangedMsg)
	if !ok {
		t.Fatalf("msg = %T", msg)
	}
	if changed.level != telemetry.LevelWarning || len(h.logs.sets) != 1 {
		t.Fatalf("SetLevel calls = %v", h.logs.sets)
	}
	h.send(t, changed)
	if !strings.Contains(h.model.View(), "level: warning") {
		t.Fatal("header does not show new level")
	}

	h.logs.setErr = telemetry.ErrNoBackendConfigured
	h.send(t, h.send(t, runeKey('l'))())
	if !errors.Is(h.model.err, telemetry.ErrNoBackendConfigured) {
		t.Fatalf("err = %v", h.model.err)
	}
}

func TestRestartKeyRestartsEveryChannel(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	cmd := h.send(t, runeKey('r'))
	if cmd == nil {
		t.Fatal("expected restart command")
	}
	h.send(t, cmd())
	for _, s := range []*fakeStream{h.traffic.fakeStream, h.connections.fakeStream, h.logs.fakeStream} {
		if s.restarts != 1 {
			t.Errorf("%s restarts = %d", s.name, s.restarts)
		}
	}
	if h.model.err != nil {
		t.Fatalf("err = %v", h.model.err)
	}
}

func TestBackendChangeRestartsChannels(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.traffic.value = telemetry.Traffic{Up: 100, Down: 100}
	h.send(t, updateMsg{source: sourceTraffic})

	cmd := h.send(t, backendChangedMsg{current: "http://10.0.0.2:9090"})
	if cmd == nil {
		t.Fatal("expected restart command")
	}
	cmd()
	if h.traffic.restarts != 1 || h.logs.restarts != 1 {
		t.Fatalf("restarts traffic=%d logs=%d", h.traffic.restarts, h.logs.restarts)
	}
	if h.model.backend != "http://10.0.0.2:9090" || h.model.peak != (telemetry.Traffic{}) {
		t.Fatalf("model not reset: backend=%s peak=%+v", h.model.backend, h.model.peak)
	}
}

func TestBackendChangeShowsResolvedTarget(t *testing.T) {
	t.Parallel()
	// An environment override wins over the stored selection.
	h := newHarnessWith(t, fakeResolver{url: "http://override:9090"})

	h.runBatch(t, h.send(t, backendChangedMsg{current: "http://10.0.0.2:9090"}))
	if h.model.backend != "http://override:9090" {
		t.Fatalf("backend = %q, want the resolved target", h.model.backend)
	}
	if h.traffic.restarts != 1 || h.connections.restarts != 1 || h.logs.restarts != 1 {
		t.Fatal("channels not restarted")
	}
	if !strings.Contains(h.model.View(), "http://override:9090") {
		t.Fatal("header does not name the resolved backend")
	}

	h = newHarnessWith(t, fakeResolver{err: telemetry.ErrNoBackendConfigured})
	h.runBatch(t, h.send(t, backendChangedMsg{}))
	if !errors.Is(h.model.err, telemetry.ErrNoBackendConfigured) {
		t.Fatalf("err = %v", h.model.err)
	}
	if h.model.backend != "http://127.0.0.1:9090" {
		t.Fatalf("backend = %q changed on resolution failure", h.model.backend)
	}
}

func TestQuitClosesChannels(t *testing.T) {
	t.Parallel()

	for _, k := range []tea.KeyMsg{runeKey('q'), {Type: tea.KeyCtrlC}} {
		h := newHarness(t)
		cmd := h.send(t, k)
		if cmd == nil {
			t.Fatalf("%s: expected quit command", k)
		}
		if _, ok := cmd().(tea.QuitMsg); !ok {
			t.Fatalf("%s: command is not tea.Quit", k)
		}
		if h.traffic.closed != 1 || h.connections.closed != 1 || h.logs.closed != 1 {
			t.Fatalf("%s: channels not closed before quitting", k)
		}
	}
}

func TestStatusBarShowsRetriesAndStall(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.traffic.state = telemetry.StateClosed
	h.traffic.retries = 3
	h.logs.state = telemetry.StateClosed
	h.logs.retries = 10
	h.logs.stalled = true

	bar := renderStatusBar(h.model, 200)
	if !strings.Contains(bar, "traffic: closed (retry 3)") {
		t.Errorf("status bar missing retry count: %q", bar)
	}
	if !strings.Contains(bar, "logs: closed STALLED") {
		t.Errorf("status bar missing stall: %q", bar)
	}
	if !strings.Contains(bar, "connections: open") {
		t.Errorf("status bar missing open state: %q", bar)
	}
}

func TestStatusBarShowsResolutionFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.connections.state = telemetry.StateClosed
	h.connections.retries = 1
	h.connections.failure = telemetry.ErrNoBackendConfigured

	bar := renderStatusBar(h.model, 240)
	if !strings.Contains(bar, "connections: closed FAILED") {
		t.Errorf("status bar missing failure: %q", bar)
	}
	if strings.Contains(bar, "(retry 1)") {
		t.Errorf("failed channel rendered as retrying: %q", bar)
	}
	if !strings.Contains(bar, "connections: telemetry: no backend configured") {
		t.Errorf("status bar missing failure reason: %q", bar)
	}
}

func TestWaitForUpdate(t *testing.T) {
	t.Parallel()
	ch := make(chan struct{}, 1)
	ch <- struct{}{}
	if msg := waitForUpdate(sourceLogs, ch)(); msg != (updateMsg{source: sourceLogs}) {
		t.Fatalf("msg = %v", msg)
	}
	close(ch)
	if msg := waitForUpdate(sourceLogs, ch)(); msg != nil {
		t.Fatalf("closed channel produced %v", msg)
	}
}
