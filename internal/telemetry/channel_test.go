package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func newTestOptions(dialer *fakeDialer, clk clock.Clock) Options {
	return Options{Dialer: dialer, Clock: clk}
}

func TestTrafficReplacesWholesale(t *testing.T) {
	t.Parallel()
	dialer := &fakeDialer{}
	ch := NewTraffic(staticResolver("http://127.0.0.1:9090", "s"), newTestOptions(dialer, clock.NewMock()))
	defer ch.Close()

	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "open", func() bool { return ch.State() == StateOpen })
	sock := dialer.socket(0)

	sock.send(`{"up":1,"down":2}`)
	waitFor(t, "first frame", func() bool { return ch.Value() == Traffic{Up: 1, Down: 2} })

	sock.send(`{"up":5,"down":5}`)
	waitFor(t, "second frame", func() bool { return ch.Value() == Traffic{Up: 5, Down: 5} })
}

func TestConnectionsReplacesWholesale(t *testing.T) {
	t.Parallel()
	dialer := &fakeDialer{}
	ch := NewConnections(staticResolver("http://127.0.0.1:9090", "s"), newTestOptions(dialer, clock.NewMock()))
	defer ch.Close()

	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "open", func() bool { return ch.State() == StateOpen })
	sock := dialer.socket(0)

	sock.send(`{"downloadTotal":10,"uploadTotal":20,"connections":[
		{"id":"a","metadata":{"network":"tcp","host":"example.com","destinationPort":"443"},"upload":1,"download":2,
		 "start":"2024-05-01T10:00:00.123456789+08:00","chains":["HK-01","Proxy"],"rule":"DomainSuffix","rulePayload":"example.com"},
		{"id":"b","metadata":{"network":"udp","destinationIP":"1.1.1.1","destinationPort":"53"},"upload":0,"download":0,
		 "start":"2024-05-01T10:00:01Z","chains":["DIRECT"],"rule":"Match","rulePayload":""}
	]}`)
	waitFor(t, "first table", func() bool { return len(ch.Value().Connections) == 2 })

	first := ch.Value()
	if first.DownloadTotal != 10 || first.UploadTotal != 20 {
		t.Fatalf("totals = %d/%d", first.DownloadTotal, first.UploadTotal)
	}
	if got := first.Connections[0].Metadata.Target(); got != "example.com:443" {
		t.Fatalf("Target() = %q", got)
	}
	if got := first.Connections[1].Metadata.Target(); got != "1.1.1.1:53" {
		t.Fatalf("Target() = %q", got)
	}
	if first.Connections[0].Start.IsZero() || first.Connections[0].Chains[1] != "Proxy" {
		t.Fatalf("connection decoded as %+v", first.Connections[0])
	}

	sock.send(`{"downloadTotal":11,"uploadTotal":21,"connections":[]}`)
	waitFor(t, "second table", func() bool { return ch.Value().DownloadTotal == 11 })
	if n := len(ch.Value().Connections); n != 0 {
		t.Fatalf("connections = %d, want 0 (no merge)", n)
	}
}

func TestLogsPresentNewestFirst(t *testing.T) {
	t.Parallel()
	dialer := &fakeDialer{}
	mock := clock.NewMock()
	logs, err := NewLogs(staticResolver("http://127.0.0.1:9090", "s"), LevelInfo, newTestOptions(dialer, mock))
	if err != nil {
		t.Fatalf("NewLogs: %v", err)
	}
	defer logs.Close()

	if err := logs.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "open", func() bool { return logs.State() == StateOpen })
	sock := dialer.socket(0)

	sock.send(`{"type":"info","payload":"A"}`)
	waitFor(t, "A", func() bool { return len(logs.Value()) == 1 })
	mock.Add(time.Second)
	sock.send(`{"type":"warning","payload":"B"}`)
	waitFor(t, "B", func() bool { return len(logs.Value()) == 2 })

	lines := logs.Value()
	if lines[0].Payload != "B" || lines[1].Payload != "A" {
		t.Fatalf("order = [%s %s], want [B A]", lines[0].Payload, lines[1].Payload)
	}
	if lines[0].Level != LevelWarning {
		t.Fatalf("level = %q", lines[0].Level)
	}
	if !lines[0].ReceivedAt.After(lines[1].ReceivedAt) {
		t.Fatalf("receipt timestamps not stamped from clock: %v vs %v", lines[0].ReceivedAt, lines[1].ReceivedAt)
	}
	if recent := logs.Recent(1); len(recent) != 1 || recent[0].Payload != "B" {
		t.Fatalf("Recent(1) = %+v", recent)
	}
}

func TestAppendLogsFoldIsLinear(t *testing.T) {
	t.Parallel()
	fold := appendLogs(clock.NewMock())
	payload := []byte(`{"type":"debug","payload":"x"}`)

	const frames = 200_000
	var (
		lines []LogLine
		err   error
	)
	start := time.Now()
	for i := 0; i < frames; i++ {
		if lines, err = fold(lines, payload); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
	}
	// Copying the whole history per frame takes minutes at this size.
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("folding %d frames took %s", frames, elapsed)
	}
	if len(lines) != frames {
		t.Fatalf("lines = %d", len(lines))
	}

	snapshot := lines
	if lines, err = fold(lines, []byte(`{"type":"error","payload":"last"}`)); err != nil {
		t.Fatal(err)
	}
	if len(snapshot) != frames || snapshot[frames-1].Payload != "x" {
		t.Fatal("fold changed a previously returned value")
	}
	if got := newestFirst(lines, 2); got[0].Payload != "last" || got[1].Payload != "x" {
		t.Fatalf("newestFirst = %+v", got)
	}
}

func TestLogLevelChangeReconnectsImmediately(t *testing.T) {
	t.Parallel()
	dialer := &fakeDialer{}
	mock := clock.NewMock()
	logs, err := NewLogs(staticResolver("http://127.0.0.1:9090", "s"), LevelInfo, newTestOptions(dialer, mock))
	if err != nil {
		t.Fatalf("NewLogs: %v", err)
	}
	defer logs.Close()

	if err := logs.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "open", func() bool { return logs.State() == StateOpen })
	first := dialer.socket(0)

	if err := logs.SetLevel(context.Background(), LevelDebug); err != nil {
		t.Fatalf("SetLevel: %v", err)
	}
	// The clock is never advanced: the new socket must not wait for backoff.
	waitFor(t, "reopen", func() bool { return logs.State() == StateOpen && dialer.dials() == 2 })

	if !first.isClosed() {
		t.Fatal("previous socket left open")
	}
	if dialer.socket(1).isClosed() {
		t.Fatal("new socket closed")
	}
	u, err := url.Parse(dialer.url(1))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := u.Query().Get("level"); got != "debug" {
		t.Fatalf("level param = %q, want debug", got)
	}
	if logs.Level() != LevelDebug {
		t.Fatalf("Level() = %q", logs.Level())
	}
	if logs.Retries() != 0 {
		t.Fatalf("retries = %d, want 0", logs.Retries())
	}

	// Give any stray reconnect a chance to show up.
	time.Sleep(50 * time.Millisecond)
	if dialer.dials() != 2 {
		t.Fatalf("dials = %d, want exactly 2", dialer.dials())
	}

	// Frames on the new socket still fold.
	dialer.socket(1).send(`{"type":"debug","payload":"after"}`)
	waitFor(t, "frame after level change", func() bool {
		lines := logs.Value()
		return len(lines) > 0 && lines[0].Payload == "after"
	})
}

func TestLogSetLevelValidation(t *testing.T) {
	t.Parallel()
	dialer := &fakeDialer{}
	logs, err := NewLogs(staticResolver("http://127.0.0.1:9090", "s"), LevelWarning, newTestOptions(dialer, clock.NewMock()))
	if err != nil {
		t.Fatalf("NewLogs: %v", err)
	}
	defer logs.Close()

	if err := logs.SetLevel(context.Background(), Level("loud")); err == nil {
		t.Fatal("SetLevel accepted unknown level")
	}
	if err := logs.SetLevel(context.Background(), LevelWarning); err != nil {
		t.Fatalf("SetLevel same level: %v", err)
	}
	if dialer.dials() != 0 {
		t.Fatalf("same-level SetLevel dialed %d times", dialer.dials())
	}
	if _, err := NewLogs(nil, Level("nope"), Options{}); err == nil {
		t.Fatal("NewLogs accepted unknown level")
	}
}

func TestChannelReconnectsAfterRemoteClose(t *testing.T) {
	t.Parallel()
	dialer := &fakeDialer{}
	mock := clock.NewMock()
	ch := NewTraffic(staticResolver("http://127.0.0.1:9090", "s"), newTestOptions(dialer, mock))
	defer ch.Close()

	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "open", func() bool { return ch.State() == StateOpen })

	dialer.socket(0).dropRemote()
	waitFor(t, "closed with retry armed", func() bool { return ch.State() == StateClosed && ch.Retries() == 1 })

	mock.Add(time.Millisecond) // first retry waits 0s
	waitFor(t, "reopen", func() bool { return ch.State() == StateOpen && dialer.dials() == 2 })
	if ch.Retries() != 0 {
		t.Fatalf("retries = %d after reopen", ch.Retries())
	}
}

func TestChannelStallsAfterMaxRetries(t *testing.T) {
	t.Parallel()
	dialer := &fakeDialer{}
	dialer.setFailing(errors.New("connection refused"))
	mock := clock.NewMock()
	ch := NewTraffic(staticResolver("http://127.0.0.1:9090", "s"), Options{Dialer: dialer, Clock: mock, MaxRetries: 3})
	defer ch.Close()

	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for attempt := 1; attempt <= 3; attempt++ {
		waitFor(t, "retry armed", func() bool { return ch.Retries() == attempt && ch.State() == StateClosed })
		mock.Add(time.Duration(attempt) * time.Second)
		waitFor(t, "retry dialed", func() bool { return dialer.dials() == attempt+1 })
	}
	waitFor(t, "stalled", ch.Stalled)

	mock.Add(time.Hour)
	time.Sleep(50 * time.Millisecond)
	if dialer.dials() != 4 {
		t.Fatalf("dials = %d, want 4", dialer.dials())
	}

	// An explicit restart revives the channel with a fresh budget.
	dialer.setFailing(nil)
	if err := ch.Restart(context.Background()); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	waitFor(t, "open after restart", func() bool { return ch.State() == StateOpen })
	if ch.Stalled() {
		t.Fatal("still stalled after restart")
	}
}

func TestChannelCloseCancelsPendingBackoff(t *testing.T) {
	t.Parallel()
	dialer := &fakeDialer{}
	dialer.setFailing(errors.New("connection refused"))
	mock := clock.NewMock()
	ch := NewTraffic(staticResolver("http://127.0.0.1:9090", "s"), newTestOptions(dialer, mock))

	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "retry armed", func() bool { return ch.Retries() == 1 && ch.State() == StateClosed })

	ch.Close()
	mock.Add(time.Minute)
	time.Sleep(50 * time.Millisecond)

	if dialer.dials() != 1 {
		t.Fatalf("dials = %d after close, want 1", dialer.dials())
	}
	if err := ch.Start(context.Background()); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("Start after Close = %v, want ErrChannelClosed", err)
	}
	ch.Close()
}

func TestChannelCloseStopsFolding(t *testing.T) {
	t.Parallel()
	dialer := &fakeDialer{}
	ch := NewTraffic(staticResolver("http://127.0.0.1:9090", "s"), newTestOptions(dialer, clock.NewMock()))

	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "open", func() bool { return ch.State() == StateOpen })
	sock := dialer.socket(0)

	ch.Close()
	if !sock.isClosed() {
		t.Fatal("socket still open after Close")
	}
	if ch.State() != StateClosed {
		t.Fatalf("state = %s", ch.State())
	}
	select {
	case sock.frames <- []byte(`{"up":9,"down":9}`):
	default:
	}
	time.Sleep(20 * time.Millisecond)
	if ch.Value() != (Traffic{}) {
		t.Fatalf("value changed after close: %+v", ch.Value())
	}
}

func TestChannelDropsMalformedFrames(t *testing.T) {
	t.Parallel()
	dialer := &fakeDialer{}
	ch := NewTraffic(staticResolver("http://127.0.0.1:9090", "s"), newTestOptions(dialer, clock.NewMock()))
	defer ch.Close()

	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "open", func() bool { return ch.State() == StateOpen })
	sock := dialer.socket(0)

	sock.send(`{"up":3,"down":4}`)
	waitFor(t, "valid frame", func() bool { return ch.Value().Up == 3 })

	for _, bad := range []string{`not json`, `{"up":"fast"}`, `{"foo":1}`, `null`} {
		sock.send(bad)
	}
	waitFor(t, "drops counted", func() bool { return ch.DroppedFrames() == 4 })

	if got := ch.Value(); got != (Traffic{Up: 3, Down: 4}) {
		t.Fatalf("value = %+v after malformed frames", got)
	}
	if ch.State() != StateOpen {
		t.Fatalf("state = %s after malformed frames", ch.State())
	}
	if ch.Retries() != 0 || dialer.dials() != 1 {
		t.Fatalf("malformed frames affected connection: retries=%d dials=%d", ch.Retries(), dialer.dials())
	}
}

func TestChannelStartConfigurationError(t *testing.T) {
	t.Parallel()
	dialer := &fakeDialer{}
	ch := NewTraffic(NewResolver(BackendSourceFunc(func(context.Context) (*Backend, error) {
		return &Backend{URL: "http://127.0.0.1:9090"}, nil
	})), newTestOptions(dialer, clock.NewMock()))
	defer ch.Close()

	err := ch.Start(context.Background())
	if !errors.Is(err, ErrBackendSecretMissing) {
		t.Fatalf("Start error = %v, want ErrBackendSecretMissing", err)
	}
	time.Sleep(20 * time.Millisecond)
	if dialer.dials() != 0 || ch.Retries() != 0 || ch.State() != StateClosed {
		t.Fatalf("configuration error triggered a connection attempt: dials=%d retries=%d state=%s",
			dialer.dials(), ch.Retries(), ch.State())
	}
}

func TestChannelUpdatesSignal(t *testing.T) {
	t.Parallel()
	dialer := &fakeDialer{}
	ch := NewTraffic(staticResolver("http://127.0.0.1:9090", "s"), newTestOptions(dialer, clock.NewMock()))
	defer ch.Close()

	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-ch.Updates():
	case <-time.After(2 * time.Second):
		t.Fatal("no update after start")
	}
	snap := ch.Snapshot()
	if snap.State != StateConnecting && snap.State != StateOpen {
		t.Fatalf("snapshot state = %s", snap.State)
	}
}

func TestChannelSurfacesResolutionFailureOnReconnect(t *testing.T) {
	t.Parallel()
	dialer := &fakeDialer{}
	mock := clock.NewMock()
	var removed atomic.Bool
	resolver := NewResolver(BackendSourceFunc(func(context.Context) (*Backend, error) {
		if removed.Load() {
			return nil, nil
		}
		return &Backend{URL: "http://127.0.0.1:9090", Secret: "s"}, nil
	}))
	ch := NewTraffic(resolver, newTestOptions(dialer, mock))
	defer ch.Close()

	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "open", func() bool { return ch.State() == StateOpen })

	removed.Store(true)
	dialer.socket(0).dropRemote()
	waitFor(t, "retry armed", func() bool { return ch.State() == StateClosed && ch.Retries() == 1 })
	for len(ch.Updates()) > 0 {
		<-ch.Updates()
	}

	mock.Add(time.Millisecond)
	select {
	case <-ch.Updates():
	case <-time.After(2 * time.Second):
		t.Fatal("no update after failed reconnect")
	}
	waitFor(t, "error recorded", func() bool { return ch.Err() != nil })
	if !errors.Is(ch.Err(), ErrNoBackendConfigured) {
		t.Fatalf("Err() = %v, want ErrNoBackendConfigured", ch.Err())
	}
	if snap := ch.Snapshot(); !errors.Is(snap.Err, ErrNoBackendConfigured) || snap.State != StateClosed {
		t.Fatalf("snapshot = %+v", snap)
	}
	if dialer.dials() != 1 {
		t.Fatalf("dials = %d, want 1", dialer.dials())
	}

	removed.Store(false)
	if err := ch.Restart(context.Background()); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	waitFor(t, "open after restart", func() bool { return ch.State() == StateOpen })
	if ch.Err() != nil {
		t.Fatalf("Err() = %v after successful restart", ch.Err())
	}
}

func TestChannelCloseReleasesLateDials(t *testing.T) {
	t.Parallel()

	for i := 0; i < 50; i++ {
		ch := NewTraffic(staticResolver("http://127.0.0.1:9090", "s"), newTestOptions(&fakeDialer{}, clock.NewMock()))
		sock := newFakeSocket()
		start := make(chan struct{})
		go func() {
			<-start
			ch.post(Event{kind: eventDialed, gen: 1, socket: sock})
		}()
		close(start)
		ch.Close()
		waitFor(t, fmt.Sprintf("late socket %d closed", i), sock.isClosed)
	}
}
