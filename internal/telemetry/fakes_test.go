package telemetry

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

var errRemoteClosed = errors.New("remote closed")

type fakeSocket struct {
	frames chan []byte
	remote chan struct{}
	closed chan struct{}

	closeOnce  sync.Once
	remoteOnce sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		frames: make(chan []byte, 16),
		remote: make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (s *fakeSocket) ReadMessage() ([]byte, error) {
	select {
	case payload := <-s.frames:
		return payload, nil
	case <-s.remote:
		return nil, errRemoteClosed
	case <-s.closed:
		return nil, io.EOF
	}
}

func (s *fakeSocket) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) send(payload string) {
	s.frames <- []byte(payload)
}

func (s *fakeSocket) dropRemote() {
	s.remoteOnce.Do(func() { close(s.remote) })
}

func (s *fakeSocket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// fakeDialer hands out a fresh fakeSocket per dial unless failing is set.
type fakeDialer struct {
	mu      sync.Mutex
	urls    []string
	sockets []*fakeSocket
	failing error
}

func (d *fakeDialer) Dial(ctx context.Context, rawURL string) (Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, rawURL)
	if d.failing != nil {
		return nil, d.failing
	}
	sock := newFakeSocket()
	d.sockets = append(d.sockets, sock)
	return sock, nil
}

func (d *fakeDialer) setFailing(err error) {
	d.mu.Lock()
	d.failing = err
	d.mu.Unlock()
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) url(i int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.urls[i]
}

func (d *fakeDialer) socket(i int) *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sockets[i]
}

func staticResolver(base, secret string) *Resolver {
	return NewResolver(BackendSourceFunc(func(context.Context) (*Backend, error) {
		return &Backend{URL: base, Secret: secret}, nil
	}))
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for connection event")
		return Event{}
	}
}

func expectNoEvent(t *testing.T, events <-chan Event) {
	t.Helper()
	select {
	case ev := <-events:
		t.Fatalf("unexpected event kind %d", ev.kind)
	case <-time.After(50 * time.Millisecond):
	}
}
