package telemetry

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
)

const eventBuffer = 64

// ErrChannelClosed is returned by operations on a channel after Close.
var ErrChannelClosed = errors.New("telemetry: channel closed")

// FoldFunc merges one raw frame into the previous value. A returned error
// marks the frame as malformed; it is dropped and the value is left unchanged.
// Implementations must not modify what prev already holds; appending past its
// length is allowed.
type FoldFunc[T any] func(prev T, payload []byte) (T, error)

// Options configures a channel adapter. Zero values select defaults.
type Options = ConnOptions

// Snapshot is a consistent view of a channel for rendering.
type Snapshot[T any] struct {
	Value   T      `json:"value"`
	State   State  `json:"state"`
	Retries int    `json:"retries"`
	Stalled bool   `json:"stalled"`
	Dropped uint64 `json:"dropped_frames"`
	Err     error  `json:"-"`
}

// Channel owns one persistent connection and the latest folded value of its
// stream. A single loop goroutine applies socket events, timer events and
// caller operations in order; readers get snapshots under a lock.
type Channel[T any] struct {
	name string
	conn *Conn
	fold FoldFunc[T]

	events   chan Event
	ops      chan func()
	done     chan struct{}
	loopDone chan struct{}
	updates  chan struct{}

	closeOnce sync.Once
	postMu    sync.Mutex
	sealed    bool

	mu       sync.RWMutex
	value    T
	state    State
	retries  int
	stalled  bool
	err      error
	endpoint Endpoint

	dropped atomic.Uint64
}

// NewChannel builds an adapter for endpoint and starts its loop. The
// connection is not opened until Start. Close must be called to release it.
func NewChannel[T any](resolver *Resolver, endpoint Endpoint, fold FoldFunc[T], opts Options) *Channel[T] {
	c := &Channel[T]{
		fold:     fold,
		events:   make(chan Event, eventBuffer),
		ops:      make(chan func()),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
		updates:  make(chan struct{}, 1),
		endpoint: endpoint,
	}
	opts = opts.withDefaults()
	c.name = opts.Name
	c.conn = NewConn(resolver, endpoint, c.post, opts)
	c.conn.SetHandler(c.handleMessage)

	go c.run()
	return c
}

// Name returns the channel name used in logs.
func (c *Channel[T]) Name() string { return c.name }

// Start opens the connection. Configuration errors are returned synchronously
// and are not retried.
func (c *Channel[T]) Start(ctx context.Context) error {
	return c.do(func() error {
		return c.conn.Open(ctx)
	})
}

// Reconfigure closes the current socket and opens a new one against endpoint
// immediately, without backoff.
func (c *Channel[T]) Reconfigure(ctx context.Context, endpoint Endpoint) error {
	return c.do(func() error {
		c.conn.Close()
		if err := c.conn.SetEndpoint(endpoint); err != nil {
			return err
		}
		c.mu.Lock()
		c.endpoint = endpoint
		c.mu.Unlock()
		return c.conn.Open(ctx)
	})
}

// Restart closes and reopens against the same endpoint with a fresh retry
// budget. It is the explicit way to revive a stalled channel or to pick up a
// changed backend.
func (c *Channel[T]) Restart(ctx context.Context) error {
	return c.do(func() error {
		c.conn.Close()
		c.conn.ResetRetries()
		return c.conn.Open(ctx)
	})
}

// Close tears the channel down: the socket is closed, any pending backoff timer
// is cancelled and the loop exits. After Close returns no frame is folded and
// no reconnect runs. Close is idempotent.
func (c *Channel[T]) Close() {
	c.closeOnce.Do(func() {
		_ = c.do(func() error {
			c.conn.Shutdown()
			return nil
		})
		close(c.done)
		<-c.loopDone
		c.seal()
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		c.notify()
	})
}

// Value returns the latest folded value.
func (c *Channel[T]) Value() T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value
}

// State returns the connection state.
func (c *Channel[T]) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Retries returns the failure-driven reconnect attempts since the last Open.
func (c *Channel[T]) Retries() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.retries
}

// Stalled reports whether the channel stopped reconnecting after exhausting
// its retries. Restart revives it.
func (c *Channel[T]) Stalled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stalled
}

// Err returns the configuration error that stopped the last reconnect, or
// nil. While it is set the channel stays closed until Restart succeeds.
func (c *Channel[T]) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Endpoint returns the endpoint currently in use.
func (c *Channel[T]) Endpoint() Endpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endpoint
}

// DroppedFrames counts frames discarded because they failed to decode.
func (c *Channel[T]) DroppedFrames() uint64 {
	return c.dropped.Load()
}

// Snapshot returns value and connection status together.
func (c *Channel[T]) Snapshot() Snapshot[T] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot[T]{
		Value:   c.value,
		State:   c.state,
		Retries: c.retries,
		Stalled: c.stalled,
		Dropped: c.dropped.Load(),
		Err:     c.err,
	}
}

// Updates signals after every folded frame and state change. Signals are
// coalesced; readers should re-read the snapshot on each receive.
func (c *Channel[T]) Updates() <-chan struct{} {
	return c.updates
}

func (c *Channel[T]) run() {
	defer close(c.loopDone)
	for {
		select {
		case <-c.done:
			return
		case op := <-c.ops:
			op()
			c.publishState()
		case ev := <-c.events:
			before := c.conn.State()
			c.conn.Handle(ev)
			if before != StateClosed && c.conn.State() == StateClosed {
				c.scheduleReconnect()
			}
			c.publishState()
		}
	}
}

func (c *Channel[T]) scheduleReconnect() {
	delay, ok := c.conn.Reconnect()
	switch {
	case ok:
		log.Printf("[Telemetry] %s/%s: reconnecting in %s (attempt %d)", c.name, c.conn.ID(), delay, c.conn.Retries())
	case c.conn.Stalled():
		log.Printf("[Telemetry] %s/%s: giving up after %d attempts", c.name, c.conn.ID(), c.conn.Retries())
	}
}

// do runs fn on the loop goroutine and waits for its result.
func (c *Channel[T]) do(fn func() error) error {
	result := make(chan error, 1)
	select {
	case c.ops <- func() { result <- fn() }:
	case <-c.done:
		return ErrChannelClosed
	}
	return <-result
}

func (c *Channel[T]) post(ev Event) {
	c.postMu.Lock()
	defer c.postMu.Unlock()
	if c.sealed {
		closeEventSocket(ev)
		return
	}
	select {
	case c.events <- ev:
	case <-c.done:
		closeEventSocket(ev)
	}
}

// seal stops further posts and closes sockets of dials that completed after
// the loop stopped reading events.
func (c *Channel[T]) seal() {
	c.postMu.Lock()
	defer c.postMu.Unlock()
	c.sealed = true
	for {
		select {
		case ev := <-c.events:
			closeEventSocket(ev)
		default:
			return
		}
	}
}

func closeEventSocket(ev Event) {
	if ev.socket != nil {
		_ = ev.socket.Close()
	}
}

func (c *Channel[T]) handleMessage(payload []byte) {
	c.mu.RLock()
	prev := c.value
	c.mu.RUnlock()

	next, err := c.fold(prev, payload)
	if err != nil {
		c.dropped.Add(1)
		return
	}

	c.mu.Lock()
	c.value = next
	c.mu.Unlock()
	c.notify()
}

func (c *Channel[T]) publishState() {
	state := c.conn.State()
	retries := c.conn.Retries()
	stalled := c.conn.Stalled()
	err := c.conn.Err()

	c.mu.Lock()
	changed := c.state != state || c.retries != retries || c.stalled != stalled || !sameError(c.err, err)
	c.state = state
	c.retries = retries
	c.stalled = stalled
	c.err = err
	c.mu.Unlock()

	if changed {
		c.notify()
	}
}

func sameError(a, b error) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Error() == b.Error()
}

func (c *Channel[T]) notify() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}
