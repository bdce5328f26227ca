package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

const (
	// DefaultMaxRetries caps failure-driven reconnect attempts.
	DefaultMaxRetries = 10
	// DefaultRetryInterval is the backoff unit; attempt n waits n units.
	DefaultRetryInterval = time.Second
)

// ErrConnShutdown is returned by Open after Shutdown.
var ErrConnShutdown = errors.New("telemetry: connection shut down")

type eventKind int

const (
	eventDialed eventKind = iota
	eventMessage
	eventClosed
	eventRetry
)

// Event is a socket or timer occurrence posted back to the goroutine that
// owns the Conn. Only Conn.Handle interprets it.
type Event struct {
	kind    eventKind
	gen     uint64
	socket  Socket
	payload []byte
	err     error
}

// ConnOptions configures a Conn. Zero values select defaults.
type ConnOptions struct {
	Name          string
	Dialer        Dialer
	Clock         clock.Clock
	RetryInterval time.Duration
	MaxRetries    int
}

func (o ConnOptions) withDefaults() ConnOptions {
	if o.Dialer == nil {
		o.Dialer = NewWebsocketDialer(0)
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.Name == "" {
		o.Name = "channel"
	}
	return o
}

// Conn is the persistent connection state machine for one channel:
// Connecting -> Open -> Closing -> Closed, with Closed -> Connecting only via
// Open. Conn is not safe for concurrent use; every method and Handle must run
// on the single goroutine that receives the events passed to post.
type Conn struct {
	id            string
	name          string
	resolver      *Resolver
	dialer        Dialer
	clock         clock.Clock
	post          func(Event)
	retryInterval time.Duration
	maxRetries    int

	endpoint   Endpoint
	state      State
	retries    int
	gen        uint64
	socket     Socket
	cancelDial context.CancelFunc
	timer      *clock.Timer
	retryGen   uint64
	handler    func([]byte)
	onState    func(State)
	alive      bool
	err        error
}

// NewConn builds a closed connection for endpoint. Socket and timer events are
// delivered through post and must be fed back into Handle.
func NewConn(resolver *Resolver, endpoint Endpoint, post func(Event), opts ConnOptions) *Conn {
	opts = opts.withDefaults()
	return &Conn{
		id:            uuid.NewString()[:8],
		name:          opts.Name,
		resolver:      resolver,
		dialer:        opts.Dialer,
		clock:         opts.Clock,
		post:          post,
		retryInterval: opts.RetryInterval,
		maxRetries:    opts.MaxRetries,
		endpoint:      endpoint,
		state:         StateClosed,
		alive:         true,
	}
}

// ID returns the short identifier used in log lines.
func (c *Conn) ID() string { return c.id }

// State returns the current connection state.
func (c *Conn) State() State { return c.state }

// Retries returns the failure-driven reconnect attempts since the last Open.
func (c *Conn) Retries() int { return c.retries }

// Endpoint returns the endpoint the next Open will resolve.
func (c *Conn) Endpoint() Endpoint { return c.endpoint }

// Err returns the resolution error from the last Open, or nil once an Open
// gets as far as dialing.
func (c *Conn) Err() error { return c.err }

// Pending reports whether a backoff timer is armed.
func (c *Conn) Pending() bool { return c.timer != nil }

// Stalled reports whether automatic reconnection has given up.
func (c *Conn) Stalled() bool {
	return c.state == StateClosed && c.timer == nil && c.retries >= c.maxRetries
}

// SetHandler registers the single message handler, replacing any previous one.
func (c *Conn) SetHandler(fn func([]byte)) { c.handler = fn }

// SetStateHook registers a callback invoked on every state transition.
func (c *Conn) SetStateHook(fn func(State)) { c.onState = fn }

// SetEndpoint replaces the endpoint. It is only permitted while Closed.
func (c *Conn) SetEndpoint(endpoint Endpoint) error {
	if c.state != StateClosed {
		return fmt.Errorf("telemetry: %s: endpoint change while %s", c.name, c.state)
	}
	c.endpoint = endpoint
	return nil
}

// ResetRetries clears the retry counter.
func (c *Conn) ResetRetries() { c.retries = 0 }

// Open resolves the endpoint and starts dialing. It is a no-op unless the
// connection is Closed. Resolution failures are returned without dialing;
// transport failures surface only as a transition to Closed.
func (c *Conn) Open(ctx context.Context) error {
	if !c.alive {
		return ErrConnShutdown
	}
	if c.state != StateClosed {
		return nil
	}

	rawURL, err := c.resolver.Resolve(ctx, c.endpoint.Path, c.endpoint.Params)
	if err != nil {
		c.err = err
		return err
	}
	c.err = nil

	c.stopTimer()
	c.gen++
	gen := c.gen
	dialCtx, cancel := context.WithCancel(context.Background())
	c.cancelDial = cancel
	c.setState(StateConnecting)

	go c.dial(dialCtx, gen, rawURL)
	return nil
}

// Close closes the socket, abandons an in-flight dial and cancels any pending
// backoff timer. Closing a closed connection is a no-op.
func (c *Conn) Close() {
	c.stopTimer()

	switch c.state {
	case StateConnecting:
		c.gen++
		c.releaseDial()
		c.setState(StateClosed)
	case StateOpen:
		c.setState(StateClosing)
		c.gen++
		sock := c.socket
		c.socket = nil
		if err := sock.Close(); err != nil && !isNormalClose(err) {
			log.Printf("[Telemetry] %s/%s: close socket: %v", c.name, c.id, err)
		}
		c.setState(StateClosed)
	}
}

// Reconnect arms the linear backoff timer: the next Open runs after
// retries*RetryInterval and the counter is incremented. It does nothing unless
// the connection is Closed with no timer armed and retries remain. It returns
// the scheduled delay and whether a retry was scheduled.
func (c *Conn) Reconnect() (time.Duration, bool) {
	if !c.alive || c.state != StateClosed || c.timer != nil {
		return 0, false
	}
	if c.retries >= c.maxRetries {
		return 0, false
	}

	delay := time.Duration(c.retries) * c.retryInterval
	c.retries++
	c.retryGen++
	gen := c.retryGen
	post := c.post
	c.timer = c.clock.AfterFunc(delay, func() {
		post(Event{kind: eventRetry, gen: gen})
	})
	return delay, true
}

// Shutdown closes the connection permanently; later timer events and Open
// calls are ignored.
func (c *Conn) Shutdown() {
	c.alive = false
	c.Close()
}

// Handle applies an event posted by a dial, read or timer goroutine. Events
// belonging to a superseded socket are discarded.
func (c *Conn) Handle(ev Event) {
	switch ev.kind {
	case eventDialed:
		if ev.gen != c.gen || c.state != StateConnecting {
			_ = ev.socket.Close()
			return
		}
		c.releaseDial()
		c.socket = ev.socket
		c.retries = 0
		c.setState(StateOpen)
		go c.read(ev.gen, ev.socket)

	case eventMessage:
		if ev.gen != c.gen || c.state != StateOpen {
			return
		}
		if c.handler != nil {
			c.handler(ev.payload)
		}

	case eventClosed:
		if ev.gen != c.gen || c.state == StateClosed {
			return
		}
		if !isNormalClose(ev.err) {
			log.Printf("[Telemetry] %s/%s: connection lost: %v", c.name, c.id, ev.err)
		}
		c.releaseDial()
		if c.socket != nil {
			_ = c.socket.Close()
			c.socket = nil
		}
		c.setState(StateClosed)

	case eventRetry:
		if ev.gen != c.retryGen || c.timer == nil {
			return
		}
		c.timer = nil
		if !c.alive {
			return
		}
		if err := c.Open(context.Background()); err != nil {
			log.Printf("[Telemetry] %s/%s: reconnect aborted: %v", c.name, c.id, err)
		}
	}
}

func (c *Conn) dial(ctx context.Context, gen uint64, rawURL string) {
	sock, err := c.dialer.Dial(ctx, rawURL)
	if err != nil {
		c.post(Event{kind: eventClosed, gen: gen, err: err})
		return
	}
	c.post(Event{kind: eventDialed, gen: gen, socket: sock})
}

func (c *Conn) read(gen uint64, sock Socket) {
	for {
		payload, err := sock.ReadMessage()
		if err != nil {
			c.post(Event{kind: eventClosed, gen: gen, err: err})
			return
		}
		c.post(Event{kind: eventMessage, gen: gen, payload: payload})
	}
}

func (c *Conn) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.retryGen++
}

func (c *Conn) releaseDial() {
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
}

func (c *Conn) setState(next State) {
	if c.state == next {
		return
	}
	c.state = next
	if c.onState != nil {
		c.onState(next)
	}
}
