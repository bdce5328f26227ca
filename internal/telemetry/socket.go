package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nupi-ai/proxyscope/internal/version"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	closeWriteTimeout       = 2 * time.Second
)

// Socket is one established duplex connection.
type Socket interface {
	// ReadMessage blocks until the next frame arrives or the socket fails.
	ReadMessage() ([]byte, error)
	// Close performs an orderly close. It is safe to call more than once.
	Close() error
}

// Dialer opens sockets. Dial must honour ctx cancellation.
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Socket, error)
}

// WebsocketDialer dials the control API with gorilla/websocket.
type WebsocketDialer struct {
	dialer *websocket.Dialer
}

// NewWebsocketDialer returns a dialer with the given handshake timeout
// (10s when zero).
func NewWebsocketDialer(handshakeTimeout time.Duration) *WebsocketDialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}
	return &WebsocketDialer{
		dialer: &websocket.Dialer{
			Proxy:             http.ProxyFromEnvironment,
			HandshakeTimeout:  handshakeTimeout,
			EnableCompression: true,
		},
	}
}

// Dial implements Dialer. The token query parameter is mirrored into an
// Authorization header for daemons that only read the header.
func (d *WebsocketDialer) Dial(ctx context.Context, rawURL string) (Socket, error) {
	header := http.Header{}
	header.Set("User-Agent", version.UserAgent())
	if u, err := url.Parse(rawURL); err == nil {
		if token := u.Query().Get(tokenParam); token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}

	conn, resp, err := d.dialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return &wsSocket{conn: conn}, nil
}

type wsSocket struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

func (s *wsSocket) ReadMessage() ([]byte, error) {
	_, payload, err := s.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (s *wsSocket) Close() error {
	s.closeOnce.Do(func() {
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWriteTimeout),
		)
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

func isNormalClose(err error) bool {
	if err == nil {
		return true
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return true
	}
	return false
}
