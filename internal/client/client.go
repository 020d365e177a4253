// Package client is a Go realtime client for the SNS gateway. It dials with
// the access_token cookie, dispatches server events to handlers, and keeps
// the receiver-side view (presence, typing, like counts) in a State.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/chirp/sns/internal/auth"
	"github.com/chirp/sns/internal/protocol"
)

// ErrClosed is returned by Send after the connection has gone away.
var ErrClosed = errors.New("client: connection closed")

// Metrics tracks per-connection traffic.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client is one realtime connection.
type Client struct {
	conn      net.Conn
	writeMu   sync.Mutex
	mu        sync.Mutex
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial connects to url presenting token as the access_token cookie. An empty
// token dials anonymously, which the gateway refuses. A refused handshake
// is returned as ws.StatusError carrying the HTTP status.
func Dial(ctx context.Context, url, token string) (*Client, error) {
	return DialWithHandlers(ctx, url, token, nil)
}

// DialWithHandlers is Dial with handlers registered before the read loop
// starts, so no event sent right after the handshake is missed.
func DialWithHandlers(ctx context.Context, url, token string, handlers map[string]func(json.RawMessage)) (*Client, error) {
	dialer := ws.Dialer{}
	if token != "" {
		cookie := (&http.Cookie{Name: auth.CookieName, Value: token}).String()
		dialer.Header = ws.HandshakeHeaderHTTP(http.Header{"Cookie": {cookie}})
	}

	start := time.Now()
	conn, br, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("client: dial: %w", err)
	}
	if br != nil {
		conn = bufferedConn{Conn: conn, r: br}
	}

	c := &Client{
		conn:     conn,
		handlers: make(map[string]func(json.RawMessage), len(handlers)),
		done:     make(chan struct{}),
	}
	for t, h := range handlers {
		c.handlers[t] = h
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// On registers a handler for a server event type, replacing any previous
// one. Handlers run on the read loop goroutine.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// Send writes a JSON message to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("client: marshal: %w", err)
	}

	c.writeMu.Lock()
	err = wsutil.WriteClientMessage(c.conn, ws.OpText, data)
	c.writeMu.Unlock()

	c.mu.Lock()
	if err != nil {
		c.metrics.Errors++
	} else {
		c.metrics.MessagesSent++
	}
	c.mu.Unlock()
	return err
}

// StartTyping sends typing:start with the current draft.
func (c *Client) StartTyping(draft string) error {
	return c.Send(protocol.TypingStartMsg{Type: protocol.TypeTypingStart, Content: &draft})
}

// StopTyping sends typing:stop.
func (c *Client) StopTyping() error {
	return c.Send(protocol.TypingStopMsg{Type: protocol.TypeTypingStop})
}

// RequestOnline asks for a fresh presence snapshot.
func (c *Client) RequestOnline() error {
	return c.Send(protocol.GetOnlineMsg{Type: protocol.TypeGetOnline})
}

// Join asks to receive events for room.
func (c *Client) Join(room string) error {
	return c.Send(protocol.JoinMsg{Type: protocol.TypeJoin, Room: room})
}

// Leave stops event delivery for room.
func (c *Client) Leave(room string) error {
	return c.Send(protocol.LeaveMsg{Type: protocol.TypeLeave, Room: room})
}

// Ping sends an application-level ping.
func (c *Client) Ping() error {
	return c.Send(protocol.PingMsg{Type: protocol.TypePing})
}

// Done is closed when the connection ends for any reason.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the read error that ended the connection, nil after Close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the connection. It is safe to call multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// bufferedConn drains frames the server sent right behind the handshake
// response before reading from the socket.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b bufferedConn) Read(p []byte) (int, error) {
	return b.r.Read(p)
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.err = err
				c.mu.Unlock()
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		handler := c.handlers[env.Type]
		c.mu.Unlock()

		if handler != nil {
			handler(env.Raw)
		}
	}
}
