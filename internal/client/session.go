package client

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gobwas/ws"
)

// ReconnectDelay is the pause between a lost connection and the next dial.
const ReconnectDelay = 5 * time.Second

// Session keeps a realtime connection open, redialing after ReconnectDelay
// whenever it drops, and feeds every connection into one State. After each
// connect it asks for a presence snapshot.
type Session struct {
	URL   string
	Token string
	State *State

	// Delay overrides ReconnectDelay when non-zero.
	Delay time.Duration
	// OnConnect, when set, runs after each successful dial.
	OnConnect func(*Client)

	mu      sync.Mutex
	current *Client
}

// ErrUnauthorized is returned by Run when the gateway refuses the
// credential. Redialing with the same token cannot succeed.
var ErrUnauthorized = errors.New("client: unauthorized")

// Run dials and redials until ctx is cancelled or the credential is refused.
func (s *Session) Run(ctx context.Context) error {
	delay := s.Delay
	if delay <= 0 {
		delay = ReconnectDelay
	}

	for {
		c, err := DialWithHandlers(ctx, s.URL, s.Token, s.State.Handlers())
		if err != nil {
			var status ws.StatusError
			if errors.As(err, &status) && int(status) == 401 {
				return ErrUnauthorized
			}
			log.Printf("[client] dial failed: %v (retrying in %s)", err, delay)
		} else {
			s.serve(ctx, c)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// serve runs one connection until it drops or ctx ends.
func (s *Session) serve(ctx context.Context, c *Client) {
	s.mu.Lock()
	s.current = c
	s.mu.Unlock()
	s.State.SetRefresh(func() { _ = c.RequestOnline() })

	defer func() {
		s.mu.Lock()
		s.current = nil
		s.mu.Unlock()
		s.State.Reset()
	}()

	_ = c.RequestOnline()
	if s.OnConnect != nil {
		s.OnConnect(c)
	}

	select {
	case <-ctx.Done():
		c.Close()
	case <-c.Done():
		if err := c.Err(); err != nil {
			log.Printf("[client] connection lost: %v", err)
		}
	}
}

// Client returns the live connection, or nil while reconnecting.
func (s *Session) Client() *Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Typist turns keystrokes into typing signals: the first keystroke sends
// typing:start and TypingTimeout without input sends typing:stop.
type Typist struct {
	send func(start bool, draft string) error
	idle time.Duration

	mu     sync.Mutex
	typing bool
	gen    uint64 // bumped by every keystroke; stale timers compare against it
	timer  *time.Timer
}

// NewTypist sends through c.
func NewTypist(c *Client) *Typist {
	return newTypist(func(start bool, draft string) error {
		if start {
			return c.StartTyping(draft)
		}
		return c.StopTyping()
	}, TypingTimeout)
}

func newTypist(send func(bool, string) error, idle time.Duration) *Typist {
	return &Typist{send: send, idle: idle}
}

// Keystroke records input with the current draft.
func (t *Typist) Keystroke(draft string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.gen++
	if t.timer != nil {
		t.timer.Stop()
	}
	gen := t.gen
	t.timer = time.AfterFunc(t.idle, func() { t.expire(gen) })

	if t.typing {
		return nil
	}
	t.typing = true
	return t.send(true, draft)
}

// Done stops typing immediately, as on submit.
func (t *Typist) Done() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if !t.typing {
		return nil
	}
	t.typing = false
	return t.send(false, "")
}

func (t *Typist) expire(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen || !t.typing {
		return
	}
	t.typing = false
	t.timer = nil
	_ = t.send(false, "")
}
