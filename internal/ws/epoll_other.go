//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
)

// Epoll provides a goroutine-per-connection fallback for non-Linux platforms
// so the server runs on macOS and Windows during development. Each
// connection gets a monitor goroutine that peeks for pending data, reports
// the connection as ready, and then waits for Resume before peeking again.
type Epoll struct {
	mu      sync.Mutex
	resume  map[net.Conn]chan struct{}
	readyCh chan net.Conn // connections with pending data
	done    chan struct{}
	once    sync.Once
}

// peekConn buffers reads so the monitor can detect pending data without
// consuming bytes the frame reader needs.
type peekConn struct {
	net.Conn
	r *bufio.Reader
}

func (p *peekConn) Read(b []byte) (int, error) {
	return p.r.Read(b)
}

// NewEpoll creates a new fallback epoll instance.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		resume:  make(map[net.Conn]chan struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Wrap returns a buffered view of conn. The server must read through the
// returned connection and register it with Add.
func (e *Epoll) Wrap(conn net.Conn) net.Conn {
	if pc, ok := conn.(*peekConn); ok {
		return pc
	}
	return &peekConn{Conn: conn, r: bufio.NewReader(conn)}
}

// Add registers a connection returned by Wrap and starts its monitor.
func (e *Epoll) Add(conn net.Conn) error {
	pc, ok := conn.(*peekConn)
	if !ok {
		pc = e.Wrap(conn).(*peekConn)
	}

	ch := make(chan struct{}, 1)
	e.mu.Lock()
	e.resume[conn] = ch
	e.mu.Unlock()

	go e.monitor(conn, pc, ch)
	return nil
}

// monitor reports conn as ready whenever data (or an error) is pending, then
// blocks until the worker calls Resume or the connection is removed.
func (e *Epoll) monitor(conn net.Conn, pc *peekConn, resume <-chan struct{}) {
	for {
		// Errors are reported as readiness too; the server's read path
		// detects the closure.
		_, _ = pc.r.Peek(1)

		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}

		select {
		case _, ok := <-resume:
			if !ok {
				return
			}
		case <-e.done:
			return
		}
	}
}

// Resume lets the monitor of conn peek again.
func (e *Epoll) Resume(conn net.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.resume[conn]
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Remove unregisters a connection and stops its monitor.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.resume[conn]; ok {
		close(ch)
		delete(e.resume, conn)
	}
	return nil
}

// Wait blocks until at least one connection is ready and returns every
// connection that is ready at that moment.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback epoll instance.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	return nil
}

// socketFD is not available on the fallback path.
func socketFD(conn net.Conn) int {
	return -1
}
