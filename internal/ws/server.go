// Package ws handles the realtime transport: authenticating and upgrading
// HTTP connections, tracking open sessions and their broadcast rooms, and
// dispatching incoming frames to handlers on a bounded worker pool.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/chirp/sns/internal/auth"
	"github.com/chirp/sns/internal/metrics"
	"github.com/chirp/sns/internal/ratelimit"
	"github.com/chirp/sns/internal/session"
)

// ServerConfig holds tunable parameters for the realtime server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	Path           string        // websocket endpoint, e.g. "/ws"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for reading one frame once data is ready
	WriteTimeout   time.Duration // timeout for a single frame write
	AuthTimeout    time.Duration // deadline for handshake credential checks
	MaxFrameSize   int64         // frames larger than this close the session
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		Path:           "/ws",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		AuthTimeout:    5 * time.Second,
		MaxFrameSize:   16 * 1024,
	}
}

// Authenticator resolves the Cookie header of a handshake to an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, cookieHeader string) (*auth.Identity, error)
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// authenticates the handshake, upgrades the HTTP connection, registers it
// with an epoll instance for read readiness, and hands ready connections to
// a bounded worker pool.
type Server struct {
	config        ServerConfig
	epoll         *Epoll
	conns         *ConnectionManager
	sessionStore  *session.Store     // optional Redis-backed session records
	authenticator Authenticator      // nil accepts anonymous sessions
	limiter       *ratelimit.Limiter // optional per-IP handshake limiter
	workerPool    chan struct{}      // semaphore limiting concurrent read workers
	onMessage     func(conn *Connection, data []byte)
	onConnect     func(conn *Connection)
	onDisconnect  func(conn *Connection)
	extraRoutes   map[string]http.Handler
	heartbeat     HeartbeatConfig
	httpServer    *http.Server
	done          chan struct{}
	stopOnce      sync.Once
	startedAt     time.Time
}

// NewServer creates a Server with the given configuration, optional session
// store, and message callback. The onMessage function is called from a worker
// goroutine whenever a complete text frame is received from a client.
func NewServer(config ServerConfig, sessionStore *session.Store, onMessage func(conn *Connection, data []byte)) *Server {
	if config.Path == "" {
		config.Path = "/ws"
	}
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	return &Server{
		config:       config,
		conns:        NewConnectionManager(),
		sessionStore: sessionStore,
		workerPool:   make(chan struct{}, config.WorkerPoolSize),
		onMessage:    onMessage,
		extraRoutes:  make(map[string]http.Handler),
		heartbeat:    DefaultHeartbeatConfig(),
		done:         make(chan struct{}),
	}
}

// SetAuthenticator installs the handshake authenticator. Without one every
// handshake is accepted as an anonymous session.
func (s *Server) SetAuthenticator(a Authenticator) {
	s.authenticator = a
}

// SetLimiter installs a Redis-backed limiter applied per client IP to new
// handshakes.
func (s *Server) SetLimiter(l *ratelimit.Limiter) {
	s.limiter = l
}

// SetOnConnect registers a callback invoked once the connection is upgraded
// and registered. No message handler for the session runs until it returns.
func (s *Server) SetOnConnect(fn func(conn *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked exactly once when a
// connection is removed (read error, heartbeat timeout, close frame or
// shutdown). It never runs concurrently with onConnect for the same
// connection, and it is called before the Redis session record is deleted.
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// SetMessageHandler replaces the message callback.
func (s *Server) SetMessageHandler(fn func(conn *Connection, data []byte)) {
	s.onMessage = fn
}

// SetHeartbeat overrides the heartbeat tuning. Must be called before Prepare.
func (s *Server) SetHeartbeat(cfg HeartbeatConfig) {
	s.heartbeat = cfg
}

// Handle mounts an extra HTTP handler (e.g. /metrics) next to the
// websocket endpoint. Must be called before Handler or Start.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.extraRoutes[pattern] = h
}

// Handler returns the HTTP handler serving the websocket endpoint, /health
// and any extra routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.config.Path, s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	for pattern, h := range s.extraRoutes {
		mux.Handle(pattern, h)
	}
	return mux
}

// Prepare creates the epoll instance and starts the event loop and the
// heartbeat monitor. Start calls it; tests that serve Handler through their
// own listener call it directly.
func (s *Server) Prepare() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.startedAt = time.Now()

	go s.startEventLoop()
	StartHeartbeat(s, s.heartbeat)
	return nil
}

// Start prepares the server and blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	if err := s.Prepare(); err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("ws: server listening on %s%s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.Path, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade authenticates the handshake from its Cookie header and, on
// success, upgrades to WebSocket and registers the session. Rejected
// handshakes get a plain HTTP error and never see a websocket frame.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	remote := clientIP(r)

	if s.limiter != nil {
		allowed, _ := s.limiter.Allow(r.Context(), remote, ratelimit.RuleConnect)
		if !allowed {
			log.Printf("ws: handshake rate limited ip=%s", remote)
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
	}

	var user *auth.Identity
	if s.authenticator != nil {
		ctx := r.Context()
		if s.config.AuthTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.config.AuthTimeout)
			defer cancel()
		}

		var err error
		user, err = s.authenticator.Authenticate(ctx, r.Header.Get("Cookie"))
		if err != nil {
			reason := auth.Reason(err)
			metrics.AuthRejected.WithLabelValues(reason).Inc()
			log.Printf("ws: connection rejected ip=%s reason=%s: %v", remote, reason, err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed ip=%s: %v", remote, err)
		return
	}

	now := time.Now()
	c := &Connection{
		ID:           uuid.New().String(),
		Conn:         s.epoll.Wrap(conn),
		Fd:           socketFD(conn),
		User:         user,
		RemoteAddr:   remote,
		CreatedAt:    now,
		writeTimeout: s.config.WriteTimeout,
		processing:   1, // held until onConnect returns
	}
	c.Touch()

	s.conns.Add(c)
	if err := s.epoll.Add(c.Conn); err != nil {
		log.Printf("ws: epoll add failed for session %s: %v", c.ID, err)
		s.conns.Remove(c.ID)
		return
	}
	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))

	if s.sessionStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.sessionStore.Create(ctx, c.ID, userIDOf(c)); err != nil {
			log.Printf("ws: failed to create redis session for %s: %v", c.ID, err)
		}
		cancel()
	}

	c.lifecycleMu.Lock()
	if s.onConnect != nil {
		s.onConnect(c)
	}
	c.lifecycleMu.Unlock()
	atomic.StoreInt32(&c.processing, 0)

	log.Printf("ws: new connection session=%s user=%d fd=%d (total=%d)", c.ID, userIDOf(c), c.Fd, s.conns.Count())
}

// handleHealth responds with the server's health status as JSON, including
// the in-memory connection count, the session records Redis holds for this
// server, and uptime. A failed Redis read reports status "degraded".
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Sessions    *int64 `json:"sessions,omitempty"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	if s.sessionStore != nil {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		n, err := s.sessionStore.Count(ctx)
		cancel()
		if err != nil {
			log.Printf("ws: health session count failed: %v", err)
			resp.Status = "degraded"
		} else {
			resp.Sessions = &n
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. Each ready connection is handed
// to a worker goroutine, bounded by the worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				if isEINTR(err) {
					continue
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn

			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
				s.epoll.Resume(conn)
			}()
		}
	}
}

// handleConn reads a single frame from a ready connection. Control frames
// are handled without blocking on a data frame that may never arrive. A
// failed read removes the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// One handler per session at a time; level-triggered epoll reports the
	// connection again if data is still pending.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})
	c.Touch()

	if header.OpCode.IsControl() {
		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(reader, payload); err != nil {
			s.RemoveConnection(c)
			return
		}
		switch header.OpCode {
		case ws.OpClose:
			s.RemoveConnection(c)
		case ws.OpPing:
			if err := c.writeControl(ws.NewPongFrame(payload)); err != nil {
				s.RemoveConnection(c)
			}
		}
		return
	}

	if s.config.MaxFrameSize > 0 && header.Length > s.config.MaxFrameSize {
		log.Printf("ws: frame too large session=%s len=%d", c.ID, header.Length)
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err = io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection removes a connection from epoll and the connection
// manager and closes it. Only the first caller for a given connection runs
// the disconnect callback; later calls are no-ops.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}

	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))

	c.lifecycleMu.Lock()
	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}
	c.lifecycleMu.Unlock()

	if s.sessionStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.sessionStore.Delete(ctx, c.ID); err != nil {
			log.Printf("ws: failed to delete redis session for %s: %v", c.ID, err)
		}
		cancel()
	}

	log.Printf("ws: connection closed session=%s (total=%d)", c.ID, s.conns.Count())
}

// Connections returns the ConnectionManager, which doubles as the broadcast
// group registry.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener, signals the event loop to exit, removes
// every open connection (running disconnect callbacks) and closes epoll.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	s.stopOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// clientIP returns the caller address, preferring the first hop of
// X-Forwarded-For set by the load balancer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func userIDOf(c *Connection) int64 {
	if c.User == nil {
		return 0
	}
	return c.User.ID
}

// isEINTR reports whether err is an interrupted system call, which is
// expected during signal handling and should be retried.
func isEINTR(err error) bool {
	return errors.Is(err, syscall.EINTR)
}
