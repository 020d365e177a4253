package ws

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/chirp/sns/internal/auth"
)

// Connection is one realtime session between a browser tab and the server.
// User is set during the handshake and never changes afterwards.
type Connection struct {
	ID         string         // session ID (UUID)
	Conn       net.Conn       // underlying TCP connection
	Fd         int            // file descriptor, -1 when not available
	User       *auth.Identity // nil for sessions that never authenticated
	RemoteAddr string
	CreatedAt  time.Time // when the connection was established

	lastSeen atomic.Int64 // unix nanos of the last frame received

	writeTimeout time.Duration
	writeMu      sync.Mutex // serializes writes to this connection
	lifecycleMu  sync.Mutex // serializes onConnect and onDisconnect
	processing   int32      // atomic flag: 0 = idle, 1 = a handler owns the session
}

// Touch records client activity for the heartbeat monitor.
func (c *Connection) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns the time of the last frame received from the client.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Authenticated reports whether the handshake attached an identity.
func (c *Connection) Authenticated() bool {
	return c.User != nil
}

// WriteMessage sends a text frame to this connection. The write mutex keeps
// concurrent goroutines from interleaving frame bytes, and the per-write
// deadline keeps a stuck peer from blocking fan-out indefinitely.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// SendFailure records one failed write during a room broadcast.
type SendFailure struct {
	ConnID string
	Err    error
}

// ConnectionManager is a thread-safe registry of open connections, indexed
// by session ID and by net.Conn, plus the membership of each broadcast room.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection            // session_id -> Connection
	byConn map[net.Conn]*Connection          // net.Conn -> Connection
	rooms  map[string]map[string]*Connection // room -> session_id -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
		rooms:  make(map[string]map[string]*Connection),
	}
}

// Add registers a new connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by session ID from the registry and every
// room, then closes it. Returns true if the connection was found, false if
// it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
		for name, members := range cm.rooms {
			delete(members, id)
			if len(members) == 0 {
				delete(cm.rooms, name)
			}
		}
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given session ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection wrapping c, or nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of open connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// Join adds a registered connection to room. It returns false when the
// connection is unknown.
func (cm *ConnectionManager) Join(id, room string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	conn, ok := cm.byID[id]
	if !ok {
		return false
	}
	members, ok := cm.rooms[room]
	if !ok {
		members = make(map[string]*Connection)
		cm.rooms[room] = members
	}
	members[id] = conn
	return true
}

// Leave removes a connection from room. It returns false when the
// connection was not a member.
func (cm *ConnectionManager) Leave(id, room string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	members, ok := cm.rooms[room]
	if !ok {
		return false
	}
	if _, ok := members[id]; !ok {
		return false
	}
	delete(members, id)
	if len(members) == 0 {
		delete(cm.rooms, room)
	}
	return true
}

// Members returns a snapshot of the connections in room.
func (cm *ConnectionManager) Members(room string) []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.rooms[room]))
	for _, conn := range cm.rooms[room] {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}

// BroadcastRoom writes msg to every member of room except the session
// exceptID (pass "" to include everyone). Writes happen outside the registry
// lock. It returns the number of successful writes and the failures; failed
// connections are left for the read loop or heartbeat to clean up.
func (cm *ConnectionManager) BroadcastRoom(room string, msg []byte, exceptID string) (int, []SendFailure) {
	var (
		sent     int
		failures []SendFailure
	)
	for _, conn := range cm.Members(room) {
		if conn.ID == exceptID {
			continue
		}
		if err := conn.WriteMessage(msg); err != nil {
			failures = append(failures, SendFailure{ConnID: conn.ID, Err: err})
			continue
		}
		sent++
	}
	return sent, failures
}

// Send writes msg to a single session.
func (cm *ConnectionManager) Send(id string, msg []byte) error {
	conn := cm.Get(id)
	if conn == nil {
		return fmt.Errorf("ws: connection %s not found", id)
	}
	return conn.WriteMessage(msg)
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
