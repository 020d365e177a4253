package realtime

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/chirp/sns/internal/metrics"
	"github.com/chirp/sns/internal/presence"
	"github.com/chirp/sns/internal/protocol"
	"github.com/chirp/sns/internal/ratelimit"
	"github.com/chirp/sns/internal/ws"
)

// Error codes sent to sessions by the gateway.
const (
	CodeUnknownRoom     = "unknown_room"
	CodeUnauthenticated = "unauthenticated"
)

// GatewayConfig tunes optional gateway behaviour.
type GatewayConfig struct {
	// StopTypingOnDisconnect emits typing:stop for a user whose last
	// session closes while flagged as typing.
	StopTypingOnDisconnect bool
}

// Limiter throttles typing signals. *ratelimit.Limiter implements it.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Gateway owns the presence and typing tables and reacts to session
// lifecycle events and client messages.
type Gateway struct {
	// presenceMu is held from a presence change until its snapshot has been
	// handed to the group, so the last snapshot a session receives is current.
	presenceMu sync.Mutex

	group    Group
	events   *Broadcaster
	presence *presence.Table
	typing   *presence.TypingTable
	limiter  Limiter
	config   GatewayConfig
}

// NewGateway wires a Gateway to the transport's group registry and the
// tables it maintains.
func NewGateway(group Group, events *Broadcaster, table *presence.Table, typing *presence.TypingTable, config GatewayConfig) *Gateway {
	return &Gateway{
		group:    group,
		events:   events,
		presence: table,
		typing:   typing,
		config:   config,
	}
}

// SetLimiter enables per-session throttling of typing:start.
func (g *Gateway) SetLimiter(l Limiter) {
	g.limiter = l
}

// Register installs the gateway's message handlers on d.
func (g *Gateway) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeJoin, g.HandleJoin)
	d.Register(protocol.TypeLeave, g.HandleLeave)
	d.Register(protocol.TypeTypingStart, g.HandleTypingStart)
	d.Register(protocol.TypeTypingStop, g.HandleTypingStop)
	d.Register(protocol.TypeGetOnline, g.HandleGetOnline)
}

// HandleConnect runs once per authenticated session after the upgrade. The
// first session of a user announces user:connected to everyone else; every
// connect then sends a fresh users:online snapshot to the whole group, the
// new session included.
func (g *Gateway) HandleConnect(conn *ws.Connection) {
	if !conn.Authenticated() {
		return
	}
	user := conn.User

	g.presenceMu.Lock()
	defer g.presenceMu.Unlock()

	entry, first := g.presence.Add(*user, conn.ID)
	g.group.Join(conn.ID, protocol.MainRoom)
	metrics.OnlineUsers.Set(float64(g.presence.Count()))

	if first {
		g.events.BroadcastExcept(protocol.TypeUserConnected, protocol.UserConnectedMsg{
			UserID:      entry.UserID,
			Username:    entry.Username,
			DisplayName: entry.DisplayName,
			ConnectedAt: entry.ConnectedAt,
		}, conn.ID)
	}
	g.events.Broadcast(protocol.TypeUsersOnline, g.presence.Snapshot())

	log.Printf("[realtime] user connected user=%d username=%s session=%s first=%v online=%d",
		user.ID, user.Username, conn.ID, first, g.presence.Count())
}

// HandleDisconnect runs exactly once per session after it has left the
// group. Only the user's last session produces events.
func (g *Gateway) HandleDisconnect(conn *ws.Connection) {
	if !conn.Authenticated() {
		return
	}
	user := conn.User

	g.presenceMu.Lock()
	defer g.presenceMu.Unlock()

	entry, last := g.presence.Remove(user.ID, conn.ID)
	if !last {
		log.Printf("[realtime] session closed user=%d session=%s (user still online)", user.ID, conn.ID)
		return
	}
	metrics.OnlineUsers.Set(float64(g.presence.Count()))

	if g.typing.Stop(user.ID) {
		metrics.TypingUsers.Set(float64(g.typing.Count()))
		if g.config.StopTypingOnDisconnect {
			g.events.Broadcast(protocol.TypeTypingStop, protocol.TypingMsg{
				UserID:      user.ID,
				Username:    user.Username,
				DisplayName: user.DisplayName,
				IsTyping:    false,
			})
		}
	}

	g.events.Broadcast(protocol.TypeUserDisconnected, protocol.UserDisconnectedMsg{
		UserID:      entry.UserID,
		Username:    entry.Username,
		DisplayName: entry.DisplayName,
	})
	g.events.Broadcast(protocol.TypeUsersOnline, g.presence.Snapshot())

	log.Printf("[realtime] user disconnected user=%d username=%s online=%d",
		user.ID, user.Username, g.presence.Count())
}

// HandleTypingStart relays typing:start to every other session. Signals over
// the session's rate limit are dropped silently.
func (g *Gateway) HandleTypingStart(conn *ws.Connection, msg interface{}) {
	if !g.requireAuth(conn) {
		return
	}
	if !g.allowTyping(conn) {
		return
	}

	entry := g.typing.Start(*conn.User)
	metrics.TypingUsers.Set(float64(g.typing.Count()))

	g.events.BroadcastExcept(protocol.TypeTypingStart, protocol.TypingMsg{
		UserID:      entry.UserID,
		Username:    entry.Username,
		DisplayName: entry.DisplayName,
		IsTyping:    true,
	}, conn.ID)
}

// HandleTypingStop relays typing:stop to every other session. Stops are
// never throttled so a receiver is not left with a stale indicator.
func (g *Gateway) HandleTypingStop(conn *ws.Connection, msg interface{}) {
	if !g.requireAuth(conn) {
		return
	}
	user := conn.User

	g.typing.Stop(user.ID)
	metrics.TypingUsers.Set(float64(g.typing.Count()))

	g.events.BroadcastExcept(protocol.TypeTypingStop, protocol.TypingMsg{
		UserID:      user.ID,
		Username:    user.Username,
		DisplayName: user.DisplayName,
		IsTyping:    false,
	}, conn.ID)
}

// HandleGetOnline answers the requester alone with a fresh snapshot.
func (g *Gateway) HandleGetOnline(conn *ws.Connection, msg interface{}) {
	g.sendSnapshot(conn.ID)
}

// HandleJoin puts the session back into the main group and sends it a fresh
// snapshot.
func (g *Gateway) HandleJoin(conn *ws.Connection, msg interface{}) {
	join, _ := msg.(protocol.JoinMsg)
	if !g.requireAuth(conn) || !g.knownRoom(conn, join.Room) {
		return
	}
	g.group.Join(conn.ID, protocol.MainRoom)
	g.sendSnapshot(conn.ID)
}

func (g *Gateway) sendSnapshot(sessionID string) {
	g.presenceMu.Lock()
	defer g.presenceMu.Unlock()
	g.events.SendTo(sessionID, protocol.TypeUsersOnline, g.presence.Snapshot())
}

// HandleLeave stops fan-out to the session. Presence is unchanged: the user
// stays online until the session closes.
func (g *Gateway) HandleLeave(conn *ws.Connection, msg interface{}) {
	leave, _ := msg.(protocol.LeaveMsg)
	if !g.requireAuth(conn) || !g.knownRoom(conn, leave.Room) {
		return
	}
	g.group.Leave(conn.ID, protocol.MainRoom)
}

// Shutdown empties the presence and typing tables.
func (g *Gateway) Shutdown() {
	g.presenceMu.Lock()
	defer g.presenceMu.Unlock()
	g.presence.Clear()
	g.typing.Clear()
	metrics.OnlineUsers.Set(0)
	metrics.TypingUsers.Set(0)
}

func (g *Gateway) requireAuth(conn *ws.Connection) bool {
	if conn.Authenticated() {
		return true
	}
	g.events.SendTo(conn.ID, protocol.TypeError, protocol.NewError(CodeUnauthenticated, "authentication required"))
	return false
}

func (g *Gateway) knownRoom(conn *ws.Connection, room string) bool {
	if room == "" || room == protocol.MainRoom {
		return true
	}
	g.events.SendTo(conn.ID, protocol.TypeError, protocol.NewError(CodeUnknownRoom, "unknown room: "+room))
	return false
}

func (g *Gateway) allowTyping(conn *ws.Connection) bool {
	if g.limiter == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	allowed, _ := g.limiter.Allow(ctx, conn.ID, ratelimit.RuleTyping)
	return allowed
}

// Attach is the second startup phase: it binds a Broadcaster and a Gateway
// to an already constructed server and installs their callbacks on it.
func Attach(server *ws.Server, table *presence.Table, typing *presence.TypingTable, config GatewayConfig) (*Gateway, *Broadcaster) {
	events := NewBroadcaster(server.Connections())
	gw := NewGateway(server.Connections(), events, table, typing, config)

	d := ws.NewMessageDispatcher()
	gw.Register(d)
	server.SetMessageHandler(d.Dispatch)
	server.SetOnConnect(gw.HandleConnect)
	server.SetOnDisconnect(gw.HandleDisconnect)
	return gw, events
}
