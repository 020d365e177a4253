package ws

import (
	"log"

	"github.com/chirp/sns/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client message.
// The msg parameter is the concrete struct returned by protocol.ParseClientMessage
// (e.g., protocol.TypingStartMsg, protocol.JoinMsg, etc.).
type MessageHandler func(conn *Connection, msg interface{})

// Error codes sent back to clients for frames the dispatcher cannot route.
const (
	CodeParseError      = "parse_error"
	CodeInvalidPayload  = "invalid_payload"
	CodeUnsupportedType = "unsupported_type"
)

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It handles the built-in ping/pong keepalive
// internally and sends structured error responses for malformed or unsupported
// messages. The session stays open in every error case.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
	}
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed message, handles ping internally, and routes all other types to
// the registered handler.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		switch {
		case msgType == "":
			log.Printf("ws: dispatch parse error session=%s: %v", conn.ID, err)
			d.sendError(conn, CodeParseError, "invalid message format")
		case d.known(msgType):
			log.Printf("ws: invalid payload type=%q session=%s: %v", msgType, conn.ID, err)
			d.sendError(conn, CodeInvalidPayload, "invalid payload for "+msgType)
		default:
			log.Printf("ws: unsupported message type=%q session=%s", msgType, conn.ID)
			d.sendError(conn, CodeUnsupportedType, "unsupported message type")
		}
		return
	}

	// Built-in ping handler, no registration needed.
	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("ws: unsupported message type=%q session=%s", msgType, conn.ID)
		d.sendError(conn, CodeUnsupportedType, "unsupported message type")
		return
	}

	handler(conn, msg)
}

func (d *MessageDispatcher) known(msgType string) bool {
	if msgType == protocol.TypePing {
		return true
	}
	_, ok := d.handlers[msgType]
	return ok
}

// SendError sends a structured error event to one session. Errors during
// message construction or transmission are logged but not propagated.
func SendError(conn *Connection, code string, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.NewError(code, message))
	if err != nil {
		log.Printf("ws: failed to build error message session=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send error message session=%s: %v", conn.ID, err)
	}
}

func (d *MessageDispatcher) sendError(conn *Connection, code string, message string) {
	SendError(conn, code, message)
}

// sendPong responds to a client ping with a pong message and updates the
// connection's activity timestamp.
func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.Touch()

	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		log.Printf("ws: failed to build pong message session=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send pong message session=%s: %v", conn.ID, err)
	}
}
