// Package protocol defines the realtime message types and structures used for
// communication between browser tabs and the SNS realtime gateway. All
// messages are serialized as JSON and follow a consistent envelope format with
// a type discriminator; payload fields sit next to "type" in the same object.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoin        = "join"
	TypeLeave       = "leave"
	TypeTypingStart = "typing:start"
	TypeTypingStop  = "typing:stop"
	TypeGetOnline   = "users:get-online"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypePostCreated      = "post:created"
	TypePostDeleted      = "post:deleted"
	TypePostLiked        = "post:liked"
	TypePostUnliked      = "post:unliked"
	TypeUserConnected    = "user:connected"
	TypeUserDisconnected = "user:disconnected"
	TypeUsersOnline      = "users:online"
	TypeError            = "error"
	TypePong             = "pong"
)

// MainRoom is the single broadcast group every authenticated session joins.
const MainRoom = "main"

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinMsg asks the server to (re)add the session to a broadcast room. An
// empty room means MainRoom.
type JoinMsg struct {
	Type string `json:"type"`
	Room string `json:"room,omitempty"`
}

// LeaveMsg asks the server to stop fanning events out to the session.
type LeaveMsg struct {
	Type string `json:"type"`
	Room string `json:"room,omitempty"`
}

// TypingStartMsg signals that the user started composing. Content is the
// current draft and is never used for broadcast decisions.
type TypingStartMsg struct {
	Type    string  `json:"type"`
	Content *string `json:"content,omitempty"`
}

// TypingStopMsg signals that the user stopped composing.
type TypingStopMsg struct {
	Type        string `json:"type"`
	FinalLength *int   `json:"finalLength,omitempty"`
}

// GetOnlineMsg requests a fresh presence snapshot for the requester only.
type GetOnlineMsg struct {
	Type string `json:"type"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// Author is the public part of a user embedded in post payloads.
type Author struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
}

// PostCreatedMsg announces a newly committed post.
type PostCreatedMsg struct {
	Type      string    `json:"type,omitempty"`
	ID        int64     `json:"id"`
	Content   string    `json:"content"`
	Author    Author    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
	LikeCount int       `json:"likeCount"`
}

// PostDeletedMsg announces a deleted post.
type PostDeletedMsg struct {
	Type     string `json:"type,omitempty"`
	ID       int64  `json:"id"`
	AuthorID int64  `json:"authorId"`
}

// PostLikedMsg is the payload of both post:liked and post:unliked. LikeCount
// is always the absolute count after the change, never a delta.
type PostLikedMsg struct {
	Type      string `json:"type,omitempty"`
	PostID    int64  `json:"postId"`
	UserID    int64  `json:"userId"`
	Username  string `json:"username"`
	LikeCount int    `json:"likeCount"`
	IsLiked   bool   `json:"isLiked"`
}

// UserConnectedMsg announces a user coming online.
type UserConnectedMsg struct {
	Type        string    `json:"type,omitempty"`
	UserID      int64     `json:"userId"`
	Username    string    `json:"username"`
	DisplayName string    `json:"displayName"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// UserDisconnectedMsg announces a user going offline.
type UserDisconnectedMsg struct {
	Type        string `json:"type,omitempty"`
	UserID      int64  `json:"userId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
}

// OnlineUser is one row of a presence snapshot.
type OnlineUser struct {
	UserID      int64  `json:"userId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
}

// OnlineUsersMsg is a full presence snapshot.
type OnlineUsersMsg struct {
	Type  string       `json:"type,omitempty"`
	Users []OnlineUser `json:"users"`
	Count int          `json:"count"`
}

// TypingMsg relays another user's typing state. It is used for both
// typing:start and typing:stop.
type TypingMsg struct {
	Type        string `json:"type,omitempty"`
	UserID      int64  `json:"userId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	IsTyping    bool   `json:"isTyping"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type      string    `json:"type,omitempty"`
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type,omitempty"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw frame bytes into a typed client message. It
// returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or server-only
// message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoin:
		var m JoinMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeave:
		var m LeaveMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingStart:
		var m TypingStartMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingStop:
		var m TypingStopMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeGetOnline:
		var m GetOnlineMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key, overriding
// whatever the payload struct carried.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]interface{})
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// NewError builds an error event payload stamped with the current time.
func NewError(code, message string) ErrorMsg {
	return ErrorMsg{
		Error:     code,
		Message:   message,
		Code:      code,
		Timestamp: time.Now().UTC(),
	}
}
