// Package realtime turns transport events into presence and fan-out: the
// Gateway handles connect, disconnect, typing and presence requests from
// sessions, the Broadcaster fans events out to the main group, and the
// Bridge feeds domain events published by the REST service into it.
package realtime

import (
	"log"

	"github.com/chirp/sns/internal/metrics"
	"github.com/chirp/sns/internal/protocol"
	"github.com/chirp/sns/internal/ws"
)

// Group is the broadcast-group surface of the transport.
// *ws.ConnectionManager implements it.
type Group interface {
	Join(id, room string) bool
	Leave(id, room string) bool
	Send(id string, msg []byte) error
	BroadcastRoom(room string, msg []byte, exceptID string) (int, []ws.SendFailure)
}

// Broadcaster fans realtime events out to the sessions of the main group.
// Delivery is best effort: failed writes are logged and counted, never
// retried and never reported to the caller.
type Broadcaster struct {
	group Group
}

// NewBroadcaster binds a Broadcaster to the transport's group registry.
func NewBroadcaster(group Group) *Broadcaster {
	return &Broadcaster{group: group}
}

// NotifyPostCreated emits post:created to every session, the author's
// included.
func (b *Broadcaster) NotifyPostCreated(ev protocol.PostCreatedMsg) {
	b.Broadcast(protocol.TypePostCreated, ev)
}

// NotifyPostDeleted emits post:deleted to every session.
func (b *Broadcaster) NotifyPostDeleted(ev protocol.PostDeletedMsg) {
	b.Broadcast(protocol.TypePostDeleted, ev)
}

// NotifyPostLiked emits post:liked to every session.
func (b *Broadcaster) NotifyPostLiked(ev protocol.PostLikedMsg) {
	ev.IsLiked = true
	b.Broadcast(protocol.TypePostLiked, ev)
}

// NotifyPostUnliked emits post:unliked to every session.
func (b *Broadcaster) NotifyPostUnliked(ev protocol.PostLikedMsg) {
	ev.IsLiked = false
	b.Broadcast(protocol.TypePostUnliked, ev)
}

// Broadcast emits an event to every session in the main group.
func (b *Broadcaster) Broadcast(msgType string, payload interface{}) {
	b.BroadcastExcept(msgType, payload, "")
}

// BroadcastExcept emits an event to every session in the main group except
// exceptID.
func (b *Broadcaster) BroadcastExcept(msgType string, payload interface{}, exceptID string) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[realtime] failed to build %s event: %v", msgType, err)
		return
	}

	sent, failures := b.group.BroadcastRoom(protocol.MainRoom, data, exceptID)
	metrics.EventsBroadcast.WithLabelValues(msgType).Inc()
	if len(failures) > 0 {
		metrics.BroadcastFailures.Add(float64(len(failures)))
		for _, f := range failures {
			log.Printf("[realtime] %s delivery failed session=%s: %v", msgType, f.ConnID, f.Err)
		}
	}
	log.Printf("[realtime] broadcast %s sent=%d failed=%d", msgType, sent, len(failures))
}

// SendTo emits an event to a single session.
func (b *Broadcaster) SendTo(sessionID string, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[realtime] failed to build %s event: %v", msgType, err)
		return
	}
	if err := b.group.Send(sessionID, data); err != nil {
		metrics.BroadcastFailures.Inc()
		log.Printf("[realtime] %s delivery failed session=%s: %v", msgType, sessionID, err)
	}
}
