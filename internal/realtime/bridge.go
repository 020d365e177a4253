package realtime

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/chirp/sns/internal/messaging"
	"github.com/chirp/sns/internal/protocol"
)

// Publisher is the outbound side of the message bus.
// *messaging.NATSClient implements it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Subscriber is the inbound side of the message bus.
// *messaging.NATSClient implements it.
type Subscriber interface {
	Subscribe(subject string, handler func(data []byte)) error
}

// BridgeNotifier publishes committed domain events on the message bus for
// the realtime gateway to fan out. It runs in the REST process.
type BridgeNotifier struct {
	bus     Publisher
	subject string
}

// NewBridgeNotifier returns a Notifier that publishes on
// messaging.SubjectPostEvents.
func NewBridgeNotifier(bus Publisher) *BridgeNotifier {
	return &BridgeNotifier{bus: bus, subject: messaging.SubjectPostEvents}
}

func (n *BridgeNotifier) NotifyPostCreated(ev protocol.PostCreatedMsg) {
	n.publish(protocol.TypePostCreated, ev)
}

func (n *BridgeNotifier) NotifyPostDeleted(ev protocol.PostDeletedMsg) {
	n.publish(protocol.TypePostDeleted, ev)
}

func (n *BridgeNotifier) NotifyPostLiked(ev protocol.PostLikedMsg) {
	ev.IsLiked = true
	n.publish(protocol.TypePostLiked, ev)
}

func (n *BridgeNotifier) NotifyPostUnliked(ev protocol.PostLikedMsg) {
	ev.IsLiked = false
	n.publish(protocol.TypePostUnliked, ev)
}

// publish encodes the event in the wire envelope and publishes it. Errors are
// logged only; the write that produced the event already succeeded.
func (n *BridgeNotifier) publish(msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[bridge] failed to encode %s: %v", msgType, err)
		return
	}
	if err := n.bus.Publish(n.subject, data); err != nil {
		log.Printf("[bridge] publish %s failed: %v", msgType, err)
	}
}

// Bridge consumes domain events from the message bus and hands them to a
// Notifier, normally the gateway's Broadcaster.
type Bridge struct {
	bus    Subscriber
	target Notifier
}

// NewBridge creates a Bridge forwarding bus events to target.
func NewBridge(bus Subscriber, target Notifier) *Bridge {
	return &Bridge{bus: bus, target: target}
}

// Start subscribes to messaging.SubjectPostEvents.
func (b *Bridge) Start() error {
	if err := b.bus.Subscribe(messaging.SubjectPostEvents, b.Handle); err != nil {
		return fmt.Errorf("bridge: %w", err)
	}
	log.Printf("[bridge] subscribed to %s", messaging.SubjectPostEvents)
	return nil
}

// Handle decodes one bus message and forwards it. Malformed or unknown
// messages are logged and dropped.
func (b *Bridge) Handle(data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("[bridge] dropping malformed event: %v", err)
		return
	}

	var err error
	switch env.Type {
	case protocol.TypePostCreated:
		var ev protocol.PostCreatedMsg
		if err = json.Unmarshal(env.Raw, &ev); err == nil {
			b.target.NotifyPostCreated(ev)
		}
	case protocol.TypePostDeleted:
		var ev protocol.PostDeletedMsg
		if err = json.Unmarshal(env.Raw, &ev); err == nil {
			b.target.NotifyPostDeleted(ev)
		}
	case protocol.TypePostLiked:
		var ev protocol.PostLikedMsg
		if err = json.Unmarshal(env.Raw, &ev); err == nil {
			b.target.NotifyPostLiked(ev)
		}
	case protocol.TypePostUnliked:
		var ev protocol.PostLikedMsg
		if err = json.Unmarshal(env.Raw, &ev); err == nil {
			b.target.NotifyPostUnliked(ev)
		}
	default:
		log.Printf("[bridge] dropping unknown event type=%q", env.Type)
		return
	}
	if err != nil {
		log.Printf("[bridge] dropping %s event: %v", env.Type, err)
	}
}
