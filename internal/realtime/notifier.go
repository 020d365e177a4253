package realtime

import "github.com/chirp/sns/internal/protocol"

// Notifier is what the CRUD layer calls after a write has been committed.
// Implementations must not block the caller on slow receivers and must not
// report delivery errors back.
type Notifier interface {
	NotifyPostCreated(ev protocol.PostCreatedMsg)
	NotifyPostDeleted(ev protocol.PostDeletedMsg)
	NotifyPostLiked(ev protocol.PostLikedMsg)
	NotifyPostUnliked(ev protocol.PostLikedMsg)
}

var (
	_ Notifier = (*Broadcaster)(nil)
	_ Notifier = (*BridgeNotifier)(nil)
	_ Notifier = NopNotifier{}
)

// NopNotifier drops every event. The REST service uses it when no message
// bus is configured.
type NopNotifier struct{}

func (NopNotifier) NotifyPostCreated(protocol.PostCreatedMsg) {}
func (NopNotifier) NotifyPostDeleted(protocol.PostDeletedMsg) {}
func (NopNotifier) NotifyPostLiked(protocol.PostLikedMsg)     {}
func (NopNotifier) NotifyPostUnliked(protocol.PostLikedMsg)   {}
