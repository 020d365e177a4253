package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chirp/sns/internal/messaging"
	"github.com/chirp/sns/internal/protocol"
)

// chanNotifier forwards like events to a channel so they can be awaited
// across the NATS delivery goroutine.
type chanNotifier struct {
	NopNotifier
	likes chan protocol.PostLikedMsg
}

func (c chanNotifier) NotifyPostLiked(ev protocol.PostLikedMsg)   { c.likes <- ev }
func (c chanNotifier) NotifyPostUnliked(ev protocol.PostLikedMsg) { c.likes <- ev }

func TestBridge_OverNATSKeepsOrder(t *testing.T) {
	cfg := messaging.DefaultNATSConfig()
	cfg.Name = "sns-bridge-test"
	sub, err := messaging.NewNATSClient(cfg)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	defer sub.Close()
	pub, err := messaging.NewNATSClient(cfg)
	require.NoError(t, err)
	defer pub.Close()

	target := chanNotifier{likes: make(chan protocol.PostLikedMsg, 16)}
	require.NoError(t, NewBridge(sub, target).Start())
	require.NoError(t, sub.Flush())

	n := NewBridgeNotifier(pub)
	n.NotifyPostLiked(protocol.PostLikedMsg{PostID: 1, UserID: 2, LikeCount: 1})
	n.NotifyPostLiked(protocol.PostLikedMsg{PostID: 1, UserID: 3, LikeCount: 2})
	n.NotifyPostUnliked(protocol.PostLikedMsg{PostID: 1, UserID: 2, LikeCount: 1, IsLiked: true})
	require.NoError(t, pub.Flush())

	var got []protocol.PostLikedMsg
	for len(got) < 3 {
		select {
		case ev := <-target.likes:
			got = append(got, ev)
		case <-time.After(3 * time.Second):
			t.Fatalf("received %d of 3 events", len(got))
		}
	}
	assert.Equal(t, []int{1, 2, 1}, []int{got[0].LikeCount, got[1].LikeCount, got[2].LikeCount})
	assert.True(t, got[1].IsLiked)
	assert.False(t, got[2].IsLiked, "unlike is always isLiked=false")
}
