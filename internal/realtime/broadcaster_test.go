package realtime

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chirp/sns/internal/messaging"
	"github.com/chirp/sns/internal/protocol"
)

func TestNotifyPostLiked_ReachesActorToo(t *testing.T) {
	f := newFixture(GatewayConfig{})
	f.connect("a1", alice)
	f.connect("b1", bob)
	f.group.take("a1")
	f.group.take("b1")

	b := NewBroadcaster(f.group)
	b.NotifyPostLiked(protocol.PostLikedMsg{PostID: 7, UserID: 1, Username: "alice", LikeCount: 1})

	for _, id := range []string{"a1", "b1"} {
		msgs := f.group.take(id)
		require.Len(t, msgs, 1, "session %s", id)
		assert.Equal(t, protocol.TypePostLiked, msgs[0]["type"])
		assert.Equal(t, float64(7), msgs[0]["postId"])
		assert.Equal(t, float64(1), msgs[0]["userId"])
		assert.Equal(t, float64(1), msgs[0]["likeCount"])
		assert.Equal(t, true, msgs[0]["isLiked"])
	}
}

func TestNotifyPostUnliked_ForcesIsLikedFalse(t *testing.T) {
	group := newMemGroup()
	group.Join("a1", protocol.MainRoom)

	NewBroadcaster(group).NotifyPostUnliked(protocol.PostLikedMsg{PostID: 7, LikeCount: 0, IsLiked: true})

	msgs := group.take("a1")
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.TypePostUnliked, msgs[0]["type"])
	assert.Equal(t, false, msgs[0]["isLiked"])
	assert.Equal(t, float64(0), msgs[0]["likeCount"])
}

func TestNotifyPostCreatedAndDeleted(t *testing.T) {
	group := newMemGroup()
	group.Join("a1", protocol.MainRoom)
	b := NewBroadcaster(group)

	at := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	b.NotifyPostCreated(protocol.PostCreatedMsg{
		ID:        11,
		Content:   "hello",
		Author:    protocol.Author{ID: 1, Username: "alice", DisplayName: "Alice"},
		CreatedAt: at,
	})
	b.NotifyPostDeleted(protocol.PostDeletedMsg{ID: 11, AuthorID: 1})

	msgs := group.take("a1")
	require.Equal(t, []string{protocol.TypePostCreated, protocol.TypePostDeleted}, types(msgs))
	author := msgs[0]["author"].(map[string]interface{})
	assert.Equal(t, "alice", author["username"])
	assert.Equal(t, float64(0), msgs[0]["likeCount"])
	assert.Equal(t, float64(1), msgs[1]["authorId"])
}

// A failing session must not stop delivery to the rest.
func TestBroadcast_FailuresAreSwallowed(t *testing.T) {
	group := newMemGroup()
	group.Join("a1", protocol.MainRoom)
	group.Join("b1", protocol.MainRoom)
	group.broken["a1"] = true

	NewBroadcaster(group).NotifyPostDeleted(protocol.PostDeletedMsg{ID: 3, AuthorID: 2})

	assert.Empty(t, group.take("a1"))
	assert.Len(t, group.take("b1"), 1)
}

func TestSendTo_UnknownSessionIsLogged(t *testing.T) {
	group := newMemGroup()
	group.broken["gone"] = true
	assert.NotPanics(t, func() {
		NewBroadcaster(group).SendTo("gone", protocol.TypeUsersOnline, protocol.OnlineUsersMsg{})
	})
}

// memBus is an in-process stand-in for the NATS client.
type memBus struct {
	mu       sync.Mutex
	handlers map[string]func([]byte)
}

func (m *memBus) Publish(subject string, data []byte) error {
	m.mu.Lock()
	h := m.handlers[subject]
	m.mu.Unlock()
	if h != nil {
		h(data)
	}
	return nil
}

func (m *memBus) Subscribe(subject string, handler func([]byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handlers == nil {
		m.handlers = make(map[string]func([]byte))
	}
	m.handlers[subject] = handler
	return nil
}

type recordingNotifier struct {
	created []protocol.PostCreatedMsg
	deleted []protocol.PostDeletedMsg
	liked   []protocol.PostLikedMsg
	unliked []protocol.PostLikedMsg
}

func (r *recordingNotifier) NotifyPostCreated(ev protocol.PostCreatedMsg) {
	r.created = append(r.created, ev)
}
func (r *recordingNotifier) NotifyPostDeleted(ev protocol.PostDeletedMsg) {
	r.deleted = append(r.deleted, ev)
}
func (r *recordingNotifier) NotifyPostLiked(ev protocol.PostLikedMsg) { r.liked = append(r.liked, ev) }
func (r *recordingNotifier) NotifyPostUnliked(ev protocol.PostLikedMsg) {
	r.unliked = append(r.unliked, ev)
}

func TestBridge_RoundTrip(t *testing.T) {
	bus := &memBus{}
	rec := &recordingNotifier{}
	require.NoError(t, NewBridge(bus, rec).Start())
	require.Contains(t, bus.handlers, messaging.SubjectPostEvents)

	n := NewBridgeNotifier(bus)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	n.NotifyPostCreated(protocol.PostCreatedMsg{ID: 1, Content: "hi", Author: protocol.Author{ID: 1, Username: "alice"}, CreatedAt: at})
	n.NotifyPostLiked(protocol.PostLikedMsg{PostID: 1, UserID: 2, Username: "bob", LikeCount: 1})
	n.NotifyPostUnliked(protocol.PostLikedMsg{PostID: 1, UserID: 2, Username: "bob", LikeCount: 0, IsLiked: true})
	n.NotifyPostDeleted(protocol.PostDeletedMsg{ID: 1, AuthorID: 1})

	require.Len(t, rec.created, 1)
	assert.True(t, rec.created[0].CreatedAt.Equal(at))
	assert.Equal(t, "alice", rec.created[0].Author.Username)

	require.Len(t, rec.liked, 1)
	assert.Equal(t, 1, rec.liked[0].LikeCount)
	assert.True(t, rec.liked[0].IsLiked)

	require.Len(t, rec.unliked, 1)
	assert.False(t, rec.unliked[0].IsLiked)

	require.Len(t, rec.deleted, 1)
	assert.Equal(t, int64(1), rec.deleted[0].AuthorID)
}

func TestBridge_DropsMalformedAndUnknown(t *testing.T) {
	rec := &recordingNotifier{}
	b := NewBridge(&memBus{}, rec)

	b.Handle([]byte(`not json`))
	b.Handle([]byte(`{"type":"user:connected","userId":1}`))
	b.Handle([]byte(`{"type":"post:liked","postId":"seven"}`))

	assert.Empty(t, rec.created)
	assert.Empty(t, rec.liked)
}
