package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chirp/sns/internal/auth"
	"github.com/chirp/sns/internal/presence"
	"github.com/chirp/sns/internal/protocol"
	"github.com/chirp/sns/internal/ratelimit"
	"github.com/chirp/sns/internal/ws"
)

// memGroup is an in-memory Group that records every frame per session.
type memGroup struct {
	mu     sync.Mutex
	rooms  map[string]map[string]bool
	inbox  map[string][]map[string]interface{}
	broken map[string]bool
}

func newMemGroup() *memGroup {
	return &memGroup{
		rooms:  make(map[string]map[string]bool),
		inbox:  make(map[string][]map[string]interface{}),
		broken: make(map[string]bool),
	}
}

func (m *memGroup) Join(id, room string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rooms[room] == nil {
		m.rooms[room] = make(map[string]bool)
	}
	m.rooms[room][id] = true
	return true
}

func (m *memGroup) Leave(id, room string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.rooms[room][id] {
		return false
	}
	delete(m.rooms[room], id)
	return true
}

func (m *memGroup) InRoom(id, room string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rooms[room][id]
}

// drop mirrors ConnectionManager.Remove: a closed session leaves every room.
func (m *memGroup) drop(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, members := range m.rooms {
		delete(members, id)
	}
}

func (m *memGroup) deliver(id string, msg []byte) error {
	if m.broken[id] {
		return errors.New("broken pipe")
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(msg, &decoded); err != nil {
		return err
	}
	m.inbox[id] = append(m.inbox[id], decoded)
	return nil
}

func (m *memGroup) Send(id string, msg []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deliver(id, msg)
}

func (m *memGroup) BroadcastRoom(room string, msg []byte, exceptID string) (int, []ws.SendFailure) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.rooms[room]))
	for id := range m.rooms[room] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var (
		sent     int
		failures []ws.SendFailure
	)
	for _, id := range ids {
		if id == exceptID {
			continue
		}
		if err := m.deliver(id, msg); err != nil {
			failures = append(failures, ws.SendFailure{ConnID: id, Err: err})
			continue
		}
		sent++
	}
	return sent, failures
}

// take returns and clears the frames received by a session.
func (m *memGroup) take(id string) []map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.inbox[id]
	delete(m.inbox, id)
	return msgs
}

func types(msgs []map[string]interface{}) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m["type"].(string))
	}
	return out
}

func snapshotIDs(t *testing.T, msg map[string]interface{}) []int64 {
	t.Helper()
	require.Equal(t, protocol.TypeUsersOnline, msg["type"])
	users := msg["users"].([]interface{})
	ids := make([]int64, 0, len(users))
	for _, u := range users {
		ids = append(ids, int64(u.(map[string]interface{})["userId"].(float64)))
	}
	require.Equal(t, float64(len(ids)), msg["count"])
	return ids
}

var (
	alice = &auth.Identity{ID: 1, Username: "alice", DisplayName: "Alice Johnson"}
	bob   = &auth.Identity{ID: 2, Username: "bob", DisplayName: "Bob Smith"}
	carol = &auth.Identity{ID: 3, Username: "carol", DisplayName: "Carol"}
)

type fixture struct {
	group   *memGroup
	gateway *Gateway
	table   *presence.Table
	typing  *presence.TypingTable
}

func newFixture(cfg GatewayConfig) *fixture {
	group := newMemGroup()
	table := presence.NewTable()
	typing := presence.NewTypingTable()
	return &fixture{
		group:   group,
		gateway: NewGateway(group, NewBroadcaster(group), table, typing, cfg),
		table:   table,
		typing:  typing,
	}
}

func (f *fixture) connect(id string, user *auth.Identity) *ws.Connection {
	c := &ws.Connection{ID: id, User: user}
	f.gateway.HandleConnect(c)
	return c
}

func (f *fixture) disconnect(c *ws.Connection) {
	f.group.drop(c.ID)
	f.gateway.HandleDisconnect(c)
}

func TestConnect_FirstUserGetsOnlySnapshot(t *testing.T) {
	f := newFixture(GatewayConfig{})
	f.connect("a1", alice)

	msgs := f.group.take("a1")
	require.Equal(t, []string{protocol.TypeUsersOnline}, types(msgs))
	assert.Equal(t, []int64{1}, snapshotIDs(t, msgs[0]))
	assert.True(t, f.group.InRoom("a1", protocol.MainRoom))
}

func TestConnect_SecondUserScenario(t *testing.T) {
	f := newFixture(GatewayConfig{})
	f.connect("a1", alice)
	f.group.take("a1")

	f.connect("b1", bob)

	// Alice sees exactly one user:connected for bob, then one snapshot.
	aliceMsgs := f.group.take("a1")
	require.Equal(t, []string{protocol.TypeUserConnected, protocol.TypeUsersOnline}, types(aliceMsgs))
	assert.Equal(t, float64(2), aliceMsgs[0]["userId"])
	assert.Equal(t, "bob", aliceMsgs[0]["username"])
	assert.Equal(t, "Bob Smith", aliceMsgs[0]["displayName"])
	assert.NotEmpty(t, aliceMsgs[0]["connectedAt"])
	assert.Equal(t, []int64{1, 2}, snapshotIDs(t, aliceMsgs[1]))

	// Bob gets no user:connected at all, only the snapshot listing both.
	bobMsgs := f.group.take("b1")
	require.Equal(t, []string{protocol.TypeUsersOnline}, types(bobMsgs))
	assert.Equal(t, []int64{1, 2}, snapshotIDs(t, bobMsgs[0]))
}

func TestDisconnect_NotifiesRemainingSessions(t *testing.T) {
	f := newFixture(GatewayConfig{})
	f.connect("a1", alice)
	b := f.connect("b1", bob)
	f.group.take("a1")
	f.group.take("b1")

	f.disconnect(b)

	msgs := f.group.take("a1")
	require.Equal(t, []string{protocol.TypeUserDisconnected, protocol.TypeUsersOnline}, types(msgs))
	assert.Equal(t, float64(2), msgs[0]["userId"])
	assert.Equal(t, []int64{1}, snapshotIDs(t, msgs[1]))
	assert.Empty(t, f.group.take("b1"))
	assert.False(t, f.table.IsOnline(2))
}

func TestDisconnect_Twice_IsNoop(t *testing.T) {
	f := newFixture(GatewayConfig{})
	f.connect("a1", alice)
	b := f.connect("b1", bob)
	f.disconnect(b)
	f.group.take("a1")

	f.disconnect(b)

	assert.Empty(t, f.group.take("a1"))
	assert.Equal(t, 1, f.table.Count())
}

func TestUnauthenticatedSession_NoStateNoEvents(t *testing.T) {
	f := newFixture(GatewayConfig{})
	f.connect("a1", alice)
	f.group.take("a1")

	anon := f.connect("x1", nil)
	assert.False(t, f.group.InRoom("x1", protocol.MainRoom))
	assert.Empty(t, f.group.take("a1"))
	assert.Equal(t, 1, f.table.Count())

	f.disconnect(anon)
	assert.Empty(t, f.group.take("a1"))
	assert.Empty(t, f.group.take("x1"))
}

func TestMultiSession_OnlyFirstAndLastProduceEvents(t *testing.T) {
	f := newFixture(GatewayConfig{})
	f.connect("b1", bob)
	tab1 := f.connect("a1", alice)
	f.group.take("b1")

	tab2 := f.connect("a2", alice)
	assert.Equal(t, []string{protocol.TypeUsersOnline}, types(f.group.take("b1")))
	assert.Equal(t, 2, f.table.Sessions(1))

	f.disconnect(tab1)
	assert.Empty(t, f.group.take("b1"))
	assert.True(t, f.table.IsOnline(1))

	f.disconnect(tab2)
	msgs := f.group.take("b1")
	require.Equal(t, []string{protocol.TypeUserDisconnected, protocol.TypeUsersOnline}, types(msgs))
	assert.Equal(t, []int64{2}, snapshotIDs(t, msgs[1]))
}

func TestTyping_RelayedToOthersOnly(t *testing.T) {
	f := newFixture(GatewayConfig{})
	a := f.connect("a1", alice)
	f.connect("b1", bob)
	f.connect("c1", carol)
	for _, id := range []string{"a1", "b1", "c1"} {
		f.group.take(id)
	}

	draft := "hel"
	f.gateway.HandleTypingStart(a, protocol.TypingStartMsg{Content: &draft})
	assert.True(t, f.typing.IsTyping(1))

	for _, id := range []string{"b1", "c1"} {
		msgs := f.group.take(id)
		require.Len(t, msgs, 1)
		assert.Equal(t, protocol.TypeTypingStart, msgs[0]["type"])
		assert.Equal(t, float64(1), msgs[0]["userId"])
		assert.Equal(t, "Alice Johnson", msgs[0]["displayName"])
		assert.Equal(t, true, msgs[0]["isTyping"])
	}
	assert.Empty(t, f.group.take("a1"))

	f.gateway.HandleTypingStop(a, protocol.TypingStopMsg{})
	assert.False(t, f.typing.IsTyping(1))
	msgs := f.group.take("b1")
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.TypeTypingStop, msgs[0]["type"])
	assert.Equal(t, false, msgs[0]["isTyping"])
	assert.Empty(t, f.group.take("a1"))
}

type denyLimiter struct{ calls int }

func (d *denyLimiter) Allow(context.Context, string, ratelimit.Rule) (bool, error) {
	d.calls++
	return false, nil
}

func TestTyping_RateLimitedStartIsDropped(t *testing.T) {
	f := newFixture(GatewayConfig{})
	lim := &denyLimiter{}
	f.gateway.SetLimiter(lim)
	a := f.connect("a1", alice)
	f.connect("b1", bob)
	f.group.take("b1")

	f.gateway.HandleTypingStart(a, protocol.TypingStartMsg{})
	assert.Empty(t, f.group.take("b1"))
	assert.Equal(t, 1, lim.calls)

	// Stops always go through.
	f.gateway.HandleTypingStop(a, protocol.TypingStopMsg{})
	assert.Equal(t, []string{protocol.TypeTypingStop}, types(f.group.take("b1")))
}

func TestTyping_DisconnectWhileTyping(t *testing.T) {
	for _, stopOnDisconnect := range []bool{false, true} {
		f := newFixture(GatewayConfig{StopTypingOnDisconnect: stopOnDisconnect})
		a := f.connect("a1", alice)
		f.connect("b1", bob)
		f.gateway.HandleTypingStart(a, protocol.TypingStartMsg{})
		f.group.take("b1")

		f.disconnect(a)

		want := []string{protocol.TypeUserDisconnected, protocol.TypeUsersOnline}
		if stopOnDisconnect {
			want = append([]string{protocol.TypeTypingStop}, want...)
		}
		assert.Equal(t, want, types(f.group.take("b1")), "stopOnDisconnect=%v", stopOnDisconnect)
		assert.Equal(t, 0, f.typing.Count())
	}
}

func TestGetOnline_RequesterOnly(t *testing.T) {
	f := newFixture(GatewayConfig{})
	a := f.connect("a1", alice)
	f.connect("b1", bob)
	f.group.take("a1")
	f.group.take("b1")

	f.gateway.HandleGetOnline(a, protocol.GetOnlineMsg{})

	msgs := f.group.take("a1")
	require.Len(t, msgs, 1)
	assert.Equal(t, []int64{1, 2}, snapshotIDs(t, msgs[0]))
	assert.Empty(t, f.group.take("b1"))
}

func TestJoinLeave(t *testing.T) {
	f := newFixture(GatewayConfig{})
	a := f.connect("a1", alice)
	f.connect("b1", bob)
	f.group.take("a1")

	f.gateway.HandleLeave(a, protocol.LeaveMsg{Room: protocol.MainRoom})
	assert.False(t, f.group.InRoom("a1", protocol.MainRoom))
	assert.True(t, f.table.IsOnline(1), "leaving the room does not touch presence")

	f.gateway.events.NotifyPostDeleted(protocol.PostDeletedMsg{ID: 9, AuthorID: 2})
	assert.Empty(t, f.group.take("a1"))

	f.gateway.HandleJoin(a, protocol.JoinMsg{})
	assert.True(t, f.group.InRoom("a1", protocol.MainRoom))
	assert.Equal(t, []string{protocol.TypeUsersOnline}, types(f.group.take("a1")))
}

func TestJoin_UnknownRoom(t *testing.T) {
	f := newFixture(GatewayConfig{})
	a := f.connect("a1", alice)
	f.group.take("a1")

	f.gateway.HandleJoin(a, protocol.JoinMsg{Room: "lobby"})

	msgs := f.group.take("a1")
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.TypeError, msgs[0]["type"])
	assert.Equal(t, CodeUnknownRoom, msgs[0]["code"])
}

func TestShutdown_ClearsTables(t *testing.T) {
	f := newFixture(GatewayConfig{})
	a := f.connect("a1", alice)
	f.gateway.HandleTypingStart(a, protocol.TypingStartMsg{})

	f.gateway.Shutdown()

	assert.Equal(t, 0, f.table.Count())
	assert.Equal(t, 0, f.typing.Count())
}

// For any interleaving of connects and disconnects, the presence count is
// the number of users with at least one open session.
func TestPresenceCount_RandomSequences(t *testing.T) {
	users := []*auth.Identity{alice, bob, carol}
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 50; round++ {
		f := newFixture(GatewayConfig{})
		open := map[string]*ws.Connection{}
		next := 0

		for step := 0; step < 40; step++ {
			if len(open) == 0 || rng.Intn(2) == 0 {
				next++
				id := "s" + string(rune('a'+next%26)) + string(rune('0'+next/26))
				open[id] = f.connect(id, users[rng.Intn(len(users))])
			} else {
				for id, c := range open {
					f.disconnect(c)
					delete(open, id)
					break
				}
			}

			distinct := map[int64]bool{}
			for _, c := range open {
				distinct[c.User.ID] = true
			}
			require.Equal(t, len(distinct), f.table.Count(), "round %d step %d", round, step)
		}
	}
}

func TestConcurrentChurn_LastSnapshotIsCurrent(t *testing.T) {
	f := newFixture(GatewayConfig{})
	f.connect("watcher", carol)

	const users = 24
	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := &auth.Identity{ID: int64(100 + i), Username: fmt.Sprintf("u%d", i)}
			for round := 0; round < 5; round++ {
				c := f.connect(fmt.Sprintf("s%d-%d", i, round), user)
				if round == 4 && i%2 == 0 {
					return // even users stay online
				}
				f.disconnect(c)
			}
		}(i)
	}
	wg.Wait()

	want := []int64{carol.ID}
	for i := 0; i < users; i += 2 {
		want = append(want, int64(100+i))
	}

	var last map[string]interface{}
	for _, msg := range f.group.take("watcher") {
		if msg["type"] == protocol.TypeUsersOnline {
			last = msg
		}
	}
	require.NotNil(t, last)
	got := snapshotIDs(t, last)
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	assert.Equal(t, want, got)
	assert.Equal(t, len(want), f.table.Count())
}
