package realtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chirp/sns/internal/auth"
	"github.com/chirp/sns/internal/presence"
	"github.com/chirp/sns/internal/protocol"
	wsserver "github.com/chirp/sns/internal/ws"
)

type userMap map[int64]*auth.Identity

func (m userMap) ResolveUser(_ context.Context, id int64) (*auth.Identity, error) {
	u, ok := m[id]
	if !ok {
		return nil, auth.ErrUserNotFound
	}
	return u, nil
}

type liveEnv struct {
	ts     *httptest.Server
	tokens *auth.TokenManager
	events *Broadcaster
	table  *presence.Table
}

func newLiveEnv(t *testing.T) *liveEnv {
	t.Helper()

	tokens := auth.NewTokenManager("e2e-secret", time.Hour)
	users := userMap{1: alice, 2: bob}

	cfg := wsserver.DefaultServerConfig()
	cfg.WorkerPoolSize = 8
	server := wsserver.NewServer(cfg, nil, nil)
	server.SetAuthenticator(auth.NewAuthenticator(tokens, users))
	server.SetHeartbeat(wsserver.HeartbeatConfig{})

	table := presence.NewTable()
	gw, events := Attach(server, table, presence.NewTypingTable(), GatewayConfig{})
	require.NoError(t, server.Prepare())

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = server.Shutdown()
		gw.Shutdown()
	})
	return &liveEnv{ts: ts, tokens: tokens, events: events, table: table}
}

func (e *liveEnv) dial(t *testing.T, cookie string) (net.Conn, error) {
	t.Helper()
	d := ws.Dialer{Timeout: 2 * time.Second}
	if cookie != "" {
		d.Header = ws.HandshakeHeaderHTTP(http.Header{"Cookie": []string{cookie}})
	}
	conn, br, _, err := d.Dial(context.Background(), "ws"+strings.TrimPrefix(e.ts.URL, "http")+"/ws")
	if err != nil {
		return nil, err
	}
	if br != nil {
		return bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// bufferedConn reads frames that arrived together with the handshake
// response before going back to the socket.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }

func (e *liveEnv) login(t *testing.T, user *auth.Identity) net.Conn {
	t.Helper()
	token, _, err := e.tokens.Issue(*user)
	require.NoError(t, err)
	conn, err := e.dial(t, auth.CookieName+"="+token)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn net.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	data, err := wsutil.ReadServerText(conn)
	require.NoError(t, err)
	var ev map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

// expectSilence asserts no frame arrives within a short window.
func expectSilence(t *testing.T, conn net.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	data, err := wsutil.ReadServerText(conn)
	if err == nil {
		t.Fatalf("unexpected frame: %s", data)
	}
}

func TestLive_PresenceLifecycle(t *testing.T) {
	env := newLiveEnv(t)

	a := env.login(t, alice)
	ev := readEvent(t, a)
	assert.Equal(t, []int64{1}, snapshotIDs(t, ev))

	b := env.login(t, bob)
	ev = readEvent(t, b)
	assert.Equal(t, []int64{1, 2}, snapshotIDs(t, ev), "bob's first frame is the snapshot")

	ev = readEvent(t, a)
	assert.Equal(t, protocol.TypeUserConnected, ev["type"])
	assert.Equal(t, float64(2), ev["userId"])
	ev = readEvent(t, a)
	assert.Equal(t, []int64{1, 2}, snapshotIDs(t, ev))

	// Alice likes post 7: both sessions, alice's included, see the absolute count.
	env.events.NotifyPostLiked(protocol.PostLikedMsg{PostID: 7, UserID: 1, Username: "alice", LikeCount: 1})
	for _, c := range []net.Conn{a, b} {
		ev = readEvent(t, c)
		assert.Equal(t, protocol.TypePostLiked, ev["type"])
		assert.Equal(t, float64(1), ev["likeCount"])
		assert.Equal(t, true, ev["isLiked"])
	}

	// Typing is relayed to bob only.
	require.NoError(t, wsutil.WriteClientText(a, []byte(`{"type":"typing:start","content":"h"}`)))
	ev = readEvent(t, b)
	assert.Equal(t, protocol.TypeTypingStart, ev["type"])
	assert.Equal(t, true, ev["isTyping"])
	expectSilence(t, a)

	// Presence pull answers the requester only.
	require.NoError(t, wsutil.WriteClientText(b, []byte(`{"type":"users:get-online"}`)))
	ev = readEvent(t, b)
	assert.Equal(t, []int64{1, 2}, snapshotIDs(t, ev))
	expectSilence(t, a)

	require.NoError(t, b.Close())
	ev = readEvent(t, a)
	assert.Equal(t, protocol.TypeUserDisconnected, ev["type"])
	assert.Equal(t, float64(2), ev["userId"])
	ev = readEvent(t, a)
	assert.Equal(t, []int64{1}, snapshotIDs(t, ev))
}

func TestLive_RejectedHandshakes(t *testing.T) {
	env := newLiveEnv(t)
	a := env.login(t, alice)
	readEvent(t, a)

	expired := env.tokens.WithClock(func() time.Time { return time.Now().Add(-2 * time.Hour) })
	stale, _, err := expired.Issue(*bob)
	require.NoError(t, err)
	foreign, _, err := auth.NewTokenManager("other-secret", time.Hour).Issue(*bob)
	require.NoError(t, err)
	ghost, _, err := env.tokens.Issue(auth.Identity{ID: 99, Username: "ghost"})
	require.NoError(t, err)

	cases := map[string]string{
		"no cookie":       "",
		"unrelated":       "theme=dark",
		"expired token":   auth.CookieName + "=" + stale,
		"wrong signature": auth.CookieName + "=" + foreign,
		"unknown user":    auth.CookieName + "=" + ghost,
	}
	for name, cookie := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := env.dial(t, cookie)
			require.Error(t, err)
			var status ws.StatusError
			require.ErrorAs(t, err, &status)
			assert.Equal(t, http.StatusUnauthorized, int(status))
		})
	}

	// Rejected handshakes never show up in presence.
	assert.Equal(t, 1, env.table.Count())
	expectSilence(t, a)
}

func TestLive_MalformedMessageKeepsSession(t *testing.T) {
	env := newLiveEnv(t)
	a := env.login(t, alice)
	readEvent(t, a)

	require.NoError(t, wsutil.WriteClientText(a, []byte(`{"type":"typing:stop","finalLength":"x"}`)))
	ev := readEvent(t, a)
	assert.Equal(t, protocol.TypeError, ev["type"])
	assert.Equal(t, wsserver.CodeInvalidPayload, ev["code"])

	require.NoError(t, wsutil.WriteClientText(a, []byte(`{"type":"ping"}`)))
	ev = readEvent(t, a)
	assert.Equal(t, protocol.TypePong, ev["type"], fmt.Sprintf("%v", ev))
}
