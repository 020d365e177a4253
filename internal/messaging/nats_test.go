package messaging

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient connects to NATS at TEST_NATS_URL (or the default URL) and
// skips the test when no server is running.
func newTestClient(t *testing.T) *NATSClient {
	t.Helper()
	cfg := DefaultNATSConfig()
	if url := os.Getenv("TEST_NATS_URL"); url != "" {
		cfg.URL = url
	}
	cfg.Name = "sns-test"
	c, err := NewNATSClient(cfg)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func testSubject(t *testing.T) string {
	return fmt.Sprintf("sns.test.%s.%d", t.Name(), time.Now().UnixNano())
}

func TestPublishSubscribe(t *testing.T) {
	c := newTestClient(t)
	subject := testSubject(t)

	got := make(chan []byte, 4)
	require.NoError(t, c.Subscribe(subject, func(data []byte) { got <- data }))
	require.NoError(t, c.Flush())

	require.NoError(t, c.Publish(subject, []byte(`{"postId":5}`)))

	select {
	case data := <-got:
		assert.JSONEq(t, `{"postId":5}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestSubscribeReplacesPrevious(t *testing.T) {
	c := newTestClient(t)
	subject := testSubject(t)

	first := make(chan []byte, 4)
	second := make(chan []byte, 4)
	require.NoError(t, c.Subscribe(subject, func(data []byte) { first <- data }))
	require.NoError(t, c.Subscribe(subject, func(data []byte) { second <- data }))
	require.NoError(t, c.Flush())

	require.NoError(t, c.Publish(subject, []byte("x")))

	select {
	case <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("replacement subscription got nothing")
	}
	select {
	case <-first:
		t.Fatal("replaced subscription still receives")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	c := newTestClient(t)
	subject := testSubject(t)

	assert.Error(t, c.Unsubscribe(subject))
	require.NoError(t, c.Subscribe(subject, func([]byte) {}))
	assert.NoError(t, c.Unsubscribe(subject))
}
