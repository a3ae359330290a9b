package feed

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{}

func testLogger() log.Logger {
	level, _ := log.ToLevel("debug")
	return log.NewTestLogger(level)
}

// startFeedServer runs a websocket endpoint driving the given session
// function once per connection.
func startFeedServer(t *testing.T, session func(*websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		session(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestFeedCachesLatestProof(t *testing.T) {
	url := startFeedServer(t, func(conn *websocket.Conn) {
		conn.WriteJSON(message{Type: "proof", Pair: 1, Proof: []byte("first")})
		conn.WriteJSON(message{Type: "proof", Pair: 1, Proof: []byte("second")})
		conn.WriteJSON(message{Type: "proof", Pair: 2, Proof: []byte("other")})
		time.Sleep(time.Second)
	})

	f := New(url, testLogger())
	require.NoError(t, f.Connect())
	defer f.Close()

	require.Eventually(t, func() bool {
		blob, _, err := f.Latest(2)
		return err == nil && string(blob) == "other"
	}, 2*time.Second, 10*time.Millisecond)

	// Later proofs replace earlier ones for the same pair.
	blob, received, err := f.Latest(1)
	require.NoError(t, err)
	assert.Equal(t, "second", string(blob))
	assert.WithinDuration(t, time.Now(), received, 2*time.Second)

	_, _, err = f.Latest(9)
	assert.ErrorIs(t, err, ErrNoProof)
}

func TestFeedSubscribe(t *testing.T) {
	got := make(chan message, 1)
	url := startFeedServer(t, func(conn *websocket.Conn) {
		var msg message
		if err := conn.ReadJSON(&msg); err == nil {
			got <- msg
		}
	})

	f := New(url, testLogger())
	require.NoError(t, f.Connect())
	defer f.Close()

	require.NoError(t, f.Subscribe(7))
	select {
	case msg := <-got:
		assert.Equal(t, "subscribe", msg.Type)
		assert.Equal(t, []uint32{7}, msg.Pairs)
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe message never reached the server")
	}

	// Second subscribe to the same pair is a no-op.
	require.NoError(t, f.Subscribe(7))
}

func TestFeedHealth(t *testing.T) {
	url := startFeedServer(t, func(conn *websocket.Conn) {
		conn.WriteJSON(message{Type: "heartbeat"})
		time.Sleep(time.Second)
	})

	f := New(url, testLogger())
	require.NoError(t, f.Connect())
	defer f.Close()
	assert.True(t, f.IsHealthy())
}

func TestFeedNotConnected(t *testing.T) {
	f := New("ws://127.0.0.1:0", testLogger())
	assert.Error(t, f.Subscribe(1))
	_, _, err := f.Latest(1)
	assert.ErrorIs(t, err, ErrNoProof)
}
