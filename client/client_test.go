package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/streamgate/models"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// fakeGateway serves /stream with a per-connection script.
func fakeGateway(t *testing.T, script func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		script(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestNewRequiresServerURL(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestClientReceivesConnected(t *testing.T) {
	srv := fakeGateway(t, func(conn *websocket.Conn, r *http.Request) {
		assert.Equal(t, "stream-key-7f3e", r.URL.Query().Get("apiKey"))
		require.NoError(t, conn.WriteJSON(map[string]any{
			"event":  "connected",
			"topics": []string{"/users/123456"},
			"retry":  5000,
		}))
		time.Sleep(100 * time.Millisecond)
	})

	c, err := New(Config{ServerURL: wsURL(srv), APIKey: "stream-key-7f3e"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	select {
	case evt := <-c.Events():
		assert.Equal(t, models.EventConnected, evt.Event)
		assert.Equal(t, []string{"/users/123456"}, evt.Topics)
		assert.Equal(t, int64(5000), evt.Retry)
		assert.Equal(t, int64(5000), c.retryMillis.Load())
	case <-ctx.Done():
		t.Fatal("no connected event")
	}
}

func TestClientInvalidKeyIsTerminal(t *testing.T) {
	var dials atomic.Int64
	srv := fakeGateway(t, func(conn *websocket.Conn, r *http.Request) {
		dials.Add(1)
		msg := websocket.FormatCloseMessage(4403, "Invalid API key")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	})

	c, err := New(Config{ServerURL: wsURL(srv), APIKey: "bad", Reconnect: true})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = c.Run(ctx)
	assert.ErrorIs(t, err, ErrInvalidKey)
	// Reconnect never overrides an authentication rejection.
	assert.Equal(t, int64(1), dials.Load())
}

func TestClientReconnectsWithRetryHint(t *testing.T) {
	var dials atomic.Int64
	srv := fakeGateway(t, func(conn *websocket.Conn, r *http.Request) {
		dials.Add(1)
		require.NoError(t, conn.WriteJSON(map[string]any{
			"event":  "connected",
			"topics": []string{},
			"retry":  10,
		}))
		// Drop the connection without a close frame.
	})

	c, err := New(Config{ServerURL: wsURL(srv), Topic: "/public/1", Reconnect: true})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && dials.Load() < 2 {
		time.Sleep(10 * time.Millisecond)
	}
	assert.GreaterOrEqual(t, dials.Load(), int64(2))
}

func TestClientNoReconnectWhenDisabled(t *testing.T) {
	var dials atomic.Int64
	srv := fakeGateway(t, func(conn *websocket.Conn, r *http.Request) {
		dials.Add(1)
	})

	c, err := New(Config{ServerURL: wsURL(srv), Topic: "/public/1"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = c.Run(ctx)
	assert.Error(t, err)
	assert.Equal(t, int64(1), dials.Load())
}

func TestClientSubscribeSendsControlMessage(t *testing.T) {
	received := make(chan models.ControlMessage, 1)
	srv := fakeGateway(t, func(conn *websocket.Conn, r *http.Request) {
		require.NoError(t, conn.WriteJSON(map[string]any{
			"event":  "connected",
			"topics": []string{},
			"retry":  10000,
		}))
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		var ctl models.ControlMessage
		require.NoError(t, json.Unmarshal(raw, &ctl))
		received <- ctl
	})

	c, err := New(Config{ServerURL: wsURL(srv)})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	// Wait until the connection is up before issuing the control message.
	select {
	case <-c.Events():
	case <-ctx.Done():
		t.Fatal("no connected event")
	}

	require.NoError(t, c.Subscribe("key-a", []string{"/users/1"}))

	select {
	case ctl := <-received:
		assert.Equal(t, models.ActionSubscribe, ctl.Action)
		assert.Equal(t, "key-a", ctl.APIKey)
		assert.Equal(t, []string{"/users/1"}, ctl.Topics)
	case <-ctx.Done():
		t.Fatal("control message never arrived")
	}
}
