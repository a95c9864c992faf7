package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/tracer/internal/retry"
	"github.com/coral-mesh/tracer/internal/testutil"
)

func TestMailbox_QueuedBeforeReceive(t *testing.T) {
	box := newMailbox()
	require.True(t, box.deliver("reply:1", json.RawMessage(`1`)))
	require.True(t, box.deliver("reply:1", json.RawMessage(`2`)))

	first, err := box.receive(context.Background(), "reply:1")
	require.NoError(t, err)
	second, err := box.receive(context.Background(), "reply:1")
	require.NoError(t, err)

	assert.JSONEq(t, `1`, string(first))
	assert.JSONEq(t, `2`, string(second))
}

func TestMailbox_WaiterIsWoken(t *testing.T) {
	box := newMailbox()

	got := make(chan json.RawMessage, 1)
	go func() {
		payload, err := box.receive(context.Background(), "reply:7")
		assert.NoError(t, err)
		got <- payload
	}()

	require.Eventually(t, func() bool {
		box.mu.Lock()
		defer box.mu.Unlock()
		return len(box.waiters["reply:7"]) == 1
	}, time.Second, time.Millisecond)

	box.deliver("reply:other", json.RawMessage(`"x"`))
	box.deliver("reply:7", json.RawMessage(`"ok"`))

	select {
	case payload := <-got:
		assert.JSONEq(t, `"ok"`, string(payload))
	case <-time.After(time.Second):
		t.Fatal("receive did not return")
	}
}

func TestMailbox_CancelledReceiveKeepsLaterMessage(t *testing.T) {
	box := newMailbox()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := box.receive(ctx, "reply:1")
	assert.ErrorIs(t, err, context.Canceled)

	box.deliver("reply:1", json.RawMessage(`true`))
	payload, err := box.receive(context.Background(), "reply:1")
	require.NoError(t, err)
	assert.JSONEq(t, `true`, string(payload))
}

func TestMailbox_CloseFailsWaiters(t *testing.T) {
	box := newMailbox()

	errs := make(chan error, 1)
	go func() {
		_, err := box.receive(context.Background(), "reply:1")
		errs <- err
	}()
	require.Eventually(t, func() bool {
		box.mu.Lock()
		defer box.mu.Unlock()
		return len(box.waiters) == 1
	}, time.Second, time.Millisecond)

	box.close(ErrClosed)

	assert.ErrorIs(t, <-errs, ErrClosed)
	assert.False(t, box.deliver("reply:1", json.RawMessage(`1`)))
	_, err := box.receive(context.Background(), "reply:2")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPipe_RoundTrip(t *testing.T) {
	var pipe *Pipe
	pipe = NewPipe(func(msg json.RawMessage) {
		var m struct {
			Type   string `json:"type"`
			BaseID int    `json:"baseId"`
		}
		require.NoError(t, json.Unmarshal(msg, &m))
		if m.Type == "handlers:get" {
			require.NoError(t, pipe.Post("reply:1", map[string]any{"scripts": []string{"s"}}))
		}
	})

	require.NoError(t, pipe.Send(map[string]any{"type": "handlers:get", "baseId": 1}))
	payload, err := pipe.Receive(context.Background(), "reply:1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"scripts":["s"]}`, string(payload))
	assert.Len(t, pipe.Sent(), 1)

	require.NoError(t, pipe.Close())
	assert.ErrorIs(t, pipe.Send(map[string]any{"type": "x"}), ErrClosed)
	assert.ErrorIs(t, pipe.Post("reply:2", 1), ErrClosed)
}

func TestToken_RoundTrip(t *testing.T) {
	secret := []byte("s3cret")
	token, err := NewToken(secret, "session-1", time.Minute)
	require.NoError(t, err)

	claims, err := VerifyToken(secret, token)
	require.NoError(t, err)
	assert.Equal(t, "session-1", claims.Subject)

	_, err = VerifyToken([]byte("other"), token)
	assert.Error(t, err)
}

// hostServer accepts one agent connection, answers every handlers:get with
// a single script and records all agent messages.
func hostServer(t *testing.T, secret []byte) (*httptest.Server, <-chan json.RawMessage) {
	t.Helper()
	received := make(chan json.RawMessage, 16)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if _, err := VerifyToken(secret, token); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()

		for {
			var raw json.RawMessage
			if err := conn.ReadJSON(&raw); err != nil {
				return
			}
			received <- raw

			var m struct {
				Type   string `json:"type"`
				BaseID int    `json:"baseId"`
			}
			if json.Unmarshal(raw, &m) != nil || m.Type != "handlers:get" {
				continue
			}
			_ = conn.WriteJSON(Envelope{Tag: "reply:1", Payload: json.RawMessage(`{"scripts":["log: '\"hi\"'"]}`)})
		}
	}))
	t.Cleanup(srv.Close)
	return srv, received
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocket_SendReceive(t *testing.T) {
	secret := []byte("k")
	srv, received := hostServer(t, secret)

	ws, err := Dial(context.Background(), DialOptions{
		URL:       wsURL(srv),
		Secret:    secret,
		SessionID: "abc",
		TokenTTL:  time.Minute,
	}, zerolog.Nop())
	require.NoError(t, err)
	defer func() { _ = ws.Close() }()

	require.NoError(t, ws.Send(map[string]any{"type": "handlers:get", "baseId": 1}))

	ctx := testutil.NewTestContext(t)
	payload, err := ws.Receive(ctx, "reply:1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"scripts":["log: '\"hi\"'"]}`, string(payload))

	select {
	case raw := <-received:
		assert.JSONEq(t, `{"type":"handlers:get","baseId":1}`, string(raw))
	case <-time.After(time.Second):
		t.Fatal("host did not receive the request")
	}
}

func TestWebSocket_RejectedTokenIsNotRetried(t *testing.T) {
	srv, _ := hostServer(t, []byte("right"))

	start := time.Now()
	_, err := Dial(context.Background(), DialOptions{
		URL:    wsURL(srv),
		Secret: []byte("wrong"),
		Retry:  retry.Config{MaxRetries: 5, InitialBackoff: time.Second},
	}, zerolog.Nop())

	require.Error(t, err)
	var rejected *rejectedError
	assert.True(t, errors.As(err, &rejected))
	assert.Less(t, time.Since(start), time.Second)
}

func TestWebSocket_ReceiveFailsAfterHostCloses(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		_ = conn.Close()
	}))
	defer srv.Close()

	ws, err := Dial(context.Background(), DialOptions{URL: wsURL(srv)}, zerolog.Nop())
	require.NoError(t, err)
	defer func() { _ = ws.Close() }()

	ctx := testutil.NewTestContext(t)
	_, err = ws.Receive(ctx, "rpc")
	assert.ErrorIs(t, err, ErrClosed)
}
