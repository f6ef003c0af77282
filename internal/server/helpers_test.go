package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const testOrigin = "http://localhost:3000"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestClient builds a Client without a socket; tests read what the hub
// queues for it straight from its send channel.
func newTestClient(id string) *Client {
	return NewClient(nil, Identity{
		ID:       id,
		Username: "user-" + id,
		Email:    id + "@example.com",
	}, "pipe", discardLogger())
}

func registerClients(h *Hub, ids ...string) []*Client {
	clients := make([]*Client, 0, len(ids))
	for _, id := range ids {
		c := newTestClient(id)
		h.register(c)
		clients = append(clients, c)
	}
	return clients
}

// nextMessage returns the next queued message for c, decoded as an object.
func nextMessage(t *testing.T, c *Client) map[string]any {
	t.Helper()

	select {
	case raw, ok := <-c.GetSendChan():
		require.True(t, ok, "send channel closed for %s", c.user.ID)
		var msg map[string]any
		require.NoError(t, json.Unmarshal(raw, &msg))
		return msg
	case <-time.After(time.Second):
		t.Fatalf("no message queued for %s", c.user.ID)
		return nil
	}
}

// expectNoMessage fails if anything is queued for c.
func expectNoMessage(t *testing.T, c *Client) {
	t.Helper()

	select {
	case raw, ok := <-c.GetSendChan():
		if ok {
			t.Fatalf("unexpected message for %s: %s", c.user.ID, raw)
		}
		t.Fatalf("send channel closed for %s", c.user.ID)
	default:
	}
}

// drain discards queued messages until the channel is empty or closed.
func drain(c *Client) {
	for {
		select {
		case _, ok := <-c.send:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// waitClosed reports whether c's send channel is closed once its backlog is
// discarded.
func waitClosed(t *testing.T, c *Client) {
	t.Helper()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-c.send:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("send channel for %s was not closed", c.user.ID)
		}
	}
}

// roomUserIDs extracts the ids of a room_users message in order.
func roomUserIDs(t *testing.T, msg map[string]any) []string {
	t.Helper()

	require.Equal(t, string(TypeRoomUsers), msg["type"])
	users, ok := msg["users"].([]any)
	require.True(t, ok, "users is not a list: %v", msg["users"])

	ids := make([]string, 0, len(users))
	for _, u := range users {
		entry, ok := u.(map[string]any)
		require.True(t, ok)
		ids = append(ids, entry["id"].(string))
	}
	return ids
}

func buildWebSocketURL(serverURL, path string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + path
}

func dialWebSocket(t *testing.T, serverURL, path string) *websocket.Conn {
	t.Helper()

	conn, err := dialWebSocketWithOrigin(serverURL, path, testOrigin)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func dialWebSocketWithOrigin(serverURL, path, origin string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(buildWebSocketURL(serverURL, path), headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil && resp != nil {
		return nil, &handshakeError{status: resp.StatusCode, err: err}
	}
	return conn, err
}

type handshakeError struct {
	status int
	err    error
}

func (e *handshakeError) Error() string { return e.err.Error() }
func (e *handshakeError) Unwrap() error { return e.err }

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// readCloseCode reads until the peer closes and returns the close code.
func readCloseCode(t *testing.T, conn *websocket.Conn) int {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr)
		return closeErr.Code
	}
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

// useConfig applies cfg for the duration of the test.
func useConfig(t *testing.T, cfg *Config) {
	t.Helper()
	SetConfig(cfg)
	t.Cleanup(func() { SetConfig(nil) })
}

func getBody(t *testing.T, url string) (*http.Response, string) {
	t.Helper()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func newTestServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}
