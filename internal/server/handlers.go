// Package server exposes HTTP handlers, including the authenticated WebSocket
// signaling endpoint, health checks, and the built-in test page.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const authTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     checkOrigin,
}

// Handler serves signaling sessions. Each session moves through
// authenticating, active and closing: a rejected token closes the channel
// with CloseAuthFailed before anything is registered; an accepted one is
// registered and released again on every exit path from the read loop.
type Handler struct {
	hub    *Hub
	relay  *Relay
	tokens TokenValidator
	users  UserDirectory
	logger *slog.Logger
}

// NewHandler wires the session handler to its collaborators.
func NewHandler(hub *Hub, relay *Relay, tokens TokenValidator, users UserDirectory, logger *slog.Logger) *Handler {
	return &Handler{
		hub:    hub,
		relay:  relay,
		tokens: tokens,
		users:  users,
		logger: orDefault(logger),
	}
}

// ServeWebSocket upgrades the request and runs the session until the channel
// closes.
func (h *Handler) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "addr", r.RemoteAddr, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), authTimeout)
	identity, err := h.authenticate(ctx, token)
	cancel()
	if err != nil {
		h.logger.Info("rejected connection", "addr", r.RemoteAddr, "error", err)
		closeWithCode(conn, CloseAuthFailed, "authentication failed")
		return
	}

	if !h.hub.beginSession() {
		closeWithCode(conn, websocket.CloseGoingAway, "server shutting down")
		return
	}

	client := NewClient(conn, identity, r.RemoteAddr, h.logger)
	h.hub.register(client)

	go func() {
		defer h.hub.endSession()
		client.writePump()
	}()

	defer h.hub.endSession()
	defer h.relay.Disconnect(client)

	client.readPump(func(raw []byte) {
		h.relay.Dispatch(client, raw)
	})
}

// authenticate resolves token to a known user.
func (h *Handler) authenticate(ctx context.Context, token string) (Identity, error) {
	userID, err := h.tokens.Validate(token)
	if err != nil {
		return Identity{}, fmt.Errorf("validate token: %w", err)
	}

	user, err := h.users.Lookup(ctx, userID)
	if err != nil {
		return Identity{}, fmt.Errorf("lookup user %s: %w", userID, err)
	}

	return Identity{ID: user.ID, Username: user.Username, Email: user.Email}, nil
}

func closeWithCode(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "PeerDrop relay is running!")
}

// StatsHandler reports how many connections and rooms are live.
func (h *Handler) StatsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{
		"connections": h.hub.ClientCount(),
		"rooms":       h.hub.RoomCount(),
	})
}

// TestPageHandler serves an HTML page for exercising the signaling endpoint
// by hand: connect with a token, join a room, and send raw frames.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPageHTML); err != nil {
		slog.Warn("error writing HTML response", "error", err)
	}
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>PeerDrop Signaling Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #log {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
            font-family: monospace;
        }
        input[type="text"] { width: 300px; padding: 5px; margin-right: 10px; }
        textarea { width: 600px; height: 80px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>PeerDrop Signaling Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="token" placeholder="Access token">
        <button onclick="toggleConnection()" id="connectButton">Connect</button>
    </div>
    <div>
        <input type="text" id="room" placeholder="Room id">
        <button onclick="send({type: 'join_room', room_id: room.value})">Join</button>
        <button onclick="send({type: 'leave_room'})">Leave</button>
    </div>
    <div>
        <textarea id="raw" placeholder='{"type": "offer", "target": "...", "sdp": "..."}'></textarea>
        <button onclick="sendRaw()">Send</button>
    </div>

    <div id="log"></div>

    <script>
        let ws = null;
        const logDiv = document.getElementById('log');
        const statusDiv = document.getElementById('status');
        const connectButton = document.getElementById('connectButton');

        function log(text) {
            const line = document.createElement('div');
            line.textContent = text;
            logDiv.appendChild(line);
            logDiv.scrollTop = logDiv.scrollHeight;
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/api/ws/' + encodeURIComponent(token.value));
            ws.onopen = () => { log('connected'); updateStatus(true); };
            ws.onmessage = (event) => log('<- ' + event.data);
            ws.onclose = (event) => { log('closed (' + event.code + ')'); updateStatus(false); ws = null; };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else {
                connect();
            }
        }

        function send(message) {
            if (ws && ws.readyState === WebSocket.OPEN) {
                const text = JSON.stringify(message);
                ws.send(text);
                log('-> ' + text);
            }
        }

        function sendRaw() {
            try {
                send(JSON.parse(raw.value));
            } catch (e) {
                log('invalid JSON: ' + e);
            }
        }
    </script>
</body>
</html>`
