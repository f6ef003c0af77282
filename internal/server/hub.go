// Package server tracks who is online and which room each user is in via the
// Hub type, and fans room state out to members.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/gorilla/websocket"
)

// Hub is the presence registry and room membership table. One lock guards
// both maps and every registered Client's room field, so a join/leave
// sequence is applied as a unit. Sends never happen while the write lock is
// held; a room broadcast snapshots its members under the read lock and fans
// out after releasing it.
type Hub struct {
	clients      map[string]*Client
	rooms        map[string]map[string]struct{}
	mutex        sync.RWMutex
	wg           sync.WaitGroup
	shuttingDown bool
	logger       *slog.Logger
}

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]struct{}),
		logger:  orDefault(logger),
	}
}

// register binds client to its user identity. An existing connection for the
// same identity is evicted: it leaves its room and its channel is closed with
// CloseSuperseded. After Shutdown has started the client is closed with
// CloseGoingAway instead of being registered.
func (h *Hub) register(client *Client) {
	h.mutex.Lock()
	if h.shuttingDown {
		h.closeLocked(client, websocket.CloseGoingAway)
		h.mutex.Unlock()
		h.logger.Info("rejected registration during shutdown", "user", client.user.ID, "conn", client.id)
		return
	}
	var affectedRoom string
	stale, exists := h.clients[client.user.ID]
	if exists && stale != client {
		affectedRoom = h.leaveLocked(stale)
		delete(h.clients, stale.user.ID)
		h.closeLocked(stale, CloseSuperseded)
	}
	h.clients[client.user.ID] = client
	total := len(h.clients)
	h.mutex.Unlock()

	if exists && stale != client {
		h.logger.Info("connection superseded", "user", client.user.ID, "stale_conn", stale.id)
	}
	h.logger.Info("client registered", "user", client.user.ID, "conn", client.id, "total", total)

	if affectedRoom != "" {
		h.broadcastRoom(affectedRoom)
	}
}

// unregister removes client from its room and from the registry. It is
// idempotent, and it never removes a newer connection that replaced client.
// It reports whether client was still the registered connection.
func (h *Hub) unregister(client *Client) bool {
	return h.detach(client, websocket.CloseNormalClosure)
}

func (h *Hub) detach(client *Client, code int) bool {
	h.mutex.Lock()
	var affectedRoom string
	current := h.clients[client.user.ID] == client
	if current {
		affectedRoom = h.leaveLocked(client)
		delete(h.clients, client.user.ID)
	}
	h.closeLocked(client, code)
	total := len(h.clients)
	h.mutex.Unlock()

	if current {
		h.logger.Info("client unregistered", "user", client.user.ID, "conn", client.id, "total", total)
	}
	if affectedRoom != "" {
		h.broadcastRoom(affectedRoom)
	}
	return current
}

// Get returns the connection registered for userID.
func (h *Hub) Get(userID string) (*Client, bool) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	client, ok := h.clients[userID]
	return client, ok
}

// Join moves client into roomID, leaving any other room first, then
// broadcasts the new member list to the room. It reports false when client is
// no longer registered.
func (h *Hub) Join(client *Client, roomID string) bool {
	h.mutex.Lock()
	if h.clients[client.user.ID] != client {
		h.mutex.Unlock()
		return false
	}

	var previousRoom string
	if client.roomID != "" && client.roomID != roomID {
		previousRoom = h.leaveLocked(client)
	}

	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		h.rooms[roomID] = members
	}
	members[client.user.ID] = struct{}{}
	client.roomID = roomID
	h.mutex.Unlock()

	h.logger.Debug("joined room", "user", client.user.ID, "room", roomID)

	if previousRoom != "" {
		h.broadcastRoom(previousRoom)
	}
	h.broadcastRoom(roomID)
	return true
}

// Leave removes client from its current room, if any.
func (h *Hub) Leave(client *Client) {
	h.mutex.Lock()
	if h.clients[client.user.ID] != client {
		h.mutex.Unlock()
		return
	}
	previous := client.roomID
	affectedRoom := h.leaveLocked(client)
	h.mutex.Unlock()

	if previous != "" {
		h.logger.Debug("left room", "user", client.user.ID, "room", previous)
	}
	if affectedRoom != "" {
		h.broadcastRoom(affectedRoom)
	}
}

// leaveLocked clears client's membership and returns the room that still has
// members and needs a broadcast, or "" when there is nothing to announce.
func (h *Hub) leaveLocked(client *Client) string {
	roomID := client.roomID
	if roomID == "" {
		return ""
	}
	client.roomID = ""

	members, ok := h.rooms[roomID]
	if !ok {
		return ""
	}
	delete(members, client.user.ID)
	if len(members) == 0 {
		delete(h.rooms, roomID)
		return ""
	}
	return roomID
}

// closeLocked closes client's send channel once, telling its write pump to
// send a close frame with code.
func (h *Hub) closeLocked(client *Client, code int) {
	if client.closed {
		return
	}
	client.closed = true
	client.closeCode = code
	close(client.send)
}

// broadcastRoom sends the current member list of roomID to every member.
// Failed deliveries are collected and cleaned up after the fan-out.
func (h *Hub) broadcastRoom(roomID string) {
	h.mutex.RLock()
	if h.shuttingDown {
		h.mutex.RUnlock()
		return
	}
	members := h.rooms[roomID]
	users := make([]RoomUser, 0, len(members))
	targets := make([]*Client, 0, len(members))
	for userID := range members {
		client, ok := h.clients[userID]
		if !ok {
			continue
		}
		users = append(users, RoomUser{
			ID:       client.user.ID,
			Username: client.user.Username,
			Email:    client.user.Email,
		})
		targets = append(targets, client)
	}
	h.mutex.RUnlock()

	if len(targets) == 0 {
		return
	}

	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	payload, err := json.Marshal(roomUsersMessage{Type: TypeRoomUsers, RoomID: roomID, Users: users})
	if err != nil {
		h.logger.Error("failed to encode room users", "room", roomID, "error", err)
		return
	}

	var failed []*Client
	for _, client := range targets {
		if !h.enqueue(client, payload) {
			failed = append(failed, client)
		}
	}
	for _, client := range failed {
		h.drop(client)
	}
}

// Deliver sends payload to the connection registered for userID. Unknown
// users are ignored; a connection that cannot take the message is treated
// as disconnected. It reports whether the message was queued.
func (h *Hub) Deliver(userID string, payload []byte) bool {
	client, ok := h.Get(userID)
	if !ok {
		return false
	}
	return h.deliverTo(client, payload)
}

// DeliverJSON encodes v and delivers it to userID.
func (h *Hub) DeliverJSON(userID string, v any) bool {
	payload, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("failed to encode message", "user", userID, "error", err)
		return false
	}
	return h.Deliver(userID, payload)
}

// deliverTo sends payload to one specific connection.
func (h *Hub) deliverTo(client *Client, payload []byte) bool {
	if h.enqueue(client, payload) {
		return true
	}
	h.drop(client)
	return false
}

// enqueue never blocks: a full buffer counts as a failed send.
func (h *Hub) enqueue(client *Client, payload []byte) bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if client.closed {
		return false
	}
	select {
	case client.send <- payload:
		return true
	default:
		return false
	}
}

// drop disconnects a client that could not be reached.
func (h *Hub) drop(client *Client) {
	if h.detach(client, websocket.CloseTryAgainLater) {
		h.logger.Warn("dropped unreachable connection", "user", client.user.ID, "conn", client.id)
	}
}

// RoomOf returns the room userID is in, or "".
func (h *Hub) RoomOf(userID string) string {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if client, ok := h.clients[userID]; ok {
		return client.roomID
	}
	return ""
}

// RoomMembers returns the sorted identities in roomID.
func (h *Hub) RoomMembers(roomID string) []string {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	members := make([]string, 0, len(h.rooms[roomID]))
	for userID := range h.rooms[roomID] {
		members = append(members, userID)
	}
	sort.Strings(members)
	return members
}

// ClientCount returns the number of registered connections.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// RoomCount returns the number of non-empty rooms.
func (h *Hub) RoomCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.rooms)
}

// beginSession reserves the two goroutines of a new session (read loop and
// write pump). It fails once shutdown has started.
func (h *Hub) beginSession() bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.shuttingDown {
		return false
	}
	h.wg.Add(2)
	return true
}

func (h *Hub) endSession() {
	h.wg.Done()
}

// Shutdown closes every connection with CloseGoingAway and waits for their
// sessions to finish or for ctx to expire. Room broadcasts are suppressed
// while the hub drains.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.logger.Info("shutting down all client connections")

	h.mutex.Lock()
	h.shuttingDown = true
	count := len(h.clients)
	for _, client := range h.clients {
		h.closeLocked(client, websocket.CloseGoingAway)
	}
	h.mutex.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shutdown completed", "closed", count)
		return nil
	case <-ctx.Done():
		h.logger.Warn("hub shutdown timed out; some sessions may still be running")
		return ctx.Err()
	}
}
