package realtime

import (
	"log/slog"
	"sync"

	v1 "inbox/shared/contracts/realtime/v1"
)

const (
	userRoomPrefix = "user:"
	convRoomPrefix = "conv:"
)

// UserRoom is the personal room every session of a user joins on connect.
func UserRoom(userID string) string { return userRoomPrefix + userID }

// ConversationRoom is the room of sessions that joined a conversation.
func ConversationRoom(conversationID string) string { return convRoomPrefix + conversationID }

// Hub owns this process's rooms. Membership is ephemeral and never persisted;
// cross-process delivery goes through a Fanout.
type Hub struct {
	log *slog.Logger

	mu       sync.Mutex
	rooms    map[string]*Room
	sessions map[string]map[string]struct{} // session id -> room keys
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:      log,
		rooms:    make(map[string]*Room),
		sessions: make(map[string]map[string]struct{}),
	}
}

// Join adds client to the room, creating it on first use.
func (h *Hub) Join(key string, client *Client) {
	if h == nil || client == nil || client.SessionID == "" || key == "" {
		return
	}

	h.mu.Lock()
	r, ok := h.rooms[key]
	if !ok {
		r = newRoom(key)
		h.rooms[key] = r
	}
	r.join(client)
	keys, ok := h.sessions[client.SessionID]
	if !ok {
		keys = make(map[string]struct{})
		h.sessions[client.SessionID] = keys
	}
	keys[key] = struct{}{}
	h.mu.Unlock()

	h.log.Debug("room.member.join", "room", key, "session_id", client.SessionID, "user_id", client.UserID)
}

// Leave removes a session from one room. Empty rooms are dropped.
func (h *Hub) Leave(key, sessionID string) {
	if h == nil || sessionID == "" {
		return
	}

	h.mu.Lock()
	h.leaveLocked(key, sessionID)
	if keys := h.sessions[sessionID]; keys != nil {
		delete(keys, key)
		if len(keys) == 0 {
			delete(h.sessions, sessionID)
		}
	}
	h.mu.Unlock()
}

// LeaveAll removes a session from every room it joined.
func (h *Hub) LeaveAll(sessionID string) {
	if h == nil || sessionID == "" {
		return
	}

	h.mu.Lock()
	keys := h.sessions[sessionID]
	for key := range keys {
		h.leaveLocked(key, sessionID)
	}
	delete(h.sessions, sessionID)
	h.mu.Unlock()

	h.log.Debug("room.member.leave_all", "session_id", sessionID, "rooms", len(keys))
}

func (h *Hub) leaveLocked(key, sessionID string) {
	r, ok := h.rooms[key]
	if !ok {
		return
	}
	if r.leave(sessionID) {
		delete(h.rooms, key)
	}
}

// IsMember reports whether sessionID is in the room.
func (h *Hub) IsMember(key, sessionID string) bool {
	h.mu.Lock()
	r := h.rooms[key]
	h.mu.Unlock()
	return r != nil && r.has(sessionID)
}

// Deliver broadcasts env to a room on this process and returns the number of sessions reached.
func (h *Hub) Deliver(key string, env v1.Envelope, exceptSession string) int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	r := h.rooms[key]
	h.mu.Unlock()
	if r == nil {
		return 0
	}
	return r.Broadcast(env, exceptSession)
}

// Rooms returns the number of live rooms.
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}
