package realtime

import (
	"sync"

	v1 "inbox/shared/contracts/realtime/v1"
)

// Room is an in-memory set of sessions that receive the same broadcasts.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
type Room struct {
	Key string

	mu      sync.RWMutex
	members map[string]*Client
}

func newRoom(key string) *Room {
	return &Room{Key: key, members: make(map[string]*Client)}
}

func (r *Room) join(c *Client) {
	r.mu.Lock()
	r.members[c.SessionID] = c
	r.mu.Unlock()
}

// leave removes sessionID and reports whether the room is now empty.
func (r *Room) leave(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, sessionID)
	return len(r.members) == 0
}

func (r *Room) has(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[sessionID]
	return ok
}

// Broadcast offers env to every member except exceptSession and returns how many accepted it.
// A full or closing member is skipped rather than blocking the room.
func (r *Room) Broadcast(env v1.Envelope, exceptSession string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for sid, m := range r.members {
		if m == nil || sid == exceptSession {
			continue
		}
		if m.offer(env) {
			n++
		}
	}
	return n
}
