// Package hub is the realtime front of the service: per-conversation rooms
// over WebSocket, presence, typing, and the chat flow that turns an inbound
// message into persisted rows and streamed AI replies.
package hub

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Room keys.
func ConversationRoom(conversationID uuid.UUID) string {
	return "conversation:" + conversationID.String()
}

func JobRoom(ownerUserID uuid.UUID, sessionID string) string {
	return "job:" + ownerUserID.String() + ":" + sessionID
}

// Hub tracks which clients subscribe to which rooms. Broadcast copies the
// subscriber set under the read lock and writes outside it, so a slow socket
// never stalls the room.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}
	log   *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		rooms: make(map[string]map[*Client]struct{}),
		log:   log,
	}
}

func (h *Hub) Join(room string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.rooms[room]
	if !ok {
		subs = make(map[*Client]struct{})
		h.rooms[room] = subs
	}
	subs[c] = struct{}{}
	c.trackRoom(room)
}

func (h *Hub) Leave(room string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(room, c)
	c.untrackRoom(room)
}

func (h *Hub) leaveLocked(room string, c *Client) {
	subs, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(subs, c)
	if len(subs) == 0 {
		delete(h.rooms, room)
	}
}

// LeaveAll removes the client from every room and returns the rooms it was
// in, so the caller can emit presence updates.
func (h *Hub) LeaveAll(c *Client) []string {
	rooms := c.snapshotRooms()
	h.mu.Lock()
	for _, room := range rooms {
		h.leaveLocked(room, c)
	}
	h.mu.Unlock()
	return rooms
}

// InRoom reports whether the client currently subscribes to the room.
func (h *Hub) InRoom(room string, c *Client) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[room][c]
	return ok
}

func (h *Hub) subscribers(room string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	subs := h.rooms[room]
	out := make([]*Client, 0, len(subs))
	for c := range subs {
		out = append(out, c)
	}
	return out
}

// Broadcast sends the event to every subscriber of the room.
func (h *Hub) Broadcast(room string, evt *Event) {
	for _, c := range h.subscribers(room) {
		c.Send(evt)
	}
}

// BroadcastExcept sends the event to everyone in the room but one client,
// used for typing events that must not echo back to their author.
func (h *Hub) BroadcastExcept(room string, except *Client, evt *Event) {
	for _, c := range h.subscribers(room) {
		if c == except {
			continue
		}
		c.Send(evt)
	}
}

// OnlineUsers returns the distinct user ids with at least one socket in the
// room, sorted for deterministic payloads.
func (h *Hub) OnlineUsers(room string) []uuid.UUID {
	h.mu.RLock()
	seen := make(map[uuid.UUID]struct{})
	for c := range h.rooms[room] {
		seen[c.UserID] = struct{}{}
	}
	h.mu.RUnlock()

	out := make([]uuid.UUID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
