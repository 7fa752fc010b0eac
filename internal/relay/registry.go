// Package relay implements the real-time group chat core: the connection
// registry, room broadcasting, and the websocket handler that drives the
// identify → join → message protocol.
package relay

import (
	"context"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// identity is a connected participant. At most one live transport exists
// per user ID; a newer connection supersedes the old one.
type identity struct {
	userID      string
	displayName string
	conn        *websocket.Conn
	rooms       map[string]struct{}
}

// Registry tracks connected identities and room subscriber sets. It is an
// explicit state object owned by the handler so tests construct it fresh
// without process-wide side effects. Thread-safe via sync.RWMutex.
//
// Room membership is ephemeral: it is derived entirely from live
// connections and rebuilt from zero on restart. Only message history
// persists across restarts.
type Registry struct {
	mu         sync.RWMutex
	identities map[string]*identity            // userID → identity
	rooms      map[string]map[string]*identity // roomID → userID → identity
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		identities: make(map[string]*identity),
		rooms:      make(map[string]map[string]*identity),
	}
}

// Eviction describes an identity removed as a side effect of Identify:
// either the user's previous transport was superseded by a new one, or a
// transport re-identified as a different user and shed its old identity.
// Callers use it to notify the rooms the identity occupied and, when Conn
// is not the identifying transport, to close the stale connection.
type Eviction struct {
	UserID      string
	DisplayName string
	Conn        *websocket.Conn
	Rooms       []string
}

// Identify registers or overwrites the identity entry for userID. At most
// one identity exists per transport and one transport per identity:
// identifying evicts both the user's previous transport (if different) and
// any other identity bound to this transport. Re-identifying as the same
// user on the same transport just refreshes the display name, keeping room
// membership intact. Every removed identity is returned as an Eviction.
func (r *Registry) Identify(userID, displayName string, conn *websocket.Conn) []Eviction {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []Eviction

	// A transport that re-identifies as a different user sheds its old
	// identity first.
	for uid, id := range r.identities {
		if id.conn != conn || uid == userID {
			continue
		}
		evicted = append(evicted, r.evictLocked(id))
	}

	if old, ok := r.identities[userID]; ok {
		if old.conn == conn {
			old.displayName = displayName
			slog.Debug("registry: re-identified", "user", userID)
			return evicted
		}
		evicted = append(evicted, r.evictLocked(old))
	}

	r.identities[userID] = &identity{
		userID:      userID,
		displayName: displayName,
		conn:        conn,
		rooms:       make(map[string]struct{}),
	}
	slog.Debug("registry: identified", "user", userID, "evicted", len(evicted))
	return evicted
}

// evictLocked removes an identity and its room memberships, returning the
// eviction record. Caller must hold r.mu.
func (r *Registry) evictLocked(id *identity) Eviction {
	ev := Eviction{UserID: id.userID, DisplayName: id.displayName, Conn: id.conn}
	for roomID := range id.rooms {
		ev.Rooms = append(ev.Rooms, roomID)
		r.removeFromRoom(roomID, id.userID)
	}
	delete(r.identities, id.userID)
	return ev
}

// JoinRoom subscribes the identity's transport to a room. Reports whether
// the membership is new (false on idempotent re-join) and whether the
// user was identified at all. A non-empty displayName refreshes the one
// recorded at identify time.
func (r *Registry) JoinRoom(roomID, userID, displayName string) (joined, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, exists := r.identities[userID]
	if !exists {
		return false, false
	}
	if displayName != "" {
		id.displayName = displayName
	}

	if _, member := id.rooms[roomID]; member {
		return false, true
	}

	id.rooms[roomID] = struct{}{}
	if r.rooms[roomID] == nil {
		r.rooms[roomID] = make(map[string]*identity)
	}
	r.rooms[roomID][userID] = id
	slog.Debug("registry: joined room", "room", roomID, "user", userID)
	return true, true
}

// LeaveRoom removes the identity from a room's subscriber set. Reports
// whether the user was actually a member.
func (r *Registry) LeaveRoom(roomID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, exists := r.identities[userID]
	if !exists {
		return false
	}
	if _, member := id.rooms[roomID]; !member {
		return false
	}
	delete(id.rooms, roomID)
	r.removeFromRoom(roomID, userID)
	slog.Debug("registry: left room", "room", roomID, "user", userID)
	return true
}

// Disconnect removes the identity owning conn from the registry entirely.
// Idempotent: a transport that was already removed (or superseded) is
// ignored. Returns the identity and the rooms it was subscribed to so the
// caller can broadcast the participant-left notices.
func (r *Registry) Disconnect(conn *websocket.Conn) (userID, displayName string, rooms []string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for uid, id := range r.identities {
		if id.conn != conn {
			continue
		}
		for roomID := range id.rooms {
			rooms = append(rooms, roomID)
			r.removeFromRoom(roomID, uid)
		}
		delete(r.identities, uid)
		slog.Debug("registry: disconnected", "user", uid, "rooms", len(rooms))
		return uid, id.displayName, rooms, true
	}
	return "", "", nil, false
}

// Broadcast delivers payload to every transport subscribed to roomID,
// skipping exceptUserID when non-empty. Targets are snapshotted under
// RLock and written without holding the lock; coder/websocket serializes
// concurrent writes to the same connection internally.
func (r *Registry) Broadcast(ctx context.Context, roomID, exceptUserID string, payload []byte) {
	r.mu.RLock()
	members := r.rooms[roomID]
	targets := make([]*websocket.Conn, 0, len(members))
	for uid, id := range members {
		if uid != exceptUserID {
			targets = append(targets, id.conn)
		}
	}
	r.mu.RUnlock()

	for _, conn := range targets {
		if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
			slog.Debug("registry: broadcast write failed", "room", roomID, "error", err)
		}
	}
}

// Conn returns the live transport for userID, if any.
func (r *Registry) Conn(userID string) (*websocket.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.identities[userID]
	if !ok {
		return nil, false
	}
	return id.conn, true
}

// IsMember reports whether userID is currently subscribed to roomID.
func (r *Registry) IsMember(roomID, userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.identities[userID]
	if !ok {
		return false
	}
	_, member := id.rooms[roomID]
	return member
}

// DisplayName returns the display name recorded for userID.
func (r *Registry) DisplayName(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.identities[userID]
	if !ok {
		return "", false
	}
	return id.displayName, true
}

// IdentityCount returns the number of identified connections.
func (r *Registry) IdentityCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.identities)
}

// RoomCount returns the number of rooms with at least one subscriber.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// RoomMembers returns the number of subscribers in roomID. A room with
// zero members simply does not exist yet; it still accepts joins.
func (r *Registry) RoomMembers(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomID])
}

// CloseAll closes every registered transport with the going-away status.
// Used during server drain.
func (r *Registry) CloseAll(reason string) {
	r.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(r.identities))
	for _, id := range r.identities {
		conns = append(conns, id.conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		conn.Close(websocket.StatusGoingAway, reason)
	}
}

// removeFromRoom deletes userID from a room's subscriber set, dropping
// the room entry when it empties. Caller must hold r.mu.
func (r *Registry) removeFromRoom(roomID, userID string) {
	members := r.rooms[roomID]
	if members == nil {
		return
	}
	delete(members, userID)
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}
}
