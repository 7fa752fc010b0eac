package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/coder/websocket"

	"github.com/taskery/chatrelay/internal/relay"
)

// Session layers the chat protocol on top of the connection manager. It
// owns the identity and the explicit active-room list, and replays
// identify + join on every reconnect; the transport itself remembers
// nothing between connections.
type Session struct {
	mgr         *Manager
	userID      string
	displayName string

	mu    sync.Mutex
	rooms map[string]struct{}

	// OnEvent receives every server event: history snapshots,
	// participant notices, broadcast messages, errors.
	OnEvent func(relay.Envelope)
}

// NewSession creates a session for one identity.
func NewSession(mgr *Manager, userID, displayName string) *Session {
	return &Session{
		mgr:         mgr,
		userID:      userID,
		displayName: displayName,
		rooms:       make(map[string]struct{}),
	}
}

// Join subscribes to a room and records it for replay on reconnect.
func (s *Session) Join(ctx context.Context, roomID string) error {
	s.mu.Lock()
	s.rooms[roomID] = struct{}{}
	s.mu.Unlock()

	return s.emit(ctx, relay.EventRoomJoin, relay.RoomPayload{
		RoomID:      roomID,
		UserID:      s.userID,
		DisplayName: s.displayName,
	})
}

// Leave unsubscribes from a room and stops replaying it.
func (s *Session) Leave(ctx context.Context, roomID string) error {
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()

	return s.emit(ctx, relay.EventRoomLeave, relay.RoomPayload{
		RoomID:      roomID,
		UserID:      s.userID,
		DisplayName: s.displayName,
	})
}

// Send posts a message to a room. The caller should treat an error as
// "message failed to send"; the relay echoes successful messages back
// through the room broadcast, so there is no local echo.
func (s *Session) Send(ctx context.Context, roomID, text string) error {
	if s.mgr.State() != StateConnected {
		return fmt.Errorf("not connected")
	}
	return s.emit(ctx, relay.EventMessageSend, relay.SendPayload{
		RoomID:     roomID,
		SenderID:   s.userID,
		SenderName: s.displayName,
		Text:       text,
	})
}

// ActiveRooms returns the rooms this session considers joined, sorted.
func (s *Session) ActiveRooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		rooms = append(rooms, r)
	}
	sort.Strings(rooms)
	return rooms
}

// Run connects (and reconnects) the shared transport, replays the
// identity and active rooms after each connect, and dispatches inbound
// events to OnEvent. It returns when ctx is cancelled or the reconnect
// budget is exhausted.
func (s *Session) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := s.mgr.Connection(ctx)
		if err != nil {
			return err
		}

		if err := s.replay(ctx); err != nil {
			slog.Warn("session replay failed", "user", s.userID, "error", err)
			s.mgr.MarkBroken(conn)
			continue
		}

		s.readLoop(ctx, conn)
		s.mgr.MarkBroken(conn)
	}
}

// Identify announces the session identity on the current connection.
// Called from replay; exposed for clients that manage Run themselves.
func (s *Session) Identify(ctx context.Context) error {
	return s.emit(ctx, relay.EventIdentify, relay.IdentifyPayload{
		UserID:      s.userID,
		DisplayName: s.displayName,
	})
}

// replay re-establishes protocol state on a fresh connection: identify
// first, then join every room still considered active.
func (s *Session) replay(ctx context.Context) error {
	if err := s.Identify(ctx); err != nil {
		return err
	}
	for _, roomID := range s.ActiveRooms() {
		if err := s.emit(ctx, relay.EventRoomJoin, relay.RoomPayload{
			RoomID:      roomID,
			UserID:      s.userID,
			DisplayName: s.displayName,
		}); err != nil {
			return err
		}
	}
	return nil
}

// readLoop dispatches server events until the connection breaks.
func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			slog.Debug("session read ended", "user", s.userID, "reason", err)
			return
		}

		var env relay.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			slog.Warn("session: dropping malformed server event", "user", s.userID)
			continue
		}
		if s.OnEvent != nil {
			s.OnEvent(env)
		}
	}
}

func (s *Session) emit(ctx context.Context, eventType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", eventType, err)
	}
	data, err := json.Marshal(relay.Envelope{Type: eventType, Payload: raw})
	if err != nil {
		return fmt.Errorf("encoding %s envelope: %w", eventType, err)
	}
	return s.mgr.Write(ctx, data)
}
