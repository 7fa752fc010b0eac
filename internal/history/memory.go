package history

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory bounded message log per room. History does
// not survive a restart; it exists for tests and for deployments that
// explicitly opt out of durability (history.driver: memory).
// Thread-safe via sync.RWMutex.
type MemoryStore struct {
	mu      sync.RWMutex
	rooms   map[string]*roomLog
	maxSize int
	clock   func() time.Time
	closed  bool
}

type roomLog struct {
	messages []Message
}

// NewMemoryStore creates a store retaining up to maxSize messages per room.
func NewMemoryStore(maxSize int) *MemoryStore {
	return &MemoryStore{
		rooms:   make(map[string]*roomLog),
		maxSize: maxSize,
		clock:   time.Now,
	}
}

// SetClock overrides the timestamp source. Tests only.
func (s *MemoryStore) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

// Append adds a message to the room's log, assigning ID and timestamp.
// When the log exceeds maxSize, the oldest messages are dropped.
func (s *MemoryStore) Append(ctx context.Context, roomID, senderID, senderName, text string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Message{}, fmt.Errorf("history store is closed")
	}

	now := s.clock()
	id, sentAt, display := stamp(now)
	msg := Message{
		ID:            id,
		RoomID:        roomID,
		SenderID:      senderID,
		SenderName:    senderName,
		Text:          text,
		SentAt:        sentAt,
		SentAtDisplay: display,
	}

	rl, ok := s.rooms[roomID]
	if !ok {
		rl = &roomLog{}
		s.rooms[roomID] = rl
	}
	rl.messages = append(rl.messages, msg)
	if s.maxSize > 0 && len(rl.messages) > s.maxSize {
		excess := len(rl.messages) - s.maxSize
		rl.messages = rl.messages[excess:]
	}

	return msg, nil
}

// Recent returns up to limit messages for a room in chronological order.
func (s *MemoryStore) Recent(ctx context.Context, roomID string, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("history limit must be positive, got %d", limit)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("history store is closed")
	}

	rl, ok := s.rooms[roomID]
	if !ok {
		return nil, nil
	}

	msgs := rl.messages
	if limit < len(msgs) {
		msgs = msgs[len(msgs)-limit:]
	}

	result := make([]Message, len(msgs))
	copy(result, msgs)
	return result, nil
}

// Ping reports whether the store accepts operations.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("history store is closed")
	}
	return nil
}

// Close marks the store closed; further operations fail.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.rooms = make(map[string]*roomLog)
	return nil
}

// Count returns the number of messages stored for a room.
func (s *MemoryStore) Count(roomID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rl, ok := s.rooms[roomID]
	if !ok {
		return 0
	}
	return len(rl.messages)
}
