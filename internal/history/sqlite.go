package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id          TEXT PRIMARY KEY,
	room_id     TEXT NOT NULL,
	sender_id   TEXT NOT NULL,
	sender_name TEXT NOT NULL,
	text        TEXT NOT NULL,
	sent_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_room_sent ON messages (room_id, sent_at, id);
`

// SQLiteStore persists messages in a local SQLite database (pure-Go
// driver, no cgo). Appends for the same room are serialized by the
// caller; the store itself only guarantees durable, ordered reads.
type SQLiteStore struct {
	db *sql.DB

	// clock is swappable in tests to produce deterministic timestamps.
	mu    sync.Mutex
	clock func() time.Time
}

// OpenSQLite opens (and if necessary creates) the message database at path.
// Use path ":memory:" for a throwaway database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		// WAL keeps readers (history snapshots) from blocking the writer.
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	// The sqlite driver is single-writer; one connection avoids
	// SQLITE_BUSY churn under concurrent appends from many rooms.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing history schema: %w", err)
	}
	return &SQLiteStore{db: db, clock: time.Now}, nil
}

// SetClock overrides the timestamp source. Tests only.
func (s *SQLiteStore) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

func (s *SQLiteStore) now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock()
}

// Append persists a message and returns it with the store-assigned ID,
// timestamp and display string filled in.
func (s *SQLiteStore) Append(ctx context.Context, roomID, senderID, senderName, text string) (Message, error) {
	now := s.now()
	id, sentAt, display := stamp(now)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, room_id, sender_id, sender_name, text, sent_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, roomID, senderID, senderName, text, sentAt,
	)
	if err != nil {
		return Message{}, fmt.Errorf("appending message to room %s: %w", roomID, err)
	}

	return Message{
		ID:            id,
		RoomID:        roomID,
		SenderID:      senderID,
		SenderName:    senderName,
		Text:          text,
		SentAt:        sentAt,
		SentAtDisplay: display,
	}, nil
}

// Recent returns the last limit messages for a room, oldest first.
// limit must be positive; unbounded history reads are not supported.
func (s *SQLiteStore) Recent(ctx context.Context, roomID string, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("history limit must be positive, got %d", limit)
	}

	// Grab the newest limit rows, then flip them to chronological order.
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_id, sender_id, sender_name, text, sent_at
		 FROM messages WHERE room_id = ?
		 ORDER BY sent_at DESC, id DESC LIMIT ?`,
		roomID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("reading history for room %s: %w", roomID, err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.SenderName, &m.Text, &m.SentAt); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		m.SentAtDisplay = displayTime(time.UnixMilli(m.SentAt))
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading history for room %s: %w", roomID, err)
	}

	reverse(msgs)
	return msgs, nil
}

// Ping verifies the database is reachable and writable enough to serve.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Count returns the number of messages stored for a room.
func (s *SQLiteStore) Count(ctx context.Context, roomID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE room_id = ?`, roomID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting history for room %s: %w", roomID, err)
	}
	return n, nil
}

func reverse(msgs []Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

// sanitizePath rejects obviously bad sqlite paths early so config
// validation can surface them before the server starts.
func sanitizePath(path string) error {
	if path == "" {
		return fmt.Errorf("history.path is required for the sqlite driver")
	}
	if strings.ContainsRune(path, '\x00') {
		return fmt.Errorf("history.path contains a NUL byte")
	}
	return nil
}

// ValidatePath reports whether path is usable for OpenSQLite.
func ValidatePath(path string) error {
	if path == ":memory:" {
		return nil
	}
	return sanitizePath(path)
}
