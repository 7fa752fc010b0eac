// Package history provides the durable, ordered per-room message log
// behind the relay. Two implementations exist: a SQLite-backed store for
// deployments and an in-memory bounded store for tests and ephemeral runs.
package history

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Message is a single persisted chat line. IDs and timestamps are assigned
// by the store at append time; client-supplied values are never trusted.
type Message struct {
	ID            string `json:"id"`
	RoomID        string `json:"roomId"`
	SenderID      string `json:"senderId"`
	SenderName    string `json:"senderDisplayName"`
	Text          string `json:"text"`
	SentAt        int64  `json:"sentAt"` // Unix milliseconds, store-assigned
	SentAtDisplay string `json:"sentAtDisplay"`
}

// Store is the history adapter contract. Recent returns at most limit
// messages, oldest first. Append assigns the message ID and timestamp.
type Store interface {
	Append(ctx context.Context, roomID, senderID, senderName, text string) (Message, error)
	Recent(ctx context.Context, roomID string, limit int) ([]Message, error)
	Ping(ctx context.Context) error
	Close() error
}

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
)

// newMessageID generates a ULID for a persisted message. ULIDs sort
// lexically by creation time, which keeps (sent_at, id) ordering stable
// even when two appends land on the same millisecond.
func newMessageID(t time.Time) string {
	entropyLock.Lock()
	defer entropyLock.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// displayTime renders the 24-hour wall-clock string sent to clients so
// they never format timestamps themselves.
func displayTime(t time.Time) string {
	return t.Format("15:04")
}

// stamp captures the authoritative write time for a message.
func stamp(now time.Time) (id string, sentAt int64, display string) {
	return newMessageID(now), now.UnixMilli(), displayTime(now)
}
