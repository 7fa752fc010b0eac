package relay

import (
	"sync"
	"sync/atomic"
)

// Tracker counts active and lifetime connections and relayed messages.
// It backs the health endpoint and enforces connection caps.
type Tracker struct {
	activeConnections atomic.Int64
	totalConnections  atomic.Int64
	totalMessages     atomic.Int64

	// Per-IP connection tracking
	ipConnections map[string]int
	ipMu          sync.Mutex
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		ipConnections: make(map[string]int),
	}
}

// ConnectionCount returns the current number of active connections.
func (t *Tracker) ConnectionCount() int {
	return int(t.activeConnections.Load())
}

// ConnectionCountForIP returns the active connection count for one IP.
func (t *Tracker) ConnectionCountForIP(ip string) int {
	t.ipMu.Lock()
	defer t.ipMu.Unlock()
	return t.ipConnections[ip]
}

// TryIncrement atomically checks limits and increments counters.
// Returns "" on success, or a reason string if a limit was hit.
func (t *Tracker) TryIncrement(ip string, maxGlobal, maxPerIP int) string {
	t.ipMu.Lock()
	defer t.ipMu.Unlock()

	// Read the atomic under the lock to prevent a TOCTOU race with
	// concurrent upgrades.
	current := int(t.activeConnections.Load())
	if current >= maxGlobal {
		return "max_connections"
	}
	if t.ipConnections[ip] >= maxPerIP {
		return "max_connections_per_ip"
	}

	t.activeConnections.Add(1)
	t.totalConnections.Add(1)
	t.ipConnections[ip]++
	return ""
}

// Decrement releases a connection slot for the given IP.
func (t *Tracker) Decrement(ip string) {
	t.activeConnections.Add(-1)
	t.ipMu.Lock()
	t.ipConnections[ip]--
	if t.ipConnections[ip] <= 0 {
		delete(t.ipConnections, ip)
	}
	t.ipMu.Unlock()
}

// IncrementMessages bumps the lifetime relayed-message counter.
func (t *Tracker) IncrementMessages() {
	t.totalMessages.Add(1)
}

// TotalConnections returns the connections handled since start.
func (t *Tracker) TotalConnections() int64 {
	return t.totalConnections.Load()
}

// TotalMessages returns the messages relayed since start.
func (t *Tracker) TotalMessages() int64 {
	return t.totalMessages.Load()
}
