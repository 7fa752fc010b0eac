// Package client implements the connection manager used by chat clients:
// a single shared websocket connection per process with bounded reconnect,
// plus a thin session layer that replays identity and room subscriptions
// after a reconnect.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/sethvargo/go-retry"
)

// State is the observable connection state. The UI watches it to disable
// the send control while the transport is down.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Options configures the connection manager.
type Options struct {
	URL          string        // websocket endpoint, ws:// or wss://
	AuthToken    string        // optional bearer token
	DialTimeout  time.Duration // per-attempt dial budget
	MaxAttempts  int           // reconnect attempts per outage before giving up
	BaseBackoff  time.Duration // first retry delay, doubles per attempt
	MaxBackoff   time.Duration // backoff cap
	WriteTimeout time.Duration
}

func (o *Options) withDefaults() {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 8
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 250 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
}

// Manager owns exactly one websocket connection for the whole client
// process. Connection is idempotent: repeated calls return the same
// underlying transport until it breaks, and dialing happens at most once
// at a time. The manager deliberately remembers nothing about rooms;
// resubscription is the session layer's job.
type Manager struct {
	opts Options

	// dialMu serializes dial attempts so at most one redial loop runs;
	// it is never held together with mu, which only guards the fields
	// below, so State and Write stay responsive during a reconnect.
	dialMu sync.Mutex

	mu    sync.Mutex
	conn  *websocket.Conn
	state State

	stateMu sync.Mutex
	onState func(State)
}

// NewManager creates a manager for the given endpoint. No connection is
// made until Connection is first called.
func NewManager(opts Options) *Manager {
	opts.withDefaults()
	return &Manager{opts: opts, state: StateDisconnected}
}

// OnStateChange registers a callback fired on every state transition.
// The callback runs on the manager's goroutine with no internal locks
// held, so it may call State or Write, but not Connection.
func (m *Manager) OnStateChange(fn func(State)) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.onState = fn
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connection returns the shared transport, dialing it lazily on first
// use. While a connection is live every caller gets the same handle; a
// second underlying connection is never created. After a transport loss
// (reported via MarkBroken) the next call redials with capped
// exponential backoff, giving up after the configured attempt budget.
func (m *Manager) Connection(ctx context.Context) (*websocket.Conn, error) {
	m.dialMu.Lock()
	defer m.dialMu.Unlock()

	m.mu.Lock()
	if c := m.conn; c != nil {
		m.mu.Unlock()
		return c, nil
	}
	m.mu.Unlock()

	m.setState(StateConnecting)

	backoff := retry.WithCappedDuration(m.opts.MaxBackoff,
		retry.WithMaxRetries(uint64(m.opts.MaxAttempts-1),
			retry.NewExponential(m.opts.BaseBackoff)))

	var conn *websocket.Conn
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		dialCtx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
		defer cancel()

		var opts websocket.DialOptions
		if m.opts.AuthToken != "" {
			opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + m.opts.AuthToken}}
		}
		c, _, err := websocket.Dial(dialCtx, m.opts.URL, &opts)
		if err != nil {
			slog.Debug("dial attempt failed", "url", m.opts.URL, "error", err)
			return retry.RetryableError(err)
		}
		conn = c
		return nil
	})
	if err != nil {
		m.setState(StateDisconnected)
		return nil, fmt.Errorf("connecting to %s: %w", m.opts.URL, err)
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	m.setState(StateConnected)
	return conn, nil
}

// MarkBroken reports that a previously returned transport has failed.
// Ignored unless conn is the current connection, so stale reports after
// a successful redial are harmless.
func (m *Manager) MarkBroken(conn *websocket.Conn) {
	m.mu.Lock()
	if m.conn != conn || conn == nil {
		m.mu.Unlock()
		return
	}
	conn.CloseNow()
	m.conn = nil
	m.mu.Unlock()
	m.setState(StateDisconnected)
}

// Close shuts the connection down for good.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.conn != nil {
		m.conn.Close(websocket.StatusNormalClosure, "client closing")
		m.conn = nil
	}
	m.mu.Unlock()
	m.setState(StateDisconnected)
}

// Write sends a text frame over the current connection.
func (m *Manager) Write(ctx context.Context, data []byte) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	writeCtx, cancel := context.WithTimeout(ctx, m.opts.WriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("writing to relay: %w", err)
	}
	return nil
}

// setState updates the state and fires the observer. The callback runs
// after every lock is released so it may call State or Write.
func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()

	m.stateMu.Lock()
	fn := m.onState
	m.stateMu.Unlock()
	if fn != nil {
		fn(s)
	}
}
