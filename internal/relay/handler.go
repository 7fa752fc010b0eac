package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/taskery/chatrelay/internal/config"
	"github.com/taskery/chatrelay/internal/history"
	"github.com/taskery/chatrelay/internal/metrics"
	"github.com/taskery/chatrelay/internal/security"
)

// Handler accepts websocket connections from chat clients and drives the
// relay protocol: identify, join/leave rooms, send messages. Each
// connection is served by its own goroutine; events from one transport
// are processed to completion in arrival order, while different
// transports interleave freely.
type Handler struct {
	Registry    *Registry
	Store       history.Store
	Tracker     *Tracker
	RateLimiter *security.RateLimiter
	Metrics     *metrics.Metrics // optional, nil if metrics disabled
	ShutdownCtx context.Context  // cancelled on server shutdown

	// drainCtx is cancelled when the server begins draining connections.
	// Active connections watch this to send graceful close frames.
	drainCtx    context.Context
	drainCancel context.CancelFunc

	// roomLocks serializes append-then-broadcast per room so every
	// subscriber observes messages in the same order.
	roomMu    sync.Mutex
	roomLocks map[string]*sync.Mutex

	// mu protects cfg during hot-reload
	mu  sync.RWMutex
	cfg *config.Config
}

// session is the per-transport protocol state. A transport starts
// unidentified; identify binds it to a user, joins and sends are
// attributed to that identity until the transport disconnects. The
// display name lives in the registry only, so refreshes have a single
// source of truth.
type session struct {
	userID string
}

// NewHandler creates a relay handler.
func NewHandler(cfg *config.Config, reg *Registry, store history.Store, rl *security.RateLimiter, shutdownCtx context.Context) *Handler {
	drainCtx, drainCancel := context.WithCancel(context.Background())
	return &Handler{
		Registry:    reg,
		Store:       store,
		Tracker:     NewTracker(),
		RateLimiter: rl,
		ShutdownCtx: shutdownCtx,
		drainCtx:    drainCtx,
		drainCancel: drainCancel,
		roomLocks:   make(map[string]*sync.Mutex),
		cfg:         cfg,
	}
}

// StartDrain signals all active connections to begin graceful shutdown.
func (h *Handler) StartDrain() {
	h.drainCancel()
	h.Registry.CloseAll("server shutting down")
}

// GetConfig returns the current config (thread-safe for hot-reload).
func (h *Handler) GetConfig() *config.Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// UpdateConfig swaps the config (called on SIGHUP).
func (h *Handler) UpdateConfig(cfg *config.Config) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cfg = cfg
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := h.GetConfig()

	clientIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		slog.Error("failed to parse remote address", "remote_addr", r.RemoteAddr, "error", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	// Optional auth token check. Identity itself is trusted input; the
	// token only gates which deployments may reach the relay at all.
	if cfg.Security.AuthToken != "" {
		token := security.ExtractBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if !security.TokenMatch(token, cfg.Security.AuthToken) {
			slog.Warn("rejected invalid auth token", "client_ip", clientIP)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	// Connection rate limit
	if cfg.Security.RateLimit.Enabled && h.RateLimiter != nil && !h.RateLimiter.Allow(clientIP) {
		slog.Warn("connection rate limit exceeded", "client_ip", clientIP)
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	// Connection caps (atomic check-and-increment to prevent TOCTOU race)
	if reason := h.Tracker.TryIncrement(clientIP, cfg.Security.MaxConnections, cfg.Security.MaxConnectionsPerIP); reason != "" {
		if reason == "max_connections" {
			slog.Warn("max connections reached", "current", h.Tracker.ConnectionCount(), "max", cfg.Security.MaxConnections)
			http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		} else {
			slog.Warn("max connections per IP reached", "client_ip", clientIP, "current", h.Tracker.ConnectionCountForIP(clientIP))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		}
		return
	}
	if h.Metrics != nil {
		h.Metrics.ConnectionsTotal.Inc()
		h.Metrics.ActiveConnections.Inc()
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: cfg.Relay.AllowedOrigins,
	})
	if err != nil {
		h.Tracker.Decrement(clientIP)
		if h.Metrics != nil {
			h.Metrics.ActiveConnections.Dec()
			h.Metrics.ErrorsTotal.WithLabelValues("accept_failure").Inc()
		}
		slog.Warn("failed to accept websocket", "client_ip", clientIP, "error", err)
		return
	}
	conn.SetReadLimit(cfg.Relay.MaxMessageSize)

	slog.Info("connection established", "client_ip", clientIP)

	// Connection lifetime is bounded by server shutdown, not by
	// r.Context(): ServeHTTP stays blocked in the read loop below, and
	// the drain watcher handles graceful teardown.
	connCtx, connCancel := context.WithCancel(h.ShutdownCtx)
	defer connCancel()

	if cfg.Relay.PingInterval > 0 {
		go h.keepAlive(connCtx, conn, cfg.Relay.PingInterval, cfg.Relay.PongTimeout, connCancel)
	}

	// Drain watcher: when the server starts draining, send a graceful
	// close frame so Read returns and teardown runs.
	go func() {
		select {
		case <-h.drainCtx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
		case <-connCtx.Done():
		}
	}()

	start := time.Now()
	h.serveConn(connCtx, conn, clientIP)

	// Teardown: notify rooms, release the slot.
	h.disconnect(conn)
	conn.CloseNow()
	h.Tracker.Decrement(clientIP)
	if h.Metrics != nil {
		h.Metrics.ActiveConnections.Dec()
		h.Metrics.ActiveRooms.Set(float64(h.Registry.RoomCount()))
	}
	slog.Info("connection closed", "client_ip", clientIP, "duration", time.Since(start).String())
}

// serveConn runs the read loop for one transport until it disconnects.
// A failure handling one event never tears down other transports; most
// malformed input is dropped with a logged warning per the protocol's
// defensive default.
func (h *Handler) serveConn(ctx context.Context, conn *websocket.Conn, clientIP string) {
	cfg := h.GetConfig()
	sess := &session{}

	// Per-connection message rate limiter
	var msgLimiter *rate.Limiter
	if cfg.Security.RateLimit.Enabled && cfg.Security.RateLimit.MessagesPerSecond > 0 {
		msgLimiter = rate.NewLimiter(rate.Limit(cfg.Security.RateLimit.MessagesPerSecond), cfg.Security.RateLimit.MessagesPerSecond)
	}

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			slog.Debug("read loop ended", "client_ip", clientIP, "user", sess.userID, "reason", err)
			return
		}
		if msgType != websocket.MessageText {
			slog.Warn("dropping non-text frame", "client_ip", clientIP)
			continue
		}

		env, err := decodeEnvelope(data)
		if err != nil {
			slog.Warn("dropping malformed event", "client_ip", clientIP, "error", err)
			continue
		}

		if h.Metrics != nil {
			h.Metrics.EventsTotal.WithLabelValues(env.Type).Inc()
		}

		switch env.Type {
		case EventIdentify:
			h.handleIdentify(conn, sess, env.Payload)
		case EventRoomJoin:
			h.handleJoin(conn, sess, env.Payload)
		case EventRoomLeave:
			h.handleLeave(sess, env.Payload)
		case EventMessageSend:
			h.handleSend(conn, sess, env.Payload, msgLimiter)
		default:
			slog.Warn("dropping unknown event", "client_ip", clientIP, "type", env.Type)
		}
	}
}

// handleIdentify binds the transport to a user identity. A second
// connection for the same user supersedes the first: the rooms the old
// transport occupied are notified and the old transport is closed.
func (h *Handler) handleIdentify(conn *websocket.Conn, sess *session, raw json.RawMessage) {
	var p IdentifyPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.UserID == "" {
		slog.Warn("dropping identify with missing userId")
		return
	}

	evicted := h.Registry.Identify(p.UserID, p.DisplayName, conn)
	sess.userID = p.UserID

	for _, ev := range evicted {
		for _, roomID := range ev.Rooms {
			h.broadcast(roomID, "", EventParticipantLeft, RoomPayload{
				RoomID:      roomID,
				UserID:      ev.UserID,
				DisplayName: ev.DisplayName,
			})
		}
		if ev.Conn != conn {
			ev.Conn.Close(websocket.StatusPolicyViolation, "superseded by newer connection")
			slog.Info("superseded previous connection", "user", ev.UserID)
		}
	}

	slog.Debug("identified", "user", p.UserID, "display_name", p.DisplayName)
}

// handleJoin subscribes the identity to a room, notifies existing
// subscribers, and delivers the history snapshot to the joiner only.
// Re-joining a room already joined re-sends the snapshot and nothing else.
func (h *Handler) handleJoin(conn *websocket.Conn, sess *session, raw json.RawMessage) {
	var p RoomPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.RoomID == "" {
		slog.Warn("dropping join with missing roomId", "user", sess.userID)
		return
	}
	if sess.userID == "" {
		slog.Warn("dropping join from unidentified transport", "room", p.RoomID)
		return
	}
	joined, ok := h.Registry.JoinRoom(p.RoomID, sess.userID, p.DisplayName)
	if !ok {
		slog.Warn("dropping join for unknown identity", "room", p.RoomID, "user", sess.userID)
		return
	}

	if joined {
		name, _ := h.Registry.DisplayName(sess.userID)
		h.broadcast(p.RoomID, sess.userID, EventParticipantJoined, RoomPayload{
			RoomID:      p.RoomID,
			UserID:      sess.userID,
			DisplayName: name,
		})
		if h.Metrics != nil {
			h.Metrics.ActiveRooms.Set(float64(h.Registry.RoomCount()))
		}
	}

	cfg := h.GetConfig()
	storeCtx, cancel := context.WithTimeout(h.ShutdownCtx, cfg.Relay.StoreTimeout)
	msgs, err := h.Store.Recent(storeCtx, p.RoomID, cfg.Relay.HistoryLimit)
	cancel()
	if err != nil {
		slog.Error("history snapshot failed", "room", p.RoomID, "user", sess.userID, "error", err)
		if h.Metrics != nil {
			h.Metrics.ErrorsTotal.WithLabelValues("history_read").Inc()
		}
		h.sendError(conn, "failed to load room history")
		return
	}
	if msgs == nil {
		msgs = []history.Message{}
	}

	h.sendTo(conn, EventRoomHistory, HistoryPayload{RoomID: p.RoomID, Messages: msgs})
	slog.Debug("joined room", "room", p.RoomID, "user", sess.userID, "snapshot", len(msgs), "rejoin", !joined)
}

// handleLeave unsubscribes the identity from a room and notifies the
// remaining subscribers.
func (h *Handler) handleLeave(sess *session, raw json.RawMessage) {
	var p RoomPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.RoomID == "" {
		slog.Warn("dropping leave with missing roomId", "user", sess.userID)
		return
	}
	if sess.userID == "" {
		slog.Warn("dropping leave from unidentified transport", "room", p.RoomID)
		return
	}

	name, _ := h.Registry.DisplayName(sess.userID)
	if !h.Registry.LeaveRoom(p.RoomID, sess.userID) {
		return
	}
	h.broadcast(p.RoomID, "", EventParticipantLeft, RoomPayload{
		RoomID:      p.RoomID,
		UserID:      sess.userID,
		DisplayName: name,
	})
	if h.Metrics != nil {
		h.Metrics.ActiveRooms.Set(float64(h.Registry.RoomCount()))
	}
	slog.Debug("left room", "room", p.RoomID, "user", sess.userID)
}

// handleSend validates, persists, then fans out a message. The sender
// receives its own message through the room broadcast like everyone else,
// so every client renders messages in the server-assigned order. Either
// the message is persisted and broadcast, or neither happens.
func (h *Handler) handleSend(conn *websocket.Conn, sess *session, raw json.RawMessage, msgLimiter *rate.Limiter) {
	var p SendPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.RoomID == "" {
		slog.Warn("dropping send with missing roomId", "user", sess.userID)
		return
	}
	if sess.userID == "" {
		slog.Warn("dropping send from unidentified transport", "room", p.RoomID)
		return
	}
	if !h.Registry.IsMember(p.RoomID, sess.userID) {
		slog.Warn("dropping send from non-member", "room", p.RoomID, "user", sess.userID)
		h.sendError(conn, "join the room before sending messages")
		return
	}
	if !validText(p.Text) {
		if h.Metrics != nil {
			h.Metrics.ErrorsTotal.WithLabelValues("validation").Inc()
		}
		h.sendError(conn, "message text must not be empty")
		return
	}
	if msgLimiter != nil && !msgLimiter.Allow() {
		h.sendError(conn, "sending too fast, slow down")
		return
	}

	cfg := h.GetConfig()

	// Append-then-broadcast holds the room's send lock so concurrent
	// senders cannot interleave between persistence and fan-out; all
	// subscribers observe the same relative order.
	unlock := h.lockRoom(p.RoomID)
	defer unlock()

	senderName, _ := h.Registry.DisplayName(sess.userID)
	storeCtx, cancel := context.WithTimeout(h.ShutdownCtx, cfg.Relay.StoreTimeout)
	msg, err := h.Store.Append(storeCtx, p.RoomID, sess.userID, senderName, p.Text)
	cancel()
	if err != nil {
		slog.Error("message append failed", "room", p.RoomID, "user", sess.userID, "error", err)
		if h.Metrics != nil {
			h.Metrics.AppendFailures.Inc()
			h.Metrics.ErrorsTotal.WithLabelValues("persistence").Inc()
		}
		h.sendError(conn, "message failed to send")
		return
	}

	h.broadcast(p.RoomID, "", EventMessageReceived, msg)
	h.Tracker.IncrementMessages()
}

// disconnect removes the transport's identity and notifies every room it
// was in. Safe to call for transports that were never identified or were
// already superseded.
func (h *Handler) disconnect(conn *websocket.Conn) {
	userID, displayName, rooms, ok := h.Registry.Disconnect(conn)
	if !ok {
		return
	}
	for _, roomID := range rooms {
		h.broadcast(roomID, "", EventParticipantLeft, RoomPayload{
			RoomID:      roomID,
			UserID:      userID,
			DisplayName: displayName,
		})
	}
	slog.Info("participant disconnected", "user", userID, "rooms", len(rooms))
}

// broadcast encodes an event and delivers it to a room's subscribers,
// excluding exceptUserID when non-empty.
func (h *Handler) broadcast(roomID, exceptUserID, eventType string, payload any) {
	data := mustEncodeEvent(eventType, payload)
	ctx, cancel := context.WithTimeout(h.ShutdownCtx, h.GetConfig().Relay.WriteTimeout)
	defer cancel()
	h.Registry.Broadcast(ctx, roomID, exceptUserID, data)
}

// sendTo delivers an event to a single transport. Write failures are
// logged, not propagated: a dying transport cleans itself up through its
// own read loop.
func (h *Handler) sendTo(conn *websocket.Conn, eventType string, payload any) {
	data := mustEncodeEvent(eventType, payload)
	ctx, cancel := context.WithTimeout(h.ShutdownCtx, h.GetConfig().Relay.WriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("direct write failed", "event", eventType, "error", err)
	}
}

// sendError reports a failure to the originating client only. Errors are
// never broadcast and never fatal to the relay.
func (h *Handler) sendError(conn *websocket.Conn, message string) {
	h.sendTo(conn, EventError, ErrorPayload{Message: message})
}

// lockRoom acquires the per-room send mutex, creating it on first use.
// Room locks are never removed; the set of rooms is small and bounded by
// the project count.
func (h *Handler) lockRoom(roomID string) (unlock func()) {
	h.roomMu.Lock()
	l, ok := h.roomLocks[roomID]
	if !ok {
		l = &sync.Mutex{}
		h.roomLocks[roomID] = l
	}
	h.roomMu.Unlock()

	l.Lock()
	return l.Unlock
}

// keepAlive sends periodic websocket pings to detect dead connections.
// On failure it closes the connection and cancels the connection context.
func (h *Handler) keepAlive(ctx context.Context, conn *websocket.Conn, interval, pongTimeout time.Duration, onFail context.CancelFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, pongTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				slog.Debug("keepalive ping failed, closing connection", "error", err)
				conn.Close(websocket.StatusGoingAway, "keepalive timeout")
				onFail()
				return
			}
		}
	}
}
