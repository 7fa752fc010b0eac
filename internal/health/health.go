package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/taskery/chatrelay/internal/history"
	"github.com/taskery/chatrelay/internal/relay"
)

// Response is the JSON response from the /health endpoint.
type Response struct {
	Status            string   `json:"status"`
	Uptime            string   `json:"uptime"`
	ActiveConnections int      `json:"active_connections"`
	ActiveRooms       int      `json:"active_rooms"`
	StoreReachable    bool     `json:"store_reachable"`
	Version           string   `json:"version"`
	Timestamp         string   `json:"timestamp"`
	Details           *Details `json:"details,omitempty"`
}

// Details contains extended health information.
type Details struct {
	Identities       int     `json:"identities"`
	TotalConnections int64   `json:"total_connections"`
	TotalMessages    int64   `json:"total_messages"`
	MemoryMB         float64 `json:"memory_mb"`
}

// Handler serves the health check endpoint.
type Handler struct {
	startTime time.Time
	tracker   *relay.Tracker
	registry  *relay.Registry
	store     history.Store
	version   string
	detailed  bool
}

// NewHandler creates a new health check handler.
func NewHandler(t *relay.Tracker, reg *relay.Registry, store history.Store, version string, detailed bool) *Handler {
	return &Handler{
		startTime: time.Now(),
		tracker:   t,
		registry:  reg,
		store:     store,
		version:   version,
		detailed:  detailed,
	}
}

// ServeHTTP handles health check requests.
// The health listener binds to loopback only (separate from the relay
// listener) so local monitoring tools can probe without being exposed.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	storeOK := h.checkStore(r.Context())

	status := "ok"
	httpCode := http.StatusOK
	if !storeOK {
		status = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	resp := Response{
		Status:            status,
		Uptime:            time.Since(h.startTime).Round(time.Second).String(),
		ActiveConnections: h.tracker.ConnectionCount(),
		ActiveRooms:       h.registry.RoomCount(),
		StoreReachable:    storeOK,
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
	}

	if h.detailed {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)
		resp.Version = h.version
		resp.Details = &Details{
			Identities:       h.registry.IdentityCount(),
			TotalConnections: h.tracker.TotalConnections(),
			TotalMessages:    h.tracker.TotalMessages(),
			MemoryMB:         float64(memStats.Alloc) / 1024 / 1024,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpCode)
	json.NewEncoder(w).Encode(resp)
}

// checkStore verifies the history store still answers. A relay with a
// dead store accepts connections but every send fails, so report it.
func (h *Handler) checkStore(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := h.store.Ping(pingCtx); err != nil {
		slog.Debug("history store unreachable", "error", err)
		return false
	}
	return true
}
