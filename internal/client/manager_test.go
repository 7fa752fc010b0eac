package client

import (
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/taskery/chatrelay/internal/config"
	"github.com/taskery/chatrelay/internal/history"
	"github.com/taskery/chatrelay/internal/relay"
)

func newRelayBackend(t *testing.T, mutate func(*config.Config)) (*httptest.Server, *relay.Handler) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Security.RateLimit.Enabled = false
	cfg.Relay.PingInterval = 0
	if mutate != nil {
		mutate(cfg)
	}
	h := relay.NewHandler(cfg, relay.NewRegistry(), history.NewMemoryStore(100), nil, context.Background())
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, h
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestManagerSharesOneTransport(t *testing.T) {
	srv, h := newRelayBackend(t, nil)
	m := NewManager(Options{URL: wsURL(srv)})
	defer m.Close()

	ctx := context.Background()
	c1, err := m.Connection(ctx)
	if err != nil {
		t.Fatalf("first connection failed: %v", err)
	}
	c2, err := m.Connection(ctx)
	if err != nil {
		t.Fatalf("second connection call failed: %v", err)
	}
	if c1 != c2 {
		t.Error("repeated Connection calls returned different transports")
	}
	if n := h.Tracker.TotalConnections(); n != 1 {
		t.Errorf("server saw %d connections, want 1", n)
	}
	if m.State() != StateConnected {
		t.Errorf("state = %v, want %v", m.State(), StateConnected)
	}
}

func TestManagerRedialsAfterBroken(t *testing.T) {
	srv, h := newRelayBackend(t, nil)
	m := NewManager(Options{URL: wsURL(srv), BaseBackoff: 10 * time.Millisecond})
	defer m.Close()

	ctx := context.Background()
	c1, err := m.Connection(ctx)
	if err != nil {
		t.Fatalf("connection failed: %v", err)
	}

	m.MarkBroken(c1)
	if m.State() != StateDisconnected {
		t.Errorf("state after MarkBroken = %v, want %v", m.State(), StateDisconnected)
	}

	c2, err := m.Connection(ctx)
	if err != nil {
		t.Fatalf("redial failed: %v", err)
	}
	if c1 == c2 {
		t.Error("redial returned the broken transport")
	}
	if n := h.Tracker.TotalConnections(); n != 2 {
		t.Errorf("server saw %d connections, want 2", n)
	}

	// A stale report about the old transport must not kill the new one.
	m.MarkBroken(c1)
	if m.State() != StateConnected {
		t.Errorf("state after stale MarkBroken = %v, want %v", m.State(), StateConnected)
	}
	m.MarkBroken(nil)
	if m.State() != StateConnected {
		t.Errorf("state after nil MarkBroken = %v, want %v", m.State(), StateConnected)
	}
}

func TestManagerExhaustsRetryBudget(t *testing.T) {
	// Grab a port nobody is listening on.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	addr := l.Addr().String()
	l.Close()

	m := NewManager(Options{
		URL:         "ws://" + addr,
		MaxAttempts: 2,
		BaseBackoff: 5 * time.Millisecond,
		DialTimeout: 500 * time.Millisecond,
	})
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := m.Connection(ctx); err == nil {
		t.Fatal("connection to dead address succeeded")
	}
	if m.State() != StateDisconnected {
		t.Errorf("state after exhausted budget = %v, want %v", m.State(), StateDisconnected)
	}
}

func TestManagerWriteRequiresConnection(t *testing.T) {
	m := NewManager(Options{URL: "ws://127.0.0.1:1"})
	if err := m.Write(context.Background(), []byte("hello")); err == nil {
		t.Error("write without connection succeeded")
	}
}

func TestManagerSendsAuthToken(t *testing.T) {
	srv, _ := newRelayBackend(t, func(cfg *config.Config) {
		cfg.Security.AuthToken = "tok"
	})

	m := NewManager(Options{URL: wsURL(srv), AuthToken: "tok"})
	defer m.Close()
	if _, err := m.Connection(context.Background()); err != nil {
		t.Fatalf("authorized connection failed: %v", err)
	}

	bad := NewManager(Options{
		URL:         wsURL(srv),
		MaxAttempts: 1,
		BaseBackoff: 5 * time.Millisecond,
	})
	defer bad.Close()
	if _, err := bad.Connection(context.Background()); err == nil {
		t.Error("connection without token succeeded")
	}
}

func TestManagerObserverMayReadState(t *testing.T) {
	srv, _ := newRelayBackend(t, nil)
	m := NewManager(Options{URL: wsURL(srv)})
	defer m.Close()

	// The callback reads the state back through the public accessor; it
	// must see the transition it was notified of, without blocking.
	type pair struct{ notified, read State }
	pairs := make(chan pair, 8)
	m.OnStateChange(func(s State) { pairs <- pair{s, m.State()} })

	c, err := m.Connection(context.Background())
	if err != nil {
		t.Fatalf("connection failed: %v", err)
	}
	m.MarkBroken(c)

	for i := 0; i < 3; i++ {
		select {
		case p := <-pairs:
			if p.read != p.notified {
				t.Fatalf("State() inside observer = %v, notified %v", p.read, p.notified)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for state transitions")
		}
	}
}

func TestManagerStateObserver(t *testing.T) {
	srv, _ := newRelayBackend(t, nil)
	m := NewManager(Options{URL: wsURL(srv)})
	defer m.Close()

	states := make(chan State, 8)
	m.OnStateChange(func(s State) { states <- s })

	c, err := m.Connection(context.Background())
	if err != nil {
		t.Fatalf("connection failed: %v", err)
	}
	m.MarkBroken(c)

	want := []State{StateConnecting, StateConnected, StateDisconnected}
	for _, w := range want {
		select {
		case got := <-states:
			if got != w {
				t.Fatalf("state transition = %v, want %v", got, w)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for state %v", w)
		}
	}
}
