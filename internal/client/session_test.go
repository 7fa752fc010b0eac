package client

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/taskery/chatrelay/internal/relay"
)

func waitForState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %v, still %v", want, m.State())
}

// nextEvent waits for the next event of the given type, skipping others.
func nextEvent(t *testing.T, events <-chan relay.Envelope, eventType string) relay.Envelope {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case env := <-events:
			if env.Type == eventType {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", eventType)
		}
	}
}

func TestSessionJoinAndReceive(t *testing.T) {
	srv, _ := newRelayBackend(t, nil)
	m := NewManager(Options{URL: wsURL(srv), BaseBackoff: 10 * time.Millisecond})
	defer m.Close()

	events := make(chan relay.Envelope, 32)
	sess := NewSession(m, "u1", "Alice")
	sess.OnEvent = func(env relay.Envelope) { events <- env }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)
	waitForState(t, m, StateConnected)

	if err := sess.Join(ctx, "p1"); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	env := nextEvent(t, events, relay.EventRoomHistory)
	var hp relay.HistoryPayload
	if err := json.Unmarshal(env.Payload, &hp); err != nil {
		t.Fatalf("history payload unmarshal failed: %v", err)
	}
	if hp.RoomID != "p1" || len(hp.Messages) != 0 {
		t.Errorf("history = %+v, want empty snapshot for p1", hp)
	}

	if err := sess.Send(ctx, "p1", "hello"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	env = nextEvent(t, events, relay.EventMessageReceived)
	var msg struct {
		Text     string `json:"text"`
		SenderID string `json:"senderId"`
	}
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		t.Fatalf("message payload unmarshal failed: %v", err)
	}
	if msg.Text != "hello" || msg.SenderID != "u1" {
		t.Errorf("broadcast message = %+v, want hello from u1", msg)
	}
}

func TestSessionReplaysAfterTransportLoss(t *testing.T) {
	srv, _ := newRelayBackend(t, nil)
	m := NewManager(Options{URL: wsURL(srv), BaseBackoff: 10 * time.Millisecond})
	defer m.Close()

	events := make(chan relay.Envelope, 32)
	sess := NewSession(m, "u1", "Alice")
	sess.OnEvent = func(env relay.Envelope) { events <- env }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)
	waitForState(t, m, StateConnected)

	if err := sess.Join(ctx, "p1"); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	nextEvent(t, events, relay.EventRoomHistory)

	// Knock the transport over from outside: a second connection claiming
	// the same user makes the server close the session's transport.
	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()
	intruder, _, err := websocket.Dial(dialCtx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("intruder dial failed: %v", err)
	}
	defer intruder.CloseNow()
	frame, _ := json.Marshal(relay.Envelope{
		Type:    relay.EventIdentify,
		Payload: json.RawMessage(`{"userId":"u1","displayName":"Alice"}`),
	})
	if err := intruder.Write(dialCtx, websocket.MessageText, frame); err != nil {
		t.Fatalf("intruder identify failed: %v", err)
	}

	// The session reconnects, re-identifies, and re-joins p1; the fresh
	// snapshot proves the replay happened.
	nextEvent(t, events, relay.EventRoomHistory)

	rooms := sess.ActiveRooms()
	if len(rooms) != 1 || rooms[0] != "p1" {
		t.Errorf("active rooms after reconnect = %v, want [p1]", rooms)
	}
	waitForState(t, m, StateConnected)
}

func TestSessionLeaveStopsReplay(t *testing.T) {
	srv, _ := newRelayBackend(t, nil)
	m := NewManager(Options{URL: wsURL(srv), BaseBackoff: 10 * time.Millisecond})
	defer m.Close()

	sess := NewSession(m, "u1", "Alice")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)
	waitForState(t, m, StateConnected)

	if err := sess.Join(ctx, "p1"); err != nil {
		t.Fatalf("join p1 failed: %v", err)
	}
	if err := sess.Join(ctx, "p2"); err != nil {
		t.Fatalf("join p2 failed: %v", err)
	}
	if err := sess.Leave(ctx, "p2"); err != nil {
		t.Fatalf("leave p2 failed: %v", err)
	}

	rooms := sess.ActiveRooms()
	if len(rooms) != 1 || rooms[0] != "p1" {
		t.Errorf("active rooms = %v, want [p1]", rooms)
	}
}

func TestSessionSendRequiresConnection(t *testing.T) {
	m := NewManager(Options{URL: "ws://127.0.0.1:1"})
	sess := NewSession(m, "u1", "Alice")
	if err := sess.Send(context.Background(), "p1", "hello"); err == nil {
		t.Error("send without connection succeeded")
	}
}
