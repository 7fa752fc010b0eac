package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/taskery/chatrelay/internal/config"
	"github.com/taskery/chatrelay/internal/history"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Security.RateLimit.Enabled = false
	cfg.Relay.PingInterval = 0
	return cfg
}

func newRelayServer(t *testing.T, cfg *config.Config, store history.Store) (*httptest.Server, *Handler) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	if store == nil {
		store = history.NewMemoryStore(1000)
	}
	h := NewHandler(cfg, NewRegistry(), store, nil, context.Background())
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, h
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialRelay(t *testing.T, srv *httptest.Server) *testClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial relay: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) emit(eventType string, payload any) {
	c.t.Helper()
	data, err := encodeEvent(eventType, payload)
	if err != nil {
		c.t.Fatalf("failed to encode %s: %v", eventType, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.t.Fatalf("failed to write %s: %v", eventType, err)
	}
}

func (c *testClient) next() Envelope {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		c.t.Fatalf("failed to read frame: %v", err)
	}
	env, err := decodeEnvelope(data)
	if err != nil {
		c.t.Fatalf("server sent malformed frame: %v", err)
	}
	return env
}

// expect reads the next frame and asserts its event type.
func (c *testClient) expect(eventType string) Envelope {
	c.t.Helper()
	env := c.next()
	if env.Type != eventType {
		c.t.Fatalf("got event %q, want %q (payload: %s)", env.Type, eventType, env.Payload)
	}
	return env
}

// expectSilence asserts no frame arrives within the window.
func (c *testClient) expectSilence(d time.Duration) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	_, data, err := c.conn.Read(ctx)
	if err == nil {
		c.t.Fatalf("expected silence, got frame: %s", data)
	}
}

func (c *testClient) decode(env Envelope, v any) {
	c.t.Helper()
	if err := json.Unmarshal(env.Payload, v); err != nil {
		c.t.Fatalf("failed to decode %s payload: %v", env.Type, err)
	}
}

func (c *testClient) identify(userID, displayName string) {
	c.t.Helper()
	c.emit(EventIdentify, IdentifyPayload{UserID: userID, DisplayName: displayName})
}

// join subscribes and consumes the history snapshot, returning its messages.
func (c *testClient) join(roomID string) []history.Message {
	c.t.Helper()
	c.emit(EventRoomJoin, RoomPayload{RoomID: roomID})
	var p HistoryPayload
	c.decode(c.expect(EventRoomHistory), &p)
	if p.RoomID != roomID {
		c.t.Fatalf("history for room %q, want %q", p.RoomID, roomID)
	}
	return p.Messages
}

// collectMessages reads frames until n message:received events arrive,
// skipping participant notices along the way.
func (c *testClient) collectMessages(n int) []history.Message {
	c.t.Helper()
	var msgs []history.Message
	for len(msgs) < n {
		env := c.next()
		if env.Type != EventMessageReceived {
			continue
		}
		var m history.Message
		c.decode(env, &m)
		msgs = append(msgs, m)
	}
	return msgs
}

func TestRelayScenario(t *testing.T) {
	store := history.NewMemoryStore(1000)
	srv, _ := newRelayServer(t, nil, store)

	// Alice joins an empty project room and gets an empty snapshot.
	alice := dialRelay(t, srv)
	alice.identify("u-alice", "Alice")
	if msgs := alice.join("p1"); len(msgs) != 0 {
		t.Fatalf("empty room snapshot has %d messages, want 0", len(msgs))
	}

	// Bob joins: Alice is notified, Bob gets the snapshot.
	bob := dialRelay(t, srv)
	bob.identify("u-bob", "Bob")
	if msgs := bob.join("p1"); len(msgs) != 0 {
		t.Fatalf("snapshot for second joiner has %d messages, want 0", len(msgs))
	}
	var joined RoomPayload
	alice.decode(alice.expect(EventParticipantJoined), &joined)
	if joined.UserID != "u-bob" || joined.DisplayName != "Bob" {
		t.Errorf("participant:joined = %+v, want u-bob/Bob", joined)
	}

	// Alice sends: both connections receive the same persisted message.
	alice.emit(EventMessageSend, SendPayload{RoomID: "p1", Text: "hello"})
	var got, bobGot history.Message
	alice.decode(alice.expect(EventMessageReceived), &got)
	bob.decode(bob.expect(EventMessageReceived), &bobGot)

	if got.Text != "hello" || got.SenderID != "u-alice" || got.SenderName != "Alice" {
		t.Errorf("message = %+v, want hello from u-alice/Alice", got)
	}
	if got.ID == "" || got.SentAt == 0 || got.SentAtDisplay == "" {
		t.Errorf("message missing server-assigned fields: %+v", got)
	}
	if bobGot.ID != got.ID {
		t.Errorf("subscribers saw different messages: %q vs %q", bobGot.ID, got.ID)
	}
	if store.Count("p1") != 1 {
		t.Errorf("store holds %d messages, want 1", store.Count("p1"))
	}

	// Bob sends whitespace: error to Bob only, nothing persisted.
	bob.emit(EventMessageSend, SendPayload{RoomID: "p1", Text: "   "})
	var e ErrorPayload
	bob.decode(bob.expect(EventError), &e)
	if e.Message == "" {
		t.Error("validation error has empty message")
	}
	alice.expectSilence(300 * time.Millisecond)
	if store.Count("p1") != 1 {
		t.Errorf("store holds %d messages after rejected send, want 1", store.Count("p1"))
	}
}

func TestHistorySnapshotIsBoundedAndOrdered(t *testing.T) {
	store := history.NewMemoryStore(1000)
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	i := 0
	store.SetClock(func() time.Time {
		i++
		return base.Add(time.Duration(i) * time.Second)
	})
	for n := 1; n <= 60; n++ {
		if _, err := store.Append(context.Background(), "p1", "u-seed", "Seed", fmt.Sprintf("msg-%02d", n)); err != nil {
			t.Fatalf("seeding message %d failed: %v", n, err)
		}
	}

	srv, _ := newRelayServer(t, nil, store)
	c := dialRelay(t, srv)
	c.identify("u1", "Reader")
	msgs := c.join("p1")

	if len(msgs) != 50 {
		t.Fatalf("snapshot has %d messages, want 50", len(msgs))
	}
	if msgs[0].Text != "msg-11" || msgs[49].Text != "msg-60" {
		t.Errorf("snapshot spans %q..%q, want msg-11..msg-60", msgs[0].Text, msgs[49].Text)
	}
	for n := 1; n < len(msgs); n++ {
		if msgs[n].SentAt < msgs[n-1].SentAt {
			t.Fatalf("snapshot out of order at index %d: %d < %d", n, msgs[n].SentAt, msgs[n-1].SentAt)
		}
	}
}

func TestSenderReceivesOwnMessageExactlyOnce(t *testing.T) {
	srv, _ := newRelayServer(t, nil, nil)
	c := dialRelay(t, srv)
	c.identify("u1", "Solo")
	c.join("p1")

	c.emit(EventMessageSend, SendPayload{RoomID: "p1", Text: "only once"})
	var m history.Message
	c.decode(c.expect(EventMessageReceived), &m)
	if m.Text != "only once" {
		t.Errorf("text = %q, want %q", m.Text, "only once")
	}
	c.expectSilence(300 * time.Millisecond)
}

func TestIdentifySupersedesPreviousConnection(t *testing.T) {
	srv, h := newRelayServer(t, nil, nil)

	first := dialRelay(t, srv)
	first.identify("u1", "Alice")
	first.join("p1")

	observer := dialRelay(t, srv)
	observer.identify("u2", "Observer")
	observer.join("p1")
	first.expect(EventParticipantJoined)

	// Same user from a second device, under a fresher display name.
	second := dialRelay(t, srv)
	second.identify("u1", "Alice (laptop)")

	// The old transport is closed with a policy violation status.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := first.conn.Read(ctx)
	if err == nil {
		t.Fatal("superseded connection still readable")
	}
	if status := websocket.CloseStatus(err); status != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v, want %v", status, websocket.StatusPolicyViolation)
	}

	// The room saw the old presence leave under the name it had
	// registered, and nothing else afterwards.
	var left RoomPayload
	observer.decode(observer.expect(EventParticipantLeft), &left)
	if left.UserID != "u1" {
		t.Errorf("participant:left for %q, want u1", left.UserID)
	}
	if left.DisplayName != "Alice" {
		t.Errorf("participant:left name = %q, want Alice", left.DisplayName)
	}
	observer.expectSilence(300 * time.Millisecond)

	// The new transport works normally.
	second.join("p1")
	observer.decode(observer.expect(EventParticipantJoined), &left)
	if left.UserID != "u1" {
		t.Errorf("re-join notice for %q, want u1", left.UserID)
	}

	if h.Registry.IdentityCount() != 2 {
		t.Errorf("identity count = %d, want 2", h.Registry.IdentityCount())
	}
}

func TestReidentifySameTransportKeepsPresence(t *testing.T) {
	srv, h := newRelayServer(t, nil, nil)

	c := dialRelay(t, srv)
	c.identify("u1", "Alice")
	c.join("p1")

	observer := dialRelay(t, srv)
	observer.identify("u2", "Observer")
	observer.join("p1")
	c.expect(EventParticipantJoined)

	// Re-identifying over the live transport is a name refresh, not a
	// supersede: nobody leaves and the room keeps its member.
	c.identify("u1", "Alice R.")
	observer.expectSilence(300 * time.Millisecond)

	c.emit(EventMessageSend, SendPayload{RoomID: "p1", Text: "still here"})
	var m history.Message
	observer.decode(observer.expect(EventMessageReceived), &m)
	if m.SenderName != "Alice R." {
		t.Errorf("sender name = %q, want %q", m.SenderName, "Alice R.")
	}
	c.expect(EventMessageReceived)

	// Disconnecting afterwards must still clear the membership.
	c.conn.Close(websocket.StatusNormalClosure, "")
	var left RoomPayload
	observer.decode(observer.expect(EventParticipantLeft), &left)
	if left.UserID != "u1" {
		t.Errorf("participant:left for %q, want u1", left.UserID)
	}
	if n := h.Registry.RoomMembers("p1"); n != 1 {
		t.Errorf("room members after disconnect = %d, want 1", n)
	}
}

func TestSendAttributesRefreshedDisplayName(t *testing.T) {
	srv, _ := newRelayServer(t, nil, nil)

	c := dialRelay(t, srv)
	c.identify("u1", "Alice")
	c.emit(EventRoomJoin, RoomPayload{RoomID: "p1", DisplayName: "Alice R."})
	c.expect(EventRoomHistory)

	c.emit(EventMessageSend, SendPayload{RoomID: "p1", Text: "renamed"})
	var m history.Message
	c.decode(c.expect(EventMessageReceived), &m)
	if m.SenderName != "Alice R." {
		t.Errorf("sender name = %q, want %q", m.SenderName, "Alice R.")
	}
}

func TestSendRequiresMembership(t *testing.T) {
	srv, _ := newRelayServer(t, nil, nil)
	c := dialRelay(t, srv)
	c.identify("u1", "Alice")

	c.emit(EventMessageSend, SendPayload{RoomID: "p1", Text: "drive-by"})
	var e ErrorPayload
	c.decode(c.expect(EventError), &e)
	if !strings.Contains(e.Message, "join") {
		t.Errorf("error = %q, want a join-first hint", e.Message)
	}
}

func TestUnidentifiedEventsAreDropped(t *testing.T) {
	srv, _ := newRelayServer(t, nil, nil)
	c := dialRelay(t, srv)

	c.emit(EventRoomJoin, RoomPayload{RoomID: "p1"})
	c.emit(EventMessageSend, SendPayload{RoomID: "p1", Text: "hello"})
	c.emit("made:up", nil)
	c.expectSilence(300 * time.Millisecond)

	// The transport survives and works after identifying.
	c.identify("u1", "Late")
	if msgs := c.join("p1"); len(msgs) != 0 {
		t.Errorf("snapshot has %d messages, want 0", len(msgs))
	}
}

func TestMalformedFramesAreDropped(t *testing.T) {
	srv, _ := newRelayServer(t, nil, nil)
	c := dialRelay(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, []byte(`{"type":`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	c.expectSilence(300 * time.Millisecond)

	c.identify("u1", "Alice")
	c.join("p1")
}

func TestDisconnectNotifiesEveryRoom(t *testing.T) {
	srv, h := newRelayServer(t, nil, nil)

	leaver := dialRelay(t, srv)
	leaver.identify("u1", "Leaver")
	leaver.join("roomA")
	leaver.join("roomB")

	inA := dialRelay(t, srv)
	inA.identify("u2", "InA")
	inA.join("roomA")
	leaver.expect(EventParticipantJoined)

	inB := dialRelay(t, srv)
	inB.identify("u3", "InB")
	inB.join("roomB")
	leaver.expect(EventParticipantJoined)

	leaver.conn.Close(websocket.StatusNormalClosure, "")

	var left RoomPayload
	inA.decode(inA.expect(EventParticipantLeft), &left)
	if left.RoomID != "roomA" || left.UserID != "u1" {
		t.Errorf("roomA notice = %+v, want u1 leaving roomA", left)
	}
	inB.decode(inB.expect(EventParticipantLeft), &left)
	if left.RoomID != "roomB" || left.UserID != "u1" {
		t.Errorf("roomB notice = %+v, want u1 leaving roomB", left)
	}

	// Disconnect is processed once; no duplicate notices trail in.
	inA.expectSilence(300 * time.Millisecond)

	if h.Registry.IsMember("roomA", "u1") || h.Registry.IsMember("roomB", "u1") {
		t.Error("disconnected user still a room member")
	}
}

func TestRejoinIsIdempotent(t *testing.T) {
	srv, h := newRelayServer(t, nil, nil)

	c := dialRelay(t, srv)
	c.identify("u1", "Alice")
	c.join("p1")

	observer := dialRelay(t, srv)
	observer.identify("u2", "Observer")
	observer.join("p1")
	c.expect(EventParticipantJoined)

	// Re-join: snapshot re-sent to the joiner, no duplicate notice.
	c.join("p1")
	observer.expectSilence(300 * time.Millisecond)
	if h.Registry.RoomMembers("p1") != 2 {
		t.Errorf("room members = %d, want 2", h.Registry.RoomMembers("p1"))
	}

	// One leave fully removes the membership.
	c.emit(EventRoomLeave, RoomPayload{RoomID: "p1"})
	var left RoomPayload
	observer.decode(observer.expect(EventParticipantLeft), &left)
	if left.UserID != "u1" {
		t.Errorf("participant:left for %q, want u1", left.UserID)
	}

	// A second leave is a no-op.
	c.emit(EventRoomLeave, RoomPayload{RoomID: "p1"})
	observer.expectSilence(300 * time.Millisecond)
}

func TestConcurrentSendersSharedOrder(t *testing.T) {
	srv, _ := newRelayServer(t, nil, nil)

	s1 := dialRelay(t, srv)
	s1.identify("u1", "SenderOne")
	s1.join("p1")

	s2 := dialRelay(t, srv)
	s2.identify("u2", "SenderTwo")
	s2.join("p1")
	s1.expect(EventParticipantJoined)

	observer := dialRelay(t, srv)
	observer.identify("u3", "Observer")
	observer.join("p1")

	const perSender = 10
	var wg sync.WaitGroup
	for _, c := range []*testClient{s1, s2} {
		wg.Add(1)
		go func(c *testClient) {
			defer wg.Done()
			for n := 0; n < perSender; n++ {
				data, _ := encodeEvent(EventMessageSend, SendPayload{RoomID: "p1", Text: fmt.Sprintf("m%d", n)})
				ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				err := c.conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					return
				}
			}
		}(c)
	}
	wg.Wait()

	total := 2 * perSender
	obsOrder := observer.collectMessages(total)
	s1Order := s1.collectMessages(total)
	s2Order := s2.collectMessages(total)

	for n := 0; n < total; n++ {
		if s1Order[n].ID != obsOrder[n].ID || s2Order[n].ID != obsOrder[n].ID {
			t.Fatalf("subscribers diverge at index %d: %q / %q / %q",
				n, obsOrder[n].ID, s1Order[n].ID, s2Order[n].ID)
		}
	}

	// Server-assigned timestamps are non-decreasing in delivery order.
	for n := 1; n < total; n++ {
		if obsOrder[n].SentAt < obsOrder[n-1].SentAt {
			t.Fatalf("delivery order disagrees with timestamps at index %d", n)
		}
	}
}

type failingStore struct {
	history.Store
}

func (failingStore) Append(ctx context.Context, roomID, senderID, senderName, text string) (history.Message, error) {
	return history.Message{}, errors.New("disk full")
}

func TestAppendFailureReachesSenderOnly(t *testing.T) {
	srv, _ := newRelayServer(t, nil, failingStore{history.NewMemoryStore(100)})

	sender := dialRelay(t, srv)
	sender.identify("u1", "Sender")
	sender.join("p1")

	observer := dialRelay(t, srv)
	observer.identify("u2", "Observer")
	observer.join("p1")
	sender.expect(EventParticipantJoined)

	sender.emit(EventMessageSend, SendPayload{RoomID: "p1", Text: "doomed"})
	var e ErrorPayload
	sender.decode(sender.expect(EventError), &e)
	if e.Message == "" {
		t.Error("persistence error has empty message")
	}
	observer.expectSilence(300 * time.Millisecond)
}

func TestAuthTokenGatesHandshake(t *testing.T) {
	cfg := testConfig()
	cfg.Security.AuthToken = "sekrit"
	srv, _ := newRelayServer(t, cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	if conn, _, err := websocket.Dial(ctx, wsURL, nil); err == nil {
		conn.CloseNow()
		t.Fatal("handshake without token succeeded")
	}

	conn, _, err := websocket.Dial(ctx, wsURL+"/?token=sekrit", nil)
	if err != nil {
		t.Fatalf("handshake with query token failed: %v", err)
	}
	conn.CloseNow()

	conn, _, err = websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer sekrit"}},
	})
	if err != nil {
		t.Fatalf("handshake with bearer token failed: %v", err)
	}
	conn.CloseNow()
}

func TestPerIPConnectionCap(t *testing.T) {
	cfg := testConfig()
	cfg.Security.MaxConnectionsPerIP = 1
	srv, _ := newRelayServer(t, cfg, nil)

	first := dialRelay(t, srv)
	first.identify("u1", "First")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	if conn, _, err := websocket.Dial(ctx, wsURL, nil); err == nil {
		conn.CloseNow()
		t.Fatal("second connection from same IP accepted despite cap")
	}
}

func TestDrainClosesConnections(t *testing.T) {
	srv, h := newRelayServer(t, nil, nil)
	c := dialRelay(t, srv)
	c.identify("u1", "Alice")
	c.join("p1")

	h.StartDrain()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := c.conn.Read(ctx)
	if err == nil {
		t.Fatal("connection still readable after drain")
	}
	if status := websocket.CloseStatus(err); status != websocket.StatusGoingAway {
		t.Errorf("close status = %v, want %v", status, websocket.StatusGoingAway)
	}
}
