package room

import (
	"encoding/json"
	"testing"
	"time"
)

func testClient(hub *Hub, slug, participantID, connID string, buffer int) *Client {
	return NewClient(hub, nil, slug, participantID, connID, participantID, buffer)
}

func recv(t *testing.T, c *Client) ([]byte, bool) {
	t.Helper()
	select {
	case data, ok := <-c.Send:
		return data, ok
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", c.ConnectionID)
		return nil, false
	}
}

func assertEmpty(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.Send:
		t.Fatalf("%s got unexpected message %s", c.ConnectionID, data)
	case <-time.After(50 * time.Millisecond):
	}
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub()
	go hub.Run()
	t.Cleanup(hub.Stop)
	return hub
}

func TestHubBroadcastAndTargeted(t *testing.T) {
	hub := startHub(t)
	a := testClient(hub, "ROOM01", "p1", "c1", 8)
	b := testClient(hub, "ROOM01", "p2", "c2", 8)
	other := testClient(hub, "ROOM02", "p3", "c3", 8)
	hub.Register(a)
	hub.Register(b)
	hub.Register(other)

	hub.Deliver(Envelope{RoomSlug: "ROOM01", Payload: json.RawMessage(`{"n":1}`)})
	hub.Deliver(Envelope{RoomSlug: "ROOM01", Target: "c2", Payload: json.RawMessage(`{"n":2}`)})
	// 目标连接不属于该房间时不投递
	hub.Deliver(Envelope{RoomSlug: "ROOM02", Target: "c1", Payload: json.RawMessage(`{"n":3}`)})

	if data, _ := recv(t, a); string(data) != `{"n":1}` {
		t.Fatalf("a got %s", data)
	}
	if data, _ := recv(t, b); string(data) != `{"n":1}` {
		t.Fatalf("b got %s", data)
	}
	if data, _ := recv(t, b); string(data) != `{"n":2}` {
		t.Fatalf("b got %s", data)
	}
	assertEmpty(t, a)
	assertEmpty(t, other)

	if got := hub.RoomClientCount("ROOM01"); got != 2 {
		t.Fatalf("RoomClientCount = %d, want 2", got)
	}
}

func TestHubDisconnectsSlowConsumer(t *testing.T) {
	hub := startHub(t)
	slow := testClient(hub, "ROOM01", "p1", "c1", 1)
	fast := testClient(hub, "ROOM01", "p2", "c2", 8)
	hub.Register(slow)
	hub.Register(fast)

	for i := 0; i < 3; i++ {
		hub.Deliver(Envelope{RoomSlug: "ROOM01", Payload: json.RawMessage(`{}`)})
	}

	// 不读取 slow，等待 hub 因缓冲区溢出将其移除
	deadline := time.Now().Add(2 * time.Second)
	for hub.RoomClientCount("ROOM01") != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("RoomClientCount = %d, want 1", hub.RoomClientCount("ROOM01"))
		}
		time.Sleep(5 * time.Millisecond)
	}

	// 已缓冲的消息仍可读出，随后 Send 关闭
	if _, ok := recv(t, slow); !ok {
		t.Fatal("first message should be buffered")
	}
	if _, ok := recv(t, slow); ok {
		t.Fatal("slow consumer should be disconnected")
	}
	for i := 0; i < 3; i++ {
		if _, ok := recv(t, fast); !ok {
			t.Fatal("fast consumer should keep receiving")
		}
	}
}

func TestHubReplacesParticipantConnection(t *testing.T) {
	hub := startHub(t)
	old := testClient(hub, "ROOM01", "p1", "c1", 8)
	hub.Register(old)
	fresh := testClient(hub, "ROOM01", "p1", "c2", 8)
	hub.Register(fresh)

	if _, ok := recv(t, old); ok {
		t.Fatal("old connection should be closed")
	}
	if got := hub.RoomClientCount("ROOM01"); got != 1 {
		t.Fatalf("RoomClientCount = %d, want 1", got)
	}

	// 重复注销不会 panic
	hub.Unregister(old)
	hub.Unregister(fresh)
	hub.Unregister(fresh)
	if hub.SendTo(fresh, &Message{Type: MsgTypePong}) {
		t.Fatal("SendTo an unregistered client should fail")
	}
}

func TestHubSendToSetsTimestamp(t *testing.T) {
	hub := startHub(t)
	c := testClient(hub, "ROOM01", "p1", "c1", 8)
	hub.Register(c)

	if !hub.SendTo(c, errorMessage("ROOM01", "req-1", "forbidden", "host only")) {
		t.Fatal("SendTo failed")
	}
	data, _ := recv(t, c)
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	var body ErrorData
	json.Unmarshal(msg.Data, &body)
	if msg.Type != MsgTypeError || msg.Timestamp == 0 || msg.Version != 0 {
		t.Fatalf("message = %+v", msg)
	}
	if body.Code != "forbidden" || body.RequestID != "req-1" {
		t.Fatalf("error data = %+v", body)
	}
}

func TestHubCloseEnvelopeDisconnectsRoom(t *testing.T) {
	hub := startHub(t)
	a := testClient(hub, "ROOM01", "p1", "c1", 8)
	b := testClient(hub, "ROOM01", "p2", "c2", 8)
	other := testClient(hub, "ROOM02", "p3", "c3", 8)
	hub.Register(a)
	hub.Register(b)
	hub.Register(other)

	hub.Deliver(Envelope{RoomSlug: "ROOM01", Close: true, Payload: json.RawMessage(`{"type":"room_closed"}`)})

	for _, c := range []*Client{a, b} {
		if data, ok := recv(t, c); !ok || string(data) != `{"type":"room_closed"}` {
			t.Fatalf("%s got %s, %v", c.ConnectionID, data, ok)
		}
		if _, ok := recv(t, c); ok {
			t.Fatalf("%s should be disconnected", c.ConnectionID)
		}
	}
	assertEmpty(t, other)
	if got := hub.RoomClientCount("ROOM01"); got != 0 {
		t.Fatalf("RoomClientCount = %d, want 0", got)
	}
	if got := hub.RoomClientCount("ROOM02"); got != 1 {
		t.Fatalf("RoomClientCount(ROOM02) = %d, want 1", got)
	}
}
