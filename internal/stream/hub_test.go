package stream

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danielpatrickdp/structgate/internal/engine"
	"github.com/danielpatrickdp/structgate/internal/gate"
	"github.com/danielpatrickdp/structgate/internal/signals"
	"github.com/gorilla/websocket"
)

func dial(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for h.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func TestHub_BroadcastsSteps(t *testing.T) {
	h := NewHub("sess-1")
	defer h.Close()
	conn := dial(t, h)

	step := engine.Step{
		Index: 3,
		Token: "ok",
		Metrics: signals.MetricsRecord{
			Step:    3,
			Entropy: signals.Some(0.5),
			SVRatio: signals.Some(0.7),
		},
		Decision: &gate.Decision{Action: gate.ActionAllow, Justification: "entropy_threshold: ok"},
	}
	if err := h.Record(context.Background(), step); err != nil {
		t.Fatalf("record: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != EventTypeStep || msg.Session != "sess-1" {
		t.Errorf("unexpected envelope %+v", msg)
	}
	if msg.Data.Step != 3 || msg.Data.Token != "ok" || msg.Data.Action != "ALLOW" {
		t.Errorf("unexpected entry %+v", msg.Data)
	}
	if msg.Data.Metrics.Margin.Valid() {
		t.Error("absent margin must stay absent on the wire")
	}
}

func TestHub_SetSessionTagsLaterFrames(t *testing.T) {
	h := NewHub("first")
	defer h.Close()
	conn := dial(t, h)
	h.SetSession("second")

	if err := h.Record(context.Background(), engine.Step{Index: 0, Token: "x"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg Message
	json.Unmarshal(data, &msg)
	if msg.Session != "second" {
		t.Errorf("expected session second, got %q", msg.Session)
	}
}

func TestHub_RecordWithoutClients(t *testing.T) {
	h := NewHub("")
	if err := h.Record(context.Background(), engine.Step{Index: 0, Token: "x"}); err != nil {
		t.Fatalf("record with no clients: %v", err)
	}
}

func TestHub_DropsSlowClient(t *testing.T) {
	h := NewHub("s")
	slow := &client{send: make(chan []byte)}
	h.clients[slow] = struct{}{}

	h.broadcast([]byte(`{}`))

	if h.Clients() != 0 {
		t.Fatalf("expected slow client dropped, %d remain", h.Clients())
	}
	if _, ok := <-slow.send; ok {
		t.Error("expected dropped client's channel closed")
	}
}

func TestHub_ClientDisconnectUnregisters(t *testing.T) {
	h := NewHub("s")
	defer h.Close()
	conn := dial(t, h)
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for h.Clients() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never unregistered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_CloseRefusesNewClients(t *testing.T) {
	h := NewHub("s")
	h.Close()

	srv := httptest.NewServer(h)
	defer srv.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected closed hub to drop the connection")
	}
	if h.Clients() != 0 {
		t.Errorf("expected no clients, got %d", h.Clients())
	}
}
