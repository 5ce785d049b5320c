package conn

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/matchwire/internal/outbox"
	"github.com/matheus3301/matchwire/internal/protocol"
	"github.com/matheus3301/matchwire/internal/status"
	"github.com/matheus3301/matchwire/internal/transport"
)

// chatServer accepts one client, acknowledges its auth, delivers a
// message and reports every frame the client sends.
func chatServer(t *testing.T, received chan<- map[string]any) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = c.Close() }()
		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			var frame map[string]any
			if err := json.Unmarshal(data, &frame); err != nil {
				return
			}
			received <- frame
			if frame["type"] == "auth" {
				_ = c.WriteMessage(websocket.TextMessage, []byte(`{"type":"auth_success"}`))
				_ = c.WriteMessage(websocket.TextMessage, []byte(`{"type":"new_message","message":{"id":1,"matchId":"m1","senderId":7,"content":"hey"}}`))
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketEndToEnd(t *testing.T) {
	received := make(chan map[string]any, 16)
	url := chatServer(t, received)

	inbound := make(chan protocol.Frame, 16)
	ob := outbox.New(outbox.Options{})
	m := New(Options{
		URL:               url,
		UserID:            "42",
		Token:             "secret",
		Dialer:            transport.WebSocketDialer{},
		HeartbeatInterval: time.Hour,
		Outbox:            ob,
		OnFrame:           func(f protocol.Frame) { inbound <- f },
	})
	defer func() { _ = m.Close() }()

	m.Send(&protocol.OutboundMessage{MatchID: "m1", ReceiverID: "7", Content: "queued", ClientMessageID: "c-1"})
	if err := m.Connect(); err != nil {
		t.Fatal(err)
	}

	frame := <-received
	if frame["type"] != "auth" || frame["userId"] != "42" || frame["token"] != "secret" {
		t.Fatalf("first frame = %v", frame)
	}

	select {
	case frame = <-received:
		if frame["type"] != "message" || frame["clientMessageId"] != "c-1" {
			t.Errorf("flushed frame = %v", frame)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("queued message never reached the server")
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case f := <-inbound:
			if nm, ok := f.(*protocol.NewMessage); ok {
				if nm.Message.ID != "1" || nm.Message.SenderID != "7" {
					t.Errorf("message = %+v", nm.Message)
				}
				if m.State() != status.Connected {
					t.Errorf("state = %s", m.State())
				}
				return
			}
		case <-deadline:
			t.Fatal("new_message not delivered")
		}
	}
}
