package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/matchwire/internal/api"
	"github.com/matheus3301/matchwire/internal/config"
	"github.com/matheus3301/matchwire/internal/session"
	"github.com/matheus3301/matchwire/internal/status"
	"go.uber.org/fx"
)

// chatServer acknowledges every auth with auth_success followed by the
// same new_message, and reports the frames clients send.
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
			select {
			case received <- frame:
			default:
			}
			if frame["type"] == "auth" {
				_ = c.WriteMessage(websocket.TextMessage, []byte(`{"type":"auth_success"}`))
				_ = c.WriteMessage(websocket.TextMessage, []byte(`{"type":"new_message","message":{"id":1,"matchId":"m1","senderId":"7","receiverId":"42","content":"hey"}}`))
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// setupHome points the profile tree at a short temp dir (Unix socket
// paths are limited to ~104 bytes on macOS) and writes a profile.
func setupHome(t *testing.T, url string) {
	t.Helper()
	home, err := os.MkdirTemp("/tmp", "mw-d-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(home) })
	t.Setenv(session.HomeEnv, home)

	prof := config.Defaults()
	prof.Server.URL = url
	prof.Server.UserID = "42"
	prof.Heartbeat.Interval = config.D(time.Hour)
	if err := session.EnsureDir("test"); err != nil {
		t.Fatal(err)
	}
	if err := config.Save(session.ProfilePath("test"), prof); err != nil {
		t.Fatal(err)
	}
}

func startApp(t *testing.T, p Params) *fx.App {
	t.Helper()
	app := fx.New(Module(p), fx.NopLogger)
	if err := app.Err(); err != nil {
		t.Fatalf("build app: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("start app: %v", err)
	}
	return app
}

func stopApp(t *testing.T, app *fx.App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Stop(ctx); err != nil {
		t.Errorf("stop app: %v", err)
	}
}

func dialDaemon(t *testing.T) *api.Client {
	t.Helper()
	c, err := api.Dial(session.SocketPath("test"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func callCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestDaemonLifecycle(t *testing.T) {
	received := make(chan map[string]any, 32)
	setupHome(t, chatServer(t, received))

	app := startApp(t, Params{ProfileName: "test"})
	c := dialDaemon(t)

	eventually(t, "connected", func() bool {
		st, err := c.GetStatus(callCtx(t))
		return err == nil && st.State == string(status.Connected)
	})

	eventually(t, "delivered message stored", func() bool {
		page, err := c.ListMessages(callCtx(t), &api.ListMessagesRequest{MatchID: "m1"})
		return err == nil && len(page.Messages) == 1
	})

	resp, err := c.SendMessage(callCtx(t), &api.SendRequest{MatchID: "m1", ReceiverID: "7", Content: "hi back"})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case frame := <-received:
			if frame["type"] != "message" {
				continue
			}
			if frame["clientMessageId"] != resp.ClientMessageID || frame["content"] != "hi back" {
				t.Errorf("message frame = %v", frame)
			}
			stopApp(t, app)
			if _, err := os.Stat(session.SocketPath("test")); !os.IsNotExist(err) {
				t.Error("socket not removed on stop")
			}
			return
		case <-deadline:
			t.Fatal("sent message never reached the server")
		}
	}
}

func TestSecondDaemonRefused(t *testing.T) {
	setupHome(t, "ws://127.0.0.1:1/ws")
	app := startApp(t, Params{ProfileName: "test", NoConnect: true})
	defer stopApp(t, app)

	second := fx.New(Module(Params{ProfileName: "test", SocketPath: session.Dir("test") + "/other.sock"}), fx.NopLogger)
	err := second.Err()
	if err == nil || !strings.Contains(err.Error(), "profile lock held") {
		t.Fatalf("second daemon err = %v, want the lock to be held", err)
	}
}

func TestRestartKeepsHistoryAndFiltersRedelivery(t *testing.T) {
	received := make(chan map[string]any, 32)
	setupHome(t, chatServer(t, received))

	app := startApp(t, Params{ProfileName: "test"})
	c := dialDaemon(t)
	eventually(t, "first delivery", func() bool {
		page, err := c.ListConversations(callCtx(t), &api.ListConversationsRequest{})
		return err == nil && len(page.Conversations) == 1 && page.Conversations[0].UnreadCount == 1
	})
	stopApp(t, app)

	// The server delivers message 1 again after the new auth. The durable
	// dedup tier must keep the unread counter at one.
	app = startApp(t, Params{ProfileName: "test"})
	defer stopApp(t, app)
	c = dialDaemon(t)
	eventually(t, "reconnected", func() bool {
		st, err := c.GetStatus(callCtx(t))
		return err == nil && st.State == string(status.Connected)
	})
	// Give the redelivered frame time to be dispatched.
	time.Sleep(200 * time.Millisecond)

	page, err := c.ListConversations(callCtx(t), &api.ListConversationsRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Conversations) != 1 || page.Conversations[0].UnreadCount != 1 {
		t.Errorf("conversations = %+v", page.Conversations)
	}
	msgs, err := c.ListMessages(callCtx(t), &api.ListMessagesRequest{MatchID: "m1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs.Messages) != 1 {
		t.Errorf("messages = %d, want 1", len(msgs.Messages))
	}
}

func TestShutdownCollectsErrors(t *testing.T) {
	errA := errors.New("a failed")
	ran := 0
	err := shutdown(
		step{"a", func() error { ran++; return errA }},
		step{"b", func() error { ran++; return nil }},
		step{"c", func() error { ran++; return errors.New("c failed") }},
	)
	if ran != 3 {
		t.Errorf("ran %d steps, want 3", ran)
	}
	if !errors.Is(err, errA) {
		t.Errorf("err = %v, want it to wrap a failure", err)
	}
	if !strings.Contains(err.Error(), "c: c failed") {
		t.Errorf("err = %q", err)
	}
	if shutdown(step{"ok", func() error { return nil }}) != nil {
		t.Error("no failures should yield nil")
	}
}
