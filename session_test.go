package chatsync

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

// newChatServer serves the conversation snapshot over REST and hands each
// socket to the test.
func newChatServer(t *testing.T, snapshot string) (*httptest.Server, chan *websocket.Conn) {
	t.Helper()
	conns := make(chan *websocket.Conn, 4)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/ws/conversations/"):
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			conns <- conn
		case r.URL.Path == "/api/conversations/42/":
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, snapshot)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, conns
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSession(t *testing.T) {
	srv, conns := newChatServer(t, `{
		"id": 42,
		"status": "pending_response",
		"unread_count": 0,
		"messages": [{"id": 1, "sender": 8, "content": "is it available?"}]
	}`)
	client := NewClient("tok", WithBaseURL(srv.URL))

	sess, err := Open(context.Background(), client, "42", SessionOptions{
		UserID:    localUser,
		Transport: TransportConfig{HeartbeatInterval: -1},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sess.Close)

	var conn *websocket.Conn
	select {
	case conn = <-conns:
		t.Cleanup(func() { conn.Close() })
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for socket")
	}

	st := sess.Snapshot()
	if st.Conversation == nil || len(st.Conversation.Messages) != 1 {
		t.Fatalf("expected snapshot loaded, got %+v", st.Conversation)
	}
	if !st.Connected {
		t.Fatal("expected connected state")
	}

	res := sess.SendMessage(context.Background(), "yes it is", nil)
	if !res.Success || res.TempID == "" {
		t.Fatalf("expected socket send, got %+v", res)
	}
	if got := sess.Snapshot().Conversation.Status; got != StatusActive {
		t.Fatalf("expected active, got %s", got)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var frame struct {
		Type   string `json:"type"`
		TempID string `json:"temp_id"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatal(err)
	}
	if frame.Type != "send_message" || frame.TempID != res.TempID {
		t.Fatalf("unexpected frame %s", data)
	}
	conn.SetReadDeadline(time.Time{})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	acks := []string{
		`{"type":"message_sent","temp_id":"` + res.TempID + `","message_id":2}`,
		`{"type":"new_message","message":{"id":3,"sender":8,"content":"great"}}`,
	}
	for _, a := range acks {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(a)); err != nil {
			t.Fatal(err)
		}
	}

	eventually(t, "server events applied", func() bool {
		c := sess.Snapshot().Conversation
		return len(c.Messages) == 3 && c.Messages[1].ID == "2" && c.Messages[2].ID == "3"
	})
	if got := sess.Snapshot().Conversation.UnreadCount; got != 1 {
		t.Fatalf("expected unread 1, got %d", got)
	}

	sess.Close()
	if sess.Transport().State() != StateDisconnected {
		t.Fatalf("expected disconnected after close, got %s", sess.Transport().State())
	}
}

func TestSessionFallsBackToREST(t *testing.T) {
	var sent []string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/conversations/42/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id": 42, "status": "active", "messages": []}`)
	})
	mux.HandleFunc("/api/conversations/42/send_message/", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Content string `json:"content"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		sent = append(sent, body.Content)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id": 10, "sender": 7, "content": "`+body.Content+`"}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := NewClient("tok", WithBaseURL(srv.URL))
	clk := newFakeClock()
	sess, err := Open(context.Background(), client, "42", SessionOptions{
		UserID:    localUser,
		Clock:     clk,
		Transport: TransportConfig{HeartbeatInterval: -1},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sess.Close)

	if sess.Transport().Connected() {
		t.Fatal("expected socket dial to fail")
	}
	res := sess.SendMessage(context.Background(), "hello", nil)
	if !res.Success || res.Message == nil || res.Message.ID != "10" {
		t.Fatalf("expected REST send, got %+v", res)
	}
	if len(sent) != 1 || sent[0] != "hello" {
		t.Fatalf("expected one REST send, got %v", sent)
	}
	if clk.Pending() != 1 {
		t.Fatalf("expected a reconnect scheduled, got %d timers", clk.Pending())
	}
}

func TestOpenValidation(t *testing.T) {
	if _, err := Open(context.Background(), nil, "42", SessionOptions{}); err == nil {
		t.Fatal("expected error for nil client")
	}
	if _, err := Open(context.Background(), NewClient("tok"), "", SessionOptions{}); err == nil {
		t.Fatal("expected error for empty conversation id")
	}
}
