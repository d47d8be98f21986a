package chatsync

import (
	"testing"

	"github.com/goccy/go-json"
)

func TestCommandMarshal(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		want string
	}{
		{
			name: "send_message",
			cmd:  Command{Type: CommandSendMessage, Content: "hi", TempID: "temp_1"},
			want: `{"type":"send_message","content":"hi","temp_id":"temp_1"}`,
		},
		{
			name: "mark_read always carries ids",
			cmd:  Command{Type: CommandMarkRead},
			want: `{"type":"mark_read","message_ids":[]}`,
		},
		{
			name: "typing_start",
			cmd:  Command{Type: CommandTypingStart, Content: "ignored"},
			want: `{"type":"typing_start"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.cmd)
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestParseEvent(t *testing.T) {
	t.Run("messages_read list", func(t *testing.T) {
		evt, err := ParseEvent([]byte(`{"type":"messages_read","message_ids":[1,"2"]}`))
		if err != nil {
			t.Fatal(err)
		}
		if evt.MessageIDs.All {
			t.Fatal("expected explicit list")
		}
		if !evt.MessageIDs.Contains("1") || !evt.MessageIDs.Contains("2") || evt.MessageIDs.Contains("3") {
			t.Fatalf("unexpected ids %v", evt.MessageIDs.IDs)
		}
	})

	t.Run("messages_read all", func(t *testing.T) {
		evt, err := ParseEvent([]byte(`{"type":"messages_read","message_ids":"all"}`))
		if err != nil {
			t.Fatal(err)
		}
		if !evt.MessageIDs.Contains("anything") {
			t.Fatal("expected sentinel to cover every id")
		}
	})

	t.Run("numeric ids", func(t *testing.T) {
		evt, err := ParseEvent([]byte(`{"type":"new_message","message":{"id":17,"sender":4,"content":"yo"}}`))
		if err != nil {
			t.Fatal(err)
		}
		if evt.Message.ID != "17" || evt.Message.Sender != "4" {
			t.Fatalf("unexpected ids %q %q", evt.Message.ID, evt.Message.Sender)
		}
	})

	t.Run("message_sent", func(t *testing.T) {
		evt, err := ParseEvent([]byte(`{"type":"message_sent","temp_id":"temp_9","message_id":90}`))
		if err != nil {
			t.Fatal(err)
		}
		if evt.TempID != "temp_9" || evt.MessageID != "90" {
			t.Fatalf("unexpected event %+v", evt)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		if _, err := ParseEvent([]byte(`{not json`)); err == nil {
			t.Fatal("expected decode error")
		}
	})

	t.Run("missing type", func(t *testing.T) {
		if _, err := ParseEvent([]byte(`{"message":{}}`)); err == nil {
			t.Fatal("expected error for frame without type")
		}
	})
}

func TestMessageDisplayContent(t *testing.T) {
	m := Message{Content: "call me at 555", HasFilteredContent: true, FilteredContent: "call me at ***"}
	if got := m.DisplayContent(); got != "call me at ***" {
		t.Fatalf("expected filtered content, got %q", got)
	}
	m.HasFilteredContent = false
	if got := m.DisplayContent(); got != "call me at 555" {
		t.Fatalf("expected raw content, got %q", got)
	}
}

func TestWebSocketURL(t *testing.T) {
	tests := []struct{ base, want string }{
		{"https://api.example.com/", "wss://api.example.com/ws/conversations/42/?token=a%2Bb"},
		{"http://localhost:8000", "ws://localhost:8000/ws/conversations/42/?token=a%2Bb"},
		{"ws://host", "ws://host/ws/conversations/42/?token=a%2Bb"},
	}
	for _, tt := range tests {
		if got := WebSocketURL(tt.base, "42", "a+b"); got != tt.want {
			t.Errorf("WebSocketURL(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}
