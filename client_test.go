package chatsync

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
)

func newTestAPI(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient("tok", WithBaseURL(srv.URL), WithTimeout(5*time.Second))
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	io.WriteString(w, body)
}

func TestConversationsGet(t *testing.T) {
	client := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/conversations/42/" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("expected bearer token, got %q", got)
		}
		if r.Header.Get("X-Request-ID") == "" {
			t.Error("expected request id header")
		}
		writeJSON(w, http.StatusOK, `{
			"id": 42,
			"status": "pending_response",
			"unread_count": 1,
			"other_participant": {"id": 8, "username": "landlord", "first_name": "Ana"},
			"property_details": {"id": 3, "title": "Sunny room", "rent": 950},
			"messages": [
				{"id": 1, "sender": 8, "content": "hi", "created_at": "2024-03-01T10:00:00Z", "read": false}
			]
		}`)
	})

	conv, err := client.Conversations.Get(context.Background(), "42")
	if err != nil {
		t.Fatal(err)
	}
	if conv.ID != "42" || conv.Status != StatusPendingResponse || conv.UnreadCount != 1 {
		t.Fatalf("unexpected conversation %+v", conv)
	}
	if len(conv.Messages) != 1 || conv.Messages[0].Sender != "8" {
		t.Fatalf("unexpected messages %+v", conv.Messages)
	}
	if conv.OtherParticipant.DisplayName() != "Ana" {
		t.Fatalf("unexpected participant %+v", conv.OtherParticipant)
	}
	if conv.PropertyDetails.Rent != 950 {
		t.Fatalf("unexpected property %+v", conv.PropertyDetails)
	}
}

func TestConversationsList(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"array", `[{"id": 1, "status": "active"}, {"id": 2, "status": "archived"}]`},
		{"paginated", `{"count": 2, "results": [{"id": 1, "status": "active"}, {"id": 2, "status": "archived"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, tt.body)
			})
			list, err := client.Conversations.List(context.Background(), nil)
			if err != nil {
				t.Fatal(err)
			}
			if len(list) != 2 || list[1].Status != StatusArchived {
				t.Fatalf("unexpected list %+v", list)
			}
		})
	}

	t.Run("status filter", func(t *testing.T) {
		client := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("status"); got != "archived" {
				t.Errorf("expected status filter, got %q", got)
			}
			writeJSON(w, http.StatusOK, `[]`)
		})
		if _, err := client.Conversations.List(context.Background(), &ListOptions{Status: StatusArchived}); err != nil {
			t.Fatal(err)
		}
	})
}

func TestConversationsSendMessage(t *testing.T) {
	t.Run("created", func(t *testing.T) {
		client := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || r.URL.Path != "/api/conversations/42/send_message/" {
				t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			}
			if r.Header.Get("Idempotency-Key") == "" {
				t.Error("expected idempotency key")
			}
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Error(err)
			}
			if body["content"] != "hello" {
				t.Errorf("unexpected body %v", body)
			}
			writeJSON(w, http.StatusCreated, `{"id": 77, "sender": 7, "content": "hello"}`)
		})
		resp, err := client.Conversations.SendMessage(context.Background(), "42", "hello", nil)
		if err != nil {
			t.Fatal(err)
		}
		if resp.Message == nil || resp.Message.ID != "77" || resp.ContentWarning != nil {
			t.Fatalf("unexpected response %+v", resp)
		}
	})

	t.Run("content warning", func(t *testing.T) {
		client := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, `{"contentWarning": {"violations": [{"type": "contact_info", "severity": "medium"}]}}`)
		})
		resp, err := client.Conversations.SendMessage(context.Background(), "42", "call 555-0100", nil)
		if err != nil {
			t.Fatal(err)
		}
		if resp.Message != nil || resp.ContentWarning == nil || resp.ContentWarning.Violations[0].Type != "contact_info" {
			t.Fatalf("unexpected response %+v", resp)
		}
	})

	t.Run("policy rejection", func(t *testing.T) {
		client := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusBadRequest, `{"error": "Message blocked", "violations": [{"type": "profanity"}]}`)
		})
		_, err := client.Conversations.SendMessage(context.Background(), "42", "x", nil)
		if v := AsViolations(err); len(v) != 1 || v[0].Type != "profanity" {
			t.Fatalf("expected violations, got %v (%v)", v, err)
		}
	})
}

func TestConversationsMutations(t *testing.T) {
	var seen []string
	client := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.Path)
		if r.Method == http.MethodPatch {
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			if body["status"] != "archived" {
				t.Errorf("unexpected patch body %v", body)
			}
		}
		writeJSON(w, http.StatusOK, `{}`)
	})

	if err := client.Conversations.MarkRead(context.Background(), "42"); err != nil {
		t.Fatal(err)
	}
	if err := client.Conversations.UpdateStatus(context.Background(), "42", StatusArchived); err != nil {
		t.Fatal(err)
	}
	want := []string{"POST /api/conversations/42/mark_read/", "PATCH /api/conversations/42/"}
	if len(seen) != 2 || seen[0] != want[0] || seen[1] != want[1] {
		t.Fatalf("expected %v, got %v", want, seen)
	}
}

func TestAccount(t *testing.T) {
	client := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/login/":
			writeJSON(w, http.StatusOK, `{"access": "jwt-1", "user": {"id": 7, "username": "sam"}}`)
		case "/api/auth/me/":
			if r.Header.Get("Authorization") != "Bearer jwt-1" {
				writeJSON(w, http.StatusUnauthorized, `{"detail": "Authentication credentials were not provided."}`)
				return
			}
			writeJSON(w, http.StatusOK, `{"id": 7, "username": "sam"}`)
		}
	})

	_, err := client.Account.Me(context.Background())
	if !IsUnauthorized(err) {
		t.Fatalf("expected 401, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "Authentication credentials were not provided." {
		t.Fatalf("expected detail message, got %v", err)
	}

	login, err := client.Account.Login(context.Background(), "sam@example.com", "pw")
	if err != nil {
		t.Fatal(err)
	}
	client.SetToken(login.BearerToken())
	me, err := client.Account.Me(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if me.ID != "7" || me.Username != "sam" {
		t.Fatalf("unexpected user %+v", me)
	}
}

func TestCircuitBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path == "/api/conversations/404/" {
			writeJSON(w, http.StatusNotFound, `{"detail": "Not found."}`)
			return
		}
		writeJSON(w, http.StatusBadGateway, `{"detail": "upstream down"}`)
	}))
	t.Cleanup(srv.Close)
	client := NewClient("tok", WithBaseURL(srv.URL), WithBreaker(2, time.Hour))

	for i := 0; i < 3; i++ {
		if _, err := client.Conversations.Get(context.Background(), "404"); err == nil {
			t.Fatal("expected 404 error")
		}
	}

	for i := 0; i < 2; i++ {
		_, err := client.Conversations.Get(context.Background(), "1")
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadGateway {
			t.Fatalf("call %d: expected 502, got %v", i, err)
		}
	}

	before := calls.Load()
	_, err := client.Conversations.Get(context.Background(), "1")
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if calls.Load() != before {
		t.Fatal("expected no request while breaker is open")
	}
}
