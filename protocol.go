package chatsync

import (
	"bytes"
	"errors"
	"fmt"
	"slices"

	"github.com/goccy/go-json"
)

// ============================================================================
// Outbound commands (client -> server)
// ============================================================================

// CommandType names a client-to-server frame.
type CommandType string

const (
	CommandSendMessage CommandType = "send_message"
	CommandTypingStart CommandType = "typing_start"
	CommandTypingStop  CommandType = "typing_stop"
	CommandMarkRead    CommandType = "mark_read"
)

// Command is a client-to-server frame. Only the fields relevant to Type are
// serialized.
type Command struct {
	Type       CommandType
	Content    string
	Metadata   map[string]any
	TempID     string
	MessageIDs []ID
}

// MarshalJSON writes the wire shape for c.Type. mark_read always carries a
// message_ids array, empty meaning "everything".
func (c Command) MarshalJSON() ([]byte, error) {
	switch c.Type {
	case CommandSendMessage:
		return json.Marshal(struct {
			Type     CommandType    `json:"type"`
			Content  string         `json:"content"`
			Metadata map[string]any `json:"metadata,omitempty"`
			TempID   string         `json:"temp_id,omitempty"`
		}{c.Type, c.Content, c.Metadata, c.TempID})
	case CommandMarkRead:
		ids := c.MessageIDs
		if ids == nil {
			ids = []ID{}
		}
		return json.Marshal(struct {
			Type       CommandType `json:"type"`
			MessageIDs []ID        `json:"message_ids"`
		}{c.Type, ids})
	default:
		return json.Marshal(struct {
			Type CommandType `json:"type"`
		}{c.Type})
	}
}

// ============================================================================
// Inbound events (server -> client)
// ============================================================================

// EventType names a server-to-client frame.
type EventType string

const (
	EventNewMessage     EventType = "new_message"
	EventUserTyping     EventType = "user_typing"
	EventMessagesRead   EventType = "messages_read"
	EventMessageSent    EventType = "message_sent"
	EventMessageBlocked EventType = "message_blocked"
)

// Event is a decoded server frame. Fields not used by Type are zero.
type Event struct {
	Type       EventType   `json:"type"`
	Message    *Message    `json:"message,omitempty"`
	UserID     ID          `json:"user_id,omitempty"`
	IsTyping   bool        `json:"is_typing,omitempty"`
	MessageIDs MessageIDs  `json:"message_ids,omitempty"`
	TempID     string      `json:"temp_id,omitempty"`
	MessageID  ID          `json:"message_id,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	Violations []Violation `json:"violations,omitempty"`
}

var errMissingType = errors.New("chatsync: frame has no type")

// ParseEvent decodes one text frame.
func ParseEvent(data []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return Event{}, fmt.Errorf("chatsync: decode frame: %w", err)
	}
	if evt.Type == "" {
		return Event{}, errMissingType
	}
	return evt, nil
}

// MessageIDs is the message_ids field of messages_read: either an explicit
// list or the sentinel "all".
type MessageIDs struct {
	All bool
	IDs []ID
}

// AllMessages is the "all" form of MessageIDs.
var AllMessages = MessageIDs{All: true}

// Contains reports whether id is covered.
func (m MessageIDs) Contains(id ID) bool {
	return m.All || slices.Contains(m.IDs, id)
}

func (m MessageIDs) MarshalJSON() ([]byte, error) {
	if m.All {
		return []byte(`"all"`), nil
	}
	ids := m.IDs
	if ids == nil {
		ids = []ID{}
	}
	return json.Marshal(ids)
}

func (m *MessageIDs) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*m = MessageIDs{}
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s != "all" {
			return fmt.Errorf("chatsync: unexpected message_ids value %q", s)
		}
		m.All = true
		return nil
	default:
		return json.Unmarshal(data, &m.IDs)
	}
}
