package chatsync

import (
	"bytes"
	"errors"
	"maps"
	"net/http"
	"slices"
	"time"

	"github.com/goccy/go-json"
)

// ============================================================================
// Identifiers
// ============================================================================

// ID is an opaque identifier. The backend emits some ids as JSON numbers and
// others as strings; both decode into the same textual form.
type ID string

// UnmarshalJSON accepts a JSON string, number, or null.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// ============================================================================
// Conversation status
// ============================================================================

// Status is the lifecycle state of a conversation. Transitions are driven by
// the server, except pending_response -> active after a local send.
type Status string

const (
	StatusActive               Status = "active"
	StatusPendingResponse      Status = "pending_response"
	StatusArchived             Status = "archived"
	StatusFlagged              Status = "flagged"
	StatusApplicationSubmitted Status = "application_submitted"
	StatusBookingConfirmed     Status = "booking_confirmed"
)

var validStatuses = []Status{
	StatusActive,
	StatusPendingResponse,
	StatusArchived,
	StatusFlagged,
	StatusApplicationSubmitted,
	StatusBookingConfirmed,
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return slices.Contains(validStatuses, s)
}

// Statuses returns every known status in display order.
func Statuses() []Status {
	return slices.Clone(validStatuses)
}

// ============================================================================
// Messages
// ============================================================================

// Message is a single chat message.
type Message struct {
	ID                 ID             `json:"id"`
	Sender             ID             `json:"sender"`
	Content            string         `json:"content"`
	CreatedAt          time.Time      `json:"created_at"`
	Read               bool           `json:"read"`
	ReadAt             *time.Time     `json:"read_at,omitempty"`
	MessageType        string         `json:"message_type,omitempty"`
	HasFilteredContent bool           `json:"has_filtered_content,omitempty"`
	FilteredContent    string         `json:"filtered_content,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`

	// Pending is true while the message carries a locally generated
	// placeholder id that the server has not acknowledged yet.
	Pending bool `json:"-"`
}

// DisplayContent returns the moderated text when the server filtered the
// message, and the raw content otherwise.
func (m Message) DisplayContent() string {
	if m.HasFilteredContent {
		return m.FilteredContent
	}
	return m.Content
}

func (m Message) clone() Message {
	c := m
	if m.ReadAt != nil {
		t := *m.ReadAt
		c.ReadAt = &t
	}
	c.Metadata = maps.Clone(m.Metadata)
	return c
}

// ============================================================================
// Conversations
// ============================================================================

// Participant is the other party of a conversation.
type Participant struct {
	ID             ID     `json:"id"`
	Username       string `json:"username"`
	FirstName      string `json:"first_name,omitempty"`
	LastName       string `json:"last_name,omitempty"`
	ProfilePicture string `json:"profile_picture,omitempty"`
}

// DisplayName returns "First Last" when available, else the username.
func (p Participant) DisplayName() string {
	switch {
	case p.FirstName != "" && p.LastName != "":
		return p.FirstName + " " + p.LastName
	case p.FirstName != "":
		return p.FirstName
	}
	return p.Username
}

// PropertyDetails describes the listing or sublease a conversation is about.
type PropertyDetails struct {
	ID      ID       `json:"id"`
	Kind    string   `json:"kind,omitempty"` // "property" or "sublease"
	Title   string   `json:"title"`
	Address string   `json:"address,omitempty"`
	Rent    float64  `json:"rent,omitempty"`
	Images  []string `json:"images,omitempty"`
}

// Conversation is the full snapshot of one chat thread.
type Conversation struct {
	ID               ID               `json:"id"`
	Messages         []Message        `json:"messages"`
	UnreadCount      int              `json:"unread_count"`
	Status           Status           `json:"status"`
	OtherParticipant *Participant     `json:"other_participant,omitempty"`
	PropertyDetails  *PropertyDetails `json:"property_details,omitempty"`
	LatestMessage    *Message         `json:"latest_message,omitempty"`
	CreatedAt        time.Time        `json:"created_at,omitempty"`
	UpdatedAt        time.Time        `json:"updated_at,omitempty"`
}

func (c *Conversation) clone() *Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Messages != nil {
		cp.Messages = make([]Message, len(c.Messages))
		for i, m := range c.Messages {
			cp.Messages[i] = m.clone()
		}
	}
	if c.OtherParticipant != nil {
		p := *c.OtherParticipant
		cp.OtherParticipant = &p
	}
	if c.PropertyDetails != nil {
		d := *c.PropertyDetails
		d.Images = slices.Clone(c.PropertyDetails.Images)
		cp.PropertyDetails = &d
	}
	if c.LatestMessage != nil {
		m := c.LatestMessage.clone()
		cp.LatestMessage = &m
	}
	return &cp
}

// User is the authenticated account.
type User struct {
	ID        ID     `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// LoginResult is returned by the login endpoint.
type LoginResult struct {
	Token  string `json:"token"`
	Access string `json:"access,omitempty"`
	User   User   `json:"user"`
}

// BearerToken returns whichever token field the server populated.
func (r *LoginResult) BearerToken() string {
	if r.Token != "" {
		return r.Token
	}
	return r.Access
}

// ============================================================================
// Content moderation
// ============================================================================

// Violation is one content-policy finding.
type Violation struct {
	Type     string `json:"type"`
	Severity string `json:"severity,omitempty"`
	Message  string `json:"message,omitempty"`
}

// ContentWarning is a non-blocking moderation notice returned on send.
type ContentWarning struct {
	Message    string      `json:"message,omitempty"`
	Violations []Violation `json:"violations"`
}

// SendMessageResponse is the REST send result: either the created message or
// a content warning.
type SendMessageResponse struct {
	Message        *Message
	ContentWarning *ContentWarning
}

// ============================================================================
// Errors
// ============================================================================

// APIError is a non-2xx REST response.
type APIError struct {
	StatusCode int         `json:"-"`
	Code       string      `json:"code,omitempty"`
	Message    string      `json:"detail,omitempty"`
	Violations []Violation `json:"violations,omitempty"`
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Code != "" {
		return e.Code + ": " + msg
	}
	return msg
}

var (
	// ErrStoreClosed is returned by operations on a closed ConversationStore.
	ErrStoreClosed = errors.New("chatsync: conversation store closed")
	// ErrNotLoaded is returned by SendMessage before the first successful fetch.
	ErrNotLoaded = errors.New("chatsync: conversation not loaded")
)

// IsUnauthorized reports whether err is a 401 from the REST API.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

// AsViolations returns the policy violations carried by err, if any.
func AsViolations(err error) []Violation {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Violations
	}
	return nil
}
