// Package chatsync is a client-side synchronization layer for a single
// marketplace chat conversation. It keeps a local conversation snapshot
// consistent with the server over a reconnecting websocket, falls back to the
// REST API when the socket is unavailable, and reconciles optimistic local
// sends with server acknowledgements.
//
// Example:
//
//	client := chatsync.NewClient(token, chatsync.WithBaseURL("https://api.example.com"))
//
//	// REST only
//	conv, _ := client.Conversations.Get(ctx, "42")
//
//	// Live session: snapshot fetch plus websocket
//	sess, _ := chatsync.Open(ctx, client, "42", chatsync.SessionOptions{UserID: me.ID})
//	defer sess.Close()
//	sess.SendMessage(ctx, "Is the room still available?", nil)
package chatsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

const (
	DefaultBaseURL = "http://localhost:8000"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the REST API and creates websocket transports.
type Client struct {
	mu         sync.RWMutex
	token      string
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
	breaker    *gobreaker.CircuitBreaker[*response]
	settings   gobreaker.Settings

	Account       *AccountClient
	Conversations *ConversationsClient
	Realtime      *RealtimeClient
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithLogger sets the logger used by the client and the sessions it opens.
func WithLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithBreaker overrides the circuit breaker trip threshold and open timeout.
func WithBreaker(consecutiveFailures uint32, openTimeout time.Duration) ClientOption {
	return func(c *Client) {
		c.settings.ReadyToTrip = func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= consecutiveFailures
		}
		c.settings.Timeout = openTimeout
	}
}

// NewClient creates a client. token may be empty for unauthenticated calls
// such as login.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zerolog.Nop(),
		settings: gobreaker.Settings{
			Name:        "chatsync-rest",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}

	c.settings.OnStateChange = func(name string, from, to gobreaker.State) {
		c.logger.Warn().
			Str("breaker", name).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("circuit breaker state change")
	}
	c.breaker = gobreaker.NewCircuitBreaker[*response](c.settings)

	c.Account = &AccountClient{c: c}
	c.Conversations = &ConversationsClient{c: c}
	c.Realtime = &RealtimeClient{c: c}
	return c
}

// SetToken replaces the bearer token used for later requests and sockets.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// BaseURL returns the API origin.
func (c *Client) BaseURL() string { return c.baseURL }

// Logger returns the client logger.
func (c *Client) Logger() zerolog.Logger { return c.logger }

// ============================================================================
// Internal request helper
// ============================================================================

type response struct {
	status int
	body   []byte
}

// doRequest runs one API call through the circuit breaker. Server errors and
// transport failures count against the breaker; 4xx responses do not.
func (c *Client) doRequest(ctx context.Context, method, path string, body any, header http.Header) ([]byte, error) {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		payload = b
	}

	resp, err := c.breaker.Execute(func() (*response, error) {
		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		for k, v := range header {
			req.Header[k] = v
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Request-ID", uuid.NewString())
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if token := c.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		r, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		defer r.Body.Close()
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		res := &response{status: r.StatusCode, body: data}
		if r.StatusCode >= http.StatusInternalServerError {
			return res, decodeAPIError(res)
		}
		return res, nil
	})

	log := c.logger.With().Str("method", method).Str("path", path).Logger()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			log.Warn().Err(err).Msg("request rejected by circuit breaker")
			return nil, fmt.Errorf("%s %s: %w", method, path, err)
		}
		log.Warn().Err(err).Msg("request failed")
		return nil, err
	}
	if resp.status >= http.StatusBadRequest {
		apiErr := decodeAPIError(resp)
		log.Debug().Int("status", resp.status).Str("error", apiErr.Error()).Msg("request rejected")
		return nil, apiErr
	}
	log.Debug().Int("status", resp.status).Msg("request ok")
	return resp.body, nil
}

func decodeAPIError(r *response) *APIError {
	apiErr := &APIError{StatusCode: r.status}
	var body struct {
		Detail     string      `json:"detail"`
		Error      string      `json:"error"`
		Message    string      `json:"message"`
		Code       string      `json:"code"`
		Violations []Violation `json:"violations"`
	}
	if json.Unmarshal(r.body, &body) == nil {
		apiErr.Code = body.Code
		apiErr.Violations = body.Violations
		switch {
		case body.Detail != "":
			apiErr.Message = body.Detail
		case body.Error != "":
			apiErr.Message = body.Error
		default:
			apiErr.Message = body.Message
		}
	}
	return apiErr
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Account
// ============================================================================

// AccountClient covers authentication endpoints.
type AccountClient struct{ c *Client }

// Login exchanges credentials for a bearer token.
func (a *AccountClient) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	data, err := a.c.doRequest(ctx, http.MethodPost, "/api/auth/login/", map[string]string{
		"email":    email,
		"password": password,
	}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[LoginResult](data)
}

// Me returns the authenticated user.
func (a *AccountClient) Me(ctx context.Context) (*User, error) {
	data, err := a.c.doRequest(ctx, http.MethodGet, "/api/auth/me/", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[User](data)
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationsClient covers the conversation REST endpoints.
type ConversationsClient struct{ c *Client }

// ListOptions filters List.
type ListOptions struct {
	Status Status
}

// List returns the caller's conversations. Both bare arrays and paginated
// {"results": [...]} bodies are accepted.
func (cv *ConversationsClient) List(ctx context.Context, opts *ListOptions) ([]Conversation, error) {
	path := "/api/conversations/"
	if opts != nil && opts.Status != "" {
		path += "?" + url.Values{"status": {string(opts.Status)}}.Encode()
	}
	data, err := cv.c.doRequest(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		var list []Conversation
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
		return list, nil
	}
	page, err := decodeJSON[struct {
		Results []Conversation `json:"results"`
	}](data)
	if err != nil {
		return nil, err
	}
	return page.Results, nil
}

// Get returns the full conversation snapshot including its messages.
func (cv *ConversationsClient) Get(ctx context.Context, id ID) (*Conversation, error) {
	data, err := cv.c.doRequest(ctx, http.MethodGet, conversationPath(id, ""), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Conversation](data)
}

// MarkRead marks every message in the conversation as read.
func (cv *ConversationsClient) MarkRead(ctx context.Context, id ID) error {
	_, err := cv.c.doRequest(ctx, http.MethodPost, conversationPath(id, "mark_read/"), struct{}{}, nil)
	return err
}

// SendMessage posts a message. The server answers with either the created
// message or a content warning. Each call carries a fresh Idempotency-Key.
func (cv *ConversationsClient) SendMessage(ctx context.Context, id ID, content string, metadata map[string]any) (*SendMessageResponse, error) {
	body := map[string]any{"content": content}
	if len(metadata) > 0 {
		body["metadata"] = metadata
	}
	header := http.Header{}
	header.Set("Idempotency-Key", uuid.NewString())

	data, err := cv.c.doRequest(ctx, http.MethodPost, conversationPath(id, "send_message/"), body, header)
	if err != nil {
		return nil, err
	}

	var probe struct {
		ContentWarning      *ContentWarning `json:"contentWarning"`
		ContentWarningSnake *ContentWarning `json:"content_warning"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if w := probe.ContentWarning; w != nil {
		return &SendMessageResponse{ContentWarning: w}, nil
	}
	if w := probe.ContentWarningSnake; w != nil {
		return &SendMessageResponse{ContentWarning: w}, nil
	}
	msg, err := decodeJSON[Message](data)
	if err != nil {
		return nil, err
	}
	return &SendMessageResponse{Message: msg}, nil
}

// UpdateStatus changes the conversation status.
func (cv *ConversationsClient) UpdateStatus(ctx context.Context, id ID, status Status) error {
	_, err := cv.c.doRequest(ctx, http.MethodPatch, conversationPath(id, ""), map[string]Status{"status": status}, nil)
	return err
}

func conversationPath(id ID, suffix string) string {
	return "/api/conversations/" + url.PathEscape(string(id)) + "/" + suffix
}

// ============================================================================
// Realtime
// ============================================================================

// RealtimeClient builds websocket transports bound to this client.
type RealtimeClient struct{ c *Client }

// URL returns the websocket URL for a conversation.
func (r *RealtimeClient) URL(conversationID ID) string {
	return WebSocketURL(r.c.baseURL, conversationID, r.c.Token())
}

// NewTransport returns a transport for conversationID. BaseURL, Token and
// Logger default to the client's when unset in cfg.
func (r *RealtimeClient) NewTransport(conversationID ID, cfg TransportConfig, handlers TransportHandlers) *Transport {
	cfg.ConversationID = conversationID
	if cfg.BaseURL == "" {
		cfg.BaseURL = r.c.baseURL
	}
	if cfg.Token == "" {
		cfg.Token = r.c.Token()
	}
	if cfg.Logger == nil {
		l := r.c.logger
		cfg.Logger = &l
	}
	return NewTransport(cfg, handlers)
}
