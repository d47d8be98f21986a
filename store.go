package chatsync

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	DefaultTypingTimeout  = 3 * time.Second
	DefaultTypingThrottle = time.Second
)

// ConversationAPI is the REST surface a ConversationStore needs.
// *ConversationsClient implements it.
type ConversationAPI interface {
	Get(ctx context.Context, id ID) (*Conversation, error)
	MarkRead(ctx context.Context, id ID) error
	SendMessage(ctx context.Context, id ID, content string, metadata map[string]any) (*SendMessageResponse, error)
	UpdateStatus(ctx context.Context, id ID, status Status) error
}

// Socket is the realtime surface a ConversationStore needs. *Transport
// implements it.
type Socket interface {
	Connected() bool
	Send(Command) bool
}

// StoreConfig configures a ConversationStore.
type StoreConfig struct {
	ConversationID ID
	// UserID is the local user; their own messages never raise the unread count.
	UserID ID

	API    ConversationAPI
	Socket Socket

	Notifier Notifier
	// OnUnauthorized is called when the REST API answers 401.
	OnUnauthorized func()

	RateLimit      int
	RateWindow     time.Duration
	TypingTimeout  time.Duration
	TypingThrottle time.Duration

	Clock   Clock
	Logger  *zerolog.Logger
	Metrics *Metrics
}

func (c *StoreConfig) defaults() {
	if c.RateLimit <= 0 {
		c.RateLimit = DefaultRateLimit
	}
	if c.RateWindow <= 0 {
		c.RateWindow = DefaultRateWindow
	}
	if c.TypingTimeout <= 0 {
		c.TypingTimeout = DefaultTypingTimeout
	}
	if c.TypingThrottle <= 0 {
		c.TypingThrottle = DefaultTypingThrottle
	}
	if c.Clock == nil {
		c.Clock = SystemClock()
	}
	if c.Notifier == nil {
		c.Notifier = nopNotifier{}
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// State is an immutable view of the store handed to subscribers.
type State struct {
	// Conversation is nil until the first successful fetch. Its Messages,
	// UnreadCount, Status and LatestMessage reflect every applied event.
	Conversation *Conversation
	TypingUsers  []ID
	Loading      bool
	Err          error
	Connected    bool
}

// ErrorCode classifies a failed send.
type ErrorCode string

const (
	ErrorRateLimit        ErrorCode = "rate_limit"
	ErrorContentWarning   ErrorCode = "content_warning"
	ErrorContentViolation ErrorCode = "content_violation"
	ErrorUnauthorized     ErrorCode = "unauthorized"
	ErrorSendFailed       ErrorCode = "send_failed"
	ErrorClosed           ErrorCode = "closed"
)

// Result is the outcome of SendMessage.
type Result struct {
	Success bool
	// Message is the appended message: the optimistic copy on the socket
	// path, the server's copy on the REST path.
	Message *Message
	// TempID is the placeholder id of an optimistic send.
	TempID string

	Error             ErrorCode
	RemainingAttempts int
	Warning           *ContentWarning
	Violations        []Violation
	Err               error
}

type typingEntry struct {
	timer Timer
	seq   uint64
}

// ConversationStore owns the local snapshot of one conversation and applies
// local actions and server events to it.
type ConversationStore struct {
	cfg     StoreConfig
	log     zerolog.Logger
	limiter *RateLimiter
	tempSeq atomic.Uint64

	mu          sync.Mutex
	conv        *Conversation
	index       map[ID]int
	typing      map[ID]typingEntry
	typingSeq   uint64
	typingGate  *rate.Limiter
	loading     bool
	fetched     bool
	err         error
	connected   bool
	closed      bool
	subscribers map[int]func(State)
	nextSub     int
}

// NewConversationStore returns an empty store. Call FetchConversation to load
// the snapshot.
func NewConversationStore(cfg StoreConfig) *ConversationStore {
	cfg.defaults()
	return &ConversationStore{
		cfg: cfg,
		log: cfg.Logger.With().
			Str("component", "store").
			Str("conversation_id", string(cfg.ConversationID)).
			Logger(),
		limiter:     NewRateLimiter(cfg.RateLimit, cfg.RateWindow, cfg.Clock),
		index:       make(map[ID]int),
		typing:      make(map[ID]typingEntry),
		typingGate:  newTypingGate(cfg.TypingThrottle),
		subscribers: make(map[int]func(State)),
	}
}

func newTypingGate(every time.Duration) *rate.Limiter {
	return rate.NewLimiter(rate.Every(every), 1)
}

// SetSocket attaches the realtime transport after construction.
func (s *ConversationStore) SetSocket(sock Socket) {
	s.mu.Lock()
	s.cfg.Socket = sock
	s.mu.Unlock()
}

// RateLimiter exposes the send limiter.
func (s *ConversationStore) RateLimiter() *RateLimiter { return s.limiter }

// ============================================================================
// Subscription
// ============================================================================

// Subscribe registers fn for every state change and returns a cancel func.
// fn runs synchronously on the goroutine that caused the change and must not
// call back into the store's mutating methods.
func (s *ConversationStore) Subscribe(fn func(State)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

// Snapshot returns a deep copy of the current state.
func (s *ConversationStore) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *ConversationStore) stateLocked() State {
	typing := slices.Collect(maps.Keys(s.typing))
	slices.Sort(typing)
	return State{
		Conversation: s.conv.clone(),
		TypingUsers:  typing,
		Loading:      s.loading,
		Err:          s.err,
		Connected:    s.connected,
	}
}

// publish must be called without s.mu held.
func (s *ConversationStore) publish() {
	s.mu.Lock()
	if s.closed || len(s.subscribers) == 0 {
		s.mu.Unlock()
		return
	}
	st := s.stateLocked()
	subs := make([]func(State), 0, len(s.subscribers))
	for _, id := range slices.Sorted(maps.Keys(s.subscribers)) {
		subs = append(subs, s.subscribers[id])
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(st)
	}
}

func (s *ConversationStore) notify(level NotificationLevel, msg string) {
	s.cfg.Notifier.Notify(Notification{Level: level, Message: msg})
}

func (s *ConversationStore) unauthorized(err error) {
	s.log.Warn().Err(err).Msg("unauthorized")
	if fn := s.cfg.OnUnauthorized; fn != nil {
		fn()
	}
}

func (s *ConversationStore) socket() Socket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Socket
}

// SetConnected records the transport state for subscribers.
func (s *ConversationStore) SetConnected(connected bool) {
	s.mu.Lock()
	if s.closed || s.connected == connected {
		s.mu.Unlock()
		return
	}
	s.connected = connected
	s.mu.Unlock()
	s.publish()
}

// Close stops typing timers and drops subscribers. Later events and timer
// fires are ignored.
func (s *ConversationStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for user, e := range s.typing {
		e.timer.Stop()
		delete(s.typing, user)
	}
	clear(s.subscribers)
}

// ============================================================================
// Snapshot loading
// ============================================================================

// FetchConversation loads the snapshot over REST and replaces local state.
// It runs at most once; a failure other than 401 re-arms it so the caller
// can retry.
func (s *ConversationStore) FetchConversation(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	if s.fetched {
		s.mu.Unlock()
		return nil
	}
	s.fetched = true
	s.loading = true
	s.err = nil
	s.mu.Unlock()
	s.publish()

	conv, err := s.cfg.API.Get(ctx, s.cfg.ConversationID)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	s.loading = false
	if err != nil {
		s.err = err
		unauthorized := IsUnauthorized(err)
		if !unauthorized {
			s.fetched = false
		}
		s.mu.Unlock()

		if unauthorized {
			s.unauthorized(err)
		} else {
			s.log.Error().Err(err).Msg("fetch conversation failed")
			s.notify(LevelError, "Failed to load conversation")
		}
		s.publish()
		return err
	}
	s.replaceLocked(conv)
	n := len(s.conv.Messages)
	s.mu.Unlock()

	s.log.Debug().Int("messages", n).Msg("conversation loaded")
	s.publish()
	return nil
}

// replaceLocked installs conv as the snapshot, dropping duplicate ids.
func (s *ConversationStore) replaceLocked(conv *Conversation) {
	c := conv.clone()
	seen := make(map[ID]struct{}, len(c.Messages))
	msgs := c.Messages[:0]
	for _, m := range c.Messages {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		msgs = append(msgs, m)
	}
	c.Messages = msgs
	if c.LatestMessage == nil && len(msgs) > 0 {
		last := msgs[len(msgs)-1].clone()
		c.LatestMessage = &last
	}
	s.conv = c
	s.reindexLocked()
}

func (s *ConversationStore) reindexLocked() {
	clear(s.index)
	for i, m := range s.conv.Messages {
		s.index[m.ID] = i
	}
}

// appendLocked adds m unless its id is already present. It reports whether
// the message was added.
func (s *ConversationStore) appendLocked(m Message) bool {
	if s.conv == nil {
		return false
	}
	if _, ok := s.index[m.ID]; ok {
		return false
	}
	s.conv.Messages = append(s.conv.Messages, m)
	s.index[m.ID] = len(s.conv.Messages) - 1
	latest := m.clone()
	s.conv.LatestMessage = &latest
	return true
}

// removeLocked drops the message with id and, if it was the latest message,
// restores prevLatest.
func (s *ConversationStore) removeLocked(id ID, prevLatest *Message) {
	idx, ok := s.index[id]
	if !ok {
		return
	}
	s.conv.Messages = append(s.conv.Messages[:idx], s.conv.Messages[idx+1:]...)
	s.reindexLocked()
	if lm := s.conv.LatestMessage; lm != nil && lm.ID == id {
		s.conv.LatestMessage = prevLatest
	}
}

// ============================================================================
// Local actions
// ============================================================================

func (s *ConversationStore) nextTempID() string {
	return fmt.Sprintf("temp_%d_%d", s.cfg.Clock.Now().UnixNano(), s.tempSeq.Add(1))
}

// SendMessage sends content over the socket when connected, appending an
// optimistic copy, and over REST otherwise. Sends beyond the rate limit fail
// without touching the network. The conversation must have been fetched
// first; until then SendMessage fails with ErrNotLoaded.
func (s *ConversationStore) SendMessage(ctx context.Context, content string, metadata map[string]any) Result {
	s.mu.Lock()
	closed, loaded := s.closed, s.conv != nil
	s.mu.Unlock()
	if closed {
		return Result{Error: ErrorClosed, Err: ErrStoreClosed}
	}
	if !loaded {
		return Result{Error: ErrorSendFailed, Err: ErrNotLoaded}
	}

	if !s.limiter.CheckLimit() {
		s.cfg.Metrics.rateLimited()
		s.log.Warn().Msg("send rejected by rate limiter")
		return Result{Error: ErrorRateLimit, RemainingAttempts: s.limiter.RemainingAttempts()}
	}

	if sock := s.socket(); sock != nil && sock.Connected() {
		tempID := s.nextTempID()
		msg := Message{
			ID:          ID(tempID),
			Sender:      s.cfg.UserID,
			Content:     content,
			CreatedAt:   s.cfg.Clock.Now(),
			Read:        true,
			MessageType: messageType(metadata),
			Metadata:    maps.Clone(metadata),
			Pending:     true,
		}
		// The placeholder must be in place before the frame leaves: the ack
		// can be applied by the read loop before Send returns.
		s.mu.Lock()
		prevLatest := s.conv.LatestMessage
		s.appendLocked(msg)
		s.mu.Unlock()

		if sock.Send(Command{
			Type:     CommandSendMessage,
			Content:  content,
			Metadata: metadata,
			TempID:   tempID,
		}) {
			s.mu.Lock()
			if s.conv.Status == StatusPendingResponse {
				s.conv.Status = StatusActive
			}
			s.mu.Unlock()
			s.publish()
			return Result{Success: true, Message: &msg, TempID: tempID}
		}

		s.mu.Lock()
		s.removeLocked(ID(tempID), prevLatest)
		s.mu.Unlock()
		s.log.Debug().Msg("socket send failed, falling back to REST")
	}

	s.cfg.Metrics.restFallback("send_message")
	resp, err := s.cfg.API.SendMessage(ctx, s.cfg.ConversationID, content, metadata)
	if err != nil {
		switch {
		case IsUnauthorized(err):
			s.unauthorized(err)
			return Result{Error: ErrorUnauthorized, Err: err}
		case len(AsViolations(err)) > 0:
			s.log.Info().Err(err).Msg("message rejected by content policy")
			return Result{Error: ErrorContentViolation, Violations: AsViolations(err), Err: err}
		}
		s.log.Error().Err(err).Msg("send message failed")
		s.notify(LevelError, "Failed to send message")
		return Result{Error: ErrorSendFailed, Err: err}
	}
	if resp.ContentWarning != nil {
		return Result{Error: ErrorContentWarning, Warning: resp.ContentWarning}
	}
	if resp.Message == nil {
		return Result{Success: true}
	}

	msg := resp.Message.clone()
	s.mu.Lock()
	s.appendLocked(msg)
	s.mu.Unlock()
	s.publish()
	return Result{Success: true, Message: &msg}
}

func messageType(metadata map[string]any) string {
	if t, ok := metadata["message_type"].(string); ok && t != "" {
		return t
	}
	return "text"
}

// MarkAsRead zeroes the unread count and flags every held message read, then
// tells the server over the socket or REST. The local change is never rolled
// back; a REST failure is only returned and logged.
func (s *ConversationStore) MarkAsRead(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	if s.conv != nil {
		s.conv.UnreadCount = 0
		for i := range s.conv.Messages {
			s.conv.Messages[i].Read = true
		}
	}
	sock := s.cfg.Socket
	s.mu.Unlock()
	s.publish()

	if sock != nil && sock.Connected() && sock.Send(Command{Type: CommandMarkRead}) {
		return nil
	}

	s.cfg.Metrics.restFallback("mark_read")
	if err := s.cfg.API.MarkRead(ctx, s.cfg.ConversationID); err != nil {
		if IsUnauthorized(err) {
			s.unauthorized(err)
		} else {
			s.log.Warn().Err(err).Msg("mark read failed")
		}
		return err
	}
	return nil
}

// UpdateStatus sets the status locally and then persists it over REST. The
// local value is kept even when the request fails.
func (s *ConversationStore) UpdateStatus(ctx context.Context, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("chatsync: invalid status %q", status)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	if s.conv != nil {
		s.conv.Status = status
	}
	s.mu.Unlock()
	s.publish()

	if err := s.cfg.API.UpdateStatus(ctx, s.cfg.ConversationID, status); err != nil {
		if IsUnauthorized(err) {
			s.unauthorized(err)
		} else {
			s.log.Error().Err(err).Str("status", string(status)).Msg("update status failed")
			s.notify(LevelError, "Failed to update conversation status")
		}
		return err
	}
	s.notify(LevelSuccess, "Conversation status updated")
	return nil
}

// StartTyping emits typing_start when connected, at most once per throttle
// interval until StopTyping.
func (s *ConversationStore) StartTyping() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	sock := s.cfg.Socket
	gate := s.typingGate
	s.mu.Unlock()

	if sock == nil || !sock.Connected() {
		return
	}
	if !gate.AllowN(s.cfg.Clock.Now(), 1) {
		return
	}
	sock.Send(Command{Type: CommandTypingStart})
}

// StopTyping emits typing_stop when connected and re-arms StartTyping.
func (s *ConversationStore) StopTyping() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	sock := s.cfg.Socket
	s.typingGate = newTypingGate(s.cfg.TypingThrottle)
	s.mu.Unlock()

	if sock == nil || !sock.Connected() {
		return
	}
	sock.Send(Command{Type: CommandTypingStop})
}
