package chatsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SessionOptions configures Open. Zero values select defaults.
type SessionOptions struct {
	UserID         ID
	Notifier       Notifier
	OnUnauthorized func()
	// OnChange is subscribed to the store before any network activity.
	OnChange func(State)

	Transport TransportConfig

	RateLimit      int
	RateWindow     time.Duration
	TypingTimeout  time.Duration
	TypingThrottle time.Duration

	Clock   Clock
	Logger  *zerolog.Logger
	Metrics *Metrics
}

// Session is a live conversation: a ConversationStore fed by a Transport.
// Store methods are promoted.
type Session struct {
	*ConversationStore
	transport *Transport
	closeOnce sync.Once
}

// Open wires a store to a transport for conversationID, then fetches the
// snapshot and connects the socket concurrently. A failed fetch or dial does
// not fail Open: it surfaces through State.Err, the notifier, and the
// transport's reconnect loop.
func Open(ctx context.Context, client *Client, conversationID ID, opts SessionOptions) (*Session, error) {
	if client == nil {
		return nil, errors.New("chatsync: nil client")
	}
	if conversationID == "" {
		return nil, errors.New("chatsync: empty conversation id")
	}
	logger := opts.Logger
	if logger == nil {
		l := client.Logger()
		logger = &l
	}

	store := NewConversationStore(StoreConfig{
		ConversationID: conversationID,
		UserID:         opts.UserID,
		API:            client.Conversations,
		Notifier:       opts.Notifier,
		OnUnauthorized: opts.OnUnauthorized,
		RateLimit:      opts.RateLimit,
		RateWindow:     opts.RateWindow,
		TypingTimeout:  opts.TypingTimeout,
		TypingThrottle: opts.TypingThrottle,
		Clock:          opts.Clock,
		Logger:         logger,
		Metrics:        opts.Metrics,
	})
	if opts.OnChange != nil {
		store.Subscribe(opts.OnChange)
	}

	tcfg := opts.Transport
	if tcfg.Clock == nil {
		tcfg.Clock = opts.Clock
	}
	if tcfg.Logger == nil {
		tcfg.Logger = logger
	}
	if tcfg.Metrics == nil {
		tcfg.Metrics = opts.Metrics
	}
	log := logger.With().Str("conversation_id", string(conversationID)).Logger()
	transport := client.Realtime.NewTransport(conversationID, tcfg, TransportHandlers{
		OnConnect:    func() { store.SetConnected(true) },
		OnMessage:    store.HandleEvent,
		OnDisconnect: func(int, string) { store.SetConnected(false) },
		OnError: func(err error) {
			log.Debug().Err(err).Msg("transport error")
		},
	})
	store.SetSocket(transport)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = store.FetchConversation(ctx)
	}()
	go func() {
		defer wg.Done()
		_ = transport.Connect(ctx)
	}()
	wg.Wait()

	return &Session{ConversationStore: store, transport: transport}, nil
}

// Transport returns the session's socket.
func (s *Session) Transport() *Transport { return s.transport }

// Close disconnects the socket and closes the store. It is safe to call more
// than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.ConversationStore.Close()
		s.transport.Disconnect()
	})
}
