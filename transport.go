package chatsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

const (
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectDelay       = time.Second
	DefaultHeartbeatInterval    = 25 * time.Second
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
)

// ConnState is the transport connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

// TransportConfig configures a Transport.
type TransportConfig struct {
	// BaseURL is the server origin (http, https, ws or wss).
	BaseURL        string
	ConversationID ID
	Token          string

	// MaxReconnectAttempts bounds consecutive automatic reconnects. A
	// negative value disables reconnecting. Default 5.
	MaxReconnectAttempts int
	// ReconnectDelay is the base of the backoff; attempt n waits
	// ReconnectDelay * 2^(n-1). Default 1s.
	ReconnectDelay time.Duration
	// HeartbeatInterval between pings. Negative disables. Default 25s.
	HeartbeatInterval time.Duration
	// HandshakeTimeout bounds each dial and ping. Default 10s.
	HandshakeTimeout time.Duration
	// WriteTimeout bounds each outbound frame. Default 5s.
	WriteTimeout time.Duration

	HTTPClient *http.Client
	Clock      Clock
	Logger     *zerolog.Logger
	Metrics    *Metrics
}

func (c *TransportConfig) defaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.Clock == nil {
		c.Clock = SystemClock()
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// TransportHandlers are invoked from the transport's goroutines. Handlers must
// not block for long; frames are delivered one at a time in arrival order.
type TransportHandlers struct {
	OnConnect      func()
	OnMessage      func(Event)
	OnDisconnect   func(code int, reason string)
	OnError        func(error)
	OnReconnecting func(attempt int, delay time.Duration)
}

// ============================================================================
// Reconnect policy
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxAttempts int
	attempt     int
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts > 0 && r.attempt < r.maxAttempts
}

// nextDelay advances the attempt counter and returns its delay.
func (r *reconnector) nextDelay() time.Duration {
	r.attempt++
	return r.baseDelay << (r.attempt - 1)
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// Transport
// ============================================================================

// Transport is a single-conversation websocket with automatic reconnect.
type Transport struct {
	cfg      TransportConfig
	handlers TransportHandlers
	log      zerolog.Logger

	mu        sync.Mutex
	state     ConnState
	conn      *websocket.Conn
	cancelFn  context.CancelFunc
	gen       uint64
	stopped   bool
	recon     reconnector
	retry     Timer
	heartbeat Timer
}

// NewTransport returns a disconnected transport.
func NewTransport(cfg TransportConfig, handlers TransportHandlers) *Transport {
	cfg.defaults()
	return &Transport{
		cfg:      cfg,
		handlers: handlers,
		log: cfg.Logger.With().
			Str("component", "transport").
			Str("conversation_id", string(cfg.ConversationID)).
			Logger(),
		state: StateDisconnected,
		recon: reconnector{
			baseDelay:   cfg.ReconnectDelay,
			maxAttempts: cfg.MaxReconnectAttempts,
		},
	}
}

// WebSocketURL converts an http(s) origin into the conversation socket URL.
func WebSocketURL(baseURL string, conversationID ID, token string) string {
	u := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return fmt.Sprintf("%s/ws/conversations/%s/?token=%s",
		u, url.PathEscape(string(conversationID)), url.QueryEscape(token))
}

// State returns the current connection state.
func (t *Transport) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connected reports whether the socket is open.
func (t *Transport) Connected() bool {
	return t.State() == StateConnected
}

// Connect opens the socket. It is a no-op without a conversation id or token,
// or when a connection is already open or in progress. A failed dial is
// treated as an abnormal closure and schedules a reconnect.
func (t *Transport) Connect(ctx context.Context) error {
	if t.cfg.ConversationID == "" || t.cfg.Token == "" {
		t.log.Debug().Msg("connect skipped: missing conversation or token")
		return nil
	}
	t.mu.Lock()
	if t.state != StateDisconnected {
		t.mu.Unlock()
		return nil
	}
	t.stopped = false
	t.mu.Unlock()
	return t.dial(ctx)
}

func (t *Transport) dial(ctx context.Context) error {
	t.mu.Lock()
	if t.stopped || t.state != StateDisconnected {
		t.mu.Unlock()
		return nil
	}
	t.state = StateConnecting
	t.gen++
	gen := t.gen
	t.mu.Unlock()
	t.cfg.Metrics.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
	conn, _, err := websocket.Dial(dialCtx,
		WebSocketURL(t.cfg.BaseURL, t.cfg.ConversationID, t.cfg.Token),
		&websocket.DialOptions{HTTPClient: t.cfg.HTTPClient})
	cancel()

	if err != nil {
		t.mu.Lock()
		current := gen == t.gen
		if current {
			t.state = StateDisconnected
		}
		t.mu.Unlock()
		if !current {
			return nil
		}
		t.cfg.Metrics.setState(StateDisconnected)
		err = fmt.Errorf("websocket dial: %w", err)
		t.log.Warn().Err(err).Msg("dial failed")
		t.emitError(err)
		t.closed(gen, websocket.StatusAbnormalClosure, err.Error())
		return err
	}

	t.mu.Lock()
	if gen != t.gen || t.stopped {
		t.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return nil
	}
	connCtx, cancelConn := context.WithCancel(context.Background())
	t.conn = conn
	t.cancelFn = cancelConn
	t.state = StateConnected
	t.recon.reset()
	t.mu.Unlock()

	t.cfg.Metrics.setState(StateConnected)
	t.log.Info().Msg("connected")
	if h := t.handlers.OnConnect; h != nil {
		h()
	}

	go t.readLoop(connCtx, conn, gen)
	t.scheduleHeartbeat(gen)
	return nil
}

// Disconnect closes the socket with a normal closure and cancels any pending
// reconnect. Automatic reconnects stay off until the next Connect.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.stopped = true
	t.gen++
	if t.retry != nil {
		t.retry.Stop()
		t.retry = nil
	}
	if t.heartbeat != nil {
		t.heartbeat.Stop()
		t.heartbeat = nil
	}
	conn := t.conn
	cancel := t.cancelFn
	t.conn = nil
	t.cancelFn = nil
	t.state = StateDisconnected
	t.recon.reset()
	t.mu.Unlock()

	t.cfg.Metrics.setState(StateDisconnected)
	if conn == nil {
		return
	}
	if err := conn.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
		t.log.Debug().Err(err).Msg("close handshake")
	}
	cancel()
	t.log.Info().Msg("disconnected by client")
	if h := t.handlers.OnDisconnect; h != nil {
		h(int(websocket.StatusNormalClosure), "client disconnect")
	}
}

// Send writes cmd if the socket is open. It never queues: false means the
// frame was not written and the caller should fall back.
func (t *Transport) Send(cmd Command) bool {
	t.mu.Lock()
	conn := t.conn
	open := t.state == StateConnected
	t.mu.Unlock()
	if !open || conn == nil {
		return false
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		t.log.Error().Err(err).Str("type", string(cmd.Type)).Msg("encode command")
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.log.Warn().Err(err).Str("type", string(cmd.Type)).Msg("write failed")
		t.emitError(err)
		return false
	}
	t.cfg.Metrics.frameSent(cmd.Type)
	return true
}

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.mu.Lock()
			if gen != t.gen {
				t.mu.Unlock()
				return
			}
			cancel := t.cancelFn
			t.conn = nil
			t.cancelFn = nil
			t.state = StateDisconnected
			if t.heartbeat != nil {
				t.heartbeat.Stop()
				t.heartbeat = nil
			}
			t.mu.Unlock()
			if cancel != nil {
				cancel()
			}
			t.cfg.Metrics.setState(StateDisconnected)

			code := websocket.CloseStatus(err)
			reason := closeReason(err)
			if code == -1 {
				code = websocket.StatusAbnormalClosure
			}
			t.log.Info().Int("code", int(code)).Str("reason", reason).Msg("connection closed")
			t.closed(gen, code, reason)
			return
		}

		evt, err := ParseEvent(data)
		if err != nil {
			t.cfg.Metrics.frameDropped()
			t.log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed frame")
			continue
		}
		t.cfg.Metrics.frameReceived(evt.Type)
		if h := t.handlers.OnMessage; h != nil {
			h(evt)
		}
	}
}

func closeReason(err error) string {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return err.Error()
}

// closed reports the closure and schedules a reconnect unless the closure was
// normal, the client asked to disconnect, or the attempts are exhausted.
func (t *Transport) closed(gen uint64, code websocket.StatusCode, reason string) {
	if h := t.handlers.OnDisconnect; h != nil {
		h(int(code), reason)
	}

	t.mu.Lock()
	if t.stopped || gen != t.gen || code == websocket.StatusNormalClosure {
		t.mu.Unlock()
		return
	}
	if !t.recon.shouldReconnect() {
		t.mu.Unlock()
		t.log.Warn().Int("attempts", t.recon.attempt).Msg("giving up on reconnect")
		return
	}
	delay := t.recon.nextDelay()
	attempt := t.recon.attempt
	t.retry = t.cfg.Clock.AfterFunc(delay, func() { t.reconnect(gen) })
	t.mu.Unlock()

	t.cfg.Metrics.reconnectScheduled()
	t.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnect scheduled")
	if h := t.handlers.OnReconnecting; h != nil {
		h(attempt, delay)
	}
}

func (t *Transport) reconnect(gen uint64) {
	t.mu.Lock()
	if t.stopped || gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.retry = nil
	t.mu.Unlock()
	_ = t.dial(context.Background())
}

func (t *Transport) scheduleHeartbeat(gen uint64) {
	if t.cfg.HeartbeatInterval < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen {
		return
	}
	t.heartbeat = t.cfg.Clock.AfterFunc(t.cfg.HeartbeatInterval, func() { t.ping(gen) })
}

func (t *Transport) ping(gen uint64) {
	t.mu.Lock()
	conn := t.conn
	current := gen == t.gen
	t.mu.Unlock()
	if !current || conn == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.HandshakeTimeout)
	err := conn.Ping(ctx)
	cancel()
	if err != nil {
		t.log.Warn().Err(err).Msg("heartbeat failed")
		conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
		return
	}
	t.scheduleHeartbeat(gen)
}

func (t *Transport) emitError(err error) {
	if h := t.handlers.OnError; h != nil {
		h(err)
	}
}
