package roomsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// Close codes that denote an intentional shutdown. Neither schedules a
// reconnect.
const (
	CloseUnmount      = 1000
	CloseTokenRemoved = 4001
)

// ChannelConfig configures every channel a Manager opens.
type ChannelConfig struct {
	// Endpoint is the WebSocket URL, e.g. wss://chat.example.com/api/realtime.
	// http(s) schemes are rewritten to ws(s).
	Endpoint             string
	HeartbeatInterval    time.Duration
	PongTimeout          time.Duration // negative disables the watchdog
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectJitter      bool
	MaxReconnectAttempts int // 0 = unlimited
	DialTimeout          time.Duration
	ReadLimit            int64

	// HTTPClient is used for the handshake. It must not set Timeout;
	// DialTimeout bounds the dial instead.
	HTTPClient *http.Client
	Logger     *zerolog.Logger
	Metrics    *Metrics
}

func (c *ChannelConfig) defaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = 75 * time.Second
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 2 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 1 << 20
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// Target names what a channel is scoped to: one room, or the whole account
// when RoomID is empty.
type Target struct {
	RoomID string
}

// AccountTarget is the global channel that carries room.created and
// room.deleted for every room the user belongs to.
var AccountTarget = Target{}

// IsRoom reports whether the target is a single room.
func (t Target) IsRoom() bool { return t.RoomID != "" }

func (t Target) String() string {
	if t.IsRoom() {
		return "room:" + t.RoomID
	}
	return "account"
}

func (t Target) kind() string {
	if t.IsRoom() {
		return "room"
	}
	return "account"
}

// ChannelState represents a channel's connection state.
type ChannelState string

const (
	StateConnecting ChannelState = "connecting"
	StateOpen       ChannelState = "open"
	StateClosed     ChannelState = "closed"
)

// FrameHandler receives every inbound text frame.
type FrameHandler func(target Target, frame []byte)

// ============================================================================
// Lifecycle hooks
// ============================================================================

type channelHooks struct {
	mu             sync.RWMutex
	onOpen         []func(Target)
	onClose        []func(Target, int, string)
	onReconnecting []func(Target, int, time.Duration)
	log            *zerolog.Logger
}

func (h *channelHooks) emitOpen(t Target) {
	h.mu.RLock()
	handlers := append([]func(Target){}, h.onOpen...)
	h.mu.RUnlock()
	for _, fn := range handlers {
		fn := fn
		go h.safely(func() { fn(t) })
	}
}

func (h *channelHooks) emitClose(t Target, code int, reason string) {
	h.mu.RLock()
	handlers := append([]func(Target, int, string){}, h.onClose...)
	h.mu.RUnlock()
	for _, fn := range handlers {
		fn := fn
		go h.safely(func() { fn(t, code, reason) })
	}
}

func (h *channelHooks) emitReconnecting(t Target, attempt int, delay time.Duration) {
	h.mu.RLock()
	handlers := append([]func(Target, int, time.Duration){}, h.onReconnecting...)
	h.mu.RUnlock()
	for _, fn := range handlers {
		fn := fn
		go h.safely(func() { fn(t, attempt, delay) })
	}
}

func (h *channelHooks) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Interface("panic", r).Msg("channel hook panicked")
		}
	}()
	fn()
}

// ============================================================================
// Channel
// ============================================================================

// Channel is one WebSocket connection scoped to a Target, with heartbeat,
// pong watchdog and auto-reconnect.
type Channel struct {
	target  Target
	config  *ChannelConfig
	handler FrameHandler
	hooks   *channelHooks
	log     zerolog.Logger
	metrics *Metrics

	mu             sync.Mutex
	token          string
	conn           *websocket.Conn
	state          ChannelState
	closed         bool // Close was called; never reconnect again
	gen            uint64
	cancelFn       context.CancelFunc
	reconnectTimer *time.Timer
	recon          *reconnector
	lastSeen       time.Time
	lastErr        error
	changed        chan struct{}
}

func newChannel(target Target, token string, config *ChannelConfig, handler FrameHandler, hooks *channelHooks, log zerolog.Logger) *Channel {
	return &Channel{
		target:  target,
		config:  config,
		handler: handler,
		hooks:   hooks,
		log:     log.With().Str("channel", target.String()).Logger(),
		metrics: config.Metrics,
		token:   token,
		state:   StateConnecting,
		recon:   newReconnector(config),
		changed: make(chan struct{}),
	}
}

// Target returns what the channel is scoped to.
func (c *Channel) Target() Target { return c.target }

// State returns the current connection state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the most recent transport error, or nil after a
// successful open.
func (c *Channel) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// LastSeen returns when the last inbound frame arrived.
func (c *Channel) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// WaitOpen blocks until the channel is open, the channel is closed, or ctx
// is done.
func (c *Channel) WaitOpen(ctx context.Context) error {
	for {
		c.mu.Lock()
		state, closed, changed := c.state, c.closed, c.changed
		c.mu.Unlock()

		switch {
		case state == StateOpen:
			return nil
		case closed:
			return ErrClosed
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// signalLocked wakes WaitOpen callers after a state change.
func (c *Channel) signalLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Channel) setToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Channel) dialURL(token string) (string, error) {
	u, err := url.Parse(c.config.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// connect dials once. On failure the channel stays in the reconnect cycle
// unless it was closed.
func (c *Channel) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	token := c.token
	if token == "" {
		c.mu.Unlock()
		return ErrNoToken
	}
	c.state = StateConnecting
	c.signalLocked()
	c.mu.Unlock()

	wsURL, err := c.dialURL(token)
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.config.DialTimeout)
	defer cancel()
	c.log.Debug().Str("url", redactToken(wsURL)).Msg("dialing")
	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPClient: c.config.HTTPClient,
	})
	if err != nil {
		err = fmt.Errorf("websocket dial: %w", err)
		c.log.Warn().Err(err).Msg("connect failed")
		c.lost(0, int(websocket.StatusAbnormalClosure), err)
		return err
	}
	conn.SetReadLimit(c.config.ReadLimit)

	connCtx, connCancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		connCancel()
		conn.Close(websocket.StatusNormalClosure, "")
		return ErrClosed
	}
	c.gen++
	gen := c.gen
	c.conn = conn
	c.cancelFn = connCancel
	c.state = StateOpen
	c.lastSeen = time.Now()
	c.lastErr = nil
	c.recon.reset()
	c.signalLocked()
	c.mu.Unlock()

	c.log.Info().Msg("connected")

	if c.target.IsRoom() {
		if err := c.write(connCtx, conn, joinCommand(c.target.RoomID)); err != nil {
			c.log.Warn().Err(err).Msg("join failed")
		}
	}
	c.hooks.emitOpen(c.target)

	go c.readLoop(connCtx, conn, gen)
	go c.heartbeatLoop(connCtx, conn, gen)
	return nil
}

// Send writes one command. It returns ErrNotConnected when the socket is not
// open.
func (c *Channel) Send(ctx context.Context, cmd *Command) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		c.log.Warn().Str("type", cmd.Type).Msg("send on a channel that is not open, dropped")
		return ErrNotConnected
	}
	return c.write(ctx, conn, cmd)
}

func (c *Channel) write(ctx context.Context, conn *websocket.Conn, cmd *Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write %s: %w", cmd.Type, err)
	}
	return nil
}

// Close shuts the channel down for good. The code is sent to the server;
// no reconnect follows regardless of its value.
func (c *Channel) Close(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.gen++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn, cancel := c.conn, c.cancelFn
	c.conn, c.cancelFn = nil, nil
	c.state = StateClosed
	c.signalLocked()
	c.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusCode(code), reason)
	}
	if cancel != nil {
		cancel()
	}
	c.log.Info().Int("code", code).Str("reason", reason).Msg("closed")
	c.hooks.emitClose(c.target, code, reason)
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			code := int(websocket.CloseStatus(err))
			if code < 0 {
				code = int(websocket.StatusAbnormalClosure)
			}
			c.lost(gen, code, err)
			return
		}

		c.mu.Lock()
		c.lastSeen = time.Now()
		c.mu.Unlock()

		if typ != websocket.MessageText {
			continue
		}
		c.dispatch(data)
	}
}

func (c *Channel) dispatch(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("frame handler panicked")
		}
	}()
	c.handler(c.target, data)
}

func (c *Channel) heartbeatLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			stale := time.Since(c.lastSeen)
			c.mu.Unlock()

			if c.config.PongTimeout > 0 && stale > c.config.PongTimeout {
				c.log.Warn().Dur("silent_for", stale).Msg("no pong from server, forcing reconnect")
				c.lost(gen, int(websocket.StatusGoingAway), fmt.Errorf("pong timeout after %s", stale))
				return
			}

			pingCtx, cancel := context.WithTimeout(ctx, c.config.HeartbeatInterval)
			err := c.write(pingCtx, conn, pingCommand())
			cancel()
			if err != nil && ctx.Err() == nil {
				c.lost(gen, int(websocket.StatusAbnormalClosure), err)
				return
			}
		}
	}
}

// lost handles an unintentional end of connection generation gen (0 for a
// failed dial). It closes the socket if still held and schedules the next
// attempt unless the server closed normally, the channel was closed, or the
// token is gone.
func (c *Channel) lost(gen uint64, code int, cause error) {
	c.mu.Lock()
	if c.closed || (gen != 0 && gen != c.gen) {
		c.mu.Unlock()
		return
	}
	c.gen++
	conn, cancel := c.conn, c.cancelFn
	c.conn, c.cancelFn = nil, nil
	c.state = StateClosed
	c.lastErr = cause

	reconnect := code != CloseUnmount && code != CloseTokenRemoved &&
		c.token != "" && c.recon.shouldReconnect()
	var delay time.Duration
	var attempt int
	if reconnect {
		delay = c.recon.nextDelay()
		attempt = c.recon.attempt
		c.state = StateConnecting
		c.reconnectTimer = time.AfterFunc(delay, c.reconnect)
	}
	c.signalLocked()
	c.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusGoingAway, "")
		cancel()
		c.log.Info().Int("code", code).Err(cause).Msg("disconnected")
		c.hooks.emitClose(c.target, code, errString(cause))
	}
	if reconnect {
		c.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")
		c.metrics.reconnect(c.target.kind())
		c.hooks.emitReconnecting(c.target, attempt, delay)
	}
}

func (c *Channel) reconnect() {
	c.mu.Lock()
	c.reconnectTimer = nil
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.connect(context.Background())
}

// ============================================================================
// Manager
// ============================================================================

// Manager owns at most one Channel per Target.
type Manager struct {
	config  ChannelConfig
	handler FrameHandler
	hooks   *channelHooks
	log     zerolog.Logger

	mu       sync.Mutex
	token    string
	channels map[Target]*Channel
}

// NewManager creates a manager that delivers every inbound frame to handler.
func NewManager(config *ChannelConfig, handler FrameHandler) *Manager {
	var cfg ChannelConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()

	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = cfg.Logger.With().Str("component", "channel").Logger()
	}
	if handler == nil {
		handler = func(Target, []byte) {}
	}
	return &Manager{
		config:   cfg,
		handler:  handler,
		hooks:    &channelHooks{log: &log},
		log:      log,
		channels: make(map[Target]*Channel),
	}
}

// OnOpen registers a handler called each time a channel opens, including
// after a reconnect.
func (m *Manager) OnOpen(h func(Target)) {
	m.hooks.mu.Lock()
	m.hooks.onOpen = append(m.hooks.onOpen, h)
	m.hooks.mu.Unlock()
}

// OnClose registers a handler for channel closes, intentional or not.
func (m *Manager) OnClose(h func(target Target, code int, reason string)) {
	m.hooks.mu.Lock()
	m.hooks.onClose = append(m.hooks.onClose, h)
	m.hooks.mu.Unlock()
}

// OnReconnecting registers a handler called when a reconnect is scheduled.
func (m *Manager) OnReconnecting(h func(target Target, attempt int, delay time.Duration)) {
	m.hooks.mu.Lock()
	m.hooks.onReconnecting = append(m.hooks.onReconnecting, h)
	m.hooks.mu.Unlock()
}

// Connect opens the channel for target, replacing any prior channel for the
// same target. A failed first dial is returned; the channel keeps retrying
// in the background until it is closed.
func (m *Manager) Connect(ctx context.Context, target Target, token string) (*Channel, error) {
	if token == "" {
		return nil, ErrNoToken
	}
	m.mu.Lock()
	m.token = token
	prev := m.channels[target]
	ch := newChannel(target, token, &m.config, m.handler, m.hooks, m.log)
	m.channels[target] = ch
	m.mu.Unlock()

	if prev != nil {
		prev.Close(CloseUnmount, "replaced")
	}
	return ch, ch.connect(ctx)
}

// Channel returns the channel for target, or nil.
func (m *Manager) Channel(target Target) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[target]
}

// Send writes cmd on the channel for target.
func (m *Manager) Send(ctx context.Context, target Target, cmd *Command) error {
	ch := m.Channel(target)
	if ch == nil {
		m.log.Warn().Str("channel", target.String()).Str("type", cmd.Type).Msg("send without a channel, dropped")
		return ErrNotConnected
	}
	return ch.Send(ctx, cmd)
}

// Close closes and forgets the channel for target.
func (m *Manager) Close(target Target, code int, reason string) {
	m.mu.Lock()
	ch := m.channels[target]
	delete(m.channels, target)
	m.mu.Unlock()
	if ch != nil {
		ch.Close(code, reason)
	}
}

// CloseAll closes every channel.
func (m *Manager) CloseAll(code int, reason string) {
	m.mu.Lock()
	channels := m.channels
	m.channels = make(map[Target]*Channel)
	m.mu.Unlock()
	for _, ch := range channels {
		ch.Close(code, reason)
	}
}

// SetToken updates the token used by future reconnects. An empty token
// closes every channel with CloseTokenRemoved.
func (m *Manager) SetToken(token string) {
	m.mu.Lock()
	m.token = token
	channels := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.mu.Unlock()

	if token == "" {
		m.CloseAll(CloseTokenRemoved, "token removed")
		return
	}
	for _, ch := range channels {
		ch.setToken(token)
	}
}

// Connected reports whether any channel is open.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.channels {
		if ch.State() == StateOpen {
			return true
		}
	}
	return false
}

func redactToken(rawURL string) string {
	i := strings.Index(rawURL, "token=")
	if i < 0 {
		return rawURL
	}
	end := strings.IndexByte(rawURL[i:], '&')
	if end < 0 {
		return rawURL[:i] + "token=***"
	}
	return rawURL[:i] + "token=***" + rawURL[i+end:]
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
