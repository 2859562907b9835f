// Package roomsync keeps a local, consistent view of chat rooms fed by a
// real-time WebSocket service.
//
// A Client owns one Store and wires the pieces around it: a Manager with a
// channel per open room (plus an optional account channel), a Decoder that
// folds inbound frames into the store, Actions that apply optimistic
// mutations before sending, and a Loader that reloads history whenever a
// room channel opens.
//
// Example:
//
//	client := roomsync.NewClient(token,
//		roomsync.WithEndpoint("wss://chat.example.com/api/realtime"),
//		roomsync.WithAPIBaseURL("https://chat.example.com/api"),
//		roomsync.WithCurrentUser("u-1", "Ada"),
//	)
//	defer client.Close()
//
//	client.OpenRoom(ctx, "room-1")
//	client.SendMessage(ctx, "room-1", "hello", "")
//	msgs := client.Store().Messages("room-1")
package roomsync

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultEndpoint   = "ws://localhost:3000"
	DefaultAPIBaseURL = "http://localhost:3000/api"
	DefaultTimeout    = 30 * time.Second
)

// Client events delivered through On.
const (
	ClientEventOpen         = "connection.open"
	ClientEventClosed       = "connection.closed"
	ClientEventReconnecting = "connection.reconnecting"
	ClientEventError        = "connection.error"
	ClientEventRoomCreated  = "room.created"
	ClientEventRoomDeleted  = "room.deleted"
	ClientEventHistory      = "history.state"
)

// ConnectionEvent is the payload of the connection.* events.
type ConnectionEvent struct {
	Target  Target
	Code    int
	Reason  string
	Attempt int
	Delay   time.Duration
}

// HistoryEvent is the payload of history.state.
type HistoryEvent struct {
	RoomID string
	State  LoadState
	Err    error
}

// Status summarizes the connection for a status indicator.
type Status struct {
	Connected bool
	LastError error
}

// ============================================================================
// Client
// ============================================================================

// Client is the composition root of the sync engine.
type Client struct {
	endpoint      string
	apiBaseURL    string
	httpClient    *http.Client
	timeout       time.Duration
	logger        *zerolog.Logger
	log           zerolog.Logger
	metrics       *Metrics
	cache         HistoryCache
	fetcher       HistoryFetcher
	channelConfig ChannelConfig
	storeOptions  StoreOptions
	loaderOptions LoaderOptions
	actionOptions ActionsOptions

	store   *Store
	manager *Manager
	decoder *Decoder
	actions *Actions
	loader  *Loader
	emitter *emitter

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	token   string
	lastErr error
}

type ClientOption func(*Client)

// WithEndpoint sets the WebSocket URL.
func WithEndpoint(url string) ClientOption {
	return func(c *Client) { c.endpoint = strings.TrimRight(url, "/") }
}

// WithAPIBaseURL sets the REST base URL, including its /api prefix.
func WithAPIBaseURL(url string) ClientOption {
	return func(c *Client) { c.apiBaseURL = strings.TrimRight(url, "/") }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithTimeout bounds history requests. It applies to a copy of the HTTP
// client, so a shared client passed to WithHTTPClient is left unchanged.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.timeout = timeout }
}

func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = &logger }
}

func WithMetrics(m *Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithCache persists confirmed history, e.g. in a PebbleCache.
func WithCache(cache HistoryCache) ClientOption {
	return func(c *Client) { c.cache = cache }
}

// WithHistoryFetcher replaces the REST history client.
func WithHistoryFetcher(f HistoryFetcher) ClientOption {
	return func(c *Client) { c.fetcher = f }
}

// WithCurrentUser sets the account the client acts as.
func WithCurrentUser(id, name string) ClientOption {
	return func(c *Client) {
		c.storeOptions.CurrentUserID = id
		c.actionOptions.SenderName = name
	}
}

// WithChannelConfig overrides heartbeat, watchdog and reconnect settings.
// Endpoint, Logger and Metrics are taken from the client.
func WithChannelConfig(cfg ChannelConfig) ClientOption {
	return func(c *Client) { c.channelConfig = cfg }
}

// WithStoreOptions overrides the store settings. The current user set by
// WithCurrentUser wins when both are given.
func WithStoreOptions(opts StoreOptions) ClientOption {
	return func(c *Client) {
		id := c.storeOptions.CurrentUserID
		c.storeOptions = opts
		if id != "" {
			c.storeOptions.CurrentUserID = id
		}
	}
}

// WithLoaderOptions overrides the history retry settings.
func WithLoaderOptions(opts LoaderOptions) ClientOption {
	return func(c *Client) { c.loaderOptions = opts }
}

// NewClient creates a client. Nothing connects until OpenRoom or
// ConnectAccount is called.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:      token,
		endpoint:   DefaultEndpoint,
		apiBaseURL: DefaultAPIBaseURL,
		emitter:    newEmitter(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	if c.timeout > 0 {
		hc := *c.httpClient
		hc.Timeout = c.timeout
		c.httpClient = &hc
	}

	c.log = zerolog.Nop()
	if c.logger != nil {
		c.log = c.logger.With().Str("component", "client").Logger()
	}
	c.emitter.log = &c.log
	if c.cache == nil {
		c.cache = nopCache{}
	}
	if c.fetcher == nil {
		c.fetcher = NewHTTPHistory(c.apiBaseURL, c.Token, c.httpClient)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	so := c.storeOptions
	so.Logger, so.Metrics = c.logger, c.metrics
	c.store = NewStore(&so)

	c.decoder = NewDecoder(c.store, &DecoderOptions{
		OnServerError: c.onServerError,
		OnRoomCreated: c.onRoomCreated,
		OnRoomDeleted: c.onRoomDeleted,
		Logger:        c.logger,
		Metrics:       c.metrics,
	})

	cc := c.channelConfig
	cc.Endpoint, cc.Logger, cc.Metrics = c.endpoint, c.logger, c.metrics
	c.manager = NewManager(&cc, c.decoder.Handle)
	c.manager.OnOpen(c.onOpen)
	c.manager.OnClose(c.onClose)
	c.manager.OnReconnecting(c.onReconnecting)

	ao := c.actionOptions
	ao.Logger = c.logger
	c.actions = NewActions(c.store, c.manager, &ao)

	lo := c.loaderOptions
	lo.Cache, lo.Logger, lo.Metrics = c.cache, c.logger, c.metrics
	lo.OnState = c.onHistoryState
	c.loader = NewLoader(c.store, c.fetcher, &lo)

	return c
}

// Store returns the client's store.
func (c *Client) Store() *Store { return c.store }

// Manager returns the client's connection manager.
func (c *Client) Manager() *Manager { return c.manager }

// Token returns the current auth token.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// SetToken updates the auth token. An empty token closes every channel
// and stops reconnecting; the store is kept.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	c.manager.SetToken(token)
}

// On registers a handler for one of the ClientEvent* events.
func (c *Client) On(event string, handler EventHandler) {
	c.emitter.On(event, handler)
}

// Status reports whether any channel is open and the last connection error.
func (c *Client) Status() Status {
	connected := c.manager.Connected()
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{Connected: connected, LastError: c.lastErr}
}

func (c *Client) setLastError(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

// ── Rooms ───────────────────────────────────────────────

// ConnectAccount opens the account channel, which announces created and
// deleted rooms.
func (c *Client) ConnectAccount(ctx context.Context) error {
	_, err := c.manager.Connect(ctx, AccountTarget, c.Token())
	return err
}

// OpenRoom makes roomID the current room and opens its channel. History is
// reloaded every time the channel opens. If the first dial fails the error
// is returned, history is still loaded, and the channel keeps retrying.
func (c *Client) OpenRoom(ctx context.Context, roomID string) error {
	c.store.SetCurrentRoom(roomID)
	_, err := c.manager.Connect(ctx, Target{RoomID: roomID}, c.Token())
	if err != nil && !errors.Is(err, ErrNoToken) {
		c.setLastError(err)
		go c.reload(roomID)
	}
	return err
}

// CloseRoom closes the room's channel. Its messages stay in the store.
func (c *Client) CloseRoom(roomID string) {
	c.manager.Close(Target{RoomID: roomID}, CloseUnmount, "room closed")
	if c.store.CurrentRoom() == roomID {
		c.store.SetCurrentRoom("")
	}
}

// Reload fetches the room's history now.
func (c *Client) Reload(ctx context.Context, roomID string) error {
	return c.loader.Load(ctx, roomID)
}

func (c *Client) reload(roomID string) {
	if err := c.loader.Load(c.ctx, roomID); err != nil {
		c.log.Debug().Err(err).Str("room", roomID).Msg("reload finished with error")
	}
}

// ── Actions ─────────────────────────────────────────────

// SendMessage sends a message (a reply when replyToID is set) and returns
// the temp id of its optimistic entry.
func (c *Client) SendMessage(ctx context.Context, roomID, content, replyToID string) (string, error) {
	return c.actions.SendMessage(ctx, roomID, content, "", replyToID)
}

// SendReaction sets, or with an empty emoji removes, the user's reaction.
func (c *Client) SendReaction(ctx context.Context, roomID, messageID, emoji string) error {
	return c.actions.SendReaction(ctx, roomID, messageID, emoji)
}

// JoinRoom sends a join on the room's channel.
func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	return c.actions.JoinRoom(ctx, roomID)
}

// Close tears everything down. The store stays readable.
func (c *Client) Close() error {
	c.cancel()
	c.manager.CloseAll(CloseUnmount, "client closed")
	c.store.Close()
	c.emitter.removeAll()
	return c.cache.Close()
}

// ── Wiring ──────────────────────────────────────────────

func (c *Client) onOpen(t Target) {
	c.setLastError(nil)
	c.emitter.emit(ClientEventOpen, ConnectionEvent{Target: t})
	if t.IsRoom() {
		c.reload(t.RoomID)
	}
}

func (c *Client) onClose(t Target, code int, reason string) {
	c.emitter.emit(ClientEventClosed, ConnectionEvent{Target: t, Code: code, Reason: reason})
}

func (c *Client) onReconnecting(t Target, attempt int, delay time.Duration) {
	c.emitter.emit(ClientEventReconnecting, ConnectionEvent{Target: t, Attempt: attempt, Delay: delay})
}

func (c *Client) onServerError(t Target, message string) {
	c.setLastError(&APIError{Message: message})
	c.emitter.emit(ClientEventError, ConnectionEvent{Target: t, Reason: message})
}

func (c *Client) onRoomCreated(p RoomCreatedPayload) {
	c.emitter.emit(ClientEventRoomCreated, p)
}

func (c *Client) onRoomDeleted(roomID string) {
	c.manager.Close(Target{RoomID: roomID}, CloseUnmount, "room deleted")
	if err := c.cache.Delete(roomID); err != nil {
		c.log.Warn().Err(err).Str("room", roomID).Msg("history cache delete failed")
	}
	c.emitter.emit(ClientEventRoomDeleted, roomID)
}

func (c *Client) onHistoryState(roomID string, state LoadState, err error) {
	if err != nil {
		c.setLastError(err)
	}
	c.emitter.emit(ClientEventHistory, HistoryEvent{RoomID: roomID, State: state, Err: err})
}

// ============================================================================
// Event Emitter
// ============================================================================

// EventHandler handles client events.
type EventHandler func(event string, payload any)

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
	log       *zerolog.Logger
}

func newEmitter() *emitter {
	return &emitter{listeners: make(map[string][]EventHandler)}
}

func (e *emitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil && e.log != nil {
					e.log.Error().Interface("panic", r).Str("event", event).Msg("event handler panicked")
				}
			}()
			h(event, payload)
		}()
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]EventHandler)
}
