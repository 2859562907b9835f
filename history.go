package roomsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// REST collaborator
// ============================================================================

// HistoryFetcher loads a page of a room's message history.
type HistoryFetcher interface {
	FetchMessages(ctx context.Context, roomID string, page, limit int) ([]Message, error)
}

// TokenSource returns the current bearer token.
type TokenSource func() string

// HTTPHistory is the REST implementation of HistoryFetcher. BaseURL
// includes the API prefix, e.g. https://chat.example.com/api.
type HTTPHistory struct {
	baseURL    string
	token      TokenSource
	httpClient *http.Client
}

// NewHTTPHistory creates a REST history client.
func NewHTTPHistory(baseURL string, token TokenSource, httpClient *http.Client) *HTTPHistory {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	if token == nil {
		token = func() string { return "" }
	}
	return &HTTPHistory{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
	}
}

// FetchMessages calls GET /rooms/{roomID}/messages?page=&limit=.
func (h *HTTPHistory) FetchMessages(ctx context.Context, roomID string, page, limit int) ([]Message, error) {
	data, err := h.doRequest(ctx, http.MethodGet, "/rooms/"+url.PathEscape(roomID)+"/messages", map[string]string{
		"page":  strconv.Itoa(page),
		"limit": strconv.Itoa(limit),
	})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Messages []Message `json:"messages"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal messages: %w", err)
	}
	for i := range resp.Messages {
		if resp.Messages[i].RoomID == "" {
			resp.Messages[i].RoomID = roomID
		}
	}
	return resp.Messages, nil
}

// FetchRooms calls GET /users/rooms. The server answers either with a bare
// array or with {rooms: [...]}.
func (h *HTTPHistory) FetchRooms(ctx context.Context) ([]Room, error) {
	data, err := h.doRequest(ctx, http.MethodGet, "/users/rooms", nil)
	if err != nil {
		return nil, err
	}
	var rooms []Room
	if err := json.Unmarshal(data, &rooms); err == nil {
		return rooms, nil
	}
	var resp struct {
		Rooms []Room `json:"rooms"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rooms: %w", err)
	}
	return resp.Rooms, nil
}

func (h *HTTPHistory) doRequest(ctx context.Context, method, path string, query map[string]string) ([]byte, error) {
	u := h.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token := h.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, apiError(resp.StatusCode, data)
	}
	return data, nil
}

func apiError(status int, body []byte) *APIError {
	e := &APIError{Status: status}
	var payload struct {
		Error   string `json:"error"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil {
		e.Code = payload.Code
		e.Message = payload.Message
		if e.Message == "" {
			e.Message = payload.Error
		}
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

// ============================================================================
// Loader
// ============================================================================

// LoadState is where a room's history load stands.
type LoadState string

const (
	LoadLoading     LoadState = "loading"
	LoadSettingUp   LoadState = "settingUp"
	LoadReady       LoadState = "ready"
	LoadSetupFailed LoadState = "setupFailed"
)

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	PageSize int
	// A 403 right after joining means the membership has not reached the
	// history service yet. The first retry waits FirstRetryDelay, retry n
	// waits min(n*RetryStep, MaxRetryDelay). Retrying stops after
	// MaxRetries retries or once RetryBudget has passed since the first 403.
	FirstRetryDelay time.Duration
	RetryStep       time.Duration
	MaxRetryDelay   time.Duration
	MaxRetries      int
	RetryBudget     time.Duration

	// OnState observes every state transition. err is set for setupFailed.
	OnState func(roomID string, state LoadState, err error)

	Cache   HistoryCache
	Logger  *zerolog.Logger
	Metrics *Metrics
}

func (o *LoaderOptions) defaults() {
	if o.PageSize == 0 {
		o.PageSize = 50
	}
	if o.FirstRetryDelay == 0 {
		o.FirstRetryDelay = 500 * time.Millisecond
	}
	if o.RetryStep == 0 {
		o.RetryStep = time.Second
	}
	if o.MaxRetryDelay == 0 {
		o.MaxRetryDelay = 3 * time.Second
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 10
	}
	if o.RetryBudget == 0 {
		o.RetryBudget = 20 * time.Second
	}
	if o.Cache == nil {
		o.Cache = nopCache{}
	}
}

// Loader performs full history reloads into a Store.
type Loader struct {
	store   *Store
	fetcher HistoryFetcher
	opts    LoaderOptions
	log     zerolog.Logger
	metrics *Metrics
}

// NewLoader creates a loader.
func NewLoader(store *Store, fetcher HistoryFetcher, opts *LoaderOptions) *Loader {
	var o LoaderOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()
	l := &Loader{
		store:   store,
		fetcher: fetcher,
		opts:    o,
		log:     zerolog.Nop(),
		metrics: o.Metrics,
	}
	if o.Logger != nil {
		l.log = o.Logger.With().Str("component", "loader").Logger()
	}
	return l
}

// retryDelay returns the wait before retry n (0-based).
func (l *Loader) retryDelay(n int) time.Duration {
	if n == 0 {
		return l.opts.FirstRetryDelay
	}
	d := time.Duration(n) * l.opts.RetryStep
	if d > l.opts.MaxRetryDelay {
		d = l.opts.MaxRetryDelay
	}
	return d
}

// Load replaces the room's history with the first page from the server.
// A room that is empty locally is hydrated from the cache first.
func (l *Loader) Load(ctx context.Context, roomID string) error {
	l.hydrate(roomID)
	l.setState(roomID, LoadLoading, nil)

	var firstForbidden time.Time
	for retry := 0; ; retry++ {
		tok := l.store.BeginReload(roomID)
		msgs, err := l.fetcher.FetchMessages(ctx, roomID, 1, l.opts.PageSize)
		if err == nil {
			l.store.CompleteReload(tok, msgs)
			l.persist(roomID)
			l.log.Debug().Str("room", roomID).Int("messages", len(msgs)).Int("retries", retry).Msg("history loaded")
			l.setState(roomID, LoadReady, nil)
			return nil
		}
		l.store.EndReload(tok)

		if !IsForbidden(err) || ctx.Err() != nil {
			return l.fail(roomID, fmt.Errorf("load history of %s: %w", roomID, err))
		}
		if firstForbidden.IsZero() {
			firstForbidden = time.Now()
		}
		elapsed := time.Since(firstForbidden)
		if elapsed >= l.opts.RetryBudget || retry >= l.opts.MaxRetries {
			return l.fail(roomID, fmt.Errorf("room %s not ready after %d retries in %s: %w",
				roomID, retry, elapsed.Round(time.Millisecond), err))
		}

		delay := l.retryDelay(retry)
		l.log.Info().Str("room", roomID).Int("attempt", retry+1).Dur("delay", delay).Msg("history forbidden, room still setting up")
		l.metrics.historyRetry()
		l.setState(roomID, LoadSettingUp, nil)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return l.fail(roomID, ctx.Err())
		case <-t.C:
		}
	}
}

func (l *Loader) fail(roomID string, err error) error {
	l.log.Warn().Err(err).Str("room", roomID).Msg("history load failed")
	l.setState(roomID, LoadSetupFailed, err)
	return err
}

func (l *Loader) setState(roomID string, state LoadState, err error) {
	if state == LoadReady || state == LoadSetupFailed {
		l.metrics.historyDone(state)
	}
	if l.opts.OnState != nil {
		l.opts.OnState(roomID, state, err)
	}
}

func (l *Loader) hydrate(roomID string) {
	if len(l.store.Messages(roomID)) > 0 {
		return
	}
	cached, err := l.opts.Cache.Load(roomID)
	if err != nil {
		l.log.Warn().Err(err).Str("room", roomID).Msg("history cache read failed")
		return
	}
	if len(cached) > 0 {
		l.store.SetMessages(roomID, cached)
		l.log.Debug().Str("room", roomID).Int("messages", len(cached)).Msg("hydrated from cache")
	}
}

func (l *Loader) persist(roomID string) {
	list := l.store.Messages(roomID)
	confirmed := make([]Message, 0, len(list))
	for _, m := range list {
		if m.Confirmed() {
			confirmed = append(confirmed, m)
		}
	}
	if err := l.opts.Cache.Save(roomID, confirmed); err != nil {
		l.log.Warn().Err(err).Str("room", roomID).Msg("history cache write failed")
	}
}
