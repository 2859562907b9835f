package roomsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Fake chat server
// ============================================================================

type fakeServer struct {
	srv *httptest.Server

	// closeFirst, when non-zero, closes the first connection with that code
	// right after the handshake.
	closeFirst websocket.StatusCode
	// silent servers never answer.
	silent bool

	mu       sync.Mutex
	conns    int
	tokens   []string
	received []Command
}

func newFakeServer(t *testing.T, setup func(*fakeServer)) *fakeServer {
	t.Helper()
	fs := &fakeServer{}
	if setup != nil {
		setup(fs)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", fs.serveWS)
	mux.HandleFunc("/api/rooms/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"messages":[]}`))
	})
	fs.srv = httptest.NewServer(mux)
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) endpoint() string { return fs.srv.URL + "/ws" }
func (fs *fakeServer) apiBase() string  { return fs.srv.URL + "/api" }

func (fs *fakeServer) connections() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.conns
}

func (fs *fakeServer) commands(typ string) []Command {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var out []Command
	for _, c := range fs.received {
		if c.Type == typ {
			out = append(out, c)
		}
	}
	return out
}

func (fs *fakeServer) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	fs.mu.Lock()
	fs.conns++
	n := fs.conns
	fs.tokens = append(fs.tokens, r.URL.Query().Get("token"))
	fs.mu.Unlock()

	if n == 1 && fs.closeFirst != 0 {
		conn.Close(fs.closeFirst, "bye")
		return
	}

	ctx := context.Background()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			continue
		}
		fs.mu.Lock()
		fs.received = append(fs.received, cmd)
		fs.mu.Unlock()
		if fs.silent {
			continue
		}

		var reply string
		switch cmd.Type {
		case CommandJoin:
			reply = fmt.Sprintf(`{"type":"room.joined","payload":{"roomId":%q,"members":["user-me","user-a"]}}`, cmd.RoomID)
		case CommandPing:
			reply = `{"type":"pong"}`
		case CommandSendMessage:
			reply = fmt.Sprintf(`{"type":"message","data":{"id":"m-1","tempId":%q,"roomId":%q,"senderId":"user-me","content":%q,"createdAt":%q}}`,
				cmd.TempID, cmd.RoomID, cmd.Content, time.Now().UTC().Format(time.RFC3339Nano))
		default:
			continue
		}
		if err := conn.Write(ctx, websocket.MessageText, []byte(reply)); err != nil {
			return
		}
	}
}

func fastChannelConfig(endpoint string) *ChannelConfig {
	return &ChannelConfig{
		Endpoint:           endpoint,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
		DialTimeout:        time.Second,
	}
}

// ============================================================================
// Client
// ============================================================================

func TestClientEndToEnd(t *testing.T) {
	fs := newFakeServer(t, nil)
	client := NewClient("tok",
		WithEndpoint(fs.endpoint()),
		WithAPIBaseURL(fs.apiBase()),
		WithCurrentUser("user-me", "Me"),
	)
	t.Cleanup(func() { client.Close() })

	ready := make(chan struct{}, 1)
	client.On(ClientEventHistory, func(_ string, payload any) {
		if payload.(HistoryEvent).State == LoadReady {
			select {
			case ready <- struct{}{}:
			default:
			}
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.OpenRoom(ctx, testRoom); err != nil {
		t.Fatalf("open room: %v", err)
	}
	select {
	case <-ready:
	case <-ctx.Done():
		t.Fatal("history never became ready")
	}
	if !client.Status().Connected {
		t.Fatal("expected connected status")
	}

	tempID, err := client.SendMessage(ctx, testRoom, "hello", "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		msgs := client.Store().Messages(testRoom)
		return len(msgs) == 1 && msgs[0].ID == "m-1"
	})

	msgs := client.Store().Messages(testRoom)
	if msgs[0].Content != "hello" || msgs[0].SenderName != "Me" {
		t.Errorf("unexpected promoted message: %+v", msgs[0])
	}
	if _, ok := client.Store().Message(testRoom, tempID); ok {
		t.Error("optimistic entry left behind")
	}
	if !client.Store().IsMember(testRoom, "user-a") {
		t.Error("members from room.joined not applied")
	}

	joins := fs.commands(CommandJoin)
	if len(joins) != 1 || joins[0].RoomID != testRoom {
		t.Errorf("expected one join for the room, got %+v", joins)
	}
	fs.mu.Lock()
	if fs.tokens[0] != "tok" {
		t.Errorf("expected token in query, got %q", fs.tokens[0])
	}
	fs.mu.Unlock()
}

func TestClientWithoutToken(t *testing.T) {
	client := NewClient("")
	defer client.Close()

	err := client.OpenRoom(context.Background(), testRoom)
	if !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}
	if _, err := client.SendMessage(context.Background(), testRoom, "x", ""); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestClientHTTPOptions(t *testing.T) {
	t.Run("default client", func(t *testing.T) {
		client := NewClient("tok")
		defer client.Close()
		if client.httpClient == nil || client.httpClient.Timeout != DefaultTimeout {
			t.Fatalf("expected default timeout, got %+v", client.httpClient)
		}
	})

	t.Run("timeout leaves a shared client untouched", func(t *testing.T) {
		shared := &http.Client{}
		client := NewClient("tok", WithHTTPClient(shared), WithTimeout(time.Second))
		defer client.Close()
		if shared.Timeout != 0 {
			t.Fatalf("shared client mutated: %s", shared.Timeout)
		}
		if client.httpClient == shared || client.httpClient.Timeout != time.Second {
			t.Fatalf("expected a copy with 1s timeout, got %+v", client.httpClient)
		}
	})

	t.Run("timeout before http client", func(t *testing.T) {
		shared := &http.Client{}
		client := NewClient("tok", WithTimeout(2*time.Second), WithHTTPClient(shared))
		defer client.Close()
		if shared.Timeout != 0 || client.httpClient.Timeout != 2*time.Second {
			t.Fatalf("unexpected timeouts: shared=%s client=%s", shared.Timeout, client.httpClient.Timeout)
		}
	})

	t.Run("nil http client", func(t *testing.T) {
		client := NewClient("tok", WithHTTPClient(nil), WithTimeout(time.Second))
		defer client.Close()
		if client.httpClient.Timeout != time.Second {
			t.Fatalf("expected 1s timeout, got %s", client.httpClient.Timeout)
		}
	})
}

// ============================================================================
// Channel lifecycle
// ============================================================================

func TestChannelLifecycle(t *testing.T) {
	t.Run("intentional close does not reconnect", func(t *testing.T) {
		fs := newFakeServer(t, nil)
		m := NewManager(fastChannelConfig(fs.endpoint()), nil)
		var reconnects atomic.Int32
		m.OnReconnecting(func(Target, int, time.Duration) { reconnects.Add(1) })

		target := Target{RoomID: testRoom}
		if _, err := m.Connect(context.Background(), target, "tok"); err != nil {
			t.Fatal(err)
		}
		m.Close(target, CloseUnmount, "done")
		time.Sleep(100 * time.Millisecond)

		if n := fs.connections(); n != 1 {
			t.Fatalf("expected 1 connection, got %d", n)
		}
		if reconnects.Load() != 0 {
			t.Fatal("reconnect scheduled after intentional close")
		}
		if err := m.Send(context.Background(), target, pingCommand()); !errors.Is(err, ErrNotConnected) {
			t.Fatalf("expected ErrNotConnected, got %v", err)
		}
	})

	t.Run("abnormal server close reconnects", func(t *testing.T) {
		fs := newFakeServer(t, func(fs *fakeServer) { fs.closeFirst = websocket.StatusGoingAway })
		m := NewManager(fastChannelConfig(fs.endpoint()), nil)
		t.Cleanup(func() { m.CloseAll(CloseUnmount, "") })

		var opens atomic.Int32
		m.OnOpen(func(Target) { opens.Add(1) })
		if _, err := m.Connect(context.Background(), Target{RoomID: testRoom}, "tok"); err != nil {
			t.Fatal(err)
		}
		waitFor(t, 5*time.Second, func() bool { return fs.connections() >= 2 && opens.Load() >= 2 })
		waitFor(t, 5*time.Second, func() bool { return len(fs.commands(CommandJoin)) >= 1 })
	})

	t.Run("normal server close does not reconnect", func(t *testing.T) {
		fs := newFakeServer(t, func(fs *fakeServer) { fs.closeFirst = websocket.StatusNormalClosure })
		m := NewManager(fastChannelConfig(fs.endpoint()), nil)
		t.Cleanup(func() { m.CloseAll(CloseUnmount, "") })

		ch, err := m.Connect(context.Background(), AccountTarget, "tok")
		if err != nil {
			t.Fatal(err)
		}
		waitFor(t, 5*time.Second, func() bool { return ch.State() == StateClosed })
		time.Sleep(100 * time.Millisecond)
		if n := fs.connections(); n != 1 {
			t.Fatalf("expected no reconnect, got %d connections", n)
		}
	})

	t.Run("failed dial is returned and retried", func(t *testing.T) {
		fs := newFakeServer(t, nil)
		endpoint := fs.endpoint()
		fs.srv.Close()

		m := NewManager(fastChannelConfig(endpoint), nil)
		var reconnects atomic.Int32
		m.OnReconnecting(func(Target, int, time.Duration) { reconnects.Add(1) })

		_, err := m.Connect(context.Background(), AccountTarget, "tok")
		if err == nil {
			t.Fatal("expected dial error")
		}
		waitFor(t, 5*time.Second, func() bool { return reconnects.Load() >= 2 })
		m.CloseAll(CloseUnmount, "")
	})

	t.Run("heartbeat pings", func(t *testing.T) {
		fs := newFakeServer(t, nil)
		cfg := fastChannelConfig(fs.endpoint())
		cfg.HeartbeatInterval = 10 * time.Millisecond
		m := NewManager(cfg, nil)
		t.Cleanup(func() { m.CloseAll(CloseUnmount, "") })

		if _, err := m.Connect(context.Background(), AccountTarget, "tok"); err != nil {
			t.Fatal(err)
		}
		waitFor(t, 5*time.Second, func() bool { return len(fs.commands(CommandPing)) >= 2 })
	})

	t.Run("silent server trips the pong watchdog", func(t *testing.T) {
		fs := newFakeServer(t, func(fs *fakeServer) { fs.silent = true })
		cfg := fastChannelConfig(fs.endpoint())
		cfg.HeartbeatInterval = 10 * time.Millisecond
		cfg.PongTimeout = 40 * time.Millisecond
		m := NewManager(cfg, nil)
		t.Cleanup(func() { m.CloseAll(CloseUnmount, "") })

		if _, err := m.Connect(context.Background(), AccountTarget, "tok"); err != nil {
			t.Fatal(err)
		}
		waitFor(t, 5*time.Second, func() bool { return fs.connections() >= 2 })
	})

	t.Run("removing the token closes every channel", func(t *testing.T) {
		fs := newFakeServer(t, nil)
		m := NewManager(fastChannelConfig(fs.endpoint()), nil)

		var (
			mu    sync.Mutex
			codes []int
		)
		m.OnClose(func(_ Target, code int, _ string) {
			mu.Lock()
			codes = append(codes, code)
			mu.Unlock()
		})
		for _, target := range []Target{AccountTarget, {RoomID: testRoom}} {
			if _, err := m.Connect(context.Background(), target, "tok"); err != nil {
				t.Fatal(err)
			}
		}
		if !m.Connected() {
			t.Fatal("expected connected")
		}
		m.SetToken("")
		if m.Connected() {
			t.Fatal("expected all channels closed")
		}
		waitFor(t, time.Second, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(codes) == 2 && codes[0] == CloseTokenRemoved && codes[1] == CloseTokenRemoved
		})
	})

	t.Run("wait open on a closed channel", func(t *testing.T) {
		fs := newFakeServer(t, nil)
		m := NewManager(fastChannelConfig(fs.endpoint()), nil)
		ch, err := m.Connect(context.Background(), AccountTarget, "tok")
		if err != nil {
			t.Fatal(err)
		}
		if err := ch.WaitOpen(context.Background()); err != nil {
			t.Fatal(err)
		}
		ch.Close(CloseUnmount, "")
		if err := ch.WaitOpen(context.Background()); !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	})
}

func TestRedactToken(t *testing.T) {
	tests := map[string]string{
		"ws://h/ws?token=abc":     "ws://h/ws?token=***",
		"ws://h/ws?token=abc&x=1": "ws://h/ws?token=***&x=1",
		"ws://h/ws":               "ws://h/ws",
	}
	for in, want := range tests {
		if got := redactToken(in); got != want {
			t.Errorf("redactToken(%q) = %q, want %q", in, got, want)
		}
	}
	if !strings.Contains(redactToken("wss://h/?a=1&token=x"), "token=***") {
		t.Error("token not redacted")
	}
}
