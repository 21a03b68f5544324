package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/moonbotlabs/moonbot/internal/protocol"
	"github.com/moonbotlabs/moonbot/internal/retry"
)

const stubToken = "stub-token"

// stubGateway speaks just enough of the gateway protocol to exercise the
// client: connect handshake, an echo method, a method that never answers,
// and one that pushes a notification.
type stubGateway struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	accepted atomic.Int32
}

func newStubGateway(t *testing.T) (*stubGateway, string) {
	t.Helper()
	g := &stubGateway{t: t}
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	return g, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (g *stubGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	g.accepted.Add(1)
	g.mu.Lock()
	g.conns = append(g.conns, conn)
	g.mu.Unlock()
	go g.serve(conn)
}

func (g *stubGateway) serve(conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req protocol.Request
		if json.Unmarshal(frame, &req) != nil {
			continue
		}
		switch req.Method {
		case "connect":
			var params struct {
				Token string `json:"token"`
			}
			json.Unmarshal(req.Params, &params)
			if params.Token != stubToken {
				g.reply(conn, protocol.NewError(req.ID, protocol.CodeAuthFailed, "authentication failed"))
				return
			}
			resp, _ := protocol.NewResult(req.ID, ConnectInfo{
				Protocol: protocol.Version,
				AgentID:  "stub",
				UserID:   "operator",
				Methods:  []string{"echo"},
			})
			g.reply(conn, resp)
		case "echo":
			var params map[string]any
			json.Unmarshal(req.Params, &params)
			resp, _ := protocol.NewResult(req.ID, params)
			g.reply(conn, resp)
		case "void":
			// Never answered; exercises the per-call timeout.
		case "notify.me":
			note, _ := protocol.NewNotification("stub.event", map[string]any{"n": 1})
			g.replyRaw(conn, note)
			resp, _ := protocol.NewResult(req.ID, map[string]any{"sent": true})
			g.reply(conn, resp)
		default:
			g.reply(conn, protocol.NewError(req.ID, protocol.CodeMethodNotFound, "no such method"))
		}
	}
}

func (g *stubGateway) reply(conn *websocket.Conn, resp *protocol.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		g.t.Errorf("marshal stub response: %v", err)
		return
	}
	conn.WriteMessage(websocket.TextMessage, data)
}

func (g *stubGateway) replyRaw(conn *websocket.Conn, req *protocol.Request) {
	data, err := json.Marshal(req)
	if err != nil {
		g.t.Errorf("marshal stub notification: %v", err)
		return
	}
	conn.WriteMessage(websocket.TextMessage, data)
}

func (g *stubGateway) closeAll() {
	g.mu.Lock()
	conns := g.conns
	g.conns = nil
	g.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}

func dialStub(t *testing.T, url string, mutate func(*Options)) *Client {
	t.Helper()
	opts := Options{
		URL:        url,
		Token:      stubToken,
		ClientType: "test",
		Version:    "0.0.0",
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := Dial(context.Background(), opts)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDialAndCall(t *testing.T) {
	_, url := newStubGateway(t)
	c := dialStub(t, url, nil)

	if !c.Connected() {
		t.Fatal("expected connected client")
	}
	if got := c.Info().AgentID; got != "stub" {
		t.Fatalf("agent id = %q", got)
	}

	var out map[string]any
	if err := c.Call(context.Background(), "echo", map[string]any{"text": "hi"}, &out); err != nil {
		t.Fatalf("call: %v", err)
	}
	if out["text"] != "hi" {
		t.Fatalf("echo result = %v", out)
	}
}

func TestDialRejectsBadToken(t *testing.T) {
	_, url := newStubGateway(t)

	_, err := Dial(context.Background(), Options{URL: url, Token: "wrong"})
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestDialRequiresURL(t *testing.T) {
	if _, err := Dial(context.Background(), Options{}); err == nil {
		t.Fatal("expected error for missing url")
	}
}

func TestCallServerError(t *testing.T) {
	_, url := newStubGateway(t)
	c := dialStub(t, url, nil)

	err := c.Call(context.Background(), "nonexistent", nil, nil)
	var rpcErr *protocol.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	if rpcErr.Code != protocol.CodeMethodNotFound {
		t.Fatalf("code = %d", rpcErr.Code)
	}
}

func TestCallTimeout(t *testing.T) {
	_, url := newStubGateway(t)
	c := dialStub(t, url, func(o *Options) {
		o.CallTimeout = 100 * time.Millisecond
	})

	err := c.Call(context.Background(), "void", nil, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestNotificationDispatch(t *testing.T) {
	_, url := newStubGateway(t)
	c := dialStub(t, url, nil)

	got := make(chan json.RawMessage, 1)
	c.Handle("stub.event", func(params json.RawMessage) {
		got <- params
	})

	if err := c.Call(context.Background(), "notify.me", nil, nil); err != nil {
		t.Fatalf("call: %v", err)
	}

	select {
	case params := <-got:
		var payload struct {
			N int `json:"n"`
		}
		if err := json.Unmarshal(params, &payload); err != nil || payload.N != 1 {
			t.Fatalf("notification payload = %s (err %v)", params, err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("notification never dispatched")
	}
}

func TestDisconnectFailsPendingCalls(t *testing.T) {
	gw, url := newStubGateway(t)

	disconnected := make(chan struct{}, 1)
	c := dialStub(t, url, func(o *Options) {
		o.OnDisconnected = func(error) {
			select {
			case disconnected <- struct{}{}:
			default:
			}
		}
	})

	callErr := make(chan error, 1)
	go func() {
		callErr <- c.Call(context.Background(), "void", nil, nil)
	}()

	// Let the call register before the connection dies.
	time.Sleep(100 * time.Millisecond)
	gw.closeAll()

	select {
	case err := <-callErr:
		if !errors.Is(err, ErrDisconnected) {
			t.Fatalf("expected ErrDisconnected, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("pending call never failed")
	}

	select {
	case <-disconnected:
	case <-time.After(3 * time.Second):
		t.Fatal("OnDisconnected never fired")
	}
	if c.Connected() {
		t.Fatal("client still reports connected")
	}
}

func TestCallAfterDisconnectWithoutReconnect(t *testing.T) {
	gw, url := newStubGateway(t)
	c := dialStub(t, url, nil)

	gw.closeAll()
	waitUntil(t, func() bool { return !c.Connected() })

	if err := c.Call(context.Background(), "echo", nil, nil); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("expected ErrDisconnected, got %v", err)
	}
}

func TestReconnect(t *testing.T) {
	gw, url := newStubGateway(t)

	reconnecting := make(chan int, 4)
	connected := make(chan struct{}, 4)
	c := dialStub(t, url, func(o *Options) {
		o.Reconnect = true
		o.Backoff = retry.Policy{InitialDelay: 20 * time.Millisecond, MaxDelay: 100 * time.Millisecond, Factor: 2.0}
		o.OnReconnecting = func(attempt int, delay time.Duration) {
			select {
			case reconnecting <- attempt:
			default:
			}
		}
		o.OnConnected = func(ConnectInfo) {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	})

	// Initial connect fires OnConnected once.
	select {
	case <-connected:
	case <-time.After(3 * time.Second):
		t.Fatal("initial OnConnected never fired")
	}

	gw.closeAll()

	select {
	case attempt := <-reconnecting:
		if attempt != 1 {
			t.Fatalf("first reconnect attempt = %d", attempt)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("OnReconnecting never fired")
	}

	select {
	case <-connected:
	case <-time.After(3 * time.Second):
		t.Fatal("reconnect never completed")
	}

	var out map[string]any
	if err := c.Call(context.Background(), "echo", map[string]any{"text": "back"}, &out); err != nil {
		t.Fatalf("call after reconnect: %v", err)
	}
	if out["text"] != "back" {
		t.Fatalf("echo result = %v", out)
	}
	if gw.accepted.Load() < 2 {
		t.Fatalf("server accepted %d connections, want at least 2", gw.accepted.Load())
	}
}

func TestCloseFailsFutureCalls(t *testing.T) {
	_, url := newStubGateway(t)
	c := dialStub(t, url, nil)

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Call(context.Background(), "echo", nil, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	// Idempotent.
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
