// Package client is a reconnecting JSON-RPC 2.0 client for the moonbot
// gateway. Surface adapters dial the loopback WebSocket, authenticate with
// a connect handshake, call methods, and receive server-pushed
// notifications. When the connection drops, every pending call fails with
// ErrDisconnected and, if enabled, the client redials with exponential
// backoff.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/moonbotlabs/moonbot/internal/protocol"
	"github.com/moonbotlabs/moonbot/internal/retry"
)

var (
	// ErrDisconnected is returned for calls made or in flight while the
	// connection is down.
	ErrDisconnected = errors.New("gateway disconnected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("client closed")
	// ErrAuthFailed wraps handshake rejections. Reconnects stop on it;
	// retrying bad credentials never helps.
	ErrAuthFailed = errors.New("authentication failed")
)

const (
	pongWait           = 45 * time.Second
	writeWait          = 10 * time.Second
	handshakeTimeout   = 10 * time.Second
	defaultCallTimeout = 30 * time.Second
)

// NotificationHandler receives one server-pushed notification. Handlers run
// on the read goroutine; a slow handler delays frame processing.
type NotificationHandler func(params json.RawMessage)

// ConnectInfo is the gateway's connect result.
type ConnectInfo struct {
	Protocol      string   `json:"protocol"`
	AgentID       string   `json:"agentId"`
	UserID        string   `json:"userId"`
	ServerVersion string   `json:"serverVersion"`
	Methods       []string `json:"methods"`
}

// Options configures a client.
type Options struct {
	// URL is the gateway WebSocket endpoint, e.g. ws://127.0.0.1:8765/ws.
	URL string
	// Token authenticates the connect handshake.
	Token string
	// ClientType and Version identify this surface to the gateway.
	ClientType string
	Version    string

	// CallTimeout bounds each Call whose context has no deadline.
	// Zero means 30s.
	CallTimeout time.Duration

	// Reconnect redials after a dropped connection. The initial Dial is
	// always a single attempt so callers learn about bad endpoints and
	// bad tokens immediately.
	Reconnect bool
	// Backoff paces reconnect attempts. The zero value means
	// 250ms doubling to a 15s cap with jitter.
	Backoff retry.Policy

	Logger *slog.Logger

	// Lifecycle callbacks, invoked from client goroutines.
	OnConnected    func(info ConnectInfo)
	OnDisconnected func(err error)
	OnReconnecting func(attempt int, delay time.Duration)
}

// Client is a JSON-RPC 2.0 client over one WebSocket connection.
type Client struct {
	opts        Options
	logger      *slog.Logger
	callTimeout time.Duration
	backoff     retry.Policy

	ctx     context.Context
	cancel  context.CancelFunc
	runDone chan struct{}

	nextID atomic.Int64

	mu       sync.Mutex
	conn     *websocket.Conn
	pending  map[string]chan *protocol.Response
	handlers map[string][]NotificationHandler
	info     ConnectInfo
	closed   bool

	writeMu sync.Mutex
}

// Dial connects and authenticates. On success a background loop services
// the connection until Close.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("client: url is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	callTimeout := opts.CallTimeout
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	backoff := opts.Backoff
	if backoff.InitialDelay <= 0 {
		backoff = retry.Policy{
			InitialDelay: 250 * time.Millisecond,
			MaxDelay:     15 * time.Second,
			Factor:       2.0,
			Jitter:       true,
		}
	}

	c := &Client{
		opts:        opts,
		logger:      logger,
		callTimeout: callTimeout,
		backoff:     backoff,
		runDone:     make(chan struct{}),
		pending:     make(map[string]chan *protocol.Response),
		handlers:    make(map[string][]NotificationHandler),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	conn, info, err := c.dialAndHandshake(ctx)
	if err != nil {
		c.cancel()
		close(c.runDone)
		return nil, err
	}
	c.setConn(conn, info)
	go c.run(conn)
	return c, nil
}

// Handle registers a handler for a notification method. Registration is
// allowed at any time; handlers are never removed.
func (c *Client) Handle(method string, fn NotificationHandler) {
	c.mu.Lock()
	c.handlers[method] = append(c.handlers[method], fn)
	c.mu.Unlock()
}

// Connected reports whether a live connection exists right now.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Info returns the most recent connect result.
func (c *Client) Info() ConnectInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// Call invokes method and decodes the result into out when out is non-nil.
// A context without a deadline gets the configured call timeout. Server
// errors come back as *protocol.Error.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	req, err := protocol.NewRequest(c.nextID.Add(1), method, params)
	if err != nil {
		return err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	key := string(req.ID)
	ch := make(chan *protocol.Response, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.conn == nil {
		c.mu.Unlock()
		return ErrDisconnected
	}
	c.pending[key] = ch
	c.mu.Unlock()

	if err := c.write(data); err != nil {
		c.dropPending(key)
		return err
	}

	select {
	case resp := <-ch:
		if resp == nil {
			return ErrDisconnected
		}
		if resp.Error != nil {
			return resp.Error
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.dropPending(key)
		return ctx.Err()
	}
}

// Notify sends a request without an id. The gateway processes it but never
// responds.
func (c *Client) Notify(method string, params any) error {
	req, err := protocol.NewNotification(method, params)
	if err != nil {
		return err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return c.write(data)
}

// Close drops the connection and fails every pending call. Safe to call
// more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		conn.Close()
	}
	<-c.runDone
	return nil
}

// run services connections until the client is closed or reconnecting is
// exhausted or disabled.
func (c *Client) run(conn *websocket.Conn) {
	defer close(c.runDone)

	for {
		err := c.readPump(conn)
		c.disconnect(err)
		if c.ctx.Err() != nil || !c.opts.Reconnect {
			return
		}

		next, ok := c.reconnect()
		if !ok {
			return
		}
		conn = next
	}
}

func (c *Client) reconnect() (*websocket.Conn, bool) {
	for attempt := 1; ; attempt++ {
		delay := c.backoff.Delay(attempt)
		if c.opts.OnReconnecting != nil {
			c.opts.OnReconnecting(attempt, delay)
		}
		if err := retry.Sleep(c.ctx, delay); err != nil {
			return nil, false
		}

		conn, info, err := c.dialAndHandshake(c.ctx)
		if err != nil {
			if errors.Is(err, ErrAuthFailed) {
				c.logger.Error("reconnect abandoned, credentials rejected", "error", err)
				return nil, false
			}
			if c.ctx.Err() != nil {
				return nil, false
			}
			c.logger.Debug("reconnect failed", "attempt", attempt, "error", err)
			continue
		}
		c.setConn(conn, info)
		c.logger.Info("reconnected", "attempt", attempt)
		return conn, true
	}
}

func (c *Client) dialAndHandshake(ctx context.Context) (*websocket.Conn, ConnectInfo, error) {
	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.opts.URL, nil)
	if err != nil {
		return nil, ConnectInfo{}, fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}

	req, err := protocol.NewRequest(c.nextID.Add(1), "connect", map[string]string{
		"clientType": c.opts.ClientType,
		"version":    c.opts.Version,
		"token":      c.opts.Token,
	})
	if err != nil {
		conn.Close()
		return nil, ConnectInfo{}, err
	}
	frame, err := json.Marshal(req)
	if err != nil {
		conn.Close()
		return nil, ConnectInfo{}, fmt.Errorf("marshal handshake: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		conn.Close()
		return nil, ConnectInfo{}, fmt.Errorf("send handshake: %w", err)
	}

	// Frames other than the handshake response are routed normally; a
	// broadcast can land between the server accepting us and replying.
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return nil, ConnectInfo{}, fmt.Errorf("read handshake response: %w", err)
		}
		var resp protocol.Response
		if json.Unmarshal(data, &resp) != nil || (resp.Result == nil && resp.Error == nil) {
			c.route(data)
			continue
		}
		if string(resp.ID) != string(req.ID) {
			c.route(data)
			continue
		}
		if resp.Error != nil {
			conn.Close()
			if resp.Error.Code == protocol.CodeAuthFailed {
				return nil, ConnectInfo{}, fmt.Errorf("%w: %s", ErrAuthFailed, resp.Error.Message)
			}
			return nil, ConnectInfo{}, resp.Error
		}
		var info ConnectInfo
		if err := json.Unmarshal(resp.Result, &info); err != nil {
			conn.Close()
			return nil, ConnectInfo{}, fmt.Errorf("decode connect result: %w", err)
		}
		return conn, info, nil
	}
}

func (c *Client) setConn(conn *websocket.Conn, info ConnectInfo) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData),
			time.Now().Add(writeWait))
	})

	c.mu.Lock()
	c.conn = conn
	c.info = info
	c.mu.Unlock()

	if c.opts.OnConnected != nil {
		c.opts.OnConnected(info)
	}
}

func (c *Client) readPump(conn *websocket.Conn) error {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.route(frame)
	}
}

// route hands one inbound frame to its pending call or notification
// handlers.
func (c *Client) route(frame []byte) {
	var probe struct {
		Method string `json:"method"`
	}
	if json.Unmarshal(frame, &probe) == nil && probe.Method != "" {
		var note protocol.Request
		if err := json.Unmarshal(frame, &note); err != nil {
			return
		}
		c.mu.Lock()
		handlers := append([]NotificationHandler(nil), c.handlers[note.Method]...)
		c.mu.Unlock()
		for _, fn := range handlers {
			fn(note.Params)
		}
		return
	}

	var resp protocol.Response
	if err := json.Unmarshal(frame, &resp); err != nil {
		c.logger.Debug("dropping unparseable frame", "error", err)
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[string(resp.ID)]
	if ok {
		delete(c.pending, string(resp.ID))
	}
	c.mu.Unlock()
	if ok {
		ch <- &resp
	}
}

// disconnect tears down the current connection and fails every pending call
// with ErrDisconnected.
func (c *Client) disconnect(err error) {
	c.mu.Lock()
	wasConnected := c.conn != nil
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	orphaned := c.pending
	c.pending = make(map[string]chan *protocol.Response)
	c.mu.Unlock()

	for _, ch := range orphaned {
		close(ch)
	}
	if wasConnected {
		c.logger.Debug("connection lost", "error", err)
		if c.opts.OnDisconnected != nil {
			c.opts.OnDisconnected(err)
		}
	}
}

func (c *Client) dropPending(key string) {
	c.mu.Lock()
	delete(c.pending, key)
	c.mu.Unlock()
}

func (c *Client) write(data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrDisconnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}
