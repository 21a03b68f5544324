package gateway

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/moonbotlabs/moonbot/internal/audit"
	"github.com/moonbotlabs/moonbot/internal/auth"
	"github.com/moonbotlabs/moonbot/internal/protocol"
)

// Connection pacing. The server pings every pingInterval and drops peers
// that miss pongWait; writes that cannot complete within writeWait kill the
// connection.
const (
	pingInterval = 15 * time.Second
	pongWait     = 45 * time.Second
	writeWait    = 10 * time.Second
	sendBuffer   = 64
)

// wsConn is one WebSocket client. The first request on the wire must be
// connect; until it succeeds every other method is refused and the
// connection dropped.
type wsConn struct {
	id     string
	remote string
	gw     *Gateway
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	// connected flips once the handshake succeeds. identity, clientType,
	// and version are written before the flip and never after.
	connected  atomic.Bool
	identity   *auth.Identity
	clientType string
	version    string
}

func newConn(gw *Gateway, conn *websocket.Conn) *wsConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &wsConn{
		id:     uuid.NewString(),
		remote: conn.RemoteAddr().String(),
		gw:     gw,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
}

// run services the connection until the peer goes away or the gateway
// drops it. The caller's goroutine becomes the read loop.
func (c *wsConn) run() {
	defer func() {
		c.cancel()
		c.conn.Close()
		c.gw.dropConn(c)
	}()
	go c.writeLoop()
	c.readLoop()
}

func (c *wsConn) readLoop() {
	c.conn.SetReadLimit(c.gw.maxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.gw.logger.Debug("connection closed", "conn", c.id, "error", err)
			}
			return
		}

		req, perr := protocol.ParseRequest(frame)
		if perr != nil {
			c.reply(&protocol.Response{
				JSONRPC: protocol.Version,
				ID:      json.RawMessage("null"),
				Error:   perr,
			})
			continue
		}

		if !c.connected.Load() {
			// Handshake-first: anything before a successful connect
			// costs the peer its connection.
			if req.Method != methodConnect {
				c.reply(protocol.NewError(req.ID, protocol.CodeAuthFailed,
					"connect handshake required"))
				return
			}
			if !c.handleConnect(req) {
				return
			}
			continue
		}

		go c.dispatch(req)
	}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case <-c.ctx.Done():
			// Flush whatever was queued before the drop so refusals
			// reach the peer.
			for {
				select {
				case msg := <-c.send:
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if c.conn.WriteMessage(websocket.TextMessage, msg) != nil {
						return
					}
				default:
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					c.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}

// handleConnect authenticates the peer. It runs on the read loop so no
// other request is processed until the handshake settles. Returns false
// when the connection must be dropped.
func (c *wsConn) handleConnect(req *protocol.Request) bool {
	g := c.gw

	var params struct {
		ClientType string `json:"clientType"`
		Version    string `json:"version"`
		Token      string `json:"token"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			c.reply(protocol.NewError(req.ID, protocol.CodeInvalidParams, "malformed connect params"))
			return false
		}
	}

	identity := &auth.Identity{UserID: "local"}
	if g.verifier.Enabled() {
		id, err := g.verifier.Verify(params.Token)
		if err != nil {
			g.logger.Warn("connect rejected", "remote", c.remote, "client", params.ClientType, "error", err)
			g.record(c.ctx, audit.Event{
				Type:   audit.TypeAuthDenied,
				Detail: map[string]any{"remote": c.remote, "client": params.ClientType, "reason": err.Error()},
			})
			c.reply(protocol.NewError(req.ID, protocol.CodeAuthFailed, "authentication failed"))
			return false
		}
		identity = id
	}

	c.identity = identity
	c.clientType = params.ClientType
	c.version = params.Version
	c.connected.Store(true)

	g.logger.Info("client connected",
		"conn", c.id, "client", params.ClientType, "user", identity.UserID, "remote", c.remote)

	c.reply(g.result(req.ID, connectResult{
		Protocol:      protocol.Version,
		AgentID:       g.agentID,
		UserID:        identity.UserID,
		ServerVersion: g.serverVersion,
		Methods:       methodNames(),
	}))
	return true
}

type connectResult struct {
	Protocol      string   `json:"protocol"`
	AgentID       string   `json:"agentId"`
	UserID        string   `json:"userId"`
	ServerVersion string   `json:"serverVersion,omitempty"`
	Methods       []string `json:"methods"`
}

// enqueue queues a frame for delivery. A peer that cannot drain its buffer
// loses the connection rather than backing the sender up.
func (c *wsConn) enqueue(data []byte) {
	if c.ctx.Err() != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		c.gw.logger.Warn("send buffer full, dropping connection", "conn", c.id, "remote", c.remote)
		c.cancel()
	}
}

func (c *wsConn) reply(resp *protocol.Response) {
	if resp == nil {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		c.gw.logger.Error("marshal response", "conn", c.id, "error", err)
		return
	}
	c.enqueue(data)
}

func (c *wsConn) userID() string {
	if c.identity != nil {
		return c.identity.UserID
	}
	return "local"
}
