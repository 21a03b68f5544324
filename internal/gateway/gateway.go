// Package gateway terminates WebSocket connections from local surfaces and
// speaks JSON-RPC 2.0 over them. Each connection authenticates with a
// connect handshake before any other method is accepted. The gateway fans
// approval prompts and chat responses out to every connected client, feeds
// chat into the task orchestrator, and exposes the tool runtime for direct
// invocation.
//
// It also owns the bus bridge between the runtime and the approval flow: a
// suspended invocation becomes an approval request, and a resolved request
// resumes or denies the invocation. Neither side imports the other.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/moonbotlabs/moonbot/internal/approvals"
	"github.com/moonbotlabs/moonbot/internal/audit"
	"github.com/moonbotlabs/moonbot/internal/auth"
	"github.com/moonbotlabs/moonbot/internal/events"
	"github.com/moonbotlabs/moonbot/internal/observability"
	"github.com/moonbotlabs/moonbot/internal/protocol"
	"github.com/moonbotlabs/moonbot/internal/ratelimit"
	"github.com/moonbotlabs/moonbot/internal/sessions"
	"github.com/moonbotlabs/moonbot/internal/tasks"
	"github.com/moonbotlabs/moonbot/internal/tools"
	"github.com/moonbotlabs/moonbot/internal/tools/runtime"
	"github.com/moonbotlabs/moonbot/pkg/models"
)

// Notification methods pushed to connected clients.
const (
	notifyChatResponse    = "chat.response"
	notifyApprovalRequest = "approval.request"
	notifyApprovalUpdate  = "approval.update"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultMaxFrameBytes  = 1 << 20
)

// Options wires the gateway to its collaborators. Registry, Runtime,
// Orchestrator, Sessions, and Approvals back the RPC surface; nil ones make
// the corresponding methods report an internal error instead of panicking.
type Options struct {
	Registry     *tools.Registry
	Runtime      *runtime.Runtime
	Approvals    *approvals.Flow
	Orchestrator *tasks.Orchestrator
	Sessions     *sessions.Store
	Verifier     *auth.Verifier
	Limiter      *ratelimit.Limiter
	Bus          *events.Bus
	Audit        audit.Recorder
	Logger       *slog.Logger
	Metrics      *observability.Metrics
	Tracer       *observability.Tracer

	// RequestTimeout bounds each RPC handler. Zero means 30s.
	RequestTimeout time.Duration
	// MaxFrameBytes caps inbound frames. Zero means 1 MiB.
	MaxFrameBytes int64
	// AgentID stamps invocations and tasks created over this gateway.
	AgentID string
	// ServerVersion is reported in connect and status results.
	ServerVersion string
}

// Gateway is the WebSocket control plane. It implements http.Handler for
// the upgrade endpoint, approvals.Handler to surface approval traffic, and
// tasks.Observer to surface task completions.
type Gateway struct {
	registry     *tools.Registry
	runtime      *runtime.Runtime
	approvals    *approvals.Flow
	orchestrator *tasks.Orchestrator
	sessions     *sessions.Store
	verifier     *auth.Verifier
	limiter      *ratelimit.Limiter
	bus          *events.Bus
	audit        audit.Recorder
	logger       *slog.Logger
	metrics      *observability.Metrics
	tracer       *observability.Tracer

	requestTimeout time.Duration
	maxFrameBytes  int64
	agentID        string
	serverVersion  string

	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   map[string]*wsConn
	started time.Time

	cancelSub  func()
	bridgeDone chan struct{}

	now func() time.Time
}

// New builds a gateway. Call Start to register it with the approval flow
// and orchestrator and to begin bridging bus events.
func New(opts Options) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	maxFrame := opts.MaxFrameBytes
	if maxFrame <= 0 {
		maxFrame = defaultMaxFrameBytes
	}
	agentID := opts.AgentID
	if agentID == "" {
		agentID = "moonbot"
	}
	return &Gateway{
		registry:       opts.Registry,
		runtime:        opts.Runtime,
		approvals:      opts.Approvals,
		orchestrator:   opts.Orchestrator,
		sessions:       opts.Sessions,
		verifier:       opts.Verifier,
		limiter:        opts.Limiter,
		bus:            opts.Bus,
		audit:          opts.Audit,
		logger:         logger,
		metrics:        opts.Metrics,
		tracer:         opts.Tracer,
		requestTimeout: timeout,
		maxFrameBytes:  maxFrame,
		agentID:        agentID,
		serverVersion:  opts.ServerVersion,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			// The bind address is loopback-only and every connection
			// must present a token, so browser origins are not the
			// trust boundary here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns:      make(map[string]*wsConn),
		started:    time.Now(),
		bridgeDone: make(chan struct{}),
		now:        time.Now,
	}
}

// Start registers the gateway as an approval surface and task observer and
// begins bridging bus events between the runtime and the approval flow.
func (g *Gateway) Start() {
	if g.approvals != nil {
		g.approvals.RegisterHandler("gateway", g)
	}
	if g.orchestrator != nil {
		g.orchestrator.RegisterObserver(g)
	}
	if g.bus != nil {
		ch, cancel := g.bus.Subscribe(events.TopicApprovalRequested, events.TopicApprovalResolved)
		g.cancelSub = cancel
		go g.bridge(ch)
	} else {
		close(g.bridgeDone)
	}
}

// Close drops every connection and stops the bus bridge. The HTTP listener
// is owned by Server and must be shut down first.
func (g *Gateway) Close() {
	if g.cancelSub != nil {
		g.cancelSub()
	}
	<-g.bridgeDone
	if g.approvals != nil {
		g.approvals.UnregisterHandler("gateway")
	}

	g.mu.Lock()
	conns := make([]*wsConn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()
	for _, c := range conns {
		c.cancel()
	}
}

// ServeHTTP upgrades one WebSocket connection. Peers that exceed the
// connect rate are refused before the upgrade.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.limiter != nil {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !g.limiter.Allow(ratelimit.CompositeKey("connect", host)) {
			g.logger.Warn("connection rate limited", "remote", r.RemoteAddr)
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := newConn(g, conn)
	g.addConn(c)
	go c.run()
}

// bridge couples the bus to the approval flow and the runtime. Events are
// handled on their own goroutines so a tool resuming inside ApproveRequest
// never stalls the pump.
func (g *Gateway) bridge(ch <-chan events.Event) {
	defer close(g.bridgeDone)
	for evt := range ch {
		switch p := evt.Payload.(type) {
		case events.ApprovalRequested:
			if g.approvals == nil {
				continue
			}
			go func() {
				if _, err := g.approvals.RequestApproval(context.Background(), p); err != nil {
					g.logger.Error("open approval request",
						"invocation", p.InvocationID, "tool", p.ToolID, "error", err)
				}
			}()
		case events.ApprovalResolved:
			if g.runtime == nil {
				continue
			}
			approved := p.Status == approvals.StatusApproved
			go func() {
				outcome := g.runtime.ApproveRequest(context.Background(), p.InvocationID, approved)
				if res := outcome.Result; res != nil && !res.OK && res.Error != nil &&
					res.Error.Code == models.ErrInvalidState {
					g.logger.Debug("approval resolution raced the invocation",
						"invocation", p.InvocationID, "status", p.Status)
				}
			}()
		}
	}
}

// TaskFinished broadcasts a chat.response notification for a terminal task.
func (g *Gateway) TaskFinished(task *models.Task) {
	text := task.Result
	if text == "" && task.Error != nil {
		text = task.Error.Message
	}
	g.notifyAll(notifyChatResponse, chatResponse{
		TaskID:    task.ID,
		ChannelID: task.Key.Channel,
		UserID:    task.Key.User,
		Text:      text,
		State:     string(task.State),
	})
}

// SendRequest broadcasts a new approval request to every connected client.
func (g *Gateway) SendRequest(ctx context.Context, req approvals.Request) error {
	g.notifyAll(notifyApprovalRequest, approvalNotice{Request: req})
	return nil
}

// SendUpdate broadcasts an approval resolution to every connected client.
func (g *Gateway) SendUpdate(ctx context.Context, req approvals.Request) error {
	g.notifyAll(notifyApprovalUpdate, approvalNotice{Request: req})
	return nil
}

type chatResponse struct {
	TaskID    string `json:"taskId"`
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
	Text      string `json:"text"`
	State     string `json:"state"`
}

type approvalNotice struct {
	Request approvals.Request `json:"request"`
}

func (g *Gateway) notifyAll(method string, payload any) {
	note, err := protocol.NewNotification(method, payload)
	if err != nil {
		g.logger.Error("build notification", "method", method, "error", err)
		return
	}
	data, err := json.Marshal(note)
	if err != nil {
		g.logger.Error("marshal notification", "method", method, "error", err)
		return
	}

	g.mu.Lock()
	conns := make([]*wsConn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		if c.connected.Load() {
			c.enqueue(data)
		}
	}
}

func (g *Gateway) addConn(c *wsConn) {
	g.mu.Lock()
	g.conns[c.id] = c
	g.mu.Unlock()
}

func (g *Gateway) dropConn(c *wsConn) {
	g.mu.Lock()
	delete(g.conns, c.id)
	g.mu.Unlock()
}

func (g *Gateway) connCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

func (g *Gateway) record(ctx context.Context, evt audit.Event) {
	if g.audit != nil {
		g.audit.Record(ctx, evt)
	}
}
