package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/moonbotlabs/moonbot/internal/approvals"
	"github.com/moonbotlabs/moonbot/internal/audit"
	"github.com/moonbotlabs/moonbot/internal/protocol"
	"github.com/moonbotlabs/moonbot/internal/sessions"
	"github.com/moonbotlabs/moonbot/internal/tasks"
	"github.com/moonbotlabs/moonbot/internal/tools/runtime"
	"github.com/moonbotlabs/moonbot/pkg/models"
)

const (
	methodConnect         = "connect"
	methodChatSend        = "chat.send"
	methodToolsList       = "tools.list"
	methodToolsInvoke     = "tools.invoke"
	methodApprovalRespond = "approval.respond"
	methodSessionsSend    = "sessions.send"
	methodSessionsList    = "sessions.list"
	methodSessionsHistory = "sessions.history"
	methodStatus          = "status"
	methodPing            = "ping"
	methodHealth          = "health"
)

func methodNames() []string {
	return []string{
		methodConnect, methodChatSend, methodToolsList, methodToolsInvoke,
		methodApprovalRespond, methodSessionsSend, methodSessionsList,
		methodSessionsHistory, methodStatus, methodPing, methodHealth,
	}
}

// dispatch runs one authenticated request. The handler gets requestTimeout
// to respond; a handler that overruns is answered with a TIMEOUT error and
// left to finish in the background, where context cancellation reaps it.
func (c *wsConn) dispatch(req *protocol.Request) {
	g := c.gw
	ctx, cancel := context.WithTimeout(c.ctx, g.requestTimeout)
	defer cancel()

	if g.tracer != nil {
		var end func()
		ctx, end = g.traceRPC(ctx, req.Method)
		defer end()
	}

	started := time.Now()
	done := make(chan *protocol.Response, 1)
	go func() { done <- g.handle(ctx, c, req) }()

	var resp *protocol.Response
	select {
	case resp = <-done:
	case <-ctx.Done():
		resp = protocol.NewDomainError(req.ID, protocol.CodeInternalError,
			"request timed out", "TIMEOUT", nil)
	}

	if g.metrics != nil {
		outcome := "ok"
		if resp != nil && resp.Error != nil {
			outcome = "error"
		}
		g.metrics.RPCRequests.WithLabelValues(req.Method, outcome).Inc()
		g.metrics.RPCDuration.WithLabelValues(req.Method).Observe(time.Since(started).Seconds())
	}

	if req.IsNotification() {
		return
	}
	c.reply(resp)
}

func (g *Gateway) traceRPC(ctx context.Context, method string) (context.Context, func()) {
	ctx, span := g.tracer.StartRPC(ctx, method)
	return ctx, func() { span.End() }
}

func (g *Gateway) handle(ctx context.Context, c *wsConn, req *protocol.Request) *protocol.Response {
	switch req.Method {
	case methodPing:
		return g.result(req.ID, map[string]any{"timestamp": g.now().UnixMilli()})
	case methodHealth:
		return g.result(req.ID, map[string]any{
			"status":   "ok",
			"uptimeMs": g.now().Sub(g.started).Milliseconds(),
		})
	case methodChatSend:
		return g.handleChatSend(c, req)
	case methodToolsList:
		return g.handleToolsList(req)
	case methodToolsInvoke:
		return g.handleToolsInvoke(ctx, c, req)
	case methodApprovalRespond:
		return g.handleApprovalRespond(ctx, c, req)
	case methodSessionsSend:
		return g.handleSessionsSend(ctx, req)
	case methodSessionsList:
		return g.handleSessionsList(ctx, req)
	case methodSessionsHistory:
		return g.handleSessionsHistory(ctx, req)
	case methodStatus:
		return g.handleStatus(req)
	case methodConnect:
		return protocol.NewError(req.ID, protocol.CodeInvalidRequest, "already connected")
	default:
		return protocol.NewError(req.ID, protocol.CodeMethodNotFound,
			fmt.Sprintf("method %q not found", req.Method))
	}
}

func (g *Gateway) handleChatSend(c *wsConn, req *protocol.Request) *protocol.Response {
	var params struct {
		Channel   string `json:"channel"`
		ChannelID string `json:"channelId"`
		UserID    string `json:"userId"`
		Message   string `json:"message"`
	}
	if resp := decodeParams(req, &params); resp != nil {
		return resp
	}
	if params.Message == "" {
		return protocol.NewError(req.ID, protocol.CodeInvalidParams, "message is required")
	}
	if g.orchestrator == nil {
		return protocol.NewError(req.ID, protocol.CodeInternalError, "chat is not available")
	}

	key, err := g.chatKey(c, params.Channel, params.ChannelID, params.UserID)
	if err != nil {
		return protocol.NewError(req.ID, protocol.CodeInvalidParams, err.Error())
	}

	task, err := g.orchestrator.CreateTask(key, params.Message)
	if err != nil {
		if errors.Is(err, tasks.ErrNotRunning) {
			return protocol.NewError(req.ID, protocol.CodeInternalError, "gateway is shutting down")
		}
		return protocol.NewError(req.ID, protocol.CodeInternalError, err.Error())
	}
	return g.result(req.ID, map[string]any{
		"taskId": task.ID,
		"state":  task.State,
	})
}

// chatKey resolves the channel-session key for a chat request. A full
// "surface:channel:user" key wins; otherwise the key is assembled from the
// connection's client type and identity with per-field overrides.
func (g *Gateway) chatKey(c *wsConn, channel, channelID, userID string) (models.ChannelKey, error) {
	if channel != "" {
		return models.ParseChannelKey(channel)
	}
	key := models.ChannelKey{
		Surface: c.clientType,
		Channel: channelID,
		User:    userID,
	}
	if key.Surface == "" {
		key.Surface = "cli"
	}
	if key.Channel == "" {
		key.Channel = "general"
	}
	if key.User == "" {
		key.User = c.userID()
	}
	return key, nil
}

func (g *Gateway) handleToolsList(req *protocol.Request) *protocol.Response {
	if g.registry == nil {
		return protocol.NewError(req.ID, protocol.CodeInternalError, "tools are not available")
	}
	descriptors := g.registry.List()
	return g.result(req.ID, map[string]any{"tools": descriptors})
}

func (g *Gateway) handleToolsInvoke(ctx context.Context, c *wsConn, req *protocol.Request) *protocol.Response {
	var params struct {
		ToolID    string         `json:"toolId"`
		SessionID string         `json:"sessionId"`
		UserID    string         `json:"userId"`
		Input     map[string]any `json:"input"`
	}
	if resp := decodeParams(req, &params); resp != nil {
		return resp
	}
	if params.ToolID == "" {
		return protocol.NewError(req.ID, protocol.CodeInvalidParams, "toolId is required")
	}
	if g.runtime == nil {
		return protocol.NewError(req.ID, protocol.CodeInternalError, "tool runtime is not available")
	}
	userID := params.UserID
	if userID == "" {
		userID = c.userID()
	}

	g.record(ctx, audit.Event{
		Type:      audit.TypeInvocationStart,
		SessionID: params.SessionID,
		UserID:    userID,
		Detail:    map[string]any{"tool": params.ToolID},
	})

	outcome := g.runtime.Invoke(ctx, runtime.InvokeRequest{
		ToolID:    params.ToolID,
		SessionID: params.SessionID,
		AgentID:   g.agentID,
		UserID:    userID,
		Input:     params.Input,
	})
	return g.result(req.ID, outcome)
}

func (g *Gateway) handleApprovalRespond(ctx context.Context, c *wsConn, req *protocol.Request) *protocol.Response {
	var params struct {
		RequestID   string `json:"requestId"`
		Approved    bool   `json:"approved"`
		ResponderID string `json:"responderId"`
	}
	if resp := decodeParams(req, &params); resp != nil {
		return resp
	}
	if params.RequestID == "" {
		return protocol.NewError(req.ID, protocol.CodeInvalidParams, "requestId is required")
	}
	if g.approvals == nil {
		return protocol.NewError(req.ID, protocol.CodeInternalError, "approvals are not available")
	}
	responder := params.ResponderID
	if responder == "" {
		responder = c.userID()
	}

	resolved, err := g.approvals.HandleResponse(ctx, params.RequestID, params.Approved, responder)
	switch {
	case errors.Is(err, approvals.ErrNotFound):
		return protocol.NewDomainError(req.ID, protocol.CodeInvalidParams,
			err.Error(), models.ErrApprovalNotFound, nil)
	case errors.Is(err, approvals.ErrAlreadyResolved):
		return protocol.NewDomainError(req.ID, protocol.CodeInvalidRequest,
			err.Error(), models.ErrApprovalAlreadyResolved, map[string]any{"status": resolved.Status})
	case errors.Is(err, approvals.ErrExpired):
		return protocol.NewDomainError(req.ID, protocol.CodeInvalidRequest,
			err.Error(), models.ErrApprovalExpired, nil)
	case err != nil:
		return protocol.NewError(req.ID, protocol.CodeInternalError, err.Error())
	}

	// The bus bridge resumes or denies the suspended invocation; the
	// response only confirms the resolution itself.
	return g.result(req.ID, map[string]any{"request": resolved})
}

func (g *Gateway) handleSessionsSend(ctx context.Context, req *protocol.Request) *protocol.Response {
	var params struct {
		SessionID string         `json:"sessionId"`
		Type      string         `json:"type"`
		Content   string         `json:"content"`
		Metadata  map[string]any `json:"metadata"`
	}
	if resp := decodeParams(req, &params); resp != nil {
		return resp
	}
	if params.SessionID == "" {
		return protocol.NewError(req.ID, protocol.CodeInvalidParams, "sessionId is required")
	}
	if params.Content == "" {
		return protocol.NewError(req.ID, protocol.CodeInvalidParams, "content is required")
	}
	if g.sessions == nil {
		return protocol.NewError(req.ID, protocol.CodeInternalError, "sessions are not available")
	}

	msgType := models.MessageType(params.Type)
	if params.Type == "" {
		msgType = models.MessageUser
	}
	err := g.sessions.AppendMessage(ctx, params.SessionID, models.Message{
		Type:     msgType,
		Content:  params.Content,
		Metadata: params.Metadata,
	})
	if errors.Is(err, sessions.ErrNotFound) {
		return protocol.NewError(req.ID, protocol.CodeInvalidParams, err.Error())
	}
	if err != nil {
		return protocol.NewError(req.ID, protocol.CodeInternalError, err.Error())
	}
	return g.result(req.ID, map[string]any{"appended": true})
}

func (g *Gateway) handleSessionsList(ctx context.Context, req *protocol.Request) *protocol.Response {
	if g.sessions == nil {
		return protocol.NewError(req.ID, protocol.CodeInternalError, "sessions are not available")
	}
	list, err := g.sessions.List(ctx)
	if err != nil {
		return protocol.NewError(req.ID, protocol.CodeInternalError, err.Error())
	}
	return g.result(req.ID, map[string]any{"sessions": list})
}

func (g *Gateway) handleSessionsHistory(ctx context.Context, req *protocol.Request) *protocol.Response {
	var params struct {
		SessionID string `json:"sessionId"`
		Limit     int    `json:"limit"`
	}
	if resp := decodeParams(req, &params); resp != nil {
		return resp
	}
	if params.SessionID == "" {
		return protocol.NewError(req.ID, protocol.CodeInvalidParams, "sessionId is required")
	}
	if g.sessions == nil {
		return protocol.NewError(req.ID, protocol.CodeInternalError, "sessions are not available")
	}

	messages, err := g.sessions.GetHistory(ctx, params.SessionID, params.Limit)
	if errors.Is(err, sessions.ErrNotFound) {
		return protocol.NewError(req.ID, protocol.CodeInvalidParams, err.Error())
	}
	if err != nil {
		return protocol.NewError(req.ID, protocol.CodeInternalError, err.Error())
	}
	return g.result(req.ID, map[string]any{
		"sessionId": params.SessionID,
		"messages":  messages,
	})
}

func (g *Gateway) handleStatus(req *protocol.Request) *protocol.Response {
	status := map[string]any{
		"uptimeMs":    g.now().Sub(g.started).Milliseconds(),
		"connections": g.connCount(),
	}
	if g.serverVersion != "" {
		status["version"] = g.serverVersion
	}
	if g.runtime != nil {
		status["invocations"] = g.runtime.Stats()
	}
	if g.orchestrator != nil {
		status["queues"] = g.orchestrator.QueueDepths()
	}
	return g.result(req.ID, status)
}

func (g *Gateway) result(id json.RawMessage, v any) *protocol.Response {
	resp, err := protocol.NewResult(id, v)
	if err != nil {
		g.logger.Error("encode result", "error", err)
		return protocol.NewError(id, protocol.CodeInternalError, "failed to encode result")
	}
	return resp
}

func decodeParams(req *protocol.Request, v any) *protocol.Response {
	if len(req.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		return protocol.NewError(req.ID, protocol.CodeInvalidParams, "malformed params")
	}
	return nil
}
