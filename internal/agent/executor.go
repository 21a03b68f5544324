package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/moonbotlabs/moonbot/internal/events"
	"github.com/moonbotlabs/moonbot/internal/retry"
	"github.com/moonbotlabs/moonbot/internal/sessions"
	"github.com/moonbotlabs/moonbot/internal/tools/runtime"
	"github.com/moonbotlabs/moonbot/pkg/models"
)

// maxRenderedResult bounds how much tool output lands in a session message.
const maxRenderedResult = 4000

// Invoker is the slice of the tool runtime the executor needs. It exists so
// tests can script invocation outcomes.
type Invoker interface {
	Invoke(ctx context.Context, req runtime.InvokeRequest) runtime.Outcome
	Get(id string) (runtime.Invocation, bool)
}

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	Invoker   Invoker
	Sessions  *sessions.Store
	Replanner *Replanner
	Bus       *events.Bus
	Logger    *slog.Logger
}

// Executor drives a plan through the runtime step by step, recording
// progress in the session and consulting the replanner on failures.
type Executor struct {
	invoker   Invoker
	sessions  *sessions.Store
	replanner *Replanner
	bus       *events.Bus
	logger    *slog.Logger
}

// NewExecutor builds an Executor.
func NewExecutor(opts ExecutorOptions) *Executor {
	if opts.Replanner == nil {
		opts.Replanner = NewReplanner(0, opts.Logger)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Executor{
		invoker:   opts.Invoker,
		sessions:  opts.Sessions,
		replanner: opts.Replanner,
		bus:       opts.Bus,
		logger:    opts.Logger.With("component", "executor"),
	}
}

// Execute runs a plan and returns the final reply text. A step whose
// recovery ends in abort fails the whole task; the returned error is a
// *models.TaskError carrying the failing code.
func (e *Executor) Execute(ctx context.Context, plan *Plan, session *models.Session) (string, error) {
	if len(plan.Steps) == 0 {
		reply := plan.Reply
		if reply == "" {
			reply = "Nothing to do."
		}
		e.say(ctx, session.ID, models.MessageAssistant, reply, nil)
		return reply, nil
	}

	completed := map[string]bool{}
	var outputs []string
	var skipped []string

	for i := range plan.Steps {
		step := plan.Steps[i]

		if unmet := unmetDependency(step, completed); unmet != "" {
			msg := fmt.Sprintf("step %s skipped: prerequisite %s did not complete", step.ID, unmet)
			e.say(ctx, session.ID, models.MessageError, msg, nil)
			skipped = append(skipped, msg)
			continue
		}

		if step.Thought != "" {
			e.say(ctx, session.ID, models.MessageThought, step.Thought, nil)
		}
		if step.Tool == "" {
			completed[step.ID] = true
			continue
		}

		result, err := e.runStep(ctx, step, session)
		if err != nil {
			return "", err
		}
		if !result.OK {
			msg := fmt.Sprintf("%s failed: %s", step.Tool, result.Error.Message)
			e.say(ctx, session.ID, models.MessageError, msg,
				map[string]any{"tool": step.Tool, "code": result.ErrorCode()})
			return "", &models.TaskError{Code: result.ErrorCode(), Message: msg}
		}

		completed[step.ID] = true
		rendered := renderResult(result)
		outputs = append(outputs, rendered)
		e.say(ctx, session.ID, models.MessageResult, rendered, map[string]any{"tool": step.Tool})
	}

	reply := composeReply(plan, outputs, skipped)
	e.say(ctx, session.ID, models.MessageAssistant, reply, nil)
	return reply, nil
}

// runStep invokes one tool step, waiting out approval suspensions and
// applying replanner recoveries until the step settles or aborts. The
// returned result is terminal for the step; abort surfaces as !OK.
func (e *Executor) runStep(ctx context.Context, step Step, session *models.Session) (*models.ToolResult, error) {
	toolID := step.Tool
	attempt := 0
	parentID := ""

	for {
		e.say(ctx, session.ID, models.MessageTool,
			fmt.Sprintf("%s %s", toolID, compactJSON(step.Input)),
			map[string]any{"tool": toolID})

		outcome := e.invoker.Invoke(ctx, runtime.InvokeRequest{
			ToolID:             toolID,
			SessionID:          session.ID,
			AgentID:            session.AgentID,
			UserID:             session.UserID,
			Input:              step.Input,
			RetryCount:         attempt,
			ParentInvocationID: parentID,
		})
		if outcome.InvocationID != "" {
			parentID = outcome.InvocationID
		}

		result := outcome.Result
		if outcome.AwaitingApproval {
			e.logger.Info("step awaiting approval",
				"tool", toolID, "invocation", outcome.InvocationID)
			var err error
			result, err = e.awaitInvocation(ctx, outcome.InvocationID)
			if err != nil {
				return nil, err
			}
		}
		if result == nil {
			result = models.FailResult(models.ErrExecutionError, "invocation produced no result", 0)
		}
		if result.OK {
			return result, nil
		}

		recovery := e.replanner.Recover(toolID, result, attempt)
		attempt++
		e.logger.Info("step recovery",
			"tool", toolID, "class", recovery.Class, "action", recovery.Action, "attempt", attempt)

		switch recovery.Action {
		case ActionRetry:
			e.say(ctx, session.ID, models.MessageThought,
				fmt.Sprintf("Retrying %s after %s failure", toolID, recovery.Class), nil)
			if err := retry.Sleep(ctx, recovery.Wait); err != nil {
				return nil, err
			}
		case ActionAlternative:
			e.say(ctx, session.ID, models.MessageThought,
				fmt.Sprintf("Switching from %s to %s", toolID, recovery.Tool), nil)
			toolID = recovery.Tool
		case ActionApproval:
			e.say(ctx, session.ID, models.MessageThought,
				fmt.Sprintf("Resubmitting %s for approval", toolID), nil)
		default:
			return result, nil
		}
	}
}

// awaitInvocation blocks until a suspended invocation resolves. The
// subscription opens before the status check so a resolution landing in
// between is never missed.
func (e *Executor) awaitInvocation(ctx context.Context, invocationID string) (*models.ToolResult, error) {
	ch, cancel := e.bus.Subscribe(events.TopicInvocationDone)
	defer cancel()

	if inv, ok := e.invoker.Get(invocationID); ok {
		if inv.Status == runtime.StatusCompleted || inv.Status == runtime.StatusFailed {
			return inv.Result, nil
		}
	}

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return nil, errors.New("event bus closed while awaiting approval")
			}
			done, ok := evt.Payload.(events.InvocationDone)
			if !ok || done.InvocationID != invocationID {
				continue
			}
			if inv, ok := e.invoker.Get(invocationID); ok && inv.Result != nil {
				return inv.Result, nil
			}
			if done.OK {
				return models.OKResult(nil, done.DurationMs), nil
			}
			return models.FailResult(done.Code, "invocation failed", done.DurationMs), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (e *Executor) say(ctx context.Context, sessionID string, typ models.MessageType, content string, meta map[string]any) {
	err := e.sessions.AppendMessage(ctx, sessionID, models.Message{
		Type:     typ,
		Content:  content,
		Metadata: meta,
	})
	if err != nil {
		e.logger.Warn("failed to record session message",
			"session", sessionID, "type", typ, "error", err)
	}
}

func unmetDependency(step Step, completed map[string]bool) string {
	for _, dep := range step.DependsOn {
		if !completed[dep] {
			return dep
		}
	}
	return ""
}

// renderResult flattens a tool result into message text.
func renderResult(result *models.ToolResult) string {
	var text string
	switch data := result.Data.(type) {
	case nil:
		text = "ok"
	case string:
		text = data
	default:
		text = compactJSON(data)
	}
	if len(text) > maxRenderedResult {
		text = text[:maxRenderedResult] + "... (truncated)"
	}
	return text
}

func compactJSON(v any) string {
	if v == nil {
		return "{}"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func composeReply(plan *Plan, outputs, skipped []string) string {
	var parts []string
	if plan.Reply != "" {
		parts = append(parts, plan.Reply)
	} else if len(outputs) > 0 {
		parts = append(parts, outputs...)
	}
	if len(skipped) > 0 {
		parts = append(parts, "Some steps were skipped:\n- "+strings.Join(skipped, "\n- "))
	}
	if len(parts) == 0 {
		return "Done."
	}
	return strings.Join(parts, "\n\n")
}
