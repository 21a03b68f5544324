// Package runtime executes tool invocations: admission, schema validation,
// approval gating, deadline enforcement, and record keeping.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/moonbotlabs/moonbot/internal/events"
	"github.com/moonbotlabs/moonbot/internal/observability"
	"github.com/moonbotlabs/moonbot/internal/policy"
	"github.com/moonbotlabs/moonbot/internal/tools"
	"github.com/moonbotlabs/moonbot/internal/tools/toolschema"
	"github.com/moonbotlabs/moonbot/pkg/models"
)

// Invocation status values.
const (
	StatusPending          = "pending"
	StatusRunning          = "running"
	StatusAwaitingApproval = "awaiting_approval"
	StatusCompleted        = "completed"
	StatusFailed           = "failed"
)

// Defaults applied by New when the corresponding option is zero.
const (
	DefaultMaxConcurrent  = 10
	DefaultTimeout        = 30 * time.Second
	DefaultTTL            = time.Hour
	DefaultMaxOutputBytes = 64 * 1024
)

// Invocation is the runtime's record of one tool call. Records are kept in
// memory until swept; suspended invocations are additionally persisted by
// the approval flow.
type Invocation struct {
	ID                 string             `json:"id"`
	ToolID             string             `json:"toolId"`
	SessionID          string             `json:"sessionId,omitempty"`
	AgentID            string             `json:"agentId,omitempty"`
	UserID             string             `json:"userId,omitempty"`
	Input              map[string]any     `json:"input,omitempty"`
	Status             string             `json:"status"`
	Result             *models.ToolResult `json:"result,omitempty"`
	StartTime          time.Time          `json:"startTime"`
	EndTime            time.Time          `json:"endTime"`
	RetryCount         int                `json:"retryCount"`
	ParentInvocationID string             `json:"parentInvocationId,omitempty"`
}

// InvokeRequest describes one tool call to run. RetryCount and
// ParentInvocationID link replanner retries to the invocation they replace.
type InvokeRequest struct {
	ToolID             string
	SessionID          string
	AgentID            string
	UserID             string
	Input              map[string]any
	RetryCount         int
	ParentInvocationID string
}

// Outcome is what Invoke and ApproveRequest return. InvocationID is empty
// when the call was rejected before a record was created. AwaitingApproval
// means the invocation suspended and Result is nil until it is resolved.
type Outcome struct {
	InvocationID     string             `json:"invocationId,omitempty"`
	AwaitingApproval bool               `json:"awaitingApproval,omitempty"`
	Result           *models.ToolResult `json:"result,omitempty"`
}

// Options configures a Runtime. Nil collaborators degrade: without a policy
// engine every flagged invocation pages a human, without a bus no events are
// published, without metrics nothing is instrumented.
type Options struct {
	Registry  *tools.Registry
	Validator *toolschema.Validator
	Policy    *policy.Engine
	Bus       *events.Bus
	Logger    *slog.Logger
	Metrics   *observability.Metrics
	Tracer    *observability.Tracer

	// WorkspaceRoot is handed to handlers for path confinement.
	WorkspaceRoot string

	// ApprovalsEnabled gates the approval flow. When false, flagged tools
	// execute directly.
	ApprovalsEnabled bool

	// MaxConcurrent caps simultaneously running invocations.
	MaxConcurrent int64

	// DefaultTimeout bounds handler execution when the descriptor does not
	// override it.
	DefaultTimeout time.Duration

	// MaxOutputBytes caps captured output for tools that stream.
	MaxOutputBytes int64

	// TTL is how long finished invocation records are retained.
	TTL time.Duration
}

// Runtime admits, validates, and executes tool invocations while holding
// their records for inspection and retry chaining.
type Runtime struct {
	registry  *tools.Registry
	validator *toolschema.Validator
	policy    *policy.Engine
	bus       *events.Bus
	logger    *slog.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer

	approvals     bool
	maxConcurrent int64
	defaultTO     time.Duration
	maxOutput     int64
	workspaceRoot string
	ttl           time.Duration

	sem *semaphore.Weighted

	mu          sync.Mutex
	invocations map[string]*Invocation

	now func() time.Time
}

// New builds a Runtime. Zero option fields fall back to package defaults.
func New(opts Options) *Runtime {
	if opts.Registry == nil {
		opts.Registry = tools.NewRegistry()
	}
	if opts.Validator == nil {
		opts.Validator = toolschema.NewValidator()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	return &Runtime{
		registry:      opts.Registry,
		validator:     opts.Validator,
		policy:        opts.Policy,
		bus:           opts.Bus,
		logger:        opts.Logger.With("component", "runtime"),
		metrics:       opts.Metrics,
		tracer:        opts.Tracer,
		approvals:     opts.ApprovalsEnabled,
		maxConcurrent: opts.MaxConcurrent,
		defaultTO:     opts.DefaultTimeout,
		maxOutput:     opts.MaxOutputBytes,
		workspaceRoot: opts.WorkspaceRoot,
		ttl:           opts.TTL,
		sem:           semaphore.NewWeighted(opts.MaxConcurrent),
		invocations:   make(map[string]*Invocation),
		now:           time.Now,
	}
}

// Invoke runs one tool call through lookup, admission, validation, approval,
// and execution. Rejections before a record exists return an Outcome with an
// empty InvocationID.
func (r *Runtime) Invoke(ctx context.Context, req InvokeRequest) Outcome {
	desc, ok := r.registry.Get(req.ToolID)
	if !ok {
		return Outcome{Result: models.FailResult(models.ErrToolNotFound,
			fmt.Sprintf("tool %q not found", req.ToolID), 0)}
	}

	// Admission precedes validation so a saturated runtime sheds load
	// without paying for schema checks.
	if !r.sem.TryAcquire(1) {
		r.logger.Warn("invocation rejected, concurrency limit reached",
			"tool", req.ToolID, "limit", r.maxConcurrent)
		return Outcome{Result: models.FailResult(models.ErrConcurrencyLimit,
			fmt.Sprintf("too many concurrent invocations (limit %d)", r.maxConcurrent), 0)}
	}

	vres, err := r.validator.Validate(desc.ID, desc.InputSchema, req.Input)
	if err != nil {
		r.sem.Release(1)
		return Outcome{Result: models.FailResult(models.ErrExecutionError,
			fmt.Sprintf("tool %q has a broken input schema: %v", desc.ID, err), 0)}
	}
	if !vres.OK {
		r.sem.Release(1)
		result := models.FailResult(models.ErrInvalidInput, validationMessage(vres.Errors), 0)
		result.Error.Details = vres.Errors
		return Outcome{Result: result}
	}

	inv := &Invocation{
		ID:                 uuid.NewString(),
		ToolID:             desc.ID,
		SessionID:          req.SessionID,
		AgentID:            req.AgentID,
		UserID:             req.UserID,
		Input:              vres.Validated,
		Status:             StatusRunning,
		StartTime:          r.now(),
		RetryCount:         req.RetryCount,
		ParentInvocationID: req.ParentInvocationID,
	}
	r.mu.Lock()
	r.invocations[inv.ID] = inv
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.RunningInvocations.Inc()
	}

	if desc.RequiresApproval && r.approvals {
		approved, reason := r.consultPolicy(desc, inv.Input)
		if !approved {
			r.suspend(inv, reason)
			return Outcome{InvocationID: inv.ID, AwaitingApproval: true}
		}
		r.logger.Info("policy auto-approved invocation", "tool", desc.ID, "invocation", inv.ID)
	}

	result := r.execute(ctx, desc, inv)
	r.finish(inv, result)
	return Outcome{InvocationID: inv.ID, Result: result}
}

// ApproveRequest resolves a suspended invocation. Approval re-runs the
// handler with the input validated at submission; denial fails the
// invocation terminally.
func (r *Runtime) ApproveRequest(ctx context.Context, invocationID string, approved bool) Outcome {
	r.mu.Lock()
	inv, ok := r.invocations[invocationID]
	if !ok {
		r.mu.Unlock()
		return Outcome{Result: models.FailResult(models.ErrInvocationNotFound,
			fmt.Sprintf("invocation %q not found", invocationID), 0)}
	}
	if inv.Status != StatusAwaitingApproval {
		status := inv.Status
		r.mu.Unlock()
		return Outcome{InvocationID: invocationID, Result: models.FailResult(models.ErrInvalidState,
			fmt.Sprintf("invocation is %s, not awaiting approval", status), 0)}
	}
	if !approved {
		// Status flips under the lock so a concurrent resolution sees
		// INVALID_STATE instead of racing the record write.
		inv.Status = StatusFailed
		r.mu.Unlock()
		result := models.FailResult(models.ErrApprovalDenied, "Tool execution was denied", 0)
		r.record(inv, result)
		return Outcome{InvocationID: invocationID, Result: result}
	}
	inv.Status = StatusRunning
	r.mu.Unlock()

	desc, found := r.registry.Get(inv.ToolID)
	if !found {
		result := models.FailResult(models.ErrToolNotFound,
			fmt.Sprintf("tool %q was unregistered while awaiting approval", inv.ToolID), 0)
		r.record(inv, result)
		return Outcome{InvocationID: invocationID, Result: result}
	}

	if err := r.sem.Acquire(ctx, 1); err != nil {
		result := models.FailResult(models.ErrExecutionError,
			"canceled while waiting for a concurrency slot", 0)
		r.record(inv, result)
		return Outcome{InvocationID: invocationID, Result: result}
	}
	if r.metrics != nil {
		r.metrics.RunningInvocations.Inc()
	}
	r.logger.Info("invocation resumed after approval", "tool", desc.ID, "invocation", inv.ID)

	result := r.execute(ctx, desc, inv)
	r.finish(inv, result)
	return Outcome{InvocationID: inv.ID, Result: result}
}

// consultPolicy decides whether a flagged invocation may run unattended.
// Only tools that expose their command line are eligible; everything else
// escalates to a human.
func (r *Runtime) consultPolicy(desc tools.Descriptor, input map[string]any) (bool, string) {
	if r.policy == nil || desc.PolicyArgs == nil {
		return false, "tool requires approval"
	}
	argv, cwd := desc.PolicyArgs(input)
	if len(argv) == 0 {
		return false, "tool requires approval"
	}
	decision := r.policy.Evaluate(argv, cwd)
	if decision.Approved {
		return true, ""
	}
	reason := decision.Reason
	if reason == "" {
		reason = "command not covered by policy"
	}
	return false, reason
}

// suspend parks an invocation pending a human decision. The concurrency
// slot is returned so suspended invocations never starve the runtime.
func (r *Runtime) suspend(inv *Invocation, reason string) {
	r.mu.Lock()
	inv.Status = StatusAwaitingApproval
	input := maps.Clone(inv.Input)
	r.mu.Unlock()

	r.sem.Release(1)
	if r.metrics != nil {
		r.metrics.RunningInvocations.Dec()
	}
	r.logger.Info("invocation awaiting approval",
		"tool", inv.ToolID, "invocation", inv.ID, "reason", reason)
	if r.bus != nil {
		r.bus.Publish(events.TopicApprovalRequested, events.ApprovalRequested{
			InvocationID: inv.ID,
			ToolID:       inv.ToolID,
			SessionID:    inv.SessionID,
			UserID:       inv.UserID,
			Input:        input,
			Reason:       reason,
		})
	}
}

// execute runs the handler under the invocation deadline. The handler
// goroutine writes its result through a buffered channel so a timed-out
// invocation never blocks a late handler.
func (r *Runtime) execute(ctx context.Context, desc tools.Descriptor, inv *Invocation) *models.ToolResult {
	timeout := desc.Timeout
	if timeout <= 0 {
		timeout = r.defaultTO
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if r.tracer != nil {
		spanCtx, span := r.tracer.StartInvocation(execCtx, desc.ID, inv.ID)
		defer span.End()
		execCtx = spanCtx
	}

	call := &tools.Call{
		InvocationID:   inv.ID,
		SessionID:      inv.SessionID,
		AgentID:        inv.AgentID,
		UserID:         inv.UserID,
		WorkspaceRoot:  r.workspaceRoot,
		Timeout:        timeout,
		MaxOutputBytes: r.maxOutput,
	}
	if r.policy != nil {
		call.Policy = r.policy.Snapshot()
	}

	started := time.Now()
	resultCh := make(chan *models.ToolResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("tool handler panicked",
					"tool", desc.ID, "invocation", inv.ID, "panic", rec)
				select {
				case resultCh <- models.FailResult(models.ErrExecutionError,
					fmt.Sprintf("tool handler panicked: %v", rec), time.Since(started).Milliseconds()):
				default:
				}
			}
		}()
		result := desc.Handler.Handle(execCtx, inv.Input, call)
		select {
		case resultCh <- result:
		default:
			r.logger.Warn("tool completed after timeout, result discarded",
				"tool", desc.ID, "invocation", inv.ID)
		}
	}()

	select {
	case result := <-resultCh:
		if result == nil {
			return models.FailResult(models.ErrExecutionError,
				fmt.Sprintf("tool %q returned no result", desc.ID), time.Since(started).Milliseconds())
		}
		return result
	case <-execCtx.Done():
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return models.FailResult(models.ErrExecutionError,
				fmt.Sprintf("tool execution timed out after %s", timeout), time.Since(started).Milliseconds())
		}
		return models.FailResult(models.ErrExecutionError,
			"tool execution canceled", time.Since(started).Milliseconds())
	}
}

// finish returns the concurrency slot and records the terminal result.
func (r *Runtime) finish(inv *Invocation, result *models.ToolResult) {
	r.sem.Release(1)
	if r.metrics != nil {
		r.metrics.RunningInvocations.Dec()
	}
	r.record(inv, result)
}

// record moves an invocation to its terminal status and publishes the
// outcome. Callers that held a concurrency slot release it first.
func (r *Runtime) record(inv *Invocation, result *models.ToolResult) {
	status := StatusCompleted
	if result == nil || !result.OK {
		status = StatusFailed
	}

	r.mu.Lock()
	inv.Status = status
	inv.Result = result
	inv.EndTime = r.now()
	toolID, sessionID := inv.ToolID, inv.SessionID
	r.mu.Unlock()

	var durationMs int64
	var code string
	var ok bool
	if result != nil {
		durationMs = result.Meta.DurationMs
		code = result.ErrorCode()
		ok = result.OK
	}

	if r.metrics != nil {
		r.metrics.Invocations.WithLabelValues(toolID, status).Inc()
		r.metrics.InvocationDuration.WithLabelValues(toolID).Observe(float64(durationMs) / 1000)
	}
	if ok {
		r.logger.Info("invocation completed",
			"tool", toolID, "invocation", inv.ID, "durationMs", durationMs)
	} else {
		r.logger.Warn("invocation failed",
			"tool", toolID, "invocation", inv.ID, "code", code, "durationMs", durationMs)
	}
	if r.bus != nil {
		r.bus.Publish(events.TopicInvocationDone, events.InvocationDone{
			InvocationID: inv.ID,
			ToolID:       toolID,
			SessionID:    sessionID,
			OK:           ok,
			Code:         code,
			DurationMs:   durationMs,
		})
	}
}

// Get returns a copy of an invocation record.
func (r *Runtime) Get(id string) (Invocation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.invocations[id]
	if !ok {
		return Invocation{}, false
	}
	out := *inv
	out.Input = maps.Clone(inv.Input)
	return out, true
}

// Stats summarizes the invocation table.
type Stats struct {
	Total      int            `json:"total"`
	ByStatus   map[string]int `json:"byStatus"`
	AvgRetries float64        `json:"avgRetries"`
}

// Stats counts invocation records by status and averages their retry
// counts.
func (r *Runtime) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{ByStatus: make(map[string]int)}
	retries := 0
	for _, inv := range r.invocations {
		s.Total++
		s.ByStatus[inv.Status]++
		retries += inv.RetryCount
	}
	if s.Total > 0 {
		s.AvgRetries = float64(retries) / float64(s.Total)
	}
	return s
}

// Sweep drops finished records older than the retention TTL and returns how
// many were removed. Suspended invocations are never swept; the approval
// flow owns their expiry.
func (r *Runtime) Sweep() int {
	cutoff := r.now().Add(-r.ttl)
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, inv := range r.invocations {
		if inv.Status == StatusAwaitingApproval {
			continue
		}
		if !inv.EndTime.IsZero() && inv.EndTime.Before(cutoff) {
			delete(r.invocations, id)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Debug("swept invocation records", "removed", removed)
	}
	return removed
}

func validationMessage(errs []toolschema.FieldError) string {
	if len(errs) == 0 {
		return "invalid input"
	}
	first := errs[0]
	loc := strings.Join(first.Path, ".")
	if loc == "" {
		return "invalid input: " + first.Message
	}
	return fmt.Sprintf("invalid input: %s: %s", loc, first.Message)
}
