// Package approvals coordinates human approval of suspended tool
// invocations. Requests persist to disk so a restart never silently drops a
// pending decision, and every registered surface is notified of requests and
// resolutions.
package approvals

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/moonbotlabs/moonbot/internal/events"
	"github.com/moonbotlabs/moonbot/internal/observability"
)

// Approval request status values. Terminal statuses are sticky.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusExpired  = "expired"
)

// DefaultExpiry bounds how long a request waits for a human before it
// expires.
const DefaultExpiry = 5 * time.Minute

var (
	// ErrNotFound is returned for unknown request ids.
	ErrNotFound = errors.New("approval request not found")
	// ErrAlreadyResolved is returned when a request is no longer pending.
	ErrAlreadyResolved = errors.New("approval request already resolved")
	// ErrExpired is returned when a response arrives past the deadline.
	ErrExpired = errors.New("approval request expired")
)

// Request is one pending or resolved approval decision.
type Request struct {
	ID           string         `json:"id"`
	InvocationID string         `json:"invocationId"`
	ToolID       string         `json:"toolId"`
	SessionID    string         `json:"sessionId,omitempty"`
	UserID       string         `json:"userId,omitempty"`
	Input        map[string]any `json:"input,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	Status       string         `json:"status"`
	CreatedAt    time.Time      `json:"createdAt"`
	ExpiresAt    time.Time      `json:"expiresAt"`
	ResponderID  string         `json:"responderId,omitempty"`
	RespondedAt  time.Time      `json:"respondedAt"`
}

// Handler delivers approval traffic to one surface. Implementations must not
// block indefinitely; a failing handler is logged and never prevents
// delivery to the others.
type Handler interface {
	SendRequest(ctx context.Context, req Request) error
	SendUpdate(ctx context.Context, req Request) error
}

// Options configures a Flow.
type Options struct {
	// StorePath is the JSON file holding pending and resolved requests.
	StorePath string

	// Expiry is how long a request stays answerable. Zero means
	// DefaultExpiry.
	Expiry time.Duration

	Bus     *events.Bus
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Flow owns the approval request lifecycle: create, notify, resolve, expire.
type Flow struct {
	path    string
	expiry  time.Duration
	bus     *events.Bus
	logger  *slog.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	handlers map[string]Handler

	now func() time.Time
}

// NewFlow builds a Flow. Zero option fields fall back to package defaults.
func NewFlow(opts Options) *Flow {
	if opts.Expiry <= 0 {
		opts.Expiry = DefaultExpiry
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Flow{
		path:     opts.StorePath,
		expiry:   opts.Expiry,
		bus:      opts.Bus,
		logger:   opts.Logger.With("component", "approvals"),
		metrics:  opts.Metrics,
		handlers: make(map[string]Handler),
		now:      time.Now,
	}
}

// RegisterHandler adds or replaces the handler for a surface.
func (f *Flow) RegisterHandler(surface string, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[surface] = h
}

// UnregisterHandler removes a surface handler.
func (f *Flow) UnregisterHandler(surface string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, surface)
}

// RequestApproval creates and persists a pending request for a suspended
// invocation, then notifies every registered surface. Notification failures
// are per-handler and never fail the request itself.
func (f *Flow) RequestApproval(ctx context.Context, ev events.ApprovalRequested) (Request, error) {
	f.mu.Lock()
	st, err := f.loadLocked()
	if err != nil {
		f.mu.Unlock()
		return Request{}, err
	}

	now := f.now()
	req := Request{
		ID:           uuid.NewString(),
		InvocationID: ev.InvocationID,
		ToolID:       ev.ToolID,
		SessionID:    ev.SessionID,
		UserID:       ev.UserID,
		Input:        maps.Clone(ev.Input),
		Reason:       ev.Reason,
		Status:       StatusPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(f.expiry),
	}
	st.Requests = append(st.Requests, req)
	if err := f.saveLocked(st); err != nil {
		f.mu.Unlock()
		return Request{}, err
	}
	handlers := maps.Clone(f.handlers)
	f.mu.Unlock()

	f.logger.Info("approval requested",
		"request", req.ID, "tool", req.ToolID, "invocation", req.InvocationID, "reason", req.Reason)
	f.fanOut(ctx, handlers, "sendRequest", func(h Handler) error {
		return h.SendRequest(ctx, req)
	})
	return req, nil
}

// HandleResponse resolves one pending request. It returns the request in its
// new state along with ErrNotFound, ErrAlreadyResolved, or ErrExpired when
// the response cannot be applied. A response that arrives past the deadline
// marks the request expired before reporting the error.
func (f *Flow) HandleResponse(ctx context.Context, requestID string, approved bool, responderID string) (Request, error) {
	f.mu.Lock()
	st, err := f.loadLocked()
	if err != nil {
		f.mu.Unlock()
		return Request{}, err
	}

	idx := -1
	for i := range st.Requests {
		if st.Requests[i].ID == requestID {
			idx = i
			break
		}
	}
	if idx == -1 {
		f.mu.Unlock()
		return Request{}, ErrNotFound
	}

	req := &st.Requests[idx]
	if req.Status != StatusPending {
		resolved := *req
		f.mu.Unlock()
		return resolved, ErrAlreadyResolved
	}

	now := f.now()
	if now.After(req.ExpiresAt) {
		req.Status = StatusExpired
		if err := f.saveLocked(st); err != nil {
			f.mu.Unlock()
			return Request{}, err
		}
		expired := *req
		handlers := maps.Clone(f.handlers)
		f.mu.Unlock()

		f.logger.Warn("approval response arrived after expiry",
			"request", expired.ID, "responder", responderID)
		f.announceResolved(ctx, handlers, expired)
		return expired, ErrExpired
	}

	if approved {
		req.Status = StatusApproved
	} else {
		req.Status = StatusRejected
	}
	req.ResponderID = responderID
	req.RespondedAt = now
	if err := f.saveLocked(st); err != nil {
		f.mu.Unlock()
		return Request{}, err
	}
	resolved := *req
	handlers := maps.Clone(f.handlers)
	f.mu.Unlock()

	f.logger.Info("approval resolved",
		"request", resolved.ID, "status", resolved.Status, "responder", responderID)
	f.announceResolved(ctx, handlers, resolved)
	return resolved, nil
}

// ExpirePending marks every pending request past its deadline as expired and
// notifies surfaces. It returns how many requests expired.
func (f *Flow) ExpirePending(ctx context.Context) (int, error) {
	f.mu.Lock()
	st, err := f.loadLocked()
	if err != nil {
		f.mu.Unlock()
		return 0, err
	}

	now := f.now()
	var expired []Request
	for i := range st.Requests {
		req := &st.Requests[i]
		if req.Status == StatusPending && now.After(req.ExpiresAt) {
			req.Status = StatusExpired
			expired = append(expired, *req)
		}
	}
	if len(expired) == 0 {
		f.mu.Unlock()
		return 0, nil
	}
	if err := f.saveLocked(st); err != nil {
		f.mu.Unlock()
		return 0, err
	}
	handlers := maps.Clone(f.handlers)
	f.mu.Unlock()

	for _, req := range expired {
		f.logger.Info("approval expired", "request", req.ID, "tool", req.ToolID)
		f.announceResolved(ctx, handlers, req)
	}
	return len(expired), nil
}

// Pending returns unexpired requests still awaiting a decision.
func (f *Flow) Pending() ([]Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	st, err := f.loadLocked()
	if err != nil {
		return nil, err
	}
	now := f.now()
	out := make([]Request, 0, len(st.Requests))
	for _, req := range st.Requests {
		if req.Status == StatusPending && req.ExpiresAt.After(now) {
			out = append(out, req)
		}
	}
	return out, nil
}

// Get returns one request by id.
func (f *Flow) Get(requestID string) (Request, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	st, err := f.loadLocked()
	if err != nil {
		return Request{}, false, err
	}
	for _, req := range st.Requests {
		if req.ID == requestID {
			return req, true, nil
		}
	}
	return Request{}, false, nil
}

// announceResolved fans out the update to surfaces, counts the outcome, and
// publishes approval.resolved.
func (f *Flow) announceResolved(ctx context.Context, handlers map[string]Handler, req Request) {
	f.fanOut(ctx, handlers, "sendUpdate", func(h Handler) error {
		return h.SendUpdate(ctx, req)
	})
	if f.metrics != nil {
		f.metrics.Approvals.WithLabelValues(req.Status).Inc()
	}
	if f.bus != nil {
		f.bus.Publish(events.TopicApprovalResolved, events.ApprovalResolved{
			RequestID:    req.ID,
			InvocationID: req.InvocationID,
			Status:       req.Status,
			ResponderID:  req.ResponderID,
		})
	}
}

// fanOut delivers to every handler concurrently and waits for all of them.
// One handler's failure is logged and isolated from the rest.
func (f *Flow) fanOut(ctx context.Context, handlers map[string]Handler, op string, send func(Handler) error) {
	var wg sync.WaitGroup
	for surface, h := range handlers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := send(h); err != nil {
				f.logger.Warn("approval handler failed",
					"surface", surface, "op", op, "error", err)
			}
		}()
	}
	wg.Wait()
}
