// Package tools defines the tool contract and the registry the runtime
// dispatches against.
package tools

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/moonbotlabs/moonbot/internal/policy"
	"github.com/moonbotlabs/moonbot/pkg/models"
)

// Handler executes a tool against input that already passed schema
// validation. Implementations must capture failures in the returned
// result rather than panicking; the runtime recovers panics as
// execution errors.
type Handler interface {
	Handle(ctx context.Context, input map[string]any, call *Call) *models.ToolResult
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, input map[string]any, call *Call) *models.ToolResult

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, input map[string]any, call *Call) *models.ToolResult {
	return f(ctx, input, call)
}

// Call carries the per-invocation context handed to handlers.
type Call struct {
	InvocationID  string
	SessionID     string
	AgentID       string
	UserID        string
	WorkspaceRoot string
	// Policy is a snapshot of the command policy at dispatch time.
	Policy policy.Document
	// Timeout is the deadline the runtime enforces on this invocation.
	Timeout time.Duration
	// MaxOutputBytes caps captured output for tools that stream.
	MaxOutputBytes int64
}

// Descriptor describes a registered tool.
type Descriptor struct {
	// ID is unique within the registry, e.g. "fs.read".
	ID          string `json:"id"`
	Description string `json:"description"`
	// InputSchema is a JSON Schema document for the tool input.
	InputSchema string `json:"inputSchema"`
	// RequiresApproval routes invocations through the approval flow.
	RequiresApproval bool `json:"requiresApproval"`
	// Timeout overrides the runtime default when positive.
	Timeout time.Duration `json:"-"`

	// PolicyArgs extracts the command line and working directory from a
	// validated input so the command policy can auto-approve flagged
	// invocations. Tools that do not execute commands leave it nil and
	// always page a human when flagged.
	PolicyArgs func(input map[string]any) (argv []string, cwd string) `json:"-"`

	Handler Handler `json:"-"`
}

// Registry maps tool ids to descriptors. Lookups happen on every
// invocation; registration is an initialization-time operation but must
// not race with lookups.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Descriptor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Descriptor)}
}

// Register adds a descriptor, replacing any existing tool with the same id.
func (r *Registry) Register(d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[d.ID] = d
}

// Unregister removes a tool by id.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, id)
}

// Get returns the descriptor for id.
func (r *Registry) Get(id string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[id]
	return d, ok
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[id]
	return ok
}

// List returns all descriptors ordered by id.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.tools))
	for _, d := range r.tools {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len reports the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
