// Package agent turns chat messages into plans and drives their execution
// through the tool runtime: a Planner that asks a language model (or a
// deterministic fallback) for a plan, an Executor that runs it step by step,
// and a Replanner that recovers from step failures.
package agent

import "context"

// Prompt message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// PromptMessage is one turn of conversation handed to a provider.
type PromptMessage struct {
	Role    string
	Content string
}

// CompletionRequest is a single-shot completion call. The planner consumes
// whole plans, so there is no streaming surface.
type CompletionRequest struct {
	// System is the system prompt.
	System string

	// Messages is the conversation, oldest first.
	Messages []PromptMessage

	// Model overrides the provider's configured model when non-empty.
	Model string

	// MaxTokens caps the response length. Zero means provider default.
	MaxTokens int

	// Temperature steers sampling. Planning wants it low.
	Temperature float32
}

// Completion is a provider response.
type Completion struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
	StopReason   string
}

// Provider is a language-model backend capable of one-shot completions.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *CompletionRequest) (*Completion, error)
}
