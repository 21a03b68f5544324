package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/moonbotlabs/moonbot/internal/agent"
)

const openaiDefaultModel = "gpt-4o"

// chatClient is the slice of the go-openai client the provider needs.
// *openai.Client satisfies it; tests substitute a fake.
type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAI completes prompts against the OpenAI chat completions API or any
// endpoint that speaks the same protocol (OpenRouter, vLLM, llama.cpp).
type OpenAI struct {
	client chatClient
	model  string
}

// OpenAIConfig configures the OpenAI-compatible provider.
type OpenAIConfig struct {
	APIKey string
	// BaseURL overrides the API endpoint for compatible servers.
	BaseURL string
	// Model is used when a request does not name one.
	Model string
}

// NewOpenAI builds a provider from an API key and optional base URL.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = openaiDefaultModel
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &OpenAI{client: openai.NewClientWithConfig(clientCfg), model: cfg.Model}, nil
}

func (p *OpenAI) Name() string { return "openai" }

// Complete sends the request as a single non-streaming chat completion.
func (p *OpenAI) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.Completion, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("openai: request has no messages")
	}

	model := req.Model
	if model == "" {
		model = p.model
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		role := openai.ChatMessageRoleUser
		if m.Role == agent.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	resp, err := call(ctx, func() (openai.ChatCompletionResponse, error) {
		return p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       model,
			Messages:    messages,
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: response has no choices")
	}

	choice := resp.Choices[0]
	return &agent.Completion{
		Text:         choice.Message.Content,
		Model:        resp.Model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		StopReason:   string(choice.FinishReason),
	}, nil
}
