package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/moonbotlabs/moonbot/internal/agent"
)

const (
	anthropicDefaultModel = "claude-sonnet-4-20250514"
	defaultMaxTokens      = 4096
)

// messagesClient is the slice of the Anthropic SDK the provider needs.
// *sdk.MessageService satisfies it; tests substitute a fake.
type messagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Anthropic completes prompts against the Anthropic Messages API.
type Anthropic struct {
	msg   messagesClient
	model string
}

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	APIKey string
	// Model is used when a request does not name one.
	Model string
}

// NewAnthropic builds a provider from an API key.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = anthropicDefaultModel
	}
	client := sdk.NewClient(option.WithAPIKey(cfg.APIKey))
	return &Anthropic{msg: &client.Messages, model: cfg.Model}, nil
}

func (p *Anthropic) Name() string { return "anthropic" }

// Complete sends the request as a single non-streaming message and
// concatenates the text blocks of the reply.
func (p *Anthropic) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.Completion, error) {
	params, err := anthropicParams(req, p.model)
	if err != nil {
		return nil, err
	}

	msg, err := call(ctx, func() (*sdk.Message, error) {
		return p.msg.New(ctx, params)
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &agent.Completion{
		Text:         text.String(),
		Model:        string(msg.Model),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		StopReason:   string(msg.StopReason),
	}, nil
}

func anthropicParams(req *agent.CompletionRequest, fallbackModel string) (sdk.MessageNewParams, error) {
	if req == nil || len(req.Messages) == 0 {
		return sdk.MessageNewParams{}, errors.New("anthropic: request has no messages")
	}

	model := req.Model
	if model == "" {
		model = fallbackModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	messages := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		block := sdk.NewTextBlock(m.Content)
		if m.Role == agent.RoleAssistant {
			messages = append(messages, sdk.NewAssistantMessage(block))
		} else {
			messages = append(messages, sdk.NewUserMessage(block))
		}
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(float64(req.Temperature))
	}
	return params, nil
}
