package translate

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/lokutor-ai/lokutor-relay/pkg/pipeline"
)

const anthropicDefaultMaxTokens = 1024

// AnthropicProvider translates via the official Anthropic SDK's Messages
// API.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
}

// AnthropicOption configures an AnthropicProvider.
type AnthropicOption func(*anthropicConfig)

type anthropicConfig struct {
	baseURL string
}

func WithAnthropicBaseURL(url string) AnthropicOption {
	return func(c *anthropicConfig) { c.baseURL = url }
}

// NewAnthropicProvider constructs an AnthropicProvider. model defaults to
// "claude-3-5-sonnet-20241022" when empty.
func NewAnthropicProvider(apiKey, model string, opts ...AnthropicOption) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("translate/anthropic: apiKey must not be empty")
	}
	if model == "" {
		model = "claude-3-5-sonnet-20241022"
	}

	cfg := &anthropicConfig{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &AnthropicProvider{
		client: anthropic.NewClient(reqOpts...),
		model:  model,
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic-translate" }

func (p *AnthropicProvider) Translate(ctx context.Context, text string, source, target pipeline.Language, contextSnippet string) (string, error) {
	prompt := buildPrompt(text, source, target, contextSnippet)

	msg, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: anthropicDefaultMaxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt(source, target)},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", &pipeline.TransientError{Op: "translate", Err: err}
	}
	if len(msg.Content) == 0 {
		return "", &pipeline.PermanentError{Op: "translate", Err: fmt.Errorf("anthropic: empty content")}
	}
	return strings.TrimSpace(msg.Content[0].Text), nil
}
