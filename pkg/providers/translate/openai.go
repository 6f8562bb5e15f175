// Package translate implements the translate operation of the
// External-Speech-API Client: per-provider clients
// satisfying pipeline.TranslateProvider, each translating text from a
// source to a target language with an optional context-snippet prefix.
package translate

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/lokutor-ai/lokutor-relay/pkg/pipeline"
)

// OpenAIProvider translates via the official OpenAI SDK's chat completions
// API, using the same functional-options client construction as the other
// provider clients in this package.
type OpenAIProvider struct {
	client oai.Client
	model  string
}

// OpenAIOption configures an OpenAIProvider.
type OpenAIOption func(*openAIConfig)

type openAIConfig struct {
	baseURL string
	timeout time.Duration
}

func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(c *openAIConfig) { c.baseURL = url }
}

func WithOpenAITimeout(d time.Duration) OpenAIOption {
	return func(c *openAIConfig) { c.timeout = d }
}

// NewOpenAIProvider constructs an OpenAIProvider. model defaults to
// "gpt-4o-mini" when empty.
func NewOpenAIProvider(apiKey, model string, opts ...OpenAIOption) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("translate/openai: apiKey must not be empty")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}

	cfg := &openAIConfig{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &OpenAIProvider{client: oai.NewClient(reqOpts...), model: model}, nil
}

func (p *OpenAIProvider) Name() string { return "openai-translate" }

// Translate implements pipeline.TranslateProvider. contextSnippet, when
// non-empty, is prepended here as a "[ctx] text" prompt via buildPrompt; an
// echoed prefix in the response is returned as-is and stripped by the
// caller (pkg/translation), not here.
func (p *OpenAIProvider) Translate(ctx context.Context, text string, source, target pipeline.Language, contextSnippet string) (string, error) {
	prompt := buildPrompt(text, source, target, contextSnippet)

	resp, err := p.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model: oai.ChatModel(p.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(systemPrompt(source, target)),
			oai.UserMessage(prompt),
		},
	})
	if err != nil {
		return "", &pipeline.TransientError{Op: "translate", Err: err}
	}
	if len(resp.Choices) == 0 {
		return "", &pipeline.PermanentError{Op: "translate", Err: fmt.Errorf("openai: empty choices")}
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func systemPrompt(source, target pipeline.Language) string {
	return fmt.Sprintf(
		"You are a real-time call translation engine. Translate the user's message from %s to %s. "+
			"Reply with the translation only, no quotes, no explanation. Preserve tone and register.",
		source, target)
}

func buildPrompt(text string, source, target pipeline.Language, contextSnippet string) string {
	if contextSnippet == "" {
		return text
	}
	return fmt.Sprintf("[%s] %s", contextSnippet, text)
}
