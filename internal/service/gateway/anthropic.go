package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ashita-ai/kujo/internal/model"
)

// jsonPrefill seeds the assistant turn so the reply continues a JSON object.
const jsonPrefill = "{"

const jsonInstruction = "Respond with a single valid JSON object and nothing else."

// AnthropicProvider serves completions from the Anthropic Messages API.
// It has no embedding endpoint; pair it with another Embedder via Compose.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
}

// NewAnthropicProvider creates a provider. baseURL is optional.
func NewAnthropicProvider(apiKey, baseURL, chatModel string) *AnthropicProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(opts...),
		model:  chatModel,
	}
}

// Complete sends a Messages request. System turns become the system
// prompt. In JSON mode the system prompt gains a JSON-only instruction,
// the assistant turn is prefilled with "{" and the brace is restored on
// the returned content.
func (p *AnthropicProvider) Complete(ctx context.Context, msgs []Message, opts CompleteOptions) (Completion, error) {
	opts = opts.withDefaults()
	system, turns := splitSystem(msgs)
	if opts.JSONMode {
		if system != "" {
			system += "\n\n"
		}
		system += jsonInstruction
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(p.model),
		MaxTokens:   int64(opts.MaxTokens),
		Temperature: anthropic.Float(opts.Temperature),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	for _, m := range turns {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == RoleAssistant {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		}
	}
	if opts.JSONMode {
		params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(jsonPrefill)))
	}

	start := time.Now()
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return Completion{}, classifyAnthropic("anthropic: messages", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	content := sb.String()
	if opts.JSONMode && !strings.HasPrefix(strings.TrimSpace(content), jsonPrefill) {
		content = jsonPrefill + content
	}

	in, out := int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens)
	return Completion{
		Content:   content,
		Model:     string(msg.Model),
		Usage:     model.TokenUsage{Prompt: in, Completion: out, Total: in + out},
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

// Embed is not supported by Anthropic.
func (p *AnthropicProvider) Embed(context.Context, string) (Embedding, error) {
	return Embedding{}, embedUnavailable("anthropic", errors.New("embeddings not supported"))
}

// Dimensions returns 0; Anthropic produces no embeddings.
func (p *AnthropicProvider) Dimensions() int { return 0 }

func classifyAnthropic(op string, err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		if retryableStatus(apiErr.StatusCode) {
			return unavailable(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return classifyTransport(op, err)
}
