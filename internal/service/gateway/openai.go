package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pgvector/pgvector-go"
	openai "github.com/sashabaranov/go-openai"

	"github.com/ashita-ai/kujo/internal/model"
)

// OpenAIProvider serves completions and embeddings from the OpenAI API or
// any OpenAI-compatible endpoint.
type OpenAIProvider struct {
	client         *openai.Client
	chatModel      string
	embeddingModel string
	dimensions     int
}

// OpenAIConfig configures an OpenAIProvider. BaseURL is optional.
type OpenAIConfig struct {
	APIKey         string
	BaseURL        string
	ChatModel      string
	EmbeddingModel string
	Dimensions     int
}

// NewOpenAIProvider creates a provider backed by go-openai.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	dims := cfg.Dimensions
	if dims <= 0 {
		dims = 1536
	}
	return &OpenAIProvider{
		client:         openai.NewClientWithConfig(oc),
		chatModel:      cfg.ChatModel,
		embeddingModel: cfg.EmbeddingModel,
		dimensions:     dims,
	}
}

// Dimensions returns the embedding vector size.
func (p *OpenAIProvider) Dimensions() int {
	return p.dimensions
}

// Complete sends a chat completion request. JSON mode maps to the
// json_object response format.
func (p *OpenAIProvider) Complete(ctx context.Context, msgs []Message, opts CompleteOptions) (Completion, error) {
	opts = opts.withDefaults()
	req := openai.ChatCompletionRequest{
		Model:       p.chatModel,
		Messages:    make([]openai.ChatCompletionMessage, 0, len(msgs)),
		Temperature: float32(opts.Temperature),
		MaxTokens:   opts.MaxTokens,
	}
	for _, m := range msgs {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}
	if opts.JSONMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	start := time.Now()
	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return Completion{}, classifyOpenAI("openai: chat completion", err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, fmt.Errorf("openai: chat completion: empty choices")
	}

	return Completion{
		Content: resp.Choices[0].Message.Content,
		Model:   resp.Model,
		Usage: model.TokenUsage{
			Prompt:     resp.Usage.PromptTokens,
			Completion: resp.Usage.CompletionTokens,
			Total:      resp.Usage.TotalTokens,
		},
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

// Embed generates a single embedding. Every failure is reported as
// ErrEmbeddingUnavailable so detection can degrade.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) (Embedding, error) {
	start := time.Now()
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: []string{text},
		Model: openai.EmbeddingModel(p.embeddingModel),
	})
	if err != nil {
		return Embedding{}, embedUnavailable("openai: embeddings", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return Embedding{}, embedUnavailable("openai: embeddings", errors.New("empty embedding"))
	}
	vec := resp.Data[0].Embedding
	if len(vec) != p.dimensions {
		return Embedding{}, embedUnavailable("openai: embeddings",
			fmt.Errorf("got %d dimensions, want %d", len(vec), p.dimensions))
	}

	return Embedding{
		Vector: pgvector.NewVector(vec),
		Model:  string(resp.Model),
		Usage: model.TokenUsage{
			Prompt: resp.Usage.PromptTokens,
			Total:  resp.Usage.TotalTokens,
		},
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

func classifyOpenAI(op string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if retryableStatus(apiErr.HTTPStatusCode) {
			return unavailable(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if retryableStatus(reqErr.HTTPStatusCode) {
			return unavailable(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return classifyTransport(op, err)
}

// classifyTransport treats deadlines and network failures as outages.
// A cancelled caller context is returned as-is.
func classifyTransport(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
