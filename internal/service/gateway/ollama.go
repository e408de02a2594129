package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/kujo/internal/model"
)

// OllamaProvider serves completions and embeddings from a local Ollama
// server. No API key is needed.
type OllamaProvider struct {
	baseURL    string
	chatModel  string
	embedModel string
	dimensions int
	httpClient *http.Client
}

// NewOllamaProvider creates a provider for the given Ollama server.
// baseURL is typically "http://localhost:11434".
func NewOllamaProvider(baseURL, chatModel, embedModel string, dimensions int) *OllamaProvider {
	return &OllamaProvider{
		baseURL:    baseURL,
		chatModel:  chatModel,
		embedModel: embedModel,
		dimensions: dimensions,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

// Dimensions returns the embedding vector size.
func (p *OllamaProvider) Dimensions() int {
	return p.dimensions
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Format   string              `json:"format,omitempty"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Model           string            `json:"model"`
	Message         ollamaChatMessage `json:"message"`
	PromptEvalCount int               `json:"prompt_eval_count"`
	EvalCount       int               `json:"eval_count"`
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Complete calls /api/chat with streaming disabled.
func (p *OllamaProvider) Complete(ctx context.Context, msgs []Message, opts CompleteOptions) (Completion, error) {
	opts = opts.withDefaults()
	req := ollamaChatRequest{
		Model:    p.chatModel,
		Messages: make([]ollamaChatMessage, 0, len(msgs)),
		Options: map[string]any{
			"temperature": opts.Temperature,
			"num_predict": opts.MaxTokens,
		},
	}
	for _, m := range msgs {
		req.Messages = append(req.Messages, ollamaChatMessage{Role: string(m.Role), Content: m.Content})
	}
	if opts.JSONMode {
		req.Format = "json"
	}

	start := time.Now()
	var result ollamaChatResponse
	if err := p.post(ctx, "/api/chat", req, &result); err != nil {
		return Completion{}, err
	}
	if result.Message.Content == "" {
		return Completion{}, fmt.Errorf("ollama: empty chat response")
	}

	return Completion{
		Content: result.Message.Content,
		Model:   result.Model,
		Usage: model.TokenUsage{
			Prompt:     result.PromptEvalCount,
			Completion: result.EvalCount,
			Total:      result.PromptEvalCount + result.EvalCount,
		},
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

// Embed calls /api/embeddings.
func (p *OllamaProvider) Embed(ctx context.Context, text string) (Embedding, error) {
	start := time.Now()
	var result ollamaEmbedResponse
	if err := p.post(ctx, "/api/embeddings", ollamaEmbedRequest{Model: p.embedModel, Prompt: text}, &result); err != nil {
		return Embedding{}, embedUnavailable("ollama", err)
	}
	if len(result.Embedding) == 0 {
		return Embedding{}, embedUnavailable("ollama", errors.New("empty embedding returned"))
	}
	if len(result.Embedding) != p.dimensions {
		return Embedding{}, embedUnavailable("ollama",
			fmt.Errorf("got %d dimensions, want %d", len(result.Embedding), p.dimensions))
	}
	return Embedding{
		Vector:    pgvector.NewVector(result.Embedding),
		Model:     p.embedModel,
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

func (p *OllamaProvider) post(ctx context.Context, path string, body, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("ollama: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("ollama: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return classifyTransport("ollama: send request", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		statusErr := fmt.Errorf("ollama: status %d: %s", resp.StatusCode, string(errBody))
		if retryableStatus(resp.StatusCode) {
			return unavailable("ollama", statusErr)
		}
		return statusErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("ollama: decode response: %w", err)
	}
	return nil
}
