// Package gateway is the single entry point for model calls.
//
// Callers never talk to a provider SDK directly. A Gateway combines a
// Completer (structured JSON completions) with an Embedder (text vectors),
// and the concrete provider is chosen once at startup from configuration.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/kujo/internal/model"
)

// ErrProviderUnavailable marks transient provider failures: timeouts,
// throttling, 5xx responses and network errors. Callers may retry.
var ErrProviderUnavailable = errors.New("gateway: provider unavailable")

// ErrEmbeddingUnavailable marks any failure to produce an embedding,
// including running without an embedding provider at all.
var ErrEmbeddingUnavailable = errors.New("gateway: embedding unavailable")

// Role is a chat message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    Role
	Content string
}

// CompleteOptions tune a single completion call.
type CompleteOptions struct {
	JSONMode    bool
	Temperature float64
	MaxTokens   int
}

// DefaultCompleteOptions returns the low-temperature JSON settings used by
// every triage stage.
func DefaultCompleteOptions() CompleteOptions {
	return CompleteOptions{JSONMode: true, Temperature: 0.1, MaxTokens: 4096}
}

func (o CompleteOptions) withDefaults() CompleteOptions {
	if o.MaxTokens <= 0 {
		o.MaxTokens = 4096
	}
	if o.Temperature < 0 {
		o.Temperature = 0
	}
	return o
}

// Completion is the raw text a provider returned plus accounting.
type Completion struct {
	Content   string
	Model     string
	Usage     model.TokenUsage
	LatencyMs int64
}

// Embedding is a vector plus accounting.
type Embedding struct {
	Vector    pgvector.Vector
	Model     string
	Usage     model.TokenUsage
	LatencyMs int64
}

// Completer produces chat completions.
type Completer interface {
	Complete(ctx context.Context, msgs []Message, opts CompleteOptions) (Completion, error)
}

// Embedder produces text embeddings.
type Embedder interface {
	Embed(ctx context.Context, text string) (Embedding, error)
	Dimensions() int
}

// Gateway is the model-calling surface used by triage and detection.
type Gateway interface {
	Completer
	Embedder
}

// Composite pairs a completer from one provider with an embedder from
// another, e.g. Anthropic completions with OpenAI embeddings.
type Composite struct {
	Completer
	Embedder
}

// Compose builds a Gateway from separate halves. A nil embedder means
// embeddings are unavailable.
func Compose(c Completer, e Embedder) *Composite {
	if e == nil {
		e = NoopProvider{}
	}
	if c == nil {
		c = NoopProvider{}
	}
	return &Composite{Completer: c, Embedder: e}
}

// unavailable wraps err so errors.Is matches ErrProviderUnavailable.
func unavailable(provider string, err error) error {
	return fmt.Errorf("%s: %w: %w", provider, ErrProviderUnavailable, err)
}

// embedUnavailable wraps err so errors.Is matches ErrEmbeddingUnavailable.
func embedUnavailable(provider string, err error) error {
	return fmt.Errorf("%s: %w: %w", provider, ErrEmbeddingUnavailable, err)
}

// retryableStatus reports whether an HTTP status should be treated as a
// transient outage rather than a caller error.
func retryableStatus(code int) bool {
	return code == 0 || code == 408 || code == 409 || code == 429 || code >= 500
}

// splitSystem folds system messages into one prompt and returns the rest.
func splitSystem(msgs []Message) (string, []Message) {
	var system string
	rest := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}
