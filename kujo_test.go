package kujo

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kujo/internal/config"
	"github.com/ashita-ai/kujo/internal/ratelimit"
	"github.com/ashita-ai/kujo/internal/service/gateway"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func never() bool  { return false }
func always() bool { return true }

func TestNewCompleterSelection(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.Config
		ollamaUp func() bool
		want     any
	}{
		{"explicit noop", config.Config{LLMProvider: "noop", OpenAIAPIKey: "sk"}, always, gateway.NoopProvider{}},
		{"openai without key", config.Config{LLMProvider: "openai"}, never, gateway.NoopProvider{}},
		{"openai", config.Config{LLMProvider: "openai", OpenAIAPIKey: "sk"}, never, &gateway.OpenAIProvider{}},
		{"anthropic without key", config.Config{LLMProvider: "anthropic"}, never, gateway.NoopProvider{}},
		{"anthropic", config.Config{LLMProvider: "anthropic", AnthropicAPIKey: "ak"}, never, &gateway.AnthropicProvider{}},
		{"ollama", config.Config{LLMProvider: "ollama"}, never, &gateway.OllamaProvider{}},
		{"auto prefers openai", config.Config{LLMProvider: "auto", OpenAIAPIKey: "sk", AnthropicAPIKey: "ak"}, always, &gateway.OpenAIProvider{}},
		{"auto falls to anthropic", config.Config{LLMProvider: "auto", AnthropicAPIKey: "ak"}, always, &gateway.AnthropicProvider{}},
		{"auto falls to ollama", config.Config{LLMProvider: "auto"}, always, &gateway.OllamaProvider{}},
		{"auto with nothing", config.Config{LLMProvider: "auto"}, never, gateway.NoopProvider{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := newCompleter(tt.cfg, tt.ollamaUp, quietLogger())
			assert.IsType(t, tt.want, got)
		})
	}
}

func TestNewEmbedderSelection(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.Config
		ollamaUp func() bool
		want     any
	}{
		{"explicit noop", config.Config{EmbeddingProvider: "noop", OpenAIAPIKey: "sk"}, always, gateway.NoopProvider{}},
		{"openai without key", config.Config{EmbeddingProvider: "openai"}, always, gateway.NoopProvider{}},
		{"ollama", config.Config{EmbeddingProvider: "ollama"}, never, &gateway.OllamaProvider{}},
		{"auto openai", config.Config{EmbeddingProvider: "auto", OpenAIAPIKey: "sk"}, always, &gateway.OpenAIProvider{}},
		{"auto ignores anthropic key", config.Config{EmbeddingProvider: "auto", AnthropicAPIKey: "ak"}, never, gateway.NoopProvider{}},
		{"auto ollama", config.Config{EmbeddingProvider: "auto"}, always, &gateway.OllamaProvider{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := newEmbedder(tt.cfg, tt.ollamaUp, quietLogger())
			assert.IsType(t, tt.want, got)
		})
	}
}

func TestNoopGatewayFailsWithSentinels(t *testing.T) {
	g := newGateway(config.Config{LLMProvider: "noop", EmbeddingProvider: "noop"}, nil, quietLogger())

	_, err := g.Complete(context.Background(), nil, gateway.DefaultCompleteOptions())
	require.ErrorIs(t, err, gateway.ErrProviderUnavailable)
	_, err = g.Embed(context.Background(), "text")
	require.ErrorIs(t, err, gateway.ErrEmbeddingUnavailable)
}

type fixedDims struct{ gateway.NoopProvider }

func (fixedDims) Dimensions() int { return 7 }

func TestWithGatewayOverridesProviders(t *testing.T) {
	var o resolvedOptions
	WithGateway(fixedDims{})(&o)

	cfg := config.Config{LLMProvider: "openai", EmbeddingProvider: "openai", LLMRPS: 10, LLMBurst: 1, LLMTimeout: time.Second}
	g := newGateway(cfg, o.gateway, quietLogger())
	assert.Equal(t, 7, g.Dimensions())
	_, err := g.Complete(context.Background(), nil, gateway.DefaultCompleteOptions())
	require.ErrorIs(t, err, gateway.ErrProviderUnavailable)
}

func TestOllamaReachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			_, _ = w.Write([]byte(`{"models":[]}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	assert.True(t, ollamaReachable(srv.URL))

	srv.Close()
	assert.False(t, ollamaReachable(srv.URL))
}

func TestNewLimiterSelection(t *testing.T) {
	off := newLimiter(config.Config{RateLimitRPS: 0}, nil, quietLogger())
	assert.IsType(t, ratelimit.NoopLimiter{}, off)

	mem := newLimiter(config.Config{RateLimitRPS: 5, RateLimitBurst: 1}, nil, quietLogger())
	require.IsType(t, &ratelimit.MemoryLimiter{}, mem)
	defer func() { _ = mem.Close() }()

	ok, err := mem.Allow(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = mem.Allow(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok, "burst of one")
}

func TestContextWithOptionalTimeout(t *testing.T) {
	ctx, cancel := contextWithOptionalTimeout(context.Background(), 0)
	defer cancel()
	_, has := ctx.Deadline()
	assert.False(t, has)

	ctx2, cancel2 := contextWithOptionalTimeout(context.Background(), time.Minute)
	defer cancel2()
	_, has = ctx2.Deadline()
	assert.True(t, has)
}
