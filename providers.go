package kujo

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/kujo/internal/config"
	"github.com/ashita-ai/kujo/internal/service/gateway"
)

// newGateway selects the completion and embedding providers once at
// startup, unless override is set, and wraps the result in the shared rate
// limit and call timeout.
func newGateway(cfg config.Config, override gateway.Gateway, logger *slog.Logger) gateway.Gateway {
	g := override
	if g == nil {
		ollamaUp := func() bool { return ollamaReachable(cfg.OllamaURL) }
		g = gateway.Compose(newCompleter(cfg, ollamaUp, logger), newEmbedder(cfg, ollamaUp, logger))
	}
	return gateway.NewLimited(g, cfg.LLMRPS, cfg.LLMBurst, cfg.LLMTimeout)
}

func newOpenAI(cfg config.Config) *gateway.OpenAIProvider {
	return gateway.NewOpenAIProvider(gateway.OpenAIConfig{
		APIKey:         cfg.OpenAIAPIKey,
		BaseURL:        cfg.OpenAIBaseURL,
		ChatModel:      cfg.AIModel,
		EmbeddingModel: cfg.EmbeddingModel,
		Dimensions:     cfg.EmbeddingDimensions,
	})
}

func newOllama(cfg config.Config) *gateway.OllamaProvider {
	return gateway.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaChatModel, cfg.OllamaEmbedModel, cfg.EmbeddingDimensions)
}

func newCompleter(cfg config.Config, ollamaUp func() bool, logger *slog.Logger) gateway.Completer {
	switch cfg.LLMProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when KUJO_LLM_PROVIDER=openai")
			return gateway.NoopProvider{}
		}
		logger.Info("llm provider: openai", "model", cfg.AIModel)
		return newOpenAI(cfg)
	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			logger.Error("ANTHROPIC_API_KEY required when KUJO_LLM_PROVIDER=anthropic")
			return gateway.NoopProvider{}
		}
		logger.Info("llm provider: anthropic", "model", cfg.AnthropicModel)
		return gateway.NewAnthropicProvider(cfg.AnthropicAPIKey, "", cfg.AnthropicModel)
	case "ollama":
		logger.Info("llm provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaChatModel)
		return newOllama(cfg)
	case "noop":
		logger.Info("llm provider: noop (triage disabled)")
		return gateway.NoopProvider{}
	default:
		if cfg.OpenAIAPIKey != "" {
			logger.Info("llm provider: openai (auto-detected)", "model", cfg.AIModel)
			return newOpenAI(cfg)
		}
		if cfg.AnthropicAPIKey != "" {
			logger.Info("llm provider: anthropic (auto-detected)", "model", cfg.AnthropicModel)
			return gateway.NewAnthropicProvider(cfg.AnthropicAPIKey, "", cfg.AnthropicModel)
		}
		if ollamaUp() {
			logger.Info("llm provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaChatModel)
			return newOllama(cfg)
		}
		logger.Warn("no llm provider available, using noop (triage disabled)")
		return gateway.NoopProvider{}
	}
}

func newEmbedder(cfg config.Config, ollamaUp func() bool, logger *slog.Logger) gateway.Embedder {
	dims := cfg.EmbeddingDimensions
	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when KUJO_EMBEDDING_PROVIDER=openai")
			return gateway.NoopProvider{}
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		return newOpenAI(cfg)
	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaEmbedModel, "dimensions", dims)
		return newOllama(cfg)
	case "noop":
		logger.Info("embedding provider: noop (systemic detection degraded)")
		return gateway.NoopProvider{}
	default:
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			return newOpenAI(cfg)
		}
		if ollamaUp() {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaEmbedModel, "dimensions", dims)
			return newOllama(cfg)
		}
		logger.Warn("no embedding provider available, using noop (systemic detection degraded)")
		return gateway.NoopProvider{}
	}
}

func ollamaReachable(baseURL string) bool {
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(c, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
