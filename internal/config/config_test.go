package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestEnvIntFallback(t *testing.T) {
	v, err := envInt("TEST_INT_MISSING", 99)
	require.NoError(t, err)
	assert.Equal(t, 99, v)
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	require.Error(t, err)
	assert.Equal(t, `TEST_INT_BAD="abc" is not a valid integer`, err.Error())
}

func TestEnvFloatInvalid(t *testing.T) {
	t.Setenv("TEST_FLOAT_BAD", "high")
	_, err := envFloat("TEST_FLOAT_BAD", 0.5)
	require.Error(t, err)
	assert.Equal(t, `TEST_FLOAT_BAD="high" is not a valid number`, err.Error())
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	require.Error(t, err)
	assert.Equal(t, `TEST_BOOL_BAD="maybe" is not a valid boolean`, err.Error())
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, v)
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	require.Error(t, err)
	assert.Equal(t, `TEST_DUR_BAD="five-seconds" is not a valid duration`, err.Error())
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.InDelta(t, 0.85, cfg.SimilarityThreshold, 1e-9)
	assert.Equal(t, 3, cfg.ClusterMinComplaints)
	assert.Equal(t, 24*time.Hour, cfg.SpikeWindow)
	assert.Equal(t, 5, cfg.SpikeThreshold)
	assert.Equal(t, 90*24*time.Hour, cfg.SimilarityWindow)
	assert.Equal(t, 50, cfg.SimilarityLimit)
	assert.Equal(t, "gpt-4o", cfg.AIModel)
	assert.Equal(t, "text-embedding-ada-002", cfg.EmbeddingModel)
	assert.Equal(t, 5, cfg.TriageConcurrency)
	assert.Equal(t, 3, cfg.DetectionConcurrency)
	assert.Equal(t, 2*time.Second, cfg.RetryBaseDelay)
	assert.Empty(t, cfg.RedisURL)
	assert.Equal(t, "pgvector", cfg.SimilarityBackend)
}

func TestLoadSpikeWindowHours(t *testing.T) {
	t.Setenv("SPIKE_DETECTION_WINDOW_HOURS", "6")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 6*time.Hour, cfg.SpikeWindow)
}

func TestLoadFailsOnInvalidPort(t *testing.T) {
	t.Setenv("KUJO_PORT", "abc")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KUJO_PORT")
	assert.Contains(t, err.Error(), "abc")
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("KUJO_PORT", "abc")
	t.Setenv("SIMILARITY_THRESHOLD", "xyz")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KUJO_PORT")
	assert.Contains(t, err.Error(), "SIMILARITY_THRESHOLD")
}

func TestValidate(t *testing.T) {
	base, err := Load()
	require.NoError(t, err)

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"threshold above one", func(c *Config) { c.SimilarityThreshold = 1.5 }, "SIMILARITY_THRESHOLD"},
		{"threshold zero", func(c *Config) { c.SimilarityThreshold = 0 }, "SIMILARITY_THRESHOLD"},
		{"cluster size one", func(c *Config) { c.ClusterMinComplaints = 1 }, "CLUSTER_MIN_COMPLAINTS"},
		{"qdrant without url", func(c *Config) { c.SimilarityBackend = "qdrant"; c.QdrantURL = "" }, "QDRANT_URL"},
		{"unknown backend", func(c *Config) { c.SimilarityBackend = "faiss" }, "KUJO_SIMILARITY_BACKEND"},
		{"unknown provider", func(c *Config) { c.LLMProvider = "gemini" }, "KUJO_LLM_PROVIDER"},
		{"unknown embedder", func(c *Config) { c.EmbeddingProvider = "anthropic" }, "KUJO_EMBEDDING_PROVIDER"},
		{"zero token lifetime", func(c *Config) { c.JWTExpiration = 0 }, "KUJO_JWT_EXPIRATION"},
		{"missing database", func(c *Config) { c.DatabaseURL = "" }, "DATABASE_URL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.wantErr), "got %v", err)
		})
	}

	t.Run("qdrant with url", func(t *testing.T) {
		cfg := base
		cfg.SimilarityBackend = "qdrant"
		cfg.QdrantURL = "http://localhost:6334"
		assert.NoError(t, cfg.Validate())
	})
}
