package nlquery

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 5, cfg.RetrievalTopK)
	assert.Equal(t, 1000, cfg.RowLimit)
	assert.Equal(t, 30*time.Second, cfg.StatementTimeout)
	assert.Zero(t, cfg.QueryCacheTTL)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nlq.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: postgres
  dsn: postgres://localhost/shop
allowed_tables: [customers, orders]
row_limit: 50
chat:
  provider: groq
  model: llama-3.1-8b-instant
`), 0o644))

	t.Setenv("MAX_ATTEMPTS", "5")
	t.Setenv("STATEMENT_TIMEOUT", "10s")
	t.Setenv("NLQ_MIN_SIMILARITY", "0.5")
	t.Setenv("GROQ_API_KEY", "gsk-test")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "postgres://localhost/shop", cfg.Database.DSN)
	assert.Equal(t, []string{"customers", "orders"}, cfg.AllowedTables)
	assert.Equal(t, 50, cfg.RowLimit)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.StatementTimeout)
	assert.Equal(t, 0.5, cfg.MinSimilarity)
	assert.Equal(t, "gsk-test", cfg.Chat.APIKey)
	assert.Equal(t, 5, cfg.RetrievalTopK, "unset keys keep their defaults")
	assert.Equal(t, "ollama", cfg.Embedding.Provider)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	t.Setenv("ROW_LIMIT", "0")
	_, err := LoadConfig("")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero attempts", func(c *Config) { c.MaxAttempts = 0 }},
		{"similarity out of range", func(c *Config) { c.MinSimilarity = 1.5 }},
		{"threshold out of range", func(c *Config) { c.ClassifierThreshold = -0.1 }},
		{"unknown backend", func(c *Config) { c.IndexBackend = "faiss" }},
		{"zero timeout", func(c *Config) { c.StatementTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestResolveIndexPath(t *testing.T) {
	cfg := Config{IndexPath: "/tmp/x.db"}
	assert.Equal(t, "/tmp/x.db", cfg.resolveIndexPath())

	cfg = Config{IndexName: "shop", StorageDir: "local"}
	assert.Equal(t, "shop.db", cfg.resolveIndexPath())

	cfg = Config{}
	assert.Equal(t, "nlquery.db", filepath.Base(cfg.resolveIndexPath()))
}
