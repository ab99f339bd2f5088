package nlquery

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the nlquery engine.
type Config struct {
	// Database is the relational store questions are answered from.
	Database DatabaseConfig `mapstructure:"database" json:"database" yaml:"database"`

	// CatalogPath is a YAML schema catalog. Empty uses the built-in
	// e-commerce catalog.
	CatalogPath string `mapstructure:"catalog_path" json:"catalog_path" yaml:"catalog_path"`

	// AllowedTables restricts SQL generation. Empty allows every catalog table.
	AllowedTables []string `mapstructure:"allowed_tables" json:"allowed_tables" yaml:"allowed_tables"`

	// IndexBackend is "sqlite" (sqlite-vec file, default) or "memory".
	IndexBackend string `mapstructure:"index_backend" json:"index_backend" yaml:"index_backend"`

	// IndexPath is the full path to the vector index file.
	// If empty, defaults to ~/.nlquery/<IndexName>.db
	IndexPath string `mapstructure:"index_path" json:"index_path" yaml:"index_path"`

	// IndexName is used when IndexPath is empty. Defaults to "nlquery".
	IndexName string `mapstructure:"index_name" json:"index_name" yaml:"index_name"`

	// StorageDir controls where the index is created when IndexPath is not
	// set: "home" (default) uses ~/.nlquery/, "local" the working directory.
	StorageDir string `mapstructure:"storage_dir" json:"storage_dir" yaml:"storage_dir"`

	// LLM providers
	Chat      LLMConfig `mapstructure:"chat" json:"chat" yaml:"chat"`
	Embedding LLMConfig `mapstructure:"embedding" json:"embedding" yaml:"embedding"`

	// Embedding dimensions (must match model)
	EmbeddingDim int `mapstructure:"embedding_dim" json:"embedding_dim" yaml:"embedding_dim"`

	// SQL agent
	MaxAttempts           int           `mapstructure:"max_attempts" json:"max_attempts" yaml:"max_attempts"`
	RowLimit              int           `mapstructure:"row_limit" json:"row_limit" yaml:"row_limit"`
	StatementTimeout      time.Duration `mapstructure:"statement_timeout" json:"statement_timeout" yaml:"statement_timeout"`
	SQLConfidence         float64       `mapstructure:"sql_confidence" json:"sql_confidence" yaml:"sql_confidence"`
	EmptyResultConfidence float64       `mapstructure:"empty_result_confidence" json:"empty_result_confidence" yaml:"empty_result_confidence"`

	// Retrieval
	RetrievalTopK int     `mapstructure:"retrieval_top_k" json:"retrieval_top_k" yaml:"retrieval_top_k"`
	MinSimilarity float64 `mapstructure:"min_similarity" json:"min_similarity" yaml:"min_similarity"`

	// RequestTimeout bounds each generation or embedding call.
	RequestTimeout time.Duration `mapstructure:"request_timeout" json:"request_timeout" yaml:"request_timeout"`

	// Router
	ClassifierThreshold float64 `mapstructure:"classifier_threshold" json:"classifier_threshold" yaml:"classifier_threshold"`

	// Answer cache; a zero TTL disables it.
	QueryCacheTTL  time.Duration `mapstructure:"query_cache_ttl" json:"query_cache_ttl" yaml:"query_cache_ttl"`
	QueryCacheSize int           `mapstructure:"query_cache_size" json:"query_cache_size" yaml:"query_cache_size"`

	// LogQueries records every answer in the index's query log.
	LogQueries bool `mapstructure:"log_queries" json:"log_queries" yaml:"log_queries"`
}

// DatabaseConfig selects the relational store.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver" json:"driver" yaml:"driver"` // sqlite, postgres
	DSN    string `mapstructure:"dsn" json:"dsn" yaml:"dsn"`
	// MaxConcurrentStatements caps statements in flight across questions.
	MaxConcurrentStatements int `mapstructure:"max_concurrent_statements" json:"max_concurrent_statements" yaml:"max_concurrent_statements"`
}

// LLMConfig configures a single LLM provider endpoint.
type LLMConfig struct {
	Provider string `mapstructure:"provider" json:"provider" yaml:"provider"` // ollama, openai, groq, lmstudio, openrouter, xai, gemini, custom
	Model    string `mapstructure:"model" json:"model" yaml:"model"`
	BaseURL  string `mapstructure:"base_url" json:"base_url" yaml:"base_url"`
	APIKey   string `mapstructure:"api_key" json:"api_key" yaml:"api_key"`
}

// DefaultConfig returns a Config with sensible defaults for local inference
// against a SQLite copy of the e-commerce dataset.
func DefaultConfig() Config {
	return Config{
		Database: DatabaseConfig{
			Driver:                  "sqlite",
			DSN:                     "ecommerce.db",
			MaxConcurrentStatements: 8,
		},
		IndexBackend: "sqlite",
		IndexName:    "nlquery",
		StorageDir:   "home",
		Chat: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.1:8b",
			BaseURL:  "http://localhost:11434",
		},
		Embedding: LLMConfig{
			Provider: "ollama",
			Model:    "nomic-embed-text",
			BaseURL:  "http://localhost:11434",
		},
		EmbeddingDim:          768,
		MaxAttempts:           3,
		RowLimit:              1000,
		StatementTimeout:      30 * time.Second,
		SQLConfidence:         0.95,
		EmptyResultConfidence: 0.40,
		RetrievalTopK:         5,
		MinSimilarity:         0.30,
		RequestTimeout:        60 * time.Second,
		ClassifierThreshold:   0.75,
		QueryCacheSize:        256,
	}
}

// bareEnv maps config keys to the unprefixed environment names they also
// accept.
var bareEnv = map[string]string{
	"max_attempts":      "MAX_ATTEMPTS",
	"retrieval_top_k":   "RETRIEVAL_TOP_K",
	"min_similarity":    "MIN_SIMILARITY",
	"row_limit":         "ROW_LIMIT",
	"statement_timeout": "STATEMENT_TIMEOUT",
	"request_timeout":   "REQUEST_TIMEOUT",
}

// LoadConfig reads configuration from path (YAML or JSON; empty for none)
// and the environment. Every key can be set as NLQ_<KEY>, nested keys joined
// by underscores (NLQ_DATABASE_DSN). The retry, retrieval and timeout knobs
// also accept their bare names (MAX_ATTEMPTS, ROW_LIMIT, ...).
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix("NLQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, bare := range bareEnv {
		if err := v.BindEnv(key, "NLQ_"+strings.ToUpper(key), bare); err != nil {
			return Config{}, fmt.Errorf("binding %s: %w", bare, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	cfg.applyKeyFallback()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("database.max_concurrent_statements", d.Database.MaxConcurrentStatements)
	v.SetDefault("catalog_path", d.CatalogPath)
	v.SetDefault("allowed_tables", d.AllowedTables)
	v.SetDefault("index_backend", d.IndexBackend)
	v.SetDefault("index_path", d.IndexPath)
	v.SetDefault("index_name", d.IndexName)
	v.SetDefault("storage_dir", d.StorageDir)
	for prefix, l := range map[string]LLMConfig{"chat": d.Chat, "embedding": d.Embedding} {
		v.SetDefault(prefix+".provider", l.Provider)
		v.SetDefault(prefix+".model", l.Model)
		v.SetDefault(prefix+".base_url", l.BaseURL)
		v.SetDefault(prefix+".api_key", l.APIKey)
	}
	v.SetDefault("embedding_dim", d.EmbeddingDim)
	v.SetDefault("max_attempts", d.MaxAttempts)
	v.SetDefault("row_limit", d.RowLimit)
	v.SetDefault("statement_timeout", d.StatementTimeout)
	v.SetDefault("sql_confidence", d.SQLConfidence)
	v.SetDefault("empty_result_confidence", d.EmptyResultConfidence)
	v.SetDefault("retrieval_top_k", d.RetrievalTopK)
	v.SetDefault("min_similarity", d.MinSimilarity)
	v.SetDefault("request_timeout", d.RequestTimeout)
	v.SetDefault("classifier_threshold", d.ClassifierThreshold)
	v.SetDefault("query_cache_ttl", d.QueryCacheTTL)
	v.SetDefault("query_cache_size", d.QueryCacheSize)
	v.SetDefault("log_queries", d.LogQueries)
}

// applyKeyFallback checks well-known provider env vars for API keys.
func (c *Config) applyKeyFallback() {
	for _, l := range []*LLMConfig{&c.Chat, &c.Embedding} {
		if l.APIKey != "" {
			continue
		}
		switch l.Provider {
		case "openai":
			l.APIKey = os.Getenv("OPENAI_API_KEY")
		case "groq":
			l.APIKey = os.Getenv("GROQ_API_KEY")
		}
	}
}

// Validate reports the first out-of-range setting.
func (c *Config) Validate() error {
	switch {
	case c.MaxAttempts < 1:
		return fmt.Errorf("%w: max_attempts must be at least 1", ErrInvalidConfig)
	case c.RowLimit < 1:
		return fmt.Errorf("%w: row_limit must be at least 1", ErrInvalidConfig)
	case c.RetrievalTopK < 1:
		return fmt.Errorf("%w: retrieval_top_k must be at least 1", ErrInvalidConfig)
	case c.MinSimilarity < -1 || c.MinSimilarity > 1:
		return fmt.Errorf("%w: min_similarity must be within [-1, 1]", ErrInvalidConfig)
	case c.StatementTimeout <= 0:
		return fmt.Errorf("%w: statement_timeout must be positive", ErrInvalidConfig)
	case c.ClassifierThreshold < 0 || c.ClassifierThreshold > 1:
		return fmt.Errorf("%w: classifier_threshold must be within [0, 1]", ErrInvalidConfig)
	case c.SQLConfidence < 0 || c.SQLConfidence > 1 || c.EmptyResultConfidence < 0 || c.EmptyResultConfidence > 1:
		return fmt.Errorf("%w: confidences must be within [0, 1]", ErrInvalidConfig)
	case c.IndexBackend != "" && c.IndexBackend != "sqlite" && c.IndexBackend != "memory":
		return fmt.Errorf("%w: unknown index backend %q", ErrInvalidConfig, c.IndexBackend)
	case c.EmbeddingDim <= 0:
		return fmt.Errorf("%w: embedding_dim must be positive", ErrInvalidConfig)
	}
	return nil
}

// resolveIndexPath computes the final index path from config fields.
func (c *Config) resolveIndexPath() string {
	if c.IndexPath != "" {
		return c.IndexPath
	}

	name := c.IndexName
	if name == "" {
		name = "nlquery"
	}

	switch c.StorageDir {
	case "local", "cwd":
		return name + ".db"
	default: // "home" or empty
		home, err := os.UserHomeDir()
		if err != nil {
			return name + ".db" // fallback to cwd
		}
		return filepath.Join(home, ".nlquery", name+".db")
	}
}
