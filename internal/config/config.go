// Package config provides configuration loading for docqd.
//
// Configuration is loaded from a YAML file and overridden by environment
// variables. Every section carries its own defaults and validation so a
// misconfigured service fails at startup, not mid-request.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/docqd/internal/logging"
)

// Config holds the complete docqd configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Logging    logging.Config   `koanf:"logging"`
	Store      StoreConfig      `koanf:"store"`
	Index      IndexConfig      `koanf:"index"`
	Embedding  EmbeddingConfig  `koanf:"embedding"`
	Generation GenerationConfig `koanf:"generation"`
	Retrieval  RetrievalConfig  `koanf:"retrieval"`
	Chunking   ChunkingConfig   `koanf:"chunking"`
	Cache      CacheConfig      `koanf:"cache"`
	Events     EventsConfig     `koanf:"events"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	MaxDocumentSize int           `koanf:"max_document_size"`
}

// StoreConfig holds metadata store configuration.
type StoreConfig struct {
	// Path is the SQLite database file. ":memory:" is accepted for tests.
	Path string `koanf:"path"`
}

// IndexConfig holds vector index configuration.
type IndexConfig struct {
	// Provider selects the index backend: "chromem" (embedded, default)
	// or "qdrant" (external, gRPC).
	Provider string       `koanf:"provider"`
	Qdrant   QdrantConfig `koanf:"qdrant"`
	Chromem  ChromemConfig `koanf:"chromem"`
}

// QdrantConfig holds Qdrant gRPC client configuration.
type QdrantConfig struct {
	Host   string `koanf:"host"`
	Port   int    `koanf:"port"`
	APIKey string `koanf:"api_key"`
	UseTLS bool   `koanf:"use_tls"`
}

// ChromemConfig holds embedded vector store configuration.
type ChromemConfig struct {
	// Path is the persistence directory. Empty means in-memory only.
	Path string `koanf:"path"`
}

// EmbeddingConfig holds embedding provider configuration.
type EmbeddingConfig struct {
	// BaseURL points at an OpenAI-compatible embeddings endpoint
	// (api.openai.com or a local TEI server).
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
	APIKey  string `koanf:"api_key"`

	// BatchSize is the maximum number of chunk texts per provider call.
	BatchSize int `koanf:"batch_size"`

	// Workers bounds concurrent batch calls against the provider.
	Workers int `koanf:"workers"`

	// RequestsPerSecond paces provider calls across all workers.
	RequestsPerSecond float64 `koanf:"requests_per_second"`

	// MaxAttempts bounds retries per batch on transient failure.
	MaxAttempts int `koanf:"max_attempts"`

	// RetryBaseDelay seeds the exponential backoff between attempts.
	RetryBaseDelay time.Duration `koanf:"retry_base_delay"`
}

// GenerationConfig holds text generation configuration.
type GenerationConfig struct {
	OpenAI   OpenAIConfig   `koanf:"openai"`
	GoogleAI GoogleAIConfig `koanf:"googleai"`

	// CallTimeout bounds each individual provider call.
	CallTimeout time.Duration `koanf:"call_timeout"`

	// MaxTokens caps the generated response length.
	MaxTokens int `koanf:"max_tokens"`

	Temperature float64 `koanf:"temperature"`
}

// OpenAIConfig configures the primary generation provider.
type OpenAIConfig struct {
	Enabled bool   `koanf:"enabled"`
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
	APIKey  string `koanf:"api_key"`
}

// GoogleAIConfig configures the fallback generation provider.
type GoogleAIConfig struct {
	Enabled bool   `koanf:"enabled"`
	Model   string `koanf:"model"`
	APIKey  string `koanf:"api_key"`
}

// RetrievalConfig holds retrieval assembly configuration.
type RetrievalConfig struct {
	TopK        int     `koanf:"top_k"`
	MinScore    float32 `koanf:"min_score"`
	TokenBudget int     `koanf:"token_budget"`
}

// ChunkingConfig holds document chunking configuration.
type ChunkingConfig struct {
	// Size is the maximum chunk size in tokens.
	Size int `koanf:"size"`

	// Overlap is the number of tokens shared between adjacent chunks.
	Overlap int `koanf:"overlap"`
}

// CacheConfig holds derived-result cache configuration.
type CacheConfig struct {
	TTL time.Duration `koanf:"ttl"`
}

// EventsConfig holds status event publishing configuration.
type EventsConfig struct {
	Enabled bool   `koanf:"enabled"`
	NATSURL string `koanf:"nats_url"`
}

// TelemetryConfig holds OpenTelemetry export configuration.
type TelemetryConfig struct {
	Enabled      bool   `koanf:"enabled"`
	ServiceName  string `koanf:"service_name"`
	OTLPEndpoint string `koanf:"otlp_endpoint"`
}

// ApplyDefaults fills in zero-valued fields with production defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Server.MaxDocumentSize == 0 {
		c.Server.MaxDocumentSize = 2 * 1024 * 1024
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Fields == nil {
		c.Logging.Fields = map[string]string{"service": "docqd"}
	}

	if c.Store.Path == "" {
		c.Store.Path = "docqd.db"
	}

	if c.Index.Provider == "" {
		c.Index.Provider = "chromem"
	}
	if c.Index.Qdrant.Host == "" {
		c.Index.Qdrant.Host = "localhost"
	}
	if c.Index.Qdrant.Port == 0 {
		c.Index.Qdrant.Port = 6334
	}

	if c.Embedding.BaseURL == "" {
		c.Embedding.BaseURL = "https://api.openai.com/v1"
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = "text-embedding-3-small"
	}
	if c.Embedding.BatchSize == 0 {
		c.Embedding.BatchSize = 64
	}
	if c.Embedding.Workers == 0 {
		c.Embedding.Workers = 4
	}
	if c.Embedding.RequestsPerSecond == 0 {
		c.Embedding.RequestsPerSecond = 10
	}
	if c.Embedding.MaxAttempts == 0 {
		c.Embedding.MaxAttempts = 3
	}
	if c.Embedding.RetryBaseDelay == 0 {
		c.Embedding.RetryBaseDelay = 500 * time.Millisecond
	}

	if c.Generation.CallTimeout == 0 {
		c.Generation.CallTimeout = 30 * time.Second
	}
	if c.Generation.MaxTokens == 0 {
		c.Generation.MaxTokens = 1024
	}
	if c.Generation.OpenAI.Model == "" {
		c.Generation.OpenAI.Model = "gpt-4o-mini"
	}
	if c.Generation.GoogleAI.Model == "" {
		c.Generation.GoogleAI.Model = "gemini-1.5-flash"
	}

	if c.Retrieval.TopK == 0 {
		c.Retrieval.TopK = 8
	}
	if c.Retrieval.MinScore == 0 {
		c.Retrieval.MinScore = 0.35
	}
	if c.Retrieval.TokenBudget == 0 {
		c.Retrieval.TokenBudget = 3000
	}

	if c.Chunking.Size == 0 {
		c.Chunking.Size = 1000
	}
	if c.Chunking.Overlap == 0 {
		c.Chunking.Overlap = 100
	}

	if c.Cache.TTL == 0 {
		c.Cache.TTL = 24 * time.Hour
	}

	if c.Events.NATSURL == "" {
		c.Events.NATSURL = "nats://localhost:4222"
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "docqd"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Server.MaxDocumentSize <= 0 {
		return errors.New("max document size must be positive")
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}

	if c.Store.Path == "" {
		return errors.New("store path is required")
	}

	switch c.Index.Provider {
	case "chromem":
	case "qdrant":
		if c.Index.Qdrant.Host == "" {
			return errors.New("qdrant host is required")
		}
		if c.Index.Qdrant.Port < 1 || c.Index.Qdrant.Port > 65535 {
			return fmt.Errorf("invalid qdrant port: %d", c.Index.Qdrant.Port)
		}
	default:
		return fmt.Errorf("unknown index provider %q (must be chromem or qdrant)", c.Index.Provider)
	}

	if c.Embedding.BatchSize < 1 {
		return errors.New("embedding batch size must be positive")
	}
	if c.Embedding.Workers < 1 {
		return errors.New("embedding workers must be positive")
	}
	if c.Embedding.MaxAttempts < 1 {
		return errors.New("embedding max attempts must be positive")
	}
	if c.Embedding.RequestsPerSecond <= 0 {
		return errors.New("embedding requests per second must be positive")
	}

	if !c.Generation.OpenAI.Enabled && !c.Generation.GoogleAI.Enabled {
		return errors.New("at least one generation provider must be enabled")
	}
	if c.Generation.CallTimeout <= 0 {
		return errors.New("generation call timeout must be positive")
	}

	if c.Retrieval.TopK < 1 {
		return errors.New("retrieval top_k must be positive")
	}
	if c.Retrieval.MinScore < 0 || c.Retrieval.MinScore > 1 {
		return fmt.Errorf("retrieval min_score must be in [0,1], got %v", c.Retrieval.MinScore)
	}
	if c.Retrieval.TokenBudget < 1 {
		return errors.New("retrieval token budget must be positive")
	}

	if c.Chunking.Size < 1 {
		return errors.New("chunk size must be positive")
	}
	if c.Chunking.Overlap < 0 {
		return errors.New("chunk overlap must be non-negative")
	}
	if c.Chunking.Overlap >= c.Chunking.Size {
		return fmt.Errorf("chunk overlap %d must be smaller than chunk size %d",
			c.Chunking.Overlap, c.Chunking.Size)
	}

	if c.Cache.TTL <= 0 {
		return errors.New("cache ttl must be positive")
	}

	if c.Events.Enabled && c.Events.NATSURL == "" {
		return errors.New("nats url required when events are enabled")
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.ServiceName == "" {
			return errors.New("service name required when telemetry is enabled")
		}
		if c.Telemetry.OTLPEndpoint == "" {
			return errors.New("otlp endpoint required when telemetry is enabled")
		}
	}

	return nil
}
