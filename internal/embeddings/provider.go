// Package embeddings turns chunk text into vectors.
//
// A Provider wraps one embedding backend. The Generator above it handles
// batching, concurrency, pacing, and retries, and reports per-batch results
// so a partially failed run can be resumed without re-embedding completed
// batches.
package embeddings

import (
	"context"
	"errors"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid provider configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Provider generates embeddings.
type Provider interface {
	// EmbedDocuments embeds a batch of texts, returning one vector per
	// input in order.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery embeds a single query string.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// Model names the embedding model, recorded per document so queries
	// embed with the same model the chunks were indexed with.
	Model() string

	// Dimension is the configured vector dimension, or 0 when it is only
	// discoverable from a live call.
	Dimension() int

	Close() error
}

// OpenAIConfig configures the OpenAI-compatible provider. It covers both
// api.openai.com and local TEI (Text Embeddings Inference) servers.
type OpenAIConfig struct {
	BaseURL string
	Model   string
	APIKey  string

	// Dimension may be set when known up front; otherwise it is observed
	// from the first embedding call.
	Dimension int
}

// Validate validates the configuration.
func (c OpenAIConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if c.Model == "" {
		return fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	return nil
}

// OpenAIProvider is a Provider backed by an OpenAI-compatible embeddings
// endpoint via langchaingo.
type OpenAIProvider struct {
	embedder *embeddings.EmbedderImpl
	config   OpenAIConfig
}

var _ Provider = (*OpenAIProvider)(nil)

// NewOpenAIProvider creates the provider.
func NewOpenAIProvider(config OpenAIConfig) (*OpenAIProvider, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	apiKey := config.APIKey
	if apiKey == "" {
		// langchaingo requires a token; TEI ignores it.
		apiKey = "placeholder"
	}

	llm, err := openai.New(
		openai.WithBaseURL(config.BaseURL),
		openai.WithEmbeddingModel(config.Model),
		openai.WithToken(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	return &OpenAIProvider{embedder: embedder, config: config}, nil
}

// EmbedDocuments embeds a batch of texts.
func (p *OpenAIProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	vectors, err := p.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding documents: %w", err)
	}
	return vectors, nil
}

// EmbedQuery embeds a single query string.
func (p *OpenAIProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: query cannot be empty", ErrEmptyInput)
	}
	vector, err := p.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return vector, nil
}

// Model returns the configured model name.
func (p *OpenAIProvider) Model() string {
	return p.config.Model
}

// Dimension returns the configured dimension, or 0 if unknown.
func (p *OpenAIProvider) Dimension() int {
	return p.config.Dimension
}

// Close is a no-op; the underlying HTTP client has no teardown.
func (p *OpenAIProvider) Close() error {
	return nil
}
