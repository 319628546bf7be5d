package generation

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/openai"
)

// ProviderOptions carry the sampling parameters shared by all providers.
type ProviderOptions struct {
	MaxTokens   int
	Temperature float64
}

func (o *ProviderOptions) applyDefaults() {
	if o.MaxTokens == 0 {
		o.MaxTokens = 1024
	}
	// Low temperature keeps answers anchored to the retrieved context.
	if o.Temperature == 0 {
		o.Temperature = 0.3
	}
}

// OpenAIGenerator generates text through an OpenAI-compatible chat endpoint.
type OpenAIGenerator struct {
	llm     *openai.LLM
	model   string
	options ProviderOptions
}

var _ TextGenerator = (*OpenAIGenerator)(nil)

// NewOpenAIGenerator creates the primary generation provider.
func NewOpenAIGenerator(baseURL, model, apiKey string, options ProviderOptions) (*OpenAIGenerator, error) {
	options.applyDefaults()

	opts := []openai.Option{
		openai.WithModel(model),
		openai.WithToken(apiKey),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}
	return &OpenAIGenerator{llm: llm, model: model, options: options}, nil
}

func (g *OpenAIGenerator) Name() string {
	return "openai/" + g.model
}

func (g *OpenAIGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	text, err := llms.GenerateFromSinglePrompt(ctx, g.llm, prompt,
		llms.WithMaxTokens(g.options.MaxTokens),
		llms.WithTemperature(g.options.Temperature),
	)
	if err != nil {
		return "", fmt.Errorf("openai generation: %w", err)
	}
	return text, nil
}

// GoogleAIGenerator generates text through the Gemini API, used as the
// fallback when the primary provider is down.
type GoogleAIGenerator struct {
	llm     *googleai.GoogleAI
	model   string
	options ProviderOptions
}

var _ TextGenerator = (*GoogleAIGenerator)(nil)

// NewGoogleAIGenerator creates the fallback generation provider.
func NewGoogleAIGenerator(ctx context.Context, model, apiKey string, options ProviderOptions) (*GoogleAIGenerator, error) {
	options.applyDefaults()

	llm, err := googleai.New(ctx,
		googleai.WithAPIKey(apiKey),
		googleai.WithDefaultModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("creating Google AI client: %w", err)
	}
	return &GoogleAIGenerator{llm: llm, model: model, options: options}, nil
}

func (g *GoogleAIGenerator) Name() string {
	return "googleai/" + g.model
}

func (g *GoogleAIGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	text, err := llms.GenerateFromSinglePrompt(ctx, g.llm, prompt,
		llms.WithMaxTokens(g.options.MaxTokens),
		llms.WithTemperature(g.options.Temperature),
	)
	if err != nil {
		return "", fmt.Errorf("googleai generation: %w", err)
	}
	return text, nil
}
