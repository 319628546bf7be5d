// Package generation produces answers, summaries, and explanations from
// retrieved context.
//
// A Chain walks an ordered list of providers: the primary is tried first
// with one retry, then each fallback in turn. Only when every provider is
// exhausted does the caller see ErrGenerationUnavailable.
package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/docqd/internal/logging"
)

// ErrGenerationUnavailable is returned when all configured providers failed.
var ErrGenerationUnavailable = errors.New("generation unavailable")

// TextGenerator is one generation backend.
type TextGenerator interface {
	// Name identifies the provider in logs and responses.
	Name() string

	// Generate completes the prompt.
	Generate(ctx context.Context, prompt string) (string, error)
}

// Request states walked per generation attempt.
const (
	statePending      = "pending"
	statePrimaryCall  = "primary_call"
	stateFallbackCall = "fallback_call"
	stateSuccess      = "success"
	stateFailed       = "failed"
)

// ChainConfig tunes the fallback chain.
type ChainConfig struct {
	// CallTimeout bounds each individual provider call.
	CallTimeout time.Duration

	// RetriesPerProvider is how many extra attempts each provider gets
	// before the chain moves on.
	RetriesPerProvider int
}

// ApplyDefaults fills zero values.
func (c *ChainConfig) ApplyDefaults() {
	if c.CallTimeout == 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.RetriesPerProvider == 0 {
		c.RetriesPerProvider = 1
	}
}

// Chain is an ordered provider list with retry and fallback.
type Chain struct {
	providers []TextGenerator
	config    ChainConfig
	logger    *logging.Logger
}

// NewChain creates a Chain. At least one provider is required.
func NewChain(providers []TextGenerator, config ChainConfig, logger *logging.Logger) (*Chain, error) {
	if len(providers) == 0 {
		return nil, errors.New("at least one provider required")
	}
	config.ApplyDefaults()
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Chain{providers: providers, config: config, logger: logger}, nil
}

// Generate walks the provider chain and returns the completion and the name
// of the provider that produced it.
func (c *Chain) Generate(ctx context.Context, prompt string) (string, string, error) {
	state := statePending
	var lastErr error

	for i, provider := range c.providers {
		if i == 0 {
			state = statePrimaryCall
		} else {
			state = stateFallbackCall
		}

		for attempt := 0; attempt <= c.config.RetriesPerProvider; attempt++ {
			if ctx.Err() != nil {
				return "", "", fmt.Errorf("generation canceled: %w", ctx.Err())
			}

			text, err := c.callProvider(ctx, provider, prompt)
			if err == nil {
				state = stateSuccess
				c.logger.Debug(ctx, "generation succeeded",
					zap.String("provider", provider.Name()),
					zap.String("state", state),
					zap.Int("attempt", attempt+1),
				)
				return text, provider.Name(), nil
			}

			lastErr = err
			c.logger.Warn(ctx, "generation attempt failed",
				zap.String("provider", provider.Name()),
				zap.String("state", state),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
		}
	}

	state = stateFailed
	c.logger.Error(ctx, "all generation providers exhausted",
		zap.String("state", state),
		zap.Int("providers", len(c.providers)),
		zap.Error(lastErr),
	)
	return "", "", fmt.Errorf("%w: %v", ErrGenerationUnavailable, lastErr)
}

// callProvider runs one provider call under the per-call timeout.
func (c *Chain) callProvider(ctx context.Context, provider TextGenerator, prompt string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
	defer cancel()
	return provider.Generate(callCtx, prompt)
}
