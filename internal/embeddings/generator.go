package embeddings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/docqd/internal/logging"
)

// Batch is one unit of embedding work, covering input texts [Start, End).
type Batch struct {
	Index int
	Start int
	End   int
}

// BatchResult is the outcome of embedding one batch. Err is nil on success,
// in which case Vectors holds one vector per text in the batch.
type BatchResult struct {
	Batch
	Vectors  [][]float32
	Attempts int
	Err      error
}

// GeneratorConfig tunes the batch embedding run.
type GeneratorConfig struct {
	// BatchSize is the maximum number of texts per provider call.
	BatchSize int

	// Workers bounds concurrent provider calls.
	Workers int

	// RequestsPerSecond paces provider calls across all workers.
	RequestsPerSecond float64

	// MaxAttempts bounds attempts per batch, including the first.
	MaxAttempts int

	// RetryBaseDelay seeds the exponential backoff between attempts.
	RetryBaseDelay time.Duration
}

// ApplyDefaults fills zero values.
func (c *GeneratorConfig) ApplyDefaults() {
	if c.BatchSize == 0 {
		c.BatchSize = 64
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.RequestsPerSecond == 0 {
		c.RequestsPerSecond = 10
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
}

// Generator runs batched embedding with a bounded worker pool, shared rate
// limiting, and independent per-batch retries. One failing batch does not
// discard the others' work.
type Generator struct {
	provider Provider
	config   GeneratorConfig
	limiter  *rate.Limiter
	logger   *logging.Logger
	metrics  *Metrics
}

// NewGenerator creates a Generator around the provider.
func NewGenerator(provider Provider, config GeneratorConfig, logger *logging.Logger) *Generator {
	config.ApplyDefaults()
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Generator{
		provider: provider,
		config:   config,
		limiter:  rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1),
		logger:   logger,
		metrics:  NewMetrics(logger.Zap()),
	}
}

// Provider returns the wrapped provider.
func (g *Generator) Provider() Provider {
	return g.provider
}

// Model names the provider's embedding model.
func (g *Generator) Model() string {
	return g.provider.Model()
}

// PlanBatches splits n texts into batch descriptors. The plan is persisted
// before the run so a crash or partial failure can resume from it.
func (g *Generator) PlanBatches(n int) []Batch {
	var batches []Batch
	for start := 0; start < n; start += g.config.BatchSize {
		end := start + g.config.BatchSize
		if end > n {
			end = n
		}
		batches = append(batches, Batch{Index: len(batches), Start: start, End: end})
	}
	return batches
}

// Run embeds the given batches of texts concurrently and returns one result
// per batch, ordered by batch index. Batches fail independently; callers
// decide whether a partial run counts as progress.
func (g *Generator) Run(ctx context.Context, texts []string, batches []Batch) []BatchResult {
	results := make([]BatchResult, len(batches))
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < g.config.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i] = g.runBatch(ctx, texts, batches[i])
			}
		}()
	}

	for i := range batches {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return results
}

// runBatch embeds one batch with bounded retries and exponential backoff.
func (g *Generator) runBatch(ctx context.Context, texts []string, batch Batch) BatchResult {
	result := BatchResult{Batch: batch}
	batchTexts := texts[batch.Start:batch.End]
	backoff := g.config.RetryBaseDelay

	for attempt := 1; attempt <= g.config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if err := g.limiter.Wait(ctx); err != nil {
			result.Err = fmt.Errorf("waiting for rate limiter: %w", err)
			return result
		}

		start := time.Now()
		vectors, err := g.provider.EmbedDocuments(ctx, batchTexts)
		g.metrics.RecordGeneration(ctx, g.provider.Model(), "batch_embed", time.Since(start), len(batchTexts), err)

		if err == nil {
			if len(vectors) != len(batchTexts) {
				result.Err = fmt.Errorf("provider returned %d vectors for %d texts", len(vectors), len(batchTexts))
				return result
			}
			result.Vectors = vectors
			result.Err = nil
			return result
		}

		result.Err = err
		if ctx.Err() != nil || errors.Is(err, ErrEmptyInput) {
			return result
		}

		g.logger.Warn(ctx, "embedding batch attempt failed",
			zap.Int("batch", batch.Index),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if attempt == g.config.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			result.Err = ctx.Err()
			return result
		case <-time.After(backoff):
			backoff *= 2
		}
	}

	result.Err = fmt.Errorf("batch %d failed after %d attempts: %w", batch.Index, result.Attempts, result.Err)
	return result
}

// EmbedQuery embeds a query with the same pacing the batch path uses.
func (g *Generator) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for rate limiter: %w", err)
	}

	start := time.Now()
	vector, err := g.provider.EmbedQuery(ctx, text)
	g.metrics.RecordGeneration(ctx, g.provider.Model(), "embed_query", time.Since(start), 1, err)
	if err != nil {
		return nil, err
	}
	return vector, nil
}

// DimensionOf reports the vector dimension observed in the results, or 0 if
// no batch succeeded. Mixed dimensions within one run return an error.
func DimensionOf(results []BatchResult) (int, error) {
	dim := 0
	for _, r := range results {
		if r.Err != nil || len(r.Vectors) == 0 {
			continue
		}
		d := len(r.Vectors[0])
		if dim == 0 {
			dim = d
		} else if d != dim {
			return 0, fmt.Errorf("inconsistent vector dimensions in one run: %d and %d", dim, d)
		}
	}
	return dim, nil
}
