package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider returns deterministic 4-dimensional vectors. Texts containing
// "PERMFAIL" always fail; texts containing "FLAKY" fail until the batch has
// been attempted flakyFailures times.
type fakeProvider struct {
	mu            sync.Mutex
	calls         int
	flakyAttempts int
	flakyFailures int
}

func (f *fakeProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	for _, t := range texts {
		if strings.Contains(t, "PERMFAIL") {
			return nil, errors.New("upstream rejected batch")
		}
		if strings.Contains(t, "FLAKY") {
			f.flakyAttempts++
			if f.flakyAttempts <= f.flakyFailures {
				return nil, errors.New("temporary upstream error")
			}
		}
	}

	vectors := make([][]float32, len(texts))
	for i, t := range texts {
		vectors[i] = []float32{float32(len(t)), 1, 0, 0}
	}
	return vectors, nil
}

func (f *fakeProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)), 1, 0, 0}, nil
}

func (f *fakeProvider) Model() string  { return "fake-embedder" }
func (f *fakeProvider) Dimension() int { return 4 }
func (f *fakeProvider) Close() error   { return nil }

func testConfig() GeneratorConfig {
	return GeneratorConfig{
		BatchSize:         64,
		Workers:           4,
		RequestsPerSecond: 10000,
		MaxAttempts:       3,
		RetryBaseDelay:    time.Millisecond,
	}
}

func makeTexts(n int) []string {
	texts := make([]string, n)
	for i := range texts {
		texts[i] = fmt.Sprintf("chunk number %d", i)
	}
	return texts
}

func TestPlanBatches(t *testing.T) {
	g := NewGenerator(&fakeProvider{}, testConfig(), nil)

	batches := g.PlanBatches(300)
	require.Len(t, batches, 5)
	assert.Equal(t, Batch{Index: 0, Start: 0, End: 64}, batches[0])
	assert.Equal(t, Batch{Index: 4, Start: 256, End: 300}, batches[4])

	assert.Nil(t, g.PlanBatches(0))

	exact := g.PlanBatches(128)
	require.Len(t, exact, 2)
	assert.Equal(t, 128, exact[1].End)
}

func TestRunAllBatchesSucceed(t *testing.T) {
	provider := &fakeProvider{}
	g := NewGenerator(provider, testConfig(), nil)

	texts := makeTexts(300)
	batches := g.PlanBatches(len(texts))
	results := g.Run(context.Background(), texts, batches)

	require.Len(t, results, 5)
	for i, r := range results {
		assert.Equal(t, i, r.Index)
		require.NoError(t, r.Err)
		assert.Len(t, r.Vectors, r.End-r.Start)
		assert.Equal(t, 1, r.Attempts)
	}

	dim, err := DimensionOf(results)
	require.NoError(t, err)
	assert.Equal(t, 4, dim)
}

func TestRunPartialFailure(t *testing.T) {
	provider := &fakeProvider{}
	g := NewGenerator(provider, testConfig(), nil)

	// Five batches; every text of the third carries the permanent-failure
	// marker.
	texts := makeTexts(300)
	for i := 128; i < 192; i++ {
		texts[i] = fmt.Sprintf("PERMFAIL chunk %d", i)
	}

	batches := g.PlanBatches(len(texts))
	require.Len(t, batches, 5)
	results := g.Run(context.Background(), texts, batches)

	var failed, succeeded int
	for _, r := range results {
		if r.Err != nil {
			failed++
			assert.Equal(t, 2, r.Index)
			assert.Equal(t, 3, r.Attempts, "failed batch exhausts its attempt budget")
			assert.Nil(t, r.Vectors)
		} else {
			succeeded++
			assert.Len(t, r.Vectors, r.End-r.Start)
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 4, succeeded, "other batches keep their results")
}

func TestRunRetriesTransientFailure(t *testing.T) {
	provider := &fakeProvider{flakyFailures: 2}
	g := NewGenerator(provider, testConfig(), nil)

	texts := []string{"FLAKY chunk"}
	results := g.Run(context.Background(), texts, g.PlanBatches(len(texts)))

	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, 3, results[0].Attempts)
	assert.Len(t, results[0].Vectors, 1)
}

func TestRunContextCancellation(t *testing.T) {
	provider := &fakeProvider{}
	g := NewGenerator(provider, testConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	texts := makeTexts(10)
	results := g.Run(ctx, texts, g.PlanBatches(len(texts)))
	require.Len(t, results, 1)
	assert.Error(t, results[0].Err)
}

func TestEmbedQuery(t *testing.T) {
	g := NewGenerator(&fakeProvider{}, testConfig(), nil)

	vector, err := g.EmbedQuery(context.Background(), "what is chunking?")
	require.NoError(t, err)
	assert.Len(t, vector, 4)
}

func TestDimensionOf(t *testing.T) {
	t.Run("no successful batches", func(t *testing.T) {
		dim, err := DimensionOf([]BatchResult{{Err: errors.New("boom")}})
		require.NoError(t, err)
		assert.Equal(t, 0, dim)
	})

	t.Run("mixed dimensions rejected", func(t *testing.T) {
		_, err := DimensionOf([]BatchResult{
			{Vectors: [][]float32{{1, 2}}},
			{Vectors: [][]float32{{1, 2, 3}}},
		})
		assert.Error(t, err)
	})
}
