package vectorstore

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/philippgille/chromem-go"
)

// ChromemIndex is an embedded Index backed by chromem-go. It needs no
// external service, which makes it the default backend for development and
// the test double for everything that talks to an Index.
type ChromemIndex struct {
	db *chromem.DB

	mu         sync.Mutex
	dimensions map[string]int

	metrics *indexMetrics
}

var _ Index = (*ChromemIndex)(nil)

// NewChromemIndex creates an embedded index. An empty path keeps everything
// in memory; otherwise vectors persist under path.
func NewChromemIndex(path string) (*ChromemIndex, error) {
	var db *chromem.DB
	if path == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(path, true)
		if err != nil {
			return nil, fmt.Errorf("opening chromem db at %s: %w", path, err)
		}
	}

	return &ChromemIndex{
		db:         db,
		dimensions: make(map[string]int),
		metrics:    newIndexMetrics("chromem"),
	}, nil
}

// Close is a no-op; chromem persists on write.
func (c *ChromemIndex) Close() error {
	return nil
}

// embeddingFunc satisfies chromem's collection API. All embeddings are
// precomputed upstream, so this must never be called.
func rejectEmbedding(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("embeddings must be precomputed")
}

// EnsureNamespace provisions the collection and records its dimension.
func (c *ChromemIndex) EnsureNamespace(ctx context.Context, namespace string, dimension int) error {
	if err := ValidateNamespace(namespace); err != nil {
		return err
	}
	if dimension < 1 {
		return fmt.Errorf("%w: dimension must be positive, got %d", ErrDimensionMismatch, dimension)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if dim, ok := c.dimensions[namespace]; ok {
		if dim != dimension {
			return fmt.Errorf("%w: namespace %s has dimension %d, want %d",
				ErrDimensionMismatch, namespace, dim, dimension)
		}
		return nil
	}

	if _, err := c.db.GetOrCreateCollection(namespace, nil, rejectEmbedding); err != nil {
		return fmt.Errorf("creating namespace %s: %w", namespace, err)
	}
	c.dimensions[namespace] = dimension
	return nil
}

// Upsert writes vectors into the namespace.
func (c *ChromemIndex) Upsert(ctx context.Context, namespace string, vectors []Vector) error {
	if err := ValidateNamespace(namespace); err != nil {
		return err
	}
	if len(vectors) == 0 {
		return nil
	}

	c.mu.Lock()
	dim, provisioned := c.dimensions[namespace]
	c.mu.Unlock()
	if provisioned {
		for _, v := range vectors {
			if len(v.Values) != dim {
				return fmt.Errorf("%w: vector %s has dimension %d, namespace %s wants %d",
					ErrDimensionMismatch, v.ID, len(v.Values), namespace, dim)
			}
		}
	}

	collection, err := c.db.GetOrCreateCollection(namespace, nil, rejectEmbedding)
	if err != nil {
		return fmt.Errorf("getting namespace %s: %w", namespace, err)
	}

	docs := make([]chromem.Document, len(vectors))
	for i, v := range vectors {
		docs[i] = chromem.Document{
			ID:        v.ID,
			Content:   v.Snippet,
			Embedding: v.Values,
			Metadata: map[string]string{
				"seq": strconv.Itoa(v.Seq),
			},
		}
	}

	start := time.Now()
	err = collection.AddDocuments(ctx, docs, 1)
	c.metrics.recordOp(ctx, "upsert", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("upserting %d vectors into %s: %w", len(vectors), namespace, err)
	}
	return nil
}

// Query searches the namespace. Missing or empty namespaces yield no
// matches.
func (c *ChromemIndex) Query(ctx context.Context, namespace string, vector []float32, topK int, minScore float32) ([]Match, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return nil, err
	}
	if topK < 1 {
		return nil, fmt.Errorf("topK must be positive, got %d", topK)
	}

	collection := c.db.GetCollection(namespace, rejectEmbedding)
	if collection == nil {
		return nil, nil
	}

	// chromem requires nResults <= document count.
	count := collection.Count()
	if count == 0 {
		return nil, nil
	}
	if topK > count {
		topK = count
	}

	start := time.Now()
	results, err := collection.QueryEmbedding(ctx, vector, topK, nil, nil)
	c.metrics.recordOp(ctx, "query", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("querying namespace %s: %w", namespace, err)
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		if r.Similarity < minScore {
			continue
		}
		seq, _ := strconv.Atoi(r.Metadata["seq"])
		matches = append(matches, Match{
			ID:      r.ID,
			Score:   r.Similarity,
			Seq:     seq,
			Snippet: r.Content,
		})
	}
	return matches, nil
}

// DeleteNamespace drops the collection. Absent namespaces are a no-op.
func (c *ChromemIndex) DeleteNamespace(ctx context.Context, namespace string) error {
	if err := ValidateNamespace(namespace); err != nil {
		return err
	}

	if err := c.db.DeleteCollection(namespace); err != nil {
		return fmt.Errorf("deleting namespace %s: %w", namespace, err)
	}

	c.mu.Lock()
	delete(c.dimensions, namespace)
	c.mu.Unlock()
	return nil
}
