// Package retrieval assembles the context passed to generation: it embeds
// the query, searches the document's namespace, filters weak matches, and
// reassembles the survivors in document order under a token budget.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/docqd/internal/chunker"
	"github.com/fyrsmithlabs/docqd/internal/logging"
	"github.com/fyrsmithlabs/docqd/internal/store"
	"github.com/fyrsmithlabs/docqd/internal/vectorstore"
)

// ErrNoRelevantContext is returned when nothing in the document clears the
// relevance threshold for a query.
var ErrNoRelevantContext = errors.New("no relevant context")

// Source identifies one retrieved chunk, in the shape persisted alongside
// assistant messages.
type Source struct {
	ChunkID string  `json:"chunk_id"`
	Seq     int     `json:"seq"`
	Score   float32 `json:"score"`
}

// Passage is one numbered context passage handed to generation. Numbers
// start at 1 and follow document order.
type Passage struct {
	Number int
	Text   string
	Source Source
}

// Result is the assembled retrieval output.
type Result struct {
	Passages []Passage
	Sources  []Source
	Tokens   int
}

// QueryEmbedder embeds query strings; *embeddings.Generator satisfies it.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// ChunkGetter loads chunk rows by ID; *store.Store satisfies it.
type ChunkGetter interface {
	GetChunksByID(ctx context.Context, ids []string) ([]store.Chunk, error)
}

// Config tunes retrieval.
type Config struct {
	TopK        int
	MinScore    float32
	TokenBudget int
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.TopK == 0 {
		c.TopK = 8
	}
	if c.MinScore == 0 {
		c.MinScore = 0.35
	}
	if c.TokenBudget == 0 {
		c.TokenBudget = 3000
	}
}

// Assembler performs retrieval against one index.
type Assembler struct {
	index    vectorstore.Index
	embedder QueryEmbedder
	chunks   ChunkGetter
	config   Config
	logger   *logging.Logger
}

// NewAssembler creates an Assembler.
func NewAssembler(index vectorstore.Index, embedder QueryEmbedder, chunks ChunkGetter, config Config, logger *logging.Logger) *Assembler {
	config.ApplyDefaults()
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Assembler{
		index:    index,
		embedder: embedder,
		chunks:   chunks,
		config:   config,
		logger:   logger,
	}
}

// Retrieve assembles context for a query against the document's namespace.
//
// Matches below the score threshold are dropped; the survivors are trimmed
// to the token budget lowest-score-first, then reordered by chunk sequence
// so the assembled passages read in document order. Equal scores tie-break
// by ascending sequence.
func (a *Assembler) Retrieve(ctx context.Context, doc *store.Document, query string) (*Result, error) {
	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}
	if doc.Namespace == "" {
		return nil, ErrNoRelevantContext
	}

	vector, err := a.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	matches, err := a.index.Query(ctx, doc.Namespace, vector, a.config.TopK, a.config.MinScore)
	if err != nil {
		return nil, fmt.Errorf("querying index: %w", err)
	}
	if len(matches) == 0 {
		return nil, ErrNoRelevantContext
	}

	// Deterministic order: descending score, ascending sequence on ties.
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Seq < matches[j].Seq
	})

	texts, err := a.chunkTexts(ctx, matches)
	if err != nil {
		return nil, err
	}

	// Trim to the token budget, keeping the strongest matches. The best
	// match is always kept, even if it alone exceeds the budget.
	kept := make([]vectorstore.Match, 0, len(matches))
	tokens := 0
	for i, m := range matches {
		cost := chunker.CountTokens(texts[m.ID])
		if i > 0 && tokens+cost > a.config.TokenBudget {
			continue
		}
		kept = append(kept, m)
		tokens += cost
	}

	// Reassemble in document order.
	sort.Slice(kept, func(i, j int) bool { return kept[i].Seq < kept[j].Seq })

	result := &Result{Tokens: tokens}
	for i, m := range kept {
		src := Source{ChunkID: m.ID, Seq: m.Seq, Score: m.Score}
		result.Passages = append(result.Passages, Passage{
			Number: i + 1,
			Text:   texts[m.ID],
			Source: src,
		})
		result.Sources = append(result.Sources, src)
	}

	a.logger.Debug(ctx, "assembled retrieval context",
		zap.Int("matches", len(matches)),
		zap.Int("kept", len(kept)),
		zap.Int("tokens", tokens),
	)

	return result, nil
}

// chunkTexts resolves match IDs to chunk text, falling back to the indexed
// snippet when the metadata row is gone.
func (a *Assembler) chunkTexts(ctx context.Context, matches []vectorstore.Match) (map[string]string, error) {
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
	}

	rows, err := a.chunks.GetChunksByID(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading chunk texts: %w", err)
	}

	texts := make(map[string]string, len(matches))
	for _, c := range rows {
		texts[c.ID] = c.Text
	}
	for _, m := range matches {
		if _, ok := texts[m.ID]; !ok {
			texts[m.ID] = m.Snippet
		}
	}
	return texts, nil
}
