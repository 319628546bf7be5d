// Package pipeline is the core service: it owns the document lifecycle from
// submission through chunking, embedding, and indexing, and serves the
// question-answering operations on ready documents.
//
// Processing runs in background goroutines owned by the Service. Every stage
// persists its outcome before the next begins, so a crash or a partial
// embedding failure is resumable through Reprocess without redoing completed
// work.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/docqd/internal/chunker"
	"github.com/fyrsmithlabs/docqd/internal/embeddings"
	"github.com/fyrsmithlabs/docqd/internal/events"
	"github.com/fyrsmithlabs/docqd/internal/logging"
	"github.com/fyrsmithlabs/docqd/internal/retrieval"
	"github.com/fyrsmithlabs/docqd/internal/store"
	"github.com/fyrsmithlabs/docqd/internal/vectorstore"
)

var (
	// ErrValidation marks rejected input: empty document text, empty
	// question, oversized payloads.
	ErrValidation = errors.New("validation failed")

	// ErrNotReady is returned when an operation needs a ready document but
	// the document is still processing or has failed.
	ErrNotReady = errors.New("document not ready")
)

// snippetLength is how many bytes of chunk text ride along in the vector
// index payload, enough for citation display without a metadata round trip.
const snippetLength = 200

// Embedder is the batch embedding surface the pipeline needs;
// *embeddings.Generator satisfies it.
type Embedder interface {
	PlanBatches(n int) []embeddings.Batch
	Run(ctx context.Context, texts []string, batches []embeddings.Batch) []embeddings.BatchResult
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// Retriever assembles query context; *retrieval.Assembler satisfies it.
type Retriever interface {
	Retrieve(ctx context.Context, doc *store.Document, query string) (*retrieval.Result, error)
}

// TextChain generates text with provider fallback; *generation.Chain
// satisfies it.
type TextChain interface {
	Generate(ctx context.Context, prompt string) (text, provider string, err error)
}

// ResultCache coalesces and caches derived results; *cache.Manager
// satisfies it.
type ResultCache interface {
	GetOrCompute(ctx context.Context, key string, compute func(ctx context.Context) ([]byte, error)) ([]byte, bool, error)
}

// Config tunes the pipeline.
type Config struct {
	// MaxDocumentBytes bounds submitted document size. Zero means 10 MiB.
	MaxDocumentBytes int

	// CitationThreshold is the fuzzy citation matching threshold passed to
	// generation. Zero uses the generation default.
	CitationThreshold float64
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.MaxDocumentBytes == 0 {
		c.MaxDocumentBytes = 10 << 20
	}
}

// Service wires the processing stages together.
type Service struct {
	store     *store.Store
	index     vectorstore.Index
	chunker   *chunker.Chunker
	embedder  Embedder
	retriever Retriever
	chain     TextChain
	cache     ResultCache
	events    *events.Publisher
	config    Config
	logger    *logging.Logger

	// baseCtx governs background processing; Close cancels it and waits.
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Deps are the collaborators a Service needs. Events may be nil.
type Deps struct {
	Store     *store.Store
	Index     vectorstore.Index
	Chunker   *chunker.Chunker
	Embedder  Embedder
	Retriever Retriever
	Chain     TextChain
	Cache     ResultCache
	Events    *events.Publisher
	Logger    *logging.Logger
}

// NewService creates the Service.
func NewService(deps Deps, config Config) (*Service, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("store is required")
	case deps.Index == nil:
		return nil, errors.New("index is required")
	case deps.Chunker == nil:
		return nil, errors.New("chunker is required")
	case deps.Embedder == nil:
		return nil, errors.New("embedder is required")
	case deps.Retriever == nil:
		return nil, errors.New("retriever is required")
	case deps.Chain == nil:
		return nil, errors.New("generation chain is required")
	case deps.Cache == nil:
		return nil, errors.New("cache is required")
	}
	config.ApplyDefaults()
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:     deps.Store,
		index:     deps.Index,
		chunker:   deps.Chunker,
		embedder:  deps.Embedder,
		retriever: deps.Retriever,
		chain:     deps.Chain,
		cache:     deps.Cache,
		events:    deps.Events,
		config:    config,
		logger:    deps.Logger,
		baseCtx:   ctx,
		cancel:    cancel,
	}, nil
}

// Close stops background processing and waits for in-flight work.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

// Wait blocks until all background processing started so far has finished.
// Tests use it to observe pipeline completion deterministically.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Submit validates and persists a new document and starts processing it in
// the background. The returned document is in status pending; callers poll
// GetStatus or subscribe to status events.
func (s *Service) Submit(ctx context.Context, text string) (*store.Document, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: document text cannot be empty", ErrValidation)
	}
	if len(text) > s.config.MaxDocumentBytes {
		return nil, fmt.Errorf("%w: document exceeds %d bytes", ErrValidation, s.config.MaxDocumentBytes)
	}

	doc := &store.Document{ID: uuid.NewString(), Text: text}
	if err := s.store.CreateDocument(ctx, doc); err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "document submitted",
		zap.String("document.id", doc.ID),
		zap.Int("bytes", len(text)),
	)
	s.publish(ctx, doc.ID, store.StatusPending, "")
	s.startProcessing(doc.ID)
	return doc, nil
}

// GetStatus returns the document's current lifecycle state.
func (s *Service) GetStatus(ctx context.Context, documentID string) (*store.Document, error) {
	return s.store.GetDocument(ctx, documentID)
}

// Delete removes the document's vectors first, then its metadata, so any
// in-flight processing output becomes unreachable rather than orphaned.
func (s *Service) Delete(ctx context.Context, documentID string) error {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}

	namespaces := []string{vectorstore.NamespaceForDocument(documentID)}
	if doc.Namespace != "" && doc.Namespace != namespaces[0] {
		namespaces = append(namespaces, doc.Namespace)
	}
	for _, ns := range namespaces {
		if err := s.index.DeleteNamespace(ctx, ns); err != nil {
			return fmt.Errorf("deleting namespace %s: %w", ns, err)
		}
	}

	return s.store.DeleteDocument(ctx, documentID)
}

// Reprocess resumes a retriable-failed document from its last completed
// stage. Ready documents are a no-op; in-flight documents are rejected.
func (s *Service) Reprocess(ctx context.Context, documentID string) (*store.Document, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}

	switch doc.Status {
	case store.StatusReady:
		return doc, nil
	case store.StatusFailed:
		// Resume below.
	default:
		return nil, fmt.Errorf("%w: document %s is still processing (%s)", ErrNotReady, documentID, doc.Status)
	}

	resume, err := s.resumeStatus(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if err := s.store.ResetForReprocess(ctx, documentID, resume); err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "document reprocessing",
		zap.String("document.id", documentID),
		zap.String("resume_status", string(resume)),
	)
	s.publish(ctx, documentID, resume, "reprocessing")
	s.startProcessing(documentID)
	return s.store.GetDocument(ctx, documentID)
}

// resumeStatus picks the stage to resume from based on what already
// persisted: batches mean embedding was underway, chunks mean chunking
// completed, otherwise start over.
func (s *Service) resumeStatus(ctx context.Context, documentID string) (store.Status, error) {
	batches, err := s.store.GetBatches(ctx, documentID)
	if err != nil {
		return "", err
	}
	if len(batches) > 0 {
		return store.StatusEmbedding, nil
	}

	chunks, err := s.store.GetChunks(ctx, documentID)
	if err != nil {
		return "", err
	}
	if len(chunks) > 0 {
		return store.StatusChunked, nil
	}
	return store.StatusPending, nil
}

// startProcessing runs the processing loop in a goroutine tied to the
// service lifetime, not the request.
func (s *Service) startProcessing(documentID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx := logging.WithDocumentID(s.baseCtx, documentID)
		if err := s.process(ctx, documentID); err != nil {
			s.logger.Error(ctx, "document processing failed", zap.Error(err))
		}
	}()
}

// process walks the document through its remaining stages. Each stage reads
// the persisted status, so a resumed document skips completed work.
func (s *Service) process(ctx context.Context, documentID string) error {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}

	if doc.Status == store.StatusPending {
		if err := s.chunkStage(ctx, doc); err != nil {
			return err
		}
	}

	chunks, err := s.store.GetChunks(ctx, documentID)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		return s.fail(ctx, documentID, "document produced no chunks", true)
	}

	return s.embedStage(ctx, doc, chunks)
}

// chunkStage splits the document and persists the chunk rows.
func (s *Service) chunkStage(ctx context.Context, doc *store.Document) error {
	pieces := s.chunker.Split(doc.Text)
	rows := make([]store.Chunk, len(pieces))
	for i, p := range pieces {
		rows[i] = store.Chunk{
			ID:         uuid.NewString(),
			DocumentID: doc.ID,
			Seq:        p.Seq,
			Start:      p.Start,
			End:        p.End,
			TokenCount: p.TokenCount,
			Text:       p.Text,
		}
	}

	if err := s.store.InsertChunks(ctx, doc.ID, rows); err != nil {
		return s.fail(ctx, doc.ID, fmt.Sprintf("persisting chunks: %v", err), true)
	}
	if err := s.transition(ctx, doc.ID, store.StatusChunked); err != nil {
		return err
	}
	doc.Status = store.StatusChunked

	s.logger.Info(ctx, "document chunked", zap.Int("chunks", len(rows)))
	return nil
}

// embedStage plans (or resumes) the embedding batches, runs the pending
// ones, indexes the vectors, and moves the document to ready.
func (s *Service) embedStage(ctx context.Context, doc *store.Document, chunks []store.Chunk) error {
	if doc.Status == store.StatusChunked || doc.Status == store.StatusEmbedding {
		if err := s.transition(ctx, doc.ID, store.StatusEmbedding); err != nil {
			return err
		}
	}

	batches, err := s.store.GetBatches(ctx, doc.ID)
	if err != nil {
		return err
	}
	if len(batches) == 0 {
		plan := s.embedder.PlanBatches(len(chunks))
		batches = make([]store.EmbeddingBatch, len(plan))
		for i, b := range plan {
			batches[i] = store.EmbeddingBatch{
				DocumentID: doc.ID,
				Index:      b.Index,
				State:      store.BatchPending,
				StartSeq:   b.Start,
				EndSeq:     b.End,
			}
		}
		if err := s.store.CreateBatches(ctx, doc.ID, batches); err != nil {
			return err
		}
	}

	if err := s.runPendingBatches(ctx, doc, chunks, batches); err != nil {
		return err
	}

	if err := s.transition(ctx, doc.ID, store.StatusEmbedded); err != nil {
		return err
	}
	return s.transition(ctx, doc.ID, store.StatusReady)
}

// runPendingBatches embeds and indexes every batch not already done. Batches
// fail independently; completed batches persist even when others fail, so a
// reprocess only redoes the failures.
func (s *Service) runPendingBatches(ctx context.Context, doc *store.Document, chunks []store.Chunk, batches []store.EmbeddingBatch) error {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	var pending []embeddings.Batch
	attempts := make(map[int]int, len(batches))
	for _, b := range batches {
		attempts[b.Index] = b.Attempts
		if b.State != store.BatchDone {
			pending = append(pending, embeddings.Batch{Index: b.Index, Start: b.StartSeq, End: b.EndSeq})
		}
	}
	if len(pending) == 0 {
		return s.indexInfo(ctx, doc, 0)
	}

	results := s.embedder.Run(ctx, texts, pending)

	dim, err := embeddings.DimensionOf(results)
	if err != nil {
		return s.fail(ctx, doc.ID, err.Error(), false)
	}

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			if uerr := s.store.UpdateBatch(ctx, doc.ID, r.Index, store.BatchFailed, attempts[r.Index]+r.Attempts, r.Err.Error()); uerr != nil {
				return uerr
			}
			continue
		}

		if uerr := s.upsertBatch(ctx, doc, chunks[r.Start:r.End], r.Vectors, dim); uerr != nil {
			failed++
			if berr := s.store.UpdateBatch(ctx, doc.ID, r.Index, store.BatchFailed, attempts[r.Index]+r.Attempts, uerr.Error()); berr != nil {
				return berr
			}
			continue
		}
		if uerr := s.store.UpdateBatch(ctx, doc.ID, r.Index, store.BatchDone, attempts[r.Index]+r.Attempts, ""); uerr != nil {
			return uerr
		}
	}

	if failed > 0 {
		return s.fail(ctx, doc.ID,
			fmt.Sprintf("%d of %d embedding batches failed", failed, len(pending)), true)
	}
	return s.indexInfo(ctx, doc, dim)
}

// upsertBatch provisions the namespace and writes one batch's vectors.
// When the namespace was provisioned for a different dimension (the
// embedding model changed between runs), the batch moves to a
// dimension-suffixed namespace instead of failing the document.
func (s *Service) upsertBatch(ctx context.Context, doc *store.Document, chunks []store.Chunk, vectors [][]float32, dim int) error {
	points := make([]vectorstore.Vector, len(chunks))
	for i, c := range chunks {
		points[i] = vectorstore.Vector{
			ID:      c.ID,
			Values:  vectors[i],
			Seq:     c.Seq,
			Snippet: snippet(c.Text),
		}
	}

	ns := s.namespaceFor(doc)
	err := s.provisionAndUpsert(ctx, ns, dim, points)
	if errors.Is(err, vectorstore.ErrDimensionMismatch) {
		ns = fmt.Sprintf("%s_d%d", vectorstore.NamespaceForDocument(doc.ID), dim)
		s.logger.Warn(ctx, "namespace dimension mismatch, using fallback namespace",
			zap.String("namespace", ns), zap.Int("dimension", dim))
		err = s.provisionAndUpsert(ctx, ns, dim, points)
	}
	if err != nil {
		return err
	}
	doc.Namespace = ns
	return nil
}

// provisionAndUpsert ensures the namespace exists at the given dimension and
// writes the points. Either call may report a dimension mismatch.
func (s *Service) provisionAndUpsert(ctx context.Context, ns string, dim int, points []vectorstore.Vector) error {
	if err := s.index.EnsureNamespace(ctx, ns, dim); err != nil {
		return err
	}
	return s.index.Upsert(ctx, ns, points)
}

// namespaceFor returns the namespace this run writes to, honoring a fallback
// namespace chosen earlier in the run.
func (s *Service) namespaceFor(doc *store.Document) string {
	if doc.Namespace != "" {
		return doc.Namespace
	}
	return vectorstore.NamespaceForDocument(doc.ID)
}

// indexInfo records the namespace, model, and dimension queries must use.
func (s *Service) indexInfo(ctx context.Context, doc *store.Document, dim int) error {
	ns := doc.Namespace
	if ns == "" {
		ns = vectorstore.NamespaceForDocument(doc.ID)
	}
	if dim == 0 {
		dim = doc.Dimension
	}
	return s.store.SetEmbeddingInfo(ctx, doc.ID, ns, s.embedder.Model(), dim)
}

// transition advances the document status and publishes the event.
func (s *Service) transition(ctx context.Context, documentID string, status store.Status) error {
	if err := s.store.UpdateStatus(ctx, documentID, status); err != nil {
		return err
	}
	s.publish(ctx, documentID, status, "")
	return nil
}

// fail marks the document failed and publishes the event. The returned error
// carries the reason so the processing loop logs it once.
func (s *Service) fail(ctx context.Context, documentID, reason string, retriable bool) error {
	if err := s.store.MarkFailed(ctx, documentID, reason, retriable); err != nil {
		return fmt.Errorf("marking document failed (%s): %w", reason, err)
	}
	s.publish(ctx, documentID, store.StatusFailed, reason)
	return fmt.Errorf("document %s failed: %s", documentID, reason)
}

func (s *Service) publish(ctx context.Context, documentID string, status store.Status, reason string) {
	s.events.PublishStatus(ctx, documentID, status, reason)
}

// snippet returns the first snippetLength bytes of text, cut at a rune
// boundary.
func snippet(text string) string {
	if len(text) <= snippetLength {
		return text
	}
	cut := snippetLength
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}
