package pipeline

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/docqd/internal/cache"
	"github.com/fyrsmithlabs/docqd/internal/chunker"
	"github.com/fyrsmithlabs/docqd/internal/embeddings"
	"github.com/fyrsmithlabs/docqd/internal/generation"
	"github.com/fyrsmithlabs/docqd/internal/retrieval"
	"github.com/fyrsmithlabs/docqd/internal/store"
	"github.com/fyrsmithlabs/docqd/internal/vectorstore"
)

// fakeEmbedProvider maps text onto a 4-dimensional topic vector (alpha,
// beta, gamma, delta word counts, normalized), so retrieval behaves like a
// real semantic index without a backend. Batches containing failMarker fail.
type fakeEmbedProvider struct {
	mu         sync.Mutex
	failMarker string
	embedded   [][]string

	// When entered is set, the first call signals it and every call parks
	// until release is closed, so tests can observe in-flight state.
	enterOnce sync.Once
	entered   chan struct{}
	release   chan struct{}
}

var topicAxes = map[string]int{"alpha": 0, "beta": 1, "gamma": 2, "delta": 3}

func embedTopics(text string) []float32 {
	v := make([]float32, 4)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,!?")
		if axis, ok := topicAxes[w]; ok {
			v[axis]++
		}
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range v {
			v[i] *= scale
		}
	}
	return v
}

func (f *fakeEmbedProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if f.entered != nil {
		f.enterOnce.Do(func() { close(f.entered) })
		<-f.release
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, t := range texts {
		if f.failMarker != "" && strings.Contains(t, f.failMarker) {
			return nil, errors.New("embedding backend down")
		}
	}
	f.embedded = append(f.embedded, texts)

	vectors := make([][]float32, len(texts))
	for i, t := range texts {
		vectors[i] = embedTopics(t)
	}
	return vectors, nil
}

func (f *fakeEmbedProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return embedTopics(text), nil
}

func (f *fakeEmbedProvider) Model() string { return "fake-topics" }
func (f *fakeEmbedProvider) Dimension() int { return 4 }
func (f *fakeEmbedProvider) Close() error   { return nil }

func (f *fakeEmbedProvider) setFailMarker(marker string) {
	f.mu.Lock()
	f.failMarker = marker
	f.mu.Unlock()
}

func (f *fakeEmbedProvider) embeddedBatches() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.embedded...)
}

// fakeChain is a TextChain with a settable reply and failure.
type fakeChain struct {
	mu    sync.Mutex
	reply string
	err   error
	calls int
}

func (f *fakeChain) Generate(ctx context.Context, prompt string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", "", f.err
	}
	return f.reply, "fake-llm", nil
}

func (f *fakeChain) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type testEnv struct {
	svc      *Service
	store    *store.Store
	index    *vectorstore.ChromemIndex
	provider *fakeEmbedProvider
	chain    *fakeChain
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	index, err := vectorstore.NewChromemIndex("")
	require.NoError(t, err)

	provider := &fakeEmbedProvider{}
	generator := embeddings.NewGenerator(provider, embeddings.GeneratorConfig{
		BatchSize:         2,
		Workers:           2,
		RequestsPerSecond: 1000,
		MaxAttempts:       2,
		RetryBaseDelay:    time.Millisecond,
	}, nil)

	ck, err := chunker.New(10, 2)
	require.NoError(t, err)

	mgr, err := cache.NewManager(st, time.Hour, nil)
	require.NoError(t, err)

	assembler := retrieval.NewAssembler(index, generator, st, retrieval.Config{
		TopK:        5,
		MinScore:    0.2,
		TokenBudget: 3000,
	}, nil)

	chain := &fakeChain{reply: "Alpha is covered at length [1]."}

	svc, err := NewService(Deps{
		Store:     st,
		Index:     index,
		Chunker:   ck,
		Embedder:  generator,
		Retriever: assembler,
		Chain:     chain,
		Cache:     mgr,
	}, Config{})
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	return &testEnv{svc: svc, store: st, index: index, provider: provider, chain: chain}
}

// testDocument is three topic paragraphs that chunk into three chunks under
// size 10 / overlap 2.
func testDocument() string {
	return "alpha alpha alpha alpha alpha alpha alpha alpha.\n\n" +
		"beta beta beta beta beta beta beta beta.\n\n" +
		"gamma gamma gamma gamma gamma gamma gamma gamma."
}

func submitAndWait(t *testing.T, env *testEnv, text string) *store.Document {
	t.Helper()
	doc, err := env.svc.Submit(context.Background(), text)
	require.NoError(t, err)
	env.svc.Wait()
	doc, err = env.svc.GetStatus(context.Background(), doc.ID)
	require.NoError(t, err)
	return doc
}

func TestSubmitProcessesToReady(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	doc := submitAndWait(t, env, testDocument())
	assert.Equal(t, store.StatusReady, doc.Status)
	assert.Equal(t, "fake-topics", doc.Model)
	assert.Equal(t, 4, doc.Dimension)
	assert.Equal(t, vectorstore.NamespaceForDocument(doc.ID), doc.Namespace)

	chunks, err := env.store.GetChunks(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	batches, err := env.store.GetBatches(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	for _, b := range batches {
		assert.Equal(t, store.BatchDone, b.State)
	}

	// The vectors are queryable.
	matches, err := env.index.Query(ctx, doc.Namespace, embedTopics("alpha"), 5, 0.2)
	require.NoError(t, err)
	assert.NotEmpty(t, matches)
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Submit(context.Background(), "   \n\t ")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestAskAnswersWithSourcesAndConversation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	doc := submitAndWait(t, env, testDocument())

	answer, err := env.svc.Ask(ctx, doc.ID, "reader-1", "What does it say about alpha?", true)
	require.NoError(t, err)
	assert.Equal(t, "Alpha is covered at length [1].", answer.Text)
	assert.Equal(t, "fake-llm", answer.Provider)
	assert.False(t, answer.Cached)
	require.NotEmpty(t, answer.Sources)
	assert.NotEmpty(t, answer.ConversationID)

	messages, err := env.svc.GetMessages(ctx, doc.ID, "reader-1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, store.RoleUser, messages[0].Role)
	assert.Equal(t, store.RoleAssistant, messages[1].Role)
	assert.NotEmpty(t, messages[1].Sources)

	// Same requester, same document: the conversation is reused.
	again, err := env.svc.Ask(ctx, doc.ID, "reader-1", "And what about beta?", true)
	require.NoError(t, err)
	assert.Equal(t, answer.ConversationID, again.ConversationID)
}

func TestAskWithoutSourcesOmitsThemEverywhere(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	doc := submitAndWait(t, env, testDocument())

	answer, err := env.svc.Ask(ctx, doc.ID, "reader-1", "What does it say about alpha?", false)
	require.NoError(t, err)
	assert.Equal(t, "Alpha is covered at length [1].", answer.Text)
	assert.Empty(t, answer.Sources)

	messages, err := env.svc.GetMessages(ctx, doc.ID, "reader-1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Empty(t, messages[1].Sources)
}

func TestAskNeverCrossesDocuments(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	alphaDoc := submitAndWait(t, env, "alpha alpha alpha alpha alpha alpha alpha alpha.")
	betaDoc := submitAndWait(t, env, "beta beta beta beta beta beta beta beta.")
	assert.Equal(t, store.StatusReady, alphaDoc.Status)
	assert.Equal(t, store.StatusReady, betaDoc.Status)

	// Asking the alpha document about beta finds nothing, even though the
	// beta document would match.
	answer, err := env.svc.Ask(ctx, alphaDoc.ID, "reader-1", "What about beta?", true)
	require.NoError(t, err)
	assert.Equal(t, generation.NoContextResponse, answer.Text)
	assert.Empty(t, answer.Sources)
}

func TestAskCachesRepeatedQuestions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	doc := submitAndWait(t, env, testDocument())

	first, err := env.svc.Ask(ctx, doc.ID, "reader-1", "What about alpha?", true)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := env.svc.Ask(ctx, doc.ID, "reader-2", "what  about ALPHA?", true)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Text, second.Text)
	assert.Equal(t, 1, env.chain.callCount(), "cached answer must not re-generate")

	// The cached answer still lands in the second reader's conversation.
	messages, err := env.svc.GetMessages(ctx, doc.ID, "reader-2")
	require.NoError(t, err)
	assert.Len(t, messages, 2)
}

func TestAskNoRelevantContext(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	doc := submitAndWait(t, env, testDocument())

	answer, err := env.svc.Ask(ctx, doc.ID, "reader-1", "Tell me about delta.", true)
	require.NoError(t, err)
	assert.Equal(t, generation.NoContextResponse, answer.Text)
	assert.Empty(t, answer.Sources)
	assert.Equal(t, 0, env.chain.callCount(), "no generation call without context")

	// The fallback reply is still part of the conversation.
	messages, err := env.svc.GetMessages(ctx, doc.ID, "reader-1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, generation.NoContextResponse, messages[1].Content)
}

func TestAskGenerationFailureRecordsNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	doc := submitAndWait(t, env, testDocument())

	env.chain.err = errors.New("all providers down")
	_, err := env.svc.Ask(ctx, doc.ID, "reader-1", "What about alpha?", true)
	require.Error(t, err)

	messages, err := env.svc.GetMessages(ctx, doc.ID, "reader-1")
	require.NoError(t, err)
	assert.Empty(t, messages, "failed generation must not persist a turn")

	// The failure was not cached: once the chain recovers the same
	// question succeeds.
	env.chain.err = nil
	answer, err := env.svc.Ask(ctx, doc.ID, "reader-1", "What about alpha?", true)
	require.NoError(t, err)
	assert.False(t, answer.Cached)
}

func TestAskRequiresReadyDocument(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	doc := &store.Document{ID: "pending-doc", Text: "alpha"}
	require.NoError(t, env.store.CreateDocument(ctx, doc))

	_, err := env.svc.Ask(ctx, doc.ID, "reader-1", "question?", true)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestAskValidation(t *testing.T) {
	env := newTestEnv(t)
	doc := submitAndWait(t, env, testDocument())

	_, err := env.svc.Ask(context.Background(), doc.ID, "reader-1", "   ", true)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestGetMessagesIsReadOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	doc := submitAndWait(t, env, testDocument())

	messages, err := env.svc.GetMessages(ctx, doc.ID, "reader-1")
	require.NoError(t, err)
	assert.Empty(t, messages)

	// Reading history must not have created a conversation.
	_, err = env.store.GetConversation(ctx, doc.ID, "reader-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSummarizeRecordsHighlight(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	doc := submitAndWait(t, env, testDocument())
	env.chain.reply = "A short summary [1]."

	answer, err := env.svc.Summarize(ctx, doc.ID, "reader-1", "alpha alpha alpha")
	require.NoError(t, err)
	assert.Equal(t, "A short summary [1].", answer.Text)

	messages, err := env.svc.GetMessages(ctx, doc.ID, "reader-1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, store.HighlightSummary, messages[0].HighlightKind)
	assert.Equal(t, store.HighlightSummary, messages[1].HighlightKind)
}

func TestExplainRecordsHighlight(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	doc := submitAndWait(t, env, testDocument())
	env.chain.reply = "In plain terms [1]."

	answer, err := env.svc.Explain(ctx, doc.ID, "reader-1", "beta beta beta")
	require.NoError(t, err)
	assert.Equal(t, "In plain terms [1].", answer.Text)

	messages, err := env.svc.GetMessages(ctx, doc.ID, "reader-1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, store.HighlightExplanation, messages[1].HighlightKind)
}

func TestEmbeddingFailureIsRetriableAndResumable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	text := "alpha alpha alpha alpha alpha alpha alpha alpha.\n\n" +
		"beta beta beta beta beta beta beta beta.\n\n" +
		"gamma gamma gamma gamma gamma gamma EMBEDFAIL gamma."
	env.provider.setFailMarker("EMBEDFAIL")

	doc := submitAndWait(t, env, text)
	assert.Equal(t, store.StatusFailed, doc.Status)
	assert.True(t, doc.Retriable)
	assert.Contains(t, doc.FailureReason, "embedding batches failed")

	batches, err := env.store.GetBatches(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, store.BatchDone, batches[0].State)
	assert.Equal(t, store.BatchFailed, batches[1].State)
	assert.Equal(t, 2, batches[1].Attempts)

	before := len(env.provider.embeddedBatches())

	// Backend recovers; reprocessing redoes only the failed batch.
	env.provider.setFailMarker("")
	_, err = env.svc.Reprocess(ctx, doc.ID)
	require.NoError(t, err)
	env.svc.Wait()

	doc, err = env.svc.GetStatus(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusReady, doc.Status)

	redone := env.provider.embeddedBatches()[before:]
	require.Len(t, redone, 1)
	require.Len(t, redone[0], 1)
	assert.Contains(t, redone[0][0], "EMBEDFAIL")
}

func TestStatusIsEmbeddingWhileBatchesRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.provider.entered = make(chan struct{})
	env.provider.release = make(chan struct{})

	doc, err := env.svc.Submit(ctx, testDocument())
	require.NoError(t, err)

	// The provider is parked inside the first batch; the document must
	// already report embedding.
	<-env.provider.entered
	mid, err := env.svc.GetStatus(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusEmbedding, mid.Status)

	close(env.provider.release)
	env.svc.Wait()

	done, err := env.svc.GetStatus(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusReady, done.Status)
}

func TestUpsertBatchFallsBackOnDimensionMismatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// An earlier model left this document's namespace at another dimension.
	doc := &store.Document{ID: "remodel-doc"}
	ns := vectorstore.NamespaceForDocument(doc.ID)
	require.NoError(t, env.index.EnsureNamespace(ctx, ns, 8))

	chunks := []store.Chunk{{ID: "c1", Seq: 0, Text: "alpha"}}
	vectors := [][]float32{embedTopics("alpha")}

	require.NoError(t, env.svc.upsertBatch(ctx, doc, chunks, vectors, 4))

	fallback := ns + "_d4"
	assert.Equal(t, fallback, doc.Namespace)

	matches, err := env.index.Query(ctx, fallback, embedTopics("alpha"), 1, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, matches)

	// The mismatched namespace stays empty.
	matches, err = env.index.Query(ctx, ns, embedTopics("alpha"), 1, 0)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestReprocessReadyIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	doc := submitAndWait(t, env, testDocument())

	got, err := env.svc.Reprocess(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusReady, got.Status)
}

func TestReprocessInFlightRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	doc := &store.Document{ID: "in-flight", Text: "alpha"}
	require.NoError(t, env.store.CreateDocument(ctx, doc))

	_, err := env.svc.Reprocess(ctx, doc.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestDeleteRemovesVectorsAndMetadata(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	doc := submitAndWait(t, env, testDocument())

	require.NoError(t, env.svc.Delete(ctx, doc.ID))

	_, err := env.svc.GetStatus(ctx, doc.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	matches, err := env.index.Query(ctx, doc.Namespace, embedTopics("alpha"), 5, 0)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestSingleWordDocumentProcesses(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	doc, err := env.svc.Submit(ctx, "alpha")
	require.NoError(t, err)
	env.svc.Wait()

	got, err := env.svc.GetStatus(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusReady, got.Status)

	chunks, err := env.store.GetChunks(ctx, doc.ID)
	require.NoError(t, err)
	assert.Len(t, chunks, 1)
}
