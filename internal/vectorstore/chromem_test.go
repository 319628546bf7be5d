package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T) *ChromemIndex {
	t.Helper()
	idx, err := NewChromemIndex("")
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

// unitVector returns a 4-dimensional unit vector pointing along axis.
func unitVector(axis int) []float32 {
	v := make([]float32, 4)
	v[axis] = 1
	return v
}

func TestChromemEnsureNamespace(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.EnsureNamespace(ctx, "doc_abc", 4))
	// Idempotent with the same dimension.
	require.NoError(t, idx.EnsureNamespace(ctx, "doc_abc", 4))

	// Conflicting dimension is rejected.
	err := idx.EnsureNamespace(ctx, "doc_abc", 8)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestChromemEnsureNamespaceValidation(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	assert.ErrorIs(t, idx.EnsureNamespace(ctx, "", 4), ErrInvalidNamespace)
	assert.ErrorIs(t, idx.EnsureNamespace(ctx, "Bad-Name", 4), ErrInvalidNamespace)
	assert.ErrorIs(t, idx.EnsureNamespace(ctx, "doc_abc", 0), ErrDimensionMismatch)
}

func TestChromemUpsertAndQuery(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.EnsureNamespace(ctx, "doc_abc", 4))
	require.NoError(t, idx.Upsert(ctx, "doc_abc", []Vector{
		{ID: "11111111-1111-1111-1111-111111111111", Values: unitVector(0), Seq: 0, Snippet: "first chunk"},
		{ID: "22222222-2222-2222-2222-222222222222", Values: unitVector(1), Seq: 1, Snippet: "second chunk"},
		{ID: "33333333-3333-3333-3333-333333333333", Values: unitVector(2), Seq: 2, Snippet: "third chunk"},
	}))

	matches, err := idx.Query(ctx, "doc_abc", unitVector(1), 3, 0)
	require.NoError(t, err)
	require.NotEmpty(t, matches)

	// Best match is the identical vector, with payload intact.
	assert.Equal(t, "22222222-2222-2222-2222-222222222222", matches[0].ID)
	assert.Equal(t, 1, matches[0].Seq)
	assert.Equal(t, "second chunk", matches[0].Snippet)
	assert.InDelta(t, 1.0, matches[0].Score, 0.001)

	// Results are ordered by descending score.
	for i := 1; i < len(matches); i++ {
		assert.LessOrEqual(t, matches[i].Score, matches[i-1].Score)
	}
}

func TestChromemQueryMinScoreFilters(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.EnsureNamespace(ctx, "doc_abc", 4))
	require.NoError(t, idx.Upsert(ctx, "doc_abc", []Vector{
		{ID: "11111111-1111-1111-1111-111111111111", Values: unitVector(0), Seq: 0},
		{ID: "22222222-2222-2222-2222-222222222222", Values: unitVector(1), Seq: 1},
	}))

	// Orthogonal vectors score ~0, so a 0.9 threshold keeps only the
	// identical one.
	matches, err := idx.Query(ctx, "doc_abc", unitVector(0), 2, 0.9)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, 0, matches[0].Seq)
}

func TestChromemQueryTopKLimit(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.EnsureNamespace(ctx, "doc_abc", 4))
	vectors := []Vector{
		{ID: "11111111-1111-1111-1111-111111111111", Values: []float32{1, 0, 0, 0}, Seq: 0},
		{ID: "22222222-2222-2222-2222-222222222222", Values: []float32{0.9, 0.1, 0, 0}, Seq: 1},
		{ID: "33333333-3333-3333-3333-333333333333", Values: []float32{0.8, 0.2, 0, 0}, Seq: 2},
	}
	require.NoError(t, idx.Upsert(ctx, "doc_abc", vectors))

	matches, err := idx.Query(ctx, "doc_abc", unitVector(0), 2, 0)
	require.NoError(t, err)
	assert.Len(t, matches, 2)

	// topK larger than the namespace is capped, not an error.
	matches, err = idx.Query(ctx, "doc_abc", unitVector(0), 50, 0)
	require.NoError(t, err)
	assert.Len(t, matches, 3)
}

func TestChromemQueryMissingNamespace(t *testing.T) {
	idx := newTestIndex(t)

	matches, err := idx.Query(context.Background(), "doc_unknown", unitVector(0), 5, 0)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestChromemUpsertDimensionMismatch(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.EnsureNamespace(ctx, "doc_abc", 4))
	err := idx.Upsert(ctx, "doc_abc", []Vector{
		{ID: "11111111-1111-1111-1111-111111111111", Values: []float32{1, 0}, Seq: 0},
	})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestChromemDeleteNamespace(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.EnsureNamespace(ctx, "doc_abc", 4))
	require.NoError(t, idx.Upsert(ctx, "doc_abc", []Vector{
		{ID: "11111111-1111-1111-1111-111111111111", Values: unitVector(0), Seq: 0},
	}))

	require.NoError(t, idx.DeleteNamespace(ctx, "doc_abc"))

	matches, err := idx.Query(ctx, "doc_abc", unitVector(0), 5, 0)
	require.NoError(t, err)
	assert.Empty(t, matches)

	// Deleting again is a no-op.
	assert.NoError(t, idx.DeleteNamespace(ctx, "doc_abc"))

	// The namespace can be re-provisioned with a different dimension.
	assert.NoError(t, idx.EnsureNamespace(ctx, "doc_abc", 8))
}
