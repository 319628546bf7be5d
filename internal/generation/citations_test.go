package generation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/docqd/internal/retrieval"
)

func TestExtractMarkers(t *testing.T) {
	tests := []struct {
		name   string
		answer string
		want   []int
	}{
		{"none", "no citations here", nil},
		{"single", "chunking splits text [1].", []int{1}},
		{"multiple", "first [2], then [1] and [2] again.", []int{1, 2}},
		{"double digit", "see [12] for details", []int{12}},
		{"ignores non-numeric brackets", "array[i] and [n] notation", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractMarkers(tt.answer)
			if tt.want == nil {
				assert.Empty(t, got)
			} else {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestCitedSourcesByMarker(t *testing.T) {
	passages := testPassages()
	answer := "Documents are split into windows [1]."

	sources := CitedSources(answer, passages, 0)
	require.Len(t, sources, 1)
	assert.Equal(t, "c1", sources[0].ChunkID)
}

func TestCitedSourcesFuzzyMatch(t *testing.T) {
	passages := []retrieval.Passage{
		{Number: 1, Text: "the retrieval pipeline embeds every chunk of the submitted document before indexing", Source: retrieval.Source{ChunkID: "c1", Seq: 0}},
		{Number: 2, Text: "completely unrelated passage about provider fallback behavior under sustained outages", Source: retrieval.Source{ChunkID: "c2", Seq: 1}},
	}
	// The answer quotes passage 1 nearly verbatim, without a marker.
	answer := "According to the text, the retrieval pipeline embeds every chunk of the submitted document before indexing it."

	sources := CitedSources(answer, passages, 0.3)
	require.Len(t, sources, 1)
	assert.Equal(t, "c1", sources[0].ChunkID)
}

func TestCitedSourcesShortPassageContainment(t *testing.T) {
	passages := []retrieval.Passage{
		{Number: 1, Text: "Attention is all you need.", Source: retrieval.Source{ChunkID: "c1", Seq: 0}},
	}
	answer := `The paper argues that "attention is all you need" for sequence modeling.`

	sources := CitedSources(answer, passages, 0.3)
	require.Len(t, sources, 1)
}

func TestCitedSourcesUncitedDropped(t *testing.T) {
	passages := testPassages()
	answer := "The document covers several unrelated topics."

	sources := CitedSources(answer, passages, 0.3)
	assert.Empty(t, sources)
}

func TestCitedSourcesPreservePassageOrder(t *testing.T) {
	passages := testPassages()
	answer := "Embedding happens per chunk [2], after splitting [1]."

	sources := CitedSources(answer, passages, 0)
	require.Len(t, sources, 2)
	assert.Equal(t, "c1", sources[0].ChunkID)
	assert.Equal(t, "c2", sources[1].ChunkID)
}
