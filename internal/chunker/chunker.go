// Package chunker splits document text into overlapping, token-bounded
// chunks suitable for embedding.
//
// A token is a whitespace-delimited word. Tokens carry byte offsets into the
// source text, so every chunk records the exact [Start,End) span it was cut
// from and the original text is recoverable from the chunk sequence.
package chunker

import (
	"fmt"
	"strings"
	"unicode"
)

// Chunk is one contiguous slice of the source document.
type Chunk struct {
	// Seq is the zero-based position of the chunk within the document.
	Seq int

	// Start and End are byte offsets into the source text. Text is exactly
	// source[Start:End].
	Start int
	End   int

	// Text is the chunk content.
	Text string

	// TokenCount is the number of whitespace-delimited words in Text.
	TokenCount int
}

// Chunker splits text into chunks of at most size tokens, with adjacent
// chunks sharing overlap tokens.
type Chunker struct {
	size    int
	overlap int
}

// New creates a Chunker. Size must be positive and overlap must be
// non-negative and strictly smaller than size, otherwise the window walk
// could stall.
func New(size, overlap int) (*Chunker, error) {
	if size < 1 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 {
		return nil, fmt.Errorf("chunk overlap must be non-negative, got %d", overlap)
	}
	if overlap >= size {
		return nil, fmt.Errorf("chunk overlap %d must be smaller than chunk size %d", overlap, size)
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

// token is a word with its byte span in the source.
type token struct {
	start int
	end   int
}

// Split chunks the document text. Empty or whitespace-only input yields no
// chunks. Chunk boundaries prefer paragraph breaks, then sentence ends,
// falling back to a hard cut at the size limit.
func (c *Chunker) Split(text string) []Chunk {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return nil
	}

	var chunks []Chunk
	start := 0
	for start < len(tokens) {
		end := start + c.size
		if end >= len(tokens) {
			end = len(tokens)
		} else {
			end = c.cutPoint(text, tokens, start, end)
		}

		first, last := tokens[start], tokens[end-1]
		chunks = append(chunks, Chunk{
			Seq:        len(chunks),
			Start:      first.start,
			End:        last.end,
			Text:       text[first.start:last.end],
			TokenCount: end - start,
		})

		if end == len(tokens) {
			break
		}
		start = end - c.overlap
	}

	return chunks
}

// cutPoint picks the token index to end the current window at. It scans
// backward from the hard limit for a paragraph break, then for a sentence
// end. A boundary is only accepted while the window stays longer than the
// overlap, so the next window always advances.
func (c *Chunker) cutPoint(text string, tokens []token, start, limit int) int {
	floor := start + c.overlap + 1
	if floor > limit {
		return limit
	}

	for i := limit; i > floor; i-- {
		if paragraphBreakAfter(text, tokens, i-1) {
			return i
		}
	}
	for i := limit; i > floor; i-- {
		if sentenceEnd(text, tokens[i-1]) {
			return i
		}
	}
	return limit
}

// paragraphBreakAfter reports whether the gap following token i contains a
// blank line.
func paragraphBreakAfter(text string, tokens []token, i int) bool {
	if i+1 >= len(tokens) {
		return false
	}
	gap := text[tokens[i].end:tokens[i+1].start]
	return strings.Count(gap, "\n") >= 2
}

// sentenceEnd reports whether the token ends a sentence. Trailing quotes and
// closing brackets are skipped before checking the terminal punctuation.
func sentenceEnd(text string, t token) bool {
	word := text[t.start:t.end]
	word = strings.TrimRight(word, `"')]`)
	if word == "" {
		return false
	}
	switch word[len(word)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}

// tokenize splits text into whitespace-delimited words with byte offsets.
func tokenize(text string) []token {
	var tokens []token
	inWord := false
	start := 0
	for i, r := range text {
		if unicode.IsSpace(r) {
			if inWord {
				tokens = append(tokens, token{start: start, end: i})
				inWord = false
			}
			continue
		}
		if !inWord {
			start = i
			inWord = true
		}
	}
	if inWord {
		tokens = append(tokens, token{start: start, end: len(text)})
	}
	return tokens
}

// CountTokens returns the number of whitespace-delimited words in text.
// Retrieval uses it to enforce the context token budget with the same
// token definition chunking uses.
func CountTokens(text string) int {
	return len(strings.Fields(text))
}
