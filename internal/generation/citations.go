package generation

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/docqd/internal/retrieval"
)

// markerPattern matches [n] citation markers in generated text.
var markerPattern = regexp.MustCompile(`\[(\d+)\]`)

// citationGramSize is the word n-gram length used for fuzzy matching.
const citationGramSize = 6

// DefaultCitationThreshold is the fraction of a passage's n-grams that must
// appear in the answer for the passage to count as cited without a marker.
const DefaultCitationThreshold = 0.3

// ExtractMarkers returns the unique [n] passage numbers referenced in the
// answer, ascending.
func ExtractMarkers(answer string) []int {
	seen := map[int]bool{}
	for _, m := range markerPattern.FindAllStringSubmatch(answer, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil {
			seen[n] = true
		}
	}
	numbers := make([]int, 0, len(seen))
	for n := range seen {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	return numbers
}

// CitedSources maps the generated answer back to the passages it drew from.
// A passage counts as cited when the answer carries its [n] marker, or when
// enough of the passage's normalized word n-grams reappear in the answer
// (threshold <= 0 uses DefaultCitationThreshold). Sources come back in
// passage order.
func CitedSources(answer string, passages []retrieval.Passage, threshold float64) []retrieval.Source {
	if threshold <= 0 {
		threshold = DefaultCitationThreshold
	}

	cited := map[int]bool{}
	for _, n := range ExtractMarkers(answer) {
		cited[n] = true
	}

	answerWords := normalizeWords(answer)
	answerGrams := ngramSet(answerWords)
	answerJoined := strings.Join(answerWords, " ")
	for _, p := range passages {
		if cited[p.Number] {
			continue
		}
		passageWords := normalizeWords(p.Text)
		if len(passageWords) < citationGramSize {
			// Too short for n-grams; fall back to whole-phrase containment.
			if phrase := strings.Join(passageWords, " "); phrase != "" && strings.Contains(answerJoined, phrase) {
				cited[p.Number] = true
			}
			continue
		}
		if overlapRatio(passageWords, answerGrams) >= threshold {
			cited[p.Number] = true
		}
	}

	var sources []retrieval.Source
	for _, p := range passages {
		if cited[p.Number] {
			sources = append(sources, p.Source)
		}
	}
	return sources
}

// normalizeWords lowercases and strips punctuation from the text's words.
func normalizeWords(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	words := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimFunc(f, func(r rune) bool {
			return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
		})
		if f != "" {
			words = append(words, f)
		}
	}
	return words
}

// ngramSet builds the set of word n-grams of citationGramSize. Shorter
// inputs contribute their single full-length gram.
func ngramSet(words []string) map[string]bool {
	grams := map[string]bool{}
	if len(words) == 0 {
		return grams
	}
	if len(words) < citationGramSize {
		grams[strings.Join(words, " ")] = true
		return grams
	}
	for i := 0; i+citationGramSize <= len(words); i++ {
		grams[strings.Join(words[i:i+citationGramSize], " ")] = true
	}
	return grams
}

// overlapRatio is the fraction of the passage's n-grams present in the
// answer's n-gram set.
func overlapRatio(passageWords []string, answerGrams map[string]bool) float64 {
	passageGrams := ngramSet(passageWords)
	if len(passageGrams) == 0 {
		return 0
	}
	hits := 0
	for gram := range passageGrams {
		if answerGrams[gram] {
			hits++
		}
	}
	return float64(hits) / float64(len(passageGrams))
}
